// Package symbol handles ticker symbol normalization and validation.
package symbol

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// symbolRegex matches exchange tickers like AAPL, BRK.B or BTC.
var symbolRegex = regexp.MustCompile(`^[A-Z0-9.]{1,10}$`)

// ErrInvalidSymbol is returned when a ticker does not match the accepted format.
var ErrInvalidSymbol = errors.New("symbol: invalid ticker format")

// Normalize trims and upper-cases s and validates the result.
func Normalize(s string) (string, error) {
	sym := strings.ToUpper(strings.TrimSpace(s))
	if !symbolRegex.MatchString(sym) {
		return "", fmt.Errorf("%w: %q (expected 1-10 of A-Z, 0-9 or '.')", ErrInvalidSymbol, s)
	}
	return sym, nil
}
