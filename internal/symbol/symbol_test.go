package symbol

import (
	"errors"
	"testing"
)

func TestNormalize_Valid(t *testing.T) {
	tests := map[string]string{
		"AAPL":       "AAPL",
		" aapl ":     "AAPL",
		"brk.b":      "BRK.B",
		"BTC":        "BTC",
		"X":          "X",
		"ABCDEFGHIJ": "ABCDEFGHIJ",
	}
	for in, want := range tests {
		got, err := Normalize(in)
		if err != nil {
			t.Fatalf("Normalize(%q): unexpected error: %v", in, err)
		}
		if got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalize_Invalid(t *testing.T) {
	tests := []string{
		"",
		"   ",
		"ABCDEFGHIJK", // too long
		"AA PL",
		"AAPL$",
		"ÄPPL",
	}
	for _, in := range tests {
		if _, err := Normalize(in); !errors.Is(err, ErrInvalidSymbol) {
			t.Errorf("Normalize(%q): expected ErrInvalidSymbol, got %v", in, err)
		}
	}
}
