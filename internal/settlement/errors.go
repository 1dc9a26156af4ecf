package settlement

import (
	"errors"
	"fmt"

	"github.com/papertrade/trading-engine/internal/store"
)

var (
	// ErrInvalidQuantity is returned for a non-positive quantity or one
	// finer than QuantityScale.
	ErrInvalidQuantity = errors.New("settlement: quantity must be positive with at most 4 decimal places")

	// ErrInvalidSide is returned when the side is neither buy nor sell.
	ErrInvalidSide = errors.New("settlement: side must be buy or sell")

	// ErrInvalidOrderKind is returned for an order kind other than market or limit.
	ErrInvalidOrderKind = errors.New("settlement: order kind must be market or limit")

	// ErrInvalidSymbol is returned when a symbol fails normalization.
	ErrInvalidSymbol = errors.New("settlement: invalid symbol")

	// ErrInvalidLimitPrice is returned for a limit order without a positive limit price.
	ErrInvalidLimitPrice = errors.New("settlement: limit orders require a positive limit price")

	// ErrInvalidAmount is returned for a non-positive deposit or negative opening cash.
	ErrInvalidAmount = errors.New("settlement: amount must be positive")

	// ErrSymbolNotFound is returned when the price feed does not list the symbol.
	ErrSymbolNotFound = errors.New("settlement: symbol not found")

	// ErrLimitNotExecutable is returned when the market is on the wrong side of the limit.
	ErrLimitNotExecutable = errors.New("settlement: limit price not executable at current market price")

	// ErrAccountNotFound is returned when the user has no account.
	ErrAccountNotFound = errors.New("settlement: account not found")

	// ErrAccountExists is returned when opening an account id already in use.
	ErrAccountExists = errors.New("settlement: account already exists")

	// ErrInsufficientBalance is returned when cash does not cover gross plus fee.
	ErrInsufficientBalance = errors.New("settlement: insufficient balance")

	// ErrInsufficientShares is returned when selling more than the position holds.
	ErrInsufficientShares = errors.New("settlement: insufficient shares")

	// ErrStoreConflict means the settlement was aborted by contention or
	// by the store's time bound. Nothing was written and the order can be
	// resubmitted.
	ErrStoreConflict = errors.New("settlement: concurrent modification, retry")

	// ErrInternal wraps unexpected failures. Its message is safe to show
	// to callers; the wrapped cause is not.
	ErrInternal = errors.New("settlement: internal error")
)

// Class groups errors by how a caller should react to them.
type Class string

const (
	ClassInvalid  Class = "invalid"
	ClassNotFound Class = "not_found"
	ClassConflict Class = "conflict"
	ClassInternal Class = "internal"
)

type errorInfo struct {
	err   error
	kind  string
	class Class
}

var errorTable = []errorInfo{
	{ErrInvalidQuantity, "invalid_quantity", ClassInvalid},
	{ErrInvalidSide, "invalid_side", ClassInvalid},
	{ErrInvalidOrderKind, "invalid_order_kind", ClassInvalid},
	{ErrInvalidSymbol, "invalid_symbol", ClassInvalid},
	{ErrInvalidLimitPrice, "invalid_limit_price", ClassInvalid},
	{ErrInvalidAmount, "invalid_amount", ClassInvalid},
	{ErrLimitNotExecutable, "limit_not_executable", ClassInvalid},
	{ErrInsufficientBalance, "insufficient_balance", ClassInvalid},
	{ErrInsufficientShares, "insufficient_shares", ClassInvalid},
	{ErrSymbolNotFound, "symbol_not_found", ClassNotFound},
	{ErrAccountNotFound, "account_not_found", ClassNotFound},
	{ErrAccountExists, "account_exists", ClassConflict},
	{ErrStoreConflict, "store_conflict", ClassConflict},
	{ErrInternal, "internal", ClassInternal},
}

func lookup(err error) (errorInfo, bool) {
	for _, info := range errorTable {
		if errors.Is(err, info.err) {
			return info, true
		}
	}
	return errorInfo{}, false
}

// Kind returns a stable machine-readable name for err, "internal" for
// anything the engine does not define.
func Kind(err error) string {
	if info, ok := lookup(err); ok {
		return info.kind
	}
	return "internal"
}

// Classify returns the class of err. Unknown errors are internal.
func Classify(err error) Class {
	if info, ok := lookup(err); ok {
		return info.class
	}
	return ClassInternal
}

// Message returns the text of err that is safe to show to callers. Only
// validation errors keep their detail; the others report the engine's own
// sentinel so that wrapped store causes stay in the logs.
func Message(err error) string {
	info, ok := lookup(err)
	if !ok {
		return ErrInternal.Error()
	}
	if info.class == ClassInvalid {
		return err.Error()
	}
	return info.err.Error()
}

// Retryable reports whether resubmitting the same order may succeed.
func Retryable(err error) bool {
	return errors.Is(err, ErrStoreConflict)
}

// translate maps errors crossing the store boundary onto engine errors.
// Errors the engine produced itself pass through unchanged.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := lookup(err); ok {
		return err
	}
	switch {
	case errors.Is(err, store.ErrAccountNotFound):
		return fmt.Errorf("%w: %w", ErrAccountNotFound, err)
	case errors.Is(err, store.ErrAccountExists):
		return fmt.Errorf("%w: %w", ErrAccountExists, err)
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrDuplicateClientOrderID):
		return fmt.Errorf("%w: %w", ErrStoreConflict, err)
	default:
		return fmt.Errorf("%w: %w", ErrInternal, err)
	}
}
