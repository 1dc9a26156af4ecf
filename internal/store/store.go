// Package store defines the persistence interface for the trading engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and development).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/papertrade/trading-engine/internal/model"
)

var (
	// ErrAccountNotFound is returned when no account exists for a user.
	ErrAccountNotFound = errors.New("store: account not found")

	// ErrAccountExists is returned by CreateAccount for a duplicate user.
	ErrAccountExists = errors.New("store: account already exists")

	// ErrDuplicateClientOrderID is returned when a user's client order id
	// is already present in the ledger.
	ErrDuplicateClientOrderID = errors.New("store: duplicate client order id")

	// ErrConflict is returned when a user transaction could not complete
	// because of concurrent modification or because it exceeded its time
	// bound. Nothing was written; the caller may retry.
	ErrConflict = errors.New("store: concurrent modification")
)

// DefaultTxTimeout bounds WithUserTx when no timeout is configured.
const DefaultTxTimeout = 5 * time.Second

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Accounts ---

	// CreateAccount persists a new account. Returns ErrAccountExists if the
	// user already has one.
	CreateAccount(ctx context.Context, account *model.Account) error

	// GetAccount reads a user's account outside of any user transaction.
	GetAccount(ctx context.Context, userID string) (*model.Account, error)

	// --- Read side ---

	// ListPositions returns all positions of a user ordered by symbol.
	ListPositions(ctx context.Context, userID string) ([]model.Position, error)

	// ListTransactions returns a window of the user's ledger ordered by
	// created_at DESC, id DESC, together with the total number of records.
	ListTransactions(ctx context.Context, userID string, offset, limit int) ([]model.Transaction, int, error)

	// --- Atomic settlement ---

	// WithUserTx runs fn as one atomic unit over the user's account, all of
	// the user's positions and the user's ledger. Concurrent calls for the
	// same user are serialized. If fn returns an error nothing is written
	// and the error is returned unchanged. The unit is bounded in time;
	// exceeding the bound aborts it with ErrConflict.
	WithUserTx(ctx context.Context, userID string, fn func(ctx context.Context, tx UserTx) error) error
}

// UserTx is the view of one user's records inside WithUserTx.
type UserTx interface {
	// Account returns the user's account or ErrAccountNotFound.
	Account(ctx context.Context) (*model.Account, error)

	// Position returns the position for symbol, or nil if none is held.
	Position(ctx context.Context, symbol string) (*model.Position, error)

	// SaveAccount stages the account's new balance.
	SaveAccount(ctx context.Context, account *model.Account) error

	// SavePosition stages an insert or update of a position.
	SavePosition(ctx context.Context, position *model.Position) error

	// DeletePosition stages removal of the position for symbol.
	DeletePosition(ctx context.Context, symbol string) error

	// AppendTransaction stages a new immutable ledger record.
	AppendTransaction(ctx context.Context, txn *model.Transaction) error

	// TransactionByClientOrderID returns the user's ledger record carrying
	// key, or nil if none exists.
	TransactionByClientOrderID(ctx context.Context, key string) (*model.Transaction, error)
}

func txTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultTxTimeout
	}
	return d
}
