// Package history serves paged, read-only views of a user's ledger.
package history

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/papertrade/trading-engine/internal/model"
)

const (
	// DefaultPageSize is used by callers that do not ask for a size.
	DefaultPageSize = 50
	// MaxPageSize caps the number of records returned per page.
	MaxPageSize = 100
)

// ErrInvalidPage is returned for a page below 1 or a non-positive page size.
var ErrInvalidPage = errors.New("history: page must be >= 1 and page size > 0")

// LedgerReader reads a window of a user's ledger, most recent first.
type LedgerReader interface {
	ListTransactions(ctx context.Context, userID string, offset, limit int) ([]model.Transaction, int, error)
}

// Service pages through ledgers.
type Service struct {
	ledger LedgerReader
}

// NewService creates a history service.
func NewService(ledger LedgerReader) *Service {
	return &Service{ledger: ledger}
}

// ListTransactions returns page (1-based) of userID's transactions ordered
// by creation time descending, ties broken by id descending. Page sizes
// above MaxPageSize are clamped. A page past the end is empty.
func (s *Service) ListTransactions(ctx context.Context, userID string, page, pageSize int) (model.TransactionPage, error) {
	if page < 1 || pageSize < 1 {
		return model.TransactionPage{}, fmt.Errorf("%w: page=%d size=%d", ErrInvalidPage, page, pageSize)
	}
	pageSize = min(pageSize, MaxPageSize)

	// An offset that does not fit in an int is past the end of any ledger;
	// fetch an empty window only to learn the total.
	offset := (page - 1) * pageSize
	limit := pageSize
	if page-1 > math.MaxInt/pageSize {
		offset, limit = 0, 0
	}

	items, total, err := s.ledger.ListTransactions(ctx, userID, offset, limit)
	if err != nil {
		return model.TransactionPage{}, fmt.Errorf("list transactions: %w", err)
	}
	if items == nil || limit == 0 {
		items = []model.Transaction{}
	}

	return model.TransactionPage{
		Items:      items,
		TotalCount: total,
		TotalPages: (total + pageSize - 1) / pageSize,
		Page:       page,
		PageSize:   pageSize,
	}, nil
}
