package store

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/papertrade/trading-engine/internal/model"
)

// Option configures a store implementation.
type Option func(*options)

type options struct {
	txTimeout time.Duration
}

// WithTxTimeout bounds the execution time of WithUserTx.
func WithTxTimeout(d time.Duration) Option {
	return func(o *options) { o.txTimeout = d }
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	o.txTimeout = txTimeout(o.txTimeout)
	return o
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Each user's records live in an immutable userState. A user transaction
// stages its writes on a private copy and publishes a new userState on
// commit, so readers never observe a partial settlement.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]*userState

	locksMu sync.Mutex
	locks   map[string]chan struct{}

	txTimeout time.Duration
}

type userState struct {
	account   model.Account
	positions map[string]model.Position
	ledger    []model.Transaction
	byOrderID map[string]int // client order id -> ledger index
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	o := buildOptions(opts)
	return &MemoryStore{
		users:     make(map[string]*userState),
		locks:     make(map[string]chan struct{}),
		txTimeout: o.txTimeout,
	}
}

func (s *MemoryStore) CreateAccount(_ context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[a.ID]; ok {
		return fmt.Errorf("%w: %s", ErrAccountExists, a.ID)
	}
	s.users[a.ID] = &userState{
		account:   *a,
		positions: make(map[string]model.Position),
		byOrderID: make(map[string]int),
	}
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, userID string) (*model.Account, error) {
	st := s.state(userID)
	if st == nil {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, userID)
	}
	a := st.account
	return &a, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, userID string) ([]model.Position, error) {
	st := s.state(userID)
	if st == nil {
		return nil, nil
	}
	positions := slices.Collect(maps.Values(st.positions))
	slices.SortFunc(positions, func(a, b model.Position) int {
		return cmp.Compare(a.Symbol, b.Symbol)
	})
	return positions, nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, userID string, offset, limit int) ([]model.Transaction, int, error) {
	st := s.state(userID)
	if st == nil {
		return nil, 0, nil
	}

	sorted := slices.Clone(st.ledger)
	slices.SortStableFunc(sorted, compareNewestFirst)

	total := len(sorted)
	if offset < 0 || offset >= total || limit <= 0 {
		return []model.Transaction{}, total, nil
	}
	end := min(offset+limit, total)
	return sorted[offset:end], total, nil
}

// compareNewestFirst orders by created_at DESC, id DESC.
func compareNewestFirst(a, b model.Transaction) int {
	if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(b.ID, a.ID)
}

func (s *MemoryStore) WithUserTx(ctx context.Context, userID string, fn func(context.Context, UserTx) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.txTimeout)
	defer cancel()

	lock := s.userLock(userID)
	select {
	case lock <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("%w: waiting for user %s: %v", ErrConflict, userID, ctx.Err())
	}
	defer func() { <-lock }()

	tx := newMemTx(s.state(userID))
	err := fn(ctx, tx)
	if ctxErr := ctx.Err(); ctxErr != nil && (err == nil || errors.Is(err, ctxErr)) {
		return fmt.Errorf("%w: user %s: %v", ErrConflict, userID, ctxErr)
	}
	if err != nil {
		return err
	}
	if tx.base == nil {
		return nil
	}

	next := tx.commit()
	s.mu.Lock()
	s.users[userID] = next
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) state(userID string) *userState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.users[userID]
}

// userLock returns the semaphore serializing transactions of one user.
// A buffered channel is used instead of a mutex so that waiting honours
// the transaction deadline.
func (s *MemoryStore) userLock(userID string) chan struct{} {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	l, ok := s.locks[userID]
	if !ok {
		l = make(chan struct{}, 1)
		s.locks[userID] = l
	}
	return l
}

// memTx stages writes against a snapshot of one user's state.
type memTx struct {
	base      *userState
	account   model.Account
	positions map[string]model.Position
	appended  []model.Transaction
	orderIDs  map[string]bool
}

func newMemTx(base *userState) *memTx {
	tx := &memTx{base: base, orderIDs: make(map[string]bool)}
	if base != nil {
		tx.account = base.account
		tx.positions = maps.Clone(base.positions)
	}
	return tx
}

func (t *memTx) Account(context.Context) (*model.Account, error) {
	if t.base == nil {
		return nil, ErrAccountNotFound
	}
	a := t.account
	return &a, nil
}

func (t *memTx) Position(_ context.Context, symbol string) (*model.Position, error) {
	if t.base == nil {
		return nil, nil
	}
	p, ok := t.positions[symbol]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (t *memTx) SaveAccount(_ context.Context, a *model.Account) error {
	if t.base == nil {
		return ErrAccountNotFound
	}
	t.account = *a
	return nil
}

func (t *memTx) SavePosition(_ context.Context, p *model.Position) error {
	if t.base == nil {
		return ErrAccountNotFound
	}
	t.positions[p.Symbol] = *p
	return nil
}

func (t *memTx) DeletePosition(_ context.Context, symbol string) error {
	if t.base == nil {
		return ErrAccountNotFound
	}
	delete(t.positions, symbol)
	return nil
}

func (t *memTx) AppendTransaction(_ context.Context, txn *model.Transaction) error {
	if t.base == nil {
		return ErrAccountNotFound
	}
	if key := txn.ClientOrderID; key != "" {
		if _, ok := t.base.byOrderID[key]; ok || t.orderIDs[key] {
			return fmt.Errorf("%w: %s", ErrDuplicateClientOrderID, key)
		}
		t.orderIDs[key] = true
	}
	t.appended = append(t.appended, *txn)
	return nil
}

func (t *memTx) TransactionByClientOrderID(_ context.Context, key string) (*model.Transaction, error) {
	if t.base == nil || key == "" {
		return nil, nil
	}
	if i, ok := t.base.byOrderID[key]; ok {
		txn := t.base.ledger[i]
		return &txn, nil
	}
	for _, txn := range t.appended {
		if txn.ClientOrderID == key {
			return &txn, nil
		}
	}
	return nil, nil
}

// commit builds the next immutable userState. The committed ledger slice is
// capped before appending so the previous state's backing array is never
// shared.
func (t *memTx) commit() *userState {
	n := len(t.base.ledger)
	next := &userState{
		account:   t.account,
		positions: t.positions,
		ledger:    append(t.base.ledger[:n:n], t.appended...),
		byOrderID: t.base.byOrderID,
	}
	if len(t.orderIDs) > 0 {
		next.byOrderID = maps.Clone(t.base.byOrderID)
		for i, txn := range t.appended {
			if txn.ClientOrderID != "" {
				next.byOrderID[txn.ClientOrderID] = n + i
			}
		}
	}
	return next
}
