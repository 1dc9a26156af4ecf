package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/papertrade/trading-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for accounts and positions. Writes go to the primary store and
// invalidate the user's cache entries; reads check Redis first then fall
// back to the primary. The ledger is never cached.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateAccount(ctx context.Context, a *model.Account) error {
	if err := s.primary.CreateAccount(ctx, a); err != nil {
		return err
	}
	s.invalidate(ctx, a.ID)
	return nil
}

// WithUserTx invalidates the user's entries before and after the primary
// transaction. The second pass removes anything a concurrent cache miss
// wrote back from pre-commit state.
func (s *CachedStore) WithUserTx(ctx context.Context, userID string, fn func(context.Context, UserTx) error) error {
	s.invalidate(ctx, userID)
	if err := s.primary.WithUserTx(ctx, userID, fn); err != nil {
		return err
	}
	s.invalidate(context.WithoutCancel(ctx), userID)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	data, err := s.rdb.Get(ctx, accountKey(userID)).Bytes()
	if err == nil {
		var a model.Account
		if json.Unmarshal(data, &a) == nil {
			return &a, nil
		}
	}

	// Cache miss: read from primary.
	a, err := s.primary.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.put(ctx, accountKey(userID), a)
	return a, nil
}

func (s *CachedStore) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, positionsKey(userID)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	// Cache miss.
	positions, err := s.primary.ListPositions(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.put(ctx, positionsKey(userID), positions)
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListTransactions(ctx context.Context, userID string, offset, limit int) ([]model.Transaction, int, error) {
	return s.primary.ListTransactions(ctx, userID, offset, limit)
}

// --- Cache helpers ---

func (s *CachedStore) put(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, key, data, s.ttl).Err(); err != nil {
		slog.Warn("cache write failed", "key", key, "err", err)
	}
}

func (s *CachedStore) invalidate(ctx context.Context, userID string) {
	if err := s.rdb.Del(ctx, accountKey(userID), positionsKey(userID)).Err(); err != nil {
		slog.Warn("cache invalidation failed", "user", userID, "err", err)
	}
}

func accountKey(uid string) string   { return fmt.Sprintf("account:%s", uid) }
func positionsKey(uid string) string { return fmt.Sprintf("positions:%s", uid) }
