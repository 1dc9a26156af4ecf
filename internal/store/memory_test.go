package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papertrade/trading-engine/internal/model"
	"github.com/papertrade/trading-engine/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func seedAccount(t *testing.T, ms *store.MemoryStore, id, cash string) {
	t.Helper()
	now := time.Now().UTC()
	err := ms.CreateAccount(context.Background(), &model.Account{
		ID:          id,
		CashBalance: d(cash),
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		t.Fatalf("failed to seed account: %v", err)
	}
}

func TestCreateAccount_Duplicate(t *testing.T) {
	ms := store.NewMemoryStore()
	seedAccount(t, ms, "user1", "100")

	err := ms.CreateAccount(context.Background(), &model.Account{ID: "user1"})
	if !errors.Is(err, store.ErrAccountExists) {
		t.Fatalf("expected ErrAccountExists, got %v", err)
	}
}

func TestGetAccount_NotFound(t *testing.T) {
	ms := store.NewMemoryStore()
	if _, err := ms.GetAccount(context.Background(), "ghost"); !errors.Is(err, store.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestWithUserTx_CommitsAllWrites(t *testing.T) {
	ms := store.NewMemoryStore()
	seedAccount(t, ms, "user1", "100")
	ctx := context.Background()

	err := ms.WithUserTx(ctx, "user1", func(ctx context.Context, tx store.UserTx) error {
		a, err := tx.Account(ctx)
		if err != nil {
			return err
		}
		a.CashBalance = d("40")
		if err := tx.SaveAccount(ctx, a); err != nil {
			return err
		}
		if err := tx.SavePosition(ctx, &model.Position{
			UserID: "user1", Symbol: "AAPL",
			Quantity: d("2"), AvgPrice: d("30"), TotalInvested: d("60"),
		}); err != nil {
			return err
		}
		return tx.AppendTransaction(ctx, &model.Transaction{ID: "t1", UserID: "user1", Symbol: "AAPL"})
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	a, _ := ms.GetAccount(ctx, "user1")
	if !a.CashBalance.Equal(d("40")) {
		t.Errorf("expected balance 40, got %s", a.CashBalance)
	}
	positions, _ := ms.ListPositions(ctx, "user1")
	if len(positions) != 1 || !positions[0].Quantity.Equal(d("2")) {
		t.Errorf("expected one position of 2, got %+v", positions)
	}
	txns, total, _ := ms.ListTransactions(ctx, "user1", 0, 10)
	if total != 1 || len(txns) != 1 || txns[0].ID != "t1" {
		t.Errorf("expected ledger [t1], got %+v (total %d)", txns, total)
	}
}

func TestWithUserTx_ErrorDiscardsWrites(t *testing.T) {
	ms := store.NewMemoryStore()
	seedAccount(t, ms, "user1", "100")
	ctx := context.Background()
	boom := errors.New("boom")

	err := ms.WithUserTx(ctx, "user1", func(ctx context.Context, tx store.UserTx) error {
		a, _ := tx.Account(ctx)
		a.CashBalance = d("0")
		tx.SaveAccount(ctx, a)
		tx.SavePosition(ctx, &model.Position{UserID: "user1", Symbol: "AAPL", Quantity: d("1")})
		tx.AppendTransaction(ctx, &model.Transaction{ID: "t1", UserID: "user1"})
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error to propagate, got %v", err)
	}

	a, _ := ms.GetAccount(ctx, "user1")
	if !a.CashBalance.Equal(d("100")) {
		t.Errorf("balance should be unchanged, got %s", a.CashBalance)
	}
	if positions, _ := ms.ListPositions(ctx, "user1"); len(positions) != 0 {
		t.Errorf("expected no positions, got %+v", positions)
	}
	if _, total, _ := ms.ListTransactions(ctx, "user1", 0, 10); total != 0 {
		t.Errorf("expected empty ledger, got %d records", total)
	}
}

func TestWithUserTx_StagedWritesInvisibleToReaders(t *testing.T) {
	ms := store.NewMemoryStore()
	seedAccount(t, ms, "user1", "100")
	ctx := context.Background()

	err := ms.WithUserTx(ctx, "user1", func(ctx context.Context, tx store.UserTx) error {
		a, _ := tx.Account(ctx)
		a.CashBalance = d("1")
		tx.SaveAccount(ctx, a)

		outside, err := ms.GetAccount(ctx, "user1")
		if err != nil {
			return err
		}
		if !outside.CashBalance.Equal(d("100")) {
			t.Errorf("reader saw staged balance %s", outside.CashBalance)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestWithUserTx_MissingAccount(t *testing.T) {
	ms := store.NewMemoryStore()
	err := ms.WithUserTx(context.Background(), "ghost", func(ctx context.Context, tx store.UserTx) error {
		_, err := tx.Account(ctx)
		return err
	})
	if !errors.Is(err, store.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestWithUserTx_SerializesSameUser(t *testing.T) {
	ms := store.NewMemoryStore()
	seedAccount(t, ms, "user1", "0")
	ctx := context.Background()

	var wg sync.WaitGroup
	n := 100
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := ms.WithUserTx(ctx, "user1", func(ctx context.Context, tx store.UserTx) error {
				a, err := tx.Account(ctx)
				if err != nil {
					return err
				}
				a.CashBalance = a.CashBalance.Add(decimal.NewFromInt(1))
				return tx.SaveAccount(ctx, a)
			})
			if err != nil {
				t.Errorf("increment failed: %v", err)
			}
		}()
	}
	wg.Wait()

	a, _ := ms.GetAccount(ctx, "user1")
	if !a.CashBalance.Equal(decimal.NewFromInt(int64(n))) {
		t.Errorf("lost update: expected %d, got %s", n, a.CashBalance)
	}
}

func TestWithUserTx_TimeoutIsConflict(t *testing.T) {
	ms := store.NewMemoryStore(store.WithTxTimeout(50 * time.Millisecond))
	seedAccount(t, ms, "user1", "100")
	ctx := context.Background()

	holding := make(chan struct{})
	release := make(chan struct{})
	firstErr := make(chan error, 1)

	go func() {
		firstErr <- ms.WithUserTx(ctx, "user1", func(ctx context.Context, tx store.UserTx) error {
			a, _ := tx.Account(ctx)
			a.CashBalance = d("0")
			tx.SaveAccount(ctx, a)
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding

	err := ms.WithUserTx(ctx, "user1", func(ctx context.Context, tx store.UserTx) error {
		t.Error("second transaction should not run while the first holds the lock")
		return nil
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Errorf("expected ErrConflict while waiting, got %v", err)
	}

	close(release)
	if err := <-firstErr; !errors.Is(err, store.ErrConflict) {
		t.Errorf("expected overrunning transaction to abort with ErrConflict, got %v", err)
	}

	a, _ := ms.GetAccount(ctx, "user1")
	if !a.CashBalance.Equal(d("100")) {
		t.Errorf("aborted transaction leaked balance %s", a.CashBalance)
	}
}

func TestAppendTransaction_DuplicateClientOrderID(t *testing.T) {
	ms := store.NewMemoryStore()
	seedAccount(t, ms, "user1", "100")
	ctx := context.Background()

	appendOne := func(id string) error {
		return ms.WithUserTx(ctx, "user1", func(ctx context.Context, tx store.UserTx) error {
			return tx.AppendTransaction(ctx, &model.Transaction{ID: id, UserID: "user1", ClientOrderID: "order-1"})
		})
	}
	if err := appendOne("t1"); err != nil {
		t.Fatalf("first append failed: %v", err)
	}
	if err := appendOne("t2"); !errors.Is(err, store.ErrDuplicateClientOrderID) {
		t.Fatalf("expected ErrDuplicateClientOrderID, got %v", err)
	}

	err := ms.WithUserTx(ctx, "user1", func(ctx context.Context, tx store.UserTx) error {
		got, err := tx.TransactionByClientOrderID(ctx, "order-1")
		if err != nil {
			return err
		}
		if got == nil || got.ID != "t1" {
			t.Errorf("expected lookup to return t1, got %+v", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestListTransactions_NewestFirstWithIDTieBreak(t *testing.T) {
	ms := store.NewMemoryStore()
	seedAccount(t, ms, "user1", "100")
	ctx := context.Background()

	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	records := []model.Transaction{
		{ID: "a", CreatedAt: base},
		{ID: "c", CreatedAt: base.Add(time.Minute)},
		{ID: "b", CreatedAt: base.Add(time.Minute)},
		{ID: "d", CreatedAt: base.Add(-time.Minute)},
	}
	err := ms.WithUserTx(ctx, "user1", func(ctx context.Context, tx store.UserTx) error {
		for i := range records {
			records[i].UserID = "user1"
			if err := tx.AppendTransaction(ctx, &records[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed ledger: %v", err)
	}

	page1, total, _ := ms.ListTransactions(ctx, "user1", 0, 3)
	page2, _, _ := ms.ListTransactions(ctx, "user1", 3, 3)
	if total != 4 {
		t.Fatalf("expected total 4, got %d", total)
	}

	var got []string
	for _, txn := range append(page1, page2...) {
		got = append(got, txn.ID)
	}
	want := []string{"c", "b", "a", "d"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}

	beyond, _, _ := ms.ListTransactions(ctx, "user1", 10, 3)
	if len(beyond) != 0 {
		t.Errorf("expected empty page beyond the end, got %d items", len(beyond))
	}
}

func TestListTransactions_NegativeOffsetIsPastEnd(t *testing.T) {
	ms := store.NewMemoryStore()
	seedAccount(t, ms, "user1", "100")
	ctx := context.Background()
	err := ms.WithUserTx(ctx, "user1", func(ctx context.Context, tx store.UserTx) error {
		return tx.AppendTransaction(ctx, &model.Transaction{ID: "a", UserID: "user1", CreatedAt: time.Now()})
	})
	if err != nil {
		t.Fatalf("seed ledger: %v", err)
	}

	items, total, err := ms.ListTransactions(ctx, "user1", -50, 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 1 || len(items) != 0 {
		t.Errorf("expected empty window with total 1, got %d items, total %d", len(items), total)
	}
}
