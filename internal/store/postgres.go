package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/papertrade/trading-engine/internal/model"
)

//go:embed schema.sql
var schema string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
//
// User transactions lock the account row with SELECT ... FOR UPDATE, which
// serializes settlements of the same user while other users proceed in
// parallel.
type PostgresStore struct {
	pool      *pgxpool.Pool
	txTimeout time.Duration
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...Option) *PostgresStore {
	o := buildOptions(opts)
	return &PostgresStore{pool: pool, txTimeout: o.txTimeout}
}

// Migrate creates the tables and indexes if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.Account) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, cash_balance, created_at, updated_at)
		 VALUES ($1, $2::NUMERIC, $3, $4)`,
		a.ID, a.CashBalance.String(), a.CreatedAt, a.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrAccountExists, a.ID)
	}
	return err
}

func (s *PostgresStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	return scanAccount(s.pool.QueryRow(ctx,
		`SELECT id, cash_balance::TEXT, created_at, updated_at
		 FROM accounts WHERE id = $1`, userID))
}

func (s *PostgresStore) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, symbol, quantity::TEXT, avg_price::TEXT, total_invested::TEXT,
		        created_at, updated_at
		 FROM positions WHERE user_id = $1 ORDER BY symbol`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

// ListTransactions reads the count and the window from one repeatable-read
// snapshot so that the total matches the rows returned.
func (s *PostgresStore) ListTransactions(ctx context.Context, userID string, offset, limit int) ([]model.Transaction, int, error) {
	var total int
	txns := []model.Transaction{}
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM transactions WHERE user_id = $1`, userID).Scan(&total); err != nil {
			return fmt.Errorf("count transactions: %w", err)
		}
		if offset < 0 || offset >= total || limit <= 0 {
			return nil
		}

		rows, err := tx.Query(ctx,
			`SELECT `+transactionColumns+`
			 FROM transactions WHERE user_id = $1
			 ORDER BY created_at DESC, id DESC
			 LIMIT $2 OFFSET $3`, userID, limit, offset)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			t, err := scanTransaction(rows)
			if err != nil {
				return err
			}
			txns = append(txns, *t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, 0, err
	}
	return txns, total, nil
}

func (s *PostgresStore) WithUserTx(ctx context.Context, userID string, fn func(context.Context, UserTx) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.txTimeout)
	defer cancel()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return conflictOr(ctx, fmt.Errorf("begin: %w", err))
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	// lock_timeout keeps a waiting settlement within the transaction bound
	// even if the server ignores client cancellation.
	if _, err := tx.Exec(ctx,
		fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.txTimeout.Milliseconds())); err != nil {
		return conflictOr(ctx, err)
	}

	// Take the user's row lock up front; every other read and write in
	// this unit happens under it.
	if _, err := tx.Exec(ctx, `SELECT 1 FROM accounts WHERE id = $1 FOR UPDATE`, userID); err != nil {
		return conflictOr(ctx, err)
	}

	if err := fn(ctx, &pgTx{tx: tx, userID: userID}); err != nil {
		return conflictOr(ctx, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return conflictOr(ctx, fmt.Errorf("commit: %w", err))
	}
	committed = true
	return nil
}

// pgTx implements UserTx on an open pgx transaction.
type pgTx struct {
	tx     pgx.Tx
	userID string
}

func (t *pgTx) Account(ctx context.Context) (*model.Account, error) {
	return scanAccount(t.tx.QueryRow(ctx,
		`SELECT id, cash_balance::TEXT, created_at, updated_at
		 FROM accounts WHERE id = $1 FOR UPDATE`, t.userID))
}

func (t *pgTx) Position(ctx context.Context, symbol string) (*model.Position, error) {
	p, err := scanPosition(t.tx.QueryRow(ctx,
		`SELECT user_id, symbol, quantity::TEXT, avg_price::TEXT, total_invested::TEXT,
		        created_at, updated_at
		 FROM positions WHERE user_id = $1 AND symbol = $2 FOR UPDATE`, t.userID, symbol))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

func (t *pgTx) SaveAccount(ctx context.Context, a *model.Account) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE accounts SET cash_balance = $2::NUMERIC, updated_at = $3 WHERE id = $1`,
		t.userID, a.CashBalance.String(), a.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (t *pgTx) SavePosition(ctx context.Context, p *model.Position) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO positions (user_id, symbol, quantity, avg_price, total_invested, created_at, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6, $7)
		 ON CONFLICT (user_id, symbol) DO UPDATE
		 SET quantity = EXCLUDED.quantity,
		     avg_price = EXCLUDED.avg_price,
		     total_invested = EXCLUDED.total_invested,
		     updated_at = EXCLUDED.updated_at`,
		t.userID, p.Symbol,
		p.Quantity.String(), p.AvgPrice.String(), p.TotalInvested.String(),
		p.CreatedAt, p.UpdatedAt,
	)
	return err
}

func (t *pgTx) DeletePosition(ctx context.Context, symbol string) error {
	_, err := t.tx.Exec(ctx,
		`DELETE FROM positions WHERE user_id = $1 AND symbol = $2`, t.userID, symbol)
	return err
}

func (t *pgTx) AppendTransaction(ctx context.Context, e *model.Transaction) error {
	var limit *string
	if e.LimitPrice != nil {
		s := e.LimitPrice.String()
		limit = &s
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO transactions (id, user_id, client_order_id, symbol, side, order_kind, limit_price,
		                           quantity, price, gross_amount, fee, net_amount, status, created_at)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7::NUMERIC,
		         $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12::NUMERIC, $13, $14)`,
		e.ID, t.userID, e.ClientOrderID, e.Symbol, string(e.Side), string(e.OrderKind), limit,
		e.Quantity.String(), e.ExecutionPrice.String(), e.GrossAmount.String(),
		e.Fee.String(), e.NetAmount.String(), string(e.Status), e.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrDuplicateClientOrderID, e.ClientOrderID)
	}
	return err
}

func (t *pgTx) TransactionByClientOrderID(ctx context.Context, key string) (*model.Transaction, error) {
	if key == "" {
		return nil, nil
	}
	txn, err := scanTransaction(t.tx.QueryRow(ctx,
		`SELECT `+transactionColumns+`
		 FROM transactions WHERE user_id = $1 AND client_order_id = $2`, t.userID, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return txn, err
}

// --- Scanning helpers ---

const transactionColumns = `id, user_id, COALESCE(client_order_id, ''), symbol, side, order_kind,
		        limit_price::TEXT, quantity::TEXT, price::TEXT, gross_amount::TEXT,
		        fee::TEXT, net_amount::TEXT, status, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*model.Account, error) {
	var a model.Account
	var balance string
	if err := row.Scan(&a.ID, &balance, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	a.CashBalance = num(balance)
	return &a, nil
}

func scanPosition(row rowScanner) (*model.Position, error) {
	var p model.Position
	var qty, avg, invested string
	if err := row.Scan(&p.UserID, &p.Symbol, &qty, &avg, &invested, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Quantity = num(qty)
	p.AvgPrice = num(avg)
	p.TotalInvested = num(invested)
	return &p, nil
}

func scanTransaction(row rowScanner) (*model.Transaction, error) {
	var e model.Transaction
	var side, kind, status string
	var limit *string
	var qty, price, gross, fee, net string

	if err := row.Scan(&e.ID, &e.UserID, &e.ClientOrderID, &e.Symbol, &side, &kind,
		&limit, &qty, &price, &gross, &fee, &net, &status, &e.CreatedAt); err != nil {
		return nil, err
	}

	e.Side = model.Side(side)
	e.OrderKind = model.OrderKind(kind)
	e.Status = model.TxStatus(status)
	if limit != nil {
		lp := num(*limit)
		e.LimitPrice = &lp
	}
	e.Quantity = num(qty)
	e.ExecutionPrice = num(price)
	e.GrossAmount = num(gross)
	e.Fee = num(fee)
	e.NetAmount = num(net)
	return &e, nil
}

func num(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

// --- Error classification ---

// conflictOr maps lock, serialization and deadline failures to ErrConflict
// and returns any other error unchanged.
func conflictOr(ctx context.Context, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"55P03", // lock_not_available
			"57014": // query_canceled
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.Code)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		(ctx.Err() != nil && pgconn.Timeout(err)) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
