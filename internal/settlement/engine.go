// Package settlement converts validated orders into atomic mutations of a
// user's cash balance, positions and transaction ledger.
//
// The engine holds no locks. Every mutation runs inside store.WithUserTx,
// which serializes settlements of the same user and lets different users
// proceed in parallel.
//
// All monetary values use shopspring/decimal; never float64 for money.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/papertrade/trading-engine/internal/metrics"
	"github.com/papertrade/trading-engine/internal/model"
	"github.com/papertrade/trading-engine/internal/pricefeed"
	"github.com/papertrade/trading-engine/internal/store"
	"github.com/papertrade/trading-engine/internal/symbol"
)

// QuantityScale is the number of decimal places allowed on a quantity.
const QuantityScale int32 = 4

var (
	// DefaultFeeRate is charged on the gross amount of every trade.
	DefaultFeeRate = decimal.RequireFromString("0.001")

	minQuantity = decimal.New(1, -QuantityScale)
)

// PriceFeed supplies the current market price of a symbol. Implementations
// return an error wrapping pricefeed.ErrSymbolNotFound for unlisted symbols.
type PriceFeed interface {
	CurrentPrice(symbol string) (model.Quote, error)
}

// Order is a request to buy or sell a quantity of one symbol.
type Order struct {
	UserID     string
	Symbol     string
	Side       model.Side
	Quantity   decimal.Decimal
	Kind       model.OrderKind // empty means market
	LimitPrice *decimal.Decimal

	// ClientOrderID makes resubmission safe: an order whose key already
	// settled for the user returns the recorded transaction.
	ClientOrderID string
}

// Result is the outcome of a settled order.
type Result struct {
	Transaction model.Transaction `json:"transaction"`
	NewBalance  decimal.Decimal   `json:"new_balance"`
	Position    *model.Position   `json:"position,omitempty"` // nil when fully sold
	Replayed    bool              `json:"replayed"`
}

// Engine settles orders against a Store using prices from a PriceFeed.
type Engine struct {
	store   store.Store
	feed    PriceFeed
	feeRate decimal.Decimal
	now     func() time.Time
	newID   func() string
	logger  *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithFeeRate overrides DefaultFeeRate.
func WithFeeRate(rate decimal.Decimal) Option { return func(e *Engine) { e.feeRate = rate } }

// WithClock overrides the time source used for record timestamps.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithLogger sets the logger; slog.Default() is used otherwise.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// NewEngine creates a settlement engine.
func NewEngine(st store.Store, feed PriceFeed, opts ...Option) *Engine {
	e := &Engine{
		store:   st,
		feed:    feed,
		feeRate: DefaultFeeRate,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   newTransactionID,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// FeeRate returns the fee rate charged on gross amounts.
func (e *Engine) FeeRate() decimal.Decimal { return e.feeRate }

// Execute validates and settles o. Once validation has passed, the caller's
// cancellation no longer interrupts the settlement; it either commits or
// aborts within the store's transaction bound.
func (e *Engine) Execute(ctx context.Context, o Order) (*Result, error) {
	start := time.Now()
	res, err := e.execute(context.WithoutCancel(ctx), o)
	metrics.TradeLatency.WithLabelValues(sideLabel(o.Side)).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.TradeRejections.WithLabelValues(Kind(err)).Inc()
		if Retryable(err) {
			metrics.StoreConflicts.Inc()
		}
		level := slog.LevelInfo
		if Classify(err) == ClassInternal {
			level = slog.LevelError
		}
		e.logger.Log(ctx, level, "order rejected",
			"user", o.UserID,
			"symbol", o.Symbol,
			"side", string(o.Side),
			"qty", o.Quantity.String(),
			"kind", Kind(err),
			"err", err,
		)
		return nil, err
	}

	txn := res.Transaction
	if res.Replayed {
		e.logger.Info("order replayed",
			"trade_id", txn.ID,
			"user", txn.UserID,
			"client_order_id", txn.ClientOrderID,
		)
		return res, nil
	}

	metrics.TradesTotal.WithLabelValues(string(txn.Side), string(txn.OrderKind)).Inc()
	metrics.TradeVolume.WithLabelValues(txn.Symbol, string(txn.Side)).Add(txn.Quantity.InexactFloat64())
	e.logger.Info("trade settled",
		"trade_id", txn.ID,
		"user", txn.UserID,
		"symbol", txn.Symbol,
		"side", string(txn.Side),
		"kind", string(txn.OrderKind),
		"qty", txn.Quantity.String(),
		"price", txn.ExecutionPrice.String(),
		"fee", txn.Fee.String(),
		"net", txn.NetAmount.String(),
		"balance", res.NewBalance.String(),
	)
	return res, nil
}

func (e *Engine) execute(ctx context.Context, o Order) (*Result, error) {
	o, err := normalize(o)
	if err != nil {
		return nil, err
	}

	// A resubmitted order must not be re-priced: the market may have moved
	// past its limit since the first attempt settled.
	if o.ClientOrderID != "" {
		res, err := e.replay(ctx, o)
		if err != nil || res != nil {
			return res, err
		}
	}

	quote, err := e.feed.CurrentPrice(o.Symbol)
	if err != nil {
		if errors.Is(err, pricefeed.ErrSymbolNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrSymbolNotFound, o.Symbol)
		}
		return nil, fmt.Errorf("%w: price feed: %w", ErrInternal, err)
	}
	price := quote.Price

	if o.Kind == model.OrderLimit {
		limit := *o.LimitPrice
		if (o.Side == model.SideBuy && limit.LessThan(price)) ||
			(o.Side == model.SideSell && limit.GreaterThan(price)) {
			return nil, fmt.Errorf("%w: %s limit %s, market %s", ErrLimitNotExecutable, o.Side, limit, price)
		}
	}

	gross := o.Quantity.Mul(price)
	fee := gross.Mul(e.feeRate)
	net := gross.Add(fee)
	if o.Side == model.SideSell {
		net = gross.Sub(fee)
	}

	var res *Result
	err = e.store.WithUserTx(ctx, o.UserID, func(ctx context.Context, tx store.UserTx) error {
		if o.ClientOrderID != "" {
			prior, err := e.replayIn(ctx, tx, o.ClientOrderID)
			if err != nil || prior != nil {
				res = prior
				return err
			}
		}

		acct, err := tx.Account(ctx)
		if err != nil {
			return err
		}
		pos, err := tx.Position(ctx, o.Symbol)
		if err != nil {
			return err
		}

		now := e.now()
		if o.Side == model.SideBuy {
			acct, pos, err = applyBuy(acct, pos, o, price, gross, fee, now)
		} else {
			acct, pos, err = applySell(acct, pos, o, gross, fee, now)
		}
		if err != nil {
			return err
		}

		if err := tx.SaveAccount(ctx, acct); err != nil {
			return err
		}
		if pos != nil {
			if err := tx.SavePosition(ctx, pos); err != nil {
				return err
			}
		} else if err := tx.DeletePosition(ctx, o.Symbol); err != nil {
			return err
		}

		txn := model.Transaction{
			ID:             e.newID(),
			UserID:         o.UserID,
			ClientOrderID:  o.ClientOrderID,
			Symbol:         o.Symbol,
			Side:           o.Side,
			OrderKind:      o.Kind,
			LimitPrice:     o.LimitPrice,
			Quantity:       o.Quantity,
			ExecutionPrice: price,
			GrossAmount:    gross,
			Fee:            fee,
			NetAmount:      net,
			Status:         model.StatusCompleted,
			CreatedAt:      now,
		}
		if err := tx.AppendTransaction(ctx, &txn); err != nil {
			return err
		}

		res = &Result{Transaction: txn, NewBalance: acct.CashBalance, Position: pos}
		return nil
	})
	if err != nil {
		return nil, translate(err)
	}
	return res, nil
}

// applyBuy debits gross+fee and merges the quantity into the position at a
// weighted average cost.
func applyBuy(acct *model.Account, pos *model.Position, o Order, price, gross, fee decimal.Decimal, now time.Time) (*model.Account, *model.Position, error) {
	cost := gross.Add(fee)
	if acct.CashBalance.LessThan(cost) {
		return nil, nil, fmt.Errorf("%w: need %s, have %s", ErrInsufficientBalance, cost, acct.CashBalance)
	}
	acct.CashBalance = acct.CashBalance.Sub(cost)
	acct.UpdatedAt = now

	if pos == nil {
		return acct, &model.Position{
			UserID:        o.UserID,
			Symbol:        o.Symbol,
			Quantity:      o.Quantity,
			AvgPrice:      price,
			TotalInvested: gross,
			CreatedAt:     now,
			UpdatedAt:     now,
		}, nil
	}

	pos.Quantity = pos.Quantity.Add(o.Quantity)
	pos.TotalInvested = pos.TotalInvested.Add(gross)
	pos.AvgPrice = pos.TotalInvested.Div(pos.Quantity)
	pos.UpdatedAt = now
	return acct, pos, nil
}

// applySell credits gross-fee and releases the sold shares' share of the
// cost basis. The average price of the remainder is unchanged. A nil
// position in the result means the holding was closed.
func applySell(acct *model.Account, pos *model.Position, o Order, gross, fee decimal.Decimal, now time.Time) (*model.Account, *model.Position, error) {
	if pos == nil {
		return nil, nil, fmt.Errorf("%w: no %s position", ErrInsufficientShares, o.Symbol)
	}
	if pos.Quantity.LessThan(o.Quantity) {
		return nil, nil, fmt.Errorf("%w: have %s %s, selling %s", ErrInsufficientShares, pos.Quantity, o.Symbol, o.Quantity)
	}

	acct.CashBalance = acct.CashBalance.Add(gross.Sub(fee))
	acct.UpdatedAt = now

	remaining := pos.Quantity.Sub(o.Quantity)
	if remaining.LessThan(minQuantity) {
		return acct, nil, nil
	}
	soldCostBasis := o.Quantity.Mul(pos.TotalInvested).Div(pos.Quantity)
	pos.Quantity = remaining
	pos.TotalInvested = pos.TotalInvested.Sub(soldCostBasis)
	pos.UpdatedAt = now
	return acct, pos, nil
}

// replay looks up a settled order by its client key in a short read-only
// unit of its own.
func (e *Engine) replay(ctx context.Context, o Order) (*Result, error) {
	var res *Result
	err := e.store.WithUserTx(ctx, o.UserID, func(ctx context.Context, tx store.UserTx) error {
		var err error
		res, err = e.replayIn(ctx, tx, o.ClientOrderID)
		return err
	})
	if err != nil {
		return nil, translate(err)
	}
	return res, nil
}

func (e *Engine) replayIn(ctx context.Context, tx store.UserTx, key string) (*Result, error) {
	prior, err := tx.TransactionByClientOrderID(ctx, key)
	if err != nil || prior == nil {
		return nil, err
	}
	acct, err := tx.Account(ctx)
	if err != nil {
		return nil, err
	}
	pos, err := tx.Position(ctx, prior.Symbol)
	if err != nil {
		return nil, err
	}
	return &Result{Transaction: *prior, NewBalance: acct.CashBalance, Position: pos, Replayed: true}, nil
}

// OpenAccount creates the account of userID funded with initialCash. An
// empty userID is replaced by a generated one.
func (e *Engine) OpenAccount(ctx context.Context, userID string, initialCash decimal.Decimal) (*model.Account, error) {
	if initialCash.IsNegative() {
		return nil, fmt.Errorf("%w: initial cash %s", ErrInvalidAmount, initialCash)
	}
	if userID == "" {
		userID = uuid.NewString()
	}

	now := e.now()
	acct := &model.Account{
		ID:          userID,
		CashBalance: initialCash,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.store.CreateAccount(context.WithoutCancel(ctx), acct); err != nil {
		return nil, translate(err)
	}

	e.logger.Info("account opened", "user", userID, "cash", initialCash.String())
	return acct, nil
}

// Deposit adds amount to the user's cash balance.
func (e *Engine) Deposit(ctx context.Context, userID string, amount decimal.Decimal) (*model.Account, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	if userID == "" {
		return nil, ErrAccountNotFound
	}

	var acct *model.Account
	err := e.store.WithUserTx(context.WithoutCancel(ctx), userID, func(ctx context.Context, tx store.UserTx) error {
		a, err := tx.Account(ctx)
		if err != nil {
			return err
		}
		a.CashBalance = a.CashBalance.Add(amount)
		a.UpdatedAt = e.now()
		if err := tx.SaveAccount(ctx, a); err != nil {
			return err
		}
		acct = a
		return nil
	})
	if err != nil {
		return nil, translate(err)
	}

	e.logger.Info("deposit settled", "user", userID, "amount", amount.String(), "balance", acct.CashBalance.String())
	return acct, nil
}

// Balance returns the user's account.
func (e *Engine) Balance(ctx context.Context, userID string) (*model.Account, error) {
	if userID == "" {
		return nil, ErrAccountNotFound
	}
	acct, err := e.store.GetAccount(ctx, userID)
	if err != nil {
		return nil, translate(err)
	}
	return acct, nil
}

// normalize validates o and returns it in canonical form.
func normalize(o Order) (Order, error) {
	if o.UserID == "" {
		return o, ErrAccountNotFound
	}
	if !o.Quantity.IsPositive() || !o.Quantity.Equal(o.Quantity.Truncate(QuantityScale)) {
		return o, fmt.Errorf("%w: got %s", ErrInvalidQuantity, o.Quantity)
	}
	if !o.Side.Valid() {
		return o, fmt.Errorf("%w: got %q", ErrInvalidSide, o.Side)
	}
	if o.Kind == "" {
		o.Kind = model.OrderMarket
	}
	if !o.Kind.Valid() {
		return o, fmt.Errorf("%w: got %q", ErrInvalidOrderKind, o.Kind)
	}
	switch o.Kind {
	case model.OrderLimit:
		if o.LimitPrice == nil || !o.LimitPrice.IsPositive() {
			return o, ErrInvalidLimitPrice
		}
	case model.OrderMarket:
		o.LimitPrice = nil
	}

	sym, err := symbol.Normalize(o.Symbol)
	if err != nil {
		return o, fmt.Errorf("%w: %q", ErrInvalidSymbol, o.Symbol)
	}
	o.Symbol = sym
	return o, nil
}

// newTransactionID returns a time-ordered UUID so that ledger ids of one
// user sort in settlement order.
func newTransactionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func sideLabel(s model.Side) string {
	if s.Valid() {
		return string(s)
	}
	return "invalid"
}
