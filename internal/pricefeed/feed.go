// Package pricefeed simulates a market data source. A background loop
// perturbs every listed price on a fixed interval; readers get lock-free
// snapshots of the latest prices.
package pricefeed

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papertrade/trading-engine/internal/model"
)

// ErrSymbolNotFound is returned for symbols that are not listed.
var ErrSymbolNotFound = errors.New("pricefeed: symbol not found")

const (
	DefaultInterval    = 5 * time.Second
	DefaultVolatility  = 0.02
	DefaultHistorySize = 120

	// PriceScale is the number of decimal places kept on simulated prices.
	PriceScale int32 = 4
)

// MinPrice is the floor applied after every perturbation.
var MinPrice = decimal.NewFromFloat(0.01)

var hundred = decimal.NewFromInt(100)

// Feed owns the simulated prices. Tick and SetPrice are the only writers
// and are serialized; every reader loads an immutable snapshot.
type Feed struct {
	mu   sync.Mutex
	snap atomic.Pointer[snapshot]
	rng  *rand.Rand

	interval    time.Duration
	volatility  float64
	historySize int
	now         func() time.Time

	subsMu sync.RWMutex
	subs   []func([]model.Stock)
}

type snapshot struct {
	stocks  map[string]model.Stock
	history map[string][]model.PricePoint
}

// Option configures a Feed.
type Option func(*Feed)

// WithInterval sets the perturbation period used by Run.
func WithInterval(d time.Duration) Option { return func(f *Feed) { f.interval = d } }

// WithVolatility sets the maximum relative change per tick (0.02 = ±2%).
func WithVolatility(v float64) Option { return func(f *Feed) { f.volatility = v } }

// WithSeed makes the random walk reproducible.
func WithSeed(seed uint64) Option {
	return func(f *Feed) { f.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)) }
}

// WithHistorySize bounds the number of points kept per symbol.
func WithHistorySize(n int) Option { return func(f *Feed) { f.historySize = n } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(f *Feed) { f.now = now } }

// New creates a feed listing the given stocks. Zero PreviousPrice, Volume
// and MarketCap are filled in the way the seed data of the simulator is.
func New(catalog []model.Stock, opts ...Option) *Feed {
	f := &Feed{
		interval:    DefaultInterval,
		volatility:  DefaultVolatility,
		historySize: DefaultHistorySize,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.rng == nil {
		seed := uint64(time.Now().UnixNano())
		f.rng = rand.New(rand.NewPCG(seed, seed>>1))
	}
	if f.historySize < 1 {
		f.historySize = 1
	}

	now := f.now()
	snap := &snapshot{
		stocks:  make(map[string]model.Stock, len(catalog)),
		history: make(map[string][]model.PricePoint, len(catalog)),
	}
	for _, s := range catalog {
		s.Symbol = strings.ToUpper(s.Symbol)
		if s.PreviousPrice.IsZero() {
			s.PreviousPrice = s.Price
		}
		if s.Volume == 0 {
			s.Volume = 1_000_000 + f.rng.Int64N(10_000_000)
		}
		if s.MarketCap.IsZero() {
			s.MarketCap = s.Price.Mul(decimal.NewFromInt(100_000_000 + f.rng.Int64N(1_000_000_000)))
		}
		s.LastUpdated = now
		snap.stocks[s.Symbol] = s
		snap.history[s.Symbol] = []model.PricePoint{{Time: now, Price: s.Price, Volume: s.Volume}}
	}
	f.snap.Store(snap)
	return f
}

// CurrentPrice returns the latest quote for symbol.
func (f *Feed) CurrentPrice(symbol string) (model.Quote, error) {
	s, err := f.Stock(symbol)
	if err != nil {
		return model.Quote{}, err
	}
	return model.Quote{Symbol: s.Symbol, Name: s.Name, Price: s.Price}, nil
}

// Stock returns the full catalog entry for symbol.
func (f *Feed) Stock(symbol string) (model.Stock, error) {
	s, ok := f.snap.Load().stocks[strings.ToUpper(symbol)]
	if !ok {
		return model.Stock{}, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}
	return s, nil
}

// Stocks returns every listed stock ordered by symbol.
func (f *Feed) Stocks() []model.Stock {
	stocks := slices.Collect(maps.Values(f.snap.Load().stocks))
	slices.SortFunc(stocks, func(a, b model.Stock) int { return cmp.Compare(a.Symbol, b.Symbol) })
	return stocks
}

// History returns the recorded price points for symbol, oldest first.
func (f *Feed) History(symbol string) ([]model.PricePoint, error) {
	h, ok := f.snap.Load().history[strings.ToUpper(symbol)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}
	return slices.Clone(h), nil
}

// OnTick registers fn to receive the updated stocks after every Tick.
func (f *Feed) OnTick(fn func([]model.Stock)) {
	f.subsMu.Lock()
	defer f.subsMu.Unlock()
	f.subs = append(f.subs, fn)
}

// Tick applies one bounded random multiplicative change to every price.
func (f *Feed) Tick() []model.Stock {
	f.mu.Lock()
	cur := f.snap.Load()
	now := f.now()
	next := &snapshot{
		stocks:  make(map[string]model.Stock, len(cur.stocks)),
		history: make(map[string][]model.PricePoint, len(cur.history)),
	}
	updated := make([]model.Stock, 0, len(cur.stocks))
	for sym, s := range cur.stocks {
		change := (f.rng.Float64() - 0.5) * 2 * f.volatility
		price := s.Price.Mul(decimal.NewFromFloat(1 + change)).Round(PriceScale)
		s = reprice(s, price, now)
		s.Volume += f.rng.Int64N(100_000)

		next.stocks[sym] = s
		next.history[sym] = f.appendHistory(cur.history[sym], model.PricePoint{Time: now, Price: s.Price, Volume: s.Volume})
		updated = append(updated, s)
	}
	f.snap.Store(next)
	f.mu.Unlock()

	slices.SortFunc(updated, func(a, b model.Stock) int { return cmp.Compare(a.Symbol, b.Symbol) })
	f.notify(updated)
	return updated
}

// SetPrice overrides the price of one symbol, recording the prior price
// exactly as a tick would.
func (f *Feed) SetPrice(symbol string, price decimal.Decimal) error {
	if price.IsNegative() {
		return fmt.Errorf("pricefeed: negative price %s", price)
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	cur := f.snap.Load()
	sym := strings.ToUpper(symbol)
	s, ok := cur.stocks[sym]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}

	now := f.now()
	s = reprice(s, price, now)
	next := &snapshot{stocks: maps.Clone(cur.stocks), history: maps.Clone(cur.history)}
	next.stocks[sym] = s
	next.history[sym] = f.appendHistory(cur.history[sym], model.PricePoint{Time: now, Price: s.Price, Volume: s.Volume})
	f.snap.Store(next)
	return nil
}

// Run ticks every interval until ctx is cancelled. Must be called in a goroutine.
func (f *Feed) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	slog.Info("price feed started", "interval", f.interval.String(), "volatility", f.volatility)
	for {
		select {
		case <-ctx.Done():
			slog.Info("price feed stopped")
			return
		case <-ticker.C:
			f.Tick()
		}
	}
}

// reprice moves s to price (floored at MinPrice) and derives the change
// against the price being replaced.
func reprice(s model.Stock, price decimal.Decimal, now time.Time) model.Stock {
	if price.LessThan(MinPrice) {
		price = MinPrice
	}
	s.PreviousPrice = s.Price
	s.Price = price
	s.Change = price.Sub(s.PreviousPrice)
	s.ChangePercent = decimal.Zero
	if s.PreviousPrice.IsPositive() {
		s.ChangePercent = s.Change.Div(s.PreviousPrice).Mul(hundred).Round(PriceScale)
	}
	s.LastUpdated = now
	return s
}

// appendHistory returns a new slice; published snapshots are never mutated.
func (f *Feed) appendHistory(h []model.PricePoint, p model.PricePoint) []model.PricePoint {
	drop := max(0, len(h)+1-f.historySize)
	out := make([]model.PricePoint, 0, len(h)-drop+1)
	out = append(out, h[drop:]...)
	return append(out, p)
}

func (f *Feed) notify(stocks []model.Stock) {
	f.subsMu.RLock()
	defer f.subsMu.RUnlock()
	for _, fn := range f.subs {
		fn(stocks)
	}
}
