package valuation_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/papertrade/trading-engine/internal/model"
	"github.com/papertrade/trading-engine/internal/pricefeed"
	"github.com/papertrade/trading-engine/internal/valuation"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type stubPositions struct {
	positions []model.Position
	err       error
}

func (s stubPositions) ListPositions(context.Context, string) ([]model.Position, error) {
	return s.positions, s.err
}

func newFeed(t *testing.T, prices map[string]string) *pricefeed.Feed {
	t.Helper()
	feed := pricefeed.New(pricefeed.DefaultCatalog(), pricefeed.WithSeed(3))
	for sym, p := range prices {
		if err := feed.SetPrice(sym, d(p)); err != nil {
			t.Fatalf("set price %s: %v", sym, err)
		}
	}
	return feed
}

func TestValuate_MarksToMarket(t *testing.T) {
	feed := newFeed(t, map[string]string{"AAPL": "200"})
	positions := stubPositions{positions: []model.Position{
		{Symbol: "AAPL", Quantity: d("6"), AvgPrice: d("175.50"), TotalInvested: d("1053")},
	}}
	svc := valuation.NewService(positions, feed)

	views, err := svc.Valuate(context.Background(), "user1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("expected 1 view, got %d", len(views))
	}

	v := views[0]
	if v.StockName != "Apple Inc." {
		t.Errorf("expected stock name Apple Inc., got %q", v.StockName)
	}
	if !v.CurrentPrice.Equal(d("200")) || !v.CurrentValue.Equal(d("1200")) {
		t.Errorf("unexpected price/value: %s / %s", v.CurrentPrice, v.CurrentValue)
	}
	if !v.UnrealizedPnL.Equal(d("147")) {
		t.Errorf("expected pnl 147, got %s", v.UnrealizedPnL)
	}
	// 147 / 1053 * 100 = 13.96011...
	if !v.UnrealizedPnLPercent.Equal(d("13.9601")) {
		t.Errorf("expected pnl percent 13.9601, got %s", v.UnrealizedPnLPercent)
	}
}

func TestValuate_UnknownSymbolValuedAtZero(t *testing.T) {
	feed := newFeed(t, nil)
	positions := stubPositions{positions: []model.Position{
		{Symbol: "DELISTED", Quantity: d("3"), AvgPrice: d("10"), TotalInvested: d("30")},
	}}
	svc := valuation.NewService(positions, feed)

	views, err := svc.Valuate(context.Background(), "user1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v := views[0]
	if v.StockName != "DELISTED" || !v.CurrentPrice.IsZero() || !v.CurrentValue.IsZero() {
		t.Errorf("unexpected view for unlisted symbol: %+v", v)
	}
	if !v.UnrealizedPnL.Equal(d("-30")) || !v.UnrealizedPnLPercent.Equal(d("-100")) {
		t.Errorf("expected -30 / -100%%, got %s / %s", v.UnrealizedPnL, v.UnrealizedPnLPercent)
	}
}

func TestValuate_ZeroInvestedGuard(t *testing.T) {
	feed := newFeed(t, nil)
	positions := stubPositions{positions: []model.Position{
		{Symbol: "BTC", Quantity: d("1"), AvgPrice: d("0"), TotalInvested: d("0")},
	}}
	svc := valuation.NewService(positions, feed)

	views, _ := svc.Valuate(context.Background(), "user1")
	if !views[0].UnrealizedPnLPercent.IsZero() {
		t.Errorf("expected 0%% when nothing invested, got %s", views[0].UnrealizedPnLPercent)
	}
}

func TestValuate_NoPositions(t *testing.T) {
	svc := valuation.NewService(stubPositions{}, newFeed(t, nil))
	views, err := svc.Valuate(context.Background(), "user1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if views == nil || len(views) != 0 {
		t.Errorf("expected empty, non-nil views, got %#v", views)
	}
}

func TestValuate_StoreError(t *testing.T) {
	boom := errors.New("boom")
	svc := valuation.NewService(stubPositions{err: boom}, newFeed(t, nil))
	if _, err := svc.Valuate(context.Background(), "user1"); !errors.Is(err, boom) {
		t.Fatalf("expected store error, got %v", err)
	}
}

func TestSummary(t *testing.T) {
	feed := newFeed(t, map[string]string{"AAPL": "200", "MSFT": "400"})
	positions := stubPositions{positions: []model.Position{
		{Symbol: "AAPL", Quantity: d("6"), AvgPrice: d("175.50"), TotalInvested: d("1053")},
		{Symbol: "MSFT", Quantity: d("2"), AvgPrice: d("450"), TotalInvested: d("900")},
	}}
	svc := valuation.NewService(positions, feed)

	sum, err := svc.Summary(context.Background(), "user1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// value 1200 + 800 = 2000, invested 1953, pnl 47
	if !sum.TotalValue.Equal(d("2000")) || !sum.TotalInvested.Equal(d("1953")) || !sum.TotalPnL.Equal(d("47")) {
		t.Errorf("unexpected totals: %+v", sum)
	}
	// 47 / 1953 * 100 = 2.40655...
	if !sum.TotalPnLPercent.Equal(d("2.4066")) {
		t.Errorf("expected pnl percent 2.4066, got %s", sum.TotalPnLPercent)
	}
	if sum.PositionsCount != 2 {
		t.Errorf("expected 2 positions, got %d", sum.PositionsCount)
	}
}

func TestSummarize_Empty(t *testing.T) {
	sum := valuation.Summarize(nil)
	if !sum.TotalValue.IsZero() || !sum.TotalPnLPercent.IsZero() || sum.PositionsCount != 0 {
		t.Errorf("unexpected empty summary: %+v", sum)
	}
}
