// Package valuation marks a user's positions to the live price feed.
package valuation

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/papertrade/trading-engine/internal/model"
	"github.com/papertrade/trading-engine/internal/store"
)

var hundred = decimal.NewFromInt(100)

// percentScale is the rounding applied to P&L percentages.
const percentScale int32 = 4

// PriceSource is the subset of the price feed valuation needs.
type PriceSource interface {
	CurrentPrice(symbol string) (model.Quote, error)
}

// PositionReader lists a user's persisted positions.
type PositionReader interface {
	ListPositions(ctx context.Context, userID string) ([]model.Position, error)
}

var _ PositionReader = (store.Store)(nil)

// Service computes position views and portfolio summaries. It has no side
// effects and each call reads one user's positions only.
type Service struct {
	positions PositionReader
	prices    PriceSource
}

// NewService creates a valuation service.
func NewService(positions PositionReader, prices PriceSource) *Service {
	return &Service{positions: positions, prices: prices}
}

// Valuate returns every position of userID marked to the current price,
// ordered by symbol. A symbol the feed no longer lists is valued at zero
// and named by its ticker.
func (s *Service) Valuate(ctx context.Context, userID string) ([]model.PositionView, error) {
	positions, err := s.positions.ListPositions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}

	views := make([]model.PositionView, 0, len(positions))
	for _, p := range positions {
		views = append(views, s.view(p))
	}
	return views, nil
}

// Summary aggregates Valuate over all positions of userID.
func (s *Service) Summary(ctx context.Context, userID string) (model.PortfolioSummary, error) {
	views, err := s.Valuate(ctx, userID)
	if err != nil {
		return model.PortfolioSummary{}, err
	}
	return Summarize(views), nil
}

// Summarize totals a set of position views.
func Summarize(views []model.PositionView) model.PortfolioSummary {
	sum := model.PortfolioSummary{
		TotalValue:     decimal.Zero,
		TotalInvested:  decimal.Zero,
		PositionsCount: len(views),
	}
	for _, v := range views {
		sum.TotalValue = sum.TotalValue.Add(v.CurrentValue)
		sum.TotalInvested = sum.TotalInvested.Add(v.TotalInvested)
	}
	sum.TotalPnL = sum.TotalValue.Sub(sum.TotalInvested)
	sum.TotalPnLPercent = percentOf(sum.TotalPnL, sum.TotalInvested)
	return sum
}

func (s *Service) view(p model.Position) model.PositionView {
	v := model.PositionView{
		Symbol:        p.Symbol,
		StockName:     p.Symbol,
		Quantity:      p.Quantity,
		AvgPrice:      p.AvgPrice,
		TotalInvested: p.TotalInvested,
		CurrentPrice:  decimal.Zero,
	}
	if q, err := s.prices.CurrentPrice(p.Symbol); err == nil {
		v.CurrentPrice = q.Price
		if q.Name != "" {
			v.StockName = q.Name
		}
	}
	v.CurrentValue = p.Quantity.Mul(v.CurrentPrice)
	v.UnrealizedPnL = v.CurrentValue.Sub(p.TotalInvested)
	v.UnrealizedPnLPercent = percentOf(v.UnrealizedPnL, p.TotalInvested)
	return v
}

// percentOf returns part/whole*100, or 0 when whole is zero.
func percentOf(part, whole decimal.Decimal) decimal.Decimal {
	if whole.IsZero() {
		return decimal.Zero
	}
	return part.Div(whole).Mul(hundred).Round(percentScale)
}
