// Package model defines the core domain types shared across the trading engine.
// All monetary values and quantities use shopspring/decimal; never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// OrderKind selects how the execution price is determined.
type OrderKind string

const (
	OrderMarket OrderKind = "market"
	OrderLimit  OrderKind = "limit"
)

// Valid reports whether k is a known order kind.
func (k OrderKind) Valid() bool { return k == OrderMarket || k == OrderLimit }

// TxStatus is the settlement status recorded on a ledger transaction.
type TxStatus string

const (
	StatusCompleted TxStatus = "completed"
	StatusRejected  TxStatus = "rejected"
)

// Account holds a user's cash. Owned by exactly one user and only mutated
// by the settlement engine.
type Account struct {
	ID          string          `json:"id" db:"id"`
	CashBalance decimal.Decimal `json:"cash_balance" db:"cash_balance"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// Position is a user's holding in one symbol. Quantity is always > 0 for a
// persisted position and AvgPrice == TotalInvested / Quantity.
type Position struct {
	UserID        string          `json:"user_id" db:"user_id"`
	Symbol        string          `json:"symbol" db:"symbol"`
	Quantity      decimal.Decimal `json:"quantity" db:"quantity"`
	AvgPrice      decimal.Decimal `json:"avg_price" db:"avg_price"`
	TotalInvested decimal.Decimal `json:"total_invested" db:"total_invested"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// Transaction is an immutable record of a settled trade.
// Once created, these are never modified or deleted.
type Transaction struct {
	ID             string           `json:"id" db:"id"`
	UserID         string           `json:"user_id" db:"user_id"`
	ClientOrderID  string           `json:"client_order_id,omitempty" db:"client_order_id"`
	Symbol         string           `json:"symbol" db:"symbol"`
	Side           Side             `json:"side" db:"side"`
	OrderKind      OrderKind        `json:"order_kind" db:"order_kind"`
	LimitPrice     *decimal.Decimal `json:"limit_price,omitempty" db:"limit_price"`
	Quantity       decimal.Decimal  `json:"quantity" db:"quantity"`
	ExecutionPrice decimal.Decimal  `json:"execution_price" db:"price"`
	GrossAmount    decimal.Decimal  `json:"gross_amount" db:"gross_amount"`
	Fee            decimal.Decimal  `json:"fee" db:"fee"`
	NetAmount      decimal.Decimal  `json:"net_amount" db:"net_amount"` // buy: gross+fee, sell: gross-fee
	Status         TxStatus         `json:"status" db:"status"`
	CreatedAt      time.Time        `json:"created_at" db:"created_at"`
}

// Quote is a point-in-time price snapshot from the price feed.
type Quote struct {
	Symbol string          `json:"symbol"`
	Name   string          `json:"name"`
	Price  decimal.Decimal `json:"price"`
}

// Stock is a price feed catalog entry.
type Stock struct {
	Symbol        string          `json:"symbol"`
	Name          string          `json:"name"`
	Sector        string          `json:"sector"`
	Price         decimal.Decimal `json:"price"`
	PreviousPrice decimal.Decimal `json:"previous_price"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"change_percent"`
	Volume        int64           `json:"volume"`
	MarketCap     decimal.Decimal `json:"market_cap"`
	LastUpdated   time.Time       `json:"last_updated"`
}

// PricePoint is one sample of a symbol's price history.
type PricePoint struct {
	Time   time.Time       `json:"time"`
	Price  decimal.Decimal `json:"price"`
	Volume int64           `json:"volume"`
}

// PositionView is a position enriched with live pricing.
type PositionView struct {
	Symbol               string          `json:"symbol"`
	StockName            string          `json:"stock_name"`
	Quantity             decimal.Decimal `json:"quantity"`
	AvgPrice             decimal.Decimal `json:"avg_price"`
	TotalInvested        decimal.Decimal `json:"total_invested"`
	CurrentPrice         decimal.Decimal `json:"current_price"`
	CurrentValue         decimal.Decimal `json:"current_value"`         // quantity * currentPrice
	UnrealizedPnL        decimal.Decimal `json:"unrealized_pnl"`        // currentValue - totalInvested
	UnrealizedPnLPercent decimal.Decimal `json:"unrealized_pnl_percent"` // 0 when nothing invested
}

// PortfolioSummary aggregates all positions of a user.
type PortfolioSummary struct {
	TotalValue      decimal.Decimal `json:"total_value"`
	TotalInvested   decimal.Decimal `json:"total_invested"`
	TotalPnL        decimal.Decimal `json:"total_pnl"`
	TotalPnLPercent decimal.Decimal `json:"total_pnl_percent"`
	PositionsCount  int             `json:"positions_count"`
}

// TransactionPage is one page of a user's ledger, most recent first.
type TransactionPage struct {
	Items      []Transaction `json:"items"`
	TotalCount int           `json:"total_count"`
	TotalPages int           `json:"total_pages"`
	Page       int           `json:"page"`
	PageSize   int           `json:"page_size"`
}
