package pricefeed

import (
	"github.com/shopspring/decimal"

	"github.com/papertrade/trading-engine/internal/model"
)

// DefaultCatalog returns the symbols listed by the simulator at startup.
func DefaultCatalog() []model.Stock {
	return []model.Stock{
		{Symbol: "AAPL", Name: "Apple Inc.", Price: decimal.RequireFromString("175.50"), Sector: "Technology"},
		{Symbol: "GOOGL", Name: "Alphabet Inc.", Price: decimal.RequireFromString("2750.80"), Sector: "Technology"},
		{Symbol: "MSFT", Name: "Microsoft Corporation", Price: decimal.RequireFromString("415.25"), Sector: "Technology"},
		{Symbol: "AMZN", Name: "Amazon.com Inc.", Price: decimal.RequireFromString("3380.00"), Sector: "Consumer Discretionary"},
		{Symbol: "TSLA", Name: "Tesla Inc.", Price: decimal.RequireFromString("850.75"), Sector: "Automotive"},
		{Symbol: "NVDA", Name: "NVIDIA Corporation", Price: decimal.RequireFromString("875.30"), Sector: "Technology"},
		{Symbol: "META", Name: "Meta Platforms Inc.", Price: decimal.RequireFromString("485.60"), Sector: "Technology"},
		{Symbol: "NFLX", Name: "Netflix Inc.", Price: decimal.RequireFromString("425.90"), Sector: "Entertainment"},
		{Symbol: "BTC", Name: "Bitcoin", Price: decimal.RequireFromString("65000.00"), Sector: "Cryptocurrency"},
		{Symbol: "ETH", Name: "Ethereum", Price: decimal.RequireFromString("3200.00"), Sector: "Cryptocurrency"},
	}
}
