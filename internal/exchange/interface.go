// Package exchange implements the narrow exchange capability set the
// engine needs: OHLCV, tickers, order placement and funding rates.
package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"crypto-trading-engine/internal/models"
)

// OrderRequest describes one order submission.
type OrderRequest struct {
	Symbol   string
	Side     string // BUY or SELL
	Type     string // MARKET or LIMIT
	Quantity decimal.Decimal
	Price    decimal.Decimal // ignored for market orders
}

// OrderResult is the fill outcome of an order.
type OrderResult struct {
	OrderID   string
	Status    string
	FilledQty decimal.Decimal
	AvgPrice  decimal.Decimal
}

// Client is the exchange contract consumed by market data and execution.
type Client interface {
	FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]models.Candle, error)
	FetchTicker(ctx context.Context, symbol string) (*models.Ticker, error)
	CreateOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	FetchFundingRate(ctx context.Context, symbol string) (float64, error)
}

var _ Client = (*HTTPClient)(nil)
var _ Client = (*MockClient)(nil)
