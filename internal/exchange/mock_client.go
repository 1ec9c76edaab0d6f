package exchange

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"crypto-trading-engine/internal/models"
)

// MockClient serves deterministic synthetic market data and simulated
// fills. Used in tests and for paper bring-up without exchange access.
type MockClient struct {
	mu sync.Mutex

	// Prices keyed by symbol; unset symbols use a derived base price.
	Prices map[string]decimal.Decimal
	// CandleSeries overrides the generated series per symbol.
	CandleSeries map[string][]models.Candle
	// FundingRates keyed by symbol.
	FundingRates map[string]float64

	// Err, when set, is returned from every call.
	Err error

	OrderCalls []OrderRequest
	orderSeq   int
}

func NewMockClient() *MockClient {
	return &MockClient{
		Prices:       make(map[string]decimal.Decimal),
		CandleSeries: make(map[string][]models.Candle),
		FundingRates: make(map[string]float64),
	}
}

// SetPrice pins the spot price for a symbol.
func (m *MockClient) SetPrice(symbol string, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Prices[symbol] = price
}

// SetCandles pins the OHLCV series for a symbol.
func (m *MockClient) SetCandles(symbol string, candles []models.Candle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CandleSeries[symbol] = candles
}

func (m *MockClient) FetchOHLCV(_ context.Context, symbol, timeframe string, limit int) ([]models.Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}

	if series, ok := m.CandleSeries[symbol]; ok {
		if len(series) > limit {
			return series[len(series)-limit:], nil
		}
		return series, nil
	}

	// Deterministic sine-wave walk around the base price.
	base := m.basePriceLocked(symbol)
	interval := timeframeDuration(timeframe)
	now := time.Now().UTC().Truncate(interval)

	candles := make([]models.Candle, limit)
	for i := 0; i < limit; i++ {
		phase := float64(i) * 0.15
		c := base * (1 + 0.02*math.Sin(phase))
		candles[i] = models.Candle{
			OpenTime: now.Add(-time.Duration(limit-i) * interval),
			Open:     c * 0.999,
			High:     c * 1.004,
			Low:      c * 0.996,
			Close:    c,
			Volume:   1000 + 100*math.Sin(phase*2),
		}
	}
	return candles, nil
}

func (m *MockClient) FetchTicker(_ context.Context, symbol string) (*models.Ticker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}

	price, ok := m.Prices[symbol]
	if !ok {
		price = decimal.NewFromFloat(m.basePriceLocked(symbol))
	}
	return &models.Ticker{
		Symbol:       symbol,
		Last:         price,
		ChangePct24h: 1.2,
		Volume24h:    5_000_000,
		Timestamp:    time.Now().UTC(),
	}, nil
}

func (m *MockClient) CreateOrder(_ context.Context, req OrderRequest) (*OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}

	m.OrderCalls = append(m.OrderCalls, req)
	m.orderSeq++

	price := req.Price
	if req.Type == "MARKET" || price.IsZero() {
		if p, ok := m.Prices[req.Symbol]; ok {
			price = p
		} else {
			price = decimal.NewFromFloat(m.basePriceLocked(req.Symbol))
		}
	}
	return &OrderResult{
		OrderID:   fmt.Sprintf("mock-%d", m.orderSeq),
		Status:    "FILLED",
		FilledQty: req.Quantity,
		AvgPrice:  price,
	}, nil
}

func (m *MockClient) FetchFundingRate(_ context.Context, symbol string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}
	if r, ok := m.FundingRates[symbol]; ok {
		return r, nil
	}
	return 0.0001, nil
}

// basePriceLocked derives a stable price from the symbol name so distinct
// symbols get distinct but repeatable series.
func (m *MockClient) basePriceLocked(symbol string) float64 {
	if p, ok := m.Prices[symbol]; ok {
		f, _ := p.Float64()
		return f
	}
	sum := 0
	for _, r := range symbol {
		sum += int(r)
	}
	return 100 + float64(sum%900)
}

func timeframeDuration(tf string) time.Duration {
	switch tf {
	case "1m":
		return time.Minute
	case "5m":
		return 5 * time.Minute
	case "15m":
		return 15 * time.Minute
	case "4h":
		return 4 * time.Hour
	default:
		return time.Hour
	}
}
