package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"crypto-trading-engine/config"
	"crypto-trading-engine/internal/models"
)

// HTTPClient talks to a Binance-compatible REST API. Two token buckets
// throttle the two endpoint classes independently so order placement is
// never starved by market-data bursts.
type HTTPClient struct {
	apiKey     string
	secretKey  string
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger

	marketLimiter *rate.Limiter
	orderLimiter  *rate.Limiter
}

// NewHTTPClient builds the shared exchange client.
func NewHTTPClient(cfg config.ExchangeConfig, log zerolog.Logger) *HTTPClient {
	return &HTTPClient{
		apiKey:        cfg.APIKey,
		secretKey:     cfg.SecretKey,
		baseURL:       cfg.BaseURL,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		log:           log.With().Str("component", "exchange").Logger(),
		marketLimiter: rate.NewLimiter(rate.Limit(cfg.MarketDataRPS), int(cfg.MarketDataRPS)+1),
		orderLimiter:  rate.NewLimiter(rate.Limit(cfg.OrderRPS), int(cfg.OrderRPS)+1),
	}
}

// FetchOHLCV returns ordered candles, oldest first.
func (c *HTTPClient) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]models.Candle, error) {
	if err := c.marketLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("symbol", exchangeSymbol(symbol))
	params.Set("interval", timeframe)
	params.Set("limit", strconv.Itoa(limit))

	body, err := c.get(ctx, "/api/v3/klines", params)
	if err != nil {
		return nil, fmt.Errorf("fetching klines for %s: %w", symbol, err)
	}

	var rawKlines [][]interface{}
	if err := json.Unmarshal(body, &rawKlines); err != nil {
		return nil, fmt.Errorf("parsing klines: %w", err)
	}

	candles := make([]models.Candle, 0, len(rawKlines))
	for _, raw := range rawKlines {
		if len(raw) < 6 {
			continue
		}
		openTime, _ := raw[0].(float64)
		candles = append(candles, models.Candle{
			OpenTime: time.UnixMilli(int64(openTime)).UTC(),
			Open:     parseFloat(raw[1]),
			High:     parseFloat(raw[2]),
			Low:      parseFloat(raw[3]),
			Close:    parseFloat(raw[4]),
			Volume:   parseFloat(raw[5]),
		})
	}
	return candles, nil
}

// FetchTicker returns the spot ticker for a symbol.
func (c *HTTPClient) FetchTicker(ctx context.Context, symbol string) (*models.Ticker, error) {
	if err := c.marketLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("symbol", exchangeSymbol(symbol))

	body, err := c.get(ctx, "/api/v3/ticker/24hr", params)
	if err != nil {
		return nil, fmt.Errorf("fetching ticker for %s: %w", symbol, err)
	}

	var raw struct {
		LastPrice          string `json:"lastPrice"`
		PriceChangePercent string `json:"priceChangePercent"`
		QuoteVolume        string `json:"quoteVolume"`
		CloseTime          int64  `json:"closeTime"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parsing ticker: %w", err)
	}

	last, err := decimal.NewFromString(raw.LastPrice)
	if err != nil {
		return nil, fmt.Errorf("parsing ticker price %q: %w", raw.LastPrice, err)
	}
	changePct, _ := strconv.ParseFloat(raw.PriceChangePercent, 64)
	volume, _ := strconv.ParseFloat(raw.QuoteVolume, 64)

	return &models.Ticker{
		Symbol:       symbol,
		Last:         last,
		ChangePct24h: changePct,
		Volume24h:    volume,
		Timestamp:    time.UnixMilli(raw.CloseTime).UTC(),
	}, nil
}

// CreateOrder submits a signed order.
func (c *HTTPClient) CreateOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if err := c.orderLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("symbol", exchangeSymbol(req.Symbol))
	params.Set("side", req.Side)
	params.Set("type", req.Type)
	params.Set("quantity", req.Quantity.String())
	if req.Type == "LIMIT" {
		params.Set("price", req.Price.String())
		params.Set("timeInForce", "GTC")
	}
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("signature", c.sign(params.Encode()))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v3/order", strings.NewReader(params.Encode()))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("X-MBX-APIKEY", c.apiKey)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("submitting order: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading order response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("order API error (%d): %s", resp.StatusCode, string(body))
	}

	var raw struct {
		OrderID             int64  `json:"orderId"`
		Status              string `json:"status"`
		ExecutedQty         string `json:"executedQty"`
		CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parsing order response: %w", err)
	}

	filled, _ := decimal.NewFromString(raw.ExecutedQty)
	quote, _ := decimal.NewFromString(raw.CummulativeQuoteQty)
	avg := decimal.Zero
	if filled.IsPositive() {
		avg = quote.Div(filled)
	}

	return &OrderResult{
		OrderID:   strconv.FormatInt(raw.OrderID, 10),
		Status:    raw.Status,
		FilledQty: filled,
		AvgPrice:  avg,
	}, nil
}

// FetchFundingRate returns the current funding rate for perpetuals.
// Spot-only deployments get an API error, which callers treat as absent.
func (c *HTTPClient) FetchFundingRate(ctx context.Context, symbol string) (float64, error) {
	if err := c.marketLimiter.Wait(ctx); err != nil {
		return 0, err
	}

	params := url.Values{}
	params.Set("symbol", exchangeSymbol(symbol))

	body, err := c.get(ctx, "/fapi/v1/premiumIndex", params)
	if err != nil {
		return 0, fmt.Errorf("fetching funding rate for %s: %w", symbol, err)
	}

	var raw struct {
		LastFundingRate string `json:"lastFundingRate"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return 0, fmt.Errorf("parsing funding rate: %w", err)
	}
	rate, err := strconv.ParseFloat(raw.LastFundingRate, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing funding rate value: %w", err)
	}
	return rate, nil
}

func (c *HTTPClient) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(body))
	}
	return body, nil
}

func (c *HTTPClient) sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// exchangeSymbol converts "BTC/USDT" to the wire form "BTCUSDT".
func exchangeSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "/", ""))
}

func parseFloat(v interface{}) float64 {
	switch x := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(x, 64)
		return f
	case float64:
		return x
	}
	return 0
}
