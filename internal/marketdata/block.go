// Package marketdata assembles per-symbol snapshots each cycle: OHLCV,
// ticker, funding rate and the derived indicator bundle.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"crypto-trading-engine/internal/cache"
	"crypto-trading-engine/internal/exchange"
	"crypto-trading-engine/internal/indicators"
	"crypto-trading-engine/internal/models"
)

// ErrAllSymbolsFailed aborts the cycle: not a single watched symbol
// produced a snapshot.
var ErrAllSymbolsFailed = errors.New("market data unavailable for all symbols")

const (
	candles1hLimit = 250 // enough for SMA_200
	candles5mLimit = 100
	tailLength     = 10
	staleTickerAge = 60 * time.Second
)

// Cache is the subset of the cache service the block needs.
type Cache interface {
	GetJSON(ctx context.Context, key string, dest interface{}) error
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// Block fetches market data and computes indicators, fail-soft per symbol.
type Block struct {
	client exchange.Client
	cache  Cache
	log    zerolog.Logger
	now    func() time.Time
}

func NewBlock(client exchange.Client, c Cache, log zerolog.Logger) *Block {
	return &Block{
		client: client,
		cache:  c,
		log:    log.With().Str("component", "marketdata").Logger(),
		now:    time.Now,
	}
}

// FetchAll builds snapshots for every symbol it can. A symbol that fails
// is logged and omitted; the error is non-nil only when all fail.
func (b *Block) FetchAll(ctx context.Context, symbols []string) (map[string]*models.MarketSnapshot, error) {
	snapshots := make(map[string]*models.MarketSnapshot, len(symbols))
	for _, symbol := range symbols {
		snap, err := b.fetchSymbol(ctx, symbol)
		if err != nil {
			b.log.Warn().Err(err).Str("symbol", symbol).Str("phase", "market_data").Msg("snapshot failed, omitting symbol")
			continue
		}
		snapshots[symbol] = snap
	}

	if len(snapshots) == 0 && len(symbols) > 0 {
		return nil, ErrAllSymbolsFailed
	}
	return snapshots, nil
}

func (b *Block) fetchSymbol(ctx context.Context, symbol string) (*models.MarketSnapshot, error) {
	candles1h, err := b.cachedOHLCV(ctx, symbol, "1h", candles1hLimit)
	if err != nil {
		return nil, fmt.Errorf("1h candles: %w", err)
	}
	if len(candles1h) == 0 {
		return nil, fmt.Errorf("empty 1h series")
	}

	candles5m, err := b.cachedOHLCV(ctx, symbol, "5m", candles5mLimit)
	if err != nil {
		// The 5m window only enriches prompts; carry on without it.
		b.log.Debug().Err(err).Str("symbol", symbol).Msg("5m candles unavailable")
	}

	ticker, err := b.client.FetchTicker(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("ticker: %w", err)
	}
	if age := b.now().Sub(ticker.Timestamp); age > staleTickerAge {
		b.log.Warn().Str("symbol", symbol).Dur("age", age).Msg("stale ticker, proceeding")
	}

	snap := &models.MarketSnapshot{
		Symbol:       symbol,
		Price:        ticker.Last,
		ChangePct24h: ticker.ChangePct24h,
		Volume24h:    ticker.Volume24h,
		Candles1h:    candles1h,
		Candles5m:    candles5m,
		FetchedAt:    b.now().UTC(),
	}

	if rate, err := b.client.FetchFundingRate(ctx, symbol); err == nil {
		snap.FundingRate = &rate
	}

	if !b.cachedIndicators(ctx, snap) {
		b.computeIndicators(snap)
		b.storeIndicators(ctx, snap)
	}
	b.evaluateSignals(snap)
	return snap, nil
}

// indicatorEntry is the cached form of the derived bundle plus the tail
// series the prompts consume.
type indicatorEntry struct {
	Bundle       models.IndicatorBundle `json:"bundle"`
	RecentCloses []float64              `json:"recent_closes"`
	RecentEMA20  []float64              `json:"recent_ema20,omitempty"`
	RecentRSI14  []float64              `json:"recent_rsi14,omitempty"`
}

// cachedIndicators restores a previously computed bundle. Bursts of bots
// sharing a watch-list skip the whole indicator pass, not just the fetch.
func (b *Block) cachedIndicators(ctx context.Context, snap *models.MarketSnapshot) bool {
	var entry indicatorEntry
	key := cache.IndicatorKey("bundle", snap.Symbol, "1h")
	if err := b.cache.GetJSON(ctx, key, &entry); err != nil || len(entry.RecentCloses) == 0 {
		return false
	}
	snap.Indicators = entry.Bundle
	snap.RecentCloses = entry.RecentCloses
	snap.RecentEMA20 = entry.RecentEMA20
	snap.RecentRSI14 = entry.RecentRSI14
	return true
}

func (b *Block) storeIndicators(ctx context.Context, snap *models.MarketSnapshot) {
	entry := indicatorEntry{
		Bundle:       snap.Indicators,
		RecentCloses: snap.RecentCloses,
		RecentEMA20:  snap.RecentEMA20,
		RecentRSI14:  snap.RecentRSI14,
	}
	key := cache.IndicatorKey("bundle", snap.Symbol, "1h")
	if err := b.cache.SetJSON(ctx, key, entry, cache.IndicatorTTL); err != nil && !errors.Is(err, cache.ErrUnavailable) {
		b.log.Debug().Err(err).Str("symbol", snap.Symbol).Msg("indicator cache write failed")
	}
}

// cachedOHLCV absorbs burst calls across bots sharing a watch-list.
func (b *Block) cachedOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]models.Candle, error) {
	key := cache.MarketDataKey(symbol, timeframe)

	var cached []models.Candle
	if err := b.cache.GetJSON(ctx, key, &cached); err == nil && len(cached) >= limit {
		return cached[len(cached)-limit:], nil
	}

	candles, err := b.client.FetchOHLCV(ctx, symbol, timeframe, limit)
	if err != nil {
		return nil, err
	}
	if err := b.cache.SetJSON(ctx, key, candles, cache.MarketDataTTL); err != nil && !errors.Is(err, cache.ErrUnavailable) {
		b.log.Debug().Err(err).Str("symbol", symbol).Msg("ohlcv cache write failed")
	}
	return candles, nil
}

func (b *Block) computeIndicators(snap *models.MarketSnapshot) {
	n := len(snap.Candles1h)
	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	volumes := make([]float64, n)
	for i, c := range snap.Candles1h {
		closes[i] = c.Close
		highs[i] = c.High
		lows[i] = c.Low
		volumes[i] = c.Volume
	}

	ind := &snap.Indicators
	ind.SupertrendColor = models.SupertrendNeutral

	if v, ok := indicators.SMA(closes, 200); ok {
		ind.SMA200 = &v
	}
	for _, p := range []struct {
		period int
		dest   **float64
	}{
		{9, &ind.EMA9}, {20, &ind.EMA20}, {21, &ind.EMA21}, {50, &ind.EMA50},
	} {
		if v, ok := indicators.EMA(closes, p.period); ok {
			*p.dest = &v
		}
	}
	if v, ok := indicators.RSI(closes, 7); ok {
		ind.RSI7 = &v
	}
	if v, ok := indicators.RSI(closes, 14); ok {
		ind.RSI14 = &v
	}
	if v, ok := indicators.ADX(highs, lows, closes, 14); ok {
		ind.ADX = &v
	}
	if v, ok := indicators.ATR(highs, lows, closes, 14); ok {
		ind.ATR = &v
	}
	if v, color, ok := indicators.Supertrend(highs, lows, closes, 10, 3); ok {
		ind.Supertrend = &v
		ind.SupertrendColor = models.SupertrendColor(color)
	}
	if v, ok := indicators.VolumeMA(volumes, 20); ok {
		ind.VolumeMA = &v
	}
	if macd, signal, ok := indicators.MACD(closes, 12, 26, 9); ok {
		ind.MACD = &macd
		ind.MACDSignal = &signal
	}

	// Tail series for prompt context, oldest first.
	snap.RecentCloses = tail(closes, tailLength)
	if emaSeries, ok := indicators.EMASeries(closes, 20); ok {
		snap.RecentEMA20 = tail(emaSeries, tailLength)
	}
	if rsiSeries, ok := indicators.RSISeries(closes, 14); ok {
		snap.RecentRSI14 = tail(rsiSeries, tailLength)
	}
}

// evaluateSignals fills the five boolean entry conditions, marking which
// were computable. Confluence never exceeds the evaluated count.
func (b *Block) evaluateSignals(snap *models.MarketSnapshot) {
	ind := snap.Indicators
	price := snap.PriceF()
	sig := models.SnapshotSignals{Evaluated: make(map[string]bool, 5)}

	if ind.SMA200 != nil {
		sig.Evaluated["regime_ok"] = true
		sig.RegimeOK = price > *ind.SMA200
	}
	if ind.ADX != nil {
		sig.Evaluated["trend_strong"] = true
		sig.TrendStrong = *ind.ADX > 25
	}
	if ind.EMA20 != nil {
		sig.Evaluated["bounce"] = true
		sig.Bounce = price > *ind.EMA20 && dippedBelow(snap.RecentCloses, snap.RecentEMA20)
	}
	if ind.RSI14 != nil {
		sig.Evaluated["oversold"] = true
		sig.Oversold = *ind.RSI14 < 40
	}
	if ind.VolumeMA != nil && len(snap.Candles1h) > 0 {
		sig.Evaluated["volume_ok"] = true
		sig.VolumeOK = snap.Candles1h[len(snap.Candles1h)-1].Volume > *ind.VolumeMA
	}

	snap.Signals = sig
	snap.Confluence = indicators.ConfluenceScore(sig.Met(), sig.TotalEvaluated())
}

// dippedBelow reports whether any recent close before the last sat under
// its EMA20, qualifying the current bar as a bounce rather than a chase.
func dippedBelow(closes, ema []float64) bool {
	n := len(closes)
	if n < 2 || len(ema) < 2 {
		return false
	}
	m := min(n, len(ema))
	for i := 1; i < m; i++ {
		// Compare aligned tail entries, excluding the latest bar.
		ci := n - 1 - i
		ei := len(ema) - 1 - i
		if closes[ci] < ema[ei] {
			return true
		}
	}
	return false
}

func tail(series []float64, n int) []float64 {
	if len(series) <= n {
		out := make([]float64, len(series))
		copy(out, series)
		return out
	}
	out := make([]float64, n)
	copy(out, series[len(series)-n:])
	return out
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
