package decision

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crypto-trading-engine/internal/models"
)

// IndicatorBlock is the legacy single-indicator scorer: pullback and
// breakout entries with fixed percentage exits. Kept for bots migrated
// from the old rules.
type IndicatorBlock struct {
	log zerolog.Logger
}

func NewIndicatorBlock(log zerolog.Logger) *IndicatorBlock {
	return &IndicatorBlock{log: log.With().Str("component", "indicator_decision").Logger()}
}

func (b *IndicatorBlock) Name() models.DecisionMode {
	return models.ModeIndicator
}

const (
	legacyStopLossPct   = 0.025
	legacyTakeProfitPct = 0.05
	legacyRSIExit       = 80.0
)

func (b *IndicatorBlock) Decide(_ context.Context, _ *models.Bot, snapshots map[string]*models.MarketSnapshot, portfolio *models.PortfolioState) (map[string]models.TradingSignal, error) {
	signals := make(map[string]models.TradingSignal, len(snapshots))

	for symbol, snap := range snapshots {
		if pos, ok := portfolio.PositionBySymbol[symbol]; ok && pos.Status == models.PositionOpen {
			signals[symbol] = b.checkExit(snap)
			continue
		}
		signals[symbol] = b.checkEntry(snap)
	}
	return signals, nil
}

func (b *IndicatorBlock) checkEntry(snap *models.MarketSnapshot) models.TradingSignal {
	ind := snap.Indicators
	price := snap.PriceF()

	lastVolume := 0.0
	if n := len(snap.Candles1h); n > 0 {
		lastVolume = snap.Candles1h[n-1].Volume
	}

	pullback := ind.EMA50 != nil && ind.EMA9 != nil && ind.EMA21 != nil &&
		ind.RSI14 != nil && ind.VolumeMA != nil &&
		price > *ind.EMA50 &&
		*ind.EMA9 > *ind.EMA21 &&
		*ind.RSI14 < 40 &&
		lastVolume > 0.8*(*ind.VolumeMA)

	breakout := ind.RSI14 != nil && ind.VolumeMA != nil &&
		price > highestHigh(snap.Candles1h, 20) &&
		*ind.RSI14 > 60 &&
		lastVolume > *ind.VolumeMA

	var confidence float64
	var reason string
	switch {
	case pullback:
		confidence, reason = 0.65, "pullback entry: trend intact, momentum reset"
	case breakout:
		confidence, reason = 0.70, "breakout entry: new 20-period high on volume"
	default:
		return models.HoldSignal(snap.Symbol, "no_setup")
	}

	one := decimal.NewFromInt(1)
	entry := snap.Price
	return models.TradingSignal{
		Symbol:     snap.Symbol,
		SignalType: models.SignalBuyToEnter,
		Side:       models.SideLong,
		Confidence: confidence,
		Reasoning:  reason,
		EntryPrice: entry,
		StopLoss:   entry.Mul(one.Sub(decimal.NewFromFloat(legacyStopLossPct))),
		TakeProfit: entry.Mul(one.Add(decimal.NewFromFloat(legacyTakeProfitPct))),
		SizePct:    decimal.NewFromFloat(0.02),
		Leverage:   1,
	}
}

// checkExit fires only on the RSI blow-off; hard SL/TP and the 24h
// time-stop are enforced by the position monitor.
func (b *IndicatorBlock) checkExit(snap *models.MarketSnapshot) models.TradingSignal {
	if snap.Indicators.RSI14 != nil && *snap.Indicators.RSI14 > legacyRSIExit {
		return models.TradingSignal{
			Symbol:     snap.Symbol,
			SignalType: models.SignalClose,
			Side:       models.SideLong,
			Confidence: 0.6,
			Reasoning:  "rsi_extreme",
		}
	}
	return models.HoldSignal(snap.Symbol, "position_healthy")
}

// highestHigh over the last n completed bars, excluding the current one.
func highestHigh(candles []models.Candle, n int) float64 {
	if len(candles) < n+1 {
		return 1e308 // never beaten: no breakout without history
	}
	window := candles[len(candles)-n-1 : len(candles)-1]
	high := window[0].High
	for _, c := range window[1:] {
		if c.High > high {
			high = c.High
		}
	}
	return high
}
