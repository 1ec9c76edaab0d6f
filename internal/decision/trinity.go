package decision

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crypto-trading-engine/internal/models"
)

// TrinityBlock is the default deterministic block: five boolean entry
// conditions per symbol, entries at four-or-more (or exactly three with
// reduced size), and three exit triggers for open longs. Trinity never
// emits short entries; shorts stay in the type system for the LLM block.
type TrinityBlock struct {
	log zerolog.Logger
}

func NewTrinityBlock(log zerolog.Logger) *TrinityBlock {
	return &TrinityBlock{log: log.With().Str("component", "trinity").Logger()}
}

func (t *TrinityBlock) Name() models.DecisionMode {
	return models.ModeTrinity
}

func (t *TrinityBlock) Decide(_ context.Context, bot *models.Bot, snapshots map[string]*models.MarketSnapshot, portfolio *models.PortfolioState) (map[string]models.TradingSignal, error) {
	signals := make(map[string]models.TradingSignal, len(snapshots))

	for symbol, snap := range snapshots {
		if pos, ok := portfolio.PositionBySymbol[symbol]; ok && pos.Status == models.PositionOpen {
			signals[symbol] = t.checkExit(snap, pos)
			continue
		}
		signals[symbol] = t.checkEntry(bot, snap)
	}
	return signals, nil
}

func (t *TrinityBlock) checkEntry(bot *models.Bot, snap *models.MarketSnapshot) models.TradingSignal {
	sig := snap.Signals
	met := sig.Met()

	// The regime filter is condition one: without a confirmed
	// price > SMA_200 no entry fires, however many other conditions hit.
	regimeConfirmed := sig.Evaluated["regime_ok"] && sig.RegimeOK
	if !regimeConfirmed {
		return models.HoldSignal(snap.Symbol, "regime_unconfirmed")
	}

	var confidence float64
	var sizePct decimal.Decimal
	switch {
	case met >= 4:
		confidence = float64(met) / 5.0
		sizePct = decimal.NewFromFloat(0.03)
	case met == 3:
		confidence = 0.60
		sizePct = decimal.NewFromFloat(0.02)
	default:
		return models.HoldSignal(snap.Symbol, "insufficient_confluence")
	}

	entry := snap.Price
	stopLoss, takeProfit := t.exitLevels(bot, snap, entry)

	return models.TradingSignal{
		Symbol:     snap.Symbol,
		SignalType: models.SignalBuyToEnter,
		Side:       models.SideLong,
		Confidence: confidence,
		Reasoning:  reasoningFor(sig, met),
		EntryPrice: entry,
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
		SizePct:    sizePct,
		Leverage:   1,
	}
}

// exitLevels places the stop at the tighter of the Supertrend line and
// the percentage stop, and the target at the configured profit distance.
func (t *TrinityBlock) exitLevels(bot *models.Bot, snap *models.MarketSnapshot, entry decimal.Decimal) (stopLoss, takeProfit decimal.Decimal) {
	one := decimal.NewFromInt(1)
	stopLoss = entry.Mul(one.Sub(bot.Risk.StopLossPct))
	if snap.Indicators.Supertrend != nil {
		st := decimal.NewFromFloat(*snap.Indicators.Supertrend)
		if st.GreaterThan(stopLoss) && st.LessThan(entry) {
			stopLoss = st
		}
	}
	takeProfit = entry.Mul(one.Add(bot.Risk.TakeProfitPct))
	return stopLoss, takeProfit
}

// checkExit fires when any trigger hits: Supertrend flips red, price
// closes below SMA_200, or RSI_14 runs past 75.
func (t *TrinityBlock) checkExit(snap *models.MarketSnapshot, pos *models.Position) models.TradingSignal {
	ind := snap.Indicators
	price := snap.PriceF()

	reason := ""
	switch {
	case ind.SupertrendColor == models.SupertrendRed:
		reason = "supertrend_red"
	case ind.SMA200 != nil && price < *ind.SMA200:
		reason = "below_sma200"
	case ind.RSI14 != nil && *ind.RSI14 > 75:
		reason = "rsi_overbought"
	}

	if reason == "" {
		return models.HoldSignal(snap.Symbol, "position_healthy")
	}

	return models.TradingSignal{
		Symbol:     snap.Symbol,
		SignalType: models.SignalClose,
		Side:       pos.Side,
		Confidence: 0.7,
		Reasoning:  reason,
	}
}

func reasoningFor(sig models.SnapshotSignals, met int) string {
	switch met {
	case 5:
		return "full confluence: regime, trend, bounce, momentum and volume aligned"
	case 4:
		return "strong confluence: four of five entry conditions met"
	default:
		return "partial confluence: three entry conditions met, reduced size"
	}
}
