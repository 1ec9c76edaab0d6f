// Package risk validates entry signals against the bot's risk parameters
// and sizes approved entries. Checks run in a fixed order and the first
// failure wins; every rejection carries a stable reason tag.
package risk

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crypto-trading-engine/internal/memory"
	"crypto-trading-engine/internal/models"
)

// Rejection reason tags, in check order.
const (
	ReasonBotInactive     = "bot_inactive"
	ReasonDailyTradeLimit = "daily_trade_limit"
	ReasonDailyLossLimit  = "daily_loss_limit"
	ReasonDrawdown        = "drawdown"
	ReasonPositionExists  = "position_exists"
	ReasonMinNotional     = "min_notional"
	ReasonPositionCap     = "position_cap"
	ReasonExposureCap     = "exposure_cap"
	ReasonSLTPGeometry    = "sl_tp_geometry"
	ReasonRiskReward      = "risk_reward"
	ReasonLeverageCap     = "leverage_cap"
	ReasonMinProfit       = "min_expected_profit"
)

const (
	maxLeverageLong  = 5
	maxLeverageShort = 3

	// A position over the cap by no more than this factor is clamped to
	// the cap instead of rejected.
	capClampFactor = 1.2

	kellyFraction = 0.25
	kellyMinObs   = 20
	kellyFloorPct = 0.01
)

// StatsProvider surfaces the trade history the Kelly sizer and the
// profit floor consume; TradeMemory implements it.
type StatsProvider interface {
	Stats(ctx context.Context, botID, symbol string) memory.Stats
	DynamicMinProfitUSD(ctx context.Context, botID, symbol string) decimal.Decimal
}

// Decision is the validator verdict. When approved, Notional and
// Quantity carry the (possibly clamped) final size.
type Decision struct {
	Approved bool
	Reason   string
	SizePct  decimal.Decimal
	Notional decimal.Decimal
	Quantity decimal.Decimal
}

func reject(reason string) Decision {
	return Decision{Approved: false, Reason: reason}
}

// Validator runs the entry gate for one bot at a time.
type Validator struct {
	stats StatsProvider
	log   zerolog.Logger
}

func NewValidator(stats StatsProvider, log zerolog.Logger) *Validator {
	return &Validator{
		stats: stats,
		log:   log.With().Str("component", "risk").Logger(),
	}
}

// ValidateEntry runs all checks against an entry signal. The signal's
// SizePct is a request; the returned Decision holds the final size after
// Kelly blending and cap clamping.
func (v *Validator) ValidateEntry(ctx context.Context, bot *models.Bot, sig models.TradingSignal, portfolio *models.PortfolioState) Decision {
	rp := bot.Risk.Normalize()

	if bot.Status != models.BotActive {
		return reject(ReasonBotInactive)
	}
	if portfolio.TradesToday >= rp.MaxTradesPerDay {
		return reject(ReasonDailyTradeLimit)
	}
	if portfolio.RealizedPnLToday.LessThanOrEqual(rp.MaxDailyLossUSD) {
		return reject(ReasonDailyLossLimit)
	}

	one := decimal.NewFromInt(1)
	floor := bot.InitialCapital.Mul(one.Sub(rp.MaxDrawdownPct))
	if portfolio.Equity.LessThan(floor) {
		return reject(ReasonDrawdown)
	}

	if pos, ok := portfolio.PositionBySymbol[sig.Symbol]; ok && pos.Status != models.PositionClosed {
		return reject(ReasonPositionExists)
	}

	sizePct := v.finalSizePct(ctx, bot, sig, rp)
	notional := portfolio.Equity.Mul(sizePct)

	if notional.LessThan(rp.MinNotionalUSD) {
		return reject(ReasonMinNotional)
	}

	cap := portfolio.Equity.Mul(rp.MaxPositionPct)
	if notional.GreaterThan(cap) {
		limit := cap.Mul(decimal.NewFromFloat(capClampFactor))
		if notional.GreaterThan(limit) {
			return reject(ReasonPositionCap)
		}
		v.log.Debug().Str("symbol", sig.Symbol).
			Str("requested", notional.String()).Str("cap", cap.String()).
			Msg("position size clamped to cap")
		notional = cap
		sizePct = rp.MaxPositionPct
	}

	exposureCap := portfolio.Equity.Mul(rp.MaxExposurePct)
	if portfolio.OpenNotional().Add(notional).GreaterThan(exposureCap) {
		return reject(ReasonExposureCap)
	}

	entry := sig.EntryPrice
	if entry.IsZero() {
		return reject(ReasonSLTPGeometry)
	}
	switch sig.Side {
	case models.SideLong:
		if !sig.StopLoss.LessThan(entry) || !sig.TakeProfit.GreaterThan(entry) {
			return reject(ReasonSLTPGeometry)
		}
	case models.SideShort:
		if !sig.StopLoss.GreaterThan(entry) || !sig.TakeProfit.LessThan(entry) {
			return reject(ReasonSLTPGeometry)
		}
	default:
		return reject(ReasonSLTPGeometry)
	}

	riskDist := entry.Sub(sig.StopLoss).Abs()
	rewardDist := sig.TakeProfit.Sub(entry).Abs()
	if riskDist.IsZero() || rewardDist.Div(riskDist).LessThan(rp.MinRiskReward) {
		return reject(ReasonRiskReward)
	}

	leverage := sig.Leverage
	if leverage <= 0 {
		leverage = 1
	}
	if sig.Side == models.SideLong && leverage > maxLeverageLong {
		return reject(ReasonLeverageCap)
	}
	if sig.Side == models.SideShort && leverage > maxLeverageShort {
		return reject(ReasonLeverageCap)
	}

	quantity := notional.Div(entry)

	// Memory-driven profit floor: the target must clear the symbol's
	// dynamic minimum or the trade is not worth its costs.
	expectedProfit := rewardDist.Mul(quantity)
	if expectedProfit.LessThan(v.minProfitFloor(ctx, bot, sig)) {
		return reject(ReasonMinProfit)
	}

	return Decision{
		Approved: true,
		SizePct:  sizePct,
		Notional: notional,
		Quantity: quantity,
	}
}

func (v *Validator) minProfitFloor(ctx context.Context, bot *models.Bot, sig models.TradingSignal) decimal.Decimal {
	if v.stats == nil {
		return decimal.NewFromInt(10)
	}
	return v.stats.DynamicMinProfitUSD(ctx, bot.ID, sig.Symbol)
}

// finalSizePct blends the requested size with the quarter-Kelly estimate:
// the final fraction is the smaller of the two. Kelly needs at least 20
// recorded outcomes for the pair; before that the request stands.
func (v *Validator) finalSizePct(ctx context.Context, bot *models.Bot, sig models.TradingSignal, rp models.RiskParams) decimal.Decimal {
	base := sig.SizePct
	if base.IsZero() || base.IsNegative() {
		base = decimal.NewFromFloat(0.02)
	}

	if v.stats == nil {
		return base
	}
	s := v.stats.Stats(ctx, bot.ID, sig.Symbol)
	kelly, ok := quarterKelly(s, rp.MaxPositionPct)
	if !ok {
		return base
	}
	if kelly.LessThan(base) {
		v.log.Debug().Str("symbol", sig.Symbol).
			Str("base", base.String()).Str("kelly", kelly.String()).
			Msg("kelly sizing reduced position")
		return kelly
	}
	return base
}

// quarterKelly computes f* = (p*W - (1-p)*L) / W scaled by 1/4 and
// clamped to [0.01, maxPositionPct]. Returns ok=false when the history
// is too short or degenerate to size from.
func quarterKelly(s memory.Stats, maxPositionPct decimal.Decimal) (decimal.Decimal, bool) {
	if s.Observations() < kellyMinObs {
		return decimal.Zero, false
	}
	w := s.AvgWinPct
	l := -s.AvgLossPct // stored negative
	if w <= 0 || l < 0 {
		return decimal.Zero, false
	}
	p := s.WinRate()
	f := (p*w - (1-p)*l) / w * kellyFraction

	out := decimal.NewFromFloat(f)
	floor := decimal.NewFromFloat(kellyFloorPct)
	if out.LessThan(floor) {
		out = floor
	}
	if out.GreaterThan(maxPositionPct) {
		out = maxPositionPct
	}
	return out, true
}
