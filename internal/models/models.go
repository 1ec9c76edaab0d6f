// Package models defines the core entities of the trading engine: bots,
// positions, trades, market snapshots and trading signals. All monetary
// values use arbitrary-precision decimals; float64 appears only in
// indicator payloads where bounded precision loss is accepted.
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// BotStatus is the lifecycle state of a trading bot.
type BotStatus string

const (
	BotActive  BotStatus = "active"
	BotPaused  BotStatus = "paused"
	BotStopped BotStatus = "stopped"
)

// DecisionMode selects which decision block drives a bot.
type DecisionMode string

const (
	ModeTrinity   DecisionMode = "trinity"
	ModeLLM       DecisionMode = "llm"
	ModeIndicator DecisionMode = "indicator"
)

// ValidDecisionMode reports whether s names a known decision mode.
func ValidDecisionMode(s string) bool {
	switch DecisionMode(s) {
	case ModeTrinity, ModeLLM, ModeIndicator:
		return true
	}
	return false
}

// PositionSide is the direction of an exposure.
type PositionSide string

const (
	SideLong  PositionSide = "long"
	SideShort PositionSide = "short"
	SideNone  PositionSide = "none"
)

// Sign returns +1 for long, -1 for short, 0 otherwise.
func (s PositionSide) Sign() decimal.Decimal {
	switch s {
	case SideLong:
		return decimal.NewFromInt(1)
	case SideShort:
		return decimal.NewFromInt(-1)
	}
	return decimal.Zero
}

// SignalType classifies a decision output.
type SignalType string

const (
	SignalBuyToEnter  SignalType = "buy_to_enter"
	SignalSellToEnter SignalType = "sell_to_enter"
	SignalClose       SignalType = "close"
	SignalHold        SignalType = "hold"
)

// IsEntry reports whether the signal opens a new position.
func (t SignalType) IsEntry() bool {
	return t == SignalBuyToEnter || t == SignalSellToEnter
}

// PositionStatus tracks whether a position is live.
type PositionStatus string

const (
	PositionOpen         PositionStatus = "open"
	PositionClosed       PositionStatus = "closed"
	PositionClosePending PositionStatus = "close_pending"
)

// CloseReason tags why a position was exited.
type CloseReason string

const (
	CloseStopLoss     CloseReason = "stop_loss"
	CloseTakeProfit   CloseReason = "take_profit"
	CloseTimeout      CloseReason = "timeout"
	CloseSignalExit   CloseReason = "signal_exit"
	CloseManual       CloseReason = "manual"
	CloseDrawdownHalt CloseReason = "drawdown_halt"
)

// Bot is a long-lived trading agent owning capital, a watch-list and a
// risk parameter map. Mutated only by execution commits and manual resets.
type Bot struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	Name           string          `json:"name"`
	Status         BotStatus       `json:"status"`
	InitialCapital decimal.Decimal `json:"initial_capital"`
	Capital        decimal.Decimal `json:"capital"`
	TotalPnL       decimal.Decimal `json:"total_pnl"`
	ModelName      string          `json:"model_name"`
	DecisionMode   DecisionMode    `json:"decision_mode"`
	Symbols        []string        `json:"symbols"`
	Risk           RiskParams      `json:"risk_params"`
	PaperTrading   bool            `json:"paper_trading"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// RiskParams are the recognized per-bot risk options. Zero values are
// replaced by defaults via Normalize.
type RiskParams struct {
	MaxPositionPct  decimal.Decimal `json:"max_position_pct"`
	MaxExposurePct  decimal.Decimal `json:"max_exposure_pct"`
	MaxDrawdownPct  decimal.Decimal `json:"max_drawdown_pct"`
	MaxTradesPerDay int             `json:"max_trades_per_day"`
	MaxDailyLossUSD decimal.Decimal `json:"max_daily_loss_usd"`
	StopLossPct     decimal.Decimal `json:"stop_loss_pct"`
	TakeProfitPct   decimal.Decimal `json:"take_profit_pct"`
	MinRiskReward   decimal.Decimal `json:"min_risk_reward"`
	MinNotionalUSD  decimal.Decimal `json:"min_notional_usd"`
}

// DefaultRiskParams returns the documented defaults.
func DefaultRiskParams() RiskParams {
	return RiskParams{
		MaxPositionPct:  decimal.NewFromFloat(0.15),
		MaxExposurePct:  decimal.NewFromFloat(0.85),
		MaxDrawdownPct:  decimal.NewFromFloat(0.20),
		MaxTradesPerDay: 50,
		MaxDailyLossUSD: decimal.NewFromInt(-100),
		StopLossPct:     decimal.NewFromFloat(0.035),
		TakeProfitPct:   decimal.NewFromFloat(0.07),
		MinRiskReward:   decimal.NewFromFloat(1.3),
		MinNotionalUSD:  decimal.NewFromInt(50),
	}
}

// Normalize fills unset fields with defaults. MaxTradesPerDay stays as
// given because 0 is a meaningful value (no entries allowed).
func (rp RiskParams) Normalize() RiskParams {
	def := DefaultRiskParams()
	if rp.MaxPositionPct.IsZero() {
		rp.MaxPositionPct = def.MaxPositionPct
	}
	if rp.MaxExposurePct.IsZero() {
		rp.MaxExposurePct = def.MaxExposurePct
	}
	if rp.MaxDrawdownPct.IsZero() {
		rp.MaxDrawdownPct = def.MaxDrawdownPct
	}
	if rp.MaxDailyLossUSD.IsZero() {
		rp.MaxDailyLossUSD = def.MaxDailyLossUSD
	}
	if rp.StopLossPct.IsZero() {
		rp.StopLossPct = def.StopLossPct
	}
	if rp.TakeProfitPct.IsZero() {
		rp.TakeProfitPct = def.TakeProfitPct
	}
	if rp.MinRiskReward.IsZero() {
		rp.MinRiskReward = def.MinRiskReward
	}
	if rp.MinNotionalUSD.IsZero() {
		rp.MinNotionalUSD = def.MinNotionalUSD
	}
	return rp
}

// Position is an open or historical directional exposure. While open,
// side/entry/quantity are immutable; only CurrentPrice is refreshed.
type Position struct {
	ID           string          `json:"id"`
	BotID        string          `json:"bot_id"`
	Symbol       string          `json:"symbol"`
	Side         PositionSide    `json:"side"`
	Quantity     decimal.Decimal `json:"quantity"`
	EntryPrice   decimal.Decimal `json:"entry_price"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	StopLoss     decimal.Decimal `json:"stop_loss"`
	TakeProfit   decimal.Decimal `json:"take_profit"`
	RealizedPnL  decimal.Decimal `json:"realized_pnl"`
	Status       PositionStatus  `json:"status"`
	OpenedAt     time.Time       `json:"opened_at"`
	ClosedAt     *time.Time      `json:"closed_at,omitempty"`
	CloseReason  CloseReason     `json:"close_reason,omitempty"`
}

// EntryNotional is quantity x entry price.
func (p *Position) EntryNotional() decimal.Decimal {
	return p.Quantity.Mul(p.EntryPrice)
}

// UnrealizedPnL is the mark-to-market P&L at the current price.
func (p *Position) UnrealizedPnL() decimal.Decimal {
	return p.CurrentPrice.Sub(p.EntryPrice).Mul(p.Quantity).Mul(p.Side.Sign())
}

// MarkValue is the position's contribution to equity: entry notional plus
// unrealized P&L (works for both sides).
func (p *Position) MarkValue() decimal.Decimal {
	return p.EntryNotional().Add(p.UnrealizedPnL())
}

// Trade is an atomic fill record, one per entry or exit. Immutable after
// creation. RealizedPnL is zero for entries and signed for exits.
type Trade struct {
	ID          string          `json:"id"`
	BotID       string          `json:"bot_id"`
	PositionID  string          `json:"position_id"`
	Symbol      string          `json:"symbol"`
	Side        PositionSide    `json:"side"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	Fees        decimal.Decimal `json:"fees"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	ExecutedAt  time.Time       `json:"executed_at"`
}

// IsEntry reports whether this fill opened exposure.
func (t *Trade) IsEntry() bool {
	return t.RealizedPnL.IsZero()
}

// TradingSignal is the canonical decision output consumed by the risk and
// execution blocks.
type TradingSignal struct {
	Symbol     string          `json:"symbol"`
	SignalType SignalType      `json:"signal_type"`
	Side       PositionSide    `json:"side"`
	Confidence float64         `json:"confidence"`
	Reasoning  string          `json:"reasoning"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	StopLoss   decimal.Decimal `json:"stop_loss"`
	TakeProfit decimal.Decimal `json:"take_profit"`
	SizePct    decimal.Decimal `json:"size_pct"`
	Leverage   int             `json:"leverage"`
}

// HoldSignal builds a hold for the given symbol with a reason tag.
func HoldSignal(symbol, reason string) TradingSignal {
	return TradingSignal{
		Symbol:     symbol,
		SignalType: SignalHold,
		Side:       SideNone,
		Confidence: 0.5,
		Reasoning:  reason,
	}
}

// PortfolioState is the per-cycle view of a bot's holdings and day counters.
type PortfolioState struct {
	Cash             decimal.Decimal   `json:"cash"`
	Equity           decimal.Decimal   `json:"equity"`
	ReturnPct        decimal.Decimal   `json:"return_pct"`
	OpenPositions    []*Position       `json:"open_positions"`
	TradesToday      int               `json:"trades_today"`
	RealizedPnLToday decimal.Decimal   `json:"realized_pnl_today"`
	PositionBySymbol map[string]*Position `json:"-"`
}

// OpenNotional sums entry notionals of all open positions.
func (ps *PortfolioState) OpenNotional() decimal.Decimal {
	total := decimal.Zero
	for _, p := range ps.OpenPositions {
		total = total.Add(p.EntryNotional())
	}
	return total
}

// CycleRecord ties a cycle to its outcome for audit queries.
type CycleRecord struct {
	ID               string        `json:"id"`
	BotID            string        `json:"bot_id"`
	Mode             DecisionMode  `json:"mode"`
	StartedAt        time.Time     `json:"started_at"`
	Duration         time.Duration `json:"duration"`
	SignalsEvaluated int           `json:"signals_evaluated"`
	Entries          int           `json:"entries"`
	Exits            int           `json:"exits"`
	ErrorTag         string        `json:"error_tag,omitempty"`
}

// LLMDecision is an audit row for one provider call.
type LLMDecision struct {
	ID         string    `json:"id"`
	BotID      string    `json:"bot_id"`
	Symbol     string    `json:"symbol"`
	PromptHash string    `json:"prompt_hash"`
	Response   string    `json:"response"`
	TokensIn   int       `json:"tokens_in"`
	TokensOut  int       `json:"tokens_out"`
	Cost       decimal.Decimal `json:"cost"`
	CreatedAt  time.Time `json:"created_at"`
}
