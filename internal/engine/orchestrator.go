// Package engine runs the trading cycle: market data, position
// monitoring, decision, risk gate and execution, one pass per bot per
// interval. Cycles for distinct bots run concurrently; cycles for the
// same bot never overlap.
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crypto-trading-engine/internal/decision"
	"crypto-trading-engine/internal/models"
	"crypto-trading-engine/internal/risk"
)

// cycleRecordTimeout bounds the audit insert that runs after the cycle
// deadline is released.
const cycleRecordTimeout = 5 * time.Second

// MarketData supplies per-symbol snapshots.
type MarketData interface {
	FetchAll(ctx context.Context, symbols []string) (map[string]*models.MarketSnapshot, error)
}

// StateBuilder re-reads the bot and assembles portfolio state.
type StateBuilder interface {
	GetState(ctx context.Context, botID string) (*models.Bot, *models.PortfolioState, error)
}

// Sweeper is the position monitor pass.
type Sweeper interface {
	Sweep(ctx context.Context, bot *models.Bot, positions []*models.Position, snapshots map[string]*models.MarketSnapshot, exitSignals map[string]models.TradingSignal) int
}

// EntryValidator gates and sizes entries.
type EntryValidator interface {
	ValidateEntry(ctx context.Context, bot *models.Bot, sig models.TradingSignal, portfolio *models.PortfolioState) risk.Decision
}

// Executor commits entries and exits.
type Executor interface {
	OpenPosition(ctx context.Context, bot *models.Bot, sig models.TradingSignal, quantity decimal.Decimal) (*models.Position, error)
	ClosePosition(ctx context.Context, bot *models.Bot, pos *models.Position, exitPrice decimal.Decimal, reason models.CloseReason) (decimal.Decimal, error)
}

// Repo is the persistence subset the orchestrator itself touches.
type Repo interface {
	ListActiveBots(ctx context.Context) ([]*models.Bot, error)
	UpdateBotStatus(ctx context.Context, id string, status models.BotStatus) error
	UpdateBotDecisionMode(ctx context.Context, id string, mode models.DecisionMode) error
	CreateCycleRecord(ctx context.Context, c *models.CycleRecord) error
}

// Orchestrator wires the blocks together and drives one bot cycle.
type Orchestrator struct {
	marketData MarketData
	state      StateBuilder
	monitor    Sweeper
	registry   *decision.Registry
	validator  EntryValidator
	executor   Executor
	repo       Repo
	log        zerolog.Logger

	cycleInterval time.Duration
	summaryEvery  int

	mu         sync.Mutex
	botLocks   map[string]*sync.Mutex
	cycleCount map[string]int

	now func() time.Time
}

func NewOrchestrator(md MarketData, state StateBuilder, mon Sweeper, reg *decision.Registry, val EntryValidator, exec Executor, repo Repo, cycleInterval time.Duration, summaryEvery int, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		marketData:    md,
		state:         state,
		monitor:       mon,
		registry:      reg,
		validator:     val,
		executor:      exec,
		repo:          repo,
		log:           log.With().Str("component", "engine").Logger(),
		cycleInterval: cycleInterval,
		summaryEvery:  summaryEvery,
		botLocks:      make(map[string]*sync.Mutex),
		cycleCount:    make(map[string]int),
		now:           time.Now,
	}
}

func (o *Orchestrator) lockFor(botID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.botLocks[botID]
	if !ok {
		l = &sync.Mutex{}
		o.botLocks[botID] = l
	}
	return l
}

// RunCycle executes one full pass for a bot. The whole cycle runs under
// a deadline of twice the configured interval; a wedged cycle cannot
// stall the bot's schedule indefinitely.
func (o *Orchestrator) RunCycle(ctx context.Context, botID string) error {
	lock := o.lockFor(botID)
	if !lock.TryLock() {
		o.log.Warn().Str("bot_id", botID).Msg("previous cycle still running, skipping")
		return nil
	}
	defer lock.Unlock()

	ctx, cancel := context.WithTimeout(ctx, 2*o.cycleInterval)
	defer cancel()

	started := o.now().UTC()
	record := &models.CycleRecord{
		ID:        uuid.NewString(),
		BotID:     botID,
		StartedAt: started,
	}
	err := o.runCycleInner(ctx, botID, record)
	if err != nil {
		record.ErrorTag = err.Error()
	}
	record.Duration = o.now().UTC().Sub(started)

	// The audit row must survive the very failures it records; a timed-out
	// cycle left the deadline context already expired.
	recordCtx, recordCancel := context.WithTimeout(context.Background(), cycleRecordTimeout)
	defer recordCancel()
	if rerr := o.repo.CreateCycleRecord(recordCtx, record); rerr != nil {
		o.log.Warn().Err(rerr).Str("bot_id", botID).Msg("cycle record insert failed")
	}
	return err
}

func (o *Orchestrator) runCycleInner(ctx context.Context, botID string, record *models.CycleRecord) error {
	bot, portfolio, err := o.state.GetState(ctx, botID)
	if err != nil {
		return fmt.Errorf("portfolio state: %w", err)
	}
	record.Mode = bot.DecisionMode
	if bot.Status != models.BotActive {
		o.log.Debug().Str("bot_id", botID).Str("status", string(bot.Status)).Msg("bot not active, cycle skipped")
		return nil
	}

	snapshots, err := o.marketData.FetchAll(ctx, bot.Symbols)
	if err != nil {
		return fmt.Errorf("market data: %w", err)
	}

	// Protective pass first: hard stops fire at fresh prices even when
	// the decision block later errors.
	if closed := o.monitor.Sweep(ctx, bot, portfolio.OpenPositions, snapshots, nil); closed > 0 {
		record.Exits += closed
		if bot, portfolio, err = o.state.GetState(ctx, botID); err != nil {
			return fmt.Errorf("portfolio refresh: %w", err)
		}
	}

	if o.drawdownBreached(bot, portfolio) {
		return o.haltOnDrawdown(ctx, bot, portfolio, snapshots, record)
	}

	block, err := o.registry.Get(bot.DecisionMode)
	if err != nil {
		return err
	}
	signals, err := block.Decide(ctx, bot, snapshots, portfolio)
	if err != nil {
		return fmt.Errorf("decision block %s: %w", bot.DecisionMode, err)
	}
	record.SignalsEvaluated = len(signals)

	// Deterministic order keeps capital allocation reproducible when
	// several symbols fire in one cycle.
	symbols := make([]string, 0, len(signals))
	for s := range signals {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	for _, symbol := range symbols {
		sig := signals[symbol]
		switch {
		case sig.SignalType == models.SignalClose:
			if o.closeOnSignal(ctx, bot, portfolio, snapshots, symbol) {
				record.Exits++
			}
		case sig.SignalType.IsEntry():
			if o.openOnSignal(ctx, bot, portfolio, snapshots, sig) {
				record.Entries++
				// Refresh so later symbols see the reduced capital.
				if bot, portfolio, err = o.state.GetState(ctx, botID); err != nil {
					return fmt.Errorf("portfolio refresh: %w", err)
				}
			}
		}
	}

	o.maybeSummarize(botID, bot, portfolio)
	return nil
}

func (o *Orchestrator) closeOnSignal(ctx context.Context, bot *models.Bot, portfolio *models.PortfolioState, snapshots map[string]*models.MarketSnapshot, symbol string) bool {
	pos, ok := portfolio.PositionBySymbol[symbol]
	if !ok || pos.Status != models.PositionOpen {
		return false
	}
	snap, ok := snapshots[symbol]
	if !ok || !snap.Price.IsPositive() {
		o.log.Warn().Str("symbol", symbol).Msg("exit signal without price, deferring")
		return false
	}
	if _, err := o.executor.ClosePosition(ctx, bot, pos, snap.Price, models.CloseSignalExit); err != nil {
		o.log.Error().Err(err).Str("symbol", symbol).Msg("signal exit failed")
		return false
	}
	return true
}

func (o *Orchestrator) openOnSignal(ctx context.Context, bot *models.Bot, portfolio *models.PortfolioState, snapshots map[string]*models.MarketSnapshot, sig models.TradingSignal) bool {
	if sig.EntryPrice.IsZero() {
		if snap, ok := snapshots[sig.Symbol]; ok {
			sig.EntryPrice = snap.Price
		}
	}
	verdict := o.validator.ValidateEntry(ctx, bot, sig, portfolio)
	if !verdict.Approved {
		o.log.Info().Str("bot_id", bot.ID).Str("symbol", sig.Symbol).
			Str("reason", verdict.Reason).Msg("entry rejected")
		return false
	}
	sig.SizePct = verdict.SizePct
	if _, err := o.executor.OpenPosition(ctx, bot, sig, verdict.Quantity); err != nil {
		o.log.Error().Err(err).Str("symbol", sig.Symbol).Msg("entry execution failed")
		return false
	}
	return true
}

func (o *Orchestrator) drawdownBreached(bot *models.Bot, portfolio *models.PortfolioState) bool {
	rp := bot.Risk.Normalize()
	floor := bot.InitialCapital.Mul(decimal.NewFromInt(1).Sub(rp.MaxDrawdownPct))
	return portfolio.Equity.LessThan(floor)
}

// haltOnDrawdown pauses the bot and liquidates whatever is open. A
// paused bot stays paused until an operator intervenes.
func (o *Orchestrator) haltOnDrawdown(ctx context.Context, bot *models.Bot, portfolio *models.PortfolioState, snapshots map[string]*models.MarketSnapshot, record *models.CycleRecord) error {
	o.log.Error().Str("bot_id", bot.ID).
		Str("equity", portfolio.Equity.String()).
		Str("initial", bot.InitialCapital.String()).
		Msg("max drawdown breached, halting bot")

	if err := o.repo.UpdateBotStatus(ctx, bot.ID, models.BotPaused); err != nil {
		return fmt.Errorf("pause bot: %w", err)
	}
	for _, pos := range portfolio.OpenPositions {
		if pos.Status != models.PositionOpen {
			continue
		}
		price := pos.CurrentPrice
		if snap, ok := snapshots[pos.Symbol]; ok && snap.Price.IsPositive() {
			price = snap.Price
		}
		if _, err := o.executor.ClosePosition(ctx, bot, pos, price, models.CloseDrawdownHalt); err != nil {
			o.log.Error().Err(err).Str("symbol", pos.Symbol).Msg("drawdown liquidation failed")
			continue
		}
		record.Exits++
	}
	record.ErrorTag = "drawdown_halt"
	return nil
}

// SwitchDecisionMode rebinds a bot to another block. Open positions are
// untouched; switching to the current mode is a no-op.
func (o *Orchestrator) SwitchDecisionMode(ctx context.Context, botID string, mode models.DecisionMode) error {
	if !models.ValidDecisionMode(string(mode)) {
		return fmt.Errorf("unknown decision mode %q", mode)
	}
	if _, err := o.registry.Get(mode); err != nil {
		return err
	}
	bot, _, err := o.state.GetState(ctx, botID)
	if err != nil {
		return err
	}
	if bot.DecisionMode == mode {
		return nil
	}
	if err := o.repo.UpdateBotDecisionMode(ctx, botID, mode); err != nil {
		return fmt.Errorf("switch decision mode: %w", err)
	}
	o.log.Info().Str("bot_id", botID).
		Str("from", string(bot.DecisionMode)).Str("to", string(mode)).
		Msg("decision mode switched")
	return nil
}

// maybeSummarize logs a portfolio digest every N cycles per bot.
func (o *Orchestrator) maybeSummarize(botID string, bot *models.Bot, portfolio *models.PortfolioState) {
	o.mu.Lock()
	o.cycleCount[botID]++
	count := o.cycleCount[botID]
	o.mu.Unlock()

	if o.summaryEvery <= 0 || count%o.summaryEvery != 0 {
		return
	}
	o.log.Info().Str("bot_id", botID).
		Int("cycles", count).
		Str("equity", portfolio.Equity.String()).
		Str("return_pct", portfolio.ReturnPct.Mul(decimal.NewFromInt(100)).StringFixed(2)).
		Int("open_positions", len(portfolio.OpenPositions)).
		Int("trades_today", portfolio.TradesToday).
		Str("realized_today", portfolio.RealizedPnLToday.String()).
		Str("mode", string(bot.DecisionMode)).
		Msg("portfolio summary")
}
