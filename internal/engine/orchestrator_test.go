package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-trading-engine/internal/decision"
	"crypto-trading-engine/internal/models"
	"crypto-trading-engine/internal/risk"
)

type fakeMD struct {
	snapshots map[string]*models.MarketSnapshot
	err       error
}

func (f *fakeMD) FetchAll(_ context.Context, _ []string) (map[string]*models.MarketSnapshot, error) {
	return f.snapshots, f.err
}

type fakeState struct {
	bot       *models.Bot
	portfolio *models.PortfolioState
	calls     int
}

func (f *fakeState) GetState(_ context.Context, _ string) (*models.Bot, *models.PortfolioState, error) {
	f.calls++
	return f.bot, f.portfolio, nil
}

type fakeSweeper struct {
	closed int
}

func (f *fakeSweeper) Sweep(_ context.Context, _ *models.Bot, _ []*models.Position, _ map[string]*models.MarketSnapshot, _ map[string]models.TradingSignal) int {
	return f.closed
}

type openCall struct {
	sig models.TradingSignal
	qty decimal.Decimal
}

type fakeExecutor struct {
	opens    []openCall
	closes   []models.CloseReason
	openErr  error
	closeErr error
}

func (f *fakeExecutor) OpenPosition(_ context.Context, _ *models.Bot, sig models.TradingSignal, qty decimal.Decimal) (*models.Position, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.opens = append(f.opens, openCall{sig, qty})
	return &models.Position{ID: "pos-new", Symbol: sig.Symbol}, nil
}

func (f *fakeExecutor) ClosePosition(_ context.Context, _ *models.Bot, _ *models.Position, _ decimal.Decimal, reason models.CloseReason) (decimal.Decimal, error) {
	if f.closeErr != nil {
		return decimal.Zero, f.closeErr
	}
	f.closes = append(f.closes, reason)
	return decimal.Zero, nil
}

type fakeEngineRepo struct {
	statusUpdates map[string]models.BotStatus
	modeUpdates   map[string]models.DecisionMode
	cycles        []*models.CycleRecord
}

func newFakeEngineRepo() *fakeEngineRepo {
	return &fakeEngineRepo{
		statusUpdates: map[string]models.BotStatus{},
		modeUpdates:   map[string]models.DecisionMode{},
	}
}

func (f *fakeEngineRepo) ListActiveBots(_ context.Context) ([]*models.Bot, error) {
	return nil, nil
}

func (f *fakeEngineRepo) UpdateBotStatus(_ context.Context, id string, status models.BotStatus) error {
	f.statusUpdates[id] = status
	return nil
}

func (f *fakeEngineRepo) UpdateBotDecisionMode(_ context.Context, id string, mode models.DecisionMode) error {
	f.modeUpdates[id] = mode
	return nil
}

func (f *fakeEngineRepo) CreateCycleRecord(ctx context.Context, c *models.CycleRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.cycles = append(f.cycles, c)
	return nil
}

func trinityBot() *models.Bot {
	return &models.Bot{
		ID:             "bot1",
		Status:         models.BotActive,
		InitialCapital: decimal.NewFromInt(10000),
		Capital:        decimal.NewFromInt(10000),
		DecisionMode:   models.ModeTrinity,
		Symbols:        []string{"BTC/USDT"},
		Risk:           models.DefaultRiskParams(),
		PaperTrading:   true,
	}
}

func flatState(bot *models.Bot) *fakeState {
	return &fakeState{
		bot: bot,
		portfolio: &models.PortfolioState{
			Cash:             bot.Capital,
			Equity:           bot.Capital,
			PositionBySymbol: map[string]*models.Position{},
		},
	}
}

func fullConfluenceSnapshot(price int64) *models.MarketSnapshot {
	f := func(v float64) *float64 { return &v }
	return &models.MarketSnapshot{
		Symbol: "BTC/USDT",
		Price:  decimal.NewFromInt(price),
		Indicators: models.IndicatorBundle{
			SMA200:          f(41500),
			Supertrend:      f(41000),
			SupertrendColor: models.SupertrendGreen,
			RSI14:           f(35),
			ADX:             f(30),
			VolumeMA:        f(900),
		},
		Signals: models.SnapshotSignals{
			RegimeOK: true, TrendStrong: true, Bounce: true, Oversold: true, VolumeOK: true,
			Evaluated: map[string]bool{
				"regime_ok": true, "trend_strong": true, "bounce": true,
				"oversold": true, "volume_ok": true,
			},
		},
	}
}

func newTestOrchestrator(bot *models.Bot, snap *models.MarketSnapshot) (*Orchestrator, *fakeState, *fakeExecutor, *fakeEngineRepo) {
	state := flatState(bot)
	executor := &fakeExecutor{}
	repo := newFakeEngineRepo()
	registry := decision.NewRegistry(decision.NewTrinityBlock(zerolog.Nop()))
	validator := risk.NewValidator(nil, zerolog.Nop())
	md := &fakeMD{snapshots: map[string]*models.MarketSnapshot{}}
	if snap != nil {
		md.snapshots[snap.Symbol] = snap
	}

	orch := NewOrchestrator(md, state, &fakeSweeper{}, registry, validator, executor, repo,
		3*time.Minute, 12, zerolog.Nop())
	return orch, state, executor, repo
}

func TestCycleOpensOnFullConfluence(t *testing.T) {
	bot := trinityBot()
	orch, _, executor, repo := newTestOrchestrator(bot, fullConfluenceSnapshot(42000))

	require.NoError(t, orch.RunCycle(context.Background(), "bot1"))

	require.Len(t, executor.opens, 1)
	open := executor.opens[0]
	assert.Equal(t, models.SignalBuyToEnter, open.sig.SignalType)
	assert.True(t, decimal.NewFromFloat(0.03).Equal(open.sig.SizePct))
	// qty * price == 3% of 10k
	assert.True(t, open.qty.Mul(decimal.NewFromInt(42000)).Equal(decimal.NewFromInt(300)))

	require.Len(t, repo.cycles, 1)
	assert.Equal(t, 1, repo.cycles[0].Entries)
	assert.Equal(t, models.ModeTrinity, repo.cycles[0].Mode)
	assert.Empty(t, repo.cycles[0].ErrorTag)
}

func TestCycleHoldsOnWeakConfluence(t *testing.T) {
	snap := fullConfluenceSnapshot(42000)
	snap.Signals.Bounce = false
	snap.Signals.Oversold = false
	snap.Signals.VolumeOK = false

	orch, _, executor, repo := newTestOrchestrator(trinityBot(), snap)
	require.NoError(t, orch.RunCycle(context.Background(), "bot1"))

	assert.Empty(t, executor.opens)
	require.Len(t, repo.cycles, 1)
	assert.Zero(t, repo.cycles[0].Entries)
}

func TestCycleSkipsInactiveBot(t *testing.T) {
	bot := trinityBot()
	bot.Status = models.BotPaused
	orch, _, executor, repo := newTestOrchestrator(bot, fullConfluenceSnapshot(42000))

	require.NoError(t, orch.RunCycle(context.Background(), "bot1"))
	assert.Empty(t, executor.opens)
	require.Len(t, repo.cycles, 1, "cycle record still written")
}

func TestCycleMarketDataFailureRecorded(t *testing.T) {
	bot := trinityBot()
	orch, _, _, repo := newTestOrchestrator(bot, nil)
	orch.marketData = &fakeMD{err: errors.New("all symbols failed")}

	err := orch.RunCycle(context.Background(), "bot1")
	assert.Error(t, err)
	require.Len(t, repo.cycles, 1)
	assert.Contains(t, repo.cycles[0].ErrorTag, "all symbols failed")
}

func TestDrawdownHaltPausesAndLiquidates(t *testing.T) {
	bot := trinityBot()
	orch, state, executor, repo := newTestOrchestrator(bot, fullConfluenceSnapshot(42000))

	pos := &models.Position{
		ID: "pos1", BotID: "bot1", Symbol: "BTC/USDT",
		Side: models.SideLong, Status: models.PositionOpen,
		Quantity:     decimal.NewFromFloat(0.05),
		EntryPrice:   decimal.NewFromInt(46000),
		CurrentPrice: decimal.NewFromInt(42000),
	}
	state.portfolio.Equity = decimal.NewFromInt(7900) // floor is 8000
	state.portfolio.OpenPositions = []*models.Position{pos}
	state.portfolio.PositionBySymbol["BTC/USDT"] = pos

	require.NoError(t, orch.RunCycle(context.Background(), "bot1"))

	assert.Equal(t, models.BotPaused, repo.statusUpdates["bot1"])
	require.Len(t, executor.closes, 1)
	assert.Equal(t, models.CloseDrawdownHalt, executor.closes[0])
	assert.Empty(t, executor.opens, "no entries after the halt")
	require.Len(t, repo.cycles, 1)
	assert.Equal(t, "drawdown_halt", repo.cycles[0].ErrorTag)
}

func TestSwitchDecisionModeIdempotent(t *testing.T) {
	bot := trinityBot()
	orch, _, _, repo := newTestOrchestrator(bot, nil)
	orch.registry = decision.NewRegistry(
		decision.NewTrinityBlock(zerolog.Nop()),
		decision.NewIndicatorBlock(zerolog.Nop()),
	)

	// Same mode: no write.
	require.NoError(t, orch.SwitchDecisionMode(context.Background(), "bot1", models.ModeTrinity))
	assert.Empty(t, repo.modeUpdates)

	// New mode: persisted.
	require.NoError(t, orch.SwitchDecisionMode(context.Background(), "bot1", models.ModeIndicator))
	assert.Equal(t, models.ModeIndicator, repo.modeUpdates["bot1"])

	// Unknown mode: rejected.
	assert.Error(t, orch.SwitchDecisionMode(context.Background(), "bot1", "quantum"))

	// Known mode without a registered block: rejected.
	assert.Error(t, orch.SwitchDecisionMode(context.Background(), "bot1", models.ModeLLM))
}

func TestCycleRecordSurvivesExpiredCycleContext(t *testing.T) {
	bot := trinityBot()
	orch, _, _, repo := newTestOrchestrator(bot, fullConfluenceSnapshot(42000))

	// The cycle context is already dead; the audit row for the failed
	// cycle must still land.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_ = orch.RunCycle(ctx, "bot1")
	require.Len(t, repo.cycles, 1, "cycle record written despite dead cycle context")
}

func TestConcurrentCyclesSameBotSkip(t *testing.T) {
	bot := trinityBot()
	orch, _, _, _ := newTestOrchestrator(bot, fullConfluenceSnapshot(42000))

	lock := orch.lockFor("bot1")
	lock.Lock()
	defer lock.Unlock()

	// With the bot lock held, the cycle skips instead of blocking.
	done := make(chan error, 1)
	go func() { done <- orch.RunCycle(context.Background(), "bot1") }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("RunCycle blocked on a held bot lock")
	}
}
