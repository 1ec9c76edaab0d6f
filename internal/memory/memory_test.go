package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

// failingStore simulates an unreachable Redis.
type failingStore struct{}

func (failingStore) GetJSON(context.Context, string, interface{}) error {
	return errors.New("store down")
}
func (failingStore) SetJSON(context.Context, string, interface{}, time.Duration) error {
	return errors.New("store down")
}
func (failingStore) GetFloat(context.Context, string) (float64, error) {
	return 0, errors.New("store down")
}
func (failingStore) IncrBy(context.Context, string, int64, time.Duration) (int64, error) {
	return 0, errors.New("store down")
}
func (failingStore) IncrByFloat(context.Context, string, float64, time.Duration) (float64, error) {
	return 0, errors.New("store down")
}

// mapStore keeps counters in memory for the daily aggregate tests.
type mapStore struct {
	failingStore
	counters map[string]float64
}

func (m *mapStore) GetFloat(_ context.Context, key string) (float64, error) {
	v, ok := m.counters[key]
	if !ok {
		return 0, errors.New("miss")
	}
	return v, nil
}

func (m *mapStore) IncrBy(_ context.Context, key string, delta int64, _ time.Duration) (int64, error) {
	m.counters[key] += float64(delta)
	return int64(m.counters[key]), nil
}

func (m *mapStore) IncrByFloat(_ context.Context, key string, delta float64, _ time.Duration) (float64, error) {
	m.counters[key] += delta
	return m.counters[key], nil
}

func newTestMemory() *TradeMemory {
	return New(failingStore{}, zerolog.Nop())
}

func TestNeutralWithoutHistory(t *testing.T) {
	tm := newTestMemory()
	ctx := context.Background()

	assert.Equal(t, 1.0, tm.ConfidenceAdjust(ctx, "bot1", "BTC/USDT"))
	assert.True(t, decimal.NewFromInt(10).Equal(tm.DynamicMinProfitUSD(ctx, "bot1", "BTC/USDT")))
}

func TestRecordAccumulatesStats(t *testing.T) {
	tm := newTestMemory()
	ctx := context.Background()

	tm.Record(ctx, "bot1", "BTC/USDT", decimal.NewFromInt(50), 0.05)
	tm.Record(ctx, "bot1", "BTC/USDT", decimal.NewFromInt(-20), -0.02)
	tm.Record(ctx, "bot1", "BTC/USDT", decimal.NewFromInt(30), 0.03)

	s := tm.Stats(ctx, "bot1", "BTC/USDT")
	assert.Equal(t, 2, s.Wins)
	assert.Equal(t, 1, s.Losses)
	assert.Equal(t, 3, s.Observations())
	assert.InDelta(t, 2.0/3.0, s.WinRate(), 1e-9)
	assert.InDelta(t, 0.04, s.AvgWinPct, 1e-9)
	assert.InDelta(t, -0.02, s.AvgLossPct, 1e-9)
}

func TestStatsIsolatedPerBotAndSymbol(t *testing.T) {
	tm := newTestMemory()
	ctx := context.Background()

	tm.Record(ctx, "bot1", "BTC/USDT", decimal.NewFromInt(50), 0.05)

	assert.Equal(t, 0, tm.Stats(ctx, "bot1", "ETH/USDT").Observations())
	assert.Equal(t, 0, tm.Stats(ctx, "bot2", "BTC/USDT").Observations())
}

func TestConfidenceAdjustCurve(t *testing.T) {
	assert.InDelta(t, 0.7, confidenceAdjustFor(0.30), 1e-9)
	assert.InDelta(t, 0.7, confidenceAdjustFor(0.40), 1e-9)
	assert.InDelta(t, 0.85, confidenceAdjustFor(0.45), 1e-9)
	assert.InDelta(t, 1.0, confidenceAdjustFor(0.50), 1e-9)
	assert.InDelta(t, 1.1, confidenceAdjustFor(0.55), 1e-9)
	assert.InDelta(t, 1.3, confidenceAdjustFor(0.65), 1e-9)
	assert.InDelta(t, 1.3, confidenceAdjustFor(0.90), 1e-9)
}

func TestDynamicMinProfit(t *testing.T) {
	tm := newTestMemory()
	ctx := context.Background()

	// Proven symbol: 8 wins, 2 losses.
	for i := 0; i < 8; i++ {
		tm.Record(ctx, "bot1", "WIN/USDT", decimal.NewFromInt(10), 0.01)
	}
	for i := 0; i < 2; i++ {
		tm.Record(ctx, "bot1", "WIN/USDT", decimal.NewFromInt(-10), -0.01)
	}
	assert.True(t, decimal.NewFromInt(5).Equal(tm.DynamicMinProfitUSD(ctx, "bot1", "WIN/USDT")))

	// Losing symbol: 3 wins, 9 losses.
	for i := 0; i < 3; i++ {
		tm.Record(ctx, "bot1", "LOSE/USDT", decimal.NewFromInt(10), 0.01)
	}
	for i := 0; i < 9; i++ {
		tm.Record(ctx, "bot1", "LOSE/USDT", decimal.NewFromInt(-10), -0.01)
	}
	assert.True(t, decimal.NewFromInt(20).Equal(tm.DynamicMinProfitUSD(ctx, "bot1", "LOSE/USDT")))
}

func TestDailyCountersRoundTrip(t *testing.T) {
	tm := New(&mapStore{counters: map[string]float64{}}, zerolog.Nop())
	ctx := context.Background()

	tm.Record(ctx, "bot1", "BTC/USDT", decimal.NewFromInt(50), 0.05)
	tm.Record(ctx, "bot1", "ETH/USDT", decimal.NewFromInt(-20), -0.02)

	trades, pnl := tm.DailyCounters(ctx, "bot1")
	assert.Equal(t, int64(2), trades)
	assert.InDelta(t, 30.0, pnl, 1e-9)

	// Unreachable store degrades to zeros, not an error.
	trades, pnl = newTestMemory().DailyCounters(ctx, "bot1")
	assert.Zero(t, trades)
	assert.Zero(t, pnl)
}

func TestBreakEvenClosesAreNeutral(t *testing.T) {
	tm := newTestMemory()
	ctx := context.Background()

	tm.Record(ctx, "bot1", "BTC/USDT", decimal.Zero, 0)

	s := tm.Stats(ctx, "bot1", "BTC/USDT")
	assert.Equal(t, 0, s.Observations())
	assert.Empty(t, s.LastOutcomes)
	assert.Equal(t, 1.0, tm.ConfidenceAdjust(ctx, "bot1", "BTC/USDT"))

	// A break-even close between losses must not drag AvgLossPct to zero.
	tm.Record(ctx, "bot1", "BTC/USDT", decimal.NewFromInt(-20), -0.02)
	tm.Record(ctx, "bot1", "BTC/USDT", decimal.Zero, 0)

	s = tm.Stats(ctx, "bot1", "BTC/USDT")
	assert.Equal(t, 1, s.Losses)
	assert.InDelta(t, -0.02, s.AvgLossPct, 1e-9)
}

func TestLastOutcomesBounded(t *testing.T) {
	tm := newTestMemory()
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		tm.Record(ctx, "bot1", "BTC/USDT", decimal.NewFromInt(1), 0.001)
	}
	s := tm.Stats(ctx, "bot1", "BTC/USDT")
	assert.Len(t, s.LastOutcomes, lastOutcomesKept)
}
