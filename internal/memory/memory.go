// Package memory tracks per-(bot,symbol) trade performance and derives
// confidence adjustments and dynamic profit floors from it. The in-memory
// map is authoritative for the process; Redis persistence is best-effort
// and degraded stores yield neutral values.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crypto-trading-engine/internal/cache"
)

const lastOutcomesKept = 20

// Store is the persistence subset TradeMemory needs.
type Store interface {
	GetJSON(ctx context.Context, key string, dest interface{}) error
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	GetFloat(ctx context.Context, key string) (float64, error)
	IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
	IncrByFloat(ctx context.Context, key string, delta float64, ttl time.Duration) (float64, error)
}

// Stats are the running numbers for one (bot, symbol) pair.
type Stats struct {
	Wins         int     `json:"wins"`
	Losses       int     `json:"losses"`
	AvgWinPct    float64 `json:"avg_win_pct"`
	AvgLossPct   float64 `json:"avg_loss_pct"` // negative
	LastOutcomes []bool  `json:"last_outcomes"`
}

// Observations counts recorded trades.
func (s Stats) Observations() int {
	return s.Wins + s.Losses
}

// WinRate in [0,1]; 0.5 when nothing was recorded yet.
func (s Stats) WinRate() float64 {
	n := s.Observations()
	if n == 0 {
		return 0.5
	}
	return float64(s.Wins) / float64(n)
}

// TradeMemory is the keyed repository of trade outcomes.
type TradeMemory struct {
	store Store
	log   zerolog.Logger
	now   func() time.Time

	mu    sync.RWMutex
	stats map[string]*Stats // key: botID|symbol
}

func New(store Store, log zerolog.Logger) *TradeMemory {
	return &TradeMemory{
		store: store,
		log:   log.With().Str("component", "trade_memory").Logger(),
		now:   time.Now,
		stats: make(map[string]*Stats),
	}
}

func memKey(botID, symbol string) string {
	return botID + "|" + symbol
}

// Record folds one realized outcome into the stats and daily counters.
// pnlPct is the return relative to entry notional.
func (m *TradeMemory) Record(ctx context.Context, botID, symbol string, pnl decimal.Decimal, pnlPct float64) {
	m.mu.Lock()
	s := m.loadLocked(ctx, botID, symbol)

	// Break-even closes are neutral: they count as a trade for the day
	// but move neither the win/loss averages nor the outcome ring.
	if !pnl.IsZero() {
		win := pnl.IsPositive()
		if win {
			s.AvgWinPct = runningAvg(s.AvgWinPct, s.Wins, pnlPct)
			s.Wins++
		} else {
			s.AvgLossPct = runningAvg(s.AvgLossPct, s.Losses, pnlPct)
			s.Losses++
		}
		s.LastOutcomes = append(s.LastOutcomes, win)
		if len(s.LastOutcomes) > lastOutcomesKept {
			s.LastOutcomes = s.LastOutcomes[len(s.LastOutcomes)-lastOutcomesKept:]
		}
	}
	snapshot := *s
	m.mu.Unlock()

	if err := m.store.SetJSON(ctx, cache.TradeMemoryKey(botID, symbol), snapshot, cache.TradeMemoryTTL); err != nil {
		m.log.Debug().Err(err).Str("symbol", symbol).Msg("memory persist failed")
	}

	day := m.now().UTC().Format("20060102")
	pnlF, _ := pnl.Float64()
	if _, err := m.store.IncrBy(ctx, cache.DailyCounterKey(botID, day)+":trades", 1, cache.DailyAggTTL); err == nil {
		m.store.IncrByFloat(ctx, cache.DailyCounterKey(botID, day)+":pnl", pnlF, cache.DailyAggTTL)
	}
}

// DailyCounters reads back the current UTC day's aggregates for a bot:
// trades recorded and realized pnl. Zeros when the store is unreachable.
func (m *TradeMemory) DailyCounters(ctx context.Context, botID string) (int64, float64) {
	base := cache.DailyCounterKey(botID, m.now().UTC().Format("20060102"))
	trades, err := m.store.GetFloat(ctx, base+":trades")
	if err != nil {
		return 0, 0
	}
	pnl, err := m.store.GetFloat(ctx, base+":pnl")
	if err != nil {
		pnl = 0
	}
	return int64(trades), pnl
}

// Stats returns a copy of the running stats for a pair.
func (m *TradeMemory) Stats(ctx context.Context, botID, symbol string) Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.loadLocked(ctx, botID, symbol)
}

// loadLocked returns the in-process stats, hydrating from the store the
// first time a pair is seen. Store failures leave empty (neutral) stats.
func (m *TradeMemory) loadLocked(ctx context.Context, botID, symbol string) *Stats {
	key := memKey(botID, symbol)
	if s, ok := m.stats[key]; ok {
		return s
	}

	s := &Stats{}
	if err := m.store.GetJSON(ctx, cache.TradeMemoryKey(botID, symbol), s); err != nil && !cache.Miss(err) {
		m.log.Debug().Err(err).Str("symbol", symbol).Msg("memory hydrate failed, starting neutral")
	}
	m.stats[key] = s
	return s
}

// ConfidenceAdjust maps win rate to a multiplier in [0.7, 1.3]:
// 0.7 at wr <= 0.40, 1.0 at 0.50, 1.3 at wr >= 0.65, linear between.
func (m *TradeMemory) ConfidenceAdjust(ctx context.Context, botID, symbol string) float64 {
	s := m.Stats(ctx, botID, symbol)
	if s.Observations() == 0 {
		return 1.0
	}
	return confidenceAdjustFor(s.WinRate())
}

func confidenceAdjustFor(wr float64) float64 {
	switch {
	case wr <= 0.40:
		return 0.7
	case wr < 0.50:
		return 0.7 + (wr-0.40)/0.10*0.3
	case wr < 0.65:
		return 1.0 + (wr-0.50)/0.15*0.3
	default:
		return 1.3
	}
}

// DynamicMinProfitUSD tightens the profit floor for losing symbols and
// relaxes it for proven ones. Needs at least 10 observations to deviate
// from the neutral $10.
func (m *TradeMemory) DynamicMinProfitUSD(ctx context.Context, botID, symbol string) decimal.Decimal {
	s := m.Stats(ctx, botID, symbol)
	if s.Observations() < 10 {
		return decimal.NewFromInt(10)
	}
	wr := s.WinRate()
	switch {
	case wr >= 0.60:
		return decimal.NewFromInt(5)
	case wr <= 0.40:
		return decimal.NewFromInt(20)
	default:
		return decimal.NewFromInt(10)
	}
}

func runningAvg(current float64, count int, next float64) float64 {
	return (current*float64(count) + next) / float64(count+1)
}
