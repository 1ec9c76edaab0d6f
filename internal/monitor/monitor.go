// Package monitor sweeps open positions once per cycle: it refreshes
// mark prices, retries stuck closes and fires the hard exits (stop loss,
// take profit, decision exit, time stop) in that priority order.
package monitor

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crypto-trading-engine/internal/models"
)

// Closer commits position exits.
type Closer interface {
	ClosePosition(ctx context.Context, bot *models.Bot, pos *models.Position, exitPrice decimal.Decimal, reason models.CloseReason) (decimal.Decimal, error)
}

// PriceSource yields the freshest ticker for a symbol, typically the
// websocket stream. May be nil when running without a stream.
type PriceSource interface {
	Latest(symbol string) (*models.Ticker, bool)
}

// Repo is the persistence subset the monitor writes through.
type Repo interface {
	UpdatePositionPrice(ctx context.Context, id string, price decimal.Decimal) error
}

// Monitor enforces per-position protective exits.
type Monitor struct {
	repo   Repo
	closer Closer
	stream PriceSource
	log    zerolog.Logger

	maxHold time.Duration
	now     func() time.Time
}

func New(repo Repo, closer Closer, stream PriceSource, maxHold time.Duration, log zerolog.Logger) *Monitor {
	return &Monitor{
		repo:    repo,
		closer:  closer,
		stream:  stream,
		maxHold: maxHold,
		log:     log.With().Str("component", "monitor").Logger(),
		now:     time.Now,
	}
}

// Sweep walks the open positions, persists refreshed marks and closes
// whatever tripped a trigger. exitSignals carries this cycle's decision
// closes keyed by symbol. Returns the number of positions closed.
func (m *Monitor) Sweep(ctx context.Context, bot *models.Bot, positions []*models.Position, snapshots map[string]*models.MarketSnapshot, exitSignals map[string]models.TradingSignal) int {
	closed := 0
	for _, pos := range positions {
		price, ok := m.markPrice(pos.Symbol, snapshots)
		if !ok {
			m.log.Warn().Str("symbol", pos.Symbol).Msg("no price for open position, skipping sweep")
			continue
		}

		// Persist the mark first so equity reads see it even if the
		// close below fails.
		if err := m.repo.UpdatePositionPrice(ctx, pos.ID, price); err != nil {
			m.log.Warn().Err(err).Str("position_id", pos.ID).Msg("mark price update failed")
		}
		pos.CurrentPrice = price

		if pos.Status == models.PositionClosePending {
			m.retryPending(ctx, bot, pos, price)
			continue
		}

		reason, hit := m.trigger(pos, price, exitSignals)
		if !hit {
			continue
		}
		if _, err := m.closer.ClosePosition(ctx, bot, pos, price, reason); err != nil {
			m.log.Error().Err(err).Str("symbol", pos.Symbol).
				Str("reason", string(reason)).Msg("triggered close failed")
			continue
		}
		closed++
	}
	return closed
}

// trigger evaluates the exits in priority order: stop loss, take profit,
// decision exit, time stop.
func (m *Monitor) trigger(pos *models.Position, price decimal.Decimal, exitSignals map[string]models.TradingSignal) (models.CloseReason, bool) {
	long := pos.Side == models.SideLong

	if !pos.StopLoss.IsZero() {
		if (long && price.LessThanOrEqual(pos.StopLoss)) ||
			(!long && price.GreaterThanOrEqual(pos.StopLoss)) {
			return models.CloseStopLoss, true
		}
	}
	if !pos.TakeProfit.IsZero() {
		if (long && price.GreaterThanOrEqual(pos.TakeProfit)) ||
			(!long && price.LessThanOrEqual(pos.TakeProfit)) {
			return models.CloseTakeProfit, true
		}
	}
	if sig, ok := exitSignals[pos.Symbol]; ok && sig.SignalType == models.SignalClose {
		return models.CloseSignalExit, true
	}
	if m.maxHold > 0 && m.now().Sub(pos.OpenedAt) > m.maxHold {
		return models.CloseTimeout, true
	}
	return "", false
}

func (m *Monitor) retryPending(ctx context.Context, bot *models.Bot, pos *models.Position, price decimal.Decimal) {
	reason := pos.CloseReason
	if reason == "" {
		reason = models.CloseManual
	}
	if _, err := m.closer.ClosePosition(ctx, bot, pos, price, reason); err != nil {
		m.log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("close_pending retry failed")
		return
	}
	m.log.Info().Str("symbol", pos.Symbol).Msg("close_pending position settled")
}

// markPrice prefers the live stream over the cycle snapshot.
func (m *Monitor) markPrice(symbol string, snapshots map[string]*models.MarketSnapshot) (decimal.Decimal, bool) {
	if m.stream != nil {
		if t, ok := m.stream.Latest(symbol); ok && t.Last.IsPositive() {
			return t.Last, true
		}
	}
	if snap, ok := snapshots[symbol]; ok && snap.Price.IsPositive() {
		return snap.Price, true
	}
	return decimal.Zero, false
}
