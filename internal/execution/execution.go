// Package execution commits approved signals: it places exchange orders
// (live bots), writes the position/trade/capital triplet atomically and
// notifies trade memory on closes. Paper bots settle at signal prices.
package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crypto-trading-engine/internal/exchange"
	"crypto-trading-engine/internal/models"
)

const (
	takerFeeRate = 0.001

	closeAttempts     = 3
	closeRetryBackoff = 500 * time.Millisecond
)

// Repo is the transactional persistence surface execution writes through.
type Repo interface {
	WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error
	GetBotForUpdate(ctx context.Context, tx pgx.Tx, id string) (*models.Bot, error)
	GetPositionForUpdate(ctx context.Context, tx pgx.Tx, id string) (*models.Position, error)
	CreatePositionTx(ctx context.Context, tx pgx.Tx, p *models.Position) error
	ClosePositionTx(ctx context.Context, tx pgx.Tx, id string, exitPrice, realizedPnL decimal.Decimal, reason models.CloseReason, closedAt time.Time) error
	CreateTradeTx(ctx context.Context, tx pgx.Tx, t *models.Trade) error
	UpdateBotCapitalTx(ctx context.Context, tx pgx.Tx, id string, capital, totalPnL decimal.Decimal) error
	MarkClosePending(ctx context.Context, id string, lastPrice decimal.Decimal) error
}

// Recorder receives realized outcomes for memory updates.
type Recorder interface {
	Record(ctx context.Context, botID, symbol string, pnl decimal.Decimal, pnlPct float64)
}

// Manager owns the open/close lifecycle.
type Manager struct {
	repo     Repo
	exchange exchange.Client
	memory   Recorder
	log      zerolog.Logger

	now   func() time.Time
	sleep func(time.Duration)
}

func NewManager(repo Repo, ex exchange.Client, memory Recorder, log zerolog.Logger) *Manager {
	return &Manager{
		repo:     repo,
		exchange: ex,
		memory:   memory,
		log:      log.With().Str("component", "execution").Logger(),
		now:      time.Now,
		sleep:    time.Sleep,
	}
}

// OpenPosition commits one approved entry. For live bots the market order
// fills first and the fill price/quantity become authoritative; the
// database triplet (position, entry trade, capital debit) lands in one
// transaction either way.
func (m *Manager) OpenPosition(ctx context.Context, bot *models.Bot, sig models.TradingSignal, quantity decimal.Decimal) (*models.Position, error) {
	price := sig.EntryPrice
	qty := quantity

	if !bot.PaperTrading {
		result, err := m.exchange.CreateOrder(ctx, exchange.OrderRequest{
			Symbol:   sig.Symbol,
			Side:     orderSide(sig.Side, false),
			Type:     "MARKET",
			Quantity: qty,
		})
		if err != nil {
			return nil, fmt.Errorf("entry order %s: %w", sig.Symbol, err)
		}
		if result.FilledQty.IsPositive() {
			qty = result.FilledQty
		}
		if result.AvgPrice.IsPositive() {
			price = result.AvgPrice
		}
	}

	notional := qty.Mul(price)
	fees := notional.Mul(decimal.NewFromFloat(takerFeeRate))
	openedAt := m.now().UTC()

	pos := &models.Position{
		ID:           uuid.NewString(),
		BotID:        bot.ID,
		Symbol:       sig.Symbol,
		Side:         sig.Side,
		Quantity:     qty,
		EntryPrice:   price,
		CurrentPrice: price,
		StopLoss:     sig.StopLoss,
		TakeProfit:   sig.TakeProfit,
		Status:       models.PositionOpen,
		OpenedAt:     openedAt,
	}

	err := m.repo.WithTx(ctx, func(tx pgx.Tx) error {
		current, err := m.repo.GetBotForUpdate(ctx, tx, bot.ID)
		if err != nil {
			return err
		}
		if current.Capital.LessThan(notional) {
			return fmt.Errorf("insufficient capital: have %s, need %s", current.Capital, notional)
		}
		if err := m.repo.CreatePositionTx(ctx, tx, pos); err != nil {
			return err
		}
		trade := &models.Trade{
			ID:         uuid.NewString(),
			BotID:      bot.ID,
			PositionID: pos.ID,
			Symbol:     sig.Symbol,
			Side:       sig.Side,
			Quantity:   qty,
			Price:      price,
			Fees:       fees,
			ExecutedAt: openedAt,
		}
		if err := m.repo.CreateTradeTx(ctx, tx, trade); err != nil {
			return err
		}
		return m.repo.UpdateBotCapitalTx(ctx, tx, bot.ID,
			current.Capital.Sub(notional), current.TotalPnL)
	})
	if err != nil {
		return nil, fmt.Errorf("commit entry %s: %w", sig.Symbol, err)
	}

	m.log.Info().Str("bot_id", bot.ID).Str("symbol", sig.Symbol).
		Str("side", string(sig.Side)).Str("qty", qty.String()).
		Str("price", price.String()).Str("notional", notional.String()).
		Msg("position opened")
	return pos, nil
}

// ClosePosition exits an open position at exitPrice. Exchange close
// failures (live bots) retry with doubling backoff; after the final
// attempt the position goes to close_pending for the monitor to retry
// next cycle. P&L is signed by side and net of exit fees; capital gets
// back the entry notional plus realized P&L.
func (m *Manager) ClosePosition(ctx context.Context, bot *models.Bot, pos *models.Position, exitPrice decimal.Decimal, reason models.CloseReason) (decimal.Decimal, error) {
	if !bot.PaperTrading {
		if err := m.closeOnExchange(ctx, pos); err != nil {
			if perr := m.repo.MarkClosePending(ctx, pos.ID, exitPrice); perr != nil {
				m.log.Error().Err(perr).Str("position_id", pos.ID).Msg("close_pending mark failed")
			}
			return decimal.Zero, fmt.Errorf("exchange close %s: %w", pos.Symbol, err)
		}
	}

	exitNotional := pos.Quantity.Mul(exitPrice)
	fees := exitNotional.Mul(decimal.NewFromFloat(takerFeeRate))
	pnl := exitPrice.Sub(pos.EntryPrice).Mul(pos.Quantity).Mul(pos.Side.Sign()).Sub(fees)
	closedAt := m.now().UTC()

	committed := false
	err := m.repo.WithTx(ctx, func(tx pgx.Tx) error {
		current, err := m.repo.GetPositionForUpdate(ctx, tx, pos.ID)
		if err != nil {
			return err
		}
		if current.Status == models.PositionClosed {
			return nil // lost the race to another closer
		}
		botRow, err := m.repo.GetBotForUpdate(ctx, tx, bot.ID)
		if err != nil {
			return err
		}
		trade := &models.Trade{
			ID:          uuid.NewString(),
			BotID:       bot.ID,
			PositionID:  pos.ID,
			Symbol:      pos.Symbol,
			Side:        exitSide(pos.Side),
			Quantity:    pos.Quantity,
			Price:       exitPrice,
			Fees:        fees,
			RealizedPnL: pnl,
			ExecutedAt:  closedAt,
		}
		if err := m.repo.CreateTradeTx(ctx, tx, trade); err != nil {
			return err
		}
		if err := m.repo.ClosePositionTx(ctx, tx, pos.ID, exitPrice, pnl, reason, closedAt); err != nil {
			return err
		}
		committed = true
		return m.repo.UpdateBotCapitalTx(ctx, tx, bot.ID,
			botRow.Capital.Add(pos.EntryNotional()).Add(pnl),
			botRow.TotalPnL.Add(pnl))
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("commit close %s: %w", pos.Symbol, err)
	}
	if !committed {
		return decimal.Zero, nil
	}

	if m.memory != nil {
		pnlPct := 0.0
		if notional := pos.EntryNotional(); notional.IsPositive() {
			pnlPct, _ = pnl.Div(notional).Float64()
		}
		m.memory.Record(ctx, bot.ID, pos.Symbol, pnl, pnlPct)
	}

	m.log.Info().Str("bot_id", bot.ID).Str("symbol", pos.Symbol).
		Str("reason", string(reason)).Str("exit_price", exitPrice.String()).
		Str("pnl", pnl.String()).Msg("position closed")
	return pnl, nil
}

func (m *Manager) closeOnExchange(ctx context.Context, pos *models.Position) error {
	req := exchange.OrderRequest{
		Symbol:   pos.Symbol,
		Side:     orderSide(pos.Side, true),
		Type:     "MARKET",
		Quantity: pos.Quantity,
	}

	var err error
	backoff := closeRetryBackoff
	for attempt := 1; attempt <= closeAttempts; attempt++ {
		if _, err = m.exchange.CreateOrder(ctx, req); err == nil {
			return nil
		}
		m.log.Warn().Err(err).Str("symbol", pos.Symbol).
			Int("attempt", attempt).Msg("exchange close failed")
		if attempt < closeAttempts {
			m.sleep(backoff)
			backoff *= 2
		}
	}
	return err
}

// orderSide maps a position side to the exchange verb, flipped for exits.
func orderSide(side models.PositionSide, closing bool) string {
	buy := side == models.SideLong
	if closing {
		buy = !buy
	}
	if buy {
		return "BUY"
	}
	return "SELL"
}

// exitSide is the trade-row side for a closing fill.
func exitSide(side models.PositionSide) models.PositionSide {
	if side == models.SideLong {
		return models.SideShort
	}
	return models.SideLong
}
