// Package portfolio assembles the per-cycle view of a bot's holdings:
// cash, marked equity, open positions and the day counters the risk
// checks consume. State is rebuilt fresh each cycle, never cached.
package portfolio

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crypto-trading-engine/internal/models"
)

// Repo is the persistence subset the builder reads from.
type Repo interface {
	GetBot(ctx context.Context, id string) (*models.Bot, error)
	ListOpenPositions(ctx context.Context, botID string) ([]*models.Position, error)
	CountEntryTradesToday(ctx context.Context, botID string, now time.Time) (int, error)
	SumRealizedPnLToday(ctx context.Context, botID string, now time.Time) (decimal.Decimal, error)
}

// Builder computes portfolio state snapshots.
type Builder struct {
	repo Repo
	log  zerolog.Logger
	now  func() time.Time
}

func NewBuilder(repo Repo, log zerolog.Logger) *Builder {
	return &Builder{
		repo: repo,
		log:  log.With().Str("component", "portfolio").Logger(),
		now:  time.Now,
	}
}

// GetState re-reads the bot and its open positions and marks equity at
// each position's stored current price. Equity is cash plus the mark
// value of everything open.
func (b *Builder) GetState(ctx context.Context, botID string) (*models.Bot, *models.PortfolioState, error) {
	bot, err := b.repo.GetBot(ctx, botID)
	if err != nil {
		return nil, nil, fmt.Errorf("load bot %s: %w", botID, err)
	}

	positions, err := b.repo.ListOpenPositions(ctx, botID)
	if err != nil {
		return nil, nil, fmt.Errorf("load open positions: %w", err)
	}

	now := b.now()
	tradesToday, err := b.repo.CountEntryTradesToday(ctx, botID, now)
	if err != nil {
		return nil, nil, fmt.Errorf("count entry trades: %w", err)
	}
	pnlToday, err := b.repo.SumRealizedPnLToday(ctx, botID, now)
	if err != nil {
		return nil, nil, fmt.Errorf("sum realized pnl: %w", err)
	}

	state := &models.PortfolioState{
		Cash:             bot.Capital,
		OpenPositions:    positions,
		TradesToday:      tradesToday,
		RealizedPnLToday: pnlToday,
		PositionBySymbol: make(map[string]*models.Position, len(positions)),
	}

	equity := bot.Capital
	for _, pos := range positions {
		state.PositionBySymbol[pos.Symbol] = pos
		equity = equity.Add(pos.MarkValue())
	}
	state.Equity = equity

	// ReturnPct is a fraction (0.10 for +10%); rendering layers apply
	// their own x100.
	if bot.InitialCapital.IsPositive() {
		state.ReturnPct = equity.Sub(bot.InitialCapital).Div(bot.InitialCapital)
	}

	return bot, state, nil
}
