package portfolio

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-trading-engine/internal/models"
)

type fakeRepo struct {
	bot       *models.Bot
	positions []*models.Position
	trades    int
	pnl       decimal.Decimal
	err       error
}

func (f *fakeRepo) GetBot(_ context.Context, _ string) (*models.Bot, error) {
	return f.bot, f.err
}

func (f *fakeRepo) ListOpenPositions(_ context.Context, _ string) ([]*models.Position, error) {
	return f.positions, nil
}

func (f *fakeRepo) CountEntryTradesToday(_ context.Context, _ string, _ time.Time) (int, error) {
	return f.trades, nil
}

func (f *fakeRepo) SumRealizedPnLToday(_ context.Context, _ string, _ time.Time) (decimal.Decimal, error) {
	return f.pnl, nil
}

func TestGetStateMarksEquity(t *testing.T) {
	repo := &fakeRepo{
		bot: &models.Bot{
			ID:             "bot1",
			InitialCapital: decimal.NewFromInt(10000),
			Capital:        decimal.NewFromInt(9580),
		},
		positions: []*models.Position{
			{
				Symbol: "BTC/USDT", Side: models.SideLong, Status: models.PositionOpen,
				Quantity:     decimal.NewFromFloat(0.01),
				EntryPrice:   decimal.NewFromInt(42000),
				CurrentPrice: decimal.NewFromInt(43000),
			},
		},
		trades: 2,
		pnl:    decimal.NewFromInt(-15),
	}

	bot, state, err := NewBuilder(repo, zerolog.Nop()).GetState(context.Background(), "bot1")
	require.NoError(t, err)
	require.NotNil(t, bot)

	// cash 9580 + notional 420 + unrealized 10
	assert.True(t, decimal.NewFromInt(10010).Equal(state.Equity), "equity was %s", state.Equity)
	// 10/10000 as a fraction, not a percent
	assert.True(t, decimal.NewFromFloat(0.001).Equal(state.ReturnPct), "return was %s", state.ReturnPct)
	assert.Equal(t, 2, state.TradesToday)
	assert.True(t, decimal.NewFromInt(-15).Equal(state.RealizedPnLToday))

	require.Contains(t, state.PositionBySymbol, "BTC/USDT")
	assert.Same(t, state.OpenPositions[0], state.PositionBySymbol["BTC/USDT"])
}

func TestGetStateFlatBook(t *testing.T) {
	repo := &fakeRepo{
		bot: &models.Bot{
			ID:             "bot1",
			InitialCapital: decimal.NewFromInt(10000),
			Capital:        decimal.NewFromInt(10000),
		},
	}

	_, state, err := NewBuilder(repo, zerolog.Nop()).GetState(context.Background(), "bot1")
	require.NoError(t, err)
	assert.True(t, state.Equity.Equal(state.Cash))
	assert.True(t, state.ReturnPct.IsZero())
	assert.Empty(t, state.OpenPositions)
	assert.True(t, state.OpenNotional().IsZero())
}

func TestGetStatePropagatesBotError(t *testing.T) {
	repo := &fakeRepo{err: errors.New("connection refused")}
	_, _, err := NewBuilder(repo, zerolog.Nop()).GetState(context.Background(), "bot1")
	assert.Error(t, err)
}
