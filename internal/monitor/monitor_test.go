package monitor

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

type closeCall struct {
	positionID string
	price      decimal.Decimal
	reason     models.CloseReason
}

type fakeCloser struct {
	calls []closeCall
	err   error
}

func (f *fakeCloser) ClosePosition(_ context.Context, _ *models.Bot, pos *models.Position, price decimal.Decimal, reason models.CloseReason) (decimal.Decimal, error) {
	if f.err != nil {
		return decimal.Zero, f.err
	}
	f.calls = append(f.calls, closeCall{pos.ID, price, reason})
	return decimal.Zero, nil
}

type fakeRepo struct {
	priceUpdates map[string]decimal.Decimal
}

func (f *fakeRepo) UpdatePositionPrice(_ context.Context, id string, price decimal.Decimal) error {
	if f.priceUpdates == nil {
		f.priceUpdates = map[string]decimal.Decimal{}
	}
	f.priceUpdates[id] = price
	return nil
}

type fakeStream struct {
	tickers map[string]*models.Ticker
}

func (f *fakeStream) Latest(symbol string) (*models.Ticker, bool) {
	t, ok := f.tickers[symbol]
	return t, ok
}

func testBot() *models.Bot {
	return &models.Bot{ID: "bot1", Status: models.BotActive, PaperTrading: true}
}

func openLong(id string, entry, sl, tp int64) *models.Position {
	return &models.Position{
		ID: id, BotID: "bot1", Symbol: "BTC/USDT",
		Side: models.SideLong, Status: models.PositionOpen,
		Quantity:   decimal.NewFromFloat(0.01),
		EntryPrice: decimal.NewFromInt(entry),
		StopLoss:   decimal.NewFromInt(sl),
		TakeProfit: decimal.NewFromInt(tp),
		OpenedAt:   time.Now().Add(-time.Hour),
	}
}

func snapshotAt(price int64) map[string]*models.MarketSnapshot {
	return map[string]*models.MarketSnapshot{
		"BTC/USDT": {Symbol: "BTC/USDT", Price: decimal.NewFromInt(price)},
	}
}

func TestSweepStopLossFires(t *testing.T) {
	closer := &fakeCloser{}
	repo := &fakeRepo{}
	m := New(repo, closer, nil, 24*time.Hour, zerolog.Nop())

	pos := openLong("pos1", 42000, 41000, 44940)
	closed := m.Sweep(context.Background(), testBot(),
		[]*models.Position{pos}, snapshotAt(40900), nil)

	assert.Equal(t, 1, closed)
	require.Len(t, closer.calls, 1)
	assert.Equal(t, models.CloseStopLoss, closer.calls[0].reason)
	assert.True(t, decimal.NewFromInt(40900).Equal(closer.calls[0].price))

	// Mark persisted even though the position then closed.
	assert.True(t, decimal.NewFromInt(40900).Equal(repo.priceUpdates["pos1"]))
}

func TestSweepTakeProfitFires(t *testing.T) {
	closer := &fakeCloser{}
	m := New(&fakeRepo{}, closer, nil, 24*time.Hour, zerolog.Nop())

	pos := openLong("pos1", 42000, 41000, 44940)
	m.Sweep(context.Background(), testBot(), []*models.Position{pos}, snapshotAt(45000), nil)

	require.Len(t, closer.calls, 1)
	assert.Equal(t, models.CloseTakeProfit, closer.calls[0].reason)
}

func TestSweepStopLossBeatsExitSignal(t *testing.T) {
	closer := &fakeCloser{}
	m := New(&fakeRepo{}, closer, nil, 24*time.Hour, zerolog.Nop())

	pos := openLong("pos1", 42000, 41000, 44940)
	exits := map[string]models.TradingSignal{
		"BTC/USDT": {Symbol: "BTC/USDT", SignalType: models.SignalClose},
	}
	m.Sweep(context.Background(), testBot(), []*models.Position{pos}, snapshotAt(40500), exits)

	require.Len(t, closer.calls, 1)
	assert.Equal(t, models.CloseStopLoss, closer.calls[0].reason, "stop loss outranks decision exit")
}

func TestSweepDecisionExit(t *testing.T) {
	closer := &fakeCloser{}
	m := New(&fakeRepo{}, closer, nil, 24*time.Hour, zerolog.Nop())

	pos := openLong("pos1", 42000, 41000, 44940)
	exits := map[string]models.TradingSignal{
		"BTC/USDT": {Symbol: "BTC/USDT", SignalType: models.SignalClose, Reasoning: "supertrend_red"},
	}
	m.Sweep(context.Background(), testBot(), []*models.Position{pos}, snapshotAt(42500), exits)

	require.Len(t, closer.calls, 1)
	assert.Equal(t, models.CloseSignalExit, closer.calls[0].reason)
}

func TestSweepTimeStop(t *testing.T) {
	closer := &fakeCloser{}
	m := New(&fakeRepo{}, closer, nil, 24*time.Hour, zerolog.Nop())

	pos := openLong("pos1", 42000, 41000, 44940)
	pos.OpenedAt = time.Now().Add(-25 * time.Hour)
	m.Sweep(context.Background(), testBot(), []*models.Position{pos}, snapshotAt(42500), nil)

	require.Len(t, closer.calls, 1)
	assert.Equal(t, models.CloseTimeout, closer.calls[0].reason)
}

func TestSweepHealthyPositionUntouched(t *testing.T) {
	closer := &fakeCloser{}
	repo := &fakeRepo{}
	m := New(repo, closer, nil, 24*time.Hour, zerolog.Nop())

	pos := openLong("pos1", 42000, 41000, 44940)
	closed := m.Sweep(context.Background(), testBot(), []*models.Position{pos}, snapshotAt(42500), nil)

	assert.Zero(t, closed)
	assert.Empty(t, closer.calls)
	assert.True(t, decimal.NewFromInt(42500).Equal(repo.priceUpdates["pos1"]), "mark still refreshed")
}

func TestSweepStreamPriceWins(t *testing.T) {
	closer := &fakeCloser{}
	stream := &fakeStream{tickers: map[string]*models.Ticker{
		"BTC/USDT": {Symbol: "BTC/USDT", Last: decimal.NewFromInt(40800)},
	}}
	m := New(&fakeRepo{}, closer, stream, 24*time.Hour, zerolog.Nop())

	pos := openLong("pos1", 42000, 41000, 44940)
	// Snapshot says healthy, stream says stopped out.
	m.Sweep(context.Background(), testBot(), []*models.Position{pos}, snapshotAt(42500), nil)

	require.Len(t, closer.calls, 1)
	assert.True(t, decimal.NewFromInt(40800).Equal(closer.calls[0].price))
}

func TestSweepRetriesClosePending(t *testing.T) {
	closer := &fakeCloser{}
	m := New(&fakeRepo{}, closer, nil, 24*time.Hour, zerolog.Nop())

	pos := openLong("pos1", 42000, 41000, 44940)
	pos.Status = models.PositionClosePending
	pos.CloseReason = models.CloseStopLoss
	m.Sweep(context.Background(), testBot(), []*models.Position{pos}, snapshotAt(42500), nil)

	require.Len(t, closer.calls, 1)
	assert.Equal(t, models.CloseStopLoss, closer.calls[0].reason)
}

func TestSweepSkipsWithoutPrice(t *testing.T) {
	closer := &fakeCloser{err: errors.New("unreachable")}
	m := New(&fakeRepo{}, closer, nil, 24*time.Hour, zerolog.Nop())

	pos := openLong("pos1", 42000, 41000, 44940)
	closed := m.Sweep(context.Background(), testBot(), []*models.Position{pos},
		map[string]*models.MarketSnapshot{}, nil)
	assert.Zero(t, closed)
}
