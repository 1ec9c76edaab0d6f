package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crypto-trading-engine/internal/models"
)

// TickerStream keeps a live price map fed by the exchange's miniTicker
// websocket streams. The position monitor reads it to avoid a REST
// round-trip per open position; REST remains the fallback when the
// stream has no fresh price.
type TickerStream struct {
	wsBaseURL string
	log       zerolog.Logger

	mu      sync.RWMutex
	symbols []string
	tickers map[string]*models.Ticker

	cancel context.CancelFunc
	done   chan struct{}
}

// miniTickerEvent is the combined-stream payload for one symbol.
type miniTickerEvent struct {
	Stream string `json:"stream"`
	Data   struct {
		Symbol    string `json:"s"`
		Close     string `json:"c"`
		Open      string `json:"o"`
		Volume    string `json:"q"`
		EventTime int64  `json:"E"`
	} `json:"data"`
}

func NewTickerStream(wsBaseURL string, symbols []string, log zerolog.Logger) *TickerStream {
	return &TickerStream{
		wsBaseURL: wsBaseURL,
		log:       log.With().Str("component", "ticker_stream").Logger(),
		symbols:   symbols,
		tickers:   make(map[string]*models.Ticker),
	}
}

// Start launches the read loop with automatic reconnects.
func (ts *TickerStream) Start(ctx context.Context) {
	ctx, ts.cancel = context.WithCancel(ctx)
	ts.done = make(chan struct{})

	go func() {
		defer close(ts.done)
		backoff := time.Second
		for {
			if err := ts.run(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				ts.log.Warn().Err(err).Dur("backoff", backoff).Msg("ticker stream disconnected, reconnecting")
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return
				}
				if backoff < 30*time.Second {
					backoff *= 2
				}
				continue
			}
			return
		}
	}()
}

// Stop closes the stream and waits for the read loop to exit.
func (ts *TickerStream) Stop() {
	if ts.cancel != nil {
		ts.cancel()
	}
	if ts.done != nil {
		<-ts.done
	}
}

func (ts *TickerStream) run(ctx context.Context) error {
	ts.mu.RLock()
	streams := make([]string, 0, len(ts.symbols))
	for _, s := range ts.symbols {
		streams = append(streams, strings.ToLower(exchangeSymbol(s))+"@miniTicker")
	}
	ts.mu.RUnlock()

	if len(streams) == 0 {
		<-ctx.Done()
		return nil
	}

	url := fmt.Sprintf("%s/stream?streams=%s", ts.wsBaseURL, strings.Join(streams, "/"))
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial ticker stream: %w", err)
	}
	defer conn.Close()

	ts.log.Info().Int("streams", len(streams)).Msg("ticker stream connected")

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read ticker message: %w", err)
		}

		var event miniTickerEvent
		if err := json.Unmarshal(message, &event); err != nil {
			ts.log.Debug().Err(err).Msg("skipping unparseable ticker event")
			continue
		}
		ts.apply(event)
	}
}

func (ts *TickerStream) apply(event miniTickerEvent) {
	last, err := decimal.NewFromString(event.Data.Close)
	if err != nil {
		return
	}
	openPrice, _ := decimal.NewFromString(event.Data.Open)
	changePct := 0.0
	if openPrice.IsPositive() {
		changePct, _ = last.Sub(openPrice).Div(openPrice).Mul(decimal.NewFromInt(100)).Float64()
	}
	volume := 0.0
	fmt.Sscanf(event.Data.Volume, "%f", &volume)

	symbol := displaySymbol(event.Data.Symbol)

	ts.mu.Lock()
	ts.tickers[symbol] = &models.Ticker{
		Symbol:       symbol,
		Last:         last,
		ChangePct24h: changePct,
		Volume24h:    volume,
		Timestamp:    time.UnixMilli(event.Data.EventTime).UTC(),
	}
	ts.mu.Unlock()
}

// Latest returns the freshest streamed ticker for a symbol, if any.
func (ts *TickerStream) Latest(symbol string) (*models.Ticker, bool) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	t, ok := ts.tickers[symbol]
	return t, ok
}

// displaySymbol converts the wire form "BTCUSDT" back to "BTC/USDT".
// Only USDT-quoted pairs are traded by the engine.
func displaySymbol(wire string) string {
	wire = strings.ToUpper(wire)
	if base, ok := strings.CutSuffix(wire, "USDT"); ok {
		return base + "/USDT"
	}
	return wire
}
