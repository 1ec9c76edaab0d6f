package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Candle is one OHLCV bar. Prices stay float64 here because candles feed
// the indicator kernels directly.
type Candle struct {
	OpenTime time.Time `json:"t"`
	Open     float64   `json:"o"`
	High     float64   `json:"h"`
	Low      float64   `json:"l"`
	Close    float64   `json:"c"`
	Volume   float64   `json:"v"`
}

// Ticker is a spot ticker observation.
type Ticker struct {
	Symbol       string          `json:"symbol"`
	Last         decimal.Decimal `json:"last"`
	ChangePct24h float64         `json:"change_pct_24h"`
	Volume24h    float64         `json:"volume_24h"`
	Timestamp    time.Time       `json:"timestamp"`
}

// SupertrendColor is the regime tag of the Supertrend flip line.
type SupertrendColor string

const (
	SupertrendGreen   SupertrendColor = "green"
	SupertrendRed     SupertrendColor = "red"
	SupertrendNeutral SupertrendColor = "neutral"
)

// IndicatorBundle holds the derived indicators for one symbol/timeframe.
// Pointer fields are nil when the series was too short to compute them.
type IndicatorBundle struct {
	SMA200          *float64        `json:"sma_200,omitempty"`
	EMA9            *float64        `json:"ema_9,omitempty"`
	EMA20           *float64        `json:"ema_20,omitempty"`
	EMA21           *float64        `json:"ema_21,omitempty"`
	EMA50           *float64        `json:"ema_50,omitempty"`
	RSI7            *float64        `json:"rsi_7,omitempty"`
	RSI14           *float64        `json:"rsi_14,omitempty"`
	ADX             *float64        `json:"adx,omitempty"`
	ATR             *float64        `json:"atr,omitempty"`
	Supertrend      *float64        `json:"supertrend,omitempty"`
	SupertrendColor SupertrendColor `json:"supertrend_color"`
	VolumeMA        *float64        `json:"volume_ma,omitempty"`
	MACD            *float64        `json:"macd,omitempty"`
	MACDSignal      *float64        `json:"macd_signal,omitempty"`
}

// SnapshotSignals are the five boolean entry conditions evaluated per
// symbol. Evaluated tracks which conditions had enough data to judge.
type SnapshotSignals struct {
	RegimeOK    bool `json:"regime_ok"`
	TrendStrong bool `json:"trend_strong"`
	Bounce      bool `json:"bounce"`
	Oversold    bool `json:"oversold"`
	VolumeOK    bool `json:"volume_ok"`

	Evaluated map[string]bool `json:"evaluated"`
}

// Met counts satisfied signals among those evaluated.
func (s SnapshotSignals) Met() int {
	n := 0
	for name, ok := range map[string]bool{
		"regime_ok":    s.RegimeOK,
		"trend_strong": s.TrendStrong,
		"bounce":       s.Bounce,
		"oversold":     s.Oversold,
		"volume_ok":    s.VolumeOK,
	} {
		if ok && s.Evaluated[name] {
			n++
		}
	}
	return n
}

// TotalEvaluated counts conditions that had enough data to judge.
func (s SnapshotSignals) TotalEvaluated() int {
	n := 0
	for _, ok := range s.Evaluated {
		if ok {
			n++
		}
	}
	return n
}

// MarketSnapshot is the per-symbol observation built each cycle. It is
// ephemeral and never persisted.
type MarketSnapshot struct {
	Symbol       string          `json:"symbol"`
	Price        decimal.Decimal `json:"price"`
	ChangePct24h float64         `json:"change_pct_24h"`
	Volume24h    float64         `json:"volume_24h"`
	FundingRate  *float64        `json:"funding_rate,omitempty"`

	Candles1h []Candle `json:"-"`
	Candles5m []Candle `json:"-"`

	Indicators IndicatorBundle `json:"indicators"`
	Signals    SnapshotSignals `json:"signals"`

	// Confluence is (signals met / signals evaluated) x 100, in [0,100].
	Confluence float64 `json:"confluence_score"`

	// Short tail series for LLM prompt context, oldest first.
	RecentCloses []float64 `json:"recent_closes,omitempty"`
	RecentEMA20  []float64 `json:"recent_ema_20,omitempty"`
	RecentRSI14  []float64 `json:"recent_rsi_14,omitempty"`

	FetchedAt time.Time `json:"fetched_at"`
}

// PriceF returns the spot price as float64 for indicator comparisons.
func (m *MarketSnapshot) PriceF() float64 {
	f, _ := m.Price.Float64()
	return f
}
