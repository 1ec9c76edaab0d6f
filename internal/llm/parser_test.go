package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-trading-engine/internal/models"
)

const validBTCResponse = `{
  "BTC": {
    "trade_signal_args": {
      "coin": "BTC",
      "signal": "entry",
      "side": "long",
      "confidence": 0.82,
      "quantity": 0.03,
      "entry_price": 42000,
      "stop_loss": 41000,
      "profit_target": 44940,
      "justification": "confluence with supertrend support"
    }
  }
}`

func TestParseBatchValidEntry(t *testing.T) {
	signals := ParseBatch(validBTCResponse, []string{"BTC/USDT"})
	require.Contains(t, signals, "BTC/USDT")

	sig := signals["BTC/USDT"]
	assert.Equal(t, models.SignalBuyToEnter, sig.SignalType)
	assert.Equal(t, models.SideLong, sig.Side)
	assert.InDelta(t, 0.82, sig.Confidence, 1e-9)
	assert.Equal(t, "42000", sig.EntryPrice.String())
	assert.Equal(t, "41000", sig.StopLoss.String())
	assert.Equal(t, "44940", sig.TakeProfit.String())
}

func TestParseBatchStripsCodeFences(t *testing.T) {
	fenced := "```json\n" + validBTCResponse + "\n```"
	signals := ParseBatch(fenced, []string{"BTC/USDT"})
	assert.Equal(t, models.SignalBuyToEnter, signals["BTC/USDT"].SignalType)
}

func TestParseBatchRecoversFromSurroundingProse(t *testing.T) {
	noisy := "Here is my analysis:\n" + validBTCResponse + "\nGood luck!"
	signals := ParseBatch(noisy, []string{"BTC/USDT"})
	assert.Equal(t, models.SignalBuyToEnter, signals["BTC/USDT"].SignalType)
}

func TestParseBatchMalformedSymbolIsolated(t *testing.T) {
	// BTC valid, ETH carries garbage types. Only ETH degrades.
	mixed := `{
	  "BTC": {"trade_signal_args": {"coin": "BTC", "signal": "entry", "side": "long",
	    "confidence": 0.8, "quantity": 0.03, "entry_price": 42000,
	    "stop_loss": 41000, "profit_target": 44940, "justification": "ok"}},
	  "ETH": {"trade_signal_args": {"coin": "ETH", "signal": "entry", "side": "long",
	    "confidence": "very high", "quantity": 0.03, "entry_price": 2500,
	    "stop_loss": 2400, "profit_target": 2700, "justification": "bad"}}
	}`
	signals := ParseBatch(mixed, []string{"BTC/USDT", "ETH/USDT"})

	assert.Equal(t, models.SignalBuyToEnter, signals["BTC/USDT"].SignalType)
	eth := signals["ETH/USDT"]
	assert.Equal(t, models.SignalHold, eth.SignalType)
	assert.Equal(t, ReasonParseError, eth.Reasoning)
	assert.InDelta(t, 0.5, eth.Confidence, 1e-9)
}

func TestParseBatchTotalGarbage(t *testing.T) {
	signals := ParseBatch("I cannot help with that.", []string{"BTC/USDT", "ETH/USDT"})
	for _, symbol := range []string{"BTC/USDT", "ETH/USDT"} {
		sig := signals[symbol]
		assert.Equal(t, models.SignalHold, sig.SignalType)
		assert.Equal(t, ReasonParseError, sig.Reasoning)
	}
}

func TestParseBatchAcceptsFullPairKeys(t *testing.T) {
	full := `{"BTC/USDT": {"trade_signal_args": {"coin": "BTC/USDT", "signal": "hold",
	  "side": "", "confidence": 0.5, "quantity": 0, "entry_price": 0,
	  "stop_loss": 0, "profit_target": 0, "justification": "choppy"}}}`
	signals := ParseBatch(full, []string{"BTC/USDT"})
	assert.Equal(t, models.SignalHold, signals["BTC/USDT"].SignalType)
}

func TestParseBatchSignalSynonyms(t *testing.T) {
	buy := `{"BTC": {"trade_signal_args": {"coin": "BTC", "signal": "buy", "side": "long",
	  "confidence": 0.7, "quantity": 0.02, "entry_price": 42000,
	  "stop_loss": 41000, "profit_target": 44000, "justification": "x"}}}`
	signals := ParseBatch(buy, []string{"BTC/USDT"})
	assert.Equal(t, models.SignalBuyToEnter, signals["BTC/USDT"].SignalType)

	sell := `{"BTC": {"trade_signal_args": {"coin": "BTC", "signal": "sell", "side": "long",
	  "confidence": 0.7, "quantity": 0, "entry_price": 0,
	  "stop_loss": 0, "profit_target": 0, "justification": "x"}}}`
	signals = ParseBatch(sell, []string{"BTC/USDT"})
	assert.Equal(t, models.SignalClose, signals["BTC/USDT"].SignalType)
}

func TestParseBatchRejectsOutOfRangeConfidence(t *testing.T) {
	bad := `{"BTC": {"trade_signal_args": {"coin": "BTC", "signal": "entry", "side": "long",
	  "confidence": 1.4, "quantity": 0.02, "entry_price": 42000,
	  "stop_loss": 41000, "profit_target": 44000, "justification": "x"}}}`
	signals := ParseBatch(bad, []string{"BTC/USDT"})
	assert.Equal(t, models.SignalHold, signals["BTC/USDT"].SignalType)
	assert.Equal(t, ReasonParseError, signals["BTC/USDT"].Reasoning)
}

func TestParseBatchMissingSymbolBecomesHold(t *testing.T) {
	signals := ParseBatch(validBTCResponse, []string{"BTC/USDT", "SOL/USDT"})
	assert.Equal(t, models.SignalHold, signals["SOL/USDT"].SignalType)
	assert.Equal(t, "no_signal", signals["SOL/USDT"].Reasoning)
}

func TestRenderParseRoundTrip(t *testing.T) {
	original := models.TradingSignal{
		Symbol:     "BTC/USDT",
		SignalType: models.SignalBuyToEnter,
		Side:       models.SideLong,
		Confidence: 0.82,
		Reasoning:  "confluence entry",
	}
	original.EntryPrice = mustDecimal(t, "42000")
	original.StopLoss = mustDecimal(t, "41000")
	original.TakeProfit = mustDecimal(t, "44940")
	original.SizePct = mustDecimal(t, "0.03")

	rendered := RenderSignal(original)
	parsed := ParseBatch(rendered, []string{"BTC/USDT"})["BTC/USDT"]

	assert.Equal(t, original.SignalType, parsed.SignalType)
	assert.Equal(t, original.Side, parsed.Side)
	assert.InDelta(t, original.Confidence, parsed.Confidence, 1e-9)
	assert.True(t, original.EntryPrice.Equal(parsed.EntryPrice))
	assert.True(t, original.StopLoss.Equal(parsed.StopLoss))
	assert.True(t, original.TakeProfit.Equal(parsed.TakeProfit))
	assert.True(t, original.SizePct.Equal(parsed.SizePct))
}
