package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"crypto-trading-engine/internal/models"
)

// ReasonParseError tags signals degraded to hold by unparseable output.
const ReasonParseError = "parse_error"

// ReasonBudgetExhausted tags signals degraded to hold by the budget gate.
const ReasonBudgetExhausted = "budget_exhausted"

// tradeSignalArgs is the wire shape demanded from the model.
type tradeSignalArgs struct {
	Coin          string  `json:"coin"`
	Signal        string  `json:"signal"`
	Side          string  `json:"side"`
	Confidence    float64 `json:"confidence"`
	Quantity      float64 `json:"quantity"`
	EntryPrice    float64 `json:"entry_price"`
	StopLoss      float64 `json:"stop_loss"`
	ProfitTarget  float64 `json:"profit_target"`
	Justification string  `json:"justification"`
}

type signalEnvelope struct {
	TradeSignalArgs *tradeSignalArgs `json:"trade_signal_args"`
}

var codeFenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// stripCodeFences removes markdown fences the model may wrap around its
// JSON despite instructions.
func stripCodeFences(raw string) string {
	if m := codeFenceRe.FindStringSubmatch(raw); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(raw)
}

// extractBalancedJSON locates the outermost balanced {...} object,
// recovering from leading prose or truncated trailers.
func extractBalancedJSON(raw string) (string, error) {
	start := strings.IndexByte(raw, '{')
	if start < 0 {
		return "", fmt.Errorf("no JSON object found")
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(raw); i++ {
		ch := raw[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return raw[start : i+1], nil
			}
		}
	}
	return "", fmt.Errorf("unbalanced JSON object")
}

// ParseBatch turns a raw model response into one signal per requested
// symbol. Parse failures degrade the affected symbol to hold with a
// parse_error reason; the batch itself always succeeds.
func ParseBatch(raw string, symbols []string) map[string]models.TradingSignal {
	signals := make(map[string]models.TradingSignal, len(symbols))

	cleaned := stripCodeFences(raw)
	jsonBody, err := extractBalancedJSON(cleaned)
	if err != nil {
		for _, s := range symbols {
			signals[s] = models.HoldSignal(s, ReasonParseError)
		}
		return signals
	}

	var topLevel map[string]json.RawMessage
	if err := json.Unmarshal([]byte(jsonBody), &topLevel); err != nil {
		for _, s := range symbols {
			signals[s] = models.HoldSignal(s, ReasonParseError)
		}
		return signals
	}

	for _, symbol := range symbols {
		entry, ok := lookupSymbol(topLevel, symbol)
		if !ok {
			signals[symbol] = models.HoldSignal(symbol, "no_signal")
			continue
		}

		sig, err := parseOne(entry, symbol)
		if err != nil {
			signals[symbol] = models.HoldSignal(symbol, ReasonParseError)
			continue
		}
		signals[symbol] = sig
	}
	return signals
}

// lookupSymbol accepts both "BTC" and "BTC/USDT" response keys.
func lookupSymbol(topLevel map[string]json.RawMessage, symbol string) (json.RawMessage, bool) {
	if v, ok := topLevel[symbol]; ok {
		return v, true
	}
	base := symbol
	if i := strings.IndexByte(symbol, '/'); i > 0 {
		base = symbol[:i]
	}
	if v, ok := topLevel[base]; ok {
		return v, true
	}
	for key, v := range topLevel {
		if strings.EqualFold(key, base) || strings.EqualFold(key, symbol) {
			return v, true
		}
	}
	return nil, false
}

func parseOne(raw json.RawMessage, symbol string) (models.TradingSignal, error) {
	var envelope signalEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return models.TradingSignal{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	args := envelope.TradeSignalArgs
	if args == nil {
		// Some models flatten the envelope.
		var flat tradeSignalArgs
		if err := json.Unmarshal(raw, &flat); err != nil || flat.Signal == "" {
			return models.TradingSignal{}, fmt.Errorf("missing trade_signal_args")
		}
		args = &flat
	}

	signalType, side, err := normalizeSignal(args.Signal, args.Side)
	if err != nil {
		return models.TradingSignal{}, err
	}

	confidence := args.Confidence
	if confidence < 0 || confidence > 1 {
		return models.TradingSignal{}, fmt.Errorf("confidence %v out of range", confidence)
	}

	sig := models.TradingSignal{
		Symbol:     symbol,
		SignalType: signalType,
		Side:       side,
		Confidence: confidence,
		Reasoning:  args.Justification,
		EntryPrice: decimal.NewFromFloat(args.EntryPrice),
		StopLoss:   decimal.NewFromFloat(args.StopLoss),
		TakeProfit: decimal.NewFromFloat(args.ProfitTarget),
		SizePct:    decimal.NewFromFloat(args.Quantity),
		Leverage:   1,
	}

	if sig.SignalType.IsEntry() {
		if args.EntryPrice <= 0 || args.StopLoss <= 0 || args.ProfitTarget <= 0 {
			return models.TradingSignal{}, fmt.Errorf("entry signal missing price levels")
		}
	}
	return sig, nil
}

// normalizeSignal maps the model's vocabulary onto canonical types,
// accepting the buy/entry and sell/exit synonym pairs.
func normalizeSignal(signal, side string) (models.SignalType, models.PositionSide, error) {
	signal = strings.ToLower(strings.TrimSpace(signal))
	side = strings.ToLower(strings.TrimSpace(side))

	normalizedSide := models.SideNone
	switch side {
	case "long":
		normalizedSide = models.SideLong
	case "short":
		normalizedSide = models.SideShort
	case "", "none":
	default:
		return "", "", fmt.Errorf("unknown side %q", side)
	}

	switch signal {
	case "hold", "wait":
		return models.SignalHold, models.SideNone, nil
	case "exit", "sell", "close":
		return models.SignalClose, normalizedSide, nil
	case "entry", "buy", "enter":
		switch normalizedSide {
		case models.SideShort:
			return models.SignalSellToEnter, models.SideShort, nil
		default:
			return models.SignalBuyToEnter, models.SideLong, nil
		}
	default:
		return "", "", fmt.Errorf("unknown signal %q", signal)
	}
}

// RenderSignal produces the canonical wire form of a signal, used by the
// schema example in prompts and by the round-trip tests.
func RenderSignal(sig models.TradingSignal) string {
	base := sig.Symbol
	if i := strings.IndexByte(base, '/'); i > 0 {
		base = base[:i]
	}

	signal := "hold"
	switch sig.SignalType {
	case models.SignalBuyToEnter, models.SignalSellToEnter:
		signal = "entry"
	case models.SignalClose:
		signal = "exit"
	}

	args := tradeSignalArgs{
		Coin:          base,
		Signal:        signal,
		Side:          string(sig.Side),
		Confidence:    sig.Confidence,
		Justification: sig.Reasoning,
	}
	args.Quantity, _ = sig.SizePct.Float64()
	args.EntryPrice, _ = sig.EntryPrice.Float64()
	args.StopLoss, _ = sig.StopLoss.Float64()
	args.ProfitTarget, _ = sig.TakeProfit.Float64()

	payload := map[string]signalEnvelope{base: {TradeSignalArgs: &args}}
	raw, _ := json.MarshalIndent(payload, "", "  ")
	return string(raw)
}
