package llm

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"crypto-trading-engine/internal/models"
)

var hundred = decimal.NewFromInt(100)

// SystemPrompt pins the model's role and the output contract.
const SystemPrompt = `You are a disciplined crypto futures trading assistant. You receive a
portfolio snapshot and per-symbol technical indicators and must answer
with trade signals. Respond with PURE JSON only: no prose, no markdown
code fences, no commentary outside the JSON object.`

// PromptContext carries everything the batch prompt template needs.
type PromptContext struct {
	RuntimeMinutes int
	CallCount      int

	Bot       *models.Bot
	Portfolio *models.PortfolioState
	Snapshots map[string]*models.MarketSnapshot

	MaxPositions      int
	MaxContextSymbols int

	ConfidenceThreshold float64
}

// BuildBatchPrompt renders the deterministic decision prompt for the
// bot's whole watch-list. One call per cycle, never per symbol.
func BuildBatchPrompt(pc PromptContext) string {
	var b strings.Builder

	symbols := sortedSymbols(pc.Snapshots)

	// Session context.
	fmt.Fprintf(&b, "== SESSION ==\nRuntime: %d minutes | LLM invocations so far: %d\n\n",
		pc.RuntimeMinutes, pc.CallCount)

	// Portfolio performance.
	fmt.Fprintf(&b, "== PORTFOLIO ==\n")
	fmt.Fprintf(&b, "Cash: %s USD | Equity: %s USD | Return: %s%%\n",
		pc.Portfolio.Cash.StringFixed(2),
		pc.Portfolio.Equity.StringFixed(2),
		pc.Portfolio.ReturnPct.Mul(hundred).StringFixed(2))
	fmt.Fprintf(&b, "Trades today: %d | Realized P&L today: %s USD\n\n",
		pc.Portfolio.TradesToday, pc.Portfolio.RealizedPnLToday.StringFixed(2))

	// Open positions, capped.
	fmt.Fprintf(&b, "== OPEN POSITIONS ==\n")
	if len(pc.Portfolio.OpenPositions) == 0 {
		b.WriteString("none\n")
	}
	for i, p := range pc.Portfolio.OpenPositions {
		if i >= pc.MaxPositions {
			fmt.Fprintf(&b, "... and %d more\n", len(pc.Portfolio.OpenPositions)-i)
			break
		}
		fmt.Fprintf(&b, "%s %s qty=%s entry=%s mark=%s sl=%s tp=%s upnl=%s\n",
			p.Symbol, p.Side, p.Quantity.String(), p.EntryPrice.StringFixed(4),
			p.CurrentPrice.StringFixed(4), p.StopLoss.StringFixed(4),
			p.TakeProfit.StringFixed(4), p.UnrealizedPnL().StringFixed(2))
	}
	b.WriteString("\n")

	// Market regime across the watch-list, capped.
	fmt.Fprintf(&b, "== MARKET REGIME ==\n")
	for i, symbol := range symbols {
		if i >= pc.MaxContextSymbols {
			break
		}
		snap := pc.Snapshots[symbol]
		fmt.Fprintf(&b, "%s: price=%s 24h=%+.2f%% confluence=%.0f supertrend=%s",
			symbol, snap.Price.StringFixed(4), snap.ChangePct24h,
			snap.Confluence, snap.Indicators.SupertrendColor)
		if snap.FundingRate != nil {
			fmt.Fprintf(&b, " funding=%+.4f%%", *snap.FundingRate*100)
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")

	// Per-symbol indicator detail with tail series.
	for _, symbol := range symbols {
		snap := pc.Snapshots[symbol]
		fmt.Fprintf(&b, "== %s ==\n", symbol)
		writeIndicatorLine(&b, snap)
		fmt.Fprintf(&b, "Recent closes (OLDEST to NEWEST): %s\n", joinFloats(snap.RecentCloses))
		if len(snap.RecentEMA20) > 0 {
			fmt.Fprintf(&b, "Recent EMA20 (OLDEST to NEWEST): %s\n", joinFloats(snap.RecentEMA20))
		}
		if len(snap.RecentRSI14) > 0 {
			fmt.Fprintf(&b, "Recent RSI14 (OLDEST to NEWEST): %s\n", joinFloats(snap.RecentRSI14))
		}
		b.WriteString("\n")
	}

	// Instructions and the strict schema example.
	fmt.Fprintf(&b, "== INSTRUCTIONS ==\n")
	fmt.Fprintf(&b, "Only propose an entry when confidence is at least %.2f. ", pc.ConfidenceThreshold)
	b.WriteString(`Quantity is a fraction of capital. For long entries stop_loss must be
below entry_price and profit_target above it; reversed for shorts.
Answer for EVERY symbol listed above, using "hold" when unsure.

Respond with exactly this JSON shape (one key per symbol):
{
  "BTC": {
    "trade_signal_args": {
      "coin": "BTC",
      "signal": "hold|entry|exit",
      "side": "long|short",
      "confidence": 0.0,
      "quantity": 0.03,
      "entry_price": 0.0,
      "stop_loss": 0.0,
      "profit_target": 0.0,
      "justification": "brief reason"
    }
  }
}
`)

	return b.String()
}

func writeIndicatorLine(b *strings.Builder, snap *models.MarketSnapshot) {
	ind := snap.Indicators
	parts := []string{}
	appendIf := func(name string, v *float64) {
		if v != nil {
			parts = append(parts, fmt.Sprintf("%s=%.4f", name, *v))
		}
	}
	appendIf("sma200", ind.SMA200)
	appendIf("ema20", ind.EMA20)
	appendIf("ema50", ind.EMA50)
	appendIf("rsi14", ind.RSI14)
	appendIf("adx", ind.ADX)
	appendIf("atr", ind.ATR)
	appendIf("supertrend", ind.Supertrend)
	appendIf("macd", ind.MACD)
	fmt.Fprintf(b, "Indicators: %s\n", strings.Join(parts, " "))
}

func sortedSymbols(snapshots map[string]*models.MarketSnapshot) []string {
	symbols := make([]string, 0, len(snapshots))
	for s := range snapshots {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return symbols
}

func joinFloats(series []float64) string {
	parts := make([]string, len(series))
	for i, v := range series {
		parts[i] = fmt.Sprintf("%.4f", v)
	}
	return strings.Join(parts, ", ")
}
