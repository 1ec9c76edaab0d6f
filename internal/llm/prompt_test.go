package llm

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-trading-engine/internal/models"
)

func promptContext() PromptContext {
	return PromptContext{
		RuntimeMinutes: 90,
		CallCount:      30,
		Bot:            &models.Bot{ID: "bot1"},
		Portfolio: &models.PortfolioState{
			Cash:             decimal.NewFromInt(11000),
			Equity:           decimal.NewFromInt(11000),
			ReturnPct:        decimal.NewFromFloat(0.10), // fraction, +10%
			PositionBySymbol: map[string]*models.Position{},
		},
		Snapshots: map[string]*models.MarketSnapshot{
			"BTC/USDT": {
				Symbol:       "BTC/USDT",
				Price:        decimal.NewFromInt(42000),
				RecentCloses: []float64{41800, 41900, 42000},
			},
		},
		MaxPositions:        10,
		MaxContextSymbols:   12,
		ConfidenceThreshold: 0.6,
	}
}

func TestBatchPromptReturnLine(t *testing.T) {
	prompt := BuildBatchPrompt(promptContext())

	// ReturnPct carries a fraction; the prompt is the only place that
	// scales it to a percent.
	assert.Contains(t, prompt,
		"Cash: 11000.00 USD | Equity: 11000.00 USD | Return: 10.00%")
	assert.NotContains(t, prompt, "1000.00%")
}

func TestBatchPromptSections(t *testing.T) {
	prompt := BuildBatchPrompt(promptContext())

	for _, section := range []string{
		"== SESSION ==", "== PORTFOLIO ==", "== OPEN POSITIONS ==",
		"== MARKET REGIME ==", "== BTC/USDT ==", "== INSTRUCTIONS ==",
	} {
		assert.Contains(t, prompt, section)
	}
	assert.Contains(t, prompt, "Runtime: 90 minutes | LLM invocations so far: 30")
	assert.Contains(t, prompt, "OLDEST to NEWEST")

	// Sections appear in a fixed order.
	require.True(t,
		strings.Index(prompt, "== PORTFOLIO ==") < strings.Index(prompt, "== MARKET REGIME =="))
}
