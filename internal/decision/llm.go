package decision

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crypto-trading-engine/internal/llm"
	"crypto-trading-engine/internal/models"
)

// Memory is the TradeMemory capability the block applies post-parse.
type Memory interface {
	ConfidenceAdjust(ctx context.Context, botID, symbol string) float64
}

// AuditStore persists one row per provider call.
type AuditStore interface {
	CreateLLMDecision(ctx context.Context, d *models.LLMDecision) error
}

// LLMBlock asks the model for the whole watch-list in a single call per
// cycle and post-processes the parsed signals with memory adjustments.
type LLMBlock struct {
	completer llm.Completer
	memory    Memory
	audit     AuditStore
	log       zerolog.Logger

	maxPositions        int
	maxContextSymbols   int
	confidenceThreshold float64

	startedAt time.Time
	callCount atomic.Int64
}

func NewLLMBlock(completer llm.Completer, memory Memory, audit AuditStore, maxPositions, maxContextSymbols int, log zerolog.Logger) *LLMBlock {
	return &LLMBlock{
		completer:           completer,
		memory:              memory,
		audit:               audit,
		log:                 log.With().Str("component", "llm_decision").Logger(),
		maxPositions:        maxPositions,
		maxContextSymbols:   maxContextSymbols,
		confidenceThreshold: 0.6,
		startedAt:           time.Now(),
	}
}

func (b *LLMBlock) Name() models.DecisionMode {
	return models.ModeLLM
}

func (b *LLMBlock) Decide(ctx context.Context, bot *models.Bot, snapshots map[string]*models.MarketSnapshot, portfolio *models.PortfolioState) (map[string]models.TradingSignal, error) {
	symbols := make([]string, 0, len(snapshots))
	for s := range snapshots {
		symbols = append(symbols, s)
	}

	prompt := llm.BuildBatchPrompt(llm.PromptContext{
		RuntimeMinutes:      int(time.Since(b.startedAt).Minutes()),
		CallCount:           int(b.callCount.Load()),
		Bot:                 bot,
		Portfolio:           portfolio,
		Snapshots:           snapshots,
		MaxPositions:        b.maxPositions,
		MaxContextSymbols:   b.maxContextSymbols,
		ConfidenceThreshold: b.confidenceThreshold,
	})

	req := llm.CompletionRequest{
		SystemPrompt: llm.SystemPrompt,
		Prompt:       prompt,
		ModelHint:    bot.ModelName,
	}

	result, err := b.completer.Complete(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("llm completion: %w", err)
	}
	b.callCount.Add(1)

	if result.BudgetExhausted {
		signals := make(map[string]models.TradingSignal, len(symbols))
		for _, s := range symbols {
			signals[s] = models.HoldSignal(s, llm.ReasonBudgetExhausted)
		}
		return signals, nil
	}

	b.recordAudit(ctx, bot, req, result)

	// Memory adjustment applies to every actionable signal, entries and
	// closes alike; holds carry no confidence worth scaling.
	signals := llm.ParseBatch(result.Text, symbols)
	for symbol, sig := range signals {
		if sig.SignalType == models.SignalHold {
			continue
		}
		adjust := b.memory.ConfidenceAdjust(ctx, bot.ID, symbol)
		sig.Confidence = clamp01(sig.Confidence * adjust)
		signals[symbol] = sig
	}
	return signals, nil
}

func (b *LLMBlock) recordAudit(ctx context.Context, bot *models.Bot, req llm.CompletionRequest, result *llm.CompletionResult) {
	if b.audit == nil || result.Cached {
		return
	}
	fingerprint := ""
	if c, ok := b.completer.(*llm.Client); ok {
		fingerprint = c.PromptFingerprint(req)
	}
	row := &models.LLMDecision{
		ID:         uuid.NewString(),
		BotID:      bot.ID,
		PromptHash: fingerprint,
		Response:   result.Text,
		TokensIn:   result.TokensIn,
		TokensOut:  result.TokensOut,
		Cost:       decimal.NewFromFloat(result.CostUSD),
		CreatedAt:  time.Now().UTC(),
	}
	if err := b.audit.CreateLLMDecision(ctx, row); err != nil {
		b.log.Warn().Err(err).Str("bot_id", bot.ID).Msg("llm audit row insert failed")
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
