// Package decision hosts the three interchangeable decision blocks:
// trinity (indicator confluence), llm (batch prompt advisor) and the
// legacy single-indicator scorer. All of them emit the same
// per-symbol TradingSignal map.
package decision

import (
	"context"
	"fmt"

	"crypto-trading-engine/internal/models"
)

// Block turns snapshots plus portfolio state into per-symbol signals.
type Block interface {
	Name() models.DecisionMode
	Decide(ctx context.Context, bot *models.Bot, snapshots map[string]*models.MarketSnapshot, portfolio *models.PortfolioState) (map[string]models.TradingSignal, error)
}

var _ Block = (*TrinityBlock)(nil)
var _ Block = (*LLMBlock)(nil)
var _ Block = (*IndicatorBlock)(nil)

// Registry maps decision modes to constructed blocks and supports
// runtime rebinding.
type Registry struct {
	blocks map[models.DecisionMode]Block
}

func NewRegistry(blocks ...Block) *Registry {
	r := &Registry{blocks: make(map[models.DecisionMode]Block, len(blocks))}
	for _, b := range blocks {
		r.blocks[b.Name()] = b
	}
	return r
}

// Get resolves the block for a mode.
func (r *Registry) Get(mode models.DecisionMode) (Block, error) {
	b, ok := r.blocks[mode]
	if !ok {
		return nil, fmt.Errorf("no decision block registered for mode %q", mode)
	}
	return b, nil
}
