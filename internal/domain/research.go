package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// ResearchResult is an independent probability estimate for one market.
type ResearchResult struct {
	MarketID             string
	EstimatedProbability decimal.Decimal // 0..1
	Reasoning            string
}

// Researcher produces a probability estimate for a market question.
// Implementations return an error wrapping ErrResearch, ErrResearchParse or
// ErrResearchSkipped when no estimate is available.
type Researcher interface {
	Research(ctx context.Context, market MarketEvent) (ResearchResult, error)
}
