package xai

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/manifoldbot/internal/domain"
)

var (
	probabilityLine = regexp.MustCompile(`(?m)^[ \t]*PROBABILITY:[ \t]*([0-9]+(?:\.[0-9]+)?)[ \t]*%`)
	reasoningLine   = regexp.MustCompile(`(?m)^[ \t]*REASONING:`)
	skipLine        = regexp.MustCompile(`(?m)^[ \t]*SKIP:[ \t]*(.*)$`)

	hundred = decimal.NewFromInt(100)
)

// ParseResearch extracts the estimate from a research reply of the form
//
//	PROBABILITY: 65%
//	REASONING: free text...
//
// A reply with a SKIP: line yields domain.ErrResearchSkipped. Anything else
// that does not match yields domain.ErrResearchParse.
func ParseResearch(marketID, text string) (domain.ResearchResult, error) {
	if m := skipLine.FindStringSubmatch(text); m != nil && !probabilityLine.MatchString(text) {
		return domain.ResearchResult{}, fmt.Errorf("xai: %w: %s", domain.ErrResearchSkipped, strings.TrimSpace(m[1]))
	}

	m := probabilityLine.FindStringSubmatch(text)
	if m == nil {
		return domain.ResearchResult{}, fmt.Errorf("xai: %w: no PROBABILITY line", domain.ErrResearchParse)
	}
	pct, err := decimal.NewFromString(m[1])
	if err != nil {
		return domain.ResearchResult{}, fmt.Errorf("xai: %w: probability %q: %v", domain.ErrResearchParse, m[1], err)
	}
	if pct.GreaterThan(hundred) {
		return domain.ResearchResult{}, fmt.Errorf("xai: %w: probability %s%% out of range", domain.ErrResearchParse, pct)
	}

	loc := reasoningLine.FindStringIndex(text)
	if loc == nil {
		return domain.ResearchResult{}, fmt.Errorf("xai: %w: no REASONING section", domain.ErrResearchParse)
	}

	return domain.ResearchResult{
		MarketID:             marketID,
		EstimatedProbability: pct.Div(hundred),
		Reasoning:            strings.TrimSpace(text[loc[1]:]),
	}, nil
}
