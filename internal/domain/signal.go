package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeSignal is the terminal output for a researched market. The engine
// always emits one; thresholds are applied downstream.
type TradeSignal struct {
	ID                   string           `json:"id"` // UUID
	MarketID             string           `json:"market_id"`
	Question             string           `json:"question"`
	MarketProbability    decimal.Decimal  `json:"market_probability"`
	EstimatedProbability decimal.Decimal  `json:"estimated_probability"`
	Edge                 decimal.Decimal  `json:"edge"`
	Reasoning            string           `json:"reasoning,omitempty"`
	TotalLiquidity       *decimal.Decimal `json:"total_liquidity,omitempty"`
	Timestamp            time.Time        `json:"timestamp"`
}

// Direction is YES when the estimate is above the market price, NO when
// below, and empty when they agree.
func (s TradeSignal) Direction() string {
	switch s.EstimatedProbability.Cmp(s.MarketProbability) {
	case 1:
		return "YES"
	case -1:
		return "NO"
	default:
		return ""
	}
}

// RejectReason names why a market produced no signal.
type RejectReason string

const (
	RejectNotBinary      RejectReason = "outcome_type_not_binary"
	RejectResolved       RejectReason = "market_resolved"
	RejectNotCPMM        RejectReason = "mechanism_not_cpmm"
	RejectNotPublic      RejectReason = "visibility_not_public"
	RejectResearchFailed RejectReason = "research_failed"
	RejectResearchSkip   RejectReason = "research_skipped"
)

// RejectionRecord is the terminal output for a market that was filtered out
// or whose research failed.
type RejectionRecord struct {
	MarketID  string       `json:"market_id"`
	Question  string       `json:"question,omitempty"`
	Reason    RejectReason `json:"reason"`
	Detail    string       `json:"detail,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// Decision holds exactly one of Signal or Rejection.
type Decision struct {
	Signal    *TradeSignal     `json:"signal,omitempty"`
	Rejection *RejectionRecord `json:"rejection,omitempty"`
}

// MarketID returns the id of the market the decision is about.
func (d Decision) MarketID() string {
	if d.Signal != nil {
		return d.Signal.MarketID
	}
	if d.Rejection != nil {
		return d.Rejection.MarketID
	}
	return ""
}

// Kind is "signal" or "rejection".
func (d Decision) Kind() string {
	if d.Signal != nil {
		return "signal"
	}
	return "rejection"
}

// FeedKind labels an item on the merged output stream.
type FeedKind string

const (
	FeedMarket   FeedKind = "market"
	FeedBet      FeedKind = "bet"
	FeedDecision FeedKind = "decision"
)

// FeedItem is one element of the merged consumer-facing stream.
type FeedItem struct {
	Kind     FeedKind     `json:"kind"`
	Market   *MarketEvent `json:"market,omitempty"`
	Bet      *BetEvent    `json:"bet,omitempty"`
	Decision *Decision    `json:"decision,omitempty"`
	At       time.Time    `json:"at"`
}

// DecisionItem wraps a decision for the merged stream.
func DecisionItem(d Decision) FeedItem {
	return FeedItem{Kind: FeedDecision, Decision: &d, At: time.Now().UTC()}
}
