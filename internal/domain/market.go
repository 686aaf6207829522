package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Market field values accepted by the decision engine.
const (
	OutcomeBinary    = "BINARY"
	MechanismCPMM    = "cpmm-1"
	VisibilityPublic = "public"
)

// Creator identifies the account that created a market.
type Creator struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
}

// MarketEvent is a newly created market as announced on the stream. It is
// immutable once constructed.
type MarketEvent struct {
	ID          string           `json:"id"`
	Slug        string           `json:"slug,omitempty"`
	Question    string           `json:"question"`
	OutcomeType string           `json:"outcome_type"`
	Mechanism   string           `json:"mechanism"`
	Visibility  string           `json:"visibility"`
	IsResolved  bool             `json:"is_resolved"`
	Probability *decimal.Decimal `json:"probability,omitempty"` // nil for non-binary markets
	CloseTime   *time.Time       `json:"close_time,omitempty"`
	CreatedTime time.Time        `json:"created_time"`

	Volume          *decimal.Decimal `json:"volume,omitempty"`
	TotalLiquidity  *decimal.Decimal `json:"total_liquidity,omitempty"`
	TextDescription string           `json:"text_description,omitempty"`
	Creator         *Creator         `json:"creator,omitempty"`
}

// BetEvent is the first bet of a global/new-bet broadcast.
type BetEvent struct {
	ContractID string          `json:"contract_id"`
	ProbBefore decimal.Decimal `json:"prob_before"`
	ProbAfter  decimal.Decimal `json:"prob_after"`
}

// Account is the identity returned by the authentication endpoint.
type Account struct {
	ID       string
	Username string
	Name     string
	Balance  decimal.Decimal
}
