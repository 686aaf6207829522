package manifold

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/manifoldbot/internal/domain"
)

// --------------------------------------------------------------------------
// Streaming frames
// --------------------------------------------------------------------------

// ClientFrame is a client-to-server stream message.
type ClientFrame struct {
	Type   string   `json:"type"`
	TxID   int64    `json:"txid"`
	Topics []string `json:"topics,omitempty"`
}

// ServerFrame is a server-to-client stream message. Ack fields are set for
// type "ack", Topic and Data for type "broadcast".
type ServerFrame struct {
	Type    string          `json:"type"`
	TxID    int64           `json:"txid"`
	Success *bool           `json:"success"`
	Topic   string          `json:"topic"`
	Data    json.RawMessage `json:"data"`
}

// Acked reports whether an ack frame accepted its request. The server may
// omit success entirely, which counts as accepted.
func (f ServerFrame) Acked() bool {
	return f.Success == nil || *f.Success
}

// NewContractData is the payload of a global/new-contract broadcast.
type NewContractData struct {
	Contract *APIContract `json:"contract"`
	Creator  *APICreator  `json:"creator"`
}

// NewBetData is the payload of a global/new-bet broadcast.
type NewBetData struct {
	Bets []APIBet `json:"bets"`
}

// APIBet is a single bet in a new-bet broadcast.
type APIBet struct {
	ContractID string  `json:"contractId"`
	ProbBefore float64 `json:"probBefore"`
	ProbAfter  float64 `json:"probAfter"`
}

// APICreator is the creator object attached to new-contract broadcasts.
type APICreator struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
}

// APIContract is a market as returned by the stream and the REST API.
// Timestamps are Unix milliseconds.
type APIContract struct {
	ID              string   `json:"id"`
	Slug            string   `json:"slug"`
	Question        string   `json:"question"`
	OutcomeType     string   `json:"outcomeType"`
	Mechanism       string   `json:"mechanism"`
	Visibility      string   `json:"visibility"`
	CreatedTime     int64    `json:"createdTime"`
	CloseTime       *int64   `json:"closeTime"`
	IsResolved      bool     `json:"isResolved"`
	Volume          *float64 `json:"volume"`
	Probability     *float64 `json:"probability"`
	P               *float64 `json:"p"`
	TotalLiquidity  *float64 `json:"totalLiquidity"`
	TextDescription string   `json:"textDescription"`

	// REST-only fields.
	URL             string `json:"url"`
	CreatorUsername string `json:"creatorUsername"`
}

// MissingPrice reports a binary cpmm-1 contract that arrived without a
// probability. Such a contract would pass filtering with nothing to compare
// the research estimate against.
func (c *APIContract) MissingPrice() bool {
	return c.OutcomeType == domain.OutcomeBinary &&
		c.Mechanism == domain.MechanismCPMM &&
		c.Probability == nil
}

// ToDomainMarket converts the wire contract to a MarketEvent.
func (c *APIContract) ToDomainMarket(creator *APICreator) domain.MarketEvent {
	m := domain.MarketEvent{
		ID:              c.ID,
		Slug:            c.Slug,
		Question:        c.Question,
		OutcomeType:     c.OutcomeType,
		Mechanism:       c.Mechanism,
		Visibility:      c.Visibility,
		IsResolved:      c.IsResolved,
		Probability:     optDecimal(c.Probability),
		CreatedTime:     time.UnixMilli(c.CreatedTime).UTC(),
		Volume:          optDecimal(c.Volume),
		TotalLiquidity:  optDecimal(c.TotalLiquidity),
		TextDescription: c.TextDescription,
	}
	if c.CloseTime != nil {
		t := time.UnixMilli(*c.CloseTime).UTC()
		m.CloseTime = &t
	}
	if creator != nil {
		m.Creator = &domain.Creator{ID: creator.ID, Username: creator.Username, Name: creator.Name}
	} else if c.CreatorUsername != "" {
		m.Creator = &domain.Creator{Username: c.CreatorUsername}
	}
	return m
}

// ToDomainBet converts the wire bet to a BetEvent.
func (b APIBet) ToDomainBet() domain.BetEvent {
	return domain.BetEvent{
		ContractID: b.ContractID,
		ProbBefore: decimal.NewFromFloat(b.ProbBefore),
		ProbAfter:  decimal.NewFromFloat(b.ProbAfter),
	}
}

// --------------------------------------------------------------------------
// REST
// --------------------------------------------------------------------------

// APIUser is the response of GET /me.
type APIUser struct {
	ID       string  `json:"id"`
	Username string  `json:"username"`
	Name     string  `json:"name"`
	Balance  float64 `json:"balance"`
}

// ToDomainAccount converts the wire user to an Account.
func (u APIUser) ToDomainAccount() domain.Account {
	return domain.Account{
		ID:       u.ID,
		Username: u.Username,
		Name:     u.Name,
		Balance:  decimal.NewFromFloat(u.Balance),
	}
}

func optDecimal(v *float64) *decimal.Decimal {
	if v == nil {
		return nil
	}
	d := decimal.NewFromFloat(*v)
	return &d
}
