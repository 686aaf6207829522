package strategy

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/manifoldbot/internal/domain"
)

// Filter reports whether m is eligible for research. When it is not, the
// reason names the first failing predicate in this order: binary outcome,
// unresolved, cpmm-1 mechanism, public visibility.
func Filter(m domain.MarketEvent) (domain.RejectReason, bool) {
	switch {
	case m.OutcomeType != domain.OutcomeBinary:
		return domain.RejectNotBinary, false
	case m.IsResolved:
		return domain.RejectResolved, false
	case m.Mechanism != domain.MechanismCPMM:
		return domain.RejectNotCPMM, false
	case m.Visibility != domain.VisibilityPublic:
		return domain.RejectNotPublic, false
	default:
		return "", true
	}
}

// marketProbability returns the price of an accepted market. The stream and
// REST clients refuse binary cpmm-1 contracts without one, so its absence
// here is a programming error.
func marketProbability(m domain.MarketEvent) decimal.Decimal {
	if m.Probability == nil {
		panic(fmt.Sprintf("strategy: accepted market %s has no probability", m.ID))
	}
	return *m.Probability
}
