package feed

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alanyoungcy/manifoldbot/internal/domain"
	"github.com/alanyoungcy/manifoldbot/internal/metrics"
)

// DefaultFollowTTL is how long a followed market is remembered before a new
// bet on it triggers another lookup.
const DefaultFollowTTL = 24 * time.Hour

const (
	lookupTimeout   = 30 * time.Second
	cleanupInterval = 10 * time.Minute
)

// MarketGetter fetches a market by id.
type MarketGetter interface {
	GetMarket(ctx context.Context, id string) (domain.MarketEvent, error)
}

// BetFollower turns bets on previously unseen markets into market events by
// looking the market up over REST. Each market is looked up at most once per
// TTL window.
type BetFollower struct {
	markets MarketGetter
	dedup   *Dedup
	logger  *slog.Logger
}

// NewBetFollower creates a BetFollower. A non-positive ttl uses
// DefaultFollowTTL.
func NewBetFollower(markets MarketGetter, ttl time.Duration, logger *slog.Logger) *BetFollower {
	if ttl <= 0 {
		ttl = DefaultFollowTTL
	}
	return &BetFollower{
		markets: markets,
		dedup:   NewDedup(ttl),
		logger:  logger.With(slog.String("component", "bet_follower")),
	}
}

// Seed marks a market as already known, e.g. one that arrived as a
// new-contract event.
func (f *BetFollower) Seed(marketID string) {
	f.dedup.Seen(marketID)
}

// Run consumes bets until in is closed or ctx is cancelled and emits the
// looked-up markets. The returned channel is closed when Run stops.
func (f *BetFollower) Run(ctx context.Context, in <-chan domain.BetEvent) <-chan domain.MarketEvent {
	out := make(chan domain.MarketEvent)

	go func() {
		defer close(out)

		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				f.dedup.Cleanup()
			case bet, ok := <-in:
				if !ok {
					return
				}
				m, ok := f.lookup(ctx, bet)
				if !ok {
					continue
				}
				select {
				case out <- m:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}

func (f *BetFollower) lookup(ctx context.Context, bet domain.BetEvent) (domain.MarketEvent, bool) {
	if bet.ContractID == "" || f.dedup.Seen(bet.ContractID) {
		return domain.MarketEvent{}, false
	}

	lctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	m, err := f.markets.GetMarket(lctx, bet.ContractID)
	switch {
	case err == nil:
		metrics.BetLookups.WithLabelValues("ok").Inc()
		f.logger.DebugContext(ctx, "followed bet to market",
			slog.String("market_id", m.ID),
			slog.String("question", m.Question),
		)
		return m, true
	case errors.Is(err, domain.ErrNotFound):
		metrics.BetLookups.WithLabelValues("not_found").Inc()
	case errors.Is(err, domain.ErrInvalidInput):
		// Unusable as returned; a retry would fetch the same thing.
		metrics.BetLookups.WithLabelValues("invalid").Inc()
	default:
		// Transient; let the next bet on this market try again.
		f.dedup.Forget(bet.ContractID)
		metrics.BetLookups.WithLabelValues("error").Inc()
		if ctx.Err() != nil {
			return domain.MarketEvent{}, false
		}
	}
	f.logger.WarnContext(ctx, "bet market lookup failed",
		slog.String("market_id", bet.ContractID),
		slog.String("error", err.Error()),
	)
	return domain.MarketEvent{}, false
}
