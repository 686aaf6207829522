// Package service holds the consumer side of the pipeline: it applies the
// trading policy to terminal decisions and fans them out to every
// configured sink.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/manifoldbot/internal/domain"
	"github.com/alanyoungcy/manifoldbot/internal/metrics"
	"github.com/alanyoungcy/manifoldbot/internal/notify"
)

const (
	// DefaultRecentSize is how many decisions are kept for the API.
	DefaultRecentSize = 200

	sinkTimeout = 5 * time.Second
)

// Policy decides which signals are actionable.
type Policy struct {
	MinEdge      decimal.Decimal
	MinLiquidity decimal.Decimal
}

// DefaultPolicy returns a 10 point minimum edge and 100 mana minimum
// liquidity.
func DefaultPolicy() Policy {
	return Policy{
		MinEdge:      decimal.RequireFromString("0.10"),
		MinLiquidity: decimal.NewFromInt(100),
	}
}

// Actionable reports whether s clears the edge threshold and, when the
// market's liquidity is known, the liquidity threshold.
func (p Policy) Actionable(s domain.TradeSignal) bool {
	if s.Edge.LessThan(p.MinEdge) {
		return false
	}
	if s.TotalLiquidity != nil && s.TotalLiquidity.LessThan(p.MinLiquidity) {
		return false
	}
	return true
}

// RecordedDecision is a decision as seen by the consumer.
type RecordedDecision struct {
	Kind       string          `json:"kind"`
	Actionable bool            `json:"actionable"`
	Decision   domain.Decision `json:"decision"`
	At         time.Time       `json:"at"`
}

// Stats are running counters for the status endpoint.
type Stats struct {
	MarketsReceived int64      `json:"markets_received"`
	BetsReceived    int64      `json:"bets_received"`
	Signals         int64      `json:"signals"`
	Actionable      int64      `json:"actionable"`
	Rejections      int64      `json:"rejections"`
	LastDecisionAt  *time.Time `json:"last_decision_at,omitempty"`
}

// DecisionService consumes the merged stream. Sink failures are logged and
// counted; they never stop consumption.
type DecisionService struct {
	policy   Policy
	bus      domain.SignalBus
	store    domain.DecisionStore
	archive  domain.DecisionArchiver
	notifier *notify.Notifier
	logger   *slog.Logger

	mu     sync.RWMutex
	recent []RecordedDecision // ring
	next   int
	full   bool
	stats  Stats
}

// Option configures a DecisionService.
type Option func(*DecisionService)

// WithBus publishes decisions to domain.ChannelDecision and appends them to
// domain.StreamDecisions.
func WithBus(bus domain.SignalBus) Option {
	return func(s *DecisionService) { s.bus = bus }
}

// WithStore appends decisions to a persistent store.
func WithStore(store domain.DecisionStore) Option {
	return func(s *DecisionService) { s.store = store }
}

// WithArchive buffers decisions for cold storage.
func WithArchive(a domain.DecisionArchiver) Option {
	return func(s *DecisionService) { s.archive = a }
}

// WithNotifier alerts on actionable signals.
func WithNotifier(n *notify.Notifier) Option {
	return func(s *DecisionService) { s.notifier = n }
}

// WithRecentSize sets the recent-decisions capacity.
func WithRecentSize(n int) Option {
	return func(s *DecisionService) {
		if n > 0 {
			s.recent = make([]RecordedDecision, n)
		}
	}
}

// NewDecisionService creates a DecisionService.
func NewDecisionService(policy Policy, logger *slog.Logger, opts ...Option) *DecisionService {
	s := &DecisionService{
		policy: policy,
		recent: make([]RecordedDecision, DefaultRecentSize),
		logger: logger.With(slog.String("component", "decision_service")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run consumes in until it is closed.
func (s *DecisionService) Run(ctx context.Context, in <-chan domain.FeedItem) error {
	s.logger.InfoContext(ctx, "decision service started",
		slog.String("min_edge", s.policy.MinEdge.String()),
		slog.String("min_liquidity", s.policy.MinLiquidity.String()),
	)
	for item := range in {
		s.Handle(ctx, item)
	}
	s.logger.Info("decision service stopped")
	return nil
}

// Handle processes one stream item.
func (s *DecisionService) Handle(ctx context.Context, item domain.FeedItem) {
	switch item.Kind {
	case domain.FeedMarket:
		s.mu.Lock()
		s.stats.MarketsReceived++
		s.mu.Unlock()
		if m := item.Market; m != nil {
			s.logger.InfoContext(ctx, "market received",
				slog.String("market_id", m.ID),
				slog.String("question", m.Question),
				slog.String("outcome_type", m.OutcomeType),
			)
		}

	case domain.FeedBet:
		s.mu.Lock()
		s.stats.BetsReceived++
		s.mu.Unlock()
		if b := item.Bet; b != nil {
			s.logger.DebugContext(ctx, "bet received",
				slog.String("market_id", b.ContractID),
				slog.String("prob_after", b.ProbAfter.String()),
			)
		}

	case domain.FeedDecision:
		if item.Decision != nil {
			s.handleDecision(ctx, *item.Decision, item.At)
		}
	}
}

func (s *DecisionService) handleDecision(ctx context.Context, d domain.Decision, at time.Time) {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	rec := RecordedDecision{Kind: d.Kind(), Decision: d, At: at}

	switch {
	case d.Signal != nil:
		rec.Actionable = s.policy.Actionable(*d.Signal)
		metrics.Decisions.WithLabelValues("signal", "").Inc()
		s.logSignal(ctx, *d.Signal, rec.Actionable)
	case d.Rejection != nil:
		metrics.Decisions.WithLabelValues("rejection", string(d.Rejection.Reason)).Inc()
		s.logger.InfoContext(ctx, "market rejected",
			slog.String("market_id", d.Rejection.MarketID),
			slog.String("reason", string(d.Rejection.Reason)),
			slog.String("detail", d.Rejection.Detail),
		)
	default:
		return
	}

	s.record(rec)

	// Sinks get their own deadline so in-flight decisions still land during
	// shutdown.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
	defer cancel()

	s.publish(sctx, rec)
	if s.store != nil {
		s.sinkErr(sctx, "postgres", s.store.Append(sctx, d))
	}
	if s.archive != nil {
		s.sinkErr(sctx, "s3", s.archive.Add(sctx, d))
	}
	if rec.Actionable && s.notifier.Enabled() {
		s.sinkErr(sctx, "notify", s.notifier.NotifySignal(sctx, *d.Signal))
	}
}

func (s *DecisionService) logSignal(ctx context.Context, sig domain.TradeSignal, actionable bool) {
	msg := "signal"
	if actionable {
		msg = "actionable signal"
	}
	attrs := []any{
		slog.String("signal_id", sig.ID),
		slog.String("market_id", sig.MarketID),
		slog.String("question", sig.Question),
		slog.String("direction", sig.Direction()),
		slog.String("market_prob", sig.MarketProbability.String()),
		slog.String("estimated_prob", sig.EstimatedProbability.String()),
		slog.String("edge", sig.Edge.String()),
	}
	if sig.TotalLiquidity != nil {
		attrs = append(attrs, slog.String("liquidity", sig.TotalLiquidity.String()))
	}
	s.logger.InfoContext(ctx, msg, attrs...)
}

func (s *DecisionService) publish(ctx context.Context, rec RecordedDecision) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		s.sinkErr(ctx, "redis", fmt.Errorf("service: marshal decision: %w", err))
		return
	}
	s.sinkErr(ctx, "redis", s.bus.Publish(ctx, domain.ChannelDecision, payload))
	s.sinkErr(ctx, "redis", s.bus.StreamAppend(ctx, domain.StreamDecisions, payload))
}

func (s *DecisionService) sinkErr(ctx context.Context, sink string, err error) {
	if err == nil {
		return
	}
	metrics.SinkErrors.WithLabelValues(sink).Inc()
	s.logger.WarnContext(ctx, "decision sink failed",
		slog.String("sink", sink),
		slog.String("error", err.Error()),
	)
}

func (s *DecisionService) record(rec RecordedDecision) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recent[s.next] = rec
	s.next = (s.next + 1) % len(s.recent)
	if s.next == 0 {
		s.full = true
	}

	at := rec.At
	s.stats.LastDecisionAt = &at
	switch {
	case rec.Decision.Signal != nil:
		s.stats.Signals++
		if rec.Actionable {
			s.stats.Actionable++
		}
	default:
		s.stats.Rejections++
	}
}

// Recent returns up to limit decisions, newest first, optionally filtered by
// kind ("signal" or "rejection").
func (s *DecisionService) Recent(limit int, kind string) []RecordedDecision {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := s.next
	if s.full {
		n = len(s.recent)
	}
	if limit <= 0 || limit > n {
		limit = n
	}

	out := make([]RecordedDecision, 0, limit)
	for i := 0; i < n && len(out) < limit; i++ {
		idx := (s.next - 1 - i + len(s.recent)) % len(s.recent)
		rec := s.recent[idx]
		if kind != "" && rec.Kind != kind {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// Stats returns a snapshot of the running counters.
func (s *DecisionService) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}
