package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/semaphore"

	"github.com/alanyoungcy/manifoldbot/internal/domain"
	"github.com/alanyoungcy/manifoldbot/internal/metrics"
)

// researchRateKey is the rate limiter bucket shared by all research calls.
const researchRateKey = "research"

// Engine turns market events into decisions. Each event passing Filter gets
// one asynchronous research call; the result is compared against the
// market's price and emitted as a TradeSignal regardless of edge size.
// Events failing Filter, and research that fails, become RejectionRecords.
type Engine struct {
	researcher domain.Researcher
	sem        *semaphore.Weighted // nil means unbounded

	limiter    domain.RateLimiter
	rateLimit  int
	rateWindow time.Duration

	now    func() time.Time
	logger *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxInFlight caps the number of concurrent research calls. Intake is
// not blocked; excess calls wait for a slot.
func WithMaxInFlight(n int64) Option {
	return func(e *Engine) {
		if n > 0 {
			e.sem = semaphore.NewWeighted(n)
		}
	}
}

// WithRateLimit caps research calls to limit per window using a shared
// limiter. Limiter errors other than cancellation are logged and ignored.
func WithRateLimit(l domain.RateLimiter, limit int, window time.Duration) Option {
	return func(e *Engine) {
		if l != nil && limit > 0 && window > 0 {
			e.limiter = l
			e.rateLimit = limit
			e.rateWindow = window
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an Engine that researches markets with researcher.
func NewEngine(researcher domain.Researcher, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		researcher: researcher,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logger.With(slog.String("component", "decision_engine")),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run consumes in and returns the decision stream. Decisions are emitted in
// completion order, not arrival order. The output is closed after in is
// closed and every in-flight research call has finished, or when ctx is
// cancelled; research cancelled this way emits nothing.
func (e *Engine) Run(ctx context.Context, in <-chan domain.MarketEvent) <-chan domain.Decision {
	out := make(chan domain.Decision)
	go e.run(ctx, in, out)
	return out
}

func (e *Engine) run(ctx context.Context, in <-chan domain.MarketEvent, out chan<- domain.Decision) {
	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		close(out)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-in:
			if !ok {
				return
			}
			e.dispatch(ctx, m, out, &wg)
		}
	}
}

// dispatch filters m and either emits a rejection immediately or starts a
// research goroutine. It never waits on research.
func (e *Engine) dispatch(ctx context.Context, m domain.MarketEvent, out chan<- domain.Decision, wg *sync.WaitGroup) {
	if reason, ok := Filter(m); !ok {
		e.logger.DebugContext(ctx, "market filtered",
			slog.String("market_id", m.ID),
			slog.String("reason", string(reason)),
		)
		e.emit(ctx, out, e.reject(m, reason, ""))
		return
	}

	price := marketProbability(m)

	e.logger.InfoContext(ctx, "researching market",
		slog.String("market_id", m.ID),
		slog.String("question", m.Question),
		slog.String("market_probability", price.String()),
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		d, ok := e.research(ctx, m, price)
		if !ok {
			return
		}
		e.emit(ctx, out, d)
	}()
}

// research runs one research call. ok is false when ctx was cancelled and
// the result must be discarded.
func (e *Engine) research(ctx context.Context, m domain.MarketEvent, price decimal.Decimal) (domain.Decision, bool) {
	if e.sem != nil {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			return domain.Decision{}, false
		}
		defer e.sem.Release(1)
	}
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx, researchRateKey, e.rateLimit, e.rateWindow); err != nil {
			if ctx.Err() != nil {
				return domain.Decision{}, false
			}
			e.logger.WarnContext(ctx, "research rate limiter unavailable",
				slog.String("error", err.Error()),
			)
		}
	}

	metrics.ResearchInFlight.Inc()
	start := time.Now()
	res, err := e.researcher.Research(ctx, m)
	metrics.ResearchInFlight.Dec()

	if ctx.Err() != nil {
		metrics.ResearchLatency.WithLabelValues("cancelled").Observe(time.Since(start).Seconds())
		return domain.Decision{}, false
	}

	if err == nil {
		err = validateEstimate(res.EstimatedProbability)
	}
	if err != nil {
		reason := domain.RejectResearchFailed
		outcome := "failed"
		if errors.Is(err, domain.ErrResearchSkipped) {
			reason = domain.RejectResearchSkip
			outcome = "skipped"
		}
		metrics.ResearchLatency.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
		e.logger.WarnContext(ctx, "research did not produce an estimate",
			slog.String("market_id", m.ID),
			slog.String("reason", string(reason)),
			slog.String("error", err.Error()),
		)
		return e.reject(m, reason, err.Error()), true
	}
	metrics.ResearchLatency.WithLabelValues("ok").Observe(time.Since(start).Seconds())

	sig := domain.TradeSignal{
		ID:                   uuid.NewString(),
		MarketID:             m.ID,
		Question:             m.Question,
		MarketProbability:    price,
		EstimatedProbability: res.EstimatedProbability,
		Edge:                 res.EstimatedProbability.Sub(price).Abs(),
		Reasoning:            res.Reasoning,
		TotalLiquidity:       m.TotalLiquidity,
		Timestamp:            e.now(),
	}
	return domain.Decision{Signal: &sig}, true
}

func (e *Engine) reject(m domain.MarketEvent, reason domain.RejectReason, detail string) domain.Decision {
	return domain.Decision{Rejection: &domain.RejectionRecord{
		MarketID:  m.ID,
		Question:  m.Question,
		Reason:    reason,
		Detail:    detail,
		Timestamp: e.now(),
	}}
}

func (e *Engine) emit(ctx context.Context, out chan<- domain.Decision, d domain.Decision) {
	select {
	case out <- d:
	case <-ctx.Done():
	}
}

var one = decimal.NewFromInt(1)

func validateEstimate(p decimal.Decimal) error {
	if p.IsNegative() || p.GreaterThan(one) {
		return fmt.Errorf("strategy: %w: estimate %s outside [0,1]", domain.ErrResearchParse, p)
	}
	return nil
}
