package strategy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/manifoldbot/internal/domain"
	"github.com/alanyoungcy/manifoldbot/internal/platform/xai"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type researchFunc func(ctx context.Context, m domain.MarketEvent) (domain.ResearchResult, error)

type fakeResearcher struct {
	calls atomic.Int32
	fn    researchFunc
}

func (f *fakeResearcher) Research(ctx context.Context, m domain.MarketEvent) (domain.ResearchResult, error) {
	f.calls.Add(1)
	return f.fn(ctx, m)
}

// replying returns a researcher whose collaborator answers with text.
func replying(text string) *fakeResearcher {
	return &fakeResearcher{fn: func(_ context.Context, m domain.MarketEvent) (domain.ResearchResult, error) {
		return xai.ParseResearch(m.ID, text)
	}}
}

func binaryMarket(id, prob string) domain.MarketEvent {
	p := decimal.RequireFromString(prob)
	return domain.MarketEvent{
		ID:          id,
		Question:    "Question " + id,
		OutcomeType: domain.OutcomeBinary,
		Mechanism:   domain.MechanismCPMM,
		Visibility:  domain.VisibilityPublic,
		Probability: &p,
		CreatedTime: time.Now(),
	}
}

func feed(markets ...domain.MarketEvent) <-chan domain.MarketEvent {
	ch := make(chan domain.MarketEvent, len(markets))
	for _, m := range markets {
		ch <- m
	}
	close(ch)
	return ch
}

func collect(t *testing.T, ch <-chan domain.Decision) []domain.Decision {
	t.Helper()
	var out []domain.Decision
	timeout := time.After(5 * time.Second)
	for {
		select {
		case d, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, d)
		case <-timeout:
			t.Fatalf("decision stream not closed (%d decisions so far)", len(out))
		}
	}
}

func TestEngine_EdgeComputation(t *testing.T) {
	r := replying("PROBABILITY: 65%\nREASONING: Multiple credible sources confirm.")
	e := NewEngine(r, testLogger())

	got := collect(t, e.Run(context.Background(), feed(binaryMarket("m1", "0.50"))))
	if len(got) != 1 || got[0].Signal == nil {
		t.Fatalf("decisions = %+v, want one signal", got)
	}
	sig := got[0].Signal
	if !sig.Edge.Equal(decimal.RequireFromString("0.15")) {
		t.Errorf("edge = %s, want 0.15", sig.Edge)
	}
	if !sig.EstimatedProbability.Equal(decimal.RequireFromString("0.65")) {
		t.Errorf("estimate = %s, want 0.65", sig.EstimatedProbability)
	}
	if !sig.MarketProbability.Equal(decimal.RequireFromString("0.5")) {
		t.Errorf("market = %s, want 0.5", sig.MarketProbability)
	}
	if sig.MarketID != "m1" || sig.ID == "" || sig.Reasoning == "" {
		t.Errorf("signal = %+v", sig)
	}
	if sig.Direction() != "YES" {
		t.Errorf("direction = %q", sig.Direction())
	}
}

func TestEngine_EdgeIsAbsolute(t *testing.T) {
	r := replying("PROBABILITY: 20%\nREASONING: unlikely")
	e := NewEngine(r, testLogger())

	got := collect(t, e.Run(context.Background(), feed(binaryMarket("m1", "0.35"))))
	if len(got) != 1 || got[0].Signal == nil {
		t.Fatalf("decisions = %+v", got)
	}
	if !got[0].Signal.Edge.Equal(decimal.RequireFromString("0.15")) {
		t.Errorf("edge = %s, want 0.15", got[0].Signal.Edge)
	}
	if got[0].Signal.Direction() != "NO" {
		t.Errorf("direction = %q", got[0].Signal.Direction())
	}
}

func TestEngine_SmallEdgeStillEmitsSignal(t *testing.T) {
	r := replying("PROBABILITY: 50%\nREASONING: fairly priced")
	e := NewEngine(r, testLogger())

	got := collect(t, e.Run(context.Background(), feed(binaryMarket("m1", "0.5"))))
	if len(got) != 1 || got[0].Signal == nil {
		t.Fatalf("decisions = %+v, want one signal", got)
	}
	if !got[0].Signal.Edge.IsZero() {
		t.Errorf("edge = %s, want 0", got[0].Signal.Edge)
	}
}

func TestEngine_MissingProbabilityLine(t *testing.T) {
	r := replying("REASONING: I could not find anything.")
	e := NewEngine(r, testLogger())

	got := collect(t, e.Run(context.Background(), feed(binaryMarket("m1", "0.5"))))
	if len(got) != 1 || got[0].Rejection == nil {
		t.Fatalf("decisions = %+v, want one rejection", got)
	}
	if got[0].Signal != nil {
		t.Error("rejection must not carry a signal")
	}
	if got[0].Rejection.Reason != domain.RejectResearchFailed {
		t.Errorf("reason = %s, want research_failed", got[0].Rejection.Reason)
	}
}

func TestEngine_ResearchErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		res  domain.ResearchResult
		want domain.RejectReason
	}{
		{name: "call failed", err: fmt.Errorf("xai: %w: HTTP 500", domain.ErrResearch), want: domain.RejectResearchFailed},
		{name: "skipped", err: fmt.Errorf("xai: %w: subjective", domain.ErrResearchSkipped), want: domain.RejectResearchSkip},
		{name: "estimate above one", res: domain.ResearchResult{EstimatedProbability: decimal.RequireFromString("1.2")}, want: domain.RejectResearchFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &fakeResearcher{fn: func(context.Context, domain.MarketEvent) (domain.ResearchResult, error) {
				return tt.res, tt.err
			}}
			e := NewEngine(r, testLogger())

			got := collect(t, e.Run(context.Background(), feed(binaryMarket("m1", "0.5"))))
			if len(got) != 1 || got[0].Rejection == nil {
				t.Fatalf("decisions = %+v, want one rejection", got)
			}
			if got[0].Rejection.Reason != tt.want {
				t.Errorf("reason = %s, want %s", got[0].Rejection.Reason, tt.want)
			}
		})
	}
}

func TestEngine_FilterRejectsWithoutResearch(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.MarketEvent)
		want   domain.RejectReason
	}{
		{name: "multiple choice", mutate: func(m *domain.MarketEvent) { m.OutcomeType = "MULTIPLE_CHOICE"; m.Probability = nil }, want: domain.RejectNotBinary},
		{name: "resolved", mutate: func(m *domain.MarketEvent) { m.IsResolved = true }, want: domain.RejectResolved},
		{name: "dpm mechanism", mutate: func(m *domain.MarketEvent) { m.Mechanism = "dpm-2" }, want: domain.RejectNotCPMM},
		{name: "unlisted", mutate: func(m *domain.MarketEvent) { m.Visibility = "unlisted" }, want: domain.RejectNotPublic},
		{
			name: "first failing predicate wins",
			mutate: func(m *domain.MarketEvent) {
				m.IsResolved = true
				m.Visibility = "private"
			},
			want: domain.RejectResolved,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := replying("PROBABILITY: 90%\nREASONING: x")
			e := NewEngine(r, testLogger())

			m := binaryMarket("m1", "0.5")
			tt.mutate(&m)

			got := collect(t, e.Run(context.Background(), feed(m)))
			if len(got) != 1 || got[0].Rejection == nil {
				t.Fatalf("decisions = %+v, want one rejection", got)
			}
			if got[0].Rejection.Reason != tt.want {
				t.Errorf("reason = %s, want %s", got[0].Rejection.Reason, tt.want)
			}
			if n := r.calls.Load(); n != 0 {
				t.Errorf("research calls = %d, want 0", n)
			}
		})
	}
}

func TestEngine_LaterMarketCanFinishFirst(t *testing.T) {
	releaseA := make(chan struct{})
	r := &fakeResearcher{fn: func(ctx context.Context, m domain.MarketEvent) (domain.ResearchResult, error) {
		if m.ID == "A" {
			select {
			case <-releaseA:
			case <-ctx.Done():
				return domain.ResearchResult{}, ctx.Err()
			}
		}
		return xai.ParseResearch(m.ID, "PROBABILITY: 60%\nREASONING: ok")
	}}
	e := NewEngine(r, testLogger())

	in := make(chan domain.MarketEvent, 2)
	in <- binaryMarket("A", "0.5")
	in <- binaryMarket("B", "0.5")
	close(in)
	out := e.Run(context.Background(), in)

	select {
	case d := <-out:
		if d.MarketID() != "B" {
			t.Fatalf("first decision for %s, want B", d.MarketID())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("B was blocked behind A")
	}

	close(releaseA)
	rest := collect(t, out)
	if len(rest) != 1 || rest[0].MarketID() != "A" {
		t.Fatalf("remaining decisions = %+v, want A", rest)
	}
}

func TestEngine_CancelDiscardsInFlightResearch(t *testing.T) {
	started := make(chan struct{})
	r := &fakeResearcher{fn: func(ctx context.Context, m domain.MarketEvent) (domain.ResearchResult, error) {
		close(started)
		<-ctx.Done()
		return domain.ResearchResult{}, fmt.Errorf("xai: %w: %w", domain.ErrResearch, ctx.Err())
	}}
	e := NewEngine(r, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	in := make(chan domain.MarketEvent, 1)
	in <- binaryMarket("m1", "0.5")
	out := e.Run(ctx, in)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("research never started")
	}
	cancel()

	if got := collect(t, out); len(got) != 0 {
		t.Fatalf("decisions after cancel = %+v, want none", got)
	}
}

func TestEngine_OneRecordPerMarket(t *testing.T) {
	r := &fakeResearcher{fn: func(_ context.Context, m domain.MarketEvent) (domain.ResearchResult, error) {
		var n int
		fmt.Sscanf(m.ID, "m%d", &n)
		if n%3 == 0 {
			return domain.ResearchResult{}, domain.ErrResearch
		}
		return xai.ParseResearch(m.ID, fmt.Sprintf("PROBABILITY: %d%%\nREASONING: r", n))
	}}
	e := NewEngine(r, testLogger())

	var markets []domain.MarketEvent
	for i := 0; i < 30; i++ {
		m := binaryMarket(fmt.Sprintf("m%d", i), "0.5")
		if i%5 == 0 {
			m.Visibility = "private"
		}
		markets = append(markets, m)
	}

	got := collect(t, e.Run(context.Background(), feed(markets...)))
	seen := make(map[string]int)
	for _, d := range got {
		if (d.Signal == nil) == (d.Rejection == nil) {
			t.Fatalf("decision must hold exactly one record: %+v", d)
		}
		seen[d.MarketID()]++
	}
	if len(seen) != len(markets) {
		t.Fatalf("got records for %d markets, want %d", len(seen), len(markets))
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("market %s has %d records", id, n)
		}
	}
}

func TestEngine_MaxInFlight(t *testing.T) {
	var cur, peak atomic.Int32
	var mu sync.Mutex
	r := &fakeResearcher{fn: func(_ context.Context, m domain.MarketEvent) (domain.ResearchResult, error) {
		n := cur.Add(1)
		mu.Lock()
		if n > peak.Load() {
			peak.Store(n)
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		cur.Add(-1)
		return xai.ParseResearch(m.ID, "PROBABILITY: 10%\nREASONING: r")
	}}
	e := NewEngine(r, testLogger(), WithMaxInFlight(2))

	var markets []domain.MarketEvent
	for i := 0; i < 10; i++ {
		markets = append(markets, binaryMarket(fmt.Sprintf("m%d", i), "0.5"))
	}

	got := collect(t, e.Run(context.Background(), feed(markets...)))
	if len(got) != 10 {
		t.Fatalf("decisions = %d, want 10", len(got))
	}
	if p := peak.Load(); p > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", p)
	}
}

type countingLimiter struct {
	waits atomic.Int32
	err   error
}

func (l *countingLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return true, nil
}

func (l *countingLimiter) Wait(context.Context, string, int, time.Duration) error {
	l.waits.Add(1)
	return l.err
}

func TestEngine_RateLimiterConsultedAndFailsOpen(t *testing.T) {
	lim := &countingLimiter{err: errors.New("redis down")}
	r := replying("PROBABILITY: 30%\nREASONING: r")
	e := NewEngine(r, testLogger(), WithRateLimit(lim, 10, time.Minute))

	got := collect(t, e.Run(context.Background(), feed(binaryMarket("a", "0.5"), binaryMarket("b", "0.5"))))
	if len(got) != 2 {
		t.Fatalf("decisions = %d, want 2", len(got))
	}
	for _, d := range got {
		if d.Signal == nil {
			t.Errorf("decision %+v, want signal", d)
		}
	}
	if n := lim.waits.Load(); n != 2 {
		t.Errorf("limiter waits = %d, want 2", n)
	}
}

func TestMarketProbabilityPanicsWhenMissing(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for accepted market without probability")
		}
	}()
	m := binaryMarket("m1", "0.5")
	m.Probability = nil
	marketProbability(m)
}
