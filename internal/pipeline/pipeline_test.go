package pipeline

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/manifoldbot/internal/domain"
	"github.com/alanyoungcy/manifoldbot/internal/feed"
	"github.com/alanyoungcy/manifoldbot/internal/strategy"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
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
	}
}

// staticSource emits items then idles until cancelled, like the live feed.
type staticSource struct {
	items []domain.FeedItem
}

func (s *staticSource) Run(ctx context.Context, out chan<- domain.FeedItem) error {
	defer close(out)
	for _, item := range s.items {
		select {
		case out <- item:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

type fixedResearcher struct{ estimate string }

func (r fixedResearcher) Research(_ context.Context, m domain.MarketEvent) (domain.ResearchResult, error) {
	return domain.ResearchResult{
		MarketID:             m.ID,
		EstimatedProbability: decimal.RequireFromString(r.estimate),
		Reasoning:            "because",
	}, nil
}

type marketsByID map[string]domain.MarketEvent

func (m marketsByID) GetMarket(_ context.Context, id string) (domain.MarketEvent, error) {
	mk, ok := m[id]
	if !ok {
		return domain.MarketEvent{}, domain.ErrNotFound
	}
	return mk, nil
}

type recordingSink struct {
	mu    sync.Mutex
	items []domain.FeedItem
	seen  chan struct{}
}

func (s *recordingSink) Run(ctx context.Context, in <-chan domain.FeedItem) error {
	for item := range in {
		s.mu.Lock()
		s.items = append(s.items, item)
		s.mu.Unlock()
		s.seen <- struct{}{}
	}
	return nil
}

func (s *recordingSink) snapshot() []domain.FeedItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.FeedItem(nil), s.items...)
}

func TestPipeline_MergesReceivedAndDecisions(t *testing.T) {
	m1 := binaryMarket("m1", "0.50")
	m2 := binaryMarket("m2", "0.30")
	resolved := binaryMarket("m3", "0.50")
	resolved.IsResolved = true

	source := &staticSource{items: []domain.FeedItem{
		{Kind: domain.FeedMarket, Market: &m1},
		{Kind: domain.FeedBet, Bet: &domain.BetEvent{ContractID: "m1"}},
		{Kind: domain.FeedBet, Bet: &domain.BetEvent{ContractID: "m2"}},
		{Kind: domain.FeedMarket, Market: &resolved},
	}}
	engine := strategy.NewEngine(fixedResearcher{estimate: "0.65"}, testLogger())
	follower := feed.NewBetFollower(marketsByID{"m1": m1, "m2": m2}, time.Hour, testLogger())
	sink := &recordingSink{seen: make(chan struct{}, 64)}

	p := New(source, engine, sink, testLogger(), WithFollower(follower))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()

	// 4 received + decisions for m1, m2 (followed) and m3.
	const want = 7
	timeout := time.After(5 * time.Second)
	for i := 0; i < want; i++ {
		select {
		case <-sink.seen:
		case <-timeout:
			t.Fatalf("saw %d items, want %d: %+v", i, want, sink.snapshot())
		}
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run returned %v, want nil on cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	decisions := map[string]domain.Decision{}
	received := 0
	for _, item := range sink.snapshot() {
		switch item.Kind {
		case domain.FeedDecision:
			decisions[item.Decision.MarketID()] = *item.Decision
		case domain.FeedMarket, domain.FeedBet:
			received++
		}
	}
	if received != 4 {
		t.Errorf("received items = %d, want 4", received)
	}
	if len(decisions) != 3 {
		t.Fatalf("decisions = %v, want one each for m1, m2, m3", decisions)
	}
	if s := decisions["m1"].Signal; s == nil || !s.Edge.Equal(decimal.RequireFromString("0.15")) {
		t.Errorf("m1 decision = %+v", decisions["m1"])
	}
	if s := decisions["m2"].Signal; s == nil || !s.Edge.Equal(decimal.RequireFromString("0.35")) {
		t.Errorf("m2 decision = %+v", decisions["m2"])
	}
	if r := decisions["m3"].Rejection; r == nil || r.Reason != domain.RejectResolved {
		t.Errorf("m3 decision = %+v", decisions["m3"])
	}
}

type countingArchive struct {
	mu      sync.Mutex
	flushes int
}

func (a *countingArchive) Add(context.Context, domain.Decision) error { return nil }

func (a *countingArchive) Flush(context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.flushes++
	return 0, nil
}

func TestArchiver_FlushesOnShutdown(t *testing.T) {
	archive := &countingArchive{}
	a, err := NewArchiver(archive, "0 0 1 1 *", testLogger())
	if err != nil {
		t.Fatalf("NewArchiver: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.RunCron(ctx) }()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunCron did not return")
	}
	archive.mu.Lock()
	defer archive.mu.Unlock()
	if archive.flushes != 1 {
		t.Errorf("flushes = %d, want 1 final flush", archive.flushes)
	}
}

func TestParseCron(t *testing.T) {
	base := time.Date(2026, 5, 10, 12, 7, 30, 0, time.UTC) // Sunday

	tests := []struct {
		expr    string
		want    time.Time
		wantErr bool
	}{
		{expr: "0 * * * *", want: time.Date(2026, 5, 10, 13, 0, 0, 0, time.UTC)},
		{expr: "*/15 * * * *", want: time.Date(2026, 5, 10, 12, 15, 0, 0, time.UTC)},
		{expr: "30 3 * * *", want: time.Date(2026, 5, 11, 3, 30, 0, 0, time.UTC)},
		{expr: "0 0 * * 1", want: time.Date(2026, 5, 11, 0, 0, 0, 0, time.UTC)},
		{expr: "5,10 12 * * *", want: time.Date(2026, 5, 10, 12, 10, 0, 0, time.UTC)},
		{expr: "* * *", wantErr: true},
		{expr: "x * * * *", wantErr: true},
		{expr: "*/0 * * * *", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			c, err := parseCron(tt.expr)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected parse error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseCron: %v", err)
			}
			got, err := c.next(base)
			if err != nil {
				t.Fatalf("next: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("next = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestPipeline_WithoutEngineOnlyReportsReceived(t *testing.T) {
	m1 := binaryMarket("m1", "0.50")
	source := &staticSource{items: []domain.FeedItem{
		{Kind: domain.FeedMarket, Market: &m1},
		{Kind: domain.FeedBet, Bet: &domain.BetEvent{ContractID: "m1"}},
	}}
	sink := &recordingSink{seen: make(chan struct{}, 8)}
	p := New(source, nil, sink, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case <-sink.seen:
		case <-time.After(5 * time.Second):
			t.Fatalf("saw %d items, want 2", i)
		}
	}
	// Give a stray decision time to show up before shutting down.
	time.Sleep(50 * time.Millisecond)
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("Run = %v", err)
	}

	for _, item := range sink.snapshot() {
		if item.Kind == domain.FeedDecision {
			t.Errorf("unexpected decision %+v", item)
		}
	}
}
