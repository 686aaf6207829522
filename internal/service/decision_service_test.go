package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/manifoldbot/internal/domain"
	"github.com/alanyoungcy/manifoldbot/internal/metrics"
	"github.com/alanyoungcy/manifoldbot/internal/notify"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func signal(id, edge string, liquidity *int64) domain.Decision {
	s := &domain.TradeSignal{
		ID:                   "sig-" + id,
		MarketID:             id,
		Question:             "Q " + id,
		MarketProbability:    decimal.RequireFromString("0.5"),
		EstimatedProbability: decimal.RequireFromString("0.5").Add(decimal.RequireFromString(edge)),
		Edge:                 decimal.RequireFromString(edge),
		Timestamp:            time.Now(),
	}
	if liquidity != nil {
		l := decimal.NewFromInt(*liquidity)
		s.TotalLiquidity = &l
	}
	return domain.Decision{Signal: s}
}

func rejection(id string, reason domain.RejectReason) domain.Decision {
	return domain.Decision{Rejection: &domain.RejectionRecord{MarketID: id, Reason: reason}}
}

func liq(n int64) *int64 { return &n }

func TestPolicy_Actionable(t *testing.T) {
	p := DefaultPolicy()
	tests := []struct {
		name string
		d    domain.Decision
		want bool
	}{
		{"edge at threshold", signal("a", "0.10", nil), true},
		{"edge below threshold", signal("b", "0.09", nil), false},
		{"large edge thin market", signal("c", "0.30", liq(50)), false},
		{"large edge liquid market", signal("d", "0.30", liq(100)), true},
		{"unknown liquidity passes", signal("e", "0.20", nil), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Actionable(*tt.d.Signal); got != tt.want {
				t.Errorf("Actionable = %v, want %v", got, tt.want)
			}
		})
	}
}

type memBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	streamed  map[string][][]byte
	fail      error
}

func newMemBus() *memBus {
	return &memBus{published: map[string][][]byte{}, streamed: map[string][][]byte{}}
}

func (b *memBus) Publish(_ context.Context, ch string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail != nil {
		return b.fail
	}
	b.published[ch] = append(b.published[ch], payload)
	return nil
}

func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) { return nil, nil }

func (b *memBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail != nil {
		return b.fail
	}
	b.streamed[stream] = append(b.streamed[stream], payload)
	return nil
}

func (b *memBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

type memStore struct {
	mu        sync.Mutex
	decisions []domain.Decision
}

func (s *memStore) Append(_ context.Context, d domain.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions = append(s.decisions, d)
	return nil
}

func (s *memStore) List(context.Context, domain.ListOpts) ([]domain.Decision, error) {
	return nil, nil
}

type memArchive struct{ added int }

func (a *memArchive) Add(context.Context, domain.Decision) error { a.added++; return nil }
func (a *memArchive) Flush(context.Context) (int, error)         { return a.added, nil }

type stubSender struct{ titles []string }

func (s *stubSender) Send(_ context.Context, title, _ string) error {
	s.titles = append(s.titles, title)
	return nil
}
func (s *stubSender) Name() string { return "stub" }

func run(t *testing.T, s *DecisionService, items ...domain.FeedItem) {
	t.Helper()
	in := make(chan domain.FeedItem, len(items))
	for _, item := range items {
		in <- item
	}
	close(in)
	if err := s.Run(context.Background(), in); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestDecisionService_FansOutAndFlagsActionable(t *testing.T) {
	bus := newMemBus()
	store := &memStore{}
	archive := &memArchive{}
	sender := &stubSender{}
	n := notify.NewNotifier([]notify.Sender{sender}, nil, testLogger())

	s := NewDecisionService(DefaultPolicy(), testLogger(),
		WithBus(bus), WithStore(store), WithArchive(archive), WithNotifier(n))

	m := domain.MarketEvent{ID: "m0"}
	run(t, s,
		domain.FeedItem{Kind: domain.FeedMarket, Market: &m},
		domain.FeedItem{Kind: domain.FeedBet, Bet: &domain.BetEvent{ContractID: "m0"}},
		domain.DecisionItem(signal("big", "0.15", nil)),
		domain.DecisionItem(signal("small", "0.02", nil)),
		domain.DecisionItem(rejection("r", domain.RejectResolved)),
	)

	if len(store.decisions) != 3 || archive.added != 3 {
		t.Errorf("store = %d, archive = %d, want 3 each", len(store.decisions), archive.added)
	}
	if got := len(bus.published[domain.ChannelDecision]); got != 3 {
		t.Errorf("published = %d, want 3", got)
	}
	if got := len(bus.streamed[domain.StreamDecisions]); got != 3 {
		t.Errorf("streamed = %d, want 3", got)
	}
	if len(sender.titles) != 1 {
		t.Errorf("notifications = %v, want only the actionable signal", sender.titles)
	}

	var first RecordedDecision
	if err := json.Unmarshal(bus.published[domain.ChannelDecision][0], &first); err != nil {
		t.Fatalf("decode published: %v", err)
	}
	if first.Kind != "signal" || !first.Actionable || first.Decision.MarketID() != "big" {
		t.Errorf("published = %+v", first)
	}

	st := s.Stats()
	if st.MarketsReceived != 1 || st.BetsReceived != 1 || st.Signals != 2 || st.Actionable != 1 || st.Rejections != 1 {
		t.Errorf("stats = %+v", st)
	}
	if st.LastDecisionAt == nil {
		t.Error("LastDecisionAt not set")
	}
}

func TestDecisionService_SinkFailureDoesNotStopConsumption(t *testing.T) {
	bus := newMemBus()
	bus.fail = errors.New("redis down")
	s := NewDecisionService(DefaultPolicy(), testLogger(), WithBus(bus))

	before := testutil.ToFloat64(metrics.SinkErrors.WithLabelValues("redis"))
	run(t, s,
		domain.DecisionItem(rejection("a", domain.RejectNotBinary)),
		domain.DecisionItem(rejection("b", domain.RejectNotCPMM)),
	)

	if got := testutil.ToFloat64(metrics.SinkErrors.WithLabelValues("redis")) - before; got != 4 {
		t.Errorf("redis sink errors = %v, want 4 (publish + stream per decision)", got)
	}
	if got := len(s.Recent(0, "")); got != 2 {
		t.Errorf("recent = %d, want 2", got)
	}
}

func TestDecisionService_RecentRing(t *testing.T) {
	s := NewDecisionService(DefaultPolicy(), testLogger(), WithRecentSize(3))

	var items []domain.FeedItem
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		items = append(items, domain.DecisionItem(rejection(id, domain.RejectResolved)))
	}
	items = append(items, domain.DecisionItem(signal("f", "0.2", nil)))
	run(t, s, items...)

	got := s.Recent(10, "")
	ids := make([]string, len(got))
	for i, r := range got {
		ids[i] = r.Decision.MarketID()
	}
	if len(ids) != 3 || ids[0] != "f" || ids[1] != "e" || ids[2] != "d" {
		t.Errorf("recent = %v, want [f e d]", ids)
	}

	if got := s.Recent(1, ""); len(got) != 1 || got[0].Decision.MarketID() != "f" {
		t.Errorf("Recent(1) = %+v", got)
	}
	if got := s.Recent(0, "rejection"); len(got) != 2 {
		t.Errorf("rejections = %d, want 2", len(got))
	}
}

func TestDecisionService_CountsDecisionMetrics(t *testing.T) {
	s := NewDecisionService(DefaultPolicy(), testLogger())
	c := metrics.Decisions.WithLabelValues("rejection", string(domain.RejectNotPublic))
	before := testutil.ToFloat64(c)

	run(t, s, domain.DecisionItem(rejection("x", domain.RejectNotPublic)))

	if got := testutil.ToFloat64(c) - before; got != 1 {
		t.Errorf("decisions_total delta = %v, want 1", got)
	}
}
