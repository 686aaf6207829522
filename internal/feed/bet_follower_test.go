package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/manifoldbot/internal/domain"
)

type fakeMarkets struct {
	mu    sync.Mutex
	calls map[string]int
	errs  map[string]error
}

func (f *fakeMarkets) GetMarket(_ context.Context, id string) (domain.MarketEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[id]++
	if err, ok := f.errs[id]; ok {
		return domain.MarketEvent{}, err
	}
	return domain.MarketEvent{ID: id, Question: "Q " + id}, nil
}

func (f *fakeMarkets) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func runFollower(t *testing.T, f *BetFollower, bets ...string) []domain.MarketEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	in := make(chan domain.BetEvent, len(bets))
	for _, id := range bets {
		in <- domain.BetEvent{ContractID: id}
	}
	close(in)

	var got []domain.MarketEvent
	for m := range f.Run(ctx, in) {
		got = append(got, m)
	}
	return got
}

func TestBetFollower_LooksUpEachMarketOnce(t *testing.T) {
	markets := &fakeMarkets{calls: map[string]int{}}
	f := NewBetFollower(markets, time.Hour, testLogger())

	got := runFollower(t, f, "a", "b", "a", "a", "b", "c")
	if len(got) != 3 {
		t.Fatalf("emitted %d markets, want 3", len(got))
	}
	for i, id := range []string{"a", "b", "c"} {
		if got[i].ID != id {
			t.Errorf("market[%d] = %s, want %s", i, got[i].ID, id)
		}
		if n := markets.count(id); n != 1 {
			t.Errorf("lookups for %s = %d, want 1", id, n)
		}
	}
}

func TestBetFollower_SeededMarketsAreSkipped(t *testing.T) {
	markets := &fakeMarkets{calls: map[string]int{}}
	f := NewBetFollower(markets, time.Hour, testLogger())
	f.Seed("a")

	got := runFollower(t, f, "a", "b")
	if len(got) != 1 || got[0].ID != "b" {
		t.Fatalf("got %+v, want only b", got)
	}
	if markets.count("a") != 0 {
		t.Error("seeded market was looked up")
	}
}

func TestBetFollower_LookupFailures(t *testing.T) {
	markets := &fakeMarkets{
		calls: map[string]int{},
		errs: map[string]error{
			"gone":     domain.ErrNotFound,
			"unpriced": fmt.Errorf("no probability: %w", domain.ErrInvalidInput),
			"flaky":    errors.New("boom"),
		},
	}
	f := NewBetFollower(markets, time.Hour, testLogger())

	got := runFollower(t, f, "gone", "gone", "unpriced", "unpriced", "flaky", "flaky", "")
	if len(got) != 0 {
		t.Fatalf("emitted %+v, want nothing", got)
	}
	if n := markets.count("gone"); n != 1 {
		t.Errorf("not-found lookups = %d, want 1", n)
	}
	if n := markets.count("unpriced"); n != 1 {
		t.Errorf("invalid-market lookups = %d, want 1", n)
	}
	if n := markets.count("flaky"); n != 2 {
		t.Errorf("transient lookups = %d, want 2 (retried on next bet)", n)
	}
	if n := markets.count(""); n != 0 {
		t.Errorf("empty contract id looked up %d times", n)
	}
}

func TestDedup_Expiry(t *testing.T) {
	now := time.Unix(1700000000, 0)
	d := NewDedup(time.Minute)
	d.now = func() time.Time { return now }

	if d.Seen("x") {
		t.Fatal("first Seen should be false")
	}
	if !d.Seen("x") {
		t.Fatal("second Seen should be true")
	}

	now = now.Add(2 * time.Minute)
	d.Cleanup()
	if d.Len() != 0 {
		t.Errorf("Len after cleanup = %d, want 0", d.Len())
	}
	if d.Seen("x") {
		t.Error("expired key should be recorded afresh")
	}
}
