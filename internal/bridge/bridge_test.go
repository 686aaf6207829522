package bridge

import (
	"context"
	"testing"
	"time"
)

func collect[T any](t *testing.T, ch <-chan T, timeout time.Duration) []T {
	t.Helper()
	var out []T
	deadline := time.After(timeout)
	for {
		select {
		case v, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, v)
		case <-deadline:
			t.Fatalf("output not closed after %s (%d values)", timeout, len(out))
		}
	}
}

func TestMerge_PreservesPerSourceOrder(t *testing.T) {
	a := make(chan int)
	b := make(chan int)

	go func() {
		defer close(a)
		for i := 0; i < 500; i++ {
			a <- i
		}
	}()
	go func() {
		defer close(b)
		for i := 1000; i < 1500; i++ {
			b <- i
		}
	}()

	got := collect(t, Merge(context.Background(), a, b), 5*time.Second)
	if len(got) != 1000 {
		t.Fatalf("got %d values, want 1000", len(got))
	}

	lastA, lastB := -1, 999
	for _, v := range got {
		if v < 1000 {
			if v <= lastA {
				t.Fatalf("source a out of order: %d after %d", v, lastA)
			}
			lastA = v
		} else {
			if v <= lastB {
				t.Fatalf("source b out of order: %d after %d", v, lastB)
			}
			lastB = v
		}
	}
}

func TestMerge_ProducersDoNotWaitForConsumer(t *testing.T) {
	a := make(chan int)
	b := make(chan int)
	out := Merge(context.Background(), a, b)

	sent := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			a <- i
		}
		close(a)
		close(b)
		close(sent)
	}()

	select {
	case <-sent:
	case <-time.After(5 * time.Second):
		t.Fatal("producer blocked on a consumer that never read")
	}

	got := collect(t, out, 5*time.Second)
	if len(got) != 10000 {
		t.Fatalf("got %d values, want 10000", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("got[%d] = %d", i, v)
		}
	}
}

func TestMerge_OneInputClosedKeepsRunning(t *testing.T) {
	a := make(chan string)
	b := make(chan string)
	out := Merge(context.Background(), a, b)

	close(a)
	b <- "late"

	select {
	case v := <-out:
		if v != "late" {
			t.Fatalf("got %q", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("bridge stopped after one input closed")
	}

	close(b)
	if rest := collect(t, out, 2*time.Second); len(rest) != 0 {
		t.Fatalf("unexpected values %v", rest)
	}
}

func TestMerge_CancelClosesOutput(t *testing.T) {
	a := make(chan int)
	b := make(chan int)
	ctx, cancel := context.WithCancel(context.Background())
	out := Merge(ctx, a, b)

	a <- 1
	cancel()

	// The queued value may or may not be delivered; the channel must close.
	got := collect(t, out, 2*time.Second)
	if len(got) > 1 {
		t.Fatalf("got %v after cancel", got)
	}
}

func TestMap(t *testing.T) {
	in := make(chan int, 3)
	in <- 1
	in <- 2
	in <- 3
	close(in)

	got := collect(t, Map(context.Background(), in, func(v int) int { return v * 10 }), 2*time.Second)
	want := []int{10, 20, 30}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestQueueGrowsAndWraps(t *testing.T) {
	q := newQueue[int](2)
	q.push(1)
	q.push(2)
	if q.pop() != 1 {
		t.Fatal("pop order")
	}
	q.push(3)
	q.push(4) // grows while wrapped
	for _, want := range []int{2, 3, 4} {
		if got := q.pop(); got != want {
			t.Fatalf("pop = %d, want %d", got, want)
		}
	}
	if q.len() != 0 {
		t.Fatalf("len = %d", q.len())
	}
}
