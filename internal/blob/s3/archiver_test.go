package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/manifoldbot/internal/domain"
)

type memWriter struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	fail    error
}

func newMemWriter() *memWriter {
	return &memWriter{objects: map[string][]byte{}, types: map[string]string{}}
}

func (w *memWriter) Put(_ context.Context, path string, r io.Reader, contentType string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail != nil {
		return w.fail
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	w.objects[path] = data
	w.types[path] = contentType
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func rejection(id string) domain.Decision {
	return domain.Decision{Rejection: &domain.RejectionRecord{
		MarketID: id,
		Reason:   domain.RejectResolved,
	}}
}

func TestDecisionArchiver_FlushesFullBatch(t *testing.T) {
	w := newMemWriter()
	a := NewDecisionArchiver(w, "arch", 3, testLogger())
	a.now = func() time.Time { return time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC) }

	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if err := a.Add(ctx, rejection(id)); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if len(w.objects) != 0 {
		t.Fatal("flushed before batch was full")
	}
	if err := a.Add(ctx, rejection("c")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if len(w.objects) != 1 {
		t.Fatalf("objects = %d, want 1", len(w.objects))
	}

	for path, data := range w.objects {
		if !strings.HasPrefix(path, "arch/decisions/2026/03/04/20260304T050607Z-") || !strings.HasSuffix(path, ".jsonl") {
			t.Errorf("path = %s", path)
		}
		if w.types[path] != "application/x-ndjson" {
			t.Errorf("content type = %s", w.types[path])
		}

		var ids []string
		sc := bufio.NewScanner(bytes.NewReader(data))
		for sc.Scan() {
			var d domain.Decision
			if err := json.Unmarshal(sc.Bytes(), &d); err != nil {
				t.Fatalf("line %q: %v", sc.Text(), err)
			}
			ids = append(ids, d.MarketID())
		}
		if strings.Join(ids, ",") != "a,b,c" {
			t.Errorf("archived ids = %v", ids)
		}
	}
	if a.Pending() != 0 {
		t.Errorf("Pending = %d after flush", a.Pending())
	}
}

func TestDecisionArchiver_FailedUploadIsRetried(t *testing.T) {
	w := newMemWriter()
	w.fail = errors.New("bucket unreachable")
	a := NewDecisionArchiver(w, "", 10, testLogger())

	ctx := context.Background()
	_ = a.Add(ctx, rejection("a"))
	if _, err := a.Flush(ctx); err == nil {
		t.Fatal("Flush succeeded, want error")
	}
	if a.Pending() != 1 {
		t.Fatalf("Pending = %d, want 1 after failed flush", a.Pending())
	}

	w.fail = nil
	n, err := a.Flush(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Flush = %d, %v", n, err)
	}
}

func TestDecisionArchiver_BacklogIsBounded(t *testing.T) {
	w := newMemWriter()
	w.fail = errors.New("down")
	a := NewDecisionArchiver(w, "", 1, testLogger())

	ctx := context.Background()
	for i := 0; i < maxBufferedBatches+5; i++ {
		_ = a.Add(ctx, rejection("x"))
	}
	if got := a.Pending(); got != maxBufferedBatches {
		t.Errorf("Pending = %d, want %d", got, maxBufferedBatches)
	}
}

func TestNormaliseEndpoint(t *testing.T) {
	tests := []struct {
		in     string
		useSSL bool
		want   string
	}{
		{"localhost:9000", false, "http://localhost:9000"},
		{"s3.example.com", true, "https://s3.example.com"},
		{"http://minio:9000", true, "http://minio:9000"},
	}
	for _, tt := range tests {
		if got := normaliseEndpoint(tt.in, tt.useSSL); got != tt.want {
			t.Errorf("normaliseEndpoint(%q, %v) = %q, want %q", tt.in, tt.useSSL, got, tt.want)
		}
	}
}
