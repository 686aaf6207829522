package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/manifoldbot/internal/domain"
)

const (
	// DefaultBatchSize triggers a flush from Add.
	DefaultBatchSize = 500

	// maxBufferedBatches caps how much is kept while uploads keep failing.
	maxBufferedBatches = 10
)

// DecisionArchiver implements domain.DecisionArchiver. Decisions are buffered
// in memory and written as one JSONL object per flush under
// <prefix>/decisions/YYYY/MM/DD/.
type DecisionArchiver struct {
	writer    domain.BlobWriter
	prefix    string
	batchSize int
	now       func() time.Time
	logger    *slog.Logger

	mu  sync.Mutex
	buf []domain.Decision
}

// NewDecisionArchiver creates an archiver. A non-positive batchSize uses
// DefaultBatchSize.
func NewDecisionArchiver(writer domain.BlobWriter, prefix string, batchSize int, logger *slog.Logger) *DecisionArchiver {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if prefix == "" {
		prefix = "archive"
	}
	return &DecisionArchiver{
		writer:    writer,
		prefix:    prefix,
		batchSize: batchSize,
		now:       time.Now,
		logger:    logger.With(slog.String("component", "decision_archiver")),
	}
}

// Add buffers d and flushes once a full batch is pending.
func (a *DecisionArchiver) Add(ctx context.Context, d domain.Decision) error {
	a.mu.Lock()
	a.buf = append(a.buf, d)
	full := len(a.buf) >= a.batchSize
	a.mu.Unlock()

	if !full {
		return nil
	}
	_, err := a.Flush(ctx)
	return err
}

// Flush uploads everything buffered. On failure the records are put back,
// up to a bounded backlog, so the next flush retries them.
func (a *DecisionArchiver) Flush(ctx context.Context) (int, error) {
	a.mu.Lock()
	batch := a.buf
	a.buf = nil
	a.mu.Unlock()

	if len(batch) == 0 {
		return 0, nil
	}

	data, err := marshalJSONL(batch)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive marshal: %w", err)
	}

	path := archivePath(a.prefix, a.now())
	if err := a.writer.Put(ctx, path, bytes.NewReader(data), "application/x-ndjson"); err != nil {
		a.requeue(batch)
		return 0, fmt.Errorf("s3blob: archive upload: %w", err)
	}

	a.logger.InfoContext(ctx, "decisions archived",
		slog.String("path", path),
		slog.Int("count", len(batch)),
	)
	return len(batch), nil
}

// Pending returns the number of buffered decisions.
func (a *DecisionArchiver) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buf)
}

func (a *DecisionArchiver) requeue(batch []domain.Decision) {
	a.mu.Lock()
	defer a.mu.Unlock()

	merged := append(batch, a.buf...)
	limit := a.batchSize * maxBufferedBatches
	if over := len(merged) - limit; over > 0 {
		a.logger.Warn("archive backlog full, dropping oldest decisions", slog.Int("dropped", over))
		merged = merged[over:]
	}
	a.buf = merged
}

// archivePath returns <prefix>/decisions/YYYY/MM/DD/<timestamp>-<id>.jsonl.
func archivePath(prefix string, at time.Time) string {
	at = at.UTC()
	return fmt.Sprintf("%s/decisions/%s/%s-%s.jsonl",
		prefix,
		at.Format("2006/01/02"),
		at.Format("20060102T150405Z"),
		uuid.NewString()[:8],
	)
}

// marshalJSONL serialises records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
