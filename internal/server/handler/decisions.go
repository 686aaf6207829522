package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/alanyoungcy/manifoldbot/internal/domain"
	"github.com/alanyoungcy/manifoldbot/internal/service"
)

// RecentSource returns recent decisions from memory, newest first.
type RecentSource interface {
	Recent(limit int, kind string) []service.RecordedDecision
}

// StreamReader reads entries appended to a durable stream after a cursor.
type StreamReader interface {
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error)
}

// streamIDPattern matches Redis stream ids ("0", "1700000000000-0").
var streamIDPattern = regexp.MustCompile(`^\d+(-\d+)?$`)

// DecisionHandler serves recent decisions, from memory by default or from
// the decision store when one is configured and history is requested. When
// decisions are also appended to the bus stream, consumers can tail it with
// a cursor.
type DecisionHandler struct {
	recent RecentSource
	store  domain.DecisionStore
	stream StreamReader
	logger *slog.Logger
}

// NewDecisionHandler creates a DecisionHandler. store and stream may be nil.
func NewDecisionHandler(recent RecentSource, store domain.DecisionStore, stream StreamReader, logger *slog.Logger) *DecisionHandler {
	return &DecisionHandler{
		recent: recent,
		store:  store,
		stream: stream,
		logger: logger.With(slog.String("handler", "decisions")),
	}
}

// ListDecisions returns decisions newest first.
// GET /api/decisions?limit=&kind=signal|rejection&history=true&offset=&since=
func (h *DecisionHandler) ListDecisions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	kind := q.Get("kind")
	if kind != "" && kind != "signal" && kind != "rejection" {
		writeError(w, http.StatusBadRequest, "kind must be signal or rejection")
		return
	}
	limit := parseLimit(r)

	if q.Get("history") != "true" {
		writeJSON(w, http.StatusOK, map[string]any{
			"source":    "memory",
			"decisions": h.recent.Recent(limit, kind),
		})
		return
	}

	if h.store == nil {
		writeError(w, http.StatusNotImplemented, "decision history is not configured")
		return
	}
	opts := domain.ListOpts{Limit: limit, Offset: queryInt(r, "offset", 0), Kind: kind}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		opts.Since = &since
	}

	decisions, err := h.store.List(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list decisions", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list decisions")
		return
	}
	if decisions == nil {
		decisions = []domain.Decision{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"source":    "store",
		"decisions": decisions,
	})
}

type streamEntry struct {
	ID       string          `json:"id"`
	Decision json.RawMessage `json:"decision"`
}

// StreamDecisions returns decisions appended after the cursor, oldest first.
// Pass the returned next cursor as after to continue.
// GET /api/decisions/stream?after=&limit=
func (h *DecisionHandler) StreamDecisions(w http.ResponseWriter, r *http.Request) {
	if h.stream == nil {
		writeError(w, http.StatusNotImplemented, "decision stream is not configured")
		return
	}
	after := r.URL.Query().Get("after")
	if after == "" {
		after = "0"
	}
	if !streamIDPattern.MatchString(after) {
		writeError(w, http.StatusBadRequest, "after must be a stream id")
		return
	}

	msgs, err := h.stream.StreamRead(r.Context(), domain.StreamDecisions, after, parseLimit(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "read decision stream", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to read decision stream")
		return
	}

	entries := make([]streamEntry, 0, len(msgs))
	next := after
	for _, m := range msgs {
		next = m.ID
		// Skip anything that is not a JSON document rather than break the
		// response. The cursor still moves past it.
		if !json.Valid(m.Payload) {
			continue
		}
		entries = append(entries, streamEntry{ID: m.ID, Decision: m.Payload})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"source":    "stream",
		"decisions": entries,
		"next":      next,
	})
}
