package handler

import (
	"net/http"
	"time"

	"github.com/alanyoungcy/manifoldbot/internal/domain"
	"github.com/alanyoungcy/manifoldbot/internal/service"
)

// StatsSource exposes running decision counters.
type StatsSource interface {
	Stats() service.Stats
}

// StateSource exposes the stream connection state.
type StateSource interface {
	State() domain.ConnectionState
}

// StatusHandler serves the bot's runtime status.
type StatusHandler struct {
	mode      string
	startedAt time.Time
	state     StateSource
	stats     StatsSource
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(mode string, startedAt time.Time, state StateSource, stats StatsSource) *StatusHandler {
	return &StatusHandler{mode: mode, startedAt: startedAt, state: state, stats: stats}
}

// GetStatus responds with mode, connection state, counters and uptime.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":             h.mode,
		"connection_state": h.state.State().String(),
		"started_at":       h.startedAt.UTC().Format(time.RFC3339),
		"uptime_seconds":   int64(time.Since(h.startedAt).Seconds()),
		"stats":            h.stats.Stats(),
	})
}
