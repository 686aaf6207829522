// Package metrics exposes Prometheus instruments for the stream, the
// decision engine and the downstream sinks.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "manifoldbot"

var (
	FramesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ws_frames_received_total", Help: "Inbound stream frames by type"},
		[]string{"type"},
	)
	FramesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ws_frames_dropped_total", Help: "Inbound stream frames dropped without effect"},
		[]string{"reason"},
	)
	Reconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ws_reconnects_total", Help: "Connection terminations handled by the supervisor"},
		[]string{"cause"},
	)
	ConnectionState = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: namespace, Name: "ws_state", Help: "Current supervisor state (0=disconnected 1=connecting 2=subscribing 3=active 4=backoff)"},
	)
	MarketsReceived = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: namespace, Name: "markets_received_total", Help: "New-contract events received"},
	)
	BetLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "bet_market_lookups_total", Help: "Market lookups triggered by followed bets"},
		[]string{"result"},
	)
	Decisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "decisions_total", Help: "Terminal decisions by kind and reason"},
		[]string{"kind", "reason"},
	)
	ResearchInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: namespace, Name: "research_in_flight", Help: "Research calls currently outstanding"},
	)
	ResearchLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "research_duration_seconds",
			Help:      "Research call latency by outcome",
			Buckets:   []float64{1, 2.5, 5, 10, 20, 40, 60, 90, 120},
		},
		[]string{"outcome"},
	)
	SinkErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "sink_errors_total", Help: "Failures writing decisions to downstream sinks"},
		[]string{"sink"},
	)
)

func init() {
	prometheus.MustRegister(
		FramesReceived,
		FramesDropped,
		Reconnects,
		ConnectionState,
		MarketsReceived,
		BetLookups,
		Decisions,
		ResearchInFlight,
		ResearchLatency,
		SinkErrors,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
