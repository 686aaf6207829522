package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/manifoldbot/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPolicyFromConfig(t *testing.T) {
	p := policy(config.StrategyConfig{MinEdge: 0.25, MinLiquidity: 50})
	if !p.MinEdge.Equal(decimal.RequireFromString("0.25")) || !p.MinLiquidity.Equal(decimal.NewFromInt(50)) {
		t.Errorf("policy = %+v", p)
	}
}

func TestManifoldTimeoutsFromConfig(t *testing.T) {
	cfg := config.Defaults()
	got := manifoldTimeouts(cfg.Manifold)
	if got.AckTimeout != 120*time.Second || got.PingInterval != 30*time.Second ||
		got.PingTimeout != 60*time.Second || got.IdleTimeout != 300*time.Second {
		t.Errorf("timeouts = %+v", got)
	}
	if got.CheckInterval <= 0 {
		t.Error("check interval should keep its default")
	}
}

func TestWire_NoBackends(t *testing.T) {
	cfg := config.Defaults()
	cfg.Mode = config.ModeMonitor

	deps, cleanup, err := Wire(context.Background(), &cfg, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer cleanup()

	if deps.Researcher != nil {
		t.Error("monitor mode should not build a researcher")
	}
	if deps.SignalBus != nil || deps.DecisionStore != nil || deps.DecisionArchive != nil {
		t.Error("disabled backends should stay nil")
	}
	if deps.Manifold == nil || deps.Notifier == nil {
		t.Error("REST client and notifier are always wired")
	}
	if deps.Notifier.Enabled() {
		t.Error("notifier without senders should be disabled")
	}
	if len(deps.HealthChecks) != 0 {
		t.Errorf("health checks = %v", deps.HealthChecks)
	}
}

func TestApp_MonitorModeStreamsAndShutsDown(t *testing.T) {
	subscribed := make(chan []string, 1)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ws := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var frame struct {
			Type   string   `json:"type"`
			TxID   int64    `json:"txid"`
			Topics []string `json:"topics"`
		}
		_, data, err := conn.ReadMessage()
		if err != nil || json.Unmarshal(data, &frame) != nil {
			return
		}
		_ = conn.WriteJSON(map[string]any{"type": "ack", "txid": frame.TxID, "success": true})
		select {
		case subscribed <- frame.Topics:
		default:
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer ws.Close()

	cfg := config.Defaults()
	cfg.Mode = config.ModeMonitor
	cfg.Server.Enabled = false
	cfg.Manifold.WSURL = "ws" + strings.TrimPrefix(ws.URL, "http")

	a := New(&cfg, testLogger())
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()

	select {
	case topics := <-subscribed:
		if len(topics) != len(cfg.Manifold.Topics) {
			t.Errorf("subscribed topics = %v", topics)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("feed never subscribed")
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run = %v, want nil on shutdown", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
