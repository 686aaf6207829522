package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/manifoldbot/internal/domain"
	"github.com/alanyoungcy/manifoldbot/internal/metrics"
	"github.com/alanyoungcy/manifoldbot/internal/platform/manifold"
)

// DefaultReconnectDelay is the fixed wait between a lost connection and the
// next attempt.
const DefaultReconnectDelay = 3 * time.Second

// unsubscribeTimeout bounds the farewell unsubscribe on shutdown.
const unsubscribeTimeout = time.Second

// DefaultTopics are the stream topics the bot consumes.
var DefaultTopics = []string{domain.TopicNewContract, domain.TopicNewBet}

// ManifoldConfig configures a ManifoldFeed.
type ManifoldConfig struct {
	URL            string
	Topics         []string
	Timeouts       manifold.Timeouts
	ReconnectDelay time.Duration
}

// StateHook observes supervisor state transitions. It runs on the supervisor
// goroutine and must not block.
type StateHook func(from, to domain.ConnectionState)

// ManifoldFeed supervises the Manifold stream connection. It owns the
// connection state machine
//
//	Disconnected -> Connecting -> Subscribing -> Active -> Backoff -> Connecting
//
// and reconnects after a fixed delay whenever the connection is lost,
// resubscribing every time. Only connection-level failures reach it.
type ManifoldFeed struct {
	cfg    ManifoldConfig
	state  atomic.Int32
	hook   StateHook
	logger *slog.Logger
}

// NewManifoldFeed creates a feed. Zero-valued config fields take defaults.
func NewManifoldFeed(cfg ManifoldConfig, hook StateHook, logger *slog.Logger) *ManifoldFeed {
	if cfg.URL == "" {
		cfg.URL = manifold.DefaultWSURL
	}
	if len(cfg.Topics) == 0 {
		cfg.Topics = DefaultTopics
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	f := &ManifoldFeed{
		cfg:    cfg,
		hook:   hook,
		logger: logger.With(slog.String("component", "manifold_feed")),
	}
	f.state.Store(int32(domain.StateDisconnected))
	return f
}

// State returns the current connection state.
func (f *ManifoldFeed) State() domain.ConnectionState {
	return domain.ConnectionState(f.state.Load())
}

// Run connects, subscribes and forwards stream events to out until ctx is
// cancelled. It closes out on return and always returns ctx.Err().
func (f *ManifoldFeed) Run(ctx context.Context, out chan<- domain.FeedItem) error {
	defer close(out)
	defer f.setState(domain.StateDisconnected)

	f.logger.InfoContext(ctx, "manifold feed starting",
		slog.String("url", f.cfg.URL),
		slog.Any("topics", f.cfg.Topics),
	)

	for {
		err := f.runConnection(ctx, out)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		metrics.Reconnects.WithLabelValues(cause(err)).Inc()
		f.setState(domain.StateBackoff)
		f.logger.WarnContext(ctx, "manifold stream disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("delay", f.cfg.ReconnectDelay),
		)

		timer := time.NewTimer(f.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (f *ManifoldFeed) runConnection(ctx context.Context, out chan<- domain.FeedItem) error {
	f.setState(domain.StateConnecting)
	conn, err := manifold.Dial(ctx, f.cfg.URL, f.cfg.Timeouts, f.logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	f.setState(domain.StateSubscribing)
	if _, err := conn.Subscribe(ctx, f.cfg.Topics); err != nil {
		return err
	}

	active := conn.Active()
	events := conn.Events()
	for {
		select {
		case <-ctx.Done():
			if active == nil {
				f.unsubscribe(conn)
			}
			return ctx.Err()

		case <-active:
			active = nil
			f.setState(domain.StateActive)
			f.logger.InfoContext(ctx, "manifold stream active")

		case item, ok := <-events:
			if !ok {
				<-conn.Done()
				if err := conn.Err(); err != nil {
					return err
				}
				return fmt.Errorf("feed: connection closed: %w", domain.ErrConnect)
			}
			if item.Kind == domain.FeedMarket {
				metrics.MarketsReceived.Inc()
			}
			select {
			case out <- item:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (f *ManifoldFeed) unsubscribe(conn *manifold.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
	defer cancel()
	if _, err := conn.Unsubscribe(ctx, f.cfg.Topics); err != nil {
		f.logger.Debug("unsubscribe on shutdown failed", slog.String("error", err.Error()))
	}
}

func (f *ManifoldFeed) setState(to domain.ConnectionState) {
	from := domain.ConnectionState(f.state.Swap(int32(to)))
	if from == to {
		return
	}
	metrics.ConnectionState.Set(float64(to))
	f.logger.Debug("connection state",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	)
	if f.hook != nil {
		f.hook(from, to)
	}
}

func cause(err error) string {
	switch {
	case errors.Is(err, domain.ErrStaleConnection):
		return "stale"
	case errors.Is(err, domain.ErrSubscribeRejected):
		return "subscribe_rejected"
	case errors.Is(err, domain.ErrConnect):
		return "connect"
	default:
		return "other"
	}
}
