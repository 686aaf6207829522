package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/manifoldbot/internal/feed"
	"github.com/alanyoungcy/manifoldbot/internal/notify"
	"github.com/alanyoungcy/manifoldbot/internal/pipeline"
	"github.com/alanyoungcy/manifoldbot/internal/server"
	"github.com/alanyoungcy/manifoldbot/internal/server/handler"
	"github.com/alanyoungcy/manifoldbot/internal/server/ws"
	"github.com/alanyoungcy/manifoldbot/internal/service"
	"github.com/alanyoungcy/manifoldbot/internal/strategy"
)

const lifecycleTimeout = 5 * time.Second

// RunMode streams, researches new markets and fans decisions out to the
// configured sinks.
func (a *App) RunMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting run mode")

	opts := []strategy.Option{}
	if n := a.cfg.Strategy.MaxInFlight; n > 0 {
		opts = append(opts, strategy.WithMaxInFlight(int64(n)))
	}
	if n := a.cfg.Strategy.ResearchRatePerMinute; n > 0 && deps.RateLimiter != nil {
		opts = append(opts, strategy.WithRateLimit(deps.RateLimiter, n, researchWindow))
	}
	engine := strategy.NewEngine(deps.Researcher, a.logger, opts...)

	return a.runPipeline(ctx, deps, engine)
}

// MonitorMode streams and reports events without researching them.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")
	// A literal nil keeps the interface nil.
	return a.runPipeline(ctx, deps, nil)
}

func (a *App) runPipeline(ctx context.Context, deps *Dependencies, engine pipeline.Decider) error {
	g, ctx := errgroup.WithContext(ctx)

	source := feed.NewManifoldFeed(feed.ManifoldConfig{
		URL:            a.cfg.Manifold.WSURL,
		Topics:         a.cfg.Manifold.Topics,
		Timeouts:       manifoldTimeouts(a.cfg.Manifold),
		ReconnectDelay: a.cfg.Manifold.ReconnectDelay.Duration,
	}, nil, a.logger)

	svcOpts := []service.Option{
		service.WithNotifier(deps.Notifier),
		service.WithRecentSize(a.cfg.Strategy.RecentSize),
	}
	if deps.SignalBus != nil {
		svcOpts = append(svcOpts, service.WithBus(deps.SignalBus))
	}
	if deps.DecisionStore != nil {
		svcOpts = append(svcOpts, service.WithStore(deps.DecisionStore))
	}
	if deps.DecisionArchive != nil {
		svcOpts = append(svcOpts, service.WithArchive(deps.DecisionArchive))
	}
	sink := service.NewDecisionService(policy(a.cfg.Strategy), a.logger, svcOpts...)

	var pipeOpts []pipeline.Option
	if a.cfg.Strategy.FollowBets {
		pipeOpts = append(pipeOpts, pipeline.WithFollower(
			feed.NewBetFollower(deps.Manifold, a.cfg.Strategy.FollowTTL.Duration, a.logger),
		))
	}
	if deps.DecisionArchive != nil {
		archiver, err := pipeline.NewArchiver(deps.DecisionArchive, a.cfg.S3.ArchiveCron, a.logger)
		if err != nil {
			return fmt.Errorf("app: %w", err)
		}
		pipeOpts = append(pipeOpts, pipeline.WithArchiver(archiver))
	}
	p := pipeline.New(source, engine, sink, a.logger, pipeOpts...)

	g.Go(func() error {
		return p.Run(ctx)
	})

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, source, sink)
	}

	a.notifyLifecycle(ctx, deps.Notifier, "manifoldbot started", fmt.Sprintf("mode %s", a.cfg.Mode))
	err := g.Wait()
	a.notifyLifecycle(ctx, deps.Notifier, "manifoldbot stopped", fmt.Sprintf("uptime %s", time.Since(a.startedAt).Round(time.Second)))
	return err
}

func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, source *feed.ManifoldFeed, sink *service.DecisionService) {
	handlers := server.Handlers{
		Health:    handler.NewHealthHandler(deps.HealthChecks, a.logger),
		Status:    handler.NewStatusHandler(a.cfg.Mode, a.startedAt, source, sink),
		Decisions: handler.NewDecisionHandler(sink, deps.DecisionStore, deps.SignalBus, a.logger),
	}
	if deps.BlobReader != nil {
		handlers.Archives = handler.NewArchiveHandler(deps.BlobReader, a.cfg.S3.Prefix, a.logger)
	}

	// The websocket hub only has something to stream when decisions are
	// published on the bus.
	if deps.SignalBus != nil {
		hub := ws.NewHub(deps.SignalBus, ws.Config{
			Mode:      a.cfg.Mode,
			StartedAt: a.startedAt,
			State:     source.State,
		}, a.logger)
		handlers.Hub = hub
		g.Go(func() error {
			return hub.Run(ctx)
		})
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
	}, handlers, deps.RateLimiter, a.logger)

	g.Go(func() error {
		return srv.Run(ctx)
	})
}

// notifyLifecycle sends a lifecycle alert. It runs outside ctx so the stop
// alert still goes out during shutdown.
func (a *App) notifyLifecycle(ctx context.Context, n *notify.Notifier, title, message string) {
	if !n.Enabled() {
		return
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lifecycleTimeout)
	defer cancel()
	if err := n.Notify(nctx, notify.EventLifecycle, title, message); err != nil {
		a.logger.WarnContext(ctx, "lifecycle notification failed", slog.String("error", err.Error()))
	}
}
