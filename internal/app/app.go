// Package app wires the bot's dependencies and runs the configured mode
// until the context is cancelled.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/manifoldbot/internal/config"
	"github.com/alanyoungcy/manifoldbot/internal/domain"
)

// streamLockKey guards the stream so only one instance consumes it per
// Redis deployment.
const streamLockKey = "manifoldbot:stream"

// App is the root application object. It owns the configuration, logger and
// cleanup funcs, which run in reverse order on Close.
type App struct {
	cfg       *config.Config
	logger    *slog.Logger
	startedAt time.Time
	closers   []func()
}

// New creates an App.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "app")),
		startedAt: time.Now().UTC(),
	}
}

// Run wires dependencies, verifies the Manifold key, takes the stream lock
// when Redis is configured and blocks in the selected mode.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", a.cfg.Mode),
		slog.String("log_level", a.cfg.LogLevel),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	if err := a.checkAccount(ctx, deps); err != nil {
		return err
	}

	if deps.LockManager != nil {
		unlock, err := deps.LockManager.Acquire(ctx, streamLockKey, a.cfg.Redis.LockTTL.Duration)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				return fmt.Errorf("app: another instance is consuming the stream: %w", err)
			}
			return fmt.Errorf("app: stream lock: %w", err)
		}
		a.closers = append(a.closers, unlock)
	}

	switch a.cfg.Mode {
	case config.ModeRun:
		return a.RunMode(ctx, deps)
	case config.ModeMonitor:
		return a.MonitorMode(ctx, deps)
	default:
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
}

// checkAccount calls the authenticated account endpoint when a key is set.
// A rejected key is fatal; other failures are logged and ignored.
func (a *App) checkAccount(ctx context.Context, deps *Dependencies) error {
	if a.cfg.Manifold.APIKey == "" {
		return nil
	}
	acct, err := deps.Manifold.GetMe(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrUnauthorized) {
			return fmt.Errorf("app: manifold api key rejected: %w", err)
		}
		a.logger.WarnContext(ctx, "manifold account check failed", slog.String("error", err.Error()))
		return nil
	}
	a.logger.InfoContext(ctx, "manifold account",
		slog.String("username", acct.Username),
		slog.String("balance", acct.Balance.String()),
	)
	return nil
}

// Close tears down resources in reverse registration order. Repeated calls
// are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
