package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	s3blob "github.com/alanyoungcy/manifoldbot/internal/blob/s3"
	"github.com/alanyoungcy/manifoldbot/internal/cache/redis"
	"github.com/alanyoungcy/manifoldbot/internal/config"
	"github.com/alanyoungcy/manifoldbot/internal/domain"
	"github.com/alanyoungcy/manifoldbot/internal/notify"
	"github.com/alanyoungcy/manifoldbot/internal/platform/manifold"
	"github.com/alanyoungcy/manifoldbot/internal/platform/xai"
	"github.com/alanyoungcy/manifoldbot/internal/server/handler"
	"github.com/alanyoungcy/manifoldbot/internal/service"
	"github.com/alanyoungcy/manifoldbot/internal/store/postgres"
)

// Dependencies bundles what the modes need. Optional backends are nil when
// not configured.
type Dependencies struct {
	Manifold   *manifold.RESTClient
	Researcher domain.Researcher // nil in monitor mode

	// Redis
	SignalBus   domain.SignalBus
	MarketCache domain.MarketCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager

	// Postgres
	DecisionStore domain.DecisionStore

	// S3
	BlobReader      domain.BlobReader
	DecisionArchive *s3blob.DecisionArchiver

	Notifier *notify.Notifier

	// HealthChecks pings every wired backend for /api/health.
	HealthChecks map[string]handler.Checker
}

// Wire constructs the configured backends and returns them with a cleanup
// func that releases them in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{HealthChecks: make(map[string]handler.Checker)}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.MarketCache = redis.NewMarketCache(redisClient, cfg.Redis.MarketCacheTTL.Duration)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.HealthChecks["redis"] = redisClient.Ping
	}

	// --- PostgreSQL ---
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.PostgresDSN(),
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}
		deps.DecisionStore = postgres.NewDecisionStore(pgClient)
		deps.HealthChecks["postgres"] = pgClient.Ping
	}

	// --- S3 decision archive ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.DecisionArchive = s3blob.NewDecisionArchiver(
			s3blob.NewWriter(s3Client), cfg.S3.Prefix, cfg.S3.BatchSize, logger,
		)
		deps.HealthChecks["s3"] = s3Client.Health
	}

	// --- Manifold REST and research ---
	restOpts := []manifold.RESTOption{}
	if deps.MarketCache != nil {
		restOpts = append(restOpts, manifold.WithMarketCache(deps.MarketCache))
	}
	deps.Manifold = manifold.NewRESTClient(cfg.Manifold.RESTURL, cfg.Manifold.APIKey, logger, restOpts...)

	if cfg.Mode == config.ModeRun {
		deps.Researcher = xai.NewClient(xai.Config{
			BaseURL: cfg.XAI.BaseURL,
			APIKey:  cfg.XAI.APIKey,
			Model:   cfg.XAI.Model,
			Timeout: cfg.XAI.Timeout.Duration,
		}, logger)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender("", cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

// policy converts the configured thresholds.
func policy(cfg config.StrategyConfig) service.Policy {
	return service.Policy{
		MinEdge:      decimal.NewFromFloat(cfg.MinEdge),
		MinLiquidity: decimal.NewFromFloat(cfg.MinLiquidity),
	}
}

// manifoldTimeouts converts the configured keepalive settings.
func manifoldTimeouts(cfg config.ManifoldConfig) manifold.Timeouts {
	t := manifold.DefaultTimeouts()
	t.AckTimeout = cfg.AckTimeout.Duration
	t.PingInterval = cfg.PingInterval.Duration
	t.PingTimeout = cfg.PingTimeout.Duration
	t.IdleTimeout = cfg.IdleTimeout.Duration
	return t
}

// researchWindow is the window ResearchRatePerMinute applies to.
const researchWindow = time.Minute
