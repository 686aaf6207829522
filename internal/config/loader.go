package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load merges the TOML file at path over Defaults, loads .env if present
// and applies environment overrides. A missing file is not an error; the
// bot can run from defaults and environment alone. The result is not
// validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// Missing .env is fine.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides overwrites fields from MANIFOLDBOT_* variables that are
// set and non-empty. MANIFOLD_API_KEY and XAI_API_KEY are honoured too and
// lose to the prefixed names.
func applyEnvOverrides(cfg *Config) {
	// ── Manifold ──
	setStr(&cfg.Manifold.APIKey, "MANIFOLD_API_KEY")
	setStr(&cfg.Manifold.APIKey, "MANIFOLDBOT_MANIFOLD_API_KEY")
	setStr(&cfg.Manifold.WSURL, "MANIFOLDBOT_MANIFOLD_WS_URL")
	setStr(&cfg.Manifold.RESTURL, "MANIFOLDBOT_MANIFOLD_REST_URL")
	setStringSlice(&cfg.Manifold.Topics, "MANIFOLDBOT_MANIFOLD_TOPICS")
	setDuration(&cfg.Manifold.AckTimeout, "MANIFOLDBOT_MANIFOLD_ACK_TIMEOUT")
	setDuration(&cfg.Manifold.PingInterval, "MANIFOLDBOT_MANIFOLD_PING_INTERVAL")
	setDuration(&cfg.Manifold.PingTimeout, "MANIFOLDBOT_MANIFOLD_PING_TIMEOUT")
	setDuration(&cfg.Manifold.IdleTimeout, "MANIFOLDBOT_MANIFOLD_IDLE_TIMEOUT")
	setDuration(&cfg.Manifold.ReconnectDelay, "MANIFOLDBOT_MANIFOLD_RECONNECT_DELAY")

	// ── xAI ──
	setStr(&cfg.XAI.APIKey, "XAI_API_KEY")
	setStr(&cfg.XAI.APIKey, "MANIFOLDBOT_XAI_API_KEY")
	setStr(&cfg.XAI.BaseURL, "MANIFOLDBOT_XAI_BASE_URL")
	setStr(&cfg.XAI.Model, "MANIFOLDBOT_XAI_MODEL")
	setDuration(&cfg.XAI.Timeout, "MANIFOLDBOT_XAI_TIMEOUT")

	// ── Strategy ──
	setInt(&cfg.Strategy.MaxInFlight, "MANIFOLDBOT_STRATEGY_MAX_IN_FLIGHT")
	setInt(&cfg.Strategy.ResearchRatePerMinute, "MANIFOLDBOT_STRATEGY_RESEARCH_RATE_PER_MINUTE")
	setBool(&cfg.Strategy.FollowBets, "MANIFOLDBOT_STRATEGY_FOLLOW_BETS")
	setDuration(&cfg.Strategy.FollowTTL, "MANIFOLDBOT_STRATEGY_FOLLOW_TTL")
	setFloat64(&cfg.Strategy.MinEdge, "MANIFOLDBOT_STRATEGY_MIN_EDGE")
	setFloat64(&cfg.Strategy.MinLiquidity, "MANIFOLDBOT_STRATEGY_MIN_LIQUIDITY")
	setInt(&cfg.Strategy.RecentSize, "MANIFOLDBOT_STRATEGY_RECENT_SIZE")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "MANIFOLDBOT_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "MANIFOLDBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "MANIFOLDBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "MANIFOLDBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "MANIFOLDBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "MANIFOLDBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "MANIFOLDBOT_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.MarketCacheTTL, "MANIFOLDBOT_REDIS_MARKET_CACHE_TTL")
	setDuration(&cfg.Redis.LockTTL, "MANIFOLDBOT_REDIS_LOCK_TTL")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "MANIFOLDBOT_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "MANIFOLDBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL")
	setStr(&cfg.Postgres.Host, "MANIFOLDBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "MANIFOLDBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "MANIFOLDBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "MANIFOLDBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "MANIFOLDBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "MANIFOLDBOT_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "MANIFOLDBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "MANIFOLDBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "MANIFOLDBOT_POSTGRES_RUN_MIGRATIONS")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "MANIFOLDBOT_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "MANIFOLDBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "MANIFOLDBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "MANIFOLDBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "MANIFOLDBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "MANIFOLDBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "MANIFOLDBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "MANIFOLDBOT_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "MANIFOLDBOT_S3_PREFIX")
	setInt(&cfg.S3.BatchSize, "MANIFOLDBOT_S3_BATCH_SIZE")
	setStr(&cfg.S3.ArchiveCron, "MANIFOLDBOT_S3_ARCHIVE_CRON")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "MANIFOLDBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "MANIFOLDBOT_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "MANIFOLDBOT_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "MANIFOLDBOT_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimit, "MANIFOLDBOT_SERVER_RATE_LIMIT_PER_MINUTE")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "MANIFOLDBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "MANIFOLDBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "MANIFOLDBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "MANIFOLDBOT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "MANIFOLDBOT_MODE")
	setStr(&cfg.LogLevel, "MANIFOLDBOT_LOG_LEVEL")
}

// Typed env helpers. Each only touches dst when the variable is set, non-empty
// and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
