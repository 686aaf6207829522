// Package config defines the bot's configuration and its validation rules.
package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Config is the root configuration. Fields come from a TOML file and may be
// overridden by MANIFOLDBOT_* environment variables.
type Config struct {
	Manifold ManifoldConfig `toml:"manifold"`
	XAI      XAIConfig      `toml:"xai"`
	Strategy StrategyConfig `toml:"strategy"`
	Redis    RedisConfig    `toml:"redis"`
	Postgres PostgresConfig `toml:"postgres"`
	S3       S3Config       `toml:"s3"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// ManifoldConfig holds the Manifold API credentials, endpoints and stream
// keepalive settings.
type ManifoldConfig struct {
	APIKey         string   `toml:"api_key"`
	WSURL          string   `toml:"ws_url"`
	RESTURL        string   `toml:"rest_url"`
	Topics         []string `toml:"topics"`
	AckTimeout     duration `toml:"ack_timeout"`
	PingInterval   duration `toml:"ping_interval"`
	PingTimeout    duration `toml:"ping_timeout"`
	IdleTimeout    duration `toml:"idle_timeout"`
	ReconnectDelay duration `toml:"reconnect_delay"`
}

// XAIConfig holds the research model settings.
type XAIConfig struct {
	APIKey  string   `toml:"api_key"`
	BaseURL string   `toml:"base_url"`
	Model   string   `toml:"model"`
	Timeout duration `toml:"timeout"`
}

// StrategyConfig holds research limits and the signal policy.
type StrategyConfig struct {
	// MaxInFlight caps concurrent research calls. 0 means unbounded.
	MaxInFlight int `toml:"max_in_flight"`
	// ResearchRatePerMinute caps research calls per minute across all
	// instances sharing Redis. 0 disables the cap.
	ResearchRatePerMinute int      `toml:"research_rate_per_minute"`
	FollowBets            bool     `toml:"follow_bets"`
	FollowTTL             duration `toml:"follow_ttl"`
	MinEdge               float64  `toml:"min_edge"`
	MinLiquidity          float64  `toml:"min_liquidity"`
	RecentSize            int      `toml:"recent_size"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled        bool     `toml:"enabled"`
	Addr           string   `toml:"addr"`
	Password       string   `toml:"password"`
	DB             int      `toml:"db"`
	PoolSize       int      `toml:"pool_size"`
	MaxRetries     int      `toml:"max_retries"`
	TLSEnabled     bool     `toml:"tls_enabled"`
	MarketCacheTTL duration `toml:"market_cache_ttl"`
	LockTTL        duration `toml:"lock_ttl"`
}

// PostgresConfig holds connection parameters for the decision store.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// S3Config holds S3-compatible object storage parameters for the decision
// archive.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	Prefix         string `toml:"prefix"`
	BatchSize      int    `toml:"batch_size"`
	ArchiveCron    string `toml:"archive_cron"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`

	// RateLimit is requests per client IP per minute; it needs Redis.
	RateLimit int `toml:"rate_limit_per_minute"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration lets the TOML decoder read strings like "30s" or "5m".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config with production defaults. Optional backends
// are disabled.
func Defaults() Config {
	return Config{
		Manifold: ManifoldConfig{
			WSURL:          "wss://api.manifold.markets/ws",
			RESTURL:        "https://api.manifold.markets/v0",
			Topics:         []string{"global/new-contract", "global/new-bet"},
			AckTimeout:     duration{120 * time.Second},
			PingInterval:   duration{30 * time.Second},
			PingTimeout:    duration{60 * time.Second},
			IdleTimeout:    duration{300 * time.Second},
			ReconnectDelay: duration{3 * time.Second},
		},
		XAI: XAIConfig{
			BaseURL: "https://api.x.ai/v1",
			Model:   "grok-4-1-fast",
			Timeout: duration{120 * time.Second},
		},
		Strategy: StrategyConfig{
			FollowTTL:    duration{24 * time.Hour},
			MinEdge:      0.10,
			MinLiquidity: 100,
			RecentSize:   200,
		},
		Redis: RedisConfig{
			Addr:           "localhost:6379",
			PoolSize:       20,
			MaxRetries:     3,
			MarketCacheTTL: duration{10 * time.Minute},
			LockTTL:        duration{30 * time.Second},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  1,
			RunMigrations: true,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "manifoldbot",
			ForcePathStyle: true,
			Prefix:         "archive",
			BatchSize:      500,
			ArchiveCron:    "0 * * * *",
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Notify: NotifyConfig{
			Events: []string{"signal", "lifecycle"},
		},
		Mode:     ModeRun,
		LogLevel: "info",
	}
}

// Operating modes.
const (
	ModeRun     = "run"     // stream, research and sinks
	ModeMonitor = "monitor" // stream only, no research
)

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	ModeRun:     true,
	ModeMonitor: true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for invalid or missing values and returns one
// error listing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: run, monitor)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Manifold
	if c.Manifold.WSURL == "" {
		errs = append(errs, "manifold: ws_url must not be empty")
	}
	if len(c.Manifold.Topics) == 0 {
		errs = append(errs, "manifold: topics must not be empty")
	}
	for _, d := range []struct {
		name string
		val  duration
	}{
		{"ack_timeout", c.Manifold.AckTimeout},
		{"ping_interval", c.Manifold.PingInterval},
		{"ping_timeout", c.Manifold.PingTimeout},
		{"idle_timeout", c.Manifold.IdleTimeout},
		{"reconnect_delay", c.Manifold.ReconnectDelay},
	} {
		if d.val.Duration <= 0 {
			errs = append(errs, fmt.Sprintf("manifold: %s must be > 0", d.name))
		}
	}

	// Research is only needed when the engine runs.
	if c.Mode == ModeRun {
		if c.XAI.APIKey == "" {
			errs = append(errs, "xai: api_key is required for mode run (or set XAI_API_KEY)")
		}
		if c.XAI.Model == "" {
			errs = append(errs, "xai: model must not be empty")
		}
	}

	// Strategy
	if c.Strategy.MaxInFlight < 0 {
		errs = append(errs, "strategy: max_in_flight must be >= 0")
	}
	if c.Strategy.ResearchRatePerMinute < 0 {
		errs = append(errs, "strategy: research_rate_per_minute must be >= 0")
	}
	if c.Strategy.ResearchRatePerMinute > 0 && !c.Redis.Enabled {
		errs = append(errs, "strategy: research_rate_per_minute requires redis.enabled")
	}
	if c.Strategy.MinEdge < 0 || c.Strategy.MinEdge > 1 {
		errs = append(errs, fmt.Sprintf("strategy: min_edge must be within [0, 1], got %v", c.Strategy.MinEdge))
	}
	if c.Strategy.MinLiquidity < 0 {
		errs = append(errs, "strategy: min_liquidity must be >= 0")
	}
	if c.Strategy.FollowBets && c.Manifold.RESTURL == "" {
		errs = append(errs, "strategy: follow_bets requires manifold.rest_url")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
	}

	// Notify
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	// Server
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, "server: rate_limit_per_minute must be >= 0")
	}
	if c.Server.RateLimit > 0 && !c.Redis.Enabled {
		errs = append(errs, "server: rate_limit_per_minute requires redis")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// PostgresDSN returns the DSN, building one from the discrete fields when
// dsn is unset.
func (c PostgresConfig) PostgresDSN() string {
	if dsn := strings.TrimSpace(c.DSN); dsn != "" {
		return dsn
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:     "/" + c.Database,
		RawQuery: "sslmode=" + url.QueryEscape(c.SSLMode),
	}
	return u.String()
}
