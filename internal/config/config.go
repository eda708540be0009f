// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example SECRETS_KEY becomes secrets_key
// in YAML.
//
// Redis is optional — set KV_MODE=memory to use the built-in in-process store
// with no external dependencies. Provider credentials live in the SQLite
// catalog (encrypted), not in this file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// SQLitePath is the path to the catalog database file. Default:
	// "gateway.db".
	SQLitePath string

	// SeedPath optionally points to a YAML file of providers, models, keys and
	// caller accounts applied to the catalog at startup. Empty disables
	// seeding.
	SeedPath string

	// SecretsKey is the hex-encoded 32-byte AES key used to decrypt provider
	// key secrets at request time. Required.
	SecretsKey string

	// KV holds the shared-state backend settings.
	KV KVConfig

	// Redis holds the connection URL for the Redis backend.
	// Required only when KV.Mode is "redis".
	Redis RedisConfig

	// ClickHouse holds the optional analytics sink settings.
	ClickHouse ClickHouseConfig

	// Session controls conversation stickiness.
	Session SessionConfig

	// Routing controls the scheduler.
	Routing RoutingConfig

	// Failover controls multi-provider fallback behaviour.
	Failover FailoverConfig

	// Credit controls per-user credit metering.
	Credit CreditConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string
}

// KVConfig selects the shared-state backend.
type KVConfig struct {
	// Mode selects the backend:
	//   "redis"  — Redis-backed state (requires REDIS_URL). Recommended when
	//              running more than one replica.
	//   "memory" — In-process state. No external deps; not shared across
	//              replicas.
	// Default: "memory".
	Mode string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// ClickHouseConfig holds the analytics sink configuration.
type ClickHouseConfig struct {
	// DSN is a clickhouse:// connection string. Empty disables the sink and
	// request samples stay in memory only.
	DSN string

	// FlushInterval is how often buffered samples are written. Default: 10s.
	FlushInterval time.Duration
}

// SessionConfig controls conversation-to-provider stickiness.
type SessionConfig struct {
	// TTL is how long an idle conversation stays bound to its provider.
	// Default: 30m.
	TTL time.Duration
}

// RoutingConfig controls scheduler behaviour.
type RoutingConfig struct {
	// MinScore drops candidates whose score falls below it. Default: 0.
	MinScore float64

	// Stickiness prefers the provider that served earlier turns of the same
	// conversation. Default: true.
	Stickiness bool
}

// FailoverConfig controls multi-provider failover.
type FailoverConfig struct {
	// MaxRetries caps upstream attempts per request (including the first).
	// 0 means one attempt per resolved candidate. Default: 0.
	MaxRetries int

	// ProviderTimeout is the per-attempt upstream timeout. Default: 120s.
	ProviderTimeout time.Duration
}

// CreditConfig controls per-user credit metering.
type CreditConfig struct {
	// Enforce rejects requests from users whose balance is exhausted.
	// Default: false (metering records usage but never blocks).
	Enforce bool

	// PreCharge reserves credits for streaming requests based on max_tokens
	// and reconciles after completion. Default: false.
	PreCharge bool
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
//
// SECRETS_KEY is always required. REDIS_URL is only required when
// KV_MODE=redis.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("SQLITE_PATH", "gateway.db")
	v.SetDefault("KV_MODE", "memory")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// Analytics sink.
	v.SetDefault("CLICKHOUSE_FLUSH_INTERVAL", "10s")

	// Sessions.
	v.SetDefault("SESSION_TTL", "30m")

	// Routing.
	v.SetDefault("ROUTING_MIN_SCORE", 0.0)
	v.SetDefault("ROUTING_STICKINESS", true)

	// Failover: 0 retries means one attempt per candidate.
	v.SetDefault("MAX_RETRIES", 0)
	v.SetDefault("PROVIDER_TIMEOUT", "120s")

	// Credit metering off by default.
	v.SetDefault("CREDIT_ENFORCE", false)
	v.SetDefault("CREDIT_PRECHARGE", false)

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		SQLitePath: v.GetString("SQLITE_PATH"),
		SeedPath:   v.GetString("SEED_PATH"),
		SecretsKey: v.GetString("SECRETS_KEY"),

		KV:    KVConfig{Mode: strings.ToLower(v.GetString("KV_MODE"))},
		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		ClickHouse: ClickHouseConfig{
			DSN:           v.GetString("CLICKHOUSE_DSN"),
			FlushInterval: v.GetDuration("CLICKHOUSE_FLUSH_INTERVAL"),
		},

		Session: SessionConfig{
			TTL: v.GetDuration("SESSION_TTL"),
		},

		Routing: RoutingConfig{
			MinScore:   v.GetFloat64("ROUTING_MIN_SCORE"),
			Stickiness: v.GetBool("ROUTING_STICKINESS"),
		},

		Failover: FailoverConfig{
			MaxRetries:      v.GetInt("MAX_RETRIES"),
			ProviderTimeout: v.GetDuration("PROVIDER_TIMEOUT"),
		},

		Credit: CreditConfig{
			Enforce:   v.GetBool("CREDIT_ENFORCE"),
			PreCharge: v.GetBool("CREDIT_PRECHARGE"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.SecretsKey == "" {
		return fmt.Errorf(
			"config: SECRETS_KEY is required (hex-encoded 32-byte key used to " +
				"decrypt provider key secrets)",
		)
	}

	// Redis URL is required when the KV mode is "redis".
	if c.KV.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when KV_MODE=redis; " +
				"set KV_MODE=memory to use the built-in in-process store",
		)
	}

	switch c.KV.Mode {
	case "redis", "memory":
	default:
		return fmt.Errorf(
			"config: invalid KV_MODE %q; must be one of: redis, memory",
			c.KV.Mode,
		)
	}

	// Validate log level.
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.Failover.MaxRetries < 0 {
		return fmt.Errorf("config: MAX_RETRIES must be ≥ 0, got %d", c.Failover.MaxRetries)
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("config: SESSION_TTL must be a positive duration")
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
