// Package config loads and validates all runtime configuration for the relay.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example CATALOG_PATH becomes
// catalog_path in YAML.
//
// The routing catalog (models, providers, endpoints, keys) lives in its own
// file referenced by CATALOG_PATH; this package only carries infrastructure
// settings. REDIS_URL is required. DATABASE_URL and CLICKHOUSE_ADDR are
// optional and disable usage accounting and attempt telemetry respectively
// when left empty.
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

	// CatalogPath points at the YAML routing catalog. Default: catalog.yaml.
	CatalogPath string

	Redis      RedisConfig
	Database   DatabaseConfig
	ClickHouse ClickHouseConfig

	Routing     RoutingConfig
	Affinity    AffinityConfig
	Adaptive    AdaptiveConfig
	Reservation ReservationConfig
	ClientLimit ClientLimitConfig
	Breaker     BreakerConfig

	// CORSOrigins lists allowed CORS origins. ["*"] allows any origin.
	CORSOrigins []string
}

// RedisConfig holds the Redis connection settings. Redis backs the RPM
// guard, adaptive limits, cache affinity and model-name resolution.
type RedisConfig struct {
	URL string
}

// DatabaseConfig holds the Postgres connection settings. An empty DSN
// disables usage recording and quota enforcement.
type DatabaseConfig struct {
	DSN string
}

// ClickHouseConfig holds the attempt-telemetry sink settings. An empty
// Addr routes telemetry to the structured log instead.
type ClickHouseConfig struct {
	Addr     string
	Database string
	Username string
	Password string
	Table    string
}

// RoutingConfig tunes candidate building and the dispatch loop.
type RoutingConfig struct {
	// ConversionEnabled admits candidates whose endpoint dialect
	// differs from the client's, via body conversion.
	ConversionEnabled bool

	// PriorityMode orders candidates inside a compatibility group.
	// One of: provider, global_key.
	PriorityMode string

	// MaxAttempts caps candidates tried per request.
	MaxAttempts int

	// ResolveTTL is the Redis cache lifetime for model-name lookups.
	ResolveTTL time.Duration
}

// AffinityConfig tunes sticky routing.
type AffinityConfig struct {
	// TTL is the affinity record lifetime used when the serving key
	// carries no cache TTL of its own.
	TTL time.Duration
}

// AdaptiveConfig tunes the learned per-key RPM controller.
type AdaptiveConfig struct {
	InitialLimit int
	MinLimit     int
	MaxLimit     int
	IncreaseStep int
}

// ReservationConfig tunes how much of a key's RPM window is held back
// for cache-affinity traffic.
type ReservationConfig struct {
	ProbeThreshold int
	ProbeRatio     float64
	StableMin      float64
	StableMax      float64
}

// ClientLimitConfig caps inbound client traffic. 0 disables a limiter.
type ClientLimitConfig struct {
	KeyRPM int
	IPRPM  int
}

// BreakerConfig tunes the per (key, dialect) circuit breaker.
type BreakerConfig struct {
	FailureThreshold int
	AuthThreshold    int
	Window           time.Duration
	BaseBackoff      time.Duration
	MaxBackoff       time.Duration
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
//
// CATALOG_PATH and REDIS_URL must be set (or take their defaults).
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
	v.SetDefault("CATALOG_PATH", "catalog.yaml")
	v.SetDefault("REDIS_URL", "redis://localhost:6379/0")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// Routing defaults.
	v.SetDefault("CONVERSION_ENABLED", true)
	v.SetDefault("PRIORITY_MODE", "provider")
	v.SetDefault("MAX_ATTEMPTS", 3)
	v.SetDefault("RESOLVE_CACHE_TTL", "5m")
	v.SetDefault("AFFINITY_TTL", "1h")

	// Adaptive RPM defaults. Zero values let the controller pick its
	// package defaults, so only the ones operators tune most are set.
	v.SetDefault("ADAPTIVE_INITIAL_LIMIT", 10)
	v.SetDefault("ADAPTIVE_MIN_LIMIT", 1)
	v.SetDefault("ADAPTIVE_MAX_LIMIT", 5000)
	v.SetDefault("ADAPTIVE_INCREASE_STEP", 2)

	// Reservation defaults.
	v.SetDefault("RESERVATION_PROBE_THRESHOLD", 20)
	v.SetDefault("RESERVATION_PROBE_RATIO", 0.05)
	v.SetDefault("RESERVATION_STABLE_MIN", 0.10)
	v.SetDefault("RESERVATION_STABLE_MAX", 0.30)

	// Client limits: 0 = disabled.
	v.SetDefault("CLIENT_KEY_RPM", 0)
	v.SetDefault("CLIENT_IP_RPM", 0)

	// Circuit breaker defaults.
	v.SetDefault("CB_FAILURE_THRESHOLD", 5)
	v.SetDefault("CB_AUTH_THRESHOLD", 2)
	v.SetDefault("CB_WINDOW", "60s")
	v.SetDefault("CB_BASE_BACKOFF", "30s")
	v.SetDefault("CB_MAX_BACKOFF", "10m")

	// ClickHouse table default; addr stays empty so telemetry falls
	// back to slog unless explicitly pointed at a cluster.
	v.SetDefault("CLICKHOUSE_DATABASE", "default")
	v.SetDefault("CLICKHOUSE_TABLE", "relay_attempts")

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:        v.GetInt("PORT"),
		LogLevel:    strings.ToLower(v.GetString("LOG_LEVEL")),
		CatalogPath: v.GetString("CATALOG_PATH"),

		Redis:    RedisConfig{URL: v.GetString("REDIS_URL")},
		Database: DatabaseConfig{DSN: v.GetString("DATABASE_URL")},

		ClickHouse: ClickHouseConfig{
			Addr:     v.GetString("CLICKHOUSE_ADDR"),
			Database: v.GetString("CLICKHOUSE_DATABASE"),
			Username: v.GetString("CLICKHOUSE_USERNAME"),
			Password: v.GetString("CLICKHOUSE_PASSWORD"),
			Table:    v.GetString("CLICKHOUSE_TABLE"),
		},

		Routing: RoutingConfig{
			ConversionEnabled: v.GetBool("CONVERSION_ENABLED"),
			PriorityMode:      strings.ToLower(v.GetString("PRIORITY_MODE")),
			MaxAttempts:       v.GetInt("MAX_ATTEMPTS"),
			ResolveTTL:        v.GetDuration("RESOLVE_CACHE_TTL"),
		},

		Affinity: AffinityConfig{TTL: v.GetDuration("AFFINITY_TTL")},

		Adaptive: AdaptiveConfig{
			InitialLimit: v.GetInt("ADAPTIVE_INITIAL_LIMIT"),
			MinLimit:     v.GetInt("ADAPTIVE_MIN_LIMIT"),
			MaxLimit:     v.GetInt("ADAPTIVE_MAX_LIMIT"),
			IncreaseStep: v.GetInt("ADAPTIVE_INCREASE_STEP"),
		},

		Reservation: ReservationConfig{
			ProbeThreshold: v.GetInt("RESERVATION_PROBE_THRESHOLD"),
			ProbeRatio:     v.GetFloat64("RESERVATION_PROBE_RATIO"),
			StableMin:      v.GetFloat64("RESERVATION_STABLE_MIN"),
			StableMax:      v.GetFloat64("RESERVATION_STABLE_MAX"),
		},

		ClientLimit: ClientLimitConfig{
			KeyRPM: v.GetInt("CLIENT_KEY_RPM"),
			IPRPM:  v.GetInt("CLIENT_IP_RPM"),
		},

		Breaker: BreakerConfig{
			FailureThreshold: v.GetInt("CB_FAILURE_THRESHOLD"),
			AuthThreshold:    v.GetInt("CB_AUTH_THRESHOLD"),
			Window:           v.GetDuration("CB_WINDOW"),
			BaseBackoff:      v.GetDuration("CB_BASE_BACKOFF"),
			MaxBackoff:       v.GetDuration("CB_MAX_BACKOFF"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks semantic constraints that viper cannot express.
func (c *Config) validate() error {
	var errs []error

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT must be in [1, 65535], got %d", c.Port))
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("LOG_LEVEL must be one of debug|info|warn|error, got %q", c.LogLevel))
	}

	if c.CatalogPath == "" {
		errs = append(errs, errors.New("CATALOG_PATH must not be empty"))
	}
	if c.Redis.URL == "" {
		errs = append(errs, errors.New("REDIS_URL must not be empty"))
	}

	switch c.Routing.PriorityMode {
	case "provider", "global_key":
	default:
		errs = append(errs, fmt.Errorf("PRIORITY_MODE must be provider or global_key, got %q", c.Routing.PriorityMode))
	}
	if c.Routing.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("MAX_ATTEMPTS must be at least 1, got %d", c.Routing.MaxAttempts))
	}

	if c.Adaptive.MinLimit > c.Adaptive.MaxLimit {
		errs = append(errs, fmt.Errorf("ADAPTIVE_MIN_LIMIT (%d) exceeds ADAPTIVE_MAX_LIMIT (%d)",
			c.Adaptive.MinLimit, c.Adaptive.MaxLimit))
	}

	for name, ratio := range map[string]float64{
		"RESERVATION_PROBE_RATIO": c.Reservation.ProbeRatio,
		"RESERVATION_STABLE_MIN":  c.Reservation.StableMin,
		"RESERVATION_STABLE_MAX":  c.Reservation.StableMax,
	} {
		if ratio < 0 || ratio >= 1 {
			errs = append(errs, fmt.Errorf("%s must be in [0, 1), got %g", name, ratio))
		}
	}
	if c.Reservation.StableMin > c.Reservation.StableMax {
		errs = append(errs, fmt.Errorf("RESERVATION_STABLE_MIN (%g) exceeds RESERVATION_STABLE_MAX (%g)",
			c.Reservation.StableMin, c.Reservation.StableMax))
	}

	if c.ClientLimit.KeyRPM < 0 || c.ClientLimit.IPRPM < 0 {
		errs = append(errs, errors.New("CLIENT_KEY_RPM and CLIENT_IP_RPM must not be negative"))
	}

	if c.Breaker.Window <= 0 {
		errs = append(errs, fmt.Errorf("CB_WINDOW must be positive, got %s", c.Breaker.Window))
	}
	if c.Breaker.BaseBackoff <= 0 || c.Breaker.MaxBackoff < c.Breaker.BaseBackoff {
		errs = append(errs, fmt.Errorf("CB_BASE_BACKOFF (%s) must be positive and at most CB_MAX_BACKOFF (%s)",
			c.Breaker.BaseBackoff, c.Breaker.MaxBackoff))
	}

	if c.ClickHouse.Addr != "" && c.ClickHouse.Table == "" {
		errs = append(errs, errors.New("CLICKHOUSE_TABLE must not be empty when CLICKHOUSE_ADDR is set"))
	}

	return errors.Join(errs...)
}

// TelemetryEnabled reports whether attempt telemetry targets ClickHouse.
func (c *Config) TelemetryEnabled() bool { return c.ClickHouse.Addr != "" }

// UsageEnabled reports whether Postgres usage accounting is configured.
func (c *Config) UsageEnabled() bool { return c.Database.DSN != "" }

// loadDotEnv loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func loadDotEnv(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	if err := gotenv.Apply(f); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}
