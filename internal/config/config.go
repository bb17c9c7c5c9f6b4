// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Session store backends selectable via SESSION_STORE.
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// Signing algorithms selectable via JWT_SIGNING_ALG.
const (
	AlgHS256 = "HS256"
	AlgRS256 = "RS256"
	AlgES256 = "ES256"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the HTTP API listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// GRPCAddr is the address the gRPC server listens on (e.g. :9090). Empty disables gRPC.
	GRPCAddr string `mapstructure:"GRPC_ADDR"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
	// LogLevel is a zerolog level name (debug, info, warn, error).
	LogLevel string `mapstructure:"LOG_LEVEL"`

	// DatabaseURL is the Postgres DSN. Required when SESSION_STORE=postgres; also used for users and audit.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// RedisURL is the Redis URL (redis://host:6379/0). Required when SESSION_STORE=redis.
	RedisURL string `mapstructure:"REDIS_URL"`
	// SessionStore selects the session and rate counter backend: memory, redis or postgres.
	SessionStore string `mapstructure:"SESSION_STORE"`

	JWTSigningAlg string `mapstructure:"JWT_SIGNING_ALG"`
	// JWTSecret is the HS256 shared secret.
	JWTSecret string `mapstructure:"JWT_SECRET"`
	// JWTPrivateKey is the PEM-encoded private key (RSA or ECDSA) or path to file; used with JWT_PUBLIC_KEY for RS256/ES256.
	JWTPrivateKey string `mapstructure:"JWT_PRIVATE_KEY"`
	// JWTPublicKey is the PEM-encoded public key or path to file; used with JWT_PRIVATE_KEY.
	JWTPublicKey string `mapstructure:"JWT_PUBLIC_KEY"`
	JWTIssuer    string `mapstructure:"JWT_ISSUER"`
	JWTAudience  string `mapstructure:"JWT_AUDIENCE"`
	// JWTAccessTTL is the access token lifetime (e.g. "15m").
	JWTAccessTTL string `mapstructure:"JWT_ACCESS_TTL"`
	// JWTRefreshTTL is the refresh token lifetime (e.g. "168h").
	JWTRefreshTTL string `mapstructure:"JWT_REFRESH_TTL"`
	// SessionTTLRaw is the session record lifetime; must exceed the refresh lifetime.
	SessionTTLRaw string `mapstructure:"SESSION_TTL"`

	AutoRefresh bool `mapstructure:"AUTO_REFRESH"`
	// RefreshThresholdMinutes sets how close to expiry a request gets the refresh-required advisory.
	RefreshThresholdMinutes int  `mapstructure:"REFRESH_THRESHOLD_MINUTES"`
	TrackActivity           bool `mapstructure:"TRACK_ACTIVITY"`
	// RequireValidSession rejects anonymous requests and fails closed when the store is unavailable.
	RequireValidSession bool `mapstructure:"REQUIRE_VALID_SESSION"`

	RateLimitMax       int    `mapstructure:"RATE_LIMIT_MAX"`
	RateLimitWindowRaw string `mapstructure:"RATE_LIMIT_WINDOW"`
	// RateLimitFailOpen lets requests through when the rate counter store errors.
	RateLimitFailOpen bool `mapstructure:"RATE_LIMIT_FAIL_OPEN"`
	// LoginRateLimitMax bounds login attempts per client IP within one rate window.
	LoginRateLimitMax int `mapstructure:"LOGIN_RATE_LIMIT_MAX"`

	CleanupIntervalRaw       string `mapstructure:"CLEANUP_INTERVAL"`
	RapidRequestThresholdRaw string `mapstructure:"RAPID_REQUEST_THRESHOLD"`
	SlowRequestThresholdRaw  string `mapstructure:"SLOW_REQUEST_THRESHOLD"`
	StoreTimeoutRaw          string `mapstructure:"STORE_TIMEOUT"`

	AccessCookieName  string `mapstructure:"ACCESS_COOKIE_NAME"`
	RefreshCookieName string `mapstructure:"REFRESH_COOKIE_NAME"`
	AccessHeaderName  string `mapstructure:"ACCESS_HEADER_NAME"`
	RefreshHeaderName string `mapstructure:"REFRESH_HEADER_NAME"`
	// AllowQueryToken accepts ?access_token= as the lowest-priority credential source.
	AllowQueryToken bool `mapstructure:"ALLOW_QUERY_TOKEN"`
	// TrustProxy takes the client IP from X-Forwarded-For or X-Real-IP. Enable only behind a proxy that sets them.
	TrustProxy bool `mapstructure:"TRUST_PROXY"`

	// BcryptCost is the bcrypt cost factor (4–31); default 12.
	BcryptCost int `mapstructure:"BCRYPT_COST"`

	OTelEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTelInsecure bool   `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	// TelemetryKafkaBrokers is a comma-separated list of Kafka broker addresses; empty disables the Kafka emitter.
	TelemetryKafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	TelemetryKafkaTopic   string `mapstructure:"TELEMETRY_KAFKA_TOPIC"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("GRPC_ADDR", ":9090")
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("SESSION_STORE", StoreMemory)
	v.SetDefault("JWT_SIGNING_ALG", AlgHS256)
	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("JWT_PRIVATE_KEY", "")
	v.SetDefault("JWT_PUBLIC_KEY", "")
	v.SetDefault("JWT_ISSUER", "sessionguard")
	v.SetDefault("JWT_AUDIENCE", "sessionguard-api")
	v.SetDefault("JWT_ACCESS_TTL", "15m")
	v.SetDefault("JWT_REFRESH_TTL", "168h") // 7d
	v.SetDefault("SESSION_TTL", "192h")     // 8d
	v.SetDefault("AUTO_REFRESH", true)
	v.SetDefault("REFRESH_THRESHOLD_MINUTES", 5)
	v.SetDefault("TRACK_ACTIVITY", true)
	v.SetDefault("REQUIRE_VALID_SESSION", true)
	v.SetDefault("RATE_LIMIT_MAX", 100)
	v.SetDefault("RATE_LIMIT_WINDOW", "60s")
	v.SetDefault("RATE_LIMIT_FAIL_OPEN", false)
	v.SetDefault("LOGIN_RATE_LIMIT_MAX", 100)
	v.SetDefault("CLEANUP_INTERVAL", "1h")
	v.SetDefault("RAPID_REQUEST_THRESHOLD", "1s")
	v.SetDefault("SLOW_REQUEST_THRESHOLD", "1s")
	v.SetDefault("STORE_TIMEOUT", "2s")
	v.SetDefault("ACCESS_COOKIE_NAME", "access_token")
	v.SetDefault("REFRESH_COOKIE_NAME", "refresh_token")
	v.SetDefault("ACCESS_HEADER_NAME", "X-Access-Token")
	v.SetDefault("REFRESH_HEADER_NAME", "X-Refresh-Token")
	v.SetDefault("ALLOW_QUERY_TOKEN", false)
	v.SetDefault("TRUST_PROXY", false)
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("TELEMETRY_KAFKA_TOPIC", "sessionguard-telemetry")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints. Load calls it; tests building a Config by hand may too.
func (c *Config) Validate() error {
	if c.HTTPAddr == "" {
		return errors.New("config: HTTP_ADDR must be set")
	}

	switch c.SessionStore {
	case StoreMemory:
	case StoreRedis:
		if c.RedisURL == "" {
			return errors.New("config: REDIS_URL must be set when SESSION_STORE=redis")
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("config: DATABASE_URL must be set when SESSION_STORE=postgres")
		}
	default:
		return fmt.Errorf("config: SESSION_STORE must be memory, redis or postgres, got %q", c.SessionStore)
	}

	switch strings.ToUpper(c.JWTSigningAlg) {
	case AlgHS256:
		if len(c.JWTSecret) < 32 {
			return errors.New("config: JWT_SECRET must be at least 32 bytes for HS256")
		}
	case AlgRS256, AlgES256:
		if c.JWTPrivateKey == "" || c.JWTPublicKey == "" {
			return fmt.Errorf("config: JWT_PRIVATE_KEY and JWT_PUBLIC_KEY must be set for %s", c.JWTSigningAlg)
		}
	default:
		return fmt.Errorf("config: JWT_SIGNING_ALG must be HS256, RS256 or ES256, got %q", c.JWTSigningAlg)
	}
	c.JWTSigningAlg = strings.ToUpper(c.JWTSigningAlg)

	for key, raw := range map[string]string{
		"JWT_ACCESS_TTL":          c.JWTAccessTTL,
		"JWT_REFRESH_TTL":         c.JWTRefreshTTL,
		"SESSION_TTL":             c.SessionTTLRaw,
		"RATE_LIMIT_WINDOW":       c.RateLimitWindowRaw,
		"CLEANUP_INTERVAL":        c.CleanupIntervalRaw,
		"RAPID_REQUEST_THRESHOLD": c.RapidRequestThresholdRaw,
		"SLOW_REQUEST_THRESHOLD":  c.SlowRequestThresholdRaw,
		"STORE_TIMEOUT":           c.StoreTimeoutRaw,
	} {
		if d, err := time.ParseDuration(raw); err != nil || d <= 0 {
			return fmt.Errorf("config: %s must be a positive duration, got %q", key, raw)
		}
	}
	if !(c.AccessTTL() < c.RefreshTTL() && c.RefreshTTL() < c.SessionTTL()) {
		return errors.New("config: JWT_ACCESS_TTL < JWT_REFRESH_TTL < SESSION_TTL must hold")
	}

	if c.RateLimitMax <= 0 {
		return errors.New("config: RATE_LIMIT_MAX must be positive")
	}
	if c.LoginRateLimitMax <= 0 {
		c.LoginRateLimitMax = c.RateLimitMax
	}
	if c.RefreshThresholdMinutes < 0 {
		return errors.New("config: REFRESH_THRESHOLD_MINUTES must not be negative")
	}

	if c.BcryptCost == 0 {
		c.BcryptCost = 12
	}
	if c.BcryptCost < 4 || c.BcryptCost > 31 {
		return errors.New("config: BCRYPT_COST must be between 4 and 31")
	}
	return nil
}

// AccessTTL parses JWTAccessTTL as a time.Duration. Returns 15m if unset or invalid.
func (c *Config) AccessTTL() time.Duration {
	return parseDuration(c.JWTAccessTTL, 15*time.Minute)
}

// RefreshTTL parses JWTRefreshTTL as a time.Duration. Returns 168h if unset or invalid.
func (c *Config) RefreshTTL() time.Duration {
	return parseDuration(c.JWTRefreshTTL, 168*time.Hour)
}

// SessionTTL returns the session record lifetime. Returns 192h if unset or invalid.
func (c *Config) SessionTTL() time.Duration {
	return parseDuration(c.SessionTTLRaw, 192*time.Hour)
}

func (c *Config) RateLimitWindow() time.Duration {
	return parseDuration(c.RateLimitWindowRaw, time.Minute)
}

func (c *Config) CleanupInterval() time.Duration {
	return parseDuration(c.CleanupIntervalRaw, time.Hour)
}

func (c *Config) RapidRequestThreshold() time.Duration {
	return parseDuration(c.RapidRequestThresholdRaw, time.Second)
}

func (c *Config) SlowRequestThreshold() time.Duration {
	return parseDuration(c.SlowRequestThresholdRaw, time.Second)
}

func (c *Config) StoreTimeout() time.Duration {
	return parseDuration(c.StoreTimeoutRaw, 2*time.Second)
}

// RefreshThreshold converts RefreshThresholdMinutes to a duration.
func (c *Config) RefreshThreshold() time.Duration {
	return time.Duration(c.RefreshThresholdMinutes) * time.Minute
}

// TelemetryKafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// Used to decide if the Kafka emitter is enabled (non-empty list) and to create the producer.
func (c *Config) TelemetryKafkaBrokersList() []string {
	if c == nil || c.TelemetryKafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.TelemetryKafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
