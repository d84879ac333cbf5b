// Package config loads application configuration from environment
// variables, with validation at startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/meterline/meterline/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Postgres      PostgresConfig
	Redis         RedisConfig
	Billing       BillingConfig
	Quota         QuotaConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// PostgresConfig holds database connection settings
type PostgresConfig struct {
	URL      string
	MaxConns int
	MinConns int
	Timeout  time.Duration
}

// RedisConfig holds Redis settings for the request rate limiter
type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int

	// Rate limiter window
	RateLimit       int
	RateLimitWindow time.Duration
}

// BillingConfig holds webhook ingestion settings
type BillingConfig struct {
	// WebhookSecret signs provider deliveries. Required.
	WebhookSecret string
	// ReplayTolerance bounds the signature timestamp skew. Zero disables
	// the check.
	ReplayTolerance time.Duration
	// EventRetention bounds how long applied event records are kept.
	EventRetention time.Duration
}

// QuotaConfig holds usage metering settings
type QuotaConfig struct {
	// PolicyPath points at a YAML tier-limit file. Empty uses built-in
	// defaults.
	PolicyPath string
	// AnonymousRetentionDays bounds how long anonymous day counters are
	// kept after their day has passed.
	AnonymousRetentionDays int
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("METERLINE_HOST", "0.0.0.0"),
			Port:            getEnv("METERLINE_PORT", "8080"),
			ReadTimeout:     getEnvDuration("METERLINE_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("METERLINE_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("METERLINE_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("METERLINE_SHUTDOWN_TIMEOUT", 30*time.Second),
			MaxBodyBytes:    getEnvInt64("METERLINE_MAX_BODY_BYTES", 1<<20),
			HealthPort:      getEnv("METERLINE_HEALTH_PORT", "9090"),
		},
		Postgres: PostgresConfig{
			URL:      getEnv("METERLINE_POSTGRES_URL", ""),
			MaxConns: getEnvInt("METERLINE_POSTGRES_MAX_CONNS", 25),
			MinConns: getEnvInt("METERLINE_POSTGRES_MIN_CONNS", 5),
			Timeout:  getEnvDuration("METERLINE_POSTGRES_TIMEOUT", 30*time.Second),
		},
		Redis: RedisConfig{
			URL:             getEnv("METERLINE_REDIS_URL", ""),
			Password:        getEnv("METERLINE_REDIS_PASSWORD", ""),
			DB:              getEnvInt("METERLINE_REDIS_DB", 0),
			PoolSize:        getEnvInt("METERLINE_REDIS_POOL_SIZE", 10),
			RateLimit:       getEnvInt("METERLINE_RATE_LIMIT", 120),
			RateLimitWindow: getEnvDuration("METERLINE_RATE_LIMIT_WINDOW", time.Minute),
		},
		Billing: BillingConfig{
			WebhookSecret:   getEnv("METERLINE_WEBHOOK_SECRET", ""),
			ReplayTolerance: getEnvDuration("METERLINE_WEBHOOK_REPLAY_TOLERANCE", 5*time.Minute),
			EventRetention:  getEnvDuration("METERLINE_EVENT_RETENTION", 90*24*time.Hour),
		},
		Quota: QuotaConfig{
			PolicyPath:             getEnv("METERLINE_QUOTA_POLICY_PATH", ""),
			AnonymousRetentionDays: getEnvInt("METERLINE_ANON_RETENTION_DAYS", 7),
		},
		Observability: ObservabilityConfig{
			LogLevel:           parseLogLevel(getEnv("METERLINE_LOG_LEVEL", "info")),
			MetricsEnabled:     getEnvBool("METERLINE_METRICS_ENABLED", true),
			OTelEnabled:        getEnvBool("METERLINE_OTEL_ENABLED", false),
			OTelEndpoint:       getEnv("METERLINE_OTEL_ENDPOINT", "localhost:4317"),
			OTelServiceName:    getEnv("METERLINE_OTEL_SERVICE_NAME", "meterline"),
			OTelServiceVersion: getEnv("METERLINE_OTEL_SERVICE_VERSION", observability.Version),
			OTelInsecure:       getEnvBool("METERLINE_OTEL_INSECURE", true),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Postgres.URL == "" {
		return fmt.Errorf("postgres URL is required")
	}

	if c.Billing.WebhookSecret == "" {
		return fmt.Errorf("webhook secret is required")
	}
	if c.Billing.ReplayTolerance < 0 {
		return fmt.Errorf("webhook replay tolerance must not be negative")
	}

	if c.Quota.AnonymousRetentionDays < 1 {
		return fmt.Errorf("anonymous retention must be at least one day")
	}

	if c.Redis.URL != "" && c.Redis.RateLimit < 1 {
		return fmt.Errorf("rate limit must be positive when redis is configured")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
