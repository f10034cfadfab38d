package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/hangar/pkg/blob"
	"github.com/platinummonkey/hangar/pkg/observability"
)

// Config holds all registry configuration, loaded from HANGAR_* environment
// variables.
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Blob          BlobConfig
	Redis         RedisConfig
	Broker        BrokerConfig
	Pipeline      PipelineConfig
	Auth          AuthConfig
	Catalog       CatalogConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds PostgreSQL settings.
type DatabaseConfig struct {
	URL          string
	MaxOpenConns int
	MaxIdleConns int
}

// BlobConfig holds object storage settings. Public and private artifacts
// live in separate buckets.
type BlobConfig struct {
	S3            blob.S3Config
	PrivateBucket string
	// CDNBase prefixes public download locations.
	CDNBase string
}

// RedisConfig holds the Redis connection used for distributed rate
// limiting. Leaving Addr empty selects the in-memory limiter.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// BrokerConfig holds the jobs coordinator connection.
type BrokerConfig struct {
	Addr string
	// TrustKeyHash is the hex SHA-256 of the broker's trust key.
	TrustKeyHash   string
	SharedSecret   string
	ReconnectDelay time.Duration
}

// PipelineConfig holds ingestion settings.
type PipelineConfig struct {
	UploadDir   string
	TempRoot    string
	DefaultsDir string

	AuthDeadline time.Duration
	RunDeadline  time.Duration
	PresignTTL   time.Duration

	// MaxConcurrentIngestions bounds the ingestion worker pool; zero
	// means unbounded.
	MaxConcurrentIngestions int
}

// AuthConfig holds token signing settings.
type AuthConfig struct {
	// TokenSecret is the process-wide HS256 signing secret.
	TokenSecret    string
	SessionTTL     time.Duration
	IssuedTokenTTL time.Duration
}

// CatalogConfig holds snapshot settings.
type CatalogConfig struct {
	Path     string
	Schedule string
}

// ObservabilityConfig holds logging and metrics settings.
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool
	MetricsPort    string
}

// LoadConfig loads configuration from environment variables and validates
// it.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("HANGAR_HOST", "0.0.0.0"),
			Port:            getEnv("HANGAR_PORT", "8080"),
			ReadTimeout:     getEnvDuration("HANGAR_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("HANGAR_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("HANGAR_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("HANGAR_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			URL:          getEnv("HANGAR_POSTGRES_URL", ""),
			MaxOpenConns: getEnvInt("HANGAR_POSTGRES_MAX_CONNS", 25),
			MaxIdleConns: getEnvInt("HANGAR_POSTGRES_IDLE_CONNS", 5),
		},
		Blob: BlobConfig{
			S3: blob.S3Config{
				Endpoint:     getEnv("HANGAR_S3_ENDPOINT", ""),
				Region:       getEnv("HANGAR_S3_REGION", "us-east-1"),
				Bucket:       getEnv("HANGAR_S3_PUBLIC_BUCKET", "hangar-public"),
				AccessKey:    getEnv("HANGAR_S3_ACCESS_KEY", ""),
				SecretKey:    getEnv("HANGAR_S3_SECRET_KEY", ""),
				UsePathStyle: getEnvBool("HANGAR_S3_USE_PATH_STYLE", false),
			},
			PrivateBucket: getEnv("HANGAR_S3_PRIVATE_BUCKET", "hangar-private"),
			CDNBase:       getEnv("HANGAR_CDN_BASE", ""),
		},
		Redis: RedisConfig{
			Addr:     getEnv("HANGAR_REDIS_ADDR", ""),
			Password: getEnv("HANGAR_REDIS_PASSWORD", ""),
			DB:       getEnvInt("HANGAR_REDIS_DB", 0),
		},
		Broker: BrokerConfig{
			Addr:           getEnv("HANGAR_BROKER_ADDR", ""),
			TrustKeyHash:   strings.ToLower(getEnv("HANGAR_BROKER_TRUST_KEY_HASH", "")),
			SharedSecret:   getEnv("HANGAR_BROKER_SHARED_SECRET", ""),
			ReconnectDelay: getEnvDuration("HANGAR_BROKER_RECONNECT_DELAY", 5*time.Second),
		},
		Pipeline: PipelineConfig{
			UploadDir:               getEnv("HANGAR_UPLOAD_DIR", os.TempDir()),
			TempRoot:                getEnv("HANGAR_TEMP_ROOT", os.TempDir()),
			DefaultsDir:             getEnv("HANGAR_DEFAULTS_DIR", ""),
			AuthDeadline:            getEnvDuration("HANGAR_AUTH_DEADLINE", 5*time.Minute),
			RunDeadline:             getEnvDuration("HANGAR_RUN_DEADLINE", time.Hour),
			PresignTTL:              getEnvDuration("HANGAR_PRESIGN_TTL", 24*time.Hour),
			MaxConcurrentIngestions: getEnvInt("HANGAR_MAX_INGESTIONS", 8),
		},
		Auth: AuthConfig{
			TokenSecret:    getEnv("HANGAR_TOKEN_SECRET", ""),
			SessionTTL:     getEnvDuration("HANGAR_SESSION_TTL", 24*time.Hour),
			IssuedTokenTTL: getEnvDuration("HANGAR_ISSUED_TOKEN_TTL", 365*24*time.Hour),
		},
		Catalog: CatalogConfig{
			Path:     getEnv("HANGAR_CATALOG_PATH", "/var/lib/hangar/catalog.json"),
			Schedule: getEnv("HANGAR_CATALOG_SCHEDULE", "@every 60s"),
		},
		Observability: ObservabilityConfig{
			LogLevel:       parseLogLevel(getEnv("HANGAR_LOG_LEVEL", "info")),
			MetricsEnabled: getEnvBool("HANGAR_METRICS_ENABLED", true),
			MetricsPort:    getEnv("HANGAR_METRICS_PORT", "9090"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks if the configuration is usable.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.Port == c.Observability.MetricsPort {
		return fmt.Errorf("server port and metrics port must be different")
	}

	if c.Database.URL == "" {
		return fmt.Errorf("postgres URL is required")
	}
	if c.Auth.TokenSecret == "" {
		return fmt.Errorf("token secret is required")
	}

	if c.Blob.S3.Endpoint == "" {
		return fmt.Errorf("S3 endpoint is required")
	}
	if c.Blob.S3.Bucket == "" || c.Blob.PrivateBucket == "" {
		return fmt.Errorf("public and private buckets are required")
	}
	if c.Blob.CDNBase == "" {
		return fmt.Errorf("CDN base URL is required")
	}

	if c.Broker.Addr == "" {
		return fmt.Errorf("broker address is required")
	}
	if err := validateTrustKeyHash(c.Broker.TrustKeyHash); err != nil {
		return err
	}
	if c.Broker.SharedSecret == "" {
		return fmt.Errorf("broker shared secret is required")
	}

	return nil
}

// validateTrustKeyHash requires a hex SHA-256 digest.
func validateTrustKeyHash(h string) error {
	if h == "" {
		return fmt.Errorf("broker trust key hash is required")
	}
	raw, err := hex.DecodeString(h)
	if err != nil || len(raw) != 32 {
		return fmt.Errorf("broker trust key hash must be a hex SHA-256 digest")
	}
	return nil
}

// parseLogLevel parses a log level string.
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

// getEnv returns an environment variable value or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
