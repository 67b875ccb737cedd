// Package config provides configuration management for cloudml.
//
// Settings are layered: built-in defaults, then an optional YAML file, then
// environment variables with the CLOUDML_ prefix. An environment variable
// that is unset or cannot be parsed leaves the lower layer's value alone.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "CLOUDML_"

// Config holds all configuration settings for the cloudml server.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Training TrainingConfig `yaml:"training"`
	Security SecurityConfig `yaml:"security"`
	Log      LogConfig      `yaml:"log"`
	Features FeaturesConfig `yaml:"features"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port         int     `yaml:"port"`           // Server port (default: 6060)
	Host         string  `yaml:"host"`           // Server host (default: 127.0.0.1)
	RateLimit    float64 `yaml:"rate_limit"`     // Requests per second per server (default: 100, 0 disables)
	RateBurst    int     `yaml:"rate_burst"`     // Token bucket burst (default: 200)
	MaxBodyBytes int64   `yaml:"max_body_bytes"` // Request body cap (default: 8 MiB)
}

// StorageConfig contains persistence configuration.
type StorageConfig struct {
	StorageEngine      string        `yaml:"engine"`               // memory, sqlite, postgres, badger (default: memory)
	DataPath           string        `yaml:"data_path"`            // Directory for sqlite/badger files (default: ./data)
	PostgresDSN        string        `yaml:"postgres_dsn"`         // Connection string for the postgres engine
	BreakerMaxFailures uint32        `yaml:"breaker_max_failures"` // Consecutive failures before the store circuit opens (default: 5)
	BreakerTimeout     time.Duration `yaml:"breaker_timeout"`      // How long the circuit stays open (default: 30s)
}

// TrainingConfig holds defaults applied to models created without explicit
// hyperparameters, plus ingest limits.
type TrainingConfig struct {
	LearningRate      float64 `yaml:"learning_rate"`       // Initial SGD step size (default: 0.05)
	LearningRateDecay float64 `yaml:"learning_rate_decay"` // Step size decay per observation (default: 0.01)
	Lambda            float64 `yaml:"lambda"`              // L2 penalty (default: 0)
	MaxBatchSize      int     `yaml:"max_batch_size"`      // Observations accepted per ingest call (default: 10000)
}

// SecurityConfig contains security and authentication settings.
type SecurityConfig struct {
	SecurityMode string `yaml:"mode"`      // development or production (default: development)
	APIToken     string `yaml:"api_token"` // Bearer token required in production mode
}

// LogConfig controls the zap logger and optional file rotation.
type LogConfig struct {
	Level      string `yaml:"level"`        // debug, info, warn, error (default: info)
	Format     string `yaml:"format"`       // json or console (default: json)
	File       string `yaml:"file"`         // Log file path; empty logs to stderr
	MaxSizeMB  int    `yaml:"max_size_mb"`  // Rotate after this size (default: 100)
	MaxBackups int    `yaml:"max_backups"`  // Rotated files to keep (default: 5)
	MaxAgeDays int    `yaml:"max_age_days"` // Days to keep rotated files (default: 28)
	Compress   bool   `yaml:"compress"`     // Gzip rotated files (default: true)
}

// FeaturesConfig contains feature flags.
type FeaturesConfig struct {
	EnableMetrics   bool `yaml:"enable_metrics"`   // Serve /metrics (default: true)
	EnableWebSocket bool `yaml:"enable_websocket"` // Serve /ws model events (default: true)

	// EnableStoreEvents watches {data_path}/events for changes made by
	// cloudml-admin. Ignored by the memory engine (default: true).
	EnableStoreEvents bool `yaml:"enable_store_events"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         6060,
			Host:         "127.0.0.1",
			RateLimit:    100,
			RateBurst:    200,
			MaxBodyBytes: 8 << 20,
		},
		Storage: StorageConfig{
			StorageEngine:      "memory",
			DataPath:           "./data",
			BreakerMaxFailures: 5,
			BreakerTimeout:     30 * time.Second,
		},
		Training: TrainingConfig{
			LearningRate:      0.05,
			LearningRateDecay: 0.01,
			Lambda:            0,
			MaxBatchSize:      10000,
		},
		Security: SecurityConfig{
			SecurityMode: "development",
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
			Compress:   true,
		},
		Features: FeaturesConfig{
			EnableMetrics:     true,
			EnableWebSocket:   true,
			EnableStoreEvents: true,
		},
	}
}

// LoadConfig loads configuration from environment variables over defaults.
func LoadConfig() (*Config, error) {
	cfg := Default()
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigFile loads defaults, then the YAML file at path, then
// environment variables. Keys missing from the file keep their defaults.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}

	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.StorageEngine {
	case "memory", "sqlite", "badger":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgres_dsn is required for the postgres engine"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage engine %q", c.Storage.StorageEngine))
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Training.LearningRate <= 0 {
		errs = append(errs, fmt.Errorf("training.learning_rate must be > 0, got %v", c.Training.LearningRate))
	}
	if c.Training.LearningRateDecay < 0 {
		errs = append(errs, fmt.Errorf("training.learning_rate_decay must be >= 0, got %v", c.Training.LearningRateDecay))
	}
	if c.Training.Lambda < 0 {
		errs = append(errs, fmt.Errorf("training.lambda must be >= 0, got %v", c.Training.Lambda))
	}
	if c.Training.MaxBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("training.max_batch_size must be > 0, got %d", c.Training.MaxBatchSize))
	}

	switch c.Security.SecurityMode {
	case "development":
	case "production":
		if c.Security.APIToken == "" {
			errs = append(errs, errors.New("security.api_token is required in production mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown security mode %q", c.Security.SecurityMode))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Addr returns the host:port the server listens on.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// applyEnv overlays CLOUDML_* environment variables onto cfg.
func applyEnv(cfg *Config) {
	cfg.Server.Port = getEnvInt("PORT", cfg.Server.Port)
	cfg.Server.Host = getEnv("HOST", cfg.Server.Host)
	cfg.Server.RateLimit = getEnvFloat("RATE_LIMIT", cfg.Server.RateLimit)
	cfg.Server.RateBurst = getEnvInt("RATE_BURST", cfg.Server.RateBurst)
	cfg.Server.MaxBodyBytes = int64(getEnvInt("MAX_BODY_BYTES", int(cfg.Server.MaxBodyBytes)))

	cfg.Storage.StorageEngine = strings.ToLower(getEnv("STORAGE_ENGINE", cfg.Storage.StorageEngine))
	cfg.Storage.DataPath = getEnv("DATA_PATH", cfg.Storage.DataPath)
	cfg.Storage.PostgresDSN = getEnv("POSTGRES_DSN", cfg.Storage.PostgresDSN)
	cfg.Storage.BreakerMaxFailures = uint32(getEnvInt("BREAKER_MAX_FAILURES", int(cfg.Storage.BreakerMaxFailures)))
	cfg.Storage.BreakerTimeout = getEnvDuration("BREAKER_TIMEOUT", cfg.Storage.BreakerTimeout)

	cfg.Training.LearningRate = getEnvFloat("LEARNING_RATE", cfg.Training.LearningRate)
	cfg.Training.LearningRateDecay = getEnvFloat("LEARNING_RATE_DECAY", cfg.Training.LearningRateDecay)
	cfg.Training.Lambda = getEnvFloat("LAMBDA", cfg.Training.Lambda)
	cfg.Training.MaxBatchSize = getEnvInt("MAX_BATCH_SIZE", cfg.Training.MaxBatchSize)

	cfg.Security.SecurityMode = getEnv("SECURITY_MODE", cfg.Security.SecurityMode)
	cfg.Security.APIToken = getEnv("API_TOKEN", cfg.Security.APIToken)

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("LOG_FORMAT", cfg.Log.Format)
	cfg.Log.File = getEnv("LOG_FILE", cfg.Log.File)

	cfg.Features.EnableMetrics = getEnvBool("ENABLE_METRICS", cfg.Features.EnableMetrics)
	cfg.Features.EnableWebSocket = getEnvBool("ENABLE_WEBSOCKET", cfg.Features.EnableWebSocket)
	cfg.Features.EnableStoreEvents = getEnvBool("ENABLE_STORE_EVENTS", cfg.Features.EnableStoreEvents)
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default value.
// If the environment variable exists but cannot be parsed as an integer,
// it returns the default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float environment variable or returns a default value.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration ("30s", "2m") or returns a default value.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default value.
// It recognizes "true", "1", "yes" as true and "false", "0", "no" as false (case-insensitive).
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultValue
}
