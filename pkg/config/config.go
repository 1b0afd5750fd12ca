// Package config loads migration-toolkit settings from an optional YAML
// profile plus environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// PoolConfig controls the connection pool (C3).
type PoolConfig struct {
	MaxConcurrentRequests int           `yaml:"max_concurrent_requests" env:"POOL_MAX_CONCURRENT"`
	AcquireTimeout        time.Duration `yaml:"acquire_timeout" env:"POOL_ACQUIRE_TIMEOUT"`
	Selection             string        `yaml:"selection" env:"POOL_SELECTION"` // round_robin | least_busy | throttle_aware
}

// RetryConfig controls the retry policy (C4).
type RetryConfig struct {
	MaxRetries      int           `yaml:"max_retries" env:"RETRY_MAX_RETRIES"`
	BaseDelay       time.Duration `yaml:"base_delay" env:"RETRY_BASE_DELAY"`
	CeilingDelay    time.Duration `yaml:"ceiling_delay" env:"RETRY_CEILING_DELAY"`
	MaxTolerance    time.Duration `yaml:"max_tolerance" env:"RETRY_MAX_TOLERANCE"`
	PoolExhaustionRetries int     `yaml:"pool_exhaustion_retries" env:"RETRY_POOL_EXHAUSTION_RETRIES"`
}

// BulkConfig controls the bulk executor (C5).
type BulkConfig struct {
	MaxBatchSize        int `yaml:"max_batch_size" env:"BULK_MAX_BATCH_SIZE"`
	ConfiguredParallelism int `yaml:"configured_parallelism" env:"BULK_PARALLELISM"`
}

// LoggingConfig controls logging output.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
}

// Config is the top-level configuration structure for the toolkit.
type Config struct {
	Pool    PoolConfig    `yaml:"pool"`
	Retry   RetryConfig   `yaml:"retry"`
	Bulk    BulkConfig    `yaml:"bulk"`
	Logging LoggingConfig `yaml:"logging"`
}

// New returns a Config populated with the spec's documented defaults.
func New() *Config {
	return &Config{
		Pool: PoolConfig{
			MaxConcurrentRequests: 10,
			AcquireTimeout:        120 * time.Second,
			Selection:             "throttle_aware",
		},
		Retry: RetryConfig{
			MaxRetries:            3,
			BaseDelay:             1 * time.Second,
			CeilingDelay:          60 * time.Second,
			MaxTolerance:          5 * time.Minute,
			PoolExhaustionRetries: 1,
		},
		Bulk: BulkConfig{
			MaxBatchSize:          1000,
			ConfiguredParallelism: 8,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from an optional YAML file (CONFIG_FILE env var,
// defaulting to "dvmigrate.yaml" in the working directory) and then applies
// environment-variable overrides.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	path := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
	if path == "" {
		path = "dvmigrate.yaml"
	}
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}
