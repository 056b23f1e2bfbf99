// Package config loads service configuration from environment
// variables, with sensible defaults for everything but the backend
// credentials.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"golang.org/x/text/language"
)

// Config holds all application configuration.
//
// Environment Variables:
// Translation Backend:
// - TRANSLATE_API_KEY: API key for the translation backend (required)
// - TRANSLATE_API_URL: Backend endpoint URL (default: https://api.seekhub.dev/v1)
// - TRANSLATE_TIMEOUT: Per-request timeout in seconds (default: 60)
// - TRANSLATE_BATCH_SIZE: Max segments per backend call (default: 8)
// - TRANSLATE_BATCH_CHARS: Max characters per backend call (default: 4000)
// - TRANSLATE_CONCURRENCY: Parallel backend calls (default: 5)
// - TRANSLATE_MAX_ATTEMPTS: Attempts per batch before giving up (default: 3)
// - DEFAULT_TARGET_LANG: Fallback target language tag (default: en)
//
// Cache:
// - CACHE_TTL_HOURS: In-memory entry lifetime (default: 24)
// - CACHE_CAPACITY: Max in-memory entries (default: 10000)
// - CACHE_SWEEP_CRON: Eviction sweep schedule (default: "@every 10m")
//
// Jobs:
// - JOB_WORKERS: Worker pool size (default: NumCPU)
// - JOB_QUEUE_SIZE: Pending queue capacity (default: 128)
// - JOB_TIMEOUT_MINUTES: Default wall-clock budget per job (default: 30)
//
// System:
// - DATA_DIR: Document storage root (default: /data)
// - DB_PATH: SQLite database path (default: <DATA_DIR>/doctrans.db)
// - HTTP_ADDR: Listen address (default: :8080)
// - LOG_LEVEL: debug|info|warn|error (default: info)

type Config struct {
	Translate TranslateConfig `json:"translate"`
	Cache     CacheConfig     `json:"cache"`
	Jobs      JobsConfig      `json:"jobs"`
	System    SystemConfig    `json:"system"`
}

// TranslateConfig holds the configuration for the translation backend
// and batch orchestration.
type TranslateConfig struct {
	APIKey        string       `json:"api_key"`
	APIURL        string       `json:"api_url"`
	Timeout       int          `json:"timeout"`
	BatchSize     int          `json:"batch_size"`
	BatchChars    int          `json:"batch_chars"`
	Concurrency   int          `json:"concurrency"`
	MaxAttempts   int          `json:"max_attempts"`
	DefaultTarget language.Tag `json:"default_target"`
}

type CacheConfig struct {
	TTL       time.Duration `json:"ttl"`
	Capacity  int           `json:"capacity"`
	SweepCron string        `json:"sweep_cron"`
}

type JobsConfig struct {
	Workers   int           `json:"workers"`
	QueueSize int           `json:"queue_size"`
	Timeout   time.Duration `json:"timeout"`
}

type SystemConfig struct {
	DataDir  string `json:"data_dir"`
	DBPath   string `json:"db_path"`
	HTTPAddr string `json:"http_addr"`
	LogLevel string `json:"log_level"`
}

// Option is a function type for configuring Config
type Option func(*Config)

// NewFromEnv creates a new Config instance with values from environment variables and options
func NewFromEnv(opts ...Option) (*Config, error) {
	dataDir := getEnvString("DATA_DIR", "/data")

	config := &Config{
		Translate: TranslateConfig{
			APIKey:      getEnvString("TRANSLATE_API_KEY", ""),
			APIURL:      getEnvString("TRANSLATE_API_URL", "https://api.seekhub.dev/v1"),
			Timeout:     getEnvInt("TRANSLATE_TIMEOUT", 60),
			BatchSize:   getEnvInt("TRANSLATE_BATCH_SIZE", 8),
			BatchChars:  getEnvInt("TRANSLATE_BATCH_CHARS", 4000),
			Concurrency: getEnvInt("TRANSLATE_CONCURRENCY", 5),
			MaxAttempts: getEnvInt("TRANSLATE_MAX_ATTEMPTS", 3),
		},
		Cache: CacheConfig{
			TTL:       time.Duration(getEnvInt("CACHE_TTL_HOURS", 24)) * time.Hour,
			Capacity:  getEnvInt("CACHE_CAPACITY", 10000),
			SweepCron: getEnvString("CACHE_SWEEP_CRON", "@every 10m"),
		},
		Jobs: JobsConfig{
			Workers:   getEnvInt("JOB_WORKERS", runtime.NumCPU()),
			QueueSize: getEnvInt("JOB_QUEUE_SIZE", 128),
			Timeout:   time.Duration(getEnvInt("JOB_TIMEOUT_MINUTES", 30)) * time.Minute,
		},
		System: SystemConfig{
			DataDir:  dataDir,
			DBPath:   getEnvString("DB_PATH", dataDir+"/doctrans.db"),
			HTTPAddr: getEnvString("HTTP_ADDR", ":8080"),
			LogLevel: getEnvString("LOG_LEVEL", "info"),
		},
	}

	target, err := language.Parse(getEnvString("DEFAULT_TARGET_LANG", "en"))
	if err != nil {
		return nil, fmt.Errorf("DEFAULT_TARGET_LANG is not a valid language tag: %w", err)
	}
	config.Translate.DefaultTarget = target

	// Apply custom options
	for _, opt := range opts {
		opt(config)
	}

	// Validate required configuration
	if err := config.validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// validate checks if all required configuration is properly set
func (c *Config) validate() error {
	if c.Translate.APIKey == "" {
		return fmt.Errorf("TRANSLATE_API_KEY is required")
	}
	if c.Jobs.Workers <= 0 {
		return fmt.Errorf("JOB_WORKERS must be positive")
	}
	return nil
}

// getEnvString gets a string value from environment variables with default
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer value from environment variables with default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
