// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/aristath/marketscan/internal/scan"
	"github.com/aristath/marketscan/internal/scheduler"
)

// Config holds application configuration
type Config struct {
	DataDir      string // Base directory for databases and scan artifacts (always absolute)
	UniverseFile string // Symbol list, one per line
	LogLevel     string
	Port         int // Ops HTTP server port
	DevMode      bool

	Scan      ScanConfig
	Staleness StalenessConfig
	Scheduler SchedulerConfig
	Daemon    DaemonConfig
	Archive   ArchiveConfig
	Yahoo     YahooConfig
}

// ScanConfig holds fetch-strategy settings.
type ScanConfig struct {
	FullWindowDays        int
	WindowSize            int
	IncrementalContinuous bool
	IncrementalWindowDays int
	RetryFailed           bool
}

// StalenessConfig holds periodic-data freshness thresholds in whole days.
type StalenessConfig struct {
	ShortThresholdDays int
	LongThresholdDays  int
}

// SchedulerConfig holds worker pool settings.
type SchedulerConfig struct {
	Workers           int
	PerWorkerDelay    time.Duration
	ErrorWindowSize   int
	ErrorThresholdPct float64
	BackoffDuration   time.Duration
	MaxAttempts       int
	GracePeriod       time.Duration
}

// DaemonConfig holds scheduled-mode settings.
type DaemonConfig struct {
	// CronSchedule is a standard 5-field cron expression for daily scans.
	CronSchedule string
}

// ArchiveConfig holds S3-compatible storage settings for run artifact backup.
type ArchiveConfig struct {
	Enabled       bool
	Endpoint      string
	Region        string
	Bucket        string
	AccessKey     string
	SecretKey     string
	RetentionDays int
}

// YahooConfig holds upstream client settings.
type YahooConfig struct {
	BaseURL        string
	RequestTimeout time.Duration
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("MARKETSCAN_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	// Always resolve to absolute path
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	// Ensure directory exists
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:      absDataDir,
		UniverseFile: getEnv("MARKETSCAN_UNIVERSE_FILE", filepath.Join(absDataDir, "universe.txt")),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		Port:         getEnvAsInt("MARKETSCAN_PORT", 8090),
		DevMode:      getEnvAsBool("DEV_MODE", false),
		Scan: ScanConfig{
			FullWindowDays:        getEnvAsInt("SCAN_FULL_WINDOW_DAYS", 365),
			WindowSize:            getEnvAsInt("SCAN_WINDOW_SIZE", 250),
			IncrementalContinuous: getEnvAsBool("SCAN_INCREMENTAL", true),
			IncrementalWindowDays: getEnvAsInt("SCAN_INCREMENTAL_WINDOW_DAYS", 10),
			RetryFailed:           getEnvAsBool("SCAN_RETRY_FAILED", true),
		},
		Staleness: StalenessConfig{
			ShortThresholdDays: getEnvAsInt("STALENESS_SHORT_DAYS", 7),
			LongThresholdDays:  getEnvAsInt("STALENESS_LONG_DAYS", 90),
		},
		Scheduler: SchedulerConfig{
			Workers:           getEnvAsInt("SCAN_WORKERS", 3),
			PerWorkerDelay:    getEnvAsDuration("SCAN_DELAY", 500*time.Millisecond),
			ErrorWindowSize:   getEnvAsInt("SCAN_ERROR_WINDOW", 20),
			ErrorThresholdPct: getEnvAsFloat("SCAN_ERROR_THRESHOLD_PCT", 50),
			BackoffDuration:   getEnvAsDuration("SCAN_BACKOFF", 30*time.Second),
			MaxAttempts:       getEnvAsInt("SCAN_MAX_ATTEMPTS", 3),
			GracePeriod:       getEnvAsDuration("SCAN_GRACE_PERIOD", 30*time.Second),
		},
		Daemon: DaemonConfig{
			CronSchedule: getEnv("SCAN_CRON", "30 6 * * *"),
		},
		Archive: ArchiveConfig{
			Enabled:       getEnvAsBool("ARCHIVE_ENABLED", false),
			Endpoint:      getEnv("ARCHIVE_S3_ENDPOINT", ""),
			Region:        getEnv("ARCHIVE_S3_REGION", "auto"),
			Bucket:        getEnv("ARCHIVE_S3_BUCKET", ""),
			AccessKey:     getEnv("ARCHIVE_S3_ACCESS_KEY", ""),
			SecretKey:     getEnv("ARCHIVE_S3_SECRET_KEY", ""),
			RetentionDays: getEnvAsInt("ARCHIVE_RETENTION_DAYS", 30),
		},
		Yahoo: YahooConfig{
			BaseURL:        getEnv("YAHOO_BASE_URL", "https://query1.finance.yahoo.com"),
			RequestTimeout: getEnvAsDuration("YAHOO_TIMEOUT", 15*time.Second),
		},
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.Scan.FullWindowDays <= 0 {
		return fmt.Errorf("SCAN_FULL_WINDOW_DAYS must be positive")
	}
	if c.Scan.WindowSize <= 0 {
		return fmt.Errorf("SCAN_WINDOW_SIZE must be positive")
	}
	if c.Scan.IncrementalWindowDays <= 0 {
		return fmt.Errorf("SCAN_INCREMENTAL_WINDOW_DAYS must be positive")
	}
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("SCAN_WORKERS must be positive")
	}
	if c.Scheduler.ErrorThresholdPct < 0 || c.Scheduler.ErrorThresholdPct > 100 {
		return fmt.Errorf("SCAN_ERROR_THRESHOLD_PCT must be between 0 and 100")
	}
	if c.Archive.Enabled {
		if c.Archive.Bucket == "" || c.Archive.AccessKey == "" || c.Archive.SecretKey == "" {
			return fmt.Errorf("archival enabled but ARCHIVE_S3_BUCKET/ACCESS_KEY/SECRET_KEY not set")
		}
	}
	return nil
}

// ScanOptions converts the scan section to the orchestrator's config.
func (c *Config) ScanOptions() scan.Config {
	return scan.Config{
		FullWindowDays:        c.Scan.FullWindowDays,
		WindowSize:            c.Scan.WindowSize,
		IncrementalContinuous: c.Scan.IncrementalContinuous,
		IncrementalWindowDays: c.Scan.IncrementalWindowDays,
		RetryFailed:           c.Scan.RetryFailed,
	}
}

// SchedulerOptions converts the scheduler section to the pool's config.
func (c *Config) SchedulerOptions() scheduler.Config {
	return scheduler.Config{
		Workers:           c.Scheduler.Workers,
		PerWorkerDelay:    c.Scheduler.PerWorkerDelay,
		ErrorWindowSize:   c.Scheduler.ErrorWindowSize,
		ErrorThresholdPct: c.Scheduler.ErrorThresholdPct,
		BackoffDuration:   c.Scheduler.BackoffDuration,
		MaxAttempts:       c.Scheduler.MaxAttempts,
		GracePeriod:       c.Scheduler.GracePeriod,
	}
}

// CacheDBPath returns the cache database location under the data dir.
func (c *Config) CacheDBPath() string {
	return filepath.Join(c.DataDir, "series_cache.db")
}

// CheckpointDBPath returns the checkpoint database location under the data dir.
func (c *Config) CheckpointDBPath() string {
	return filepath.Join(c.DataDir, "checkpoint.db")
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if dur, err := time.ParseDuration(value); err == nil {
			return dur
		}
	}
	return defaultValue
}
