// Package config loads daemon settings from a YAML file, with
// environment-variable overrides applied on top. The override helpers
// mirror nandlabs-golly/config's GetEnvAsString/GetEnvAsInt family;
// flag-then-init sequencing mirrors a cobra persistent-flags-then-init
// ordering.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/samson-media/barn/pkg/service"
	"github.com/samson-media/barn/pkg/types"
	"gopkg.in/yaml.v3"
)

// Config is the full set of settings recognized by the daemon.
type Config struct {
	BaseDir                        string  `yaml:"base_dir"`
	IPCSocket                      string  `yaml:"ipc_socket"`
	MetricsAddr                    string  `yaml:"metrics_addr"`
	LogLevel                       string  `yaml:"log_level"`
	StaleHeartbeatThresholdSeconds int     `yaml:"stale_heartbeat_threshold_seconds"`
	MaxConcurrentJobs              int     `yaml:"max_concurrent_jobs"`
	PollIntervalSeconds            int     `yaml:"poll_interval_seconds"`

	DefaultTimeoutSeconds  int     `yaml:"default_timeout_seconds"`
	MaxRetries             int     `yaml:"max_retries"`
	RetryDelaySeconds      int     `yaml:"retry_delay_seconds"`
	RetryBackoffMultiplier float64 `yaml:"retry_backoff_multiplier"`
	RetryOnExitCodes       []int   `yaml:"retry_on_exit_codes"`

	Cleanup CleanupConfig `yaml:"cleanup"`
}

// CleanupConfig is the nested `cleanup.*` settings block.
type CleanupConfig struct {
	Enabled               bool `yaml:"enabled"`
	IntervalMinutes       int  `yaml:"cleanup_interval_minutes"`
	MaxAgeHours           int  `yaml:"max_age_hours"`
	KeepFailedJobs        bool `yaml:"keep_failed_jobs"`
	KeepFailedJobsHours   int  `yaml:"keep_failed_jobs_hours"`
}

// Default returns the built-in defaults applied before the file and
// environment are layered on.
func Default() Config {
	return Config{
		BaseDir:                        "/var/lib/barn",
		IPCSocket:                      "/var/lib/barn/barn.sock",
		MetricsAddr:                    "127.0.0.1:9090",
		LogLevel:                       "info",
		StaleHeartbeatThresholdSeconds: 30,
		MaxConcurrentJobs:              4,
		PollIntervalSeconds:            1,
		DefaultTimeoutSeconds:          0,
		MaxRetries:                     0,
		RetryDelaySeconds:              5,
		RetryBackoffMultiplier:         2,
		Cleanup: CleanupConfig{
			Enabled:             false,
			IntervalMinutes:     60,
			MaxAgeHours:         24 * 7,
			KeepFailedJobs:      false,
			KeepFailedJobsHours: 24 * 30,
		},
	}
}

// Load reads a YAML file at path (if non-empty and it exists) on top
// of Default, then applies BARN_-prefixed environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.BaseDir = getEnvAsString("BARN_BASE_DIR", cfg.BaseDir)
	cfg.IPCSocket = getEnvAsString("BARN_IPC_SOCKET", cfg.IPCSocket)
	cfg.MetricsAddr = getEnvAsString("BARN_METRICS_ADDR", cfg.MetricsAddr)
	cfg.LogLevel = getEnvAsString("BARN_LOG_LEVEL", cfg.LogLevel)
	cfg.StaleHeartbeatThresholdSeconds = getEnvAsInt("BARN_STALE_HEARTBEAT_THRESHOLD_SECONDS", cfg.StaleHeartbeatThresholdSeconds)
	cfg.MaxConcurrentJobs = getEnvAsInt("BARN_MAX_CONCURRENT_JOBS", cfg.MaxConcurrentJobs)
	cfg.PollIntervalSeconds = getEnvAsInt("BARN_POLL_INTERVAL_SECONDS", cfg.PollIntervalSeconds)
	cfg.DefaultTimeoutSeconds = getEnvAsInt("BARN_DEFAULT_TIMEOUT_SECONDS", cfg.DefaultTimeoutSeconds)
	cfg.MaxRetries = getEnvAsInt("BARN_MAX_RETRIES", cfg.MaxRetries)
	cfg.RetryDelaySeconds = getEnvAsInt("BARN_RETRY_DELAY_SECONDS", cfg.RetryDelaySeconds)
	cfg.RetryBackoffMultiplier = getEnvAsFloat("BARN_RETRY_BACKOFF_MULTIPLIER", cfg.RetryBackoffMultiplier)
	cfg.Cleanup.Enabled = getEnvAsBool("BARN_CLEANUP_ENABLED", cfg.Cleanup.Enabled)
	cfg.Cleanup.IntervalMinutes = getEnvAsInt("BARN_CLEANUP_INTERVAL_MINUTES", cfg.Cleanup.IntervalMinutes)
	cfg.Cleanup.MaxAgeHours = getEnvAsInt("BARN_MAX_AGE_HOURS", cfg.Cleanup.MaxAgeHours)
	cfg.Cleanup.KeepFailedJobs = getEnvAsBool("BARN_KEEP_FAILED_JOBS", cfg.Cleanup.KeepFailedJobs)
	cfg.Cleanup.KeepFailedJobsHours = getEnvAsInt("BARN_KEEP_FAILED_JOBS_HOURS", cfg.Cleanup.KeepFailedJobsHours)
}

// StaleHeartbeatThreshold returns the configured threshold as a Duration.
func (c Config) StaleHeartbeatThreshold() time.Duration {
	return time.Duration(c.StaleHeartbeatThresholdSeconds) * time.Second
}

// PollInterval returns the configured scheduler poll interval as a Duration.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// CleanupInterval returns the configured sweep interval as a Duration.
func (c Config) CleanupInterval() time.Duration {
	return time.Duration(c.Cleanup.IntervalMinutes) * time.Minute
}

// CleanupMaxAge returns the configured terminal-job retention window.
func (c Config) CleanupMaxAge() time.Duration {
	return time.Duration(c.Cleanup.MaxAgeHours) * time.Hour
}

// CleanupMaxAgeFailed returns the configured FAILED-job retention
// window, used only when Cleanup.KeepFailedJobs is set.
func (c Config) CleanupMaxAgeFailed() time.Duration {
	return time.Duration(c.Cleanup.KeepFailedJobsHours) * time.Hour
}

// DefaultJobConfig returns the configured retry/timeout settings as a
// JobConfig. The daemon does not merge these into submitted jobs: a
// job runs with the JobConfig carried in its run_job request.
func (c Config) DefaultJobConfig() types.JobConfig {
	return types.JobConfig{
		DefaultTimeoutSeconds:  c.DefaultTimeoutSeconds,
		MaxRetries:             c.MaxRetries,
		RetryDelaySeconds:      c.RetryDelaySeconds,
		RetryBackoffMultiplier: c.RetryBackoffMultiplier,
		RetryOnExitCodes:       c.RetryOnExitCodes,
	}
}

// ServiceConfig builds the service.Config this configuration implies.
func (c Config) ServiceConfig() service.Config {
	return service.Config{
		BaseDir:           c.BaseDir,
		SocketPath:        c.IPCSocket,
		MetricsAddr:       c.MetricsAddr,
		MaxConcurrentJobs: c.MaxConcurrentJobs,
		PollInterval:      c.PollInterval(),
		StaleThreshold:    c.StaleHeartbeatThreshold(),
		ShutdownGrace:     30 * time.Second,
		CleanupEnabled:    c.Cleanup.Enabled,
		CleanupInterval:   c.CleanupInterval(),
		CleanupMaxAge:     c.CleanupMaxAge(),
		KeepFailedJobs:    c.Cleanup.KeepFailedJobs,
		MaxAgeFailed:      c.CleanupMaxAgeFailed(),
	}
}
