package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Loader provides methods for loading configuration from various sources.
type Loader interface {
	// Load loads configuration with the following precedence:
	// 1. Environment variables
	// 2. Configuration file
	// 3. Default values
	//
	// Returns the merged configuration or an error if validation fails.
	Load() (*Config, error)

	// LoadFromFile loads configuration from a specific file.
	LoadFromFile(path string) (*Config, error)
}

// loader implements the Loader interface.
type loader struct {
	configPath string
}

// NewLoader creates a new configuration loader.
//
// If configPath is empty, searches for a config file in:
// 1. ./config.yaml (current directory)
// 2. ~/.config/usage-sentinel/config.yaml.
func NewLoader(configPath string) Loader {
	return &loader{
		configPath: configPath,
	}
}

// Load implements Loader.Load.
func (l *loader) Load() (*Config, error) {
	cfg := Default()

	configPath := l.configPath
	if configPath == "" {
		configPath = l.findConfigFile()
	}

	if configPath != "" {
		fileCfg, err := l.LoadFromFile(configPath)
		if err != nil {
			// An explicitly requested file must load; a discovered
			// one may be absent.
			if l.configPath != "" {
				return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
			}
		} else {
			cfg = merge(cfg, fileCfg)
		}
	}

	cfg = applyEnvVars(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadFromFile implements Loader.LoadFromFile.
func (l *loader) LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path) // nolint:gosec
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return &cfg, nil
}

// findConfigFile searches for a config file in standard locations.
//
// Returns empty string if no config file is found.
func (l *loader) findConfigFile() string {
	candidates := []string{
		"./config.yaml",
		defaultConfigPath(),
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// merge overlays file configuration onto the default configuration.
//
// File values override defaults only when set (non-zero).
func merge(base, override *Config) *Config {
	result := *base

	if len(override.LogDirs) > 0 {
		result.LogDirs = override.LogDirs
	}

	mergeDuration(&result.Window.Duration, override.Window.Duration)
	mergeDuration(&result.Window.IdleTimeout, override.Window.IdleTimeout)
	mergeDuration(&result.Window.ActiveTimeout, override.Window.ActiveTimeout)
	mergeDuration(&result.Window.LivenessInterval, override.Window.LivenessInterval)
	mergeInt(&result.Window.RecentLimit, override.Window.RecentLimit)

	mergeInt(&result.Ingest.BatchSize, override.Ingest.BatchSize)
	mergeDuration(&result.Ingest.FlushInterval, override.Ingest.FlushInterval)
	mergeFloat(&result.Ingest.ProjectionDecay, override.Ingest.ProjectionDecay)
	mergeInt(&result.Ingest.ProjectionSamples, override.Ingest.ProjectionSamples)
	if override.Ingest.TokenBudget > 0 {
		result.Ingest.TokenBudget = override.Ingest.TokenBudget
	}
	mergeFloat(&result.Ingest.BudgetWarningRatio, override.Ingest.BudgetWarningRatio)
	mergeFloat(&result.Ingest.BudgetCriticalRatio, override.Ingest.BudgetCriticalRatio)
	mergeDuration(&result.Ingest.TimeToLimitWarning, override.Ingest.TimeToLimitWarning)

	mergeInt(&result.Rate.SampleWindow, override.Rate.SampleWindow)
	mergeFloat(&result.Rate.TrendThreshold, override.Rate.TrendThreshold)
	mergeFloat(&result.Rate.DirectionThreshold, override.Rate.DirectionThreshold)

	mergeFloat(&result.Alerts.SpikeThreshold, override.Alerts.SpikeThreshold)
	mergeDuration(&result.Alerts.SpikeCooldown, override.Alerts.SpikeCooldown)
	mergeFloat(&result.Alerts.HighRateThreshold, override.Alerts.HighRateThreshold)
	mergeDuration(&result.Alerts.SustainedDuration, override.Alerts.SustainedDuration)
	mergeFloat(&result.Alerts.CriticalUsageRatio, override.Alerts.CriticalUsageRatio)
	mergeDuration(&result.Alerts.ApproachingCooldown, override.Alerts.ApproachingCooldown)
	mergeInt(&result.Alerts.AnomalyMinSamples, override.Alerts.AnomalyMinSamples)
	mergeDuration(&result.Alerts.AnomalyCooldown, override.Alerts.AnomalyCooldown)
	mergeInt(&result.Alerts.HistoryLimit, override.Alerts.HistoryLimit)
	mergeDuration(&result.Alerts.EvalInterval, override.Alerts.EvalInterval)

	mergeDuration(&result.Hub.HeartbeatInterval, override.Hub.HeartbeatInterval)
	mergeDuration(&result.Hub.HeartbeatTimeout, override.Hub.HeartbeatTimeout)
	mergeInt(&result.Hub.SendBuffer, override.Hub.SendBuffer)
	mergeInt(&result.Hub.MaxSendFailures, override.Hub.MaxSendFailures)
	if override.Hub.ListenAddr != "" {
		result.Hub.ListenAddr = override.Hub.ListenAddr
	}

	if override.Storage.DBPath != "" {
		result.Storage.DBPath = override.Storage.DBPath
	}

	if override.Logging.Level != "" {
		result.Logging.Level = override.Logging.Level
	}
	if override.Logging.Output != "" {
		result.Logging.Output = override.Logging.Output
	}
	if override.Logging.Format != "" {
		result.Logging.Format = override.Logging.Format
	}

	return &result
}

func mergeDuration(dst *time.Duration, v time.Duration) {
	if v > 0 {
		*dst = v
	}
}

func mergeInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

func mergeFloat(dst *float64, v float64) {
	if v > 0 {
		*dst = v
	}
}

// applyEnvVars applies environment variable overrides to the configuration.
//
// Supported environment variables:
//   - CLAUDE_CONFIG_DIR: comma-separated list of log directories
//   - USAGE_SENTINEL_DB: path to database file
//   - USAGE_SENTINEL_LISTEN: hub listen address
//   - USAGE_SENTINEL_TOKEN_BUDGET: per-session token budget
//   - USAGE_SENTINEL_LOG_LEVEL: log level
func applyEnvVars(cfg *Config) *Config {
	result := *cfg

	if envDirs := os.Getenv("CLAUDE_CONFIG_DIR"); envDirs != "" {
		dirs := strings.Split(envDirs, ",")
		for i := range dirs {
			dirs[i] = strings.TrimSpace(dirs[i])
		}
		result.LogDirs = dirs
	}

	if dbPath := os.Getenv("USAGE_SENTINEL_DB"); dbPath != "" {
		result.Storage.DBPath = dbPath
	}

	if addr := os.Getenv("USAGE_SENTINEL_LISTEN"); addr != "" {
		result.Hub.ListenAddr = addr
	}

	if budget := os.Getenv("USAGE_SENTINEL_TOKEN_BUDGET"); budget != "" {
		if v, err := strconv.ParseInt(budget, 10, 64); err == nil && v >= 0 {
			result.Ingest.TokenBudget = v
		}
	}

	if logLevel := os.Getenv("USAGE_SENTINEL_LOG_LEVEL"); logLevel != "" {
		result.Logging.Level = strings.ToLower(logLevel)
	}

	return &result
}

// Load is a convenience function that creates a loader and loads configuration.
func Load() (*Config, error) {
	return NewLoader("").Load()
}

// LoadFromFile is a convenience function that loads configuration from a file.
func LoadFromFile(path string) (*Config, error) {
	return NewLoader(path).Load()
}
