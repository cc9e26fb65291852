package config

import (
	"os"
	"path/filepath"
	"time"
)

// Default returns a configuration with sensible default values.
//
// The defaults match a typical Claude Code quota setup: a five hour
// quota window, one second liveness checks, and a 2000 tokens/minute
// high-rate threshold.
func Default() *Config {
	return &Config{
		LogDirs: defaultLogDirs(),
		Window: WindowConfig{
			Duration:         5 * time.Hour,
			IdleTimeout:      10 * time.Minute,
			ActiveTimeout:    2 * time.Minute,
			LivenessInterval: time.Second,
			RecentLimit:      20,
		},
		Ingest: IngestConfig{
			BatchSize:           50,
			FlushInterval:       5 * time.Second,
			ProjectionDecay:     0.8,
			ProjectionSamples:   10,
			TokenBudget:         0,
			BudgetWarningRatio:  0.80,
			BudgetCriticalRatio: 0.95,
			TimeToLimitWarning:  60 * time.Minute,
		},
		Rate: RateConfig{
			SampleWindow:       30,
			TrendThreshold:     0.20,
			DirectionThreshold: 0.05,
		},
		Alerts: AlertConfig{
			SpikeThreshold:      2.0,
			SpikeCooldown:       5 * time.Minute,
			HighRateThreshold:   2000,
			SustainedDuration:   5 * time.Minute,
			CriticalUsageRatio:  0.8,
			ApproachingCooldown: 10 * time.Minute,
			AnomalyMinSamples:   10,
			AnomalyCooldown:     15 * time.Minute,
			HistoryLimit:        100,
			EvalInterval:        5 * time.Second,
		},
		Hub: HubConfig{
			HeartbeatInterval: 30 * time.Second,
			HeartbeatTimeout:  60 * time.Second,
			SendBuffer:        64,
			MaxSendFailures:   3,
			ListenAddr:        "127.0.0.1:8090",
		},
		Storage: StorageConfig{
			DBPath: defaultDBPath(),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stderr",
			Format: "text",
		},
	}
}

// defaultLogDirs returns the default Claude Code log directories.
//
// Searches in order:
// 1. ~/.config/claude/projects/ (new default)
// 2. ~/.claude/projects/ (legacy)
//
// Returns all directories that exist on the filesystem.
func defaultLogDirs() []string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home dir not available
		return []string{"."}
	}

	candidates := []string{
		filepath.Join(homeDir, ".config", "claude", "projects"),
		filepath.Join(homeDir, ".claude", "projects"),
	}

	var dirs []string
	for _, dir := range candidates {
		if _, err := os.Stat(dir); err == nil {
			dirs = append(dirs, dir)
		}
	}

	if len(dirs) == 0 {
		return []string{filepath.Join(homeDir, ".config", "claude", "projects")}
	}

	return dirs
}

// defaultDBPath returns the default database file path.
//
// Returns: ~/.config/usage-sentinel/sentinel.db.
func defaultDBPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "./sentinel.db"
	}

	return filepath.Join(homeDir, ".config", "usage-sentinel", "sentinel.db")
}

// defaultConfigPath returns the default configuration file path.
//
// Returns: ~/.config/usage-sentinel/config.yaml.
func defaultConfigPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "./config.yaml"
	}

	return filepath.Join(homeDir, ".config", "usage-sentinel", "config.yaml")
}
