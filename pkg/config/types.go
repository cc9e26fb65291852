// Package config provides configuration management for usage-sentinel.
//
// Configuration is loaded from multiple sources with the following precedence:
// 1. Environment variables (highest priority)
// 2. Configuration file
// 3. Default values (lowest priority)
//
// Every threshold and interval driving the monitoring engine is injected
// through this package; nothing is hard-coded in the components.
//
// Example usage:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("window duration: %v\n", cfg.Window.Duration)
package config

import (
	"time"
)

// Config represents the complete engine configuration.
//
// Invariants:
// - LogDirs must have at least one directory
// - All durations must be > 0
// - Ratio thresholds must be in (0, 1]
// - Ingest.BatchSize and sample window sizes must be > 0.
type Config struct {
	// Log source directories to monitor for session JSONL files
	LogDirs []string `yaml:"log_dirs"`

	// Window holds quota-window tracking settings
	Window WindowConfig `yaml:"window"`

	// Ingest holds usage ingestion and batching settings
	Ingest IngestConfig `yaml:"ingest"`

	// Rate holds burn-rate analysis settings
	Rate RateConfig `yaml:"rate"`

	// Alerts holds risk-engine thresholds and cooldowns
	Alerts AlertConfig `yaml:"alerts"`

	// Hub holds broadcast hub settings
	Hub HubConfig `yaml:"hub"`

	// Storage holds persistence settings
	Storage StorageConfig `yaml:"storage"`

	// Logging holds logging settings
	Logging LoggingConfig `yaml:"logging"`
}

// WindowConfig contains session quota-window settings.
type WindowConfig struct {
	// Duration is the fixed quota window length. The window end is
	// start + Duration, fixed at creation and never extended.
	Duration time.Duration `yaml:"duration"`

	// IdleTimeout is how long a window may sit without activity
	// before it is expired.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// ActiveTimeout is how long without activity before an active
	// window is downgraded to idle (but not expired).
	ActiveTimeout time.Duration `yaml:"active_timeout"`

	// LivenessInterval is how often open windows are re-evaluated.
	LivenessInterval time.Duration `yaml:"liveness_interval"`

	// RecentLimit caps how many completed/expired windows are kept
	// for late queries.
	RecentLimit int `yaml:"recent_limit"`
}

// IngestConfig contains ingestion buffer settings.
type IngestConfig struct {
	// BatchSize is the queue length that triggers an immediate flush.
	BatchSize int `yaml:"batch_size"`

	// FlushInterval is the periodic flush tick for non-empty queues.
	FlushInterval time.Duration `yaml:"flush_interval"`

	// ProjectionDecay is the EWMA decay factor per step for usage
	// projection.
	ProjectionDecay float64 `yaml:"projection_decay"`

	// ProjectionSamples is the number of recent rate samples the
	// projection considers.
	ProjectionSamples int `yaml:"projection_samples"`

	// TokenBudget is the per-session token budget. Zero disables
	// budget alerts.
	TokenBudget int64 `yaml:"token_budget"`

	// BudgetWarningRatio triggers a warning budget alert.
	BudgetWarningRatio float64 `yaml:"budget_warning_ratio"`

	// BudgetCriticalRatio triggers a critical budget alert.
	BudgetCriticalRatio float64 `yaml:"budget_critical_ratio"`

	// TimeToLimitWarning triggers a warning when the projected time
	// to budget exhaustion drops below this duration.
	TimeToLimitWarning time.Duration `yaml:"time_to_limit_warning"`
}

// RateConfig contains burn-rate analyzer settings.
type RateConfig struct {
	// SampleWindow is the number of recent rate samples retained.
	SampleWindow int `yaml:"sample_window"`

	// TrendThreshold is the half-split percentage change that flips
	// the coarse trend to increasing/decreasing.
	TrendThreshold float64 `yaml:"trend_threshold"`

	// DirectionThreshold is the finer-grained percentage change used
	// by the risk engine's up/down direction.
	DirectionThreshold float64 `yaml:"direction_threshold"`
}

// AlertConfig contains risk-engine thresholds and cooldowns.
type AlertConfig struct {
	// SpikeThreshold is the currentRate/averageRate multiple that
	// raises a spike alert.
	SpikeThreshold float64 `yaml:"spike_threshold"`

	// SpikeCooldown is the minimum gap between spike alerts for the
	// same session.
	SpikeCooldown time.Duration `yaml:"spike_cooldown"`

	// HighRateThreshold is the tokens/minute rate considered high.
	HighRateThreshold float64 `yaml:"high_rate_threshold"`

	// SustainedDuration is how long the rate must stay high before a
	// sustained_high alert fires. It doubles as that alert's cooldown.
	SustainedDuration time.Duration `yaml:"sustained_duration"`

	// CriticalUsageRatio of the budget that raises approaching_limit.
	CriticalUsageRatio float64 `yaml:"critical_usage_ratio"`

	// ApproachingCooldown is the approaching_limit cooldown.
	ApproachingCooldown time.Duration `yaml:"approaching_cooldown"`

	// AnomalyMinSamples is the minimum population before the anomaly
	// detector reports anything.
	AnomalyMinSamples int `yaml:"anomaly_min_samples"`

	// AnomalyCooldown is the anomaly alert cooldown.
	AnomalyCooldown time.Duration `yaml:"anomaly_cooldown"`

	// HistoryLimit caps the per-session alert history retained for
	// cooldown lookups.
	HistoryLimit int `yaml:"history_limit"`

	// EvalInterval is how often rules are evaluated per session.
	EvalInterval time.Duration `yaml:"eval_interval"`
}

// HubConfig contains broadcast hub settings.
type HubConfig struct {
	// HeartbeatInterval is how often observers are pinged.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// HeartbeatTimeout disconnects observers silent longer than this.
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`

	// SendBuffer is the per-observer outbound queue length.
	SendBuffer int `yaml:"send_buffer"`

	// MaxSendFailures disconnects an observer after this many
	// consecutive delivery failures.
	MaxSendFailures int `yaml:"max_send_failures"`

	// ListenAddr is the websocket accept address.
	ListenAddr string `yaml:"listen_addr"`
}

// StorageConfig contains persistence settings.
type StorageConfig struct {
	// Path to the BoltDB database file for flushed batches. Reader
	// offsets are kept in an offsets.db next to it.
	DBPath string `yaml:"db_path"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Log level (debug, info, warn, error)
	Level string `yaml:"level"`

	// Log output destination (stdout, stderr, file path)
	Output string `yaml:"output"`

	// Log format (text, json)
	Format string `yaml:"format"`
}

// Validate checks if the configuration satisfies all invariants.
//
// Returns a sentinel error naming the first violated invariant.
//
// Thread-safety: read-only and thread-safe.
func (c *Config) Validate() error {
	if len(c.LogDirs) == 0 {
		return ErrNoLogDirs
	}

	if c.Window.Duration <= 0 || c.Window.IdleTimeout <= 0 ||
		c.Window.ActiveTimeout <= 0 || c.Window.LivenessInterval <= 0 {
		return ErrInvalidWindowConfig
	}
	if c.Window.ActiveTimeout >= c.Window.IdleTimeout {
		return ErrInvalidWindowConfig
	}

	if c.Ingest.BatchSize <= 0 || c.Ingest.FlushInterval <= 0 {
		return ErrInvalidIngestConfig
	}
	if c.Ingest.ProjectionDecay <= 0 || c.Ingest.ProjectionDecay >= 1 {
		return ErrInvalidIngestConfig
	}
	if c.Ingest.ProjectionSamples <= 0 {
		return ErrInvalidIngestConfig
	}
	if c.Ingest.TokenBudget < 0 {
		return ErrInvalidIngestConfig
	}

	if c.Rate.SampleWindow <= 0 {
		return ErrInvalidRateConfig
	}
	if c.Rate.TrendThreshold <= 0 || c.Rate.DirectionThreshold <= 0 {
		return ErrInvalidRateConfig
	}

	if c.Alerts.SpikeThreshold <= 1 || c.Alerts.HighRateThreshold <= 0 {
		return ErrInvalidAlertConfig
	}
	if c.Alerts.SpikeCooldown <= 0 || c.Alerts.SustainedDuration <= 0 ||
		c.Alerts.ApproachingCooldown <= 0 || c.Alerts.AnomalyCooldown <= 0 {
		return ErrInvalidAlertConfig
	}
	if c.Alerts.CriticalUsageRatio <= 0 || c.Alerts.CriticalUsageRatio > 1 {
		return ErrInvalidAlertConfig
	}
	if c.Alerts.AnomalyMinSamples <= 0 || c.Alerts.HistoryLimit <= 0 ||
		c.Alerts.EvalInterval <= 0 {
		return ErrInvalidAlertConfig
	}

	if c.Hub.HeartbeatInterval <= 0 || c.Hub.HeartbeatTimeout <= 0 {
		return ErrInvalidHubConfig
	}
	if c.Hub.HeartbeatTimeout <= c.Hub.HeartbeatInterval {
		return ErrInvalidHubConfig
	}
	if c.Hub.SendBuffer <= 0 || c.Hub.MaxSendFailures <= 0 {
		return ErrInvalidHubConfig
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Logging.Level] {
		return ErrInvalidLogLevel
	}

	validFormats := map[string]bool{
		"text": true,
		"json": true,
	}
	if !validFormats[c.Logging.Format] {
		return ErrInvalidLogFormat
	}

	return nil
}
