package config

import "errors"

// Common errors returned by the config package.
var (
	// ErrNoLogDirs is returned when no log source directories are specified.
	ErrNoLogDirs = errors.New("no log source directories specified")

	// ErrInvalidWindowConfig is returned when window settings are inconsistent.
	ErrInvalidWindowConfig = errors.New("invalid window config: durations must be > 0 and active_timeout < idle_timeout")

	// ErrInvalidIngestConfig is returned when ingestion settings are inconsistent.
	ErrInvalidIngestConfig = errors.New("invalid ingest config: batch size, intervals and decay must be positive")

	// ErrInvalidRateConfig is returned when rate analyzer settings are inconsistent.
	ErrInvalidRateConfig = errors.New("invalid rate config: sample window and thresholds must be > 0")

	// ErrInvalidAlertConfig is returned when alert thresholds or cooldowns are inconsistent.
	ErrInvalidAlertConfig = errors.New("invalid alert config: thresholds and cooldowns must be positive")

	// ErrInvalidHubConfig is returned when hub settings are inconsistent.
	ErrInvalidHubConfig = errors.New("invalid hub config: heartbeat timeout must exceed interval and buffers must be > 0")

	// ErrInvalidLogLevel is returned when log level is not recognized.
	ErrInvalidLogLevel = errors.New("invalid log level: must be debug, info, warn, or error")

	// ErrInvalidLogFormat is returned when log format is not recognized.
	ErrInvalidLogFormat = errors.New("invalid log format: must be text or json")

	// ErrConfigNotFound is returned when config file is not found.
	ErrConfigNotFound = errors.New("config file not found")

	// ErrInvalidYAML is returned when config file has invalid YAML syntax.
	ErrInvalidYAML = errors.New("invalid YAML syntax in config file")
)
