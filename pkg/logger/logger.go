// Package logger provides structured logging for usage-sentinel.
//
// The logger wraps log/slog with configurable levels, output
// destinations, and text or JSON formatting. Components receive a
// Logger and never touch slog directly, so tests can inject Noop().
//
// Example usage:
//
//	log := logger.New(logger.Config{Level: "info", Format: "text"})
//	log.Info("engine started", "sessions", 3)
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger provides leveled structured logging with key-value fields.
type Logger interface {
	// Debug logs a debug message with optional key-value pairs.
	Debug(msg string, keysAndValues ...interface{})

	// Info logs an informational message with optional key-value pairs.
	Info(msg string, keysAndValues ...interface{})

	// Warn logs a warning message with optional key-value pairs.
	Warn(msg string, keysAndValues ...interface{})

	// Error logs an error message with optional key-value pairs.
	Error(msg string, keysAndValues ...interface{})

	// With returns a new logger carrying additional context fields.
	With(keysAndValues ...interface{}) Logger
}

// Config contains logger configuration.
type Config struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string

	// Output is the destination (stdout, stderr, discard, or file path).
	Output string

	// Format is the output format (text, json).
	Format string
}

// slogLogger implements Logger on top of slog.
type slogLogger struct {
	s *slog.Logger
}

// New creates a logger from the given configuration.
//
// Invalid settings degrade rather than fail: an unknown level falls
// back to info, an unwritable output falls back to stderr.
func New(cfg Config) Logger {
	writer, err := openOutput(cfg.Output)
	if err != nil {
		writer = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(writer, opts)
	} else {
		handler = slog.NewTextHandler(writer, opts)
	}

	return &slogLogger{s: slog.New(handler)}
}

// Default returns a logger with info level, text format, on stderr.
func Default() Logger {
	return New(Config{Level: "info", Output: "stderr", Format: "text"})
}

// Noop returns a logger that discards everything. Useful for tests.
func Noop() Logger {
	return &slogLogger{s: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// Debug implements Logger.Debug.
func (l *slogLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.s.Debug(msg, keysAndValues...)
}

// Info implements Logger.Info.
func (l *slogLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Info(msg, keysAndValues...)
}

// Warn implements Logger.Warn.
func (l *slogLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.s.Warn(msg, keysAndValues...)
}

// Error implements Logger.Error.
func (l *slogLogger) Error(msg string, keysAndValues ...interface{}) {
	l.s.Error(msg, keysAndValues...)
}

// With implements Logger.With.
func (l *slogLogger) With(keysAndValues ...interface{}) Logger {
	return &slogLogger{s: l.s.With(keysAndValues...)}
}

// parseLevel converts a level name to a slog.Level, defaulting to info.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// openOutput resolves an output name to an io.Writer.
//
// "stdout", "stderr", and "discard" are recognized names; anything
// else is treated as a file path opened for appending.
func openOutput(output string) (io.Writer, error) {
	switch strings.ToLower(output) {
	case "stdout":
		return os.Stdout, nil
	case "stderr", "":
		return os.Stderr, nil
	case "discard":
		return io.Discard, nil
	default:
		// #nosec G304: output path comes from trusted config
		f, err := os.OpenFile(output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", output, err)
		}
		return f, nil
	}
}
