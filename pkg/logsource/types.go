// Package logsource models the external append-only log source that
// drives session quota windows.
//
// The log source is a set of per-session JSONL files. Each line is a
// Record carrying a timestamp, role, model identifier, and token-usage
// breakdown. The package provides three collaborating pieces:
//
//   - Parser: line/file JSONL parsing that skips malformed lines
//   - Notifier: a minimal change-notification interface backed by
//     fsnotify, so the window tracker is independent of polling vs.
//     push-based notification
//   - Reader: incremental reading with persisted byte offsets
//
// Example usage:
//
//	n, err := logsource.NewNotifier(logsource.NotifierConfig{}, log)
//	if err != nil {
//	    return err
//	}
//	if err := n.Start(ctx, cfg.LogDirs); err != nil {
//	    return err
//	}
//	for ev := range n.Events() {
//	    records, _ := rdr.Read(ctx, ev.Path)
//	    ...
//	}
package logsource

import (
	"context"
	"time"
)

// Record represents a single entry from a session's JSONL log file.
//
// Invariant: Timestamp must not be zero value.
// Invariant: SessionID must be non-empty.
// Invariant: Usage token counts must be non-negative.
type Record struct {
	Timestamp  time.Time `json:"timestamp"`
	SessionID  string    `json:"sessionId"`
	Role       string    `json:"type"`
	Version    string    `json:"version"`
	ProjectDir string    `json:"cwd"`
	Message    Message   `json:"message"`
	RequestID  *string   `json:"requestId,omitempty"`
}

// Message contains the API response details including token usage.
type Message struct {
	ID    string     `json:"id"`
	Model string     `json:"model"`
	Usage TokenUsage `json:"usage"`
}

// TokenUsage contains the token breakdown for a single record.
//
// Invariant: all counts must be >= 0.
type TokenUsage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
}

// TotalTokens returns the sum of all token types.
func (u TokenUsage) TotalTokens() int64 {
	return u.InputTokens + u.OutputTokens +
		u.CacheCreationInputTokens + u.CacheReadInputTokens
}

// Validate checks if all token counts are non-negative.
func (u TokenUsage) Validate() error {
	if u.InputTokens < 0 || u.OutputTokens < 0 ||
		u.CacheCreationInputTokens < 0 || u.CacheReadInputTokens < 0 {
		return ErrNegativeTokenCount
	}
	return nil
}

// Validate checks if the record satisfies all invariants.
//
// Returns an error if the timestamp is zero, the session id is empty,
// the model is empty, or any token count is negative.
func (r *Record) Validate() error {
	if r.Timestamp.IsZero() {
		return ErrInvalidTimestamp
	}
	if r.SessionID == "" {
		return ErrInvalidSessionID
	}
	if r.Message.Model == "" {
		return ErrInvalidModel
	}
	return r.Message.Usage.Validate()
}

// Parser parses session JSONL files.
type Parser interface {
	// ParseFile reads a JSONL file from the given byte offset.
	//
	// Parameters:
	//   - path: Path to the JSONL file
	//   - offset: Byte offset to start reading from (0 for beginning)
	//
	// Returns:
	//   - Slice of successfully parsed records
	//   - New offset after reading
	//   - Error if the file cannot be read or is too large
	//
	// Malformed lines are logged with a warning and skipped; they
	// never abort the rest of the stream.
	ParseFile(path string, offset int64) ([]Record, int64, error)

	// ParseLine parses a single JSONL line into a Record.
	//
	// Returns an error if the line is not valid JSON or fails
	// validation.
	ParseLine(line string) (*Record, error)
}

// Op describes a file operation type.
type Op uint32

// File operation types.
const (
	OpCreate Op = 1 << iota // File created
	OpWrite                 // File modified
	OpRemove                // File deleted
	OpRename                // File renamed/moved
)

// String returns a human-readable operation name.
func (op Op) String() string {
	switch op {
	case OpCreate:
		return "CREATE"
	case OpWrite:
		return "WRITE"
	case OpRemove:
		return "REMOVE"
	case OpRename:
		return "RENAME"
	default:
		return "UNKNOWN"
	}
}

// Event represents a change to a session log file.
type Event struct {
	// Path is the absolute path to the file that changed.
	Path string

	// Op is the operation that triggered the event.
	Op Op

	// Timestamp is when the event occurred.
	Timestamp time.Time
}

// Notifier provides change notification for session log files.
//
// Implementations may be push-based (fsnotify) or polling; consumers
// only see the Events channel.
type Notifier interface {
	// Start begins watching the specified directories.
	//
	// Returns error if watching cannot be started.
	Start(ctx context.Context, paths []string) error

	// Stop gracefully shuts down the notifier.
	Stop() error

	// Events returns the channel for receiving change events.
	//
	// Events are debounced; the channel is closed on Close.
	Events() <-chan Event

	// Errors returns the channel for receiving non-fatal errors.
	Errors() <-chan error

	// Close closes the notifier and releases resources.
	Close() error
}

// NotifierConfig contains notifier configuration.
type NotifierConfig struct {
	// DebounceInterval is the time to wait before emitting an event.
	// Multiple events for the same file within this interval are
	// coalesced. Default: 100ms.
	DebounceInterval time.Duration

	// CircuitBreakerThreshold is the number of consecutive watch
	// failures before the notifier stops surfacing per-error noise.
	// Default: 5.
	CircuitBreakerThreshold int
}

// OffsetStore persists file read positions.
type OffsetStore interface {
	// GetOffset retrieves the last read position for a file.
	//
	// Returns 0 if no position is stored (start from beginning).
	GetOffset(path string) (int64, error)

	// SetOffset stores the read position for a file.
	SetOffset(path string, offset int64) error
}

// Reader provides incremental reading of session log files.
type Reader interface {
	// Read reads new records from a file since the last read position.
	//
	// Automatically updates the stored position after a successful
	// read. Returns an empty slice when no new data is available.
	Read(ctx context.Context, path string) ([]Record, error)

	// ReadFrom reads records from a specific offset without touching
	// the stored position.
	ReadFrom(ctx context.Context, path string, offset int64) ([]Record, int64, error)

	// Reset resets the stored position for a file to the beginning.
	Reset(path string) error

	// Close closes the reader.
	Close() error
}

// ReaderConfig contains reader configuration.
type ReaderConfig struct {
	// Offsets persists file read positions.
	Offsets OffsetStore

	// Parser parses JSONL records.
	Parser Parser

	// MaxRetries is the maximum number of retry attempts for
	// transient errors. Default: 3.
	MaxRetries int

	// RetryDelay is the base delay between retry attempts, doubled
	// each attempt. Default: 100ms.
	RetryDelay time.Duration

	// MaxFileSize is the maximum file size to read. Default: 100MB.
	MaxFileSize int64
}
