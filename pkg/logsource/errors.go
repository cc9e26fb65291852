package logsource

import "errors"

// Common errors returned by the logsource package.
var (
	// ErrMalformedJSON is returned when a line is not valid JSON.
	ErrMalformedJSON = errors.New("malformed JSON line")

	// ErrInvalidTimestamp is returned when a record has a zero timestamp.
	ErrInvalidTimestamp = errors.New("invalid timestamp: must not be zero")

	// ErrInvalidSessionID is returned when a record has no session id.
	ErrInvalidSessionID = errors.New("invalid session ID: must not be empty")

	// ErrInvalidModel is returned when a record has no model identifier.
	ErrInvalidModel = errors.New("invalid model: must not be empty")

	// ErrNegativeTokenCount is returned when a token count is negative.
	ErrNegativeTokenCount = errors.New("negative token count")

	// ErrFileTooLarge is returned when a file exceeds the size limit.
	ErrFileTooLarge = errors.New("file exceeds maximum size")

	// ErrFileNotFound is returned when a log file does not exist.
	ErrFileNotFound = errors.New("log file not found")

	// ErrInvalidOffset is returned when a negative offset is requested.
	ErrInvalidOffset = errors.New("invalid offset: must be >= 0")

	// ErrReaderClosed is returned when using a closed reader.
	ErrReaderClosed = errors.New("reader is closed")

	// ErrNotifierClosed is returned when using a closed notifier.
	ErrNotifierClosed = errors.New("notifier is closed")

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("notifier already started")

	// ErrNotStarted is returned when Stop is called before Start.
	ErrNotStarted = errors.New("notifier not started")

	// ErrNoWatchPaths is returned when no usable watch path exists.
	ErrNoWatchPaths = errors.New("no usable watch paths")

	// ErrCircuitBreakerOpen is surfaced after repeated watch failures.
	ErrCircuitBreakerOpen = errors.New("watch circuit breaker open")
)
