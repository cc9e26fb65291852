package ingest

import "errors"

// Common errors returned by the ingest package.
var (
	// ErrSinkRequired is returned when no sink is configured.
	ErrSinkRequired = errors.New("persistence sink is required")

	// ErrBufferClosed is returned when using a stopped buffer.
	ErrBufferClosed = errors.New("buffer is closed")

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("buffer already started")
)
