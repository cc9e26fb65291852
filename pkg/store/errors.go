package store

import "errors"

// Common errors returned by the store package.
var (
	// ErrEmptySessionID is returned when a session id is empty.
	ErrEmptySessionID = errors.New("session id cannot be empty")

	// ErrStoreClosed is returned when using a closed store.
	ErrStoreClosed = errors.New("store is closed")
)
