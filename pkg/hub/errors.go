package hub

import "errors"

// Common errors returned by the hub package.
var (
	// ErrHubClosed is returned when using a stopped hub.
	ErrHubClosed = errors.New("hub is closed")

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("hub already started")

	// ErrObserverNotFound is returned for unknown observer ids.
	ErrObserverNotFound = errors.New("observer not found")

	// ErrInvalidScope is returned for an unrecognized scope.
	ErrInvalidScope = errors.New("invalid subscription scope")
)
