package window

import "errors"

// Common errors returned by the window package.
var (
	// ErrTrackerClosed is returned when using a stopped tracker.
	ErrTrackerClosed = errors.New("tracker is closed")

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("tracker already started")
)
