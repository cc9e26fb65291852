package monitor

import "errors"

// Common errors returned by the monitor package.
var (
	// ErrMissingDependency is returned when a required collaborator
	// is nil.
	ErrMissingDependency = errors.New("missing monitor dependency")

	// ErrMonitorClosed is returned when using a stopped monitor.
	ErrMonitorClosed = errors.New("monitor is closed")

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("monitor already started")
)
