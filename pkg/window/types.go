// Package window tracks finite-duration quota windows per session.
//
// Each session gets at most one open window at a time. A window opens
// on the first observed record for a session with a fixed end of
// start + Duration; the end is never extended. A periodic liveness
// tick drives the state machine:
//
//	active → idle     when no activity for ActiveTimeout
//	active/idle → expired   when now > end or idle for IdleTimeout
//	any open → completed    when the log source signals removal
//
// Expired and completed are terminal; a subsequent record for the
// session opens a fresh window. Closed windows are retained in a
// bounded recent list.
package window

import (
	"context"
	"time"

	"github.com/0xmhha/usage-sentinel/pkg/logsource"
)

// Status is the lifecycle state of a quota window.
type Status string

// Window statuses.
const (
	StatusActive    Status = "active"
	StatusIdle      Status = "idle"
	StatusExpired   Status = "expired"
	StatusCompleted Status = "completed"
)

// terminal reports whether a status can never transition again.
func (s Status) terminal() bool {
	return s == StatusExpired || s == StatusCompleted
}

// Window is a quota accounting period bound to a session.
type Window struct {
	// SessionID identifies the session the window belongs to.
	SessionID string `json:"sessionId"`

	// ProjectID is the project directory from the log records.
	ProjectID string `json:"projectId,omitempty"`

	// Start is when the first record was observed.
	Start time.Time `json:"start"`

	// End is fixed at Start + Duration and never recomputed.
	End time.Time `json:"end"`

	// Status is the current lifecycle state.
	Status Status `json:"status"`

	// Usage is the aggregate token breakdown.
	Usage logsource.TokenUsage `json:"usage"`

	// TotalTokens is the aggregate token total.
	TotalTokens int64 `json:"totalTokens"`

	// CostEstimate is the aggregate cost in USD, priced per model.
	CostEstimate float64 `json:"costEstimate"`

	// Efficiency is cache-read tokens divided by input tokens. Zero
	// when no input tokens were observed.
	Efficiency float64 `json:"efficiency"`

	// LastActivity is the timestamp of the newest observed record.
	LastActivity time.Time `json:"lastActivity"`
}

// Transition reports a window status change.
type Transition struct {
	Window Window
	From   Status
	To     Status
}

// Tracker maintains the per-session window state machine.
type Tracker interface {
	// ProcessBatch folds a batch of log records into the windows of
	// their sessions, opening windows as needed. Records that fail
	// validation are skipped with a warning.
	//
	// Returns the number of records applied.
	ProcessBatch(records []logsource.Record) int

	// Get returns a snapshot of the session's open window.
	Get(sessionID string) (Window, bool)

	// Open returns snapshots of every open (active or idle) window.
	Open() []Window

	// Recent returns the bounded list of closed windows, newest
	// first.
	Recent() []Window

	// Remove signals that the session's log source was deleted,
	// completing any open window.
	Remove(sessionID string)

	// Start begins the liveness tick.
	Start(ctx context.Context) error

	// Stop cancels the liveness tick.
	Stop() error
}

// Config contains tracker configuration.
type Config struct {
	// Duration is the fixed window length. Default: 5 hours.
	Duration time.Duration

	// IdleTimeout expires a window with no activity. Default: 10m.
	IdleTimeout time.Duration

	// ActiveTimeout demotes a window to idle. Default: 2m.
	ActiveTimeout time.Duration

	// LivenessInterval is the state-machine tick. Default: 1s.
	LivenessInterval time.Duration

	// RecentLimit bounds the closed-window list. Default: 50.
	RecentLimit int

	// OnTransition, when set, is called after every status change
	// with a snapshot of the window. Called without internal locks
	// held.
	OnTransition func(t Transition)

	// Now supplies the clock. Defaults to time.Now; injectable for
	// tests.
	Now func() time.Time
}
