// Package monitor wires the monitoring pipeline together.
//
// The monitor consumes change events from the log source, feeds
// parsed records into the window tracker and the ingestion buffer,
// and runs the evaluation tick: rate analysis, alert rules, and
// budget checks, with results broadcast to hub observers and exposed
// on an update channel for local consumers.
package monitor

import (
	"context"
	"time"

	"github.com/0xmhha/usage-sentinel/pkg/alert"
	"github.com/0xmhha/usage-sentinel/pkg/hub"
	"github.com/0xmhha/usage-sentinel/pkg/ingest"
	"github.com/0xmhha/usage-sentinel/pkg/logsource"
	"github.com/0xmhha/usage-sentinel/pkg/metrics"
	"github.com/0xmhha/usage-sentinel/pkg/rate"
	"github.com/0xmhha/usage-sentinel/pkg/window"
)

// Update is one per-session snapshot pushed on every evaluation tick.
type Update struct {
	// Timestamp of the evaluation.
	Timestamp time.Time

	// SessionID being evaluated.
	SessionID string

	// Usage is the ingestion buffer's snapshot.
	Usage ingest.Usage

	// Stats is the rate analyzer's summary.
	Stats rate.Stats

	// Trend is the coarse trend classification.
	Trend rate.TrendDirection

	// Window is the session's open quota window, nil if none.
	Window *window.Window

	// Alerts fired on this tick.
	Alerts []alert.Alert
}

// Monitor drives the monitoring pipeline.
type Monitor interface {
	// Start begins consuming log events and running the evaluation
	// tick.
	Start(ctx context.Context) error

	// Stop shuts the pipeline down.
	Stop() error

	// Updates returns the per-tick snapshot channel. Slow consumers
	// miss updates; the channel never blocks the pipeline.
	Updates() <-chan Update

	// Unacknowledged returns a session's open alerts.
	Unacknowledged(sessionID string) []alert.Alert

	// Acknowledge marks an alert as acknowledged. Idempotent.
	Acknowledge(alertID string)
}

// Deps are the collaborating components, constructed by the caller
// and injected so tests can substitute any of them.
type Deps struct {
	Notifier logsource.Notifier
	Reader   logsource.Reader
	Tracker  window.Tracker
	Buffer   ingest.Buffer
	Analyzer rate.Analyzer
	Engine   alert.Engine
	Hub      hub.Hub
	Metrics  *metrics.Metrics
}

// Config contains monitor configuration.
type Config struct {
	// LogDirs are the directories watched for session logs.
	LogDirs []string

	// EvalInterval is the evaluation tick. Default: 10s.
	EvalInterval time.Duration

	// TokenBudget is the per-session budget passed to the alert
	// engine and budget checks. Zero disables budget rules.
	TokenBudget int64

	// Now supplies the clock. Defaults to time.Now; injectable for
	// tests.
	Now func() time.Time
}
