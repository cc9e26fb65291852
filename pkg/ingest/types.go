// Package ingest provides the usage ingestion and batching buffer.
//
// The buffer accepts discrete usage events, keeps a synchronous
// per-session running total, and coalesces events into batches for the
// persistence sink. Flushes are triggered by queue length or by a
// periodic tick; a failed flush re-queues the batch at the front, so
// delivery to the sink is at-least-once and per-session order is
// preserved.
//
// The buffer also produces short-horizon usage projections (EWMA over
// recent rate samples) and evaluates budget thresholds.
//
// Example usage:
//
//	buf, err := ingest.New(ingest.Config{Sink: sink, BatchSize: 50}, m, log)
//	if err != nil {
//	    return err
//	}
//	if err := buf.Start(ctx); err != nil {
//	    return err
//	}
//	buf.RecordUsage("s1", 120, "completion")
//	usage := buf.CurrentUsage("s1")
package ingest

import (
	"context"
	"time"
)

// Event is one recorded usage event. Immutable once created.
type Event struct {
	SessionID string    `json:"sessionId"`
	Tokens    int64     `json:"tokens"`
	Operation string    `json:"operation"`
	Timestamp time.Time `json:"timestamp"`
}

// Sink receives flushed batches for persistence.
//
// WriteBatch is called with events in arrival order for the given
// session. A returned error causes the batch to be re-queued.
type Sink interface {
	WriteBatch(ctx context.Context, sessionID string, events []Event) error
}

// Usage is a point-in-time usage snapshot for a session.
type Usage struct {
	// SessionID identifies the session.
	SessionID string

	// TotalTokens is the cumulative token total. Monotonically
	// non-decreasing for the lifetime of the session.
	TotalTokens int64

	// AvgPerMinute is the mean of the retained rate samples.
	AvgPerMinute float64

	// ProjectedTotal is the short-horizon projected total computed
	// via an EWMA over the retained rate samples.
	ProjectedTotal float64

	// Confidence is 1 minus the coefficient of variation of the rate
	// samples, clamped to [0, 1]. Zero when no samples exist.
	Confidence float64

	// TimeToLimit estimates when the budget will be exhausted at the
	// average rate. Zero when no budget is configured, the budget is
	// already exceeded, or no rate is available.
	TimeToLimit time.Duration
}

// BudgetSeverity classifies a budget alert.
type BudgetSeverity string

// Budget alert severities.
const (
	BudgetWarning  BudgetSeverity = "warning"
	BudgetCritical BudgetSeverity = "critical"
)

// Budget alert reasons.
const (
	ReasonUsageCritical = "usage_critical"
	ReasonUsageWarning  = "usage_warning"
	ReasonProjection    = "projected_over_budget"
	ReasonTimeToLimit   = "time_to_limit"
)

// BudgetAlert reports a budget threshold crossing for a session.
type BudgetAlert struct {
	SessionID string         `json:"sessionId"`
	Severity  BudgetSeverity `json:"severity"`
	Reason    string         `json:"reason"`
	Message   string         `json:"message"`
	UsedRatio float64        `json:"usedRatio"`
}

// Buffer is the usage ingestion and batching buffer.
type Buffer interface {
	// RecordUsage updates the session's running total synchronously
	// and appends the event to the session's ordered queue. When the
	// queue reaches the batch size a flush is triggered immediately.
	RecordUsage(sessionID string, tokens int64, operation string)

	// CurrentUsage returns the usage snapshot for a session.
	//
	// Unknown sessions return a zero-valued snapshot, never an error.
	CurrentUsage(sessionID string) Usage

	// BudgetAlerts evaluates budget thresholds for a session.
	//
	// Returns nil when no budget is configured or no threshold is
	// crossed. Pure evaluation: de-duplication is the caller's
	// concern.
	BudgetAlerts(sessionID string) []BudgetAlert

	// Sessions returns the ids of all sessions seen by the buffer.
	Sessions() []string

	// Flush synchronously flushes every non-empty queue.
	Flush(ctx context.Context)

	// Start begins the periodic flush ticker.
	Start(ctx context.Context) error

	// Stop cancels the ticker and performs a final flush.
	Stop() error
}

// Config contains buffer configuration.
type Config struct {
	// Sink receives flushed batches. Required.
	Sink Sink

	// BatchSize is the queue length that triggers an immediate
	// flush. Default: 50.
	BatchSize int

	// FlushInterval is the periodic flush tick. Default: 5s.
	FlushInterval time.Duration

	// ProjectionDecay is the EWMA decay factor per step.
	// Default: 0.8.
	ProjectionDecay float64

	// ProjectionSamples is the number of rate samples retained for
	// projection. Default: 10.
	ProjectionSamples int

	// TokenBudget is the per-session token budget. Zero disables
	// budget evaluation.
	TokenBudget int64

	// BudgetWarningRatio triggers a warning alert. Default: 0.80.
	BudgetWarningRatio float64

	// BudgetCriticalRatio triggers a critical alert. Default: 0.95.
	BudgetCriticalRatio float64

	// TimeToLimitWarning triggers a warning when the projected time
	// to exhaustion drops below it. Default: 60m.
	TimeToLimitWarning time.Duration

	// Now supplies the clock. Defaults to time.Now; injectable for
	// tests.
	Now func() time.Time
}
