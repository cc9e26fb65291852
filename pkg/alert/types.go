// Package alert evaluates usage signals against thresholds and emits
// de-duplicated, cooled-down alerts.
//
// Four rules are evaluated per session:
//
//   - spike: current rate above a multiple of the average rate
//   - sustained_high: rate above an absolute threshold continuously
//     for a configured duration, tracked with a dedicated
//     high-rate-since timestamp per session
//   - approaching_limit: used budget ratio above a critical threshold
//   - anomaly: statistical outlier against a rolling population
//
// Each rule carries its own cooldown so a condition that holds across
// many evaluation ticks produces one alert per cooldown window, not
// one per tick.
package alert

import (
	"time"

	"github.com/0xmhha/usage-sentinel/pkg/rate"
)

// Type identifies the rule that produced an alert.
type Type string

// Alert types.
const (
	TypeSpike            Type = "spike"
	TypeSustainedHigh    Type = "sustained_high"
	TypeApproachingLimit Type = "approaching_limit"
	TypeAnomaly          Type = "anomaly"
)

// Severity classifies an alert.
type Severity string

// Alert severities.
const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Snapshot captures the metrics that triggered an alert.
type Snapshot struct {
	CurrentRate float64             `json:"currentRate"`
	AverageRate float64             `json:"averageRate"`
	PeakRate    float64             `json:"peakRate"`
	Volatility  float64             `json:"volatility"`
	Direction   rate.TrendDirection `json:"direction,omitempty"`
	UsedRatio   float64             `json:"usedRatio,omitempty"`
	Deviation   float64             `json:"deviation,omitempty"` // sigmas, anomaly only
}

// Alert is a single emitted alert.
//
// Mutable only through Acknowledge; everything else is fixed at
// creation.
type Alert struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"sessionId"`
	Type         Type      `json:"type"`
	Severity     Severity  `json:"severity"`
	Message      string    `json:"message"`
	Timestamp    time.Time `json:"timestamp"`
	Acknowledged bool      `json:"acknowledged"`
	Metrics      Snapshot  `json:"metrics"`
}

// Sample is one evaluation input for a session.
type Sample struct {
	// SessionID identifies the session.
	SessionID string

	// Stats is the session's current rate summary.
	Stats rate.Stats

	// Direction is the fine-grained rate movement from
	// rate.Analyzer.Direction, recorded in every alert snapshot.
	Direction rate.TrendDirection

	// UsedTokens is the session's cumulative token total.
	UsedTokens int64

	// Budget is the session's token budget. Zero disables the
	// approaching_limit rule for this sample.
	Budget int64
}

// Engine evaluates samples and manages alert state.
type Engine interface {
	// Evaluate runs every rule against a sample. The returned alerts
	// have already been recorded in history.
	Evaluate(sample Sample) []Alert

	// Unacknowledged returns the session's unacknowledged alerts,
	// oldest first. Unknown sessions return an empty slice.
	Unacknowledged(sessionID string) []Alert

	// Acknowledge marks an alert as acknowledged. Idempotent:
	// acknowledging an already-acknowledged or unknown id is a no-op.
	Acknowledge(alertID string)

	// History returns the session's bounded alert history, oldest
	// first.
	History(sessionID string) []Alert

	// Reset discards all state for a session.
	Reset(sessionID string)
}

// Config contains engine configuration.
type Config struct {
	// SpikeThreshold is the current/average rate multiple that
	// triggers a spike alert. Default: 2.0.
	SpikeThreshold float64

	// SpikeCooldown throttles spike alerts. Default: 5m.
	SpikeCooldown time.Duration

	// HighRateThreshold is the absolute tokens/minute rate for the
	// sustained_high rule. Default: 2000.
	HighRateThreshold float64

	// SustainedDuration is how long the rate must stay above
	// HighRateThreshold before a sustained_high alert fires. Also
	// used as that rule's cooldown. Default: 5m.
	SustainedDuration time.Duration

	// CriticalUsageRatio triggers the approaching_limit rule.
	// Default: 0.8.
	CriticalUsageRatio float64

	// ApproachingCooldown throttles approaching_limit alerts.
	// Default: 10m.
	ApproachingCooldown time.Duration

	// AnomalyMinSamples is the minimum population before the anomaly
	// rule reports anything. Default: 10.
	AnomalyMinSamples int

	// AnomalyCooldown throttles anomaly alerts. Default: 15m.
	AnomalyCooldown time.Duration

	// HistoryLimit bounds the per-session alert history.
	// Default: 100.
	HistoryLimit int

	// Now supplies the clock. Defaults to time.Now; injectable for
	// tests.
	Now func() time.Time
}
