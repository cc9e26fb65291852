package alert

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/0xmhha/usage-sentinel/pkg/logger"
	"github.com/0xmhha/usage-sentinel/pkg/metrics"
	"github.com/0xmhha/usage-sentinel/pkg/rate"
)

// sessionAlerts holds the engine's per-session state.
type sessionAlerts struct {
	history   []*Alert
	lastFired map[Type]time.Time

	// highRateSince marks when the rate first exceeded the
	// sustained-high threshold, zero while below it. Tracked here
	// directly so the rule cannot miss a qualifying stretch.
	highRateSince time.Time
}

// engine implements the Engine interface.
type engine struct {
	config   Config
	logger   logger.Logger
	metrics  *metrics.Metrics
	detector *Detector
	now      func() time.Time

	mu       sync.RWMutex
	sessions map[string]*sessionAlerts
	byID     map[string]*Alert
}

// New creates a new alert engine.
//
// Parameters:
//   - cfg: Engine configuration
//   - m: Metrics collectors
//   - log: Logger instance
//
// Returns:
//   - Configured Engine
func New(cfg Config, m *metrics.Metrics, log logger.Logger) Engine {
	// Set defaults.
	if cfg.SpikeThreshold == 0 {
		cfg.SpikeThreshold = 2.0
	}
	if cfg.SpikeCooldown == 0 {
		cfg.SpikeCooldown = 5 * time.Minute
	}
	if cfg.HighRateThreshold == 0 {
		cfg.HighRateThreshold = 2000
	}
	if cfg.SustainedDuration == 0 {
		cfg.SustainedDuration = 5 * time.Minute
	}
	if cfg.CriticalUsageRatio == 0 {
		cfg.CriticalUsageRatio = 0.8
	}
	if cfg.ApproachingCooldown == 0 {
		cfg.ApproachingCooldown = 10 * time.Minute
	}
	if cfg.AnomalyMinSamples == 0 {
		cfg.AnomalyMinSamples = 10
	}
	if cfg.AnomalyCooldown == 0 {
		cfg.AnomalyCooldown = 15 * time.Minute
	}
	if cfg.HistoryLimit == 0 {
		cfg.HistoryLimit = 100
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &engine{
		config:   cfg,
		logger:   log,
		metrics:  m,
		detector: NewDetector(cfg.AnomalyMinSamples, 0),
		now:      cfg.Now,
		sessions: make(map[string]*sessionAlerts),
		byID:     make(map[string]*Alert),
	}
}

// Evaluate implements Engine.Evaluate.
func (e *engine) Evaluate(sample Sample) []Alert {
	now := e.now()

	// The detector keeps its own lock; feed it outside ours.
	anomaly, anomalous := e.detector.Observe("rate:"+sample.SessionID, sample.Stats.Current)

	e.mu.Lock()
	defer e.mu.Unlock()

	state, exists := e.sessions[sample.SessionID]
	if !exists {
		state = &sessionAlerts{lastFired: make(map[Type]time.Time)}
		e.sessions[sample.SessionID] = state
	}

	var fired []Alert

	if a := e.evalSpike(state, sample, now); a != nil {
		fired = append(fired, *a)
	}
	if a := e.evalSustainedHigh(state, sample, now); a != nil {
		fired = append(fired, *a)
	}
	if a := e.evalApproachingLimit(state, sample, now); a != nil {
		fired = append(fired, *a)
	}
	if anomalous {
		if a := e.evalAnomaly(state, sample, anomaly, now); a != nil {
			fired = append(fired, *a)
		}
	}

	return fired
}

// evalSpike checks current rate against a multiple of the average.
func (e *engine) evalSpike(state *sessionAlerts, sample Sample, now time.Time) *Alert {
	stats := sample.Stats
	if stats.Average <= 0 || stats.Current <= stats.Average*e.config.SpikeThreshold {
		return nil
	}
	if !e.cooledDown(state, TypeSpike, now, e.config.SpikeCooldown) {
		return nil
	}

	msg := fmt.Sprintf("burn rate %.0f tokens/min is %.1fx the session average %.0f",
		stats.Current, stats.Current/stats.Average, stats.Average)
	if sample.Direction == rate.TrendIncreasing {
		msg += " and still rising"
	}

	return e.record(state, &Alert{
		SessionID: sample.SessionID,
		Type:      TypeSpike,
		Severity:  SeverityWarning,
		Message:   msg,
		Timestamp: now,
		Metrics:   snapshot(sample),
	})
}

// evalSustainedHigh checks for a rate held above the absolute
// threshold for the sustained duration.
func (e *engine) evalSustainedHigh(state *sessionAlerts, sample Sample, now time.Time) *Alert {
	if sample.Stats.Current <= e.config.HighRateThreshold {
		state.highRateSince = time.Time{}
		return nil
	}

	if state.highRateSince.IsZero() {
		state.highRateSince = now
		return nil
	}
	if now.Sub(state.highRateSince) < e.config.SustainedDuration {
		return nil
	}
	if !e.cooledDown(state, TypeSustainedHigh, now, e.config.SustainedDuration) {
		return nil
	}

	return e.record(state, &Alert{
		SessionID: sample.SessionID,
		Type:      TypeSustainedHigh,
		Severity:  SeverityCritical,
		Message: fmt.Sprintf("burn rate above %.0f tokens/min for %.0f minutes (currently %.0f)",
			e.config.HighRateThreshold,
			now.Sub(state.highRateSince).Minutes(),
			sample.Stats.Current),
		Timestamp: now,
		Metrics:   snapshot(sample),
	})
}

// evalApproachingLimit checks budget consumption.
func (e *engine) evalApproachingLimit(state *sessionAlerts, sample Sample, now time.Time) *Alert {
	if sample.Budget <= 0 {
		return nil
	}

	ratio := float64(sample.UsedTokens) / float64(sample.Budget)
	if ratio < e.config.CriticalUsageRatio {
		return nil
	}
	if !e.cooledDown(state, TypeApproachingLimit, now, e.config.ApproachingCooldown) {
		return nil
	}

	msg := fmt.Sprintf("session at %.0f%% of token budget (%d/%d)",
		ratio*100, sample.UsedTokens, sample.Budget)
	if sample.Stats.Current > 0 && sample.UsedTokens < sample.Budget {
		remaining := float64(sample.Budget-sample.UsedTokens) / sample.Stats.Current
		msg += fmt.Sprintf(", ~%.0f minutes remaining at current rate", remaining)
	}

	snap := snapshot(sample)
	snap.UsedRatio = ratio

	return e.record(state, &Alert{
		SessionID: sample.SessionID,
		Type:      TypeApproachingLimit,
		Severity:  SeverityCritical,
		Message:   msg,
		Timestamp: now,
		Metrics:   snap,
	})
}

// evalAnomaly records a detector hit.
func (e *engine) evalAnomaly(state *sessionAlerts, sample Sample, anomaly Anomaly, now time.Time) *Alert {
	if !e.cooledDown(state, TypeAnomaly, now, e.config.AnomalyCooldown) {
		return nil
	}

	snap := snapshot(sample)
	snap.Deviation = anomaly.Deviation

	return e.record(state, &Alert{
		SessionID: sample.SessionID,
		Type:      TypeAnomaly,
		Severity:  anomaly.Severity,
		Message: fmt.Sprintf("burn rate %.0f deviates %.1f sigma from mean %.0f",
			anomaly.Value, anomaly.Deviation, anomaly.Mean),
		Timestamp: now,
		Metrics:   snap,
	})
}

// cooledDown reports whether the rule may fire again. Caller holds
// the lock.
func (e *engine) cooledDown(state *sessionAlerts, t Type, now time.Time, cooldown time.Duration) bool {
	last, fired := state.lastFired[t]
	return !fired || now.Sub(last) >= cooldown
}

// record assigns an id, appends to history, and updates the cooldown
// bookkeeping. Caller holds the lock.
func (e *engine) record(state *sessionAlerts, a *Alert) *Alert {
	a.ID = uuid.NewString()
	state.lastFired[a.Type] = a.Timestamp

	state.history = append(state.history, a)
	e.byID[a.ID] = a
	if len(state.history) > e.config.HistoryLimit {
		evicted := state.history[0]
		state.history = state.history[1:]
		delete(e.byID, evicted.ID)
	}

	e.metrics.AlertsEmitted.WithLabelValues(string(a.Type)).Inc()
	e.logger.Warn("alert emitted",
		"session", a.SessionID,
		"type", a.Type,
		"severity", a.Severity,
		"message", a.Message)

	return a
}

// Unacknowledged implements Engine.Unacknowledged.
func (e *engine) Unacknowledged(sessionID string) []Alert {
	e.mu.RLock()
	defer e.mu.RUnlock()

	state, exists := e.sessions[sessionID]
	if !exists {
		return []Alert{}
	}

	out := []Alert{}
	for _, a := range state.history {
		if !a.Acknowledged {
			out = append(out, *a)
		}
	}
	return out
}

// Acknowledge implements Engine.Acknowledge.
func (e *engine) Acknowledge(alertID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, exists := e.byID[alertID]
	if !exists || a.Acknowledged {
		return
	}
	a.Acknowledged = true
}

// History implements Engine.History.
func (e *engine) History(sessionID string) []Alert {
	e.mu.RLock()
	defer e.mu.RUnlock()

	state, exists := e.sessions[sessionID]
	if !exists {
		return []Alert{}
	}

	out := make([]Alert, len(state.history))
	for i, a := range state.history {
		out[i] = *a
	}
	return out
}

// Reset implements Engine.Reset.
func (e *engine) Reset(sessionID string) {
	e.mu.Lock()
	state, exists := e.sessions[sessionID]
	if exists {
		for _, a := range state.history {
			delete(e.byID, a.ID)
		}
		delete(e.sessions, sessionID)
	}
	e.mu.Unlock()

	e.detector.Reset("rate:" + sessionID)
}

// snapshot copies the rate metrics that triggered an alert.
func snapshot(sample Sample) Snapshot {
	return Snapshot{
		CurrentRate: sample.Stats.Current,
		AverageRate: sample.Stats.Average,
		PeakRate:    sample.Stats.Peak,
		Volatility:  sample.Stats.Volatility,
		Direction:   sample.Direction,
	}
}
