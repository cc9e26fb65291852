package ingest

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/0xmhha/usage-sentinel/pkg/logger"
	"github.com/0xmhha/usage-sentinel/pkg/metrics"
)

// projectionHorizon is the short-horizon lookahead for the projected
// total: current total plus one hour of usage at the EWMA rate.
const projectionHorizon = 60 * time.Minute

// flushDrainTimeout bounds the final flush performed by Stop.
const flushDrainTimeout = 5 * time.Second

// sessionState holds the buffer's per-session state.
//
// total is owned exclusively by the buffer and only ever grows.
type sessionState struct {
	total         int64
	queue         []Event
	samples       []float64 // tokens/minute, oldest first
	lastEventTime time.Time
	flushing      bool
}

// buffer implements the Buffer interface.
type buffer struct {
	config  Config
	sink    Sink
	logger  logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu       sync.RWMutex
	sessions map[string]*sessionState
	running  bool
	closed   bool
	stopChan chan struct{}
	flushCtx context.Context
}

// New creates a new ingestion buffer.
//
// Parameters:
//   - cfg: Buffer configuration (Sink is required)
//   - m: Metrics collectors
//   - log: Logger instance
//
// Returns:
//   - Configured Buffer
//   - Error if configuration is invalid
func New(cfg Config, m *metrics.Metrics, log logger.Logger) (Buffer, error) {
	if cfg.Sink == nil {
		return nil, ErrSinkRequired
	}

	// Set defaults.
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 50
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.ProjectionDecay == 0 {
		cfg.ProjectionDecay = 0.8
	}
	if cfg.ProjectionSamples == 0 {
		cfg.ProjectionSamples = 10
	}
	if cfg.BudgetWarningRatio == 0 {
		cfg.BudgetWarningRatio = 0.80
	}
	if cfg.BudgetCriticalRatio == 0 {
		cfg.BudgetCriticalRatio = 0.95
	}
	if cfg.TimeToLimitWarning == 0 {
		cfg.TimeToLimitWarning = 60 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	log.Info("ingestion buffer created",
		"batch_size", cfg.BatchSize,
		"flush_interval", cfg.FlushInterval,
		"token_budget", cfg.TokenBudget)

	return &buffer{
		config:   cfg,
		sink:     cfg.Sink,
		logger:   log,
		metrics:  m,
		now:      cfg.Now,
		sessions: make(map[string]*sessionState),
		stopChan: make(chan struct{}),
		flushCtx: context.Background(),
	}, nil
}

// RecordUsage implements Buffer.RecordUsage.
func (b *buffer) RecordUsage(sessionID string, tokens int64, operation string) {
	if tokens < 0 {
		b.logger.Warn("ignoring negative usage event",
			"session", sessionID,
			"tokens", tokens)
		return
	}

	now := b.now()

	b.mu.Lock()
	state, exists := b.sessions[sessionID]
	if !exists {
		state = &sessionState{}
		b.sessions[sessionID] = state
	}

	// Rate sample from the gap to the previous event. A non-positive
	// gap produces no sample.
	if !state.lastEventTime.IsZero() {
		if dt := now.Sub(state.lastEventTime).Minutes(); dt > 0 {
			state.samples = append(state.samples, float64(tokens)/dt)
			if len(state.samples) > b.config.ProjectionSamples {
				state.samples = state.samples[len(state.samples)-b.config.ProjectionSamples:]
			}
		}
	}
	state.lastEventTime = now

	state.total += tokens
	state.queue = append(state.queue, Event{
		SessionID: sessionID,
		Tokens:    tokens,
		Operation: operation,
		Timestamp: now,
	})

	trigger := len(state.queue) >= b.config.BatchSize && !state.flushing
	if trigger {
		state.flushing = true
	}
	flushCtx := b.flushCtx
	b.mu.Unlock()

	b.metrics.EventsIngested.Inc()

	if trigger {
		go b.flushSession(flushCtx, sessionID)
	}
}

// CurrentUsage implements Buffer.CurrentUsage.
func (b *buffer) CurrentUsage(sessionID string) Usage {
	b.mu.RLock()
	defer b.mu.RUnlock()

	usage := Usage{SessionID: sessionID}

	state, exists := b.sessions[sessionID]
	if !exists {
		return usage
	}

	usage.TotalTokens = state.total
	usage.ProjectedTotal = float64(state.total)

	if len(state.samples) == 0 {
		return usage
	}

	mean, stddev := meanStddev(state.samples)
	usage.AvgPerMinute = mean

	ewma := ewmaRate(state.samples, b.config.ProjectionDecay)
	usage.ProjectedTotal = float64(state.total) + ewma*projectionHorizon.Minutes()

	// Confidence: 1 minus coefficient of variation, clamped.
	if mean > 0 {
		usage.Confidence = clamp01(1 - stddev/mean)
	}

	if b.config.TokenBudget > 0 && mean > 0 && state.total < b.config.TokenBudget {
		remaining := float64(b.config.TokenBudget - state.total)
		usage.TimeToLimit = time.Duration(remaining / mean * float64(time.Minute))
	}

	return usage
}

// BudgetAlerts implements Buffer.BudgetAlerts.
func (b *buffer) BudgetAlerts(sessionID string) []BudgetAlert {
	if b.config.TokenBudget <= 0 {
		return nil
	}

	usage := b.CurrentUsage(sessionID)
	budget := float64(b.config.TokenBudget)
	ratio := float64(usage.TotalTokens) / budget

	var alerts []BudgetAlert

	switch {
	case ratio >= b.config.BudgetCriticalRatio:
		alerts = append(alerts, BudgetAlert{
			SessionID: sessionID,
			Severity:  BudgetCritical,
			Reason:    ReasonUsageCritical,
			UsedRatio: ratio,
			Message: fmt.Sprintf("usage at %.0f%% of budget (%d/%d tokens)",
				ratio*100, usage.TotalTokens, b.config.TokenBudget),
		})
	case ratio >= b.config.BudgetWarningRatio:
		alerts = append(alerts, BudgetAlert{
			SessionID: sessionID,
			Severity:  BudgetWarning,
			Reason:    ReasonUsageWarning,
			UsedRatio: ratio,
			Message: fmt.Sprintf("usage at %.0f%% of budget (%d/%d tokens)",
				ratio*100, usage.TotalTokens, b.config.TokenBudget),
		})
	}

	if usage.ProjectedTotal > budget && usage.Confidence > 0.5 {
		alerts = append(alerts, BudgetAlert{
			SessionID: sessionID,
			Severity:  BudgetWarning,
			Reason:    ReasonProjection,
			UsedRatio: ratio,
			Message: fmt.Sprintf("projected total %.0f exceeds budget %d (confidence %.2f)",
				usage.ProjectedTotal, b.config.TokenBudget, usage.Confidence),
		})
	}

	if usage.TimeToLimit > 0 && usage.TimeToLimit < b.config.TimeToLimitWarning {
		alerts = append(alerts, BudgetAlert{
			SessionID: sessionID,
			Severity:  BudgetWarning,
			Reason:    ReasonTimeToLimit,
			UsedRatio: ratio,
			Message: fmt.Sprintf("budget exhausted in ~%.0f minutes at current rate",
				usage.TimeToLimit.Minutes()),
		})
	}

	return alerts
}

// Sessions implements Buffer.Sessions.
func (b *buffer) Sessions() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make([]string, 0, len(b.sessions))
	for id := range b.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Flush implements Buffer.Flush.
func (b *buffer) Flush(ctx context.Context) {
	b.mu.Lock()
	pending := make([]string, 0, len(b.sessions))
	for id, state := range b.sessions {
		if len(state.queue) > 0 && !state.flushing {
			state.flushing = true
			pending = append(pending, id)
		}
	}
	b.mu.Unlock()

	// Sequential flush keeps per-session ordering trivially intact.
	for _, id := range pending {
		b.flushSession(ctx, id)
	}
}

// Start implements Buffer.Start.
func (b *buffer) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBufferClosed
	}
	if b.running {
		b.mu.Unlock()
		return ErrAlreadyStarted
	}
	b.running = true
	b.flushCtx = ctx
	b.mu.Unlock()

	go b.flushLoop(ctx)

	b.logger.Info("ingestion buffer started")
	return nil
}

// Stop implements Buffer.Stop.
func (b *buffer) Stop() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBufferClosed
	}
	b.closed = true
	if b.running {
		close(b.stopChan)
		b.running = false
	}
	b.mu.Unlock()

	// Final drain so a clean shutdown loses nothing.
	ctx, cancel := context.WithTimeout(context.Background(), flushDrainTimeout)
	defer cancel()
	b.Flush(ctx)

	b.logger.Info("ingestion buffer stopped")
	return nil
}

// flushLoop periodically flushes all non-empty queues.
func (b *buffer) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(b.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopChan:
			return
		case <-ticker.C:
			b.Flush(ctx)
		}
	}
}

// flushSession writes one session's queue to the sink.
//
// Caller must have set the session's flushing flag. On failure the
// batch is returned to the front of the queue for retry.
func (b *buffer) flushSession(ctx context.Context, sessionID string) {
	b.mu.Lock()
	state, exists := b.sessions[sessionID]
	if !exists {
		b.mu.Unlock()
		return
	}
	events := state.queue
	state.queue = nil
	b.mu.Unlock()

	if len(events) == 0 {
		b.mu.Lock()
		state.flushing = false
		b.mu.Unlock()
		return
	}

	err := b.sink.WriteBatch(ctx, sessionID, events)

	b.mu.Lock()
	if err != nil {
		// Re-queue at the front: at-least-once, order preserved.
		state.queue = append(events, state.queue...)
		b.mu.Unlock()

		b.metrics.FlushFailures.Inc()
		b.logger.Warn("batch flush failed, re-queued",
			"session", sessionID,
			"events", len(events),
			"error", err)
	} else {
		b.mu.Unlock()
		b.metrics.BatchesFlushed.Inc()
		b.logger.Debug("batch flushed",
			"session", sessionID,
			"events", len(events))
	}

	b.mu.Lock()
	state.flushing = false
	b.mu.Unlock()
}

// meanStddev returns the mean and population standard deviation.
func meanStddev(samples []float64) (float64, float64) {
	if len(samples) == 0 {
		return 0, 0
	}

	var sum float64
	for _, s := range samples {
		sum += s
	}
	mean := sum / float64(len(samples))

	var variance float64
	for _, s := range samples {
		d := s - mean
		variance += d * d
	}
	variance /= float64(len(samples))

	return mean, math.Sqrt(variance)
}

// ewmaRate folds samples oldest to newest with the given decay factor.
func ewmaRate(samples []float64, decay float64) float64 {
	if len(samples) == 0 {
		return 0
	}

	ewma := samples[0]
	for _, s := range samples[1:] {
		ewma = ewma*decay + s*(1-decay)
	}
	return ewma
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
