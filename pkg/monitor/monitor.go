package monitor

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/0xmhha/usage-sentinel/pkg/alert"
	"github.com/0xmhha/usage-sentinel/pkg/hub"
	"github.com/0xmhha/usage-sentinel/pkg/ingest"
	"github.com/0xmhha/usage-sentinel/pkg/logger"
	"github.com/0xmhha/usage-sentinel/pkg/logsource"
	"github.com/0xmhha/usage-sentinel/pkg/window"
)

// budgetKey de-duplicates budget alerts per session and reason.
type budgetKey struct {
	sessionID string
	reason    string
}

// monitor implements the Monitor interface.
type monitor struct {
	config Config
	logger logger.Logger
	deps   Deps
	now    func() time.Time

	mu       sync.Mutex
	running  bool
	closed   bool
	stopChan chan struct{}
	updates  chan Update

	// lastBudgetLevel records the last severity broadcast per
	// session and reason, so a threshold that stays crossed emits
	// one alert per level change instead of one per tick.
	lastBudgetLevel map[budgetKey]ingest.BudgetSeverity

	// pathSessions maps a log file path to the session ids its
	// records carried. A removed file may name sessions that differ
	// from its filename stem; removal uses this map so those windows
	// are still closed.
	pathSessions map[string]map[string]struct{}
}

// New creates a new monitor.
//
// Parameters:
//   - cfg: Monitor configuration
//   - deps: Collaborating components (all required)
//   - log: Logger instance
//
// Returns:
//   - Configured Monitor
//   - Error if a dependency is missing
func New(cfg Config, deps Deps, log logger.Logger) (Monitor, error) {
	if deps.Notifier == nil || deps.Reader == nil || deps.Tracker == nil ||
		deps.Buffer == nil || deps.Analyzer == nil || deps.Engine == nil ||
		deps.Hub == nil || deps.Metrics == nil {
		return nil, ErrMissingDependency
	}

	if cfg.EvalInterval == 0 {
		cfg.EvalInterval = 10 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	log.Info("monitor created",
		"log_dirs", cfg.LogDirs,
		"eval_interval", cfg.EvalInterval,
		"token_budget", cfg.TokenBudget)

	return &monitor{
		config:          cfg,
		logger:          log,
		deps:            deps,
		now:             cfg.Now,
		stopChan:        make(chan struct{}),
		updates:         make(chan Update, 16),
		lastBudgetLevel: make(map[budgetKey]ingest.BudgetSeverity),
		pathSessions:    make(map[string]map[string]struct{}),
	}, nil
}

// WindowTransitionForwarder returns a window.Tracker transition
// callback that broadcasts every status change to hub observers.
// Wire it into the tracker's configuration before constructing the
// monitor.
func WindowTransitionForwarder(h hub.Hub) func(window.Transition) {
	return func(tr window.Transition) {
		h.Broadcast(hub.Message{
			Type:      hub.TypeWindowUpdate,
			SessionID: tr.Window.SessionID,
			Payload: map[string]any{
				"window": tr.Window,
				"from":   tr.From,
				"to":     tr.To,
			},
		})
	}
}

// Start implements Monitor.Start.
func (m *monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrMonitorClosed
	}
	if m.running {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.running = true
	m.mu.Unlock()

	if err := m.deps.Notifier.Start(ctx, m.config.LogDirs); err != nil {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		return err
	}

	go m.eventLoop(ctx)
	go m.evalLoop(ctx)

	m.logger.Info("monitor started")
	return nil
}

// Stop implements Monitor.Stop.
func (m *monitor) Stop() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrMonitorClosed
	}
	m.closed = true
	if m.running {
		close(m.stopChan)
		m.running = false
	}
	m.mu.Unlock()

	if err := m.deps.Notifier.Stop(); err != nil {
		m.logger.Warn("notifier stop failed", "error", err)
	}

	m.logger.Info("monitor stopped")
	return nil
}

// Updates implements Monitor.Updates.
func (m *monitor) Updates() <-chan Update {
	return m.updates
}

// Unacknowledged implements Monitor.Unacknowledged.
func (m *monitor) Unacknowledged(sessionID string) []alert.Alert {
	return m.deps.Engine.Unacknowledged(sessionID)
}

// Acknowledge implements Monitor.Acknowledge.
func (m *monitor) Acknowledge(alertID string) {
	m.deps.Engine.Acknowledge(alertID)
}

// eventLoop consumes log-source change events.
func (m *monitor) eventLoop(ctx context.Context) {
	events := m.deps.Notifier.Events()
	errs := m.deps.Notifier.Errors()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopChan:
			return
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			m.logger.Warn("log source error", "error", err)
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.handleEvent(ctx, ev)
		}
	}
}

// handleEvent applies one change event to the pipeline.
func (m *monitor) handleEvent(ctx context.Context, ev logsource.Event) {
	if ev.Op == logsource.OpRemove || ev.Op == logsource.OpRename {
		for _, sessionID := range m.forgetPath(ev.Path) {
			m.logger.Info("session log removed",
				"path", ev.Path,
				"session", sessionID)
			m.deps.Tracker.Remove(sessionID)
			m.deps.Analyzer.Reset(sessionID)
		}
		return
	}

	records, err := m.deps.Reader.Read(ctx, ev.Path)
	if err != nil {
		m.logger.Warn("log read failed", "path", ev.Path, "error", err)
		return
	}
	if len(records) == 0 {
		return
	}

	applied := m.deps.Tracker.ProcessBatch(records)
	m.deps.Metrics.RecordsParsed.Add(float64(applied))
	m.deps.Metrics.RecordsSkipped.Add(float64(len(records) - applied))

	for i := range records {
		rec := &records[i]
		if rec.Validate() != nil {
			continue
		}
		m.rememberPath(ev.Path, rec.SessionID)
		m.deps.Buffer.RecordUsage(rec.SessionID,
			rec.Message.Usage.TotalTokens(), rec.Role)
	}
}

// rememberPath associates a session id with the log file it came from.
func (m *monitor) rememberPath(path, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen, exists := m.pathSessions[path]
	if !exists {
		seen = make(map[string]struct{})
		m.pathSessions[path] = seen
	}
	seen[sessionID] = struct{}{}
}

// forgetPath returns the session ids recorded for a path and drops
// the association. Falls back to the filename stem when the path was
// never read, so removal of a file seen only by name still closes
// its window.
func (m *monitor) forgetPath(path string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen, exists := m.pathSessions[path]
	if !exists {
		return []string{sessionIDFromPath(path)}
	}
	delete(m.pathSessions, path)

	out := make([]string, 0, len(seen))
	for sessionID := range seen {
		out = append(out, sessionID)
	}
	return out
}

// evalLoop runs the periodic evaluation tick.
func (m *monitor) evalLoop(ctx context.Context) {
	ticker := time.NewTicker(m.config.EvalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.Evaluate()
		}
	}
}

// Evaluate runs one evaluation pass over every known session.
// Exposed so callers with an injected clock can drive evaluation
// deterministically.
func (m *monitor) Evaluate() {
	now := m.now()

	for _, sessionID := range m.deps.Buffer.Sessions() {
		usage := m.deps.Buffer.CurrentUsage(sessionID)

		m.deps.Analyzer.AddSample(sessionID, usage.TotalTokens, now)
		stats := m.deps.Analyzer.Stats(sessionID)
		trend := m.deps.Analyzer.Trend(sessionID)
		direction := m.deps.Analyzer.Direction(sessionID)

		fired := m.deps.Engine.Evaluate(alert.Sample{
			SessionID:  sessionID,
			Stats:      stats,
			Direction:  direction,
			UsedTokens: usage.TotalTokens,
			Budget:     m.config.TokenBudget,
		})

		m.deps.Hub.Broadcast(hub.Message{
			Type:      hub.TypeBurnRate,
			SessionID: sessionID,
			Timestamp: now,
			Payload: map[string]any{
				"stats":     stats,
				"trend":     trend,
				"direction": direction,
			},
		})

		// Alerts skip any batching and go out at once; critical ones
		// must reach observers without waiting for the next tick.
		for _, a := range fired {
			m.deps.Hub.Broadcast(hub.Message{
				Type:      hub.TypeAlert,
				SessionID: a.SessionID,
				Timestamp: a.Timestamp,
				Payload:   a,
			})
		}

		m.broadcastBudgetAlerts(sessionID, now)
		m.broadcastSessionUpdate(sessionID, usage, now)

		var open *window.Window
		if w, ok := m.deps.Tracker.Get(sessionID); ok {
			open = &w
		}

		update := Update{
			Timestamp: now,
			SessionID: sessionID,
			Usage:     usage,
			Stats:     stats,
			Trend:     trend,
			Window:    open,
			Alerts:    fired,
		}
		select {
		case m.updates <- update:
		default:
			// Local consumer is behind; drop rather than stall.
		}
	}
}

// broadcastBudgetAlerts re-evaluates budget thresholds and emits one
// alert per severity change.
func (m *monitor) broadcastBudgetAlerts(sessionID string, now time.Time) {
	alerts := m.deps.Buffer.BudgetAlerts(sessionID)

	current := make(map[budgetKey]ingest.BudgetSeverity, len(alerts))
	for _, ba := range alerts {
		current[budgetKey{sessionID, ba.Reason}] = ba.Severity
	}

	m.mu.Lock()
	var emit []ingest.BudgetAlert
	for _, ba := range alerts {
		key := budgetKey{sessionID, ba.Reason}
		if m.lastBudgetLevel[key] != ba.Severity {
			m.lastBudgetLevel[key] = ba.Severity
			emit = append(emit, ba)
		}
	}
	// Clear reasons that no longer hold so a re-crossing re-alerts.
	for key := range m.lastBudgetLevel {
		if key.sessionID == sessionID {
			if _, holds := current[key]; !holds {
				delete(m.lastBudgetLevel, key)
			}
		}
	}
	m.mu.Unlock()

	for _, ba := range emit {
		m.logger.Warn("budget alert",
			"session", ba.SessionID,
			"reason", ba.Reason,
			"severity", ba.Severity)
		m.deps.Hub.Broadcast(hub.Message{
			Type:      hub.TypeAlert,
			SessionID: ba.SessionID,
			Timestamp: now,
			Payload:   ba,
		})
	}
}

// broadcastSessionUpdate pushes the session's usage and window state.
func (m *monitor) broadcastSessionUpdate(sessionID string, usage ingest.Usage, now time.Time) {
	payload := map[string]any{"usage": usage}
	if w, ok := m.deps.Tracker.Get(sessionID); ok {
		payload["window"] = w
	}

	m.deps.Hub.Broadcast(hub.Message{
		Type:      hub.TypeSessionUpdate,
		SessionID: sessionID,
		Timestamp: now,
		Payload:   payload,
	})
}

// sessionIDFromPath derives a session id from a log file's name stem.
// Session logs are conventionally named <sessionId>.jsonl; this is
// only a fallback for files removed before any record was read, where
// the embedded sessionId field is unavailable.
func sessionIDFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
