package window

import (
	"context"
	"sync"
	"time"

	"github.com/0xmhha/usage-sentinel/pkg/logger"
	"github.com/0xmhha/usage-sentinel/pkg/logsource"
	"github.com/0xmhha/usage-sentinel/pkg/pricing"
)

// tracker implements the Tracker interface.
type tracker struct {
	config Config
	logger logger.Logger
	now    func() time.Time

	mu       sync.RWMutex
	open     map[string]*Window // session id -> open window
	recent   []Window           // closed windows, newest first
	running  bool
	closed   bool
	stopChan chan struct{}
}

// New creates a new window tracker.
//
// Parameters:
//   - cfg: Tracker configuration
//   - log: Logger instance
//
// Returns:
//   - Configured Tracker
func New(cfg Config, log logger.Logger) Tracker {
	// Set defaults.
	if cfg.Duration == 0 {
		cfg.Duration = 5 * time.Hour
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 10 * time.Minute
	}
	if cfg.ActiveTimeout == 0 {
		cfg.ActiveTimeout = 2 * time.Minute
	}
	if cfg.LivenessInterval == 0 {
		cfg.LivenessInterval = time.Second
	}
	if cfg.RecentLimit == 0 {
		cfg.RecentLimit = 50
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &tracker{
		config:   cfg,
		logger:   log,
		now:      cfg.Now,
		open:     make(map[string]*Window),
		stopChan: make(chan struct{}),
	}
}

// ProcessBatch implements Tracker.ProcessBatch.
func (t *tracker) ProcessBatch(records []logsource.Record) int {
	var transitions []Transition
	applied := 0

	t.mu.Lock()
	for i := range records {
		rec := &records[i]
		if err := rec.Validate(); err != nil {
			t.logger.Warn("skipping invalid log record",
				"session", rec.SessionID,
				"error", err)
			continue
		}

		w, exists := t.open[rec.SessionID]
		if !exists {
			w = &Window{
				SessionID: rec.SessionID,
				ProjectID: rec.ProjectDir,
				Start:     rec.Timestamp,
				End:       rec.Timestamp.Add(t.config.Duration),
				Status:    StatusActive,
			}
			t.open[rec.SessionID] = w
			t.logger.Info("window opened",
				"session", rec.SessionID,
				"start", w.Start,
				"end", w.End)
		}

		t.apply(w, rec)
		applied++

		if w.Status == StatusIdle {
			w.Status = StatusActive
			transitions = append(transitions, Transition{
				Window: *w,
				From:   StatusIdle,
				To:     StatusActive,
			})
		}
	}
	t.mu.Unlock()

	t.fire(transitions)
	return applied
}

// apply folds one record into a window. Caller holds the lock.
func (t *tracker) apply(w *Window, rec *logsource.Record) {
	usage := rec.Message.Usage
	w.Usage.InputTokens += usage.InputTokens
	w.Usage.OutputTokens += usage.OutputTokens
	w.Usage.CacheCreationInputTokens += usage.CacheCreationInputTokens
	w.Usage.CacheReadInputTokens += usage.CacheReadInputTokens
	w.TotalTokens += usage.TotalTokens()

	w.CostEstimate += pricing.Cost(rec.Message.Model,
		usage.InputTokens,
		usage.OutputTokens,
		usage.CacheCreationInputTokens,
		usage.CacheReadInputTokens)

	if w.Usage.InputTokens > 0 {
		w.Efficiency = float64(w.Usage.CacheReadInputTokens) / float64(w.Usage.InputTokens)
	}

	if rec.Timestamp.After(w.LastActivity) {
		w.LastActivity = rec.Timestamp
	}
	if w.ProjectID == "" {
		w.ProjectID = rec.ProjectDir
	}
}

// Get implements Tracker.Get.
func (t *tracker) Get(sessionID string) (Window, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	w, exists := t.open[sessionID]
	if !exists {
		return Window{}, false
	}
	return *w, true
}

// Open implements Tracker.Open.
func (t *tracker) Open() []Window {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Window, 0, len(t.open))
	for _, w := range t.open {
		out = append(out, *w)
	}
	return out
}

// Recent implements Tracker.Recent.
func (t *tracker) Recent() []Window {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Window, len(t.recent))
	copy(out, t.recent)
	return out
}

// Remove implements Tracker.Remove.
func (t *tracker) Remove(sessionID string) {
	t.mu.Lock()
	w, exists := t.open[sessionID]
	if !exists {
		t.mu.Unlock()
		return
	}

	from := w.Status
	w.Status = StatusCompleted
	t.closeLocked(w)
	tr := Transition{Window: *w, From: from, To: StatusCompleted}
	t.mu.Unlock()

	t.logger.Info("window completed", "session", sessionID)
	t.fire([]Transition{tr})
}

// Start implements Tracker.Start.
func (t *tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTrackerClosed
	}
	if t.running {
		t.mu.Unlock()
		return ErrAlreadyStarted
	}
	t.running = true
	t.mu.Unlock()

	go t.livenessLoop(ctx)

	t.logger.Info("window tracker started",
		"duration", t.config.Duration,
		"idle_timeout", t.config.IdleTimeout)
	return nil
}

// Stop implements Tracker.Stop.
func (t *tracker) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrTrackerClosed
	}
	t.closed = true
	if t.running {
		close(t.stopChan)
		t.running = false
	}
	return nil
}

// livenessLoop drives the state machine on a fixed tick.
func (t *tracker) livenessLoop(ctx context.Context) {
	ticker := time.NewTicker(t.config.LivenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopChan:
			return
		case <-ticker.C:
			t.Evaluate()
		}
	}
}

// Evaluate runs one liveness pass over every open window. Exposed so
// callers with an injected clock can drive the state machine
// deterministically.
func (t *tracker) Evaluate() {
	now := t.now()
	var transitions []Transition

	t.mu.Lock()
	for _, w := range t.open {
		if w.Status.terminal() {
			continue
		}

		sinceActivity := now.Sub(w.LastActivity)

		switch {
		case now.After(w.End) || sinceActivity > t.config.IdleTimeout:
			from := w.Status
			w.Status = StatusExpired
			t.closeLocked(w)
			transitions = append(transitions, Transition{
				Window: *w,
				From:   from,
				To:     StatusExpired,
			})

		case sinceActivity > t.config.ActiveTimeout && w.Status == StatusActive:
			w.Status = StatusIdle
			transitions = append(transitions, Transition{
				Window: *w,
				From:   StatusActive,
				To:     StatusIdle,
			})
		}
	}
	t.mu.Unlock()

	for _, tr := range transitions {
		if tr.To == StatusExpired {
			t.logger.Info("window expired",
				"session", tr.Window.SessionID,
				"total_tokens", tr.Window.TotalTokens)
		}
	}
	t.fire(transitions)
}

// closeLocked moves a window from the open registry to the recent
// list. Caller holds the lock.
func (t *tracker) closeLocked(w *Window) {
	delete(t.open, w.SessionID)

	t.recent = append([]Window{*w}, t.recent...)
	if len(t.recent) > t.config.RecentLimit {
		t.recent = t.recent[:t.config.RecentLimit]
	}
}

// fire invokes the transition callback outside the lock.
func (t *tracker) fire(transitions []Transition) {
	if t.config.OnTransition == nil {
		return
	}
	for _, tr := range transitions {
		t.config.OnTransition(tr)
	}
}
