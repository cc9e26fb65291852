package window

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/0xmhha/usage-sentinel/pkg/logger"
	"github.com/0xmhha/usage-sentinel/pkg/logsource"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func makeRecord(sessionID string, ts time.Time, input, output, cacheCreation, cacheRead int64) logsource.Record {
	return logsource.Record{
		Timestamp: ts,
		SessionID: sessionID,
		Role:      "assistant",
		Message: logsource.Message{
			Model: "claude-sonnet-4-20250514",
			Usage: logsource.TokenUsage{
				InputTokens:              input,
				OutputTokens:             output,
				CacheCreationInputTokens: cacheCreation,
				CacheReadInputTokens:     cacheRead,
			},
		},
	}
}

// evaluator exposes the deterministic liveness pass.
type evaluator interface {
	Evaluate()
}

func evaluate(t *testing.T, tr Tracker) {
	t.Helper()
	ev, ok := tr.(evaluator)
	if !ok {
		t.Fatal("tracker does not expose Evaluate")
	}
	ev.Evaluate()
}

func TestWindowOpensWithFixedEnd(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	tr := New(Config{Now: clock.Now}, logger.Noop())

	start := clock.Now()
	tr.ProcessBatch([]logsource.Record{makeRecord("s1", start, 100, 50, 0, 0)})

	w, ok := tr.Get("s1")
	if !ok {
		t.Fatal("Get() returned no window")
	}
	if !w.Start.Equal(start) {
		t.Errorf("Start = %v, want %v", w.Start, start)
	}
	if want := start.Add(5 * time.Hour); !w.End.Equal(want) {
		t.Errorf("End = %v, want %v", w.End, want)
	}
	if w.Status != StatusActive {
		t.Errorf("Status = %q, want active", w.Status)
	}

	// More activity never moves the end.
	tr.ProcessBatch([]logsource.Record{makeRecord("s1", start.Add(time.Hour), 10, 5, 0, 0)})
	w, _ = tr.Get("s1")
	if want := start.Add(5 * time.Hour); !w.End.Equal(want) {
		t.Errorf("End after activity = %v, want %v", w.End, want)
	}
}

func TestProcessBatchAggregates(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	tr := New(Config{Now: clock.Now}, logger.Noop())

	ts := clock.Now()
	applied := tr.ProcessBatch([]logsource.Record{
		makeRecord("s1", ts, 1000, 500, 200, 400),
		makeRecord("s1", ts.Add(time.Minute), 1000, 500, 0, 600),
	})
	if applied != 2 {
		t.Fatalf("applied = %d, want 2", applied)
	}

	w, _ := tr.Get("s1")
	if w.TotalTokens != 4200 {
		t.Errorf("TotalTokens = %d, want 4200", w.TotalTokens)
	}
	if w.Usage.InputTokens != 2000 {
		t.Errorf("InputTokens = %d, want 2000", w.Usage.InputTokens)
	}
	// 1000 cache-read over 2000 input.
	if math.Abs(w.Efficiency-0.5) > 0.001 {
		t.Errorf("Efficiency = %f, want 0.5", w.Efficiency)
	}
	if w.CostEstimate <= 0 {
		t.Errorf("CostEstimate = %f, want > 0", w.CostEstimate)
	}
	if want := ts.Add(time.Minute); !w.LastActivity.Equal(want) {
		t.Errorf("LastActivity = %v, want %v", w.LastActivity, want)
	}
}

func TestProcessBatchSkipsInvalid(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	tr := New(Config{Now: clock.Now}, logger.Noop())

	records := []logsource.Record{
		makeRecord("s1", clock.Now(), 100, 50, 0, 0),
		{SessionID: "s1"}, // zero timestamp, no model
		makeRecord("s1", clock.Now().Add(time.Second), 100, 50, 0, 0),
	}

	if applied := tr.ProcessBatch(records); applied != 2 {
		t.Errorf("applied = %d, want 2", applied)
	}
	w, _ := tr.Get("s1")
	if w.TotalTokens != 300 {
		t.Errorf("TotalTokens = %d, want 300", w.TotalTokens)
	}
}

func TestIdleThenActive(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	var transitions []Transition
	var mu sync.Mutex

	tr := New(Config{
		Now: clock.Now,
		OnTransition: func(tran Transition) {
			mu.Lock()
			transitions = append(transitions, tran)
			mu.Unlock()
		},
	}, logger.Noop())

	tr.ProcessBatch([]logsource.Record{makeRecord("s1", clock.Now(), 100, 0, 0, 0)})

	// Past the active timeout but inside the idle timeout.
	clock.Advance(3 * time.Minute)
	evaluate(t, tr)

	w, _ := tr.Get("s1")
	if w.Status != StatusIdle {
		t.Fatalf("Status = %q, want idle", w.Status)
	}

	// New activity revives the window.
	tr.ProcessBatch([]logsource.Record{makeRecord("s1", clock.Now(), 100, 0, 0, 0)})
	w, _ = tr.Get("s1")
	if w.Status != StatusActive {
		t.Fatalf("Status = %q, want active", w.Status)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 2 {
		t.Fatalf("got %d transitions, want 2", len(transitions))
	}
	if transitions[0].To != StatusIdle || transitions[1].To != StatusActive {
		t.Errorf("transitions = %+v", transitions)
	}
}

func TestExpireOnIdleTimeout(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	tr := New(Config{Now: clock.Now}, logger.Noop())

	tr.ProcessBatch([]logsource.Record{makeRecord("s1", clock.Now(), 100, 0, 0, 0)})

	clock.Advance(11 * time.Minute)
	evaluate(t, tr)

	if _, ok := tr.Get("s1"); ok {
		t.Fatal("expired window still open")
	}

	recent := tr.Recent()
	if len(recent) != 1 {
		t.Fatalf("Recent() has %d windows, want 1", len(recent))
	}
	if recent[0].Status != StatusExpired {
		t.Errorf("Status = %q, want expired", recent[0].Status)
	}
}

func TestExpireOnDeadline(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	tr := New(Config{
		Now:         clock.Now,
		IdleTimeout: 24 * time.Hour, // keep idle expiry out of the way
	}, logger.Noop())

	tr.ProcessBatch([]logsource.Record{makeRecord("s1", clock.Now(), 100, 0, 0, 0)})

	clock.Advance(5*time.Hour + time.Second)
	evaluate(t, tr)

	recent := tr.Recent()
	if len(recent) != 1 || recent[0].Status != StatusExpired {
		t.Fatalf("Recent() = %+v, want one expired window", recent)
	}
}

func TestExpiredNeverRevives(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	tr := New(Config{Now: clock.Now}, logger.Noop())

	start := clock.Now()
	tr.ProcessBatch([]logsource.Record{makeRecord("s1", start, 100, 0, 0, 0)})

	clock.Advance(11 * time.Minute)
	evaluate(t, tr)

	// A new record opens a fresh window instead of reviving the
	// expired one.
	tr.ProcessBatch([]logsource.Record{makeRecord("s1", clock.Now(), 200, 0, 0, 0)})

	w, ok := tr.Get("s1")
	if !ok {
		t.Fatal("no window after new record")
	}
	if w.Status != StatusActive {
		t.Errorf("Status = %q, want active", w.Status)
	}
	if w.TotalTokens != 200 {
		t.Errorf("TotalTokens = %d, want 200 (fresh window)", w.TotalTokens)
	}
	if !w.Start.Equal(clock.Now()) {
		t.Errorf("Start = %v, want %v", w.Start, clock.Now())
	}
}

func TestRemoveCompletes(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	tr := New(Config{Now: clock.Now}, logger.Noop())

	tr.ProcessBatch([]logsource.Record{makeRecord("s1", clock.Now(), 100, 0, 0, 0)})
	tr.Remove("s1")

	if _, ok := tr.Get("s1"); ok {
		t.Fatal("completed window still open")
	}
	recent := tr.Recent()
	if len(recent) != 1 || recent[0].Status != StatusCompleted {
		t.Fatalf("Recent() = %+v, want one completed window", recent)
	}

	// Unknown session is a no-op.
	tr.Remove("missing")
}

func TestRecentBounded(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	tr := New(Config{Now: clock.Now, RecentLimit: 3}, logger.Noop())

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		tr.ProcessBatch([]logsource.Record{makeRecord(id, clock.Now(), 1, 0, 0, 0)})
		tr.Remove(id)
	}

	recent := tr.Recent()
	if len(recent) != 3 {
		t.Fatalf("Recent() has %d windows, want 3", len(recent))
	}
	// Newest first.
	if recent[0].SessionID != "e" || recent[2].SessionID != "c" {
		t.Errorf("Recent() order = %v", []string{recent[0].SessionID, recent[1].SessionID, recent[2].SessionID})
	}
}

func TestStartStopLifecycle(t *testing.T) {
	t.Parallel()

	tr := New(Config{}, logger.Noop())

	ctx := context.Background()
	if err := tr.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := tr.Start(ctx); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v, want ErrAlreadyStarted", err)
	}
	if err := tr.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := tr.Stop(); !errors.Is(err, ErrTrackerClosed) {
		t.Errorf("second Stop() error = %v, want ErrTrackerClosed", err)
	}
}
