package ingest

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/0xmhha/usage-sentinel/pkg/logger"
	"github.com/0xmhha/usage-sentinel/pkg/metrics"
)

// fakeClock is a manually advanced clock for deterministic rate
// samples.
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

// captureSink records flushed batches, optionally failing the first
// failCount calls.
type captureSink struct {
	mu        sync.Mutex
	batches   [][]Event
	failCount int
	calls     int
}

func (s *captureSink) WriteBatch(_ context.Context, _ string, events []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	if s.calls <= s.failCount {
		return errors.New("sink unavailable")
	}

	batch := make([]Event, len(events))
	copy(batch, events)
	s.batches = append(s.batches, batch)
	return nil
}

func (s *captureSink) batchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func (s *captureSink) allEvents() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []Event
	for _, b := range s.batches {
		all = append(all, b...)
	}
	return all
}

func newTestBuffer(t *testing.T, cfg Config) Buffer {
	t.Helper()

	if cfg.Sink == nil {
		cfg.Sink = &captureSink{}
	}
	buf, err := New(cfg, metrics.New(), logger.Noop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return buf
}

func TestNewRequiresSink(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, metrics.New(), logger.Noop())
	if !errors.Is(err, ErrSinkRequired) {
		t.Errorf("New() error = %v, want ErrSinkRequired", err)
	}
}

func TestCurrentUsageSteadyRate(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	buf := newTestBuffer(t, Config{
		TokenBudget: 1000,
		Now:         clock.Now,
	})

	// Four events of 100 tokens, one minute apart.
	buf.RecordUsage("s1", 100, "completion")
	for i := 0; i < 3; i++ {
		clock.Advance(time.Minute)
		buf.RecordUsage("s1", 100, "completion")
	}

	usage := buf.CurrentUsage("s1")

	if usage.TotalTokens != 400 {
		t.Errorf("TotalTokens = %d, want 400", usage.TotalTokens)
	}
	if math.Abs(usage.AvgPerMinute-100) > 0.001 {
		t.Errorf("AvgPerMinute = %f, want 100", usage.AvgPerMinute)
	}
	// Identical samples give zero variance and full confidence.
	if usage.Confidence != 1 {
		t.Errorf("Confidence = %f, want 1", usage.Confidence)
	}
	// 600 remaining tokens at 100/min.
	if want := 6 * time.Minute; usage.TimeToLimit != want {
		t.Errorf("TimeToLimit = %v, want %v", usage.TimeToLimit, want)
	}
	// EWMA of constant 100/min is 100/min over the one-hour horizon.
	if want := 400 + 100*60.0; math.Abs(usage.ProjectedTotal-want) > 0.001 {
		t.Errorf("ProjectedTotal = %f, want %f", usage.ProjectedTotal, want)
	}
}

func TestCurrentUsageUnknownSession(t *testing.T) {
	t.Parallel()

	buf := newTestBuffer(t, Config{})

	usage := buf.CurrentUsage("missing")
	if usage.SessionID != "missing" {
		t.Errorf("SessionID = %q, want %q", usage.SessionID, "missing")
	}
	if usage.TotalTokens != 0 || usage.AvgPerMinute != 0 || usage.Confidence != 0 {
		t.Errorf("expected zero snapshot, got %+v", usage)
	}
}

func TestCurrentUsageSingleEvent(t *testing.T) {
	t.Parallel()

	buf := newTestBuffer(t, Config{Now: newFakeClock().Now})
	buf.RecordUsage("s1", 250, "completion")

	usage := buf.CurrentUsage("s1")
	if usage.TotalTokens != 250 {
		t.Errorf("TotalTokens = %d, want 250", usage.TotalTokens)
	}
	// No gap, no rate sample: projection degrades to the total.
	if usage.AvgPerMinute != 0 {
		t.Errorf("AvgPerMinute = %f, want 0", usage.AvgPerMinute)
	}
	if usage.ProjectedTotal != 250 {
		t.Errorf("ProjectedTotal = %f, want 250", usage.ProjectedTotal)
	}
}

func TestRecordUsageIgnoresNegative(t *testing.T) {
	t.Parallel()

	buf := newTestBuffer(t, Config{})
	buf.RecordUsage("s1", -10, "completion")

	if usage := buf.CurrentUsage("s1"); usage.TotalTokens != 0 {
		t.Errorf("TotalTokens = %d, want 0", usage.TotalTokens)
	}
	if ids := buf.Sessions(); len(ids) != 0 {
		t.Errorf("Sessions() = %v, want empty", ids)
	}
}

func TestRecordUsageZeroGapProducesNoSample(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	buf := newTestBuffer(t, Config{Now: clock.Now})

	buf.RecordUsage("s1", 100, "completion")
	buf.RecordUsage("s1", 100, "completion") // same instant

	if usage := buf.CurrentUsage("s1"); usage.AvgPerMinute != 0 {
		t.Errorf("AvgPerMinute = %f, want 0 (no samples)", usage.AvgPerMinute)
	}
}

func TestFlushOnBatchSize(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	buf := newTestBuffer(t, Config{Sink: sink, BatchSize: 3})

	for i := 0; i < 3; i++ {
		buf.RecordUsage("s1", 10, "completion")
	}

	// The threshold flush runs on its own goroutine.
	deadline := time.Now().Add(2 * time.Second)
	for sink.batchCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	events := sink.allEvents()
	if len(events) != 3 {
		t.Fatalf("flushed %d events, want 3", len(events))
	}
	for _, ev := range events {
		if ev.SessionID != "s1" || ev.Tokens != 10 {
			t.Errorf("unexpected event %+v", ev)
		}
	}
}

func TestFlushFailureRequeues(t *testing.T) {
	t.Parallel()

	sink := &captureSink{failCount: 1}
	buf := newTestBuffer(t, Config{Sink: sink, BatchSize: 100})

	buf.RecordUsage("s1", 1, "a")
	buf.RecordUsage("s1", 2, "b")

	ctx := context.Background()

	// First flush fails; events must stay queued.
	buf.Flush(ctx)
	if n := sink.batchCount(); n != 0 {
		t.Fatalf("batches after failed flush = %d, want 0", n)
	}

	buf.RecordUsage("s1", 3, "c")

	// Second flush succeeds and delivers in original order.
	buf.Flush(ctx)
	events := sink.allEvents()
	if len(events) != 3 {
		t.Fatalf("flushed %d events, want 3", len(events))
	}
	for i, op := range []string{"a", "b", "c"} {
		if events[i].Operation != op {
			t.Errorf("events[%d].Operation = %q, want %q", i, events[i].Operation, op)
		}
	}
}

func TestRecordUsageConcurrentWithStart(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	buf := newTestBuffer(t, Config{Sink: sink, BatchSize: 5})

	// Usage may arrive while the buffer is still starting; the race
	// detector verifies RecordUsage and Start do not contend on the
	// flush context.
	var wg sync.WaitGroup
	for g := 0; g < 2; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				buf.RecordUsage("s1", 10, "completion")
			}
		}()
	}

	if err := buf.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	wg.Wait()

	if err := buf.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if got := len(sink.allEvents()); got != 100 {
		t.Errorf("flushed %d events, want 100", got)
	}
}

func TestBudgetAlerts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		tokens     int64
		wantReason string
		wantSev    BudgetSeverity
	}{
		{"below thresholds", 500, "", ""},
		{"warning at 80%", 800, ReasonUsageWarning, BudgetWarning},
		{"critical at 95%", 950, ReasonUsageCritical, BudgetCritical},
		{"critical over budget", 1100, ReasonUsageCritical, BudgetCritical},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			buf := newTestBuffer(t, Config{
				TokenBudget: 1000,
				Now:         newFakeClock().Now,
			})
			buf.RecordUsage("s1", tt.tokens, "completion")

			alerts := buf.BudgetAlerts("s1")
			if tt.wantReason == "" {
				if len(alerts) != 0 {
					t.Fatalf("alerts = %+v, want none", alerts)
				}
				return
			}

			if len(alerts) != 1 {
				t.Fatalf("got %d alerts, want 1", len(alerts))
			}
			if alerts[0].Reason != tt.wantReason {
				t.Errorf("Reason = %q, want %q", alerts[0].Reason, tt.wantReason)
			}
			if alerts[0].Severity != tt.wantSev {
				t.Errorf("Severity = %q, want %q", alerts[0].Severity, tt.wantSev)
			}
		})
	}
}

func TestBudgetAlertsProjection(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	buf := newTestBuffer(t, Config{
		TokenBudget: 5000,
		Now:         clock.Now,
	})

	// Steady 100/min: total stays at 10% of budget but the one-hour
	// projection crosses it with full confidence, and the time to
	// limit (45 minutes) falls under an hour.
	buf.RecordUsage("s1", 100, "completion")
	for i := 0; i < 4; i++ {
		clock.Advance(time.Minute)
		buf.RecordUsage("s1", 100, "completion")
	}

	alerts := buf.BudgetAlerts("s1")

	reasons := make(map[string]bool)
	for _, a := range alerts {
		reasons[a.Reason] = true
	}
	if !reasons[ReasonProjection] {
		t.Errorf("missing %s alert, got %+v", ReasonProjection, alerts)
	}
	if !reasons[ReasonTimeToLimit] {
		t.Errorf("missing %s alert, got %+v", ReasonTimeToLimit, alerts)
	}
	if reasons[ReasonUsageWarning] || reasons[ReasonUsageCritical] {
		t.Errorf("unexpected usage threshold alert: %+v", alerts)
	}
}

func TestBudgetAlertsNoBudget(t *testing.T) {
	t.Parallel()

	buf := newTestBuffer(t, Config{})
	buf.RecordUsage("s1", 1_000_000, "completion")

	if alerts := buf.BudgetAlerts("s1"); alerts != nil {
		t.Errorf("alerts = %+v, want nil without a budget", alerts)
	}
}

func TestSessions(t *testing.T) {
	t.Parallel()

	buf := newTestBuffer(t, Config{})
	buf.RecordUsage("charlie", 1, "a")
	buf.RecordUsage("alpha", 1, "a")
	buf.RecordUsage("bravo", 1, "a")

	ids := buf.Sessions()
	want := []string{"alpha", "bravo", "charlie"}
	if len(ids) != len(want) {
		t.Fatalf("Sessions() = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("Sessions()[%d] = %q, want %q", i, ids[i], want[i])
		}
	}
}

func TestStartStopLifecycle(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	buf := newTestBuffer(t, Config{Sink: sink, BatchSize: 100})

	ctx := context.Background()
	if err := buf.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := buf.Start(ctx); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v, want ErrAlreadyStarted", err)
	}

	buf.RecordUsage("s1", 5, "completion")

	// Stop performs a final drain.
	if err := buf.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if n := len(sink.allEvents()); n != 1 {
		t.Errorf("drained %d events, want 1", n)
	}

	if err := buf.Stop(); !errors.Is(err, ErrBufferClosed) {
		t.Errorf("second Stop() error = %v, want ErrBufferClosed", err)
	}
}

func TestPeriodicFlush(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	buf := newTestBuffer(t, Config{
		Sink:          sink,
		BatchSize:     100,
		FlushInterval: 20 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := buf.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer buf.Stop()

	buf.RecordUsage("s1", 7, "completion")

	deadline := time.Now().Add(2 * time.Second)
	for sink.batchCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if n := len(sink.allEvents()); n != 1 {
		t.Errorf("flushed %d events, want 1", n)
	}
}
