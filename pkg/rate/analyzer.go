package rate

import (
	"math"
	"sync"
	"time"

	"github.com/0xmhha/usage-sentinel/pkg/logger"
)

// minTrendSamples is the floor below which any trend reads as stable.
const minTrendSamples = 3

// sessionRates holds the per-session sample window.
type sessionRates struct {
	samples  []float64 // tokens/minute, oldest first
	lastSeen time.Time
	lastTok  int64
	primed   bool
}

// analyzer implements the Analyzer interface.
type analyzer struct {
	config Config
	logger logger.Logger

	mu       sync.RWMutex
	sessions map[string]*sessionRates
}

// New creates a new rate analyzer.
//
// Parameters:
//   - cfg: Analyzer configuration
//   - log: Logger instance
//
// Returns:
//   - Configured Analyzer
func New(cfg Config, log logger.Logger) Analyzer {
	if cfg.SampleWindow == 0 {
		cfg.SampleWindow = 30
	}
	if cfg.TrendThreshold == 0 {
		cfg.TrendThreshold = 0.20
	}
	if cfg.DirectionThreshold == 0 {
		cfg.DirectionThreshold = 0.05
	}

	return &analyzer{
		config:   cfg,
		logger:   log,
		sessions: make(map[string]*sessionRates),
	}
}

// AddSample implements Analyzer.AddSample.
func (a *analyzer) AddSample(sessionID string, tokens int64, timestamp time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	state, exists := a.sessions[sessionID]
	if !exists {
		state = &sessionRates{}
		a.sessions[sessionID] = state
	}

	if !state.primed {
		state.primed = true
		state.lastSeen = timestamp
		state.lastTok = tokens
		return
	}

	dt := timestamp.Sub(state.lastSeen).Minutes()
	if dt <= 0 {
		a.logger.Debug("dropping out-of-order rate observation",
			"session", sessionID,
			"timestamp", timestamp)
		return
	}

	rate := float64(tokens-state.lastTok) / dt
	if rate < 0 {
		rate = 0
	}

	state.samples = append(state.samples, rate)
	if len(state.samples) > a.config.SampleWindow {
		state.samples = state.samples[len(state.samples)-a.config.SampleWindow:]
	}
	state.lastSeen = timestamp
	state.lastTok = tokens
}

// Stats implements Analyzer.Stats.
func (a *analyzer) Stats(sessionID string) Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	state, exists := a.sessions[sessionID]
	if !exists || len(state.samples) == 0 {
		return Stats{}
	}

	var stats Stats
	stats.SampleCount = len(state.samples)
	stats.Current = state.samples[len(state.samples)-1]

	var sum float64
	for _, s := range state.samples {
		sum += s
		if s > stats.Peak {
			stats.Peak = s
		}
	}
	stats.Average = sum / float64(len(state.samples))

	if stats.Average > 0 {
		var variance float64
		for _, s := range state.samples {
			d := s - stats.Average
			variance += d * d
		}
		variance /= float64(len(state.samples))
		stats.Volatility = math.Sqrt(variance) / stats.Average
	}

	return stats
}

// Samples implements Analyzer.Samples.
func (a *analyzer) Samples(sessionID string) []float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()

	state, exists := a.sessions[sessionID]
	if !exists {
		return nil
	}

	out := make([]float64, len(state.samples))
	copy(out, state.samples)
	return out
}

// Trend implements Analyzer.Trend.
func (a *analyzer) Trend(sessionID string) TrendDirection {
	return a.classify(sessionID, a.config.TrendThreshold)
}

// Direction implements Analyzer.Direction.
func (a *analyzer) Direction(sessionID string) TrendDirection {
	return a.classify(sessionID, a.config.DirectionThreshold)
}

// classify compares the mean of the newer half of the window against
// the older half.
func (a *analyzer) classify(sessionID string, threshold float64) TrendDirection {
	a.mu.RLock()
	defer a.mu.RUnlock()

	state, exists := a.sessions[sessionID]
	if !exists || len(state.samples) < minTrendSamples {
		return TrendStable
	}

	mid := len(state.samples) / 2
	older := mean(state.samples[:mid])
	newer := mean(state.samples[mid:])

	if older <= 0 {
		if newer > 0 {
			return TrendIncreasing
		}
		return TrendStable
	}

	change := (newer - older) / older
	switch {
	case change > threshold:
		return TrendIncreasing
	case change < -threshold:
		return TrendDecreasing
	default:
		return TrendStable
	}
}

// Reset implements Analyzer.Reset.
func (a *analyzer) Reset(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.sessions, sessionID)
}

func mean(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s
	}
	return sum / float64(len(samples))
}
