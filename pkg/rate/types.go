// Package rate computes token consumption rates and trends.
//
// The analyzer keeps a bounded window of per-session rate samples.
// Each sample is derived from the token delta between two consecutive
// observations, normalized to tokens per minute. From the window it
// derives current, average, and peak rates, a volatility measure, and
// a trend classification obtained by comparing the older and newer
// halves of the window.
package rate

import "time"

// TrendDirection classifies how the consumption rate is moving.
type TrendDirection string

// Trend directions.
const (
	TrendIncreasing TrendDirection = "increasing"
	TrendDecreasing TrendDirection = "decreasing"
	TrendStable     TrendDirection = "stable"
)

// Stats is a point-in-time rate summary for a session.
type Stats struct {
	// Current is the most recent rate sample in tokens/minute.
	Current float64

	// Average is the mean of the retained samples.
	Average float64

	// Peak is the highest retained sample.
	Peak float64

	// Volatility is the coefficient of variation of the retained
	// samples (stddev/mean). Zero when the mean is non-positive.
	Volatility float64

	// SampleCount is the number of retained samples.
	SampleCount int
}

// Analyzer tracks consumption rates per session.
type Analyzer interface {
	// AddSample records a token observation for a session. The rate
	// is derived from the delta to the previous observation;
	// observations with a non-positive time delta are dropped.
	AddSample(sessionID string, tokens int64, timestamp time.Time)

	// Stats returns the rate summary for a session. Unknown sessions
	// return zero-valued stats.
	Stats(sessionID string) Stats

	// Samples returns a copy of the retained rate samples, oldest
	// first.
	Samples(sessionID string) []float64

	// Trend classifies the rate movement using the coarse threshold.
	// Fewer than three samples always classify as stable.
	Trend(sessionID string) TrendDirection

	// Direction classifies the rate movement using the fine
	// threshold, for consumers that want earlier signal.
	Direction(sessionID string) TrendDirection

	// Reset discards all state for a session.
	Reset(sessionID string)
}

// Config contains analyzer configuration.
type Config struct {
	// SampleWindow is the number of rate samples retained per
	// session. Default: 30.
	SampleWindow int

	// TrendThreshold is the relative change that Trend requires
	// before leaving stable. Default: 0.20.
	TrendThreshold float64

	// DirectionThreshold is the relative change that Direction
	// requires before leaving stable. Default: 0.05.
	DirectionThreshold float64
}
