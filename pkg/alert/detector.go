package alert

import (
	"math"
	"sync"
)

// defaultDetectorWindow bounds each metric's rolling population.
const defaultDetectorWindow = 50

// Anomaly describes a statistical outlier for one metric.
type Anomaly struct {
	// Metric is the key the sample was observed under.
	Metric string

	// Value is the observed sample.
	Value float64

	// Mean and Stddev describe the population the sample was judged
	// against.
	Mean   float64
	Stddev float64

	// Deviation is |Value − Mean| / Stddev, in sigmas.
	Deviation float64

	// Severity scales with the deviation.
	Severity Severity
}

// Detector flags statistical outliers against a rolling population.
//
// The detector is metric-agnostic: callers key populations by any
// string (a session's burn rate, a host's CPU, network throughput)
// and feed scalar samples. A sample is judged against the population
// observed before it, then added to the population.
type Detector struct {
	minSamples int
	window     int

	mu      sync.Mutex
	samples map[string][]float64
}

// NewDetector creates an anomaly detector.
//
// Parameters:
//   - minSamples: population size required before judging (min 2)
//   - window: rolling population bound (0 for the default)
//
// Returns:
//   - Configured Detector
func NewDetector(minSamples, window int) *Detector {
	if minSamples < 2 {
		minSamples = 2
	}
	if window <= 0 {
		window = defaultDetectorWindow
	}
	if window < minSamples {
		window = minSamples
	}

	return &Detector{
		minSamples: minSamples,
		window:     window,
		samples:    make(map[string][]float64),
	}
}

// Observe feeds one sample and reports whether it is anomalous.
//
// With fewer than the minimum population the sample is recorded and
// judged non-anomalous (insufficient data, never a false positive).
// A zero-variance population also judges non-anomalous.
func (d *Detector) Observe(metric string, value float64) (Anomaly, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	population := d.samples[metric]

	var result Anomaly
	var anomalous bool
	if len(population) >= d.minSamples {
		result, anomalous = judge(metric, value, population)
	}

	population = append(population, value)
	if len(population) > d.window {
		population = population[len(population)-d.window:]
	}
	d.samples[metric] = population

	return result, anomalous
}

// Reset discards the population for a metric.
func (d *Detector) Reset(metric string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.samples, metric)
}

// judge evaluates a sample against a population.
func judge(metric string, value float64, population []float64) (Anomaly, bool) {
	if len(population) == 0 {
		return Anomaly{}, false
	}

	var sum float64
	for _, s := range population {
		sum += s
	}
	mean := sum / float64(len(population))

	var variance float64
	for _, s := range population {
		diff := s - mean
		variance += diff * diff
	}
	variance /= float64(len(population))
	stddev := math.Sqrt(variance)

	if stddev <= 0 {
		return Anomaly{}, false
	}

	deviation := math.Abs(value-mean) / stddev
	if deviation <= 2 {
		return Anomaly{}, false
	}

	return Anomaly{
		Metric:    metric,
		Value:     value,
		Mean:      mean,
		Stddev:    stddev,
		Deviation: deviation,
		Severity:  deviationSeverity(deviation),
	}, true
}

// deviationSeverity maps a sigma deviation to an alert severity.
// The three bands escalate monotonically: 2-2.5 sigma is the lowest
// reportable band and maps to the lowest severity, 2.5-3 sigma to
// warning, above 3 sigma to critical.
func deviationSeverity(deviation float64) Severity {
	switch {
	case deviation > 3:
		return SeverityCritical
	case deviation > 2.5:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}
