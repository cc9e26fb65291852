// Package metrics exposes Prometheus health counters for the
// monitoring engine.
//
// Collectors are created unregistered so tests can construct as many
// instances as they like; the binary registers one instance on its
// registry at startup.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	// EventsIngested counts usage events accepted by the buffer.
	EventsIngested prometheus.Counter

	// BatchesFlushed counts batches successfully written to the sink.
	BatchesFlushed prometheus.Counter

	// FlushFailures counts failed batch flushes (each failure is
	// retried via re-queue, never dropped).
	FlushFailures prometheus.Counter

	// RecordsParsed counts log records applied to windows.
	RecordsParsed prometheus.Counter

	// RecordsSkipped counts malformed log records skipped.
	RecordsSkipped prometheus.Counter

	// AlertsEmitted counts alerts by type.
	AlertsEmitted *prometheus.CounterVec

	// ObserversConnected tracks the current observer population.
	ObserversConnected prometheus.Gauge

	// MessagesDropped counts broadcast messages dropped per observer
	// due to full buffers or send failures.
	MessagesDropped prometheus.Counter
}

// New creates a fresh, unregistered set of collectors.
func New() *Metrics {
	return &Metrics{
		EventsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "usage_sentinel",
			Subsystem: "ingest",
			Name:      "events_total",
			Help:      "Usage events accepted by the ingestion buffer.",
		}),
		BatchesFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "usage_sentinel",
			Subsystem: "ingest",
			Name:      "batches_flushed_total",
			Help:      "Batches successfully written to the persistence sink.",
		}),
		FlushFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "usage_sentinel",
			Subsystem: "ingest",
			Name:      "flush_failures_total",
			Help:      "Failed batch flushes that were re-queued for retry.",
		}),
		RecordsParsed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "usage_sentinel",
			Subsystem: "window",
			Name:      "records_total",
			Help:      "Log records applied to session windows.",
		}),
		RecordsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "usage_sentinel",
			Subsystem: "window",
			Name:      "records_skipped_total",
			Help:      "Malformed log records skipped with a warning.",
		}),
		AlertsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "usage_sentinel",
			Subsystem: "alerts",
			Name:      "emitted_total",
			Help:      "Alerts emitted by the risk engine.",
		}, []string{"type"}),
		ObserversConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "usage_sentinel",
			Subsystem: "hub",
			Name:      "observers",
			Help:      "Currently connected observers.",
		}),
		MessagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "usage_sentinel",
			Subsystem: "hub",
			Name:      "messages_dropped_total",
			Help:      "Broadcast messages dropped due to slow or failing observers.",
		}),
	}
}

// Register registers all collectors on the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.EventsIngested,
		m.BatchesFlushed,
		m.FlushFailures,
		m.RecordsParsed,
		m.RecordsSkipped,
		m.AlertsEmitted,
		m.ObserversConnected,
		m.MessagesDropped,
	}

	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}

	return nil
}
