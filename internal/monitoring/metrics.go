// Package monitoring exposes boxd's Prometheus metrics and health
// endpoint: promauto-registered Counter/Gauge/HistogramVec
// collections with Observe* update methods, covering IPROTO
// request handling and vy_log flush metrics.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector boxd registers, each bound
// to its own Registry so a process (or a test) can create more than
// one Metrics without tripping promauto's duplicate-registration
// panic on the global default registry.
type Metrics struct {
	Registry *prometheus.Registry

	RequestDuration   *prometheus.HistogramVec
	RequestTotal      *prometheus.CounterVec
	ActiveConnections prometheus.Gauge
	QueueDepth        prometheus.Gauge

	VylogFlushTotal    prometheus.Counter
	VylogFlushBytes    prometheus.Histogram
	VylogFlushDuration prometheus.Histogram

	WalAppendTotal    prometheus.Counter
	WalAppendDuration prometheus.Histogram

	SchemaVersion prometheus.Gauge
}

// New creates a private Registry and registers every collector
// against it.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "boxd_request_duration_seconds",
				Help:    "IPROTO request handling latency by request type.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"request_type"},
		),
		RequestTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "boxd_request_total",
				Help: "Total IPROTO requests handled, by type and outcome.",
			},
			[]string{"request_type", "outcome"}, // outcome: ok, error
		),
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "boxd_active_connections",
			Help: "Number of currently open IPROTO connections.",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "boxd_request_queue_depth",
			Help: "Number of requests buffered waiting for a worker.",
		}),
		VylogFlushTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "boxd_vylog_flush_total",
			Help: "Total vy_log transaction flushes.",
		}),
		VylogFlushBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "boxd_vylog_flush_bytes",
			Help:    "Size in bytes of each vy_log transaction flush.",
			Buckets: prometheus.ExponentialBuckets(64, 2, 12),
		}),
		VylogFlushDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "boxd_vylog_flush_duration_seconds",
			Help:    "Duration of each vy_log transaction flush.",
			Buckets: prometheus.DefBuckets,
		}),
		WalAppendTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "boxd_wal_append_total",
			Help: "Total WAL append calls across DML and vy_log writers.",
		}),
		WalAppendDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "boxd_wal_append_duration_seconds",
			Help:    "Duration of each WAL append, including fsync.",
			Buckets: prometheus.DefBuckets,
		}),
		SchemaVersion: factory.NewGauge(prometheus.GaugeOpts{
			Name: "boxd_schema_version",
			Help: "Current catalog schema version.",
		}),
	}
}

// ObserveRequest records one completed IPROTO request.
func (m *Metrics) ObserveRequest(requestType string, ok bool, seconds float64) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	m.RequestTotal.WithLabelValues(requestType, outcome).Inc()
	m.RequestDuration.WithLabelValues(requestType).Observe(seconds)
}

// ObserveVylogFlush records one vy_log transaction flush.
func (m *Metrics) ObserveVylogFlush(bytes int, seconds float64) {
	m.VylogFlushTotal.Inc()
	m.VylogFlushBytes.Observe(float64(bytes))
	m.VylogFlushDuration.Observe(seconds)
}

// ObserveWalAppend records one WAL append call.
func (m *Metrics) ObserveWalAppend(seconds float64) {
	m.WalAppendTotal.Inc()
	m.WalAppendDuration.Observe(seconds)
}
