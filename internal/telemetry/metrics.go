package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the fixed set of counters/gauges/histograms the connection
// manager, sync service, and hub update as they run. Of the first eight
// (the connection metrics, per §4.6), all are monotonic counters except
// Latency and LastErrorAt; ActiveConnections and ActiveDocuments are gauges.
type Metrics struct {
	MessagesSent     prometheus.Counter
	MessagesReceived prometheus.Counter
	BytesSent        prometheus.Counter
	BytesReceived    prometheus.Counter
	Reconnections    prometheus.Counter
	Errors           prometheus.Counter
	Latency          prometheus.Histogram
	LastErrorAt      prometheus.Gauge

	ActiveConnections prometheus.Gauge
	ActiveDocuments    prometheus.Gauge
	ConflictsDetected  prometheus.Counter
	ConflictsResolved  prometheus.Counter
	SyncRetries        prometheus.Counter
	GCSweeps           prometheus.Counter
	HistoryTruncations prometheus.Counter
}

// NewMetrics registers every gauge/counter/histogram against reg. Pass
// prometheus.NewRegistry() in tests to avoid collisions with the default
// global registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		MessagesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "collabcore_messages_sent_total",
			Help: "Total number of wire messages sent.",
		}),
		MessagesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "collabcore_messages_received_total",
			Help: "Total number of wire messages received.",
		}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "collabcore_bytes_sent_total",
			Help: "Total number of bytes sent on the wire.",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "collabcore_bytes_received_total",
			Help: "Total number of bytes received on the wire.",
		}),
		Reconnections: factory.NewCounter(prometheus.CounterOpts{
			Name: "collabcore_reconnections_total",
			Help: "Total number of successful reconnects.",
		}),
		Errors: factory.NewCounter(prometheus.CounterOpts{
			Name: "collabcore_errors_total",
			Help: "Total number of errors surfaced to registered handlers.",
		}),
		Latency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "collabcore_heartbeat_latency_seconds",
			Help:    "Round-trip heartbeat latency.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		LastErrorAt: factory.NewGauge(prometheus.GaugeOpts{
			Name: "collabcore_last_error_unix_seconds",
			Help: "Unix timestamp of the most recent error.",
		}),
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "collabcore_active_connections",
			Help: "Number of connections currently in the Connected state.",
		}),
		ActiveDocuments: factory.NewGauge(prometheus.GaugeOpts{
			Name: "collabcore_active_documents",
			Help: "Number of documents currently registered in the hub.",
		}),
		ConflictsDetected: factory.NewCounter(prometheus.CounterOpts{
			Name: "collabcore_conflicts_detected_total",
			Help: "Total number of concurrent overlapping operation pairs detected.",
		}),
		ConflictsResolved: factory.NewCounter(prometheus.CounterOpts{
			Name: "collabcore_conflicts_resolved_total",
			Help: "Total number of conflicts that reached a resolution.",
		}),
		SyncRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "collabcore_sync_retries_total",
			Help: "Total number of sync batch retry attempts.",
		}),
		GCSweeps: factory.NewCounter(prometheus.CounterOpts{
			Name: "collabcore_gc_sweeps_total",
			Help: "Total number of GC sweeps that reclaimed at least one tombstoned node.",
		}),
		HistoryTruncations: factory.NewCounter(prometheus.CounterOpts{
			Name: "collabcore_history_truncations_total",
			Help: "Total number of operation-history ring truncations.",
		}),
	}
}
