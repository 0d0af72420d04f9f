package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	SyncAttempts      prometheus.Counter
	SyncFailures      prometheus.Counter
	SyncDuration      prometheus.Histogram
	PushedActions     prometheus.Counter
	PulledChanges     prometheus.Counter
	AppliedActions    prometheus.Counter
	ConflictsResolved *prometheus.CounterVec
	OutboxDepth       prometheus.Gauge
	CompressionRatio  prometheus.Histogram
	ConnectedClients  prometheus.Gauge
	UploadBytes       prometheus.Counter
	ErrorCount        prometheus.Counter
}

// NewMetrics registers the engine metrics on reg; pass nil for the default
// registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		SyncAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "driftsync_sync_attempts_total",
			Help: "Total number of sync attempts",
		}),
		SyncFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "driftsync_sync_failures_total",
			Help: "Total number of failed sync attempts",
		}),
		SyncDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "driftsync_sync_duration_seconds",
			Help:    "Time taken by a full sync attempt",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		PushedActions: factory.NewCounter(prometheus.CounterOpts{
			Name: "driftsync_pushed_actions_total",
			Help: "Total number of outbox actions pushed",
		}),
		PulledChanges: factory.NewCounter(prometheus.CounterOpts{
			Name: "driftsync_pulled_changes_total",
			Help: "Total number of remote changes pulled",
		}),
		AppliedActions: factory.NewCounter(prometheus.CounterOpts{
			Name: "driftsync_applied_actions_total",
			Help: "Total number of mutations applied to the store",
		}),
		ConflictsResolved: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "driftsync_conflicts_resolved_total",
			Help: "Total number of conflicts resolved, by strategy",
		}, []string{"strategy"}),
		OutboxDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "driftsync_outbox_depth",
			Help: "Number of pending outbox actions",
		}),
		CompressionRatio: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "driftsync_compression_ratio",
			Help:    "Compressed/original size ratio of sync payloads",
			Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
		}),
		ConnectedClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "driftsync_connected_clients",
			Help: "Number of connected realtime clients",
		}),
		UploadBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "driftsync_upload_bytes_total",
			Help: "Total bytes received through resumable uploads",
		}),
		ErrorCount: factory.NewCounter(prometheus.CounterOpts{
			Name: "driftsync_errors_total",
			Help: "Total number of errors",
		}),
	}
}
