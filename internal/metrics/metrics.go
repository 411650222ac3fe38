// Package metrics holds the prometheus instrumentation of the retention
// engine and the remote stores. Collectors register with the default
// registry; `sizif train --metrics-addr` exposes them.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Retention cycle metrics
	CycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sizif_cycle_duration_seconds",
			Help:    "Duration of retention cycles in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"}, // "skipped", "written", "failed"
	)

	SnapshotsWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sizif_snapshots_written_total",
			Help: "Total number of snapshots written to the local folder",
		},
	)

	SnapshotsDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sizif_snapshots_deleted_total",
			Help: "Total number of snapshot deletions attempted by rotation",
		},
		[]string{"backend", "outcome"},
	)

	LiveSnapshots = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sizif_live_snapshots",
			Help: "Snapshots currently present per backend",
		},
		[]string{"backend"},
	)

	PendingMirrors = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sizif_pending_mirrors",
			Help: "Local snapshots not yet mirrored to the remote store",
		},
	)

	BestMetric = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sizif_best_metric",
			Help: "Value of the monitored metric of the best retained snapshot",
		},
		[]string{"metric"},
	)

	// Remote store metrics
	RemoteOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sizif_remote_operations_total",
			Help: "Total number of remote store operations",
		},
		[]string{"backend", "operation", "outcome"}, // outcome: "ok", "transient", "fatal", "not_found"
	)

	RemoteOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sizif_remote_operation_duration_seconds",
			Help:    "Duration of remote store operations including retries",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"backend", "operation"},
	)

	RemoteRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sizif_remote_retries_total",
			Help: "Total number of retried remote operations",
		},
		[]string{"backend", "operation"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sizif_circuit_breaker_state",
			Help: "Remote circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"backend"},
	)

	// Training metrics
	TrainingIteration = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sizif_training_iteration",
			Help: "Last completed training iteration",
		},
	)
)

// ObserveRemote records one remote operation.
func ObserveRemote(backend, operation, outcome string, elapsed time.Duration) {
	RemoteOperations.WithLabelValues(backend, operation, outcome).Inc()
	RemoteOperationDuration.WithLabelValues(backend, operation).Observe(elapsed.Seconds())
}

// ObserveCycle records one retention cycle.
func ObserveCycle(outcome string, elapsed time.Duration) {
	CycleDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}
