// Package metrics defines the Prometheus instruments of the device process.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Sync pass metrics
	SyncPasses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldsync_sync_passes_total",
			Help: "Completed sync passes by trigger and overall status",
		},
		[]string{"trigger", "status"},
	)

	SyncPassDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fieldsync_sync_pass_duration_seconds",
			Help:    "Wall time of a sync pass",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)

	SyncPassRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fieldsync_sync_pass_already_running_total",
			Help: "Sync requests refused because a pass was already in progress",
		},
	)

	// Record metrics, labelled by entity type
	RecordsSynced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldsync_records_synced_total",
			Help: "Records acknowledged by the remote",
		},
		[]string{"entity"},
	)

	RecordsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldsync_records_rejected_total",
			Help: "Records rejected by the remote",
		},
		[]string{"entity"},
	)

	RecordsEscalated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldsync_records_escalated_total",
			Help: "Records escalated after exhausting their attempt budget",
		},
		[]string{"entity"},
	)

	RecordsPurged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldsync_records_purged_total",
			Help: "Synced records removed by retention",
		},
		[]string{"entity"},
	)

	HandlerSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldsync_handler_skipped_total",
			Help: "Handler invocations skipped by admission or breaker",
		},
		[]string{"entity", "reason"},
	)

	BatchShrinks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldsync_batch_shrinks_total",
			Help: "Batches split after the remote reported capacity exceeded",
		},
		[]string{"entity"},
	)

	// Circuit breaker metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fieldsync_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"class"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldsync_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"class", "from", "to"},
	)

	// Network metrics
	NetworkQuality = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fieldsync_network_quality",
			Help: "Current network quality (0=none .. 4=excellent)",
		},
	)

	// Location sampler metrics
	LocationSamples = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fieldsync_location_samples_total",
			Help: "Location samples stored",
		},
	)

	LocationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldsync_location_errors_total",
			Help: "Location acquisition failures by kind",
		},
		[]string{"kind"}, // "timeout", "fatal", "store"
	)

	SamplingInterval = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fieldsync_sampling_interval_seconds",
			Help: "Current adaptive location sampling interval",
		},
	)
)
