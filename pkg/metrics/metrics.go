package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Reconcile metrics
	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flowsync_reconcile_duration_seconds",
			Help:    "Duration of reconcile calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconcileTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowsync_reconcile_total",
			Help: "Total number of reconcile calls by result",
		},
		[]string{"result"},
	)

	ReconcileAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flowsync_reconcile_attempts_total",
			Help: "Total number of observe/diff/apply passes, top-level retries included",
		},
	)

	// Observer metrics
	ObserveDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flowsync_observe_duration_seconds",
			Help:    "Time taken to observe a cluster subtree in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ObservedEntities = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowsync_observed_entities",
			Help: "Number of entities in the last observed snapshot",
		},
	)

	// Executor metrics
	ChangesApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowsync_changes_applied_total",
			Help: "Total number of applied changes by operation and kind",
		},
		[]string{"op", "kind"},
	)

	ChangeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowsync_change_failures_total",
			Help: "Total number of failed changes by operation and kind",
		},
		[]string{"op", "kind"},
	)

	ChangesSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flowsync_changes_skipped_total",
			Help: "Total number of changes skipped because a dependency failed",
		},
	)

	ConflictRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flowsync_conflict_retries_total",
			Help: "Total number of revision conflicts retried",
		},
	)

	ApplyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowsync_apply_duration_seconds",
			Help:    "Duration of single mutating calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// Client metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowsync_api_requests_total",
			Help: "Total number of cluster API requests by method and status",
		},
		[]string{"method", "status"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(ReconcileTotal)
	prometheus.MustRegister(ReconcileAttempts)
	prometheus.MustRegister(ObserveDuration)
	prometheus.MustRegister(ObservedEntities)
	prometheus.MustRegister(ChangesApplied)
	prometheus.MustRegister(ChangeFailures)
	prometheus.MustRegister(ChangesSkipped)
	prometheus.MustRegister(ConflictRetries)
	prometheus.MustRegister(ApplyDuration)
	prometheus.MustRegister(APIRequestsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
