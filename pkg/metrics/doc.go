/*
Package metrics provides Prometheus metrics and health endpoints for flowsync.

All metrics are registered with the default Prometheus registry at package
init and exposed through Handler:

	http.Handle("/metrics", metrics.Handler())

# Metric Families

	flowsync_reconcile_duration_seconds   histogram   whole Reconcile calls
	flowsync_reconcile_total{result}      counter     converged, failed, cancelled
	flowsync_reconcile_attempts_total     counter     observe/diff/apply passes
	flowsync_observe_duration_seconds     histogram   one snapshot
	flowsync_observed_entities            gauge       size of the last snapshot
	flowsync_changes_applied_total        counter     by op and kind
	flowsync_change_failures_total        counter     by op and kind
	flowsync_changes_skipped_total        counter     dependents of failed changes
	flowsync_conflict_retries_total       counter     revision conflicts retried
	flowsync_apply_duration_seconds{op}   histogram   single mutating calls
	flowsync_api_requests_total           counter     REST calls by method and status

# Timing

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconcileDuration)

# Health

The reconcile loop reports the "cluster" and "declarations" components with
SetComponent and every finished run with RecordRun. The watch command serves:

	/health   unhealthy while a component fails, degraded after a run that
	          did not converge; includes the last run's id, result and age
	/ready    both components working and the last run converged, within
	          SetStaleAfter when set
	/live     always 200
*/
package metrics
