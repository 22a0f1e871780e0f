package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/flowsync/pkg/cluster"
	"github.com/cuemby/flowsync/pkg/differ"
	"github.com/cuemby/flowsync/pkg/events"
	"github.com/cuemby/flowsync/pkg/executor"
	"github.com/cuemby/flowsync/pkg/log"
	"github.com/cuemby/flowsync/pkg/metrics"
	"github.com/cuemby/flowsync/pkg/observer"
	"github.com/cuemby/flowsync/pkg/orderer"
	"github.com/cuemby/flowsync/pkg/storage"
	"github.com/cuemby/flowsync/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Reconciler drives a cluster subtree to a declaration: observe, diff, order,
// apply. It holds no state between calls.
type Reconciler struct {
	cluster  cluster.Cluster
	executor *executor.Executor
	broker   *events.Broker
	history  storage.Store
	keep     int
	backoff  Backoff
	logger   zerolog.Logger
}

// Option configures a Reconciler
type Option func(*Reconciler)

// WithBroker publishes run and change events to broker
func WithBroker(broker *events.Broker) Option {
	return func(r *Reconciler) { r.broker = broker }
}

// WithHistory records every Reconcile call in store
func WithHistory(store storage.Store) Option {
	return func(r *Reconciler) { r.history = store }
}

// WithRetention prunes the history to the newest keep runs after each
// record. keep <= 0 keeps everything.
func WithRetention(keep int) Option {
	return func(r *Reconciler) { r.keep = keep }
}

// WithBackoff replaces the delay between top-level retries
func WithBackoff(b Backoff) Option {
	return func(r *Reconciler) { r.backoff = b }
}

// NewReconciler creates a new reconciler
func NewReconciler(c cluster.Cluster, opts ...Option) *Reconciler {
	r := &Reconciler{
		cluster: c,
		backoff: DefaultBackoff,
		logger:  log.WithComponent("reconciler"),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.executor = executor.New(c, r.broker)
	return r
}

// Plan is the ordered change-set for a declaration, computed without
// mutating anything
type Plan struct {
	Root     types.EntityRef
	Snapshot *types.ObservedNode
	Changes  []*differ.Change
}

// Plan observes the target subtree, diffs and orders. Nothing is applied.
func (r *Reconciler) Plan(ctx context.Context, desired *types.DesiredNode, policy types.Policy) (*Plan, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	if desired == nil {
		return nil, fmt.Errorf("declaration is empty")
	}

	snapshot, err := observer.New(r.cluster, policy.CallTimeout).Observe(ctx, desired.Ref)
	if err != nil {
		return nil, err
	}
	cs, err := differ.Diff(desired, snapshot, policy.Deletion)
	if err != nil {
		return nil, err
	}
	changes, err := orderer.Order(cs)
	if err != nil {
		return nil, err
	}
	return &Plan{Root: snapshot.Ref, Snapshot: snapshot, Changes: changes}, nil
}

// Reconcile converges the cluster to desired and reports what it did. It
// never returns an error of its own: failures are carried in Outcome.Err.
// When the executor gives up on a revision conflict the whole
// observe/diff/apply pass is repeated, up to policy.TopLevelRetries times.
func (r *Reconciler) Reconcile(ctx context.Context, desired *types.DesiredNode, policy types.Policy) *executor.Outcome {
	timer := metrics.NewTimer()
	runID := uuid.New().String()
	ctx = executor.WithRunID(ctx, runID)
	logger := log.WithRunID(r.logger, runID)

	out := &executor.Outcome{RunID: runID, Started: time.Now()}
	var root types.EntityRef
	if desired != nil {
		root = desired.Ref
	}
	r.publish(events.EventReconcileStarted, runID, root.String())
	logger.Info().Str("root", root.String()).Str("deletion", string(policy.Deletion)).Msg("Reconcile started")

	for attempt := 1; ; attempt++ {
		out.Attempts = attempt
		metrics.ReconcileAttempts.Inc()

		pass := r.pass(ctx, desired, policy)
		out.Planned = pass.Planned
		out.Applied = append(out.Applied, pass.Applied...)
		out.Skipped = pass.Skipped
		out.Failures = pass.Failures
		out.Remaining = pass.Remaining
		out.ConflictRetries += pass.ConflictRetries
		out.Err = pass.Err

		if !executor.IsConflictExhausted(pass.Err) || attempt > policy.TopLevelRetries {
			break
		}

		delay := r.backoff.Delay(attempt)
		logger.Warn().
			Err(pass.Err).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("Conflicts exhausted, re-observing from scratch")
		r.publish(events.EventReconcileRetry, runID, pass.Err.Error())

		if err := wait(ctx, delay); err != nil {
			out.Err = fmt.Errorf("cancelled before retry: %w", err)
			break
		}
	}

	out.Finished = time.Now()
	timer.ObserveDuration(metrics.ReconcileDuration)
	metrics.ReconcileTotal.WithLabelValues(out.Result()).Inc()
	r.record(root, policy, out, logger)

	if out.Converged() {
		r.publish(events.EventReconcileCompleted, runID, fmt.Sprintf("%d changes applied", len(out.Applied)))
		logger.Info().
			Int("applied", len(out.Applied)).
			Int("attempts", out.Attempts).
			Dur("duration", out.Duration()).
			Msg("Reconcile converged")
	} else {
		r.publish(events.EventReconcileFailed, runID, out.Err.Error())
		logger.Error().
			Err(out.Err).
			Int("applied", len(out.Applied)).
			Int("failed", len(out.Failures)).
			Int("skipped", len(out.Skipped)).
			Msg("Reconcile did not converge")
	}
	return out
}

// pass runs observe/diff/order/apply once
func (r *Reconciler) pass(ctx context.Context, desired *types.DesiredNode, policy types.Policy) *executor.Outcome {
	plan, err := r.Plan(ctx, desired, policy)
	if err != nil {
		return &executor.Outcome{Err: err}
	}
	return r.executor.Apply(ctx, plan.Changes, policy)
}

func (r *Reconciler) record(root types.EntityRef, policy types.Policy, out *executor.Outcome, logger zerolog.Logger) {
	if r.history == nil {
		return
	}
	if err := r.history.RecordRun(storage.NewRun(root, policy, out)); err != nil {
		logger.Warn().Err(err).Msg("Failed to record run history")
		return
	}
	if r.keep <= 0 {
		return
	}
	if n, err := r.history.PruneRuns(r.keep); err != nil {
		logger.Warn().Err(err).Msg("Failed to prune run history")
	} else if n > 0 {
		logger.Debug().Int("pruned", n).Msg("Pruned run history")
	}
}

func (r *Reconciler) publish(t events.EventType, runID, msg string) {
	r.broker.Publish(&events.Event{Type: t, RunID: runID, Message: msg})
}
