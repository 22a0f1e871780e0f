// Package executor applies an ordered change-set to a cluster.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/flowsync/pkg/cluster"
	"github.com/cuemby/flowsync/pkg/differ"
	"github.com/cuemby/flowsync/pkg/events"
	"github.com/cuemby/flowsync/pkg/log"
	"github.com/cuemby/flowsync/pkg/metrics"
	"github.com/cuemby/flowsync/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type runIDKey struct{}

// WithRunID makes Apply report under the given run id instead of a fresh one
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunID returns the run id carried by ctx, or ""
func RunID(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

// Executor applies ordered changes one at a time
type Executor struct {
	cluster cluster.Cluster
	broker  *events.Broker
	logger  zerolog.Logger
}

// New creates an executor. broker may be nil.
func New(c cluster.Cluster, broker *events.Broker) *Executor {
	return &Executor{
		cluster: c,
		broker:  broker,
		logger:  log.WithComponent("executor"),
	}
}

// run holds the state of one Apply call
type run struct {
	*Executor
	policy  types.Policy
	outcome *Outcome
	logger  zerolog.Logger

	tokens  map[string]types.RevisionToken // latest token per entity id
	created map[int]types.EntityRef        // entities created by Create change id
	failed  map[int]bool                   // failed or skipped change ids
}

// Apply walks changes in order and issues one mutating call per change,
// always with the latest revision token known for the target. Conflicts are
// retried up to policy.MaxConflictRetries times; other failures halt the run
// or skip the dependents of the failed change, depending on
// policy.OnEntryFailure. Cancellation is honoured between changes only.
func (e *Executor) Apply(ctx context.Context, changes []*differ.Change, policy types.Policy) *Outcome {
	runID := RunID(ctx)
	if runID == "" {
		runID = uuid.New().String()
	}
	r := &run{
		Executor: e,
		policy:   policy,
		outcome:  &Outcome{RunID: runID, Planned: len(changes), Started: time.Now()},
		logger:   log.WithRunID(e.logger, runID),
		tokens:   make(map[string]types.RevisionToken),
		created:  make(map[int]types.EntityRef),
		failed:   make(map[int]bool),
	}
	out := r.outcome

	for i, ch := range changes {
		if err := ctx.Err(); err != nil {
			out.Remaining = len(changes) - i
			out.Err = fmt.Errorf("cancelled after %d of %d changes: %w", i, len(changes), err)
			break
		}

		if dep := r.failedDependency(ch); dep != 0 {
			r.skip(ch, dep)
			continue
		}

		res, err := r.apply(ctx, ch)
		if err == nil {
			r.applied(res)
			continue
		}

		r.fail(ch, err)
		if IsConflictExhausted(err) || !policy.SkipFailures() {
			out.Remaining = len(changes) - i - 1
			out.Err = err
			break
		}
	}

	if out.Err == nil && len(out.Failures) > 0 {
		errs := make([]error, 0, len(out.Failures))
		for _, f := range out.Failures {
			errs = append(errs, f.Err)
		}
		out.Err = errors.Join(errs...)
	}
	out.Finished = time.Now()
	return out
}

func (r *run) failedDependency(ch *differ.Change) int {
	for _, id := range ch.DependsOn {
		if r.failed[id] {
			return id
		}
	}
	return 0
}

// apply issues one change, retrying conflicts and checking timed-out calls
func (r *run) apply(ctx context.Context, ch *differ.Change) (Result, error) {
	target, err := r.target(ch)
	if err != nil {
		return Result{}, &ApplyError{Kind: ErrUnknown, Change: ch, Err: err}
	}

	conflicts := 0
	timedOut := false
	for {
		ref, err := r.issue(ctx, ch, target)
		if err == nil {
			return Result{Change: ch, Ref: ref}, nil
		}

		switch {
		case cluster.IsConflict(err):
			conflicts++
			if conflicts > r.policy.MaxConflictRetries {
				return Result{}, &ConflictExhaustedError{Change: ch, Target: target, Attempts: conflicts, Err: err}
			}
			r.outcome.ConflictRetries++
			metrics.ConflictRetries.Inc()
			r.publish(events.EventChangeConflict, ch, err.Error())
			logger := log.WithEntity(r.logger, target)
			logger.Debug().
				Str("op", string(ch.Op)).
				Int("attempt", conflicts).
				Msg("Revision conflict, re-reading target")

			done, ferr := r.refresh(ctx, ch, target)
			if ferr != nil {
				return Result{}, &ApplyError{Kind: ErrConflict, Change: ch, Err: fmt.Errorf("%w; re-read failed: %w", err, ferr)}
			}
			if done {
				return Result{Change: ch, Ref: target, Recovered: true}, nil
			}

		case cluster.IsTimeout(err) && ctx.Err() == nil:
			logger := log.WithEntity(r.logger, target)
			logger.Warn().
				Str("op", string(ch.Op)).
				Msg("Call timed out, checking whether it took effect")

			ref, done, oerr := r.reobserve(ctx, ch, target)
			if oerr != nil {
				return Result{}, &ApplyError{Kind: ErrUnknown, Change: ch, Err: fmt.Errorf("%w; outcome could not be checked: %w", err, oerr)}
			}
			if done {
				return Result{Change: ch, Ref: ref, Recovered: true}, nil
			}
			if timedOut {
				return Result{}, &ApplyError{Kind: ErrTransport, Change: ch, Err: err}
			}
			timedOut = true

		default:
			return Result{}, &ApplyError{Kind: classify(err), Change: ch, Err: err}
		}
	}
}

// issue performs the single remote call a change stands for
func (r *run) issue(ctx context.Context, ch *differ.Change, target types.EntityRef) (types.EntityRef, error) {
	callCtx, cancel := r.withTimeout(ctx)
	defer cancel()

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ApplyDuration, strings.ToLower(string(ch.Op)))

	switch ch.Op {
	case differ.OpCreate:
		parent, err := r.parent(ch)
		if err != nil {
			return types.EntityRef{}, err
		}
		ref, rev, err := r.cluster.Create(callCtx, parent, r.payload(ch))
		if err != nil {
			return types.EntityRef{}, err
		}
		r.created[ch.ID] = ref
		r.tokens[ref.ID] = rev
		return ref, nil

	case differ.OpUpdate:
		rev, err := r.cluster.Update(callCtx, target, r.token(ch, target), r.payload(ch))
		if err != nil {
			return target, err
		}
		r.tokens[target.ID] = rev
		return target, nil

	case differ.OpDelete:
		if err := r.cluster.Delete(callCtx, target, r.token(ch, target)); err != nil {
			return target, err
		}
		delete(r.tokens, target.ID)
		return target, nil

	case differ.OpStart, differ.OpStop:
		rev, err := r.cluster.SetRunStatus(callCtx, target, r.token(ch, target), ch.Status)
		if err != nil {
			return target, err
		}
		r.tokens[target.ID] = rev
		return target, nil

	default:
		return target, fmt.Errorf("%w: unknown operation %q", cluster.ErrValidation, ch.Op)
	}
}

// refresh re-reads the target after a conflict. It reports true when the
// change is already in effect; otherwise the fresh token is used next.
func (r *run) refresh(ctx context.Context, ch *differ.Change, target types.EntityRef) (bool, error) {
	ent, err := r.fetch(ctx, target)
	if ch.Op == differ.OpDelete && cluster.IsNotFound(err) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	r.tokens[target.ID] = ent.Revision
	return r.satisfied(ch, ent), nil
}

// reobserve decides whether a timed-out call took effect. A create is looked
// up among the children of its parent by kind and name.
func (r *run) reobserve(ctx context.Context, ch *differ.Change, target types.EntityRef) (types.EntityRef, bool, error) {
	if ch.Op != differ.OpCreate {
		done, err := r.refresh(ctx, ch, target)
		return target, done, err
	}

	parent, err := r.parent(ch)
	if err != nil {
		return types.EntityRef{}, false, err
	}
	if ch.Target.Kind == types.KindParameterContext {
		parent = types.EntityRef{Kind: types.KindProcessGroup, ID: types.RootGroupID}
	}

	listCtx, cancel := r.withTimeout(ctx)
	refs, err := r.cluster.ListChildren(listCtx, parent)
	cancel()
	if err != nil {
		return types.EntityRef{}, false, err
	}
	for _, ref := range refs {
		if ref.Kind != ch.Target.Kind {
			continue
		}
		ent, err := r.fetch(ctx, ref)
		if cluster.IsNotFound(err) {
			continue
		}
		if err != nil {
			return types.EntityRef{}, false, err
		}
		if ent.Spec != nil && ent.Spec.EntityName() == ch.Spec.EntityName() {
			r.created[ch.ID] = ent.Ref
			r.tokens[ent.Ref.ID] = ent.Revision
			return ent.Ref, true, nil
		}
	}
	return types.EntityRef{}, false, nil
}

func (r *run) satisfied(ch *differ.Change, ent *cluster.Entity) bool {
	switch ch.Op {
	case differ.OpUpdate:
		return types.SpecEquals(r.payload(ch), ent.Spec)
	case differ.OpStart, differ.OpStop:
		return types.StatusSatisfied(ent.Ref.Kind, ch.Status, ent.RunStatus)
	default:
		return false
	}
}

func (r *run) fetch(ctx context.Context, ref types.EntityRef) (*cluster.Entity, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return r.cluster.Fetch(ctx, ref)
}

// target resolves the entity a change acts on. Entities created earlier in
// the run are known only by the id the cluster assigned.
func (r *run) target(ch *differ.Change) (types.EntityRef, error) {
	if ch.Op == differ.OpCreate || ch.Target.ID != "" {
		return ch.Target, nil
	}
	if ref, ok := r.created[ch.Origin]; ok && ch.Origin != 0 {
		return ref, nil
	}
	return types.EntityRef{}, fmt.Errorf("%s was not created in this run", ch.Target)
}

func (r *run) parent(ch *differ.Change) (types.EntityRef, error) {
	if ch.ParentChange == 0 {
		return ch.Parent, nil
	}
	if ref, ok := r.created[ch.ParentChange]; ok {
		return ref, nil
	}
	return types.EntityRef{}, fmt.Errorf("parent of %s was not created in this run", ch)
}

// payload binds references to entities created earlier in the run
func (r *run) payload(ch *differ.Change) types.Spec {
	if ch.Spec == nil || len(ch.Pending) == 0 {
		return ch.Spec
	}
	return ch.Spec.WithReferences(func(ref types.Reference) types.Reference {
		if ref.ID != "" {
			return ref
		}
		if id, ok := ch.Pending[differ.PendingKey(ref)]; ok {
			if created, ok := r.created[id]; ok {
				ref.ID = created.ID
			}
		}
		return ref
	})
}

func (r *run) token(ch *differ.Change, target types.EntityRef) types.RevisionToken {
	if rev, ok := r.tokens[target.ID]; ok {
		return rev
	}
	return ch.Revision
}

func (r *run) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.policy.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.policy.CallTimeout)
}

func (r *run) applied(res Result) {
	r.outcome.Applied = append(r.outcome.Applied, res)
	metrics.ChangesApplied.WithLabelValues(string(res.Change.Op), string(res.Change.Target.Kind)).Inc()
	r.publish(events.EventChangeApplied, res.Change, res.Ref.String())

	logger := log.WithEntity(r.logger, res.Ref)
	logger.Info().
		Str("op", string(res.Change.Op)).
		Str("name", res.Change.Name).
		Bool("recovered", res.Recovered).
		Msg("Applied change")
}

func (r *run) fail(ch *differ.Change, err error) {
	r.failed[ch.ID] = true
	r.outcome.Failures = append(r.outcome.Failures, Failure{Change: ch, Err: err})
	metrics.ChangeFailures.WithLabelValues(string(ch.Op), string(ch.Target.Kind)).Inc()
	r.publish(events.EventChangeFailed, ch, err.Error())

	r.logger.Error().
		Err(err).
		Str("op", string(ch.Op)).
		Str("kind", string(ch.Target.Kind)).
		Str("name", ch.Name).
		Msg("Change failed")
}

func (r *run) skip(ch *differ.Change, dep int) {
	r.failed[ch.ID] = true
	r.outcome.Skipped = append(r.outcome.Skipped, ch)
	metrics.ChangesSkipped.Inc()
	r.publish(events.EventChangeSkipped, ch, fmt.Sprintf("depends on failed change %d", dep))

	r.logger.Warn().
		Str("op", string(ch.Op)).
		Str("kind", string(ch.Target.Kind)).
		Str("name", ch.Name).
		Int("failed_dependency", dep).
		Msg("Skipping change")
}

func (r *run) publish(t events.EventType, ch *differ.Change, msg string) {
	r.broker.Publish(&events.Event{
		Type:    t,
		RunID:   r.outcome.RunID,
		Message: msg,
		Metadata: map[string]string{
			"op":   string(ch.Op),
			"kind": string(ch.Target.Kind),
			"name": ch.Name,
		},
	})
}
