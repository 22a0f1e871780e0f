package reconciler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cuemby/flowsync/pkg/executor"
	"github.com/cuemby/flowsync/pkg/metrics"
	"github.com/cuemby/flowsync/pkg/observer"
	"github.com/cuemby/flowsync/pkg/types"
)

// Source produces the declaration to reconcile. It is called before every
// run so edits to manifests are picked up.
type Source func() (*types.DesiredNode, error)

// Loop reconciles on an interval and whenever Trigger is called. Runs never
// overlap; triggers arriving during a run collapse into one follow-up run.
type Loop struct {
	reconciler *Reconciler
	source     Source
	policy     types.Policy
	interval   time.Duration

	triggerCh chan struct{}
	cancel    context.CancelFunc
	doneCh    chan struct{}

	mu   sync.RWMutex
	last *executor.Outcome
}

// NewLoop creates a loop. interval <= 0 disables periodic runs.
func NewLoop(r *Reconciler, source Source, policy types.Policy, interval time.Duration) *Loop {
	return &Loop{
		reconciler: r,
		source:     source,
		policy:     policy,
		interval:   interval,
		triggerCh:  make(chan struct{}, 1),
	}
}

// Start runs the loop in the background until Stop
func (l *Loop) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.doneCh = make(chan struct{})
	go func() {
		defer close(l.doneCh)
		_ = l.Run(ctx)
	}()
}

// Stop cancels the current run between two changes and waits for the loop
// to exit
func (l *Loop) Stop() {
	if l.cancel == nil {
		return
	}
	l.cancel()
	<-l.doneCh
}

// Trigger requests a run as soon as the current one, if any, finishes
func (l *Loop) Trigger() {
	select {
	case l.triggerCh <- struct{}{}:
	default:
	}
}

// Last returns the outcome of the most recent run, or nil
func (l *Loop) Last() *executor.Outcome {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.last
}

// Run reconciles once immediately, then on every tick or trigger, until ctx
// is done
func (l *Loop) Run(ctx context.Context) error {
	logger := l.reconciler.logger

	var tick <-chan time.Time
	if l.interval > 0 {
		ticker := time.NewTicker(l.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	l.once(ctx)
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Reconcile loop stopped")
			return nil
		case <-tick:
			l.once(ctx)
		case <-l.triggerCh:
			l.once(ctx)
		}
	}
}

func (l *Loop) once(ctx context.Context) {
	logger := l.reconciler.logger

	desired, err := l.source()
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load declaration")
		metrics.SetComponent(metrics.ComponentDeclarations, false, err.Error())
		return
	}
	metrics.SetComponent(metrics.ComponentDeclarations, true, "")

	out := l.reconciler.Reconcile(ctx, desired, l.policy)
	l.mu.Lock()
	l.last = out
	l.mu.Unlock()

	var obsErr *observer.Error
	if errors.As(out.Err, &obsErr) && obsErr.Kind == observer.ErrTransport {
		metrics.SetComponent(metrics.ComponentCluster, false, obsErr.Error())
	} else {
		metrics.SetComponent(metrics.ComponentCluster, true, "")
	}

	// a run cut short by shutdown says nothing about the cluster
	if out.Converged() || ctx.Err() == nil {
		metrics.RecordRun(out.RunID, out.Result(), out.Mutations(), out.Finished, out.Err)
	}
}
