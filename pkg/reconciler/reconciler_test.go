package reconciler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cuemby/flowsync/pkg/cluster"
	"github.com/cuemby/flowsync/pkg/differ"
	"github.com/cuemby/flowsync/pkg/events"
	"github.com/cuemby/flowsync/pkg/executor"
	"github.com/cuemby/flowsync/pkg/observer"
	"github.com/cuemby/flowsync/pkg/orderer"
	"github.com/cuemby/flowsync/pkg/storage"
	"github.com/cuemby/flowsync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastBackoff = Backoff{InitialDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond}

func testPolicy(mode types.DeletionMode) types.Policy {
	p := types.DefaultPolicy(mode)
	p.CallTimeout = 5 * time.Second
	return p
}

func scenario() *types.DesiredNode {
	return types.Target("",
		types.NewParameterContext(types.ParameterContextSpec{
			Name:       "prod",
			Parameters: map[string]string{"env": "prod"},
		}),
		types.NewProcessGroup(types.ProcessGroupSpec{Name: "ingest", ParameterContext: types.RefTo(types.KindParameterContext, "prod")},
			types.NewControllerService(types.ControllerServiceSpec{
				Name:       "db",
				Type:       "DBCPConnectionPool",
				Properties: map[string]string{"dbUrl": "jdbc:postgresql://db:5432/prod"},
			}),
			types.NewProcessor(types.ProcessorSpec{
				Name: "query",
				Type: "ExecuteSQL",
				ServiceRefs: map[string]types.Reference{
					"Database Connection Pooling Service": types.RefTo(types.KindControllerService, "db"),
				},
			}),
		),
	)
}

func pipeline(withConnection bool) *types.DesiredNode {
	children := []*types.DesiredNode{
		types.NewProcessor(types.ProcessorSpec{Name: "fetch", Type: "GetFile"}),
		types.NewProcessor(types.ProcessorSpec{Name: "store", Type: "PutFile"}),
	}
	if withConnection {
		children = append(children, types.NewConnection(types.ConnectionSpec{
			Name:          "fetch-to-store",
			Source:        types.RefTo(types.KindProcessor, "fetch"),
			Destination:   types.RefTo(types.KindProcessor, "store"),
			Relationships: []string{"success"},
		}))
	}
	return types.Target("", children...)
}

func mutatingCalls(m *cluster.Memory, op cluster.Op) int {
	n := 0
	for _, c := range m.Calls() {
		if c.Op == op {
			n++
		}
	}
	return n
}

func TestReconcileConvergesAndIsIdempotent(t *testing.T) {
	m := cluster.NewMemory()
	r := NewReconciler(m)
	policy := testPolicy(types.DeletionAuthoritative)

	out := r.Reconcile(context.Background(), scenario(), policy)
	require.NoError(t, out.Err)
	assert.True(t, out.Converged())
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, 4, out.Count(differ.OpCreate))
	assert.Equal(t, 2, out.Count(differ.OpStart))

	snapshot, err := observer.New(m, 0).Observe(context.Background(), types.EntityRef{Kind: types.KindProcessGroup, ID: types.RootGroupID})
	require.NoError(t, err)
	byName := make(map[string]*types.ObservedNode)
	snapshot.Walk(func(n *types.ObservedNode) bool {
		byName[n.Name()] = n
		return true
	})
	require.NoError(t, scenario().Walk(func(n, _ *types.DesiredNode) error {
		if n.Spec == nil {
			return nil
		}
		got, ok := byName[n.Name()]
		if !ok {
			return fmt.Errorf("%s was not created", n.Name())
		}
		if !types.StatusSatisfied(n.Ref.Kind, types.DesiredRunStatus(n), got.RunStatus) {
			return fmt.Errorf("%s is %s", n.Name(), got.RunStatus)
		}
		return nil
	}))
	assert.Equal(t, "prod", byName["ingest"].Spec.(types.ProcessGroupSpec).ParameterContext.Name)

	plan, err := r.Plan(context.Background(), scenario(), policy)
	require.NoError(t, err)
	assert.Empty(t, plan.Changes)

	m.ResetCalls()
	again := r.Reconcile(context.Background(), scenario(), policy)
	require.NoError(t, again.Err)
	assert.Empty(t, again.Applied)
	assert.Empty(t, m.Calls())
}

func TestReconcileDeletesUndeclaredConnection(t *testing.T) {
	m := cluster.NewMemory()
	r := NewReconciler(m)

	out := r.Reconcile(context.Background(), pipeline(true), testPolicy(types.DeletionAuthoritative))
	require.NoError(t, out.Err)
	require.Equal(t, 4, m.Len())

	m.ResetCalls()
	out = r.Reconcile(context.Background(), pipeline(false), testPolicy(types.DeletionOverlay))
	require.NoError(t, out.Err)
	assert.Empty(t, m.Calls(), "overlay leaves undeclared entities alone")

	out = r.Reconcile(context.Background(), pipeline(false), testPolicy(types.DeletionAuthoritative))
	require.NoError(t, out.Err)
	calls := m.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, cluster.OpDelete, calls[0].Op)
	assert.Equal(t, types.KindConnection, calls[0].Ref.Kind)
	assert.Equal(t, 3, m.Len())
}

func TestReconcileTearsDownInOrder(t *testing.T) {
	m := cluster.NewMemory()
	r := NewReconciler(m)
	policy := testPolicy(types.DeletionAuthoritative)

	require.NoError(t, r.Reconcile(context.Background(), scenario(), policy).Err)
	require.NoError(t, r.Reconcile(context.Background(), pipeline(true), policy).Err)

	// the old group, its service and processor and the parameter context are
	// gone; the memory cluster rejects any out-of-order stop or delete
	assert.Equal(t, 4, m.Len())
	plan, err := r.Plan(context.Background(), pipeline(true), policy)
	require.NoError(t, err)
	assert.Empty(t, plan.Changes)
}

func observedByName(t *testing.T, m *cluster.Memory) map[string]*types.ObservedNode {
	t.Helper()
	snapshot, err := observer.New(m, 0).Observe(context.Background(), types.EntityRef{Kind: types.KindProcessGroup, ID: types.RootGroupID})
	require.NoError(t, err)
	byName := make(map[string]*types.ObservedNode)
	snapshot.Walk(func(n *types.ObservedNode) bool {
		byName[n.Name()] = n
		return true
	})
	return byName
}

// withoutService is scenario() after "db" was dropped from the declaration
// and "query" no longer names its pool.
func withoutService() *types.DesiredNode {
	return types.Target("",
		types.NewParameterContext(types.ParameterContextSpec{
			Name:       "prod",
			Parameters: map[string]string{"env": "prod"},
		}),
		types.NewProcessGroup(types.ProcessGroupSpec{Name: "ingest", ParameterContext: types.RefTo(types.KindParameterContext, "prod")},
			types.NewProcessor(types.ProcessorSpec{Name: "query", Type: "ExecuteSQL"}),
		),
	)
}

func TestReconcileDropsBindingsToDeletedEntities(t *testing.T) {
	withoutContext := func() *types.DesiredNode {
		desired := scenario()
		desired.Children = desired.Children[1:]
		desired.Children[0].Spec = types.ProcessGroupSpec{Name: "ingest"}
		return desired
	}

	tests := []struct {
		name    string
		desired func() *types.DesiredNode
		gone    string
		check   func(t *testing.T, byName map[string]*types.ObservedNode)
	}{
		{
			name:    "service",
			desired: withoutService,
			gone:    "db",
			check: func(t *testing.T, byName map[string]*types.ObservedNode) {
				spec := byName["query"].Spec.(types.ProcessorSpec)
				assert.Empty(t, spec.ServiceRefs)
			},
		},
		{
			name:    "parameter context",
			desired: withoutContext,
			gone:    "prod",
			check: func(t *testing.T, byName map[string]*types.ObservedNode) {
				assert.True(t, byName["ingest"].Spec.(types.ProcessGroupSpec).ParameterContext.IsZero())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := cluster.NewMemory()
			r := NewReconciler(m)
			policy := testPolicy(types.DeletionAuthoritative)
			require.NoError(t, r.Reconcile(context.Background(), scenario(), policy).Err)

			out := r.Reconcile(context.Background(), tt.desired(), policy)
			require.NoError(t, out.Err)
			assert.True(t, out.Converged())
			assert.Equal(t, 1, out.Attempts)
			assert.Equal(t, 1, out.Count(differ.OpDelete))

			byName := observedByName(t, m)
			assert.NotContains(t, byName, tt.gone)
			assert.Equal(t, types.RunStatusRunning, byName["query"].RunStatus)
			tt.check(t, byName)

			m.ResetCalls()
			again := r.Reconcile(context.Background(), tt.desired(), policy)
			require.NoError(t, again.Err)
			assert.Empty(t, m.Calls())
		})
	}
}

func TestReconcileRefusedDeleteKeepsReferrerRunning(t *testing.T) {
	m := cluster.NewMemory()
	r := NewReconciler(m)
	policy := testPolicy(types.DeletionAuthoritative)
	require.Equal(t, types.FailureHalt, policy.OnEntryFailure)
	require.NoError(t, r.Reconcile(context.Background(), scenario(), policy).Err)

	m.SetHooks(func(op cluster.Op, ref types.EntityRef) error {
		if op == cluster.OpDelete {
			return fmt.Errorf("%w: connection reset", cluster.ErrTransport)
		}
		return nil
	}, nil)
	out := r.Reconcile(context.Background(), withoutService(), policy)
	require.Error(t, out.Err)
	require.Len(t, out.Failures, 1)
	assert.Equal(t, differ.OpDelete, out.Failures[0].Change.Op)

	byName := observedByName(t, m)
	require.Contains(t, byName, "db")
	assert.Equal(t, types.RunStatusRunning, byName["query"].RunStatus, "halting on the delete leaves query restarted")
	assert.Empty(t, byName["query"].Spec.(types.ProcessorSpec).ServiceRefs)

	m.SetHooks(nil, nil)
	out = r.Reconcile(context.Background(), withoutService(), policy)
	require.NoError(t, out.Err)
	assert.True(t, out.Converged())
	assert.NotContains(t, observedByName(t, m), "db")
}

func TestReconcileUpdatesRunningComponents(t *testing.T) {
	m := cluster.NewMemory()
	r := NewReconciler(m)
	policy := testPolicy(types.DeletionAuthoritative)
	require.NoError(t, r.Reconcile(context.Background(), scenario(), policy).Err)

	changed := types.Target("",
		types.NewParameterContext(types.ParameterContextSpec{
			Name:       "prod",
			Parameters: map[string]string{"env": "prod"},
		}),
		types.NewProcessGroup(types.ProcessGroupSpec{Name: "ingest", ParameterContext: types.RefTo(types.KindParameterContext, "prod")},
			types.NewControllerService(types.ControllerServiceSpec{
				Name:       "db",
				Type:       "DBCPConnectionPool",
				Properties: map[string]string{"dbUrl": "jdbc:postgresql://replica:5432/prod"},
			}),
			types.NewProcessor(types.ProcessorSpec{
				Name: "query",
				Type: "ExecuteSQL",
				ServiceRefs: map[string]types.Reference{
					"Database Connection Pooling Service": types.RefTo(types.KindControllerService, "db"),
				},
			}),
		),
	)

	m.ResetCalls()
	out := r.Reconcile(context.Background(), changed, policy)
	require.NoError(t, out.Err)
	assert.Equal(t, 1, out.Count(differ.OpUpdate))
	assert.Equal(t, 2, out.Count(differ.OpStop))
	assert.Equal(t, 2, out.Count(differ.OpStart))
	assert.Equal(t, 1, mutatingCalls(m, cluster.OpUpdate))

	plan, err := r.Plan(context.Background(), changed, policy)
	require.NoError(t, err)
	assert.Empty(t, plan.Changes)
}

func TestReconcileTopLevelRetries(t *testing.T) {
	m := cluster.NewMemory()
	r := NewReconciler(m, WithBackoff(fastBackoff))
	policy := testPolicy(types.DeletionAuthoritative)
	policy.MaxConflictRetries = 1
	policy.TopLevelRetries = 2

	require.NoError(t, r.Reconcile(context.Background(), scenario(), policy).Err)

	changed := scenario()
	changed.Children[1].Children[0] = types.NewControllerService(types.ControllerServiceSpec{
		Name:       "db",
		Type:       "DBCPConnectionPool",
		Properties: map[string]string{"dbUrl": "jdbc:postgresql://other:5432/prod"},
	})
	m.SetHooks(func(op cluster.Op, ref types.EntityRef) error {
		if op == cluster.OpUpdate {
			return fmt.Errorf("%w: edited concurrently", cluster.ErrConflict)
		}
		return nil
	}, nil)
	m.ResetCalls()

	out := r.Reconcile(context.Background(), changed, policy)
	assert.True(t, executor.IsConflictExhausted(out.Err), "got %v", out.Err)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, (1+1)*(2+1), mutatingCalls(m, cluster.OpUpdate))
	assert.Equal(t, 3, out.ConflictRetries)
	assert.False(t, out.Converged())
}

func TestReconcileRetrySucceeds(t *testing.T) {
	m := cluster.NewMemory()
	r := NewReconciler(m, WithBackoff(fastBackoff))
	policy := testPolicy(types.DeletionAuthoritative)
	policy.MaxConflictRetries = 0

	require.NoError(t, r.Reconcile(context.Background(), pipeline(false), policy).Err)

	conflicts := 0
	m.SetHooks(func(op cluster.Op, ref types.EntityRef) error {
		if op == cluster.OpRunStatus && conflicts == 0 {
			conflicts++
			return fmt.Errorf("%w: edited concurrently", cluster.ErrConflict)
		}
		return nil
	}, nil)

	desired := types.Target("",
		types.NewProcessor(types.ProcessorSpec{Name: "fetch", Type: "GetFile"}).WithRunStatus(types.RunStatusStopped),
		types.NewProcessor(types.ProcessorSpec{Name: "store", Type: "PutFile"}),
	)
	out := r.Reconcile(context.Background(), desired, policy)
	require.NoError(t, out.Err)
	assert.Equal(t, 2, out.Attempts)
	assert.True(t, out.Converged())
}

func TestReconcileCycleMakesNoCalls(t *testing.T) {
	m := cluster.NewMemory()
	r := NewReconciler(m)

	desired := types.Target("",
		types.NewControllerService(types.ControllerServiceSpec{
			Name:        "a",
			ServiceRefs: map[string]types.Reference{"fallback": types.RefTo(types.KindControllerService, "b")},
		}),
		types.NewControllerService(types.ControllerServiceSpec{
			Name:        "b",
			ServiceRefs: map[string]types.Reference{"fallback": types.RefTo(types.KindControllerService, "a")},
		}),
	)

	out := r.Reconcile(context.Background(), desired, testPolicy(types.DeletionAuthoritative))
	var cycle *orderer.CycleError
	require.True(t, errors.As(out.Err, &cycle), "got %v", out.Err)
	assert.Empty(t, m.Calls())
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, "failed", out.Result())
}

func TestReconcileRejectsBadInput(t *testing.T) {
	tests := []struct {
		name    string
		desired *types.DesiredNode
		policy  types.Policy
		check   func(t *testing.T, err error)
	}{
		{
			name:    "missing deletion mode",
			desired: scenario(),
			policy:  types.Policy{},
			check: func(t *testing.T, err error) {
				assert.ErrorContains(t, err, "deletion mode is required")
			},
		},
		{
			name:    "unknown target group",
			desired: types.Target("missing"),
			policy:  testPolicy(types.DeletionOverlay),
			check: func(t *testing.T, err error) {
				var obsErr *observer.Error
				require.True(t, errors.As(err, &obsErr))
				assert.Equal(t, observer.ErrNotFound, obsErr.Kind)
			},
		},
		{
			name: "ambiguous declaration",
			desired: types.Target("",
				types.NewProcessor(types.ProcessorSpec{Name: "twin"}),
				types.NewProcessor(types.ProcessorSpec{Name: "twin"}),
			),
			policy: testPolicy(types.DeletionOverlay),
			check: func(t *testing.T, err error) {
				var diffErr *differ.Error
				require.True(t, errors.As(err, &diffErr))
				assert.Equal(t, differ.ErrAmbiguousMatch, diffErr.Kind)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := cluster.NewMemory()
			out := NewReconciler(m).Reconcile(context.Background(), tt.desired, tt.policy)
			require.Error(t, out.Err)
			tt.check(t, out.Err)
			assert.Empty(t, m.Calls())
		})
	}
}

func TestReconcileCancelled(t *testing.T) {
	m := cluster.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := NewReconciler(m).Reconcile(ctx, scenario(), testPolicy(types.DeletionAuthoritative))
	assert.ErrorIs(t, out.Err, context.Canceled)
	assert.Equal(t, "cancelled", out.Result())
	assert.Empty(t, m.Calls())
}

func TestReconcileRecordsHistoryAndEvents(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()

	m := cluster.NewMemory()
	r := NewReconciler(m, WithHistory(store), WithBroker(broker))
	out := r.Reconcile(context.Background(), scenario(), testPolicy(types.DeletionAuthoritative))
	require.NoError(t, out.Err)

	runs, err := store.ListRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, out.RunID, runs[0].ID)
	assert.Equal(t, "converged", runs[0].Result)
	assert.Equal(t, 6, runs[0].Count("applied"))

	var seen []events.EventType
	timeout := time.After(2 * time.Second)
	for len(seen) == 0 || seen[len(seen)-1] != events.EventReconcileCompleted {
		select {
		case ev := <-sub:
			assert.Equal(t, out.RunID, ev.RunID)
			seen = append(seen, ev.Type)
		case <-timeout:
			t.Fatalf("no completion event, saw %v", seen)
		}
	}
	assert.Equal(t, events.EventReconcileStarted, seen[0])
	assert.Len(t, seen, 8)
}

func TestReconcilePrunesHistory(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	r := NewReconciler(cluster.NewMemory(), WithHistory(store), WithRetention(2))
	var last string
	for range 4 {
		out := r.Reconcile(context.Background(), scenario(), testPolicy(types.DeletionAuthoritative))
		require.NoError(t, out.Err)
		last = out.RunID
	}

	runs, err := store.ListRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, last, runs[0].ID)
}

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 500 * time.Millisecond},
		{2, time.Second},
		{3, 2 * time.Second},
		{5, 8 * time.Second},
		{6, 10 * time.Second},
		{20, 10 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DefaultBackoff.Delay(tt.attempt), "attempt %d", tt.attempt)
	}

	assert.Zero(t, Backoff{}.Delay(3))
	assert.Equal(t, time.Second, Backoff{InitialDelay: time.Second, Multiplier: 0.5}.Delay(4))
}
