package observer

import (
	"context"
	"errors"
	"testing"

	"github.com/cuemby/flowsync/pkg/cluster"
	"github.com/cuemby/flowsync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var canvas = types.EntityRef{Kind: types.KindProcessGroup, ID: types.RootGroupID}

type fixture struct {
	m                  *cluster.Memory
	pc, pg, svc, query types.EntityRef
	shared             types.EntityRef
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{m: cluster.NewMemory()}

	var err error
	f.pc, _, err = f.m.Create(ctx, canvas, types.ParameterContextSpec{Name: "prod", Parameters: map[string]string{"env": "prod"}})
	require.NoError(t, err)
	_, _, err = f.m.Create(ctx, canvas, types.ParameterContextSpec{Name: "staging"})
	require.NoError(t, err)
	f.shared, _, err = f.m.Create(ctx, canvas, types.ControllerServiceSpec{Name: "shared-cache"})
	require.NoError(t, err)
	f.pg, _, err = f.m.Create(ctx, canvas, types.ProcessGroupSpec{
		Name:             "etl",
		ParameterContext: types.Reference{Kind: types.KindParameterContext, ID: f.pc.ID},
	})
	require.NoError(t, err)
	f.svc, _, err = f.m.Create(ctx, f.pg, types.ControllerServiceSpec{
		Name:        "db",
		ServiceRefs: map[string]types.Reference{"cache": {Kind: types.KindControllerService, ID: f.shared.ID}},
	})
	require.NoError(t, err)
	f.query, _, err = f.m.Create(ctx, f.pg, types.ProcessorSpec{
		Name:        "query",
		ServiceRefs: map[string]types.Reference{"pool": {Kind: types.KindControllerService, ID: f.svc.ID}},
	})
	require.NoError(t, err)
	return f
}

func TestObserveCanvas(t *testing.T) {
	f := newFixture(t)

	snapshot, err := New(f.m, 0).Observe(context.Background(), canvas)
	require.NoError(t, err)
	assert.Equal(t, 7, snapshot.Count())

	group := snapshot.Find(f.pg)
	require.NotNil(t, group)
	assert.Equal(t, canvas, group.Parent)
	assert.Len(t, group.Children, 2)
	assert.False(t, group.Referenced)
	assert.Equal(t, "prod", group.Spec.(types.ProcessGroupSpec).ParameterContext.Name)

	query := snapshot.Find(f.query)
	require.NotNil(t, query)
	assert.Equal(t, types.RunStatusStopped, query.RunStatus)
	assert.NotEmpty(t, query.Revision)
	assert.Equal(t, "db", query.Spec.(types.ProcessorSpec).ServiceRefs["pool"].Name)

	snapshot.Walk(func(n *types.ObservedNode) bool {
		assert.False(t, n.Referenced, "%s is inside the canvas", n.Ref)
		return true
	})
}

func TestObserveSubtreeAttachesReferences(t *testing.T) {
	f := newFixture(t)

	snapshot, err := New(f.m, 0).Observe(context.Background(), f.pg)
	require.NoError(t, err)
	assert.Equal(t, f.pg, snapshot.Ref)

	var referenced []string
	for _, child := range snapshot.Children {
		if child.Referenced {
			referenced = append(referenced, child.Name())
		}
	}
	assert.ElementsMatch(t, []string{"prod", "staging", "shared-cache"}, referenced)
	assert.Equal(t, "shared-cache", snapshot.Find(f.svc).Spec.(types.ControllerServiceSpec).ServiceRefs["cache"].Name)
}

func TestObserveErrors(t *testing.T) {
	f := newFixture(t)

	_, err := New(f.m, 0).Observe(context.Background(), types.EntityRef{Kind: types.KindProcessGroup, ID: "nope"})
	var obsErr *Error
	require.True(t, errors.As(err, &obsErr))
	assert.Equal(t, ErrNotFound, obsErr.Kind)
	assert.True(t, cluster.IsNotFound(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = New(f.m, 0).Observe(ctx, canvas)
	require.True(t, errors.As(err, &obsErr))
	assert.Equal(t, ErrTransport, obsErr.Kind)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFetchAndChildren(t *testing.T) {
	f := newFixture(t)
	o := New(f.m, 0)

	node, err := o.Fetch(context.Background(), f.svc)
	require.NoError(t, err)
	assert.Equal(t, f.pg, node.Parent)
	assert.Empty(t, node.Spec.(types.ControllerServiceSpec).ServiceRefs["cache"].Name, "single reads leave names empty")

	children, err := o.Children(context.Background(), f.pg)
	require.NoError(t, err)
	assert.Len(t, children, 2)

	_, err = o.Fetch(context.Background(), types.EntityRef{Kind: types.KindProcessor, ID: f.svc.ID})
	assert.True(t, cluster.IsNotFound(err), "kind mismatch is not found")
}
