package orderer

import (
	"errors"
	"testing"

	"github.com/cuemby/flowsync/pkg/differ"
	"github.com/cuemby/flowsync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func names(changes []*differ.Change) []string {
	out := make([]string, 0, len(changes))
	for _, c := range changes {
		out = append(out, c.String())
	}
	return out
}

func position(t *testing.T, order []*differ.Change, label string) int {
	t.Helper()
	for i, c := range order {
		if c.String() == label {
			return i
		}
	}
	t.Fatalf("%s not in %v", label, names(order))
	return -1
}

func change(id int, op differ.Op, kind types.Kind, name string, deps ...int) *differ.Change {
	return &differ.Change{ID: id, Op: op, Target: types.EntityRef{Kind: kind}, Name: name, DependsOn: deps}
}

func root(children ...*types.ObservedNode) *types.ObservedNode {
	return &types.ObservedNode{
		Ref:      types.EntityRef{Kind: types.KindProcessGroup, ID: types.RootGroupID},
		Spec:     types.ProcessGroupSpec{Name: "root"},
		Children: children,
	}
}

func TestOrderScenario(t *testing.T) {
	desired := types.Target("",
		types.NewParameterContext(types.ParameterContextSpec{Name: "prod", Parameters: map[string]string{"env": "prod"}}),
		types.NewProcessGroup(types.ProcessGroupSpec{Name: "etl", ParameterContext: types.RefTo(types.KindParameterContext, "prod")},
			types.NewProcessor(types.ProcessorSpec{
				Name:        "query",
				ServiceRefs: map[string]types.Reference{"pool": types.RefTo(types.KindControllerService, "db")},
			}),
			types.NewControllerService(types.ControllerServiceSpec{Name: "db", Properties: map[string]string{"dbUrl": "jdbc:h2:mem"}}),
		),
	)

	cs, err := differ.Diff(desired, root(), types.DeletionAuthoritative)
	require.NoError(t, err)

	order, err := Order(cs)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"Create ParameterContext/prod",
		"Create ProcessGroup/etl",
		"Create ControllerService/db",
		"Create Processor/query",
		"Start ControllerService/db",
		"Start Processor/query",
	}, names(order))
}

func TestOrderRespectsDependencies(t *testing.T) {
	svc := &types.ObservedNode{
		Ref:       types.EntityRef{Kind: types.KindControllerService, ID: "cs"},
		Spec:      types.ControllerServiceSpec{Name: "db"},
		RunStatus: types.RunStatusRunning,
	}
	a := &types.ObservedNode{
		Ref:       types.EntityRef{Kind: types.KindProcessor, ID: "a"},
		Spec:      types.ProcessorSpec{Name: "a", ServiceRefs: map[string]types.Reference{"pool": {Kind: types.KindControllerService, ID: "cs"}}},
		RunStatus: types.RunStatusRunning,
	}
	b := &types.ObservedNode{
		Ref:       types.EntityRef{Kind: types.KindProcessor, ID: "b"},
		Spec:      types.ProcessorSpec{Name: "b"},
		RunStatus: types.RunStatusStopped,
	}
	conn := &types.ObservedNode{
		Ref: types.EntityRef{Kind: types.KindConnection, ID: "c"},
		Spec: types.ConnectionSpec{
			Name:        "a-to-b",
			Source:      types.Reference{Kind: types.KindProcessor, ID: "a"},
			Destination: types.Reference{Kind: types.KindProcessor, ID: "b"},
		},
	}
	group := &types.ObservedNode{
		Ref:      types.EntityRef{Kind: types.KindProcessGroup, ID: "g"},
		Spec:     types.ProcessGroupSpec{Name: "old"},
		Children: []*types.ObservedNode{svc, a, b, conn},
	}

	cs, err := differ.Diff(types.Target(""), root(group), types.DeletionAuthoritative)
	require.NoError(t, err)
	order, err := Order(cs)
	require.NoError(t, err)
	require.Len(t, order, cs.Len())

	pos := make(map[int]int, len(order))
	for i, c := range order {
		pos[c.ID] = i
	}
	for _, c := range order {
		for _, dep := range c.DependsOn {
			assert.Less(t, pos[dep], pos[c.ID], "%s must follow %s", c, cs.Get(dep))
		}
	}

	assert.Less(t, position(t, order, "Stop Processor/a"), position(t, order, "Stop ControllerService/db"))
	assert.Less(t, position(t, order, "Delete Connection/a-to-b"), position(t, order, "Delete Processor/a"))
	assert.Less(t, position(t, order, "Delete Connection/a-to-b"), position(t, order, "Delete Processor/b"))
	assert.Less(t, position(t, order, "Delete Processor/a"), position(t, order, "Delete ControllerService/db"))
	assert.Equal(t, "Delete ProcessGroup/old", order[len(order)-1].String())
}

func TestOrderKindPrecedence(t *testing.T) {
	tests := []struct {
		name    string
		changes []*differ.Change
		want    []string
	}{
		{
			name: "creates low rank first",
			changes: []*differ.Change{
				change(1, differ.OpCreate, types.KindConnection, "c"),
				change(2, differ.OpCreate, types.KindProcessor, "p"),
				change(3, differ.OpCreate, types.KindParameterContext, "ctx"),
			},
			want: []string{"Create ParameterContext/ctx", "Create Processor/p", "Create Connection/c"},
		},
		{
			name: "deletes high rank first",
			changes: []*differ.Change{
				change(1, differ.OpDelete, types.KindParameterContext, "ctx"),
				change(2, differ.OpDelete, types.KindProcessGroup, "g"),
				change(3, differ.OpDelete, types.KindConnection, "c"),
			},
			want: []string{"Delete Connection/c", "Delete ProcessGroup/g", "Delete ParameterContext/ctx"},
		},
		{
			name: "stops and deletes before creates",
			changes: []*differ.Change{
				change(1, differ.OpCreate, types.KindProcessor, "new"),
				change(2, differ.OpStart, types.KindProcessor, "new", 1),
				change(3, differ.OpDelete, types.KindProcessor, "old", 4),
				change(4, differ.OpStop, types.KindProcessor, "old"),
			},
			want: []string{"Stop Processor/old", "Delete Processor/old", "Create Processor/new", "Start Processor/new"},
		},
		{
			name: "declaration order breaks ties",
			changes: []*differ.Change{
				change(1, differ.OpUpdate, types.KindProcessor, "z"),
				change(2, differ.OpUpdate, types.KindProcessor, "a"),
			},
			want: []string{"Update Processor/z", "Update Processor/a"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			order, err := Order(&differ.ChangeSet{Changes: tt.changes})
			require.NoError(t, err)
			assert.Equal(t, tt.want, names(order))
		})
	}
}

func TestOrderDeterministic(t *testing.T) {
	build := func() *differ.ChangeSet {
		return &differ.ChangeSet{Changes: []*differ.Change{
			change(1, differ.OpStart, types.KindProcessor, "p1"),
			change(2, differ.OpStart, types.KindControllerService, "s1"),
			change(3, differ.OpUpdate, types.KindProcessor, "p2"),
			change(4, differ.OpStop, types.KindProcessor, "p3"),
			change(5, differ.OpStop, types.KindControllerService, "s2", 4),
			change(6, differ.OpStart, types.KindProcessor, "p3", 5),
		}}
	}

	first, err := Order(build())
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := Order(build())
		require.NoError(t, err)
		assert.Equal(t, names(first), names(again))
	}
	assert.Equal(t, []string{
		"Stop Processor/p3",
		"Stop ControllerService/s2",
		"Update Processor/p2",
		"Start ControllerService/s1",
		"Start Processor/p1",
		"Start Processor/p3",
	}, names(first))
}

func TestOrderCycle(t *testing.T) {
	cs := &differ.ChangeSet{Changes: []*differ.Change{
		change(1, differ.OpCreate, types.KindProcessor, "a", 2),
		change(2, differ.OpCreate, types.KindProcessor, "b", 1),
		change(3, differ.OpCreate, types.KindProcessor, "c"),
	}}

	order, err := Order(cs)
	assert.Nil(t, order)
	var cycle *CycleError
	require.True(t, errors.As(err, &cycle))
	assert.Equal(t, []string{"Create Processor/b", "Create Processor/a"}, names(cycle.Cycle))
	assert.Equal(t, "dependency cycle: Create Processor/b -> Create Processor/a -> Create Processor/b", err.Error())
}

func TestOrderCycleFromReferences(t *testing.T) {
	desired := types.Target("",
		types.NewControllerService(types.ControllerServiceSpec{
			Name:        "x",
			ServiceRefs: map[string]types.Reference{"next": types.RefTo(types.KindControllerService, "y")},
		}),
		types.NewControllerService(types.ControllerServiceSpec{
			Name:        "y",
			ServiceRefs: map[string]types.Reference{"next": types.RefTo(types.KindControllerService, "x")},
		}),
	)
	cs, err := differ.Diff(desired, root(), types.DeletionOverlay)
	require.NoError(t, err)

	_, err = Order(cs)
	var cycle *CycleError
	require.True(t, errors.As(err, &cycle), "got %v", err)
	assert.NotEmpty(t, cycle.Cycle)
}

func TestOrderInvalidInput(t *testing.T) {
	order, err := Order(&differ.ChangeSet{})
	assert.NoError(t, err)
	assert.Empty(t, order)

	_, err = Order(&differ.ChangeSet{Changes: []*differ.Change{
		change(1, differ.OpCreate, types.KindProcessor, "a"),
		change(1, differ.OpCreate, types.KindProcessor, "b"),
	}})
	assert.ErrorContains(t, err, "used twice")

	_, err = Order(&differ.ChangeSet{Changes: []*differ.Change{
		change(1, differ.OpCreate, types.KindProcessor, "a", 9),
	}})
	assert.ErrorContains(t, err, "unknown change 9")
}
