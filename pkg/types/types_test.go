package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindRank(t *testing.T) {
	assert.Less(t, KindParameterContext.Rank(), KindProcessGroup.Rank())
	assert.Less(t, KindProcessGroup.Rank(), KindControllerService.Rank())
	assert.Less(t, KindControllerService.Rank(), KindProcessor.Rank())
	assert.Less(t, KindProcessor.Rank(), KindConnection.Rank())
	assert.False(t, Kind("Funnel").Valid())

	_, err := ParseKind("Funnel")
	assert.Error(t, err)
}

func TestReferenceEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b Reference
		want bool
	}{
		{"same id", Reference{Kind: KindProcessor, ID: "1"}, Reference{Kind: KindProcessor, ID: "1", Name: "x"}, true},
		{"different id", Reference{Kind: KindProcessor, ID: "1"}, Reference{Kind: KindProcessor, ID: "2"}, false},
		{"name only", RefTo(KindProcessor, "x"), Reference{Kind: KindProcessor, ID: "1", Name: "x"}, true},
		{"name mismatch", RefTo(KindProcessor, "x"), Reference{Kind: KindProcessor, ID: "1", Name: "y"}, false},
		{"kind mismatch", RefTo(KindProcessor, "x"), RefTo(KindControllerService, "x"), false},
		{"unset against bound", Unset(KindControllerService), Reference{Kind: KindControllerService, ID: "1"}, false},
		{"both unset", Unset(KindControllerService), Unset(KindControllerService), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Equal(tt.b))
			assert.Equal(t, tt.want, tt.b.Equal(tt.a))
		})
	}
}

func TestSpecEquals(t *testing.T) {
	observed := ProcessorSpec{
		Name:             "query",
		Type:             "ExecuteSQL",
		Properties:       map[string]string{"SQL select query": "select 1", "Max Wait Time": "0 seconds"},
		ServiceRefs:      map[string]Reference{"Database Connection Pooling Service": {Kind: KindControllerService, ID: "cs-1", Name: "db"}},
		SchedulingPeriod: "0 sec",
		Concurrency:      1,
		AutoTerminate:    []string{"success", "failure"},
	}

	tests := []struct {
		name    string
		desired Spec
		want    bool
	}{
		{
			name:    "declared subset matches",
			desired: ProcessorSpec{Name: "query", Type: "ExecuteSQL", Properties: map[string]string{"SQL select query": "select 1"}},
			want:    true,
		},
		{
			name:    "property value differs",
			desired: ProcessorSpec{Name: "query", Type: "ExecuteSQL", Properties: map[string]string{"SQL select query": "select 2"}},
			want:    false,
		},
		{
			name:    "property missing on cluster",
			desired: ProcessorSpec{Name: "query", Type: "ExecuteSQL", Properties: map[string]string{"Fetch Size": "10"}},
			want:    false,
		},
		{
			name: "service reference by name",
			desired: ProcessorSpec{Name: "query", Type: "ExecuteSQL", ServiceRefs: map[string]Reference{
				"Database Connection Pooling Service": RefTo(KindControllerService, "db"),
			}},
			want: true,
		},
		{
			name:    "auto terminate order ignored",
			desired: ProcessorSpec{Name: "query", Type: "ExecuteSQL", AutoTerminate: []string{"failure", "success"}},
			want:    true,
		},
		{
			name:    "concurrency differs",
			desired: ProcessorSpec{Name: "query", Type: "ExecuteSQL", Concurrency: 4},
			want:    false,
		},
		{
			name:    "kind mismatch",
			desired: ProcessGroupSpec{Name: "query"},
			want:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SpecEquals(tt.desired, observed))
			if tt.want {
				assert.Empty(t, SpecDiff(tt.desired, observed))
			} else {
				assert.NotEmpty(t, SpecDiff(tt.desired, observed))
			}
		})
	}
}

func TestSpecEqualsSensitiveParameters(t *testing.T) {
	desired := ParameterContextSpec{
		Name:       "prod",
		Parameters: map[string]string{"env": "prod", "password": "hunter2"},
		Sensitive:  []string{"password"},
	}
	observed := ParameterContextSpec{
		Name:       "prod",
		Parameters: map[string]string{"env": "prod", "password": "********", "other": "x"},
	}
	assert.True(t, SpecEquals(desired, observed))

	delete(observed.Parameters, "password")
	assert.False(t, SpecEquals(desired, observed))
}

func TestDesiredRunStatus(t *testing.T) {
	assert.Equal(t, RunStatusRunning, DesiredRunStatus(NewProcessor(ProcessorSpec{Name: "p"})))
	assert.Equal(t, RunStatusStopped, DesiredRunStatus(NewProcessor(ProcessorSpec{Name: "p"}).WithRunStatus(RunStatusStopped)))
	assert.Equal(t, RunStatusRunning, DesiredRunStatus(NewControllerService(ControllerServiceSpec{Name: "s"})))
	assert.Equal(t, RunStatusNone, DesiredRunStatus(NewProcessGroup(ProcessGroupSpec{Name: "g"})))
	assert.Equal(t, RunStatusNone, DesiredRunStatus(NewConnection(ConnectionSpec{Name: "c"})))
}

func TestWithReferencesCopies(t *testing.T) {
	spec := ProcessorSpec{
		Name:        "p",
		Properties:  map[string]string{"a": "1"},
		ServiceRefs: map[string]Reference{"svc": RefTo(KindControllerService, "db")},
	}
	resolved := spec.WithReferences(func(r Reference) Reference {
		r.ID = "cs-1"
		return r
	}).(ProcessorSpec)

	assert.Equal(t, "cs-1", resolved.ServiceRefs["svc"].ID)
	assert.Empty(t, spec.ServiceRefs["svc"].ID)

	resolved.Properties["a"] = "2"
	assert.Equal(t, "1", spec.Properties["a"])
}

func TestPolicyValidate(t *testing.T) {
	require.NoError(t, DefaultPolicy(DeletionAuthoritative).Validate())
	require.NoError(t, DefaultPolicy(DeletionOverlay).Validate())

	var zero Policy
	assert.Error(t, zero.Validate(), "deletion mode must be chosen explicitly")

	p := DefaultPolicy(DeletionOverlay)
	p.MaxConflictRetries = -1
	assert.Error(t, p.Validate())

	assert.True(t, DefaultPolicy(DeletionAuthoritative).Authoritative())
	assert.False(t, DefaultPolicy(DeletionOverlay).Authoritative())
}

func TestDesiredNodeWalk(t *testing.T) {
	root := Target("",
		NewProcessGroup(ProcessGroupSpec{Name: "g"},
			NewProcessor(ProcessorSpec{Name: "p"}),
		),
		NewParameterContext(ParameterContextSpec{Name: "ctx"}),
	)
	assert.Equal(t, RootGroupID, root.Ref.ID)

	var names []string
	require.NoError(t, root.Walk(func(n, parent *DesiredNode) error {
		names = append(names, n.Name())
		return nil
	}))
	assert.Equal(t, []string{"", "g", "p", "ctx"}, names)
}

func TestDetach(t *testing.T) {
	db := Reference{Kind: KindControllerService, ID: "cs-1", Name: "db"}
	cache := Reference{Kind: KindControllerService, ID: "cs-2", Name: "cache"}
	prod := Reference{Kind: KindParameterContext, ID: "pc-1", Name: "prod"}
	gone := func(r Reference) bool { return r.ID == "cs-1" || r.ID == "pc-1" }

	observedProc := ProcessorSpec{Name: "query", ServiceRefs: map[string]Reference{"pool": db, "cache": cache}}

	tests := []struct {
		name       string
		desired    Spec
		observed   Spec
		wantFields []string
		wantRefs   map[string]Reference
	}{
		{
			name:       "omitted service property is unset",
			desired:    ProcessorSpec{Name: "query"},
			observed:   observedProc,
			wantFields: []string{"pool"},
			wantRefs:   map[string]Reference{"pool": Unset(KindControllerService)},
		},
		{
			name:     "declared reference is kept",
			desired:  ProcessorSpec{Name: "query", ServiceRefs: map[string]Reference{"pool": RefTo(KindControllerService, "db2")}},
			observed: observedProc,
			wantRefs: map[string]Reference{"pool": RefTo(KindControllerService, "db2")},
		},
		{
			name:     "raw property value is kept",
			desired:  ProcessorSpec{Name: "query", Properties: map[string]string{"pool": "cs-9"}},
			observed: observedProc,
		},
		{
			name:       "controller service",
			desired:    ControllerServiceSpec{Name: "reader"},
			observed:   ControllerServiceSpec{Name: "reader", ServiceRefs: map[string]Reference{"schema": db}},
			wantFields: []string{"schema"},
			wantRefs:   map[string]Reference{"schema": Unset(KindControllerService)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, fields := Detach(tt.desired, tt.observed, gone)
			assert.Equal(t, tt.wantFields, fields)
			switch s := spec.(type) {
			case ProcessorSpec:
				assert.Equal(t, tt.wantRefs, s.ServiceRefs)
			case ControllerServiceSpec:
				assert.Equal(t, tt.wantRefs, s.ServiceRefs)
			}
			assert.False(t, SpecEquals(spec, tt.observed) && len(fields) > 0, "an unset binding must trigger an update")
		})
	}

	t.Run("group parameter context", func(t *testing.T) {
		observed := ProcessGroupSpec{Name: "etl", ParameterContext: prod}
		spec, fields := Detach(ProcessGroupSpec{Name: "etl"}, observed, gone)
		assert.Equal(t, []string{"parameterContext"}, fields)
		assert.True(t, spec.(ProcessGroupSpec).ParameterContext.IsUnset())
		assert.Empty(t, spec.References())
		assert.False(t, SpecEquals(spec, observed))
		assert.True(t, SpecEquals(spec, ProcessGroupSpec{Name: "etl"}), "already unbound")

		other := ProcessGroupSpec{Name: "etl", ParameterContext: RefTo(KindParameterContext, "dev")}
		spec, fields = Detach(other, observed, gone)
		assert.Empty(t, fields)
		assert.Equal(t, other, spec)
	})

	t.Run("desired is not modified", func(t *testing.T) {
		desired := ProcessorSpec{Name: "query", ServiceRefs: map[string]Reference{}}
		Detach(desired, observedProc, gone)
		assert.Empty(t, desired.ServiceRefs)
	})
}

func TestWithoutUnset(t *testing.T) {
	spec := ProcessorSpec{Name: "query", ServiceRefs: map[string]Reference{
		"pool":  Unset(KindControllerService),
		"cache": {Kind: KindControllerService, ID: "cs-2"},
	}}
	stored := WithoutUnset(spec).(ProcessorSpec)
	assert.Equal(t, map[string]Reference{"cache": {Kind: KindControllerService, ID: "cs-2"}}, stored.ServiceRefs)
	assert.Len(t, spec.ServiceRefs, 2, "input is left alone")

	group := WithoutUnset(ProcessGroupSpec{Name: "etl", ParameterContext: Unset(KindParameterContext)}).(ProcessGroupSpec)
	assert.True(t, group.ParameterContext.IsZero())

	assert.Equal(t, []Reference{{Kind: KindControllerService, ID: "cs-2"}}, spec.References(), "unset bindings point nowhere")
}
