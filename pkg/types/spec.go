package types

import (
	"maps"
	"slices"
)

// Spec is the kind-specific, caller-controlled configuration of an entity.
// Implementations are value types; WithReferences returns a copy.
type Spec interface {
	Kind() Kind
	EntityName() string
	// References lists the entities this configuration points at
	References() []Reference
	// WithReferences returns a copy with every reference replaced by fn(ref)
	WithReferences(fn func(Reference) Reference) Spec
}

// ParameterContextSpec is a named set of parameters inherited by process groups
type ParameterContextSpec struct {
	Name        string
	Description string
	Parameters  map[string]string
	Sensitive   []string // parameter names whose values the cluster masks
}

func (s ParameterContextSpec) Kind() Kind              { return KindParameterContext }
func (s ParameterContextSpec) EntityName() string      { return s.Name }
func (s ParameterContextSpec) References() []Reference { return nil }

// IsSensitive reports whether the named parameter is declared sensitive
func (s ParameterContextSpec) IsSensitive(name string) bool {
	return slices.Contains(s.Sensitive, name)
}

func (s ParameterContextSpec) WithReferences(func(Reference) Reference) Spec {
	s.Parameters = maps.Clone(s.Parameters)
	s.Sensitive = slices.Clone(s.Sensitive)
	return s
}

// ProcessGroupSpec configures a process group
type ProcessGroupSpec struct {
	Name             string
	Comments         string
	ParameterContext Reference // zero when no context is bound
}

func (s ProcessGroupSpec) Kind() Kind         { return KindProcessGroup }
func (s ProcessGroupSpec) EntityName() string { return s.Name }

func (s ProcessGroupSpec) References() []Reference {
	if s.ParameterContext.IsZero() || s.ParameterContext.IsUnset() {
		return nil
	}
	return []Reference{s.ParameterContext}
}

func (s ProcessGroupSpec) WithReferences(fn func(Reference) Reference) Spec {
	if !s.ParameterContext.IsZero() && !s.ParameterContext.IsUnset() {
		s.ParameterContext = fn(s.ParameterContext)
	}
	return s
}

// ControllerServiceSpec configures a shared controller service
type ControllerServiceSpec struct {
	Name       string
	Type       string
	Comments   string
	Properties map[string]string
	// ServiceRefs holds properties whose value identifies another controller service
	ServiceRefs map[string]Reference
}

func (s ControllerServiceSpec) Kind() Kind              { return KindControllerService }
func (s ControllerServiceSpec) EntityName() string      { return s.Name }
func (s ControllerServiceSpec) References() []Reference { return sortedRefs(s.ServiceRefs) }

func (s ControllerServiceSpec) WithReferences(fn func(Reference) Reference) Spec {
	s.Properties = maps.Clone(s.Properties)
	s.ServiceRefs = mapRefs(s.ServiceRefs, fn)
	return s
}

// ProcessorSpec configures a processor
type ProcessorSpec struct {
	Name             string
	Type             string
	Comments         string
	Properties       map[string]string
	ServiceRefs      map[string]Reference
	SchedulingPeriod string // e.g. "1 min"; empty leaves the cluster default
	Concurrency      int    // concurrent tasks; 0 leaves the cluster default
	AutoTerminate    []string
}

func (s ProcessorSpec) Kind() Kind              { return KindProcessor }
func (s ProcessorSpec) EntityName() string      { return s.Name }
func (s ProcessorSpec) References() []Reference { return sortedRefs(s.ServiceRefs) }

func (s ProcessorSpec) WithReferences(fn func(Reference) Reference) Spec {
	s.Properties = maps.Clone(s.Properties)
	s.ServiceRefs = mapRefs(s.ServiceRefs, fn)
	s.AutoTerminate = slices.Clone(s.AutoTerminate)
	return s
}

// ConnectionSpec configures a connection between two processors of the same group
type ConnectionSpec struct {
	Name                        string
	Source                      Reference
	Destination                 Reference
	Relationships               []string
	BackPressureObjectThreshold int64
}

func (s ConnectionSpec) Kind() Kind         { return KindConnection }
func (s ConnectionSpec) EntityName() string { return s.Name }

func (s ConnectionSpec) References() []Reference {
	return []Reference{s.Source, s.Destination}
}

func (s ConnectionSpec) WithReferences(fn func(Reference) Reference) Spec {
	s.Source = fn(s.Source)
	s.Destination = fn(s.Destination)
	s.Relationships = slices.Clone(s.Relationships)
	return s
}

// sortedRefs returns map values ordered by property name so that edges are
// derived deterministically. Unset entries point nowhere and are left out.
func sortedRefs(m map[string]Reference) []Reference {
	if len(m) == 0 {
		return nil
	}
	refs := make([]Reference, 0, len(m))
	for _, k := range slices.Sorted(maps.Keys(m)) {
		if !m[k].IsUnset() {
			refs = append(refs, m[k])
		}
	}
	return refs
}

func mapRefs(m map[string]Reference, fn func(Reference) Reference) map[string]Reference {
	if m == nil {
		return nil
	}
	out := make(map[string]Reference, len(m))
	for k, v := range m {
		if v.IsUnset() {
			out[k] = v
			continue
		}
		out[k] = fn(v)
	}
	return out
}

// Detach unsets, in a copy of desired, every binding that observed holds to
// an entity matching gone and that desired does not set itself. It returns
// the names of the fields it unset. Bindings desired must always set, such
// as connection endpoints, are never touched.
func Detach(desired, observed Spec, gone func(Reference) bool) (Spec, []string) {
	if desired == nil || observed == nil || desired.Kind() != observed.Kind() {
		return desired, nil
	}
	var fields []string
	switch d := CloneSpec(desired).(type) {
	case ProcessGroupSpec:
		o := observed.(ProcessGroupSpec)
		if d.ParameterContext.IsZero() && !o.ParameterContext.IsZero() && gone(o.ParameterContext) {
			d.ParameterContext = Unset(KindParameterContext)
			fields = append(fields, "parameterContext")
		}
		return d, fields
	case ControllerServiceSpec:
		d.ServiceRefs, fields = detachRefs(d.ServiceRefs, d.Properties, observed.(ControllerServiceSpec).ServiceRefs, gone)
		return d, fields
	case ProcessorSpec:
		d.ServiceRefs, fields = detachRefs(d.ServiceRefs, d.Properties, observed.(ProcessorSpec).ServiceRefs, gone)
		return d, fields
	default:
		return d, nil
	}
}

func detachRefs(refs map[string]Reference, props map[string]string, observed map[string]Reference, gone func(Reference) bool) (map[string]Reference, []string) {
	var fields []string
	for _, k := range slices.Sorted(maps.Keys(observed)) {
		if _, ok := refs[k]; ok {
			continue
		}
		if _, ok := props[k]; ok {
			continue
		}
		if !gone(observed[k]) {
			continue
		}
		if refs == nil {
			refs = make(map[string]Reference)
		}
		refs[k] = Unset(KindControllerService)
		fields = append(fields, k)
	}
	return refs, fields
}

// WithoutUnset returns a copy of s with unset bindings removed, the shape the
// cluster stores after an update carrying them
func WithoutUnset(s Spec) Spec {
	switch v := CloneSpec(s).(type) {
	case ProcessGroupSpec:
		if v.ParameterContext.IsUnset() {
			v.ParameterContext = Reference{}
		}
		return v
	case ControllerServiceSpec:
		v.ServiceRefs = dropUnset(v.ServiceRefs)
		return v
	case ProcessorSpec:
		v.ServiceRefs = dropUnset(v.ServiceRefs)
		return v
	default:
		return v
	}
}

func dropUnset(m map[string]Reference) map[string]Reference {
	for k, v := range m {
		if v.IsUnset() {
			delete(m, k)
		}
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

// CloneSpec returns a deep copy of s
func CloneSpec(s Spec) Spec {
	if s == nil {
		return nil
	}
	return s.WithReferences(func(r Reference) Reference { return r })
}
