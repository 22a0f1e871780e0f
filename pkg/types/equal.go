package types

import (
	"maps"
	"slices"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

var specCmpOpts = cmp.Options{
	cmpopts.EquateEmpty(),
}

// SpecEquals reports whether the observed configuration already satisfies the
// desired one. Only caller-controlled fields are compared: property maps on
// the keys the desired spec declares, scalar fields when the desired value is
// set. Fields the cluster injects are never part of a Spec.
func SpecEquals(desired, observed Spec) bool {
	if desired == nil {
		return true
	}
	if observed == nil || desired.Kind() != observed.Kind() {
		return false
	}
	return cmp.Equal(normalize(desired), project(desired, observed), specCmpOpts)
}

// SpecDiff renders the difference between desired and observed for humans.
// It returns an empty string when SpecEquals holds.
func SpecDiff(desired, observed Spec) string {
	if desired == nil || observed == nil || desired.Kind() != observed.Kind() {
		return cmp.Diff(desired, observed)
	}
	return cmp.Diff(project(desired, observed), normalize(desired), specCmpOpts)
}

// normalize sorts order-insensitive lists
func normalize(s Spec) Spec {
	switch v := CloneSpec(s).(type) {
	case ParameterContextSpec:
		slices.Sort(v.Sensitive)
		return v
	case ProcessorSpec:
		slices.Sort(v.AutoTerminate)
		return v
	case ConnectionSpec:
		slices.Sort(v.Relationships)
		return v
	default:
		return v
	}
}

// project narrows observed down to the fields desired controls
func project(desired, observed Spec) Spec {
	switch d := desired.(type) {
	case ParameterContextSpec:
		o := observed.(ParameterContextSpec)
		p := ParameterContextSpec{Name: o.Name, Sensitive: slices.Clone(d.Sensitive)}
		if d.Description != "" {
			p.Description = o.Description
		}
		p.Parameters = subset(d.Parameters, o.Parameters, nil)
		// masked values only prove the parameter exists
		for name := range p.Parameters {
			if d.IsSensitive(name) {
				p.Parameters[name] = d.Parameters[name]
			}
		}
		return normalize(p)
	case ProcessGroupSpec:
		o := observed.(ProcessGroupSpec)
		p := ProcessGroupSpec{Name: o.Name}
		if d.Comments != "" {
			p.Comments = o.Comments
		}
		switch {
		case d.ParameterContext.IsUnset() && o.ParameterContext.IsZero():
			p.ParameterContext = d.ParameterContext
		case !d.ParameterContext.IsZero():
			p.ParameterContext = o.ParameterContext
		}
		return p
	case ControllerServiceSpec:
		o := observed.(ControllerServiceSpec)
		p := ControllerServiceSpec{Name: o.Name, Type: o.Type}
		if d.Comments != "" {
			p.Comments = o.Comments
		}
		p.Properties = subset(d.Properties, o.Properties, o.ServiceRefs)
		p.ServiceRefs = subsetRefs(d.ServiceRefs, o.ServiceRefs)
		return p
	case ProcessorSpec:
		o := observed.(ProcessorSpec)
		p := ProcessorSpec{Name: o.Name, Type: o.Type}
		if d.Comments != "" {
			p.Comments = o.Comments
		}
		if d.SchedulingPeriod != "" {
			p.SchedulingPeriod = o.SchedulingPeriod
		}
		if d.Concurrency > 0 {
			p.Concurrency = o.Concurrency
		}
		if d.AutoTerminate != nil {
			p.AutoTerminate = slices.Clone(o.AutoTerminate)
		}
		p.Properties = subset(d.Properties, o.Properties, o.ServiceRefs)
		p.ServiceRefs = subsetRefs(d.ServiceRefs, o.ServiceRefs)
		return normalize(p)
	case ConnectionSpec:
		o := observed.(ConnectionSpec)
		p := ConnectionSpec{Name: o.Name, Source: o.Source, Destination: o.Destination}
		if d.Relationships != nil {
			p.Relationships = slices.Clone(o.Relationships)
		}
		if d.BackPressureObjectThreshold > 0 {
			p.BackPressureObjectThreshold = o.BackPressureObjectThreshold
		}
		return normalize(p)
	default:
		return observed
	}
}

// subset keeps the observed values for the keys declared in desired. A key
// the cluster reports as a service reference falls back to the referenced id.
func subset(desired, observed map[string]string, refs map[string]Reference) map[string]string {
	if len(desired) == 0 {
		return nil
	}
	out := make(map[string]string, len(desired))
	for _, k := range slices.Sorted(maps.Keys(desired)) {
		if v, ok := observed[k]; ok {
			out[k] = v
		} else if ref, ok := refs[k]; ok {
			out[k] = ref.ID
		}
	}
	return out
}

func subsetRefs(desired, observed map[string]Reference) map[string]Reference {
	if len(desired) == 0 {
		return nil
	}
	out := make(map[string]Reference, len(desired))
	for k, d := range desired {
		if v, ok := observed[k]; ok {
			out[k] = v
		} else if d.IsUnset() {
			// cleared on the cluster already
			out[k] = d
		}
	}
	return out
}
