package types

import "fmt"

// Kind identifies one of the mutable entity kinds of a flow cluster
type Kind string

const (
	KindParameterContext  Kind = "ParameterContext"
	KindProcessGroup      Kind = "ProcessGroup"
	KindControllerService Kind = "ControllerService"
	KindProcessor         Kind = "Processor"
	KindConnection        Kind = "Connection"
)

// Kinds lists every kind in creation precedence order
var Kinds = []Kind{
	KindParameterContext,
	KindProcessGroup,
	KindControllerService,
	KindProcessor,
	KindConnection,
}

// Rank returns the creation precedence of the kind. Lower ranks are created
// first and deleted last.
func (k Kind) Rank() int {
	for i, kind := range Kinds {
		if kind == k {
			return i
		}
	}
	return len(Kinds)
}

// Valid reports whether k is a known kind
func (k Kind) Valid() bool {
	return k.Rank() < len(Kinds)
}

// Runnable reports whether entities of this kind carry a run status
func (k Kind) Runnable() bool {
	return k == KindControllerService || k == KindProcessor
}

// Container reports whether entities of this kind may have children
func (k Kind) Container() bool {
	return k == KindProcessGroup
}

// ParseKind parses a kind name, case-sensitive
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown entity kind: %q", s)
	}
	return k, nil
}

// RootGroupID is the alias the cluster accepts for the canvas root process group
const RootGroupID = "root"

// EntityRef identifies an entity on the cluster. ID is empty for entities
// that only exist in a desired declaration.
type EntityRef struct {
	Kind Kind
	ID   string
}

// Exists reports whether the reference carries a cluster-assigned id
func (r EntityRef) Exists() bool {
	return r.ID != ""
}

func (r EntityRef) String() string {
	if r.ID == "" {
		return string(r.Kind) + "/<new>"
	}
	return string(r.Kind) + "/" + r.ID
}

// RevisionToken is the optimistic-concurrency marker returned by the cluster
// with every entity. It is passed back verbatim and never parsed or built
// locally.
type RevisionToken string

// RunStatus is the scheduling state of a runnable component
type RunStatus string

const (
	RunStatusNone     RunStatus = ""
	RunStatusRunning  RunStatus = "Running"
	RunStatusStopped  RunStatus = "Stopped"
	RunStatusDisabled RunStatus = "Disabled"
	RunStatusInvalid  RunStatus = "Invalid"
)

// ParseRunStatus parses a declared run status. Invalid is observed only and
// cannot be requested.
func ParseRunStatus(s string) (RunStatus, error) {
	switch s {
	case "", "running", "Running":
		return RunStatusRunning, nil
	case "stopped", "Stopped":
		return RunStatusStopped, nil
	case "disabled", "Disabled":
		return RunStatusDisabled, nil
	default:
		return RunStatusNone, fmt.Errorf("invalid run status %q (want running, stopped or disabled)", s)
	}
}

// Reference points from one entity's configuration at another entity.
// Declarations refer by Name; the cluster reports by ID and the observer
// fills in the Name.
type Reference struct {
	Kind Kind
	ID   string
	Name string
}

// RefTo builds a by-name reference
func RefTo(kind Kind, name string) Reference {
	return Reference{Kind: kind, Name: name}
}

// IsZero reports whether the reference is absent
func (r Reference) IsZero() bool {
	return r.Kind == "" && r.ID == "" && r.Name == ""
}

// Unset returns the reference an update carries to clear a binding to an
// entity of the given kind
func Unset(kind Kind) Reference {
	return Reference{Kind: kind}
}

// IsUnset reports whether r clears a binding rather than pointing at an entity
func (r Reference) IsUnset() bool {
	return r.Kind != "" && r.ID == "" && r.Name == ""
}

// Equal compares by id when both sides carry one, otherwise by kind and name.
// An unset reference only equals another unset reference.
func (r Reference) Equal(o Reference) bool {
	if r.IsUnset() || o.IsUnset() {
		return r.IsUnset() && o.IsUnset() && r.Kind == o.Kind
	}
	if r.ID != "" && o.ID != "" {
		return r.ID == o.ID
	}
	return r.Kind == o.Kind && r.Name == o.Name
}

// EntityRef converts the reference to an entity reference
func (r Reference) EntityRef() EntityRef {
	return EntityRef{Kind: r.Kind, ID: r.ID}
}

func (r Reference) String() string {
	switch {
	case r.IsUnset():
		return fmt.Sprintf("%s/<unset>", r.Kind)
	case r.Name != "" && r.ID != "":
		return fmt.Sprintf("%s/%s(%s)", r.Kind, r.Name, r.ID)
	case r.Name != "":
		return fmt.Sprintf("%s/%s", r.Kind, r.Name)
	default:
		return fmt.Sprintf("%s/%s", r.Kind, r.ID)
	}
}
