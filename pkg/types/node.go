package types

// DesiredNode is one entity of a desired-state declaration. Children form the
// containment tree; references (from Spec and References) add cross-tree edges.
type DesiredNode struct {
	Ref        EntityRef // Kind is always set, ID once the entity exists remotely
	Spec       Spec      // nil only for a target root whose own configuration is unmanaged
	RunStatus  RunStatus // empty means the kind default, see DesiredRunStatus
	Children   []*DesiredNode
	References []Reference // dependencies not expressed by Spec
}

// Name returns the declared entity name
func (n *DesiredNode) Name() string {
	if n.Spec == nil {
		return ""
	}
	return n.Spec.EntityName()
}

// AllReferences returns the spec references followed by the explicit ones
func (n *DesiredNode) AllReferences() []Reference {
	var refs []Reference
	if n.Spec != nil {
		refs = append(refs, n.Spec.References()...)
	}
	return append(refs, n.References...)
}

// Walk visits n and its descendants depth-first in declaration order.
// Returning an error stops the walk.
func (n *DesiredNode) Walk(fn func(node, parent *DesiredNode) error) error {
	return n.walk(nil, fn)
}

func (n *DesiredNode) walk(parent *DesiredNode, fn func(node, parent *DesiredNode) error) error {
	if err := fn(n, parent); err != nil {
		return err
	}
	for _, child := range n.Children {
		if err := child.walk(n, fn); err != nil {
			return err
		}
	}
	return nil
}

// WithID returns a copy of n bound to an existing cluster entity
func (n *DesiredNode) WithID(id string) *DesiredNode {
	c := *n
	c.Ref.ID = id
	return &c
}

// WithRunStatus returns a copy of n with the given desired run status
func (n *DesiredNode) WithRunStatus(status RunStatus) *DesiredNode {
	c := *n
	c.RunStatus = status
	return &c
}

// DependsOn returns a copy of n with extra reference edges
func (n *DesiredNode) DependsOn(refs ...Reference) *DesiredNode {
	c := *n
	c.References = append(append([]Reference(nil), n.References...), refs...)
	return &c
}

// Target declares the process group a declaration is reconciled into. Its own
// configuration is left alone; only its children are managed.
func Target(groupID string, children ...*DesiredNode) *DesiredNode {
	if groupID == "" {
		groupID = RootGroupID
	}
	return &DesiredNode{
		Ref:      EntityRef{Kind: KindProcessGroup, ID: groupID},
		Children: children,
	}
}

// NewParameterContext declares a parameter context
func NewParameterContext(spec ParameterContextSpec) *DesiredNode {
	return &DesiredNode{Ref: EntityRef{Kind: KindParameterContext}, Spec: spec}
}

// NewProcessGroup declares a process group and its contents
func NewProcessGroup(spec ProcessGroupSpec, children ...*DesiredNode) *DesiredNode {
	return &DesiredNode{Ref: EntityRef{Kind: KindProcessGroup}, Spec: spec, Children: children}
}

// NewControllerService declares a controller service
func NewControllerService(spec ControllerServiceSpec) *DesiredNode {
	return &DesiredNode{Ref: EntityRef{Kind: KindControllerService}, Spec: spec}
}

// NewProcessor declares a processor
func NewProcessor(spec ProcessorSpec) *DesiredNode {
	return &DesiredNode{Ref: EntityRef{Kind: KindProcessor}, Spec: spec}
}

// NewConnection declares a connection
func NewConnection(spec ConnectionSpec) *DesiredNode {
	return &DesiredNode{Ref: EntityRef{Kind: KindConnection}, Spec: spec}
}

// DesiredRunStatus derives the run status a declaration asks for. Runnable
// kinds default to Running; other kinds have none.
func DesiredRunStatus(n *DesiredNode) RunStatus {
	if !n.Ref.Kind.Runnable() {
		return RunStatusNone
	}
	if n.RunStatus == RunStatusNone {
		return RunStatusRunning
	}
	return n.RunStatus
}

// ObservedNode is one entity of a snapshot fetched from the cluster
type ObservedNode struct {
	Ref       EntityRef
	Parent    EntityRef
	Spec      Spec
	Revision  RevisionToken
	RunStatus RunStatus
	Children  []*ObservedNode

	// Referenced marks entities outside the observed subtree that were fetched
	// because something inside it points at them. They are never deleted.
	Referenced bool
}

// Name returns the entity name reported by the cluster
func (n *ObservedNode) Name() string {
	if n.Spec == nil {
		return ""
	}
	return n.Spec.EntityName()
}

// Walk visits n and its descendants depth-first. Returning false skips the
// children of the visited node.
func (n *ObservedNode) Walk(fn func(node *ObservedNode) bool) {
	if !fn(n) {
		return
	}
	for _, child := range n.Children {
		child.Walk(fn)
	}
}

// Find returns the node with the given ref, or nil
func (n *ObservedNode) Find(ref EntityRef) *ObservedNode {
	var found *ObservedNode
	n.Walk(func(node *ObservedNode) bool {
		if found != nil {
			return false
		}
		if node.Ref == ref {
			found = node
			return false
		}
		return true
	})
	return found
}

// Count returns the number of nodes in the snapshot, root included
func (n *ObservedNode) Count() int {
	count := 0
	n.Walk(func(*ObservedNode) bool {
		count++
		return true
	})
	return count
}

// StatusSatisfied reports whether an entity whose run status is have already
// meets want. Controller services only know enabled and disabled, so Stopped
// and Disabled are the same state for them; an invalid component is stopped.
func StatusSatisfied(kind Kind, want, have RunStatus) bool {
	if want == have || want == RunStatusNone {
		return true
	}
	switch want {
	case RunStatusStopped:
		return have == RunStatusInvalid || (kind == KindControllerService && have == RunStatusDisabled)
	case RunStatusDisabled:
		return kind == KindControllerService && (have == RunStatusStopped || have == RunStatusInvalid)
	default:
		return false
	}
}
