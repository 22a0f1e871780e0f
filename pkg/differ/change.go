package differ

import (
	"fmt"
	"slices"

	"github.com/cuemby/flowsync/pkg/types"
)

// Op is the kind of mutation a change performs
type Op string

const (
	OpCreate Op = "Create"
	OpUpdate Op = "Update"
	OpDelete Op = "Delete"
	OpStart  Op = "Start"
	OpStop   Op = "Stop"
)

// Phase ranks operations that are ready at the same time. Components are
// stopped and removed before anything is created, and started last.
func (o Op) Phase() int {
	switch o {
	case OpStop:
		return 0
	case OpDelete:
		return 1
	case OpCreate:
		return 2
	case OpUpdate:
		return 3
	case OpStart:
		return 4
	default:
		return 5
	}
}

// Mutating reports whether the operation changes configuration rather than
// run status
func (o Op) Mutating() bool {
	return o == OpCreate || o == OpUpdate || o == OpDelete
}

// Change is one entry of a change-set
type Change struct {
	ID     int // unique within the change-set, in declaration order
	Op     Op
	Target types.EntityRef // ID is empty when the target is created in the same run
	Name   string

	// Origin is the id of the Create change producing the target, when the
	// target does not exist yet
	Origin int

	// Parent is the group a Create lands in. ParentChange is set instead of
	// Parent.ID when the group itself is created in the same run.
	Parent       types.EntityRef
	ParentChange int

	// Spec is the payload of Create and Update. References to existing
	// entities carry their ids; the rest are listed in Pending.
	Spec    types.Spec
	Pending map[types.Reference]int

	// Status is the run status requested by Start and Stop
	Status types.RunStatus

	// Revision is the token observed for the target, empty for new entities
	Revision types.RevisionToken

	DependsOn []int
	Detail    string
}

func (c *Change) String() string {
	if c.Name == "" {
		return fmt.Sprintf("%s %s", c.Op, c.Target)
	}
	return fmt.Sprintf("%s %s/%s", c.Op, c.Target.Kind, c.Name)
}

// PendingKey is the key Pending uses for a by-name reference
func PendingKey(r types.Reference) types.Reference {
	return types.Reference{Kind: r.Kind, Name: r.Name}
}

func (c *Change) dependOn(other *Change) {
	if c == nil || other == nil || other == c || slices.Contains(c.DependsOn, other.ID) {
		return
	}
	c.DependsOn = append(c.DependsOn, other.ID)
}

// ChangeSet is the unordered result of a diff. Changes are kept in
// declaration order.
type ChangeSet struct {
	Root    types.EntityRef
	Changes []*Change
}

// Len returns the number of changes
func (cs *ChangeSet) Len() int {
	return len(cs.Changes)
}

// Empty reports whether the cluster already matches the declaration
func (cs *ChangeSet) Empty() bool {
	return len(cs.Changes) == 0
}

// Get returns the change with the given id, or nil
func (cs *ChangeSet) Get(id int) *Change {
	for _, c := range cs.Changes {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// Count returns the number of changes with the given op
func (cs *ChangeSet) Count(op Op) int {
	n := 0
	for _, c := range cs.Changes {
		if c.Op == op {
			n++
		}
	}
	return n
}

// ErrorKind classifies diff failures
type ErrorKind string

const (
	// ErrAmbiguousMatch means a declaration could be paired with more than
	// one observed entity, or sibling declarations cannot be told apart
	ErrAmbiguousMatch ErrorKind = "ambiguous-match"

	// ErrUnresolvedReference means a reference names no entity
	ErrUnresolvedReference ErrorKind = "unresolved-reference"

	// ErrInvalidTree means the declaration itself is malformed
	ErrInvalidTree ErrorKind = "invalid-tree"
)

// Error is returned when no change-set can be computed
type Error struct {
	Kind ErrorKind
	Node string
	Msg  string
}

func (e *Error) Error() string {
	if e.Node == "" {
		return fmt.Sprintf("diff: %s: %s", e.Kind, e.Msg)
	}
	return fmt.Sprintf("diff %s: %s: %s", e.Node, e.Kind, e.Msg)
}

func errorf(kind ErrorKind, node string, format string, args ...any) *Error {
	return &Error{Kind: kind, Node: node, Msg: fmt.Sprintf(format, args...)}
}
