package cluster

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/cuemby/flowsync/pkg/types"
	"github.com/google/uuid"
)

// Op names a mutating call
type Op string

const (
	OpCreate    Op = "create"
	OpUpdate    Op = "update"
	OpDelete    Op = "delete"
	OpRunStatus Op = "run-status"
)

// Call records one attempted mutation against a Memory cluster
type Call struct {
	Op     Op
	Ref    types.EntityRef
	Status types.RunStatus
}

// Hook runs around a Memory mutation. Returning an error makes the call fail
// with that error.
type Hook func(op Op, ref types.EntityRef) error

type memEntity struct {
	ref     types.EntityRef
	parent  types.EntityRef
	spec    types.Spec
	version int64
	status  types.RunStatus
}

func (e *memEntity) revision() types.RevisionToken {
	return types.RevisionToken(strconv.FormatInt(e.version, 10))
}

// Memory is an in-process Cluster that enforces the same rules as a real
// cluster: revisions, stopped-before-update, no dangling references.
type Memory struct {
	mu       sync.Mutex
	entities map[string]*memEntity
	order    []string
	calls    []Call
	before   Hook
	after    Hook
}

// NewMemory returns a cluster containing only the canvas root group
func NewMemory() *Memory {
	m := &Memory{entities: make(map[string]*memEntity)}
	m.put(&memEntity{
		ref:  types.EntityRef{Kind: types.KindProcessGroup, ID: types.RootGroupID},
		spec: types.ProcessGroupSpec{Name: "root"},
	})
	return m
}

// SetHooks installs hooks run before and after every mutation. A before hook
// error prevents the mutation; an after hook error is returned even though the
// mutation was applied, like a response lost to a timeout.
func (m *Memory) SetHooks(before, after Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.before = before
	m.after = after
}

// Calls returns every attempted mutation in order
func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// ResetCalls clears the recorded calls
func (m *Memory) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// Bump simulates a concurrent modification of ref by another client
func (m *Memory) Bump(ref types.EntityRef) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entities[ref.ID]; ok {
		e.version++
	}
}

// SetStatus forces the run status of ref, bypassing validation
func (m *Memory) SetStatus(ref types.EntityRef, status types.RunStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entities[ref.ID]; ok {
		e.status = status
		e.version++
	}
}

// Len returns the number of entities, the root group included
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entities)
}

// Fetch implements Cluster
func (m *Memory) Fetch(ctx context.Context, ref types.EntityRef) (*Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.get(ref)
	if err != nil {
		return nil, err
	}
	return &Entity{
		Ref:       e.ref,
		Parent:    e.parent,
		Spec:      types.CloneSpec(e.spec),
		Revision:  e.revision(),
		RunStatus: e.status,
	}, nil
}

// ListChildren implements Cluster
func (m *Memory) ListChildren(ctx context.Context, ref types.EntityRef) ([]types.EntityRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.get(ref); err != nil {
		return nil, err
	}
	var refs []types.EntityRef
	for _, id := range m.order {
		e := m.entities[id]
		if e.parent == ref || (ref.ID == types.RootGroupID && e.ref.Kind == types.KindParameterContext) {
			refs = append(refs, e.ref)
		}
	}
	return refs, nil
}

// Create implements Cluster
func (m *Memory) Create(ctx context.Context, parent types.EntityRef, spec types.Spec) (types.EntityRef, types.RevisionToken, error) {
	ref := types.EntityRef{Kind: spec.Kind()}
	if err := m.begin(ctx, Call{Op: OpCreate, Ref: ref}); err != nil {
		return types.EntityRef{}, "", err
	}

	m.mu.Lock()
	e, err := m.create(parent, spec)
	var rev types.RevisionToken
	if err == nil {
		ref, rev = e.ref, e.revision()
	}
	m.mu.Unlock()
	if err != nil {
		return types.EntityRef{}, "", err
	}
	if err := m.end(OpCreate, ref); err != nil {
		return types.EntityRef{}, "", err
	}
	return ref, rev, nil
}

func (m *Memory) create(parent types.EntityRef, spec types.Spec) (*memEntity, error) {
	if spec.EntityName() == "" {
		return nil, fmt.Errorf("%w: %s name is required", ErrValidation, spec.Kind())
	}
	e := &memEntity{
		ref:  types.EntityRef{Kind: spec.Kind(), ID: uuid.New().String()},
		spec: types.CloneSpec(spec),
	}
	if spec.Kind() == types.KindParameterContext {
		for _, other := range m.entities {
			if other.ref.Kind == types.KindParameterContext && other.spec.EntityName() == spec.EntityName() {
				return nil, fmt.Errorf("%w: parameter context %q already exists", ErrValidation, spec.EntityName())
			}
		}
	} else {
		p, err := m.get(parent)
		if err != nil {
			return nil, fmt.Errorf("%w: parent %s does not exist", ErrValidation, parent)
		}
		if p.ref.Kind != types.KindProcessGroup {
			return nil, fmt.Errorf("%w: parent %s is not a process group", ErrValidation, parent)
		}
		e.parent = p.ref
	}
	if err := m.checkReferences(spec); err != nil {
		return nil, err
	}
	if spec.Kind().Runnable() {
		e.status = types.RunStatusStopped
	}
	m.put(e)
	return e, nil
}

// Update implements Cluster
func (m *Memory) Update(ctx context.Context, ref types.EntityRef, rev types.RevisionToken, spec types.Spec) (types.RevisionToken, error) {
	if err := m.begin(ctx, Call{Op: OpUpdate, Ref: ref}); err != nil {
		return "", err
	}

	m.mu.Lock()
	var next types.RevisionToken
	e, err := m.mutable(ref, rev)
	if err == nil && spec.Kind() != ref.Kind {
		err = fmt.Errorf("%w: cannot change %s into %s", ErrValidation, ref.Kind, spec.Kind())
	}
	if err == nil && e.status == types.RunStatusRunning {
		err = fmt.Errorf("%w: %s must be stopped before it can be updated", ErrValidation, ref)
	}
	if err == nil {
		err = m.checkReferences(spec)
	}
	if err == nil {
		e.spec = types.WithoutUnset(spec)
		e.version++
		next = e.revision()
	}
	m.mu.Unlock()
	if err != nil {
		return "", err
	}
	if err := m.end(OpUpdate, ref); err != nil {
		return "", err
	}
	return next, nil
}

// Delete implements Cluster
func (m *Memory) Delete(ctx context.Context, ref types.EntityRef, rev types.RevisionToken) error {
	if err := m.begin(ctx, Call{Op: OpDelete, Ref: ref}); err != nil {
		return err
	}

	m.mu.Lock()
	e, err := m.mutable(ref, rev)
	if err == nil && e.status == types.RunStatusRunning {
		err = fmt.Errorf("%w: %s must be stopped before it can be deleted", ErrValidation, ref)
	}
	if err == nil {
		for _, other := range m.entities {
			if other.parent == ref {
				err = fmt.Errorf("%w: %s still contains %s", ErrValidation, ref, other.ref)
				break
			}
			if m.references(other, ref) {
				err = fmt.Errorf("%w: %s is still referenced by %s", ErrValidation, ref, other.ref)
				break
			}
		}
	}
	if err == nil {
		delete(m.entities, ref.ID)
		for i, id := range m.order {
			if id == ref.ID {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
	}
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return m.end(OpDelete, ref)
}

// SetRunStatus implements Cluster
func (m *Memory) SetRunStatus(ctx context.Context, ref types.EntityRef, rev types.RevisionToken, status types.RunStatus) (types.RevisionToken, error) {
	if err := m.begin(ctx, Call{Op: OpRunStatus, Ref: ref, Status: status}); err != nil {
		return "", err
	}

	m.mu.Lock()
	var next types.RevisionToken
	e, err := m.mutable(ref, rev)
	if err == nil && !ref.Kind.Runnable() {
		err = fmt.Errorf("%w: %s has no run status", ErrValidation, ref)
	}
	if err == nil && status == types.RunStatusRunning {
		for _, dep := range e.spec.References() {
			if d, ok := m.entities[dep.ID]; ok && d.ref.Kind.Runnable() && d.status != types.RunStatusRunning {
				err = fmt.Errorf("%w: %s depends on %s which is not running", ErrValidation, ref, d.ref)
				break
			}
		}
	}
	if err == nil && status != types.RunStatusRunning {
		for _, other := range m.entities {
			if other.status == types.RunStatusRunning && m.references(other, ref) {
				err = fmt.Errorf("%w: %s is still used by running %s", ErrValidation, ref, other.ref)
				break
			}
		}
	}
	if err == nil {
		e.status = status
		e.version++
		next = e.revision()
	}
	m.mu.Unlock()
	if err != nil {
		return "", err
	}
	if err := m.end(OpRunStatus, ref); err != nil {
		return "", err
	}
	return next, nil
}

func (m *Memory) begin(ctx context.Context, call Call) error {
	m.mu.Lock()
	m.calls = append(m.calls, call)
	before := m.before
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	if before != nil {
		return before(call.Op, call.Ref)
	}
	return nil
}

func (m *Memory) end(op Op, ref types.EntityRef) error {
	m.mu.Lock()
	after := m.after
	m.mu.Unlock()
	if after != nil {
		return after(op, ref)
	}
	return nil
}

func (m *Memory) put(e *memEntity) {
	m.entities[e.ref.ID] = e
	m.order = append(m.order, e.ref.ID)
}

func (m *Memory) get(ref types.EntityRef) (*memEntity, error) {
	e, ok := m.entities[ref.ID]
	if !ok || e.ref.Kind != ref.Kind {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return e, nil
}

func (m *Memory) mutable(ref types.EntityRef, rev types.RevisionToken) (*memEntity, error) {
	e, err := m.get(ref)
	if err != nil {
		return nil, err
	}
	if e.revision() != rev {
		return nil, fmt.Errorf("%w: %s is at revision %s, request carried %s", ErrConflict, ref, e.revision(), rev)
	}
	return e, nil
}

func (m *Memory) checkReferences(spec types.Spec) error {
	for _, r := range spec.References() {
		target, ok := m.entities[r.ID]
		if r.ID == "" || !ok || target.ref.Kind != r.Kind {
			return fmt.Errorf("%w: %s references missing %s", ErrValidation, spec.EntityName(), r)
		}
	}
	return nil
}

func (m *Memory) references(e *memEntity, ref types.EntityRef) bool {
	if e.spec == nil {
		return false
	}
	for _, r := range e.spec.References() {
		if r.ID == ref.ID {
			return true
		}
	}
	return false
}
