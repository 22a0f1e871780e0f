// Package differ computes the changes that turn an observed subtree into a
// declared one. Entities are matched by kind and name within their parent;
// an id given in the declaration overrides the name match.
package differ

import (
	"fmt"
	"slices"

	"github.com/cuemby/flowsync/pkg/log"
	"github.com/cuemby/flowsync/pkg/types"
	"github.com/rs/zerolog"
)

// entity pairs a declaration with the cluster entity it stands for. Either
// side may be missing.
type entity struct {
	kind     types.Kind
	desired  *types.DesiredNode
	observed *types.ObservedNode
	parent   *entity
	members  []*entity // entities contained in this group, declared or observed
	deleting bool

	spec         types.Spec // desired spec with existing references bound to ids
	pending      map[types.Reference]*entity
	refs         []*entity // resolved desired references
	observedRefs []*entity
	referrers    []*entity // entities whose observed spec points here

	create, update, del, stop, start *Change
}

func (e *entity) name() string {
	if e.desired != nil && e.desired.Spec != nil {
		return e.desired.Name()
	}
	if e.observed != nil {
		return e.observed.Name()
	}
	return ""
}

func (e *entity) label() string {
	if n := e.name(); n != "" {
		return string(e.kind) + "/" + n
	}
	if e.observed != nil {
		return e.observed.Ref.String()
	}
	return string(e.kind)
}

func (e *entity) ref() types.EntityRef {
	if e.observed != nil {
		return e.observed.Ref
	}
	return types.EntityRef{Kind: e.kind}
}

// finalStatus is the run status e should have once the change-set is applied
func (e *entity) finalStatus() types.RunStatus {
	if e.desired != nil {
		return types.DesiredRunStatus(e.desired)
	}
	if e.observed != nil {
		return e.observed.RunStatus
	}
	return types.RunStatusNone
}

type differ struct {
	authoritative bool
	logger        zerolog.Logger

	root      *entity
	entities  []*entity
	byID      map[string]*entity
	byDesired map[*types.DesiredNode]*entity
	changes   []*Change
}

// Diff computes the changes that turn observed into desired. desired must be
// rooted at the process group observed was fetched from. Entities observed
// under a declared group but not declared are deleted only in authoritative
// mode; entities fetched only because something references them are never
// deleted.
func Diff(desired *types.DesiredNode, observed *types.ObservedNode, mode types.DeletionMode) (*ChangeSet, error) {
	if _, err := types.ParseDeletionMode(string(mode)); err != nil {
		return nil, err
	}
	if desired == nil || observed == nil {
		return nil, errorf(ErrInvalidTree, "", "both a declaration and a snapshot are required")
	}
	if desired.Ref.Kind != types.KindProcessGroup || desired.Ref.ID != observed.Ref.ID {
		return nil, errorf(ErrInvalidTree, desired.Ref.String(), "declaration root does not match observed root %s", observed.Ref)
	}
	if desired.Spec != nil && desired.Spec.Kind() != types.KindProcessGroup {
		return nil, errorf(ErrInvalidTree, desired.Ref.String(), "root configuration is a %s", desired.Spec.Kind())
	}

	d := &differ{
		authoritative: mode == types.DeletionAuthoritative,
		logger:        log.WithComponent("differ"),
		byID:          make(map[string]*entity),
		byDesired:     make(map[*types.DesiredNode]*entity),
	}

	d.root = d.indexObserved(observed, nil)
	d.bind(d.root, desired)
	if err := d.match(desired, d.root); err != nil {
		return nil, err
	}
	d.markDeletions(d.root)

	for _, e := range d.entities {
		if err := d.resolve(e); err != nil {
			return nil, err
		}
	}
	d.linkObserved()
	if err := d.detach(); err != nil {
		return nil, err
	}

	d.emitDesired(desired)
	d.emitDeletes(d.root)
	d.cascadeStops()
	d.addEdges()

	cs := &ChangeSet{Root: observed.Ref, Changes: d.changes}
	d.logger.Debug().
		Str("root", observed.Ref.String()).
		Int("changes", cs.Len()).
		Int("creates", cs.Count(OpCreate)).
		Int("updates", cs.Count(OpUpdate)).
		Int("deletes", cs.Count(OpDelete)).
		Msg("Computed change-set")
	return cs, nil
}

func (d *differ) indexObserved(n *types.ObservedNode, parent *entity) *entity {
	e := &entity{kind: n.Ref.Kind, observed: n, parent: parent}
	d.entities = append(d.entities, e)
	d.byID[n.Ref.ID] = e
	if parent != nil {
		parent.members = append(parent.members, e)
	}
	for _, child := range n.Children {
		d.indexObserved(child, e)
	}
	return e
}

func (d *differ) bind(e *entity, n *types.DesiredNode) {
	e.desired = n
	d.byDesired[n] = e
}

// match pairs the declared children of dg with the observed members of ge.
// Declarations carrying an id are bound by id; the rest by kind and name.
func (d *differ) match(dg *types.DesiredNode, ge *entity) error {
	var byName []*types.DesiredNode
	seen := make(map[types.Reference]bool)

	for _, dn := range dg.Children {
		if err := validate(dn, ge == d.root); err != nil {
			return err
		}
		if dn.Ref.ID != "" {
			e := d.byID[dn.Ref.ID]
			switch {
			case e == nil:
				d.logger.Warn().
					Str("entity", dn.Ref.String()).
					Str("name", dn.Name()).
					Msg("Declared id no longer exists, entity will be created")
			case e.kind != dn.Ref.Kind:
				return errorf(ErrInvalidTree, label(dn), "id %s belongs to a %s", dn.Ref.ID, e.kind)
			case e.desired != nil:
				return errorf(ErrInvalidTree, label(dn), "id %s is declared more than once", dn.Ref.ID)
			default:
				if e.parent != ge && e.kind != types.KindParameterContext {
					d.logger.Warn().
						Str("entity", dn.Ref.String()).
						Msg("Declared entity lives in another group, it will not be moved")
				}
				d.bind(e, dn)
				continue
			}
		}
		key := types.Reference{Kind: dn.Ref.Kind, Name: dn.Name()}
		if seen[key] {
			return errorf(ErrAmbiguousMatch, label(dn), "declared more than once in the same group")
		}
		seen[key] = true
		byName = append(byName, dn)
	}

	for _, dn := range byName {
		var found []*entity
		for _, m := range ge.members {
			if m.desired == nil && m.kind == dn.Ref.Kind && m.name() == dn.Name() {
				found = append(found, m)
			}
		}
		switch len(found) {
		case 0:
			e := &entity{kind: dn.Ref.Kind, parent: ge}
			d.bind(e, dn)
			d.entities = append(d.entities, e)
			ge.members = append(ge.members, e)
		case 1:
			d.bind(found[0], dn)
		default:
			return errorf(ErrAmbiguousMatch, label(dn), "matches %d observed entities", len(found))
		}
	}

	for _, dn := range dg.Children {
		if dn.Ref.Kind.Container() {
			if err := d.match(dn, d.byDesired[dn]); err != nil {
				return err
			}
		}
	}
	return nil
}

// markDeletions flags undeclared observed entities under declared groups,
// together with everything they contain
func (d *differ) markDeletions(g *entity) {
	for _, m := range g.members {
		if m.observed == nil || m.observed.Referenced {
			continue
		}
		if m.desired == nil && (g.deleting || (d.authoritative && g.desired != nil && g.observed != nil)) {
			m.deleting = true
		}
		d.markDeletions(m)
	}
}

// resolve binds the references of a declared entity
func (d *differ) resolve(e *entity) error {
	if e.desired == nil {
		return nil
	}
	e.pending = make(map[types.Reference]*entity)

	var err error
	if e.desired.Spec != nil {
		e.spec = e.desired.Spec.WithReferences(func(r types.Reference) types.Reference {
			if err != nil {
				return r
			}
			t, lerr := d.lookup(e, r)
			if lerr != nil {
				err = lerr
				return r
			}
			e.refs = append(e.refs, t)
			if t.observed != nil {
				return types.Reference{Kind: t.kind, ID: t.observed.Ref.ID, Name: t.name()}
			}
			e.pending[PendingKey(r)] = t
			return types.Reference{Kind: r.Kind, Name: r.Name}
		})
		if err != nil {
			return err
		}
	}
	for _, r := range e.desired.References {
		t, err := d.lookup(e, r)
		if err != nil {
			return err
		}
		e.refs = append(e.refs, t)
	}
	return nil
}

// lookup finds the entity a reference names. By-name references search the
// enclosing groups from the innermost outwards, declarations before observed
// entities, then the whole declaration and finally the whole snapshot.
func (d *differ) lookup(from *entity, r types.Reference) (*entity, error) {
	var t *entity
	if r.ID != "" {
		t = d.byID[r.ID]
		if t == nil || t.kind != r.Kind {
			return nil, errorf(ErrUnresolvedReference, from.label(), "%s does not exist", r)
		}
	} else {
		if r.Name == "" || !r.Kind.Valid() {
			return nil, errorf(ErrInvalidTree, from.label(), "incomplete reference %s", r)
		}
		var err error
		for g := from.parent; g != nil && t == nil; g = g.parent {
			if t, err = pick(from, g.members, r, true); err != nil {
				return nil, err
			}
			if t == nil {
				if t, err = pick(from, g.members, r, false); err != nil {
					return nil, err
				}
			}
		}
		if t == nil {
			if t, err = pick(from, d.entities, r, true); err != nil {
				return nil, err
			}
		}
		if t == nil {
			if t, err = pick(from, d.entities, r, false); err != nil {
				return nil, err
			}
		}
		if t == nil {
			return nil, errorf(ErrUnresolvedReference, from.label(), "no %s named %q", r.Kind, r.Name)
		}
	}
	if t.deleting {
		return nil, errorf(ErrUnresolvedReference, from.label(), "%s is not declared and will be deleted", t.label())
	}
	return t, nil
}

func pick(from *entity, candidates []*entity, r types.Reference, declared bool) (*entity, error) {
	var found []*entity
	for _, c := range candidates {
		if c == from || c.kind != r.Kind || (c.desired != nil) != declared || c.name() != r.Name {
			continue
		}
		found = append(found, c)
	}
	switch len(found) {
	case 0:
		return nil, nil
	case 1:
		return found[0], nil
	default:
		return nil, errorf(ErrAmbiguousMatch, from.label(), "reference %s matches %d entities", r, len(found))
	}
}

// linkObserved records the references the cluster currently holds
func (d *differ) linkObserved() {
	for _, e := range d.entities {
		if e.observed == nil || e.observed.Spec == nil {
			continue
		}
		for _, r := range e.observed.Spec.References() {
			if t := d.byID[r.ID]; t != nil && t != e {
				e.observedRefs = append(e.observedRefs, t)
				t.referrers = append(t.referrers, e)
			}
		}
	}
}

// detach makes every surviving entity that the cluster shows bound to an
// entity being deleted drop that binding in its update. A declaration that
// leaves the field out gets it unset. Bindings no update can drop fail the
// diff, since the delete would be refused after its referrers were stopped.
func (d *differ) detach() error {
	gone := func(r types.Reference) bool {
		t := d.byID[r.ID]
		return t != nil && t.deleting
	}
	for _, e := range d.entities {
		if e.deleting || e.observed == nil {
			continue
		}
		var held []*entity
		for _, t := range e.observedRefs {
			if t.deleting {
				held = append(held, t)
			}
		}
		if len(held) == 0 {
			continue
		}
		if e.desired == nil || e.desired.Spec == nil {
			return errorf(ErrUnresolvedReference, e.label(), "%s is not declared and will be deleted, but is still bound here; declare it or this entity's configuration", held[0].label())
		}

		spec, fields := types.Detach(e.spec, e.observed.Spec, gone)
		e.spec = spec
		if len(fields) > 0 {
			d.logger.Debug().
				Str("entity", e.label()).
				Strs("fields", fields).
				Msg("Unsetting bindings to deleted entities")
		}
	}
	return nil
}

func (d *differ) add(c *Change) *Change {
	c.ID = len(d.changes) + 1
	d.changes = append(d.changes, c)
	return c
}

func (d *differ) change(e *entity, op Op) *Change {
	c := &Change{Op: op, Target: e.ref(), Name: e.name()}
	if e.observed != nil {
		c.Revision = e.observed.Revision
	} else if e.create != nil {
		c.Origin = e.create.ID
	}
	return c
}

func (d *differ) emitDesired(n *types.DesiredNode) {
	// the root is only compared when its own configuration is declared
	if e := d.byDesired[n]; e != d.root || n.Spec != nil {
		d.emitEntity(e)
	}
	for _, child := range n.Children {
		d.emitDesired(child)
	}
}

func (d *differ) emitEntity(e *entity) {
	want := types.DesiredRunStatus(e.desired)

	if e.observed == nil {
		c := d.change(e, OpCreate)
		c.Spec = e.spec
		if e.kind == types.KindParameterContext {
			c.Parent = d.root.ref()
		} else {
			c.Parent = e.parent.ref()
		}
		e.create = d.add(c)

		switch {
		case want == types.RunStatusRunning:
			e.start = d.add(d.change(e, OpStart))
			e.start.Status = types.RunStatusRunning
		case !types.StatusSatisfied(e.kind, want, types.RunStatusStopped):
			e.stop = d.add(d.change(e, OpStop))
			e.stop.Status = want
		}
		return
	}

	have := e.observed.RunStatus
	running := have == types.RunStatusRunning
	needUpdate := e.desired.Spec != nil && (len(e.pending) > 0 || !types.SpecEquals(e.spec, e.observed.Spec))

	if needUpdate {
		if running {
			e.stop = d.add(d.change(e, OpStop))
			e.stop.Status = stopStatus(want)
			e.stop.Detail = "stopped for update"
		}
		e.update = d.add(d.change(e, OpUpdate))
		e.update.Spec = e.spec
		e.update.Detail = types.SpecDiff(e.spec, e.observed.Spec)
		switch {
		case want == types.RunStatusRunning:
			e.start = d.add(d.change(e, OpStart))
			e.start.Status = types.RunStatusRunning
		case !running && !types.StatusSatisfied(e.kind, want, have):
			e.stop = d.add(d.change(e, OpStop))
			e.stop.Status = want
		}
		return
	}

	if types.StatusSatisfied(e.kind, want, have) {
		return
	}
	if want == types.RunStatusRunning {
		e.start = d.add(d.change(e, OpStart))
		e.start.Status = types.RunStatusRunning
		return
	}
	e.stop = d.add(d.change(e, OpStop))
	e.stop.Status = want
}

func (d *differ) emitDeletes(g *entity) {
	for _, m := range g.members {
		if m.deleting {
			if m.observed.RunStatus == types.RunStatusRunning {
				m.stop = d.add(d.change(m, OpStop))
				m.stop.Status = types.RunStatusStopped
				m.stop.Detail = "stopped for delete"
			}
			m.del = d.add(d.change(m, OpDelete))
		}
		d.emitDeletes(m)
	}
}

// cascadeStops stops running components that reference a component being
// stopped, and restarts them afterwards when they should keep running
func (d *differ) cascadeStops() {
	var queue []*entity
	for _, e := range d.entities {
		if e.stop != nil && e.observed != nil && e.observed.RunStatus == types.RunStatusRunning {
			queue = append(queue, e)
		}
	}
	for len(queue) > 0 {
		t := queue[0]
		queue = queue[1:]
		for _, r := range t.referrers {
			if r.observed.RunStatus != types.RunStatusRunning {
				continue
			}
			if r.stop == nil {
				r.stop = d.add(d.change(r, OpStop))
				r.stop.Status = types.RunStatusStopped
				r.stop.Detail = fmt.Sprintf("%s is being stopped", t.label())
				if !r.deleting && r.start == nil && r.finalStatus() == types.RunStatusRunning {
					r.start = d.add(d.change(r, OpStart))
					r.start.Status = types.RunStatusRunning
					r.start.Detail = fmt.Sprintf("restart after %s", t.label())
				}
				queue = append(queue, r)
			}
			t.stop.dependOn(r.stop)
		}
	}
}

func (d *differ) addEdges() {
	for _, e := range d.entities {
		e.stop.dependOn(e.create)
		e.update.dependOn(e.stop)
		e.start.dependOn(e.create)
		e.start.dependOn(e.stop)
		e.start.dependOn(e.update)
		e.del.dependOn(e.stop)

		if e.create != nil && e.parent != nil && e.parent.create != nil && e.kind != types.KindParameterContext {
			e.create.ParentChange = e.parent.create.ID
			e.create.dependOn(e.parent.create)
		}

		for _, t := range e.refs {
			if t.create != nil {
				e.create.dependOn(t.create)
				e.update.dependOn(t.create)
			}
			if e.start != nil && t.start != nil {
				e.start.dependOn(t.start)
			}
		}

		for _, t := range e.observedRefs {
			if e.start != nil && t.start != nil {
				e.start.dependOn(t.start)
			}
			if t.del == nil {
				continue
			}
			if e.del != nil {
				t.del.dependOn(e.del)
			} else if e.update != nil {
				// restarted first, so a refused delete never leaves it stopped
				t.del.dependOn(e.update)
				t.del.dependOn(e.start)
			}
		}

		if e.del != nil && e.parent != nil && e.parent.del != nil {
			e.parent.del.dependOn(e.del)
		}

		if len(e.pending) > 0 {
			c := e.create
			if c == nil {
				c = e.update
			}
			c.Pending = make(map[types.Reference]int, len(e.pending))
			for key, t := range e.pending {
				c.Pending[key] = t.create.ID
			}
		}
	}
	for _, c := range d.changes {
		slices.Sort(c.DependsOn)
	}
}

// stopStatus is the status a running component is stopped into before an
// update
func stopStatus(want types.RunStatus) types.RunStatus {
	if want == types.RunStatusDisabled {
		return want
	}
	return types.RunStatusStopped
}

func validate(n *types.DesiredNode, top bool) error {
	switch {
	case !n.Ref.Kind.Valid():
		return errorf(ErrInvalidTree, label(n), "unknown kind %q", n.Ref.Kind)
	case n.Spec == nil:
		return errorf(ErrInvalidTree, label(n), "configuration is missing")
	case n.Spec.Kind() != n.Ref.Kind:
		return errorf(ErrInvalidTree, label(n), "configuration is for a %s", n.Spec.Kind())
	case n.Name() == "":
		return errorf(ErrInvalidTree, label(n), "name is required")
	case len(n.Children) > 0 && !n.Ref.Kind.Container():
		return errorf(ErrInvalidTree, label(n), "only process groups contain entities")
	case n.Ref.Kind == types.KindParameterContext && !top:
		return errorf(ErrInvalidTree, label(n), "parameter contexts must be declared at the top level")
	case n.RunStatus != types.RunStatusNone && !n.Ref.Kind.Runnable():
		return errorf(ErrInvalidTree, label(n), "%s has no run status", n.Ref.Kind)
	case n.RunStatus == types.RunStatusInvalid:
		return errorf(ErrInvalidTree, label(n), "run status Invalid cannot be requested")
	}
	if c, ok := n.Spec.(types.ConnectionSpec); ok && (c.Source.IsZero() || c.Destination.IsZero()) {
		return errorf(ErrInvalidTree, label(n), "connection needs a source and a destination")
	}
	return nil
}

func label(n *types.DesiredNode) string {
	if name := n.Name(); name != "" {
		return string(n.Ref.Kind) + "/" + name
	}
	return n.Ref.String()
}
