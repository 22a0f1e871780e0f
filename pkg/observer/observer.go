package observer

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/flowsync/pkg/cluster"
	"github.com/cuemby/flowsync/pkg/log"
	"github.com/cuemby/flowsync/pkg/metrics"
	"github.com/cuemby/flowsync/pkg/types"
	"github.com/rs/zerolog"
)

// ErrorKind classifies observation failures
type ErrorKind string

const (
	ErrNotFound  ErrorKind = "not-found"
	ErrTransport ErrorKind = "transport"
)

// Error is returned when a snapshot could not be assembled
type Error struct {
	Kind ErrorKind
	Ref  types.EntityRef
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("observe %s: %s: %v", e.Ref, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Observer assembles snapshots of a cluster subtree. Every call reads fresh;
// nothing is cached between calls.
type Observer struct {
	cluster cluster.Cluster
	timeout time.Duration
	logger  zerolog.Logger
}

// New creates an observer. timeout bounds each remote read; zero disables it.
func New(c cluster.Cluster, timeout time.Duration) *Observer {
	return &Observer{
		cluster: c,
		timeout: timeout,
		logger:  log.WithComponent("observer"),
	}
}

// Observe fetches root, its descendants and every entity they reference.
// The cluster may change between reads; the snapshot is not isolated.
func (o *Observer) Observe(ctx context.Context, root types.EntityRef) (*types.ObservedNode, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ObserveDuration)

	ent, err := o.fetch(ctx, root)
	if err != nil {
		return nil, classify(root, err)
	}
	snapshot := toNode(ent)
	index := map[string]*types.ObservedNode{snapshot.Ref.ID: snapshot}

	if err := o.expand(ctx, snapshot, index); err != nil {
		return nil, err
	}
	if root.ID != types.RootGroupID {
		if err := o.attachParameterContexts(ctx, snapshot, index); err != nil {
			return nil, err
		}
	}
	if err := o.attachReferenced(ctx, snapshot, index); err != nil {
		return nil, err
	}
	fillNames(snapshot, index)

	count := snapshot.Count()
	metrics.ObservedEntities.Set(float64(count))
	o.logger.Debug().Str("root", root.String()).Int("entities", count).Msg("Observed subtree")
	return snapshot, nil
}

// Fetch reads a single entity. Reference names are not filled in.
func (o *Observer) Fetch(ctx context.Context, ref types.EntityRef) (*types.ObservedNode, error) {
	ent, err := o.fetch(ctx, ref)
	if err != nil {
		return nil, classify(ref, err)
	}
	return toNode(ent), nil
}

// Children reads the direct children of a process group without descending
func (o *Observer) Children(ctx context.Context, parent types.EntityRef) ([]*types.ObservedNode, error) {
	refs, err := o.list(ctx, parent)
	if err != nil {
		return nil, classify(parent, err)
	}
	nodes := make([]*types.ObservedNode, 0, len(refs))
	for _, ref := range refs {
		ent, err := o.fetch(ctx, ref)
		if cluster.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, classify(ref, err)
		}
		nodes = append(nodes, toNode(ent))
	}
	return nodes, nil
}

// expand recursively fills the children of container nodes
func (o *Observer) expand(ctx context.Context, node *types.ObservedNode, index map[string]*types.ObservedNode) error {
	if !node.Ref.Kind.Container() {
		return nil
	}
	refs, err := o.list(ctx, node.Ref)
	if cluster.IsNotFound(err) && node.Parent.Exists() {
		// removed after its parent was listed
		o.logger.Debug().Str("group", node.Ref.String()).Msg("Process group vanished during observation")
		return nil
	}
	if err != nil {
		return classify(node.Ref, err)
	}

	for _, ref := range refs {
		if _, seen := index[ref.ID]; seen {
			continue
		}
		ent, err := o.fetch(ctx, ref)
		if cluster.IsNotFound(err) {
			o.logger.Debug().Str("entity", ref.String()).Msg("Entity vanished between list and fetch")
			continue
		}
		if err != nil {
			return classify(ref, err)
		}
		child := toNode(ent)
		index[child.Ref.ID] = child
		node.Children = append(node.Children, child)
		if err := o.expand(ctx, child, index); err != nil {
			return err
		}
	}
	return nil
}

// attachReferenced fetches referenced entities living outside the subtree and
// hangs them off the root, following their own references too
func (o *Observer) attachReferenced(ctx context.Context, root *types.ObservedNode, index map[string]*types.ObservedNode) error {
	var queue []types.Reference
	root.Walk(func(n *types.ObservedNode) bool {
		if n.Spec != nil {
			queue = append(queue, n.Spec.References()...)
		}
		return true
	})

	for len(queue) > 0 {
		ref := queue[0]
		queue = queue[1:]
		if ref.ID == "" {
			continue
		}
		if _, ok := index[ref.ID]; ok {
			continue
		}
		ent, err := o.fetch(ctx, ref.EntityRef())
		if cluster.IsNotFound(err) {
			o.logger.Warn().Str("entity", ref.String()).Msg("Referenced entity does not exist")
			continue
		}
		if err != nil {
			return classify(ref.EntityRef(), err)
		}
		node := toNode(ent)
		node.Referenced = true
		index[node.Ref.ID] = node
		root.Children = append(root.Children, node)
		if node.Spec != nil {
			queue = append(queue, node.Spec.References()...)
		}
	}
	return nil
}

// attachParameterContexts makes every parameter context matchable by name
// when the observed subtree is not the canvas root. Their names are unique
// cluster-wide, so a declared context must pair with an existing one.
func (o *Observer) attachParameterContexts(ctx context.Context, root *types.ObservedNode, index map[string]*types.ObservedNode) error {
	canvas := types.EntityRef{Kind: types.KindProcessGroup, ID: types.RootGroupID}
	refs, err := o.list(ctx, canvas)
	if err != nil {
		return classify(canvas, err)
	}
	for _, ref := range refs {
		if ref.Kind != types.KindParameterContext {
			continue
		}
		if _, ok := index[ref.ID]; ok {
			continue
		}
		ent, err := o.fetch(ctx, ref)
		if cluster.IsNotFound(err) {
			continue
		}
		if err != nil {
			return classify(ref, err)
		}
		node := toNode(ent)
		node.Referenced = true
		index[node.Ref.ID] = node
		root.Children = append(root.Children, node)
	}
	return nil
}

func fillNames(root *types.ObservedNode, index map[string]*types.ObservedNode) {
	root.Walk(func(n *types.ObservedNode) bool {
		if n.Spec == nil {
			return true
		}
		n.Spec = n.Spec.WithReferences(func(r types.Reference) types.Reference {
			if target, ok := index[r.ID]; ok {
				r.Name = target.Name()
			}
			return r
		})
		return true
	})
}

func (o *Observer) fetch(ctx context.Context, ref types.EntityRef) (*cluster.Entity, error) {
	ctx, cancel := o.withTimeout(ctx)
	defer cancel()
	return o.cluster.Fetch(ctx, ref)
}

func (o *Observer) list(ctx context.Context, ref types.EntityRef) ([]types.EntityRef, error) {
	ctx, cancel := o.withTimeout(ctx)
	defer cancel()
	return o.cluster.ListChildren(ctx, ref)
}

func (o *Observer) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.timeout)
}

func classify(ref types.EntityRef, err error) *Error {
	if cluster.IsNotFound(err) {
		return &Error{Kind: ErrNotFound, Ref: ref, Err: err}
	}
	return &Error{Kind: ErrTransport, Ref: ref, Err: err}
}

func toNode(ent *cluster.Entity) *types.ObservedNode {
	return &types.ObservedNode{
		Ref:       ent.Ref,
		Parent:    ent.Parent,
		Spec:      ent.Spec,
		Revision:  ent.Revision,
		RunStatus: ent.RunStatus,
	}
}
