// Package cluster defines the operations flowsync needs from a flow cluster
// and an in-memory implementation for tests.
package cluster

import (
	"context"
	"errors"

	"github.com/cuemby/flowsync/pkg/types"
)

var (
	// ErrNotFound is returned when the entity does not exist
	ErrNotFound = errors.New("entity not found")

	// ErrConflict is returned when the revision token is not the latest one
	ErrConflict = errors.New("revision conflict")

	// ErrValidation is returned when the cluster rejects the request itself
	ErrValidation = errors.New("validation failed")

	// ErrTransport is returned when the cluster could not be reached or
	// answered with a server-side failure
	ErrTransport = errors.New("transport failure")
)

// Entity is one entity as reported by the cluster. References inside Spec
// carry ids only.
type Entity struct {
	Ref       types.EntityRef
	Parent    types.EntityRef
	Spec      types.Spec
	Revision  types.RevisionToken
	RunStatus types.RunStatus
}

// Cluster is the remote flow-management API. Every mutation takes the most
// recently observed revision of its target and returns the new one.
type Cluster interface {
	// Fetch reads one entity
	Fetch(ctx context.Context, ref types.EntityRef) (*Entity, error)

	// ListChildren enumerates the entities directly contained in a process
	// group. Listing the canvas root also returns every parameter context.
	ListChildren(ctx context.Context, ref types.EntityRef) ([]types.EntityRef, error)

	// Create creates spec under parent. Parameter contexts ignore parent.
	Create(ctx context.Context, parent types.EntityRef, spec types.Spec) (types.EntityRef, types.RevisionToken, error)

	// Update replaces the configuration of ref
	Update(ctx context.Context, ref types.EntityRef, rev types.RevisionToken, spec types.Spec) (types.RevisionToken, error)

	// Delete removes ref
	Delete(ctx context.Context, ref types.EntityRef, rev types.RevisionToken) error

	// SetRunStatus starts, stops or disables a runnable component
	SetRunStatus(ctx context.Context, ref types.EntityRef, rev types.RevisionToken, status types.RunStatus) (types.RevisionToken, error)
}

// IsNotFound reports whether err means the entity does not exist
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict reports whether err is a revision conflict
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsValidation reports whether the cluster rejected the request
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsTimeout reports whether err is a deadline expiry, which leaves the outcome
// of a mutation unknown
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
