package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/flowsync/pkg/cluster"
	"github.com/cuemby/flowsync/pkg/differ"
	"github.com/cuemby/flowsync/pkg/types"
)

// ErrorKind classifies the failure of one change
type ErrorKind string

const (
	ErrValidation ErrorKind = "validation"
	ErrConflict   ErrorKind = "conflict"
	ErrTransport  ErrorKind = "transport"
	ErrUnknown    ErrorKind = "unknown"
)

// ApplyError is the failure of one change
type ApplyError struct {
	Kind   ErrorKind
	Change *differ.Change
	Err    error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Change, e.Kind, e.Err)
}

func (e *ApplyError) Unwrap() error {
	return e.Err
}

// ConflictExhaustedError is returned when a change kept hitting revision
// conflicts. It aborts the remaining changes whatever the failure policy.
type ConflictExhaustedError struct {
	Change   *differ.Change
	Target   types.EntityRef
	Attempts int
	Err      error
}

func (e *ConflictExhaustedError) Error() string {
	return fmt.Sprintf("%s: revision conflict persisted after %d attempts on %s: %v", e.Change, e.Attempts, e.Target, e.Err)
}

func (e *ConflictExhaustedError) Unwrap() error {
	return e.Err
}

// IsConflictExhausted reports whether err is or wraps a ConflictExhaustedError
func IsConflictExhausted(err error) bool {
	var target *ConflictExhaustedError
	return errors.As(err, &target)
}

func classify(err error) ErrorKind {
	switch {
	case cluster.IsValidation(err):
		return ErrValidation
	case cluster.IsConflict(err), cluster.IsNotFound(err):
		return ErrConflict
	case errors.Is(err, cluster.ErrTransport), cluster.IsTimeout(err):
		return ErrTransport
	default:
		return ErrUnknown
	}
}

// Result is one applied change
type Result struct {
	Change *differ.Change
	Ref    types.EntityRef

	// Recovered is set when the change was found already in effect after a
	// conflict or a timed-out call, so it was not issued again
	Recovered bool
}

// Failure is one change that could not be applied
type Failure struct {
	Change *differ.Change
	Err    error
}

// Outcome describes what a run did. Changes applied before a failure stay
// applied; re-running the reconcile converges further.
type Outcome struct {
	RunID           string
	Planned         int
	Applied         []Result
	Skipped         []*differ.Change
	Failures        []Failure
	Remaining       int // changes never attempted because the run stopped
	ConflictRetries int
	Attempts        int // observe/diff/apply passes, set by the reconciler
	Started         time.Time
	Finished        time.Time

	// Err is nil only when every planned change was applied
	Err error
}

// Converged reports whether the run applied everything it planned
func (o *Outcome) Converged() bool {
	return o.Err == nil && len(o.Failures) == 0 && len(o.Skipped) == 0 && o.Remaining == 0
}

// Failed returns the first failure, or nil
func (o *Outcome) Failed() *Failure {
	if len(o.Failures) == 0 {
		return nil
	}
	return &o.Failures[0]
}

// Count returns the number of applied changes with the given op
func (o *Outcome) Count(op differ.Op) int {
	n := 0
	for _, r := range o.Applied {
		if r.Change.Op == op {
			n++
		}
	}
	return n
}

// Mutations returns the number of applied creates, updates and deletes
func (o *Outcome) Mutations() int {
	return o.Count(differ.OpCreate) + o.Count(differ.OpUpdate) + o.Count(differ.OpDelete)
}

// Duration returns how long the run took
func (o *Outcome) Duration() time.Duration {
	if o.Finished.IsZero() {
		return time.Since(o.Started)
	}
	return o.Finished.Sub(o.Started)
}

// Result returns a short word for metrics and history
func (o *Outcome) Result() string {
	switch {
	case o.Converged():
		return "converged"
	case errors.Is(o.Err, context.Canceled):
		return "cancelled"
	case len(o.Applied) > 0:
		return "partial"
	default:
		return "failed"
	}
}
