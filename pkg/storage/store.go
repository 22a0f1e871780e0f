package storage

import (
	"errors"
	"time"

	"github.com/cuemby/flowsync/pkg/executor"
	"github.com/cuemby/flowsync/pkg/types"
)

// ErrNotFound is returned when a run is not in the history
var ErrNotFound = errors.New("run not found")

// Store records reconcile runs. The cluster stays the only source of truth
// for entity state; the history is an audit trail and is never read back by
// the engine.
type Store interface {
	RecordRun(run *Run) error
	GetRun(id string) (*Run, error)
	ListRuns(limit int) ([]*Run, error)
	PruneRuns(keep int) (int, error)

	Close() error
}

// Run is the stored summary of one reconcile call
type Run struct {
	ID              string          `json:"id"`
	Root            types.EntityRef `json:"root"`
	Deletion        string          `json:"deletion"`
	Result          string          `json:"result"`
	Started         time.Time       `json:"started"`
	Finished        time.Time       `json:"finished"`
	Attempts        int             `json:"attempts"`
	Planned         int             `json:"planned"`
	ConflictRetries int             `json:"conflict_retries"`
	Remaining       int             `json:"remaining"`
	Error           string          `json:"error,omitempty"`
	Changes         []ChangeRecord  `json:"changes,omitempty"`
}

// ChangeRecord is one change of a stored run
type ChangeRecord struct {
	Op       string `json:"op"`
	Kind     string `json:"kind"`
	Name     string `json:"name"`
	EntityID string `json:"entity_id,omitempty"`
	State    string `json:"state"` // applied, recovered, failed or skipped
	Error    string `json:"error,omitempty"`
}

// Count returns the number of changes in the given state
func (r *Run) Count(state string) int {
	n := 0
	for _, c := range r.Changes {
		if c.State == state {
			n++
		}
	}
	return n
}

// NewRun summarizes an outcome for the history
func NewRun(root types.EntityRef, policy types.Policy, o *executor.Outcome) *Run {
	run := &Run{
		ID:              o.RunID,
		Root:            root,
		Deletion:        string(policy.Deletion),
		Result:          o.Result(),
		Started:         o.Started,
		Finished:        o.Finished,
		Attempts:        o.Attempts,
		Planned:         o.Planned,
		ConflictRetries: o.ConflictRetries,
		Remaining:       o.Remaining,
	}
	if o.Err != nil {
		run.Error = o.Err.Error()
	}

	for _, res := range o.Applied {
		state := "applied"
		if res.Recovered {
			state = "recovered"
		}
		run.Changes = append(run.Changes, ChangeRecord{
			Op:       string(res.Change.Op),
			Kind:     string(res.Change.Target.Kind),
			Name:     res.Change.Name,
			EntityID: res.Ref.ID,
			State:    state,
		})
	}
	for _, f := range o.Failures {
		run.Changes = append(run.Changes, ChangeRecord{
			Op:       string(f.Change.Op),
			Kind:     string(f.Change.Target.Kind),
			Name:     f.Change.Name,
			EntityID: f.Change.Target.ID,
			State:    "failed",
			Error:    f.Err.Error(),
		})
	}
	for _, c := range o.Skipped {
		run.Changes = append(run.Changes, ChangeRecord{
			Op:       string(c.Op),
			Kind:     string(c.Target.Kind),
			Name:     c.Name,
			EntityID: c.Target.ID,
			State:    "skipped",
		})
	}
	return run
}
