// Package storage persists task state in a coordination store shared by all
// engine processes. The conditional write in UpdateState is the only
// inter-process synchronization primitive in the system: claim races,
// stop-vs-checkpoint races and completion-vs-stop races all resolve through
// it.
package storage

import (
	"context"
	"fmt"
	"sort"

	"github.com/nathangokul/grakn/internal/task"
)

// TaskStateStorage is the durable, shared persistence contract for task
// state. Every backend provides create-if-absent, read, conditional write
// and filtered listing with cross-process visibility.
type TaskStateStorage interface {
	// NewState persists a new task, failing with task.ErrDuplicateTask if
	// the id already exists.
	NewState(ctx context.Context, state task.State) (task.ID, error)

	// GetState loads a task, failing with task.ErrNotFound if absent.
	GetState(ctx context.Context, id task.ID) (task.State, error)

	// UpdateState performs a full-snapshot conditional write. It fails with
	// task.ErrConflict when the ownership or terminal-state precondition
	// does not hold; the stored state is left untouched.
	UpdateState(ctx context.Context, state task.State) error

	// GetTasks lists tasks matching the AND of the set filter fields,
	// ordered by id. limit == 0 means unlimited. Pagination via
	// limit/offset is best-effort under concurrent writes: the only
	// guaranteed property is that pages over one unchanging snapshot are
	// disjoint and jointly exhaustive.
	GetTasks(ctx context.Context, filter Filter, limit, offset int) ([]task.State, error)
}

// Filter selects tasks by the AND of its non-zero fields.
type Filter struct {
	Status   task.Status
	TaskType string
	Creator  string
	Engine   task.EngineID
}

// Matches reports whether the state satisfies every set field.
func (f Filter) Matches(s task.State) bool {
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if f.TaskType != "" && s.Type != f.TaskType {
		return false
	}
	if f.Creator != "" && s.Creator != f.Creator {
		return false
	}
	if f.Engine != "" && s.Owner != f.Engine {
		return false
	}
	return true
}

// checkUpdate is the single enforcement point for the write precondition.
// Two rules cover the at-most-one-owner invariant and terminal-state
// protection:
//
//  1. a terminal entry only accepts an incoming STOPPED (a stop request may
//     still be reported over a raced completion or failure);
//  2. an incoming RUNNING write must carry the stored owner, or the stored
//     entry must be unowned. A claim losing the race and a checkpoint from a
//     superseded engine both fail here.
func checkUpdate(stored, incoming task.State) error {
	if stored.Status.Terminal() && incoming.Status != task.StatusStopped {
		return fmt.Errorf("%w: task %s is %s", task.ErrConflict, stored.ID, stored.Status)
	}
	if incoming.Status == task.StatusRunning && stored.Owner != "" && stored.Owner != incoming.Owner {
		return fmt.Errorf("%w: task %s is owned by engine %s", task.ErrConflict, stored.ID, stored.Owner)
	}
	return nil
}

// page sorts states by id and applies offset/limit. Shared by the backends
// that filter client-side.
func page(states []task.State, limit, offset int) []task.State {
	sort.Slice(states, func(i, j int) bool { return states[i].ID < states[j].ID })
	if offset >= len(states) {
		return nil
	}
	states = states[offset:]
	if limit > 0 && limit < len(states) {
		states = states[:limit]
	}
	return states
}
