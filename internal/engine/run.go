package engine

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/nathangokul/grakn/internal/storage"
	"github.com/nathangokul/grakn/internal/task"
)

// Run is the handle an Execution uses to interact with its own task state:
// the configuration it was submitted with, the checkpoint to resume from,
// and checkpoint writes during execution.
//
// Checkpoint writes for one task are serialized here; the run is the single
// writer for its task while the engine owns it.
type Run struct {
	store storage.TaskStateStorage

	mu    sync.Mutex
	state task.State
}

func newRun(store storage.TaskStateStorage, state task.State) *Run {
	return &Run{store: store, state: state}
}

// Configuration returns the opaque payload the task was submitted with.
func (r *Run) Configuration() json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Configuration
}

// Resume returns the checkpoint recorded by a previous run of this task, or
// nil when starting fresh.
func (r *Run) Resume() json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Checkpoint
}

// Checkpoint persists a progress payload. Only the current owner's writes
// are accepted: once a stop (or a competing owner) is persisted the write
// fails with task.ErrConflict, which the execution should treat as its cue
// to stop.
func (r *Run) Checkpoint(ctx context.Context, payload json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next, err := r.state.WithCheckpoint(payload)
	if err != nil {
		return err
	}
	if err := r.store.UpdateState(ctx, next); err != nil {
		return err
	}
	r.state = next
	return nil
}

// snapshot returns the latest locally known state of the task.
func (r *Run) snapshot() task.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}
