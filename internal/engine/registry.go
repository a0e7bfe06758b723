// Package engine orchestrates background tasks: submission, claiming due
// work through the storage layer's conditional writes, execution on a
// bounded local worker pool, checkpointing, stopping and crash recovery.
// Every engine process runs its own manager against the shared store; there
// is no elected leader.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/nathangokul/grakn/internal/task"
)

// Execution is one runnable background task instance. Start blocks until
// the work is done and must poll ctx at safe points: cancellation is the
// cooperative stop signal. A non-nil error (or a panic) marks the task
// FAILED.
type Execution interface {
	Start(ctx context.Context, run *Run) error
}

// ExecutionFunc adapts a function to the Execution interface.
type ExecutionFunc func(ctx context.Context, run *Run) error

func (f ExecutionFunc) Start(ctx context.Context, run *Run) error { return f(ctx, run) }

// Factory constructs a fresh Execution for one run of a task.
type Factory func() Execution

// Registry maps stable task-type identifiers to factories. It is populated
// at process startup by whatever binary embeds the engine; unresolved
// identifiers fail fast as task.ErrInvalidTaskClass.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds a task type to a factory. Empty names, nil factories and
// duplicate registrations are rejected.
func (r *Registry) Register(taskType string, factory Factory) error {
	if taskType == "" {
		return fmt.Errorf("register: task type must not be empty")
	}
	if factory == nil {
		return fmt.Errorf("register %s: factory must not be nil", taskType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[taskType]; exists {
		return fmt.Errorf("register %s: already registered", taskType)
	}
	r.factories[taskType] = factory
	return nil
}

// Resolve looks up the factory for a task type.
func (r *Registry) Resolve(taskType string) (Factory, error) {
	r.mu.RLock()
	factory, exists := r.factories[taskType]
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", task.ErrInvalidTaskClass, taskType)
	}
	return factory, nil
}
