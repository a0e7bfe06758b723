package task

import "errors"

// Error taxonomy shared by the storage backends, the manager and the API
// boundary. Callers match with errors.Is; wrap with %w to add context.
var (
	// ErrNotFound is returned when no task with the given id exists.
	ErrNotFound = errors.New("task not found")

	// ErrDuplicateTask is returned by NewState when the id is already taken.
	ErrDuplicateTask = errors.New("task already exists")

	// ErrConflict is returned by a conditional write whose ownership or
	// terminal-state precondition failed. Lost claim races surface as this.
	ErrConflict = errors.New("conflicting task update")

	// ErrInvalidTaskClass is returned when a task type does not resolve in
	// the execution registry.
	ErrInvalidTaskClass = errors.New("unknown task type")

	// ErrInvalidTransition is returned by a state transition that is not
	// legal from the current status.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrSubmission wraps storage failures during task submission.
	ErrSubmission = errors.New("task submission failed")

	// ErrTimeout is returned when a bounded batch operation exceeds its
	// deadline.
	ErrTimeout = errors.New("operation timed out")
)
