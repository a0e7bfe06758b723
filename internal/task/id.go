package task

import "github.com/google/uuid"

// ID identifies one schedulable unit of work. A recurring series keeps the
// same ID across repeated runs. IDs are immutable and unique for the life of
// the store.
type ID string

// NewID generates a fresh task id.
func NewID() ID {
	return ID(uuid.NewString())
}

// IDOf adopts an externally supplied id.
func IDOf(s string) ID {
	return ID(s)
}

func (id ID) String() string { return string(id) }

// EngineID identifies one worker-process instance. Distinct processes never
// share an id within their lifetime; a process that persists its id across
// restarts can recover its own orphaned tasks.
type EngineID string

// NewEngineID generates a fresh engine id.
func NewEngineID() EngineID {
	return EngineID(uuid.NewString())
}

func (e EngineID) String() string { return string(e) }
