package task

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the lifecycle position of a task.
type Status string

const (
	StatusCreated   Status = "CREATED"
	StatusScheduled Status = "SCHEDULED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusStopped   Status = "STOPPED"
)

// ParseStatus validates a status string received from outside the process.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusCreated, StatusScheduled, StatusRunning, StatusCompleted, StatusFailed, StatusStopped:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown task status %q", s)
}

// Terminal reports whether no further transitions are legal from this
// status, except that STOPPED may still be reported over COMPLETED/FAILED
// when a stop request races completion.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped:
		return true
	}
	return false
}

// Priority orders claim attempts when multiple tasks are due.
type Priority string

const (
	PriorityHigh Priority = "HIGH"
	PriorityLow  Priority = "LOW"
)

// ParsePriority validates a priority string, defaulting to LOW when empty.
func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case "":
		return PriorityLow, nil
	case PriorityHigh, PriorityLow:
		return Priority(s), nil
	}
	return "", fmt.Errorf("unknown task priority %q", s)
}

// FailureInfo records why a task execution failed.
type FailureInfo struct {
	Message string `json:"message"`
	Trace   string `json:"trace,omitempty"`
}

// State is the full snapshot of one task as persisted in the coordination
// store. Checkpoint and Configuration are opaque to this core; they round
// trip through storage unchanged.
type State struct {
	ID            ID              `json:"id"`
	Status        Status          `json:"status"`
	Type          string          `json:"task_type"`
	Creator       string          `json:"creator"`
	Schedule      Schedule        `json:"schedule"`
	Priority      Priority        `json:"priority"`
	Owner         EngineID        `json:"owner_engine,omitempty"`
	Checkpoint    json.RawMessage `json:"checkpoint,omitempty"`
	Configuration json.RawMessage `json:"configuration,omitempty"`
	Failure       *FailureInfo    `json:"failure,omitempty"`
}

// New builds a CREATED task with a fresh id.
func New(taskType, creator string, schedule Schedule, priority Priority) State {
	if priority == "" {
		priority = PriorityLow
	}
	return State{
		ID:       NewID(),
		Status:   StatusCreated,
		Type:     taskType,
		Creator:  creator,
		Schedule: schedule,
		Priority: priority,
	}
}

// MarkScheduled transitions to SCHEDULED. Legal from CREATED, from COMPLETED
// when the schedule is recurring, and from RUNNING when a process requeues
// its own orphaned tasks after a crash; the owner is cleared.
func (s State) MarkScheduled() (State, error) {
	switch {
	case s.Status == StatusCreated, s.Status == StatusRunning:
	case s.Status == StatusCompleted && s.Schedule.IsRecurring():
	default:
		return State{}, transitionErr(s.Status, StatusScheduled)
	}
	s.Status = StatusScheduled
	s.Owner = ""
	return s, nil
}

// MarkRunning transitions SCHEDULED to RUNNING and records the owning engine.
func (s State) MarkRunning(engine EngineID) (State, error) {
	if s.Status != StatusScheduled {
		return State{}, transitionErr(s.Status, StatusRunning)
	}
	if engine == "" {
		return State{}, fmt.Errorf("%w: running task needs an owner", ErrInvalidTransition)
	}
	s.Status = StatusRunning
	s.Owner = engine
	return s, nil
}

// WithCheckpoint replaces the checkpoint payload. Valid only while RUNNING.
func (s State) WithCheckpoint(payload json.RawMessage) (State, error) {
	if s.Status != StatusRunning {
		return State{}, fmt.Errorf("%w: checkpoint while %s", ErrInvalidTransition, s.Status)
	}
	s.Checkpoint = payload
	return s, nil
}

// MarkCompleted finishes a RUNNING task. One-off tasks become COMPLETED;
// recurring tasks return to SCHEDULED with RunAt advanced past now, never
// reaching a terminal state.
func (s State) MarkCompleted() (State, error) {
	return s.markCompletedAt(time.Now())
}

func (s State) markCompletedAt(now time.Time) (State, error) {
	if s.Status != StatusRunning {
		return State{}, transitionErr(s.Status, StatusCompleted)
	}
	s.Owner = ""
	if s.Schedule.IsRecurring() {
		s.Status = StatusScheduled
		s.Schedule = s.Schedule.advance(now)
		return s, nil
	}
	s.Status = StatusCompleted
	return s, nil
}

// MarkFailed transitions RUNNING to FAILED and records the failure.
func (s State) MarkFailed(failure FailureInfo) (State, error) {
	if s.Status != StatusRunning {
		return State{}, transitionErr(s.Status, StatusFailed)
	}
	s.Status = StatusFailed
	s.Owner = ""
	s.Failure = &failure
	return s, nil
}

// MarkStopped transitions any non-terminal status to STOPPED and clears the
// owner.
func (s State) MarkStopped() (State, error) {
	if s.Status.Terminal() {
		return State{}, transitionErr(s.Status, StatusStopped)
	}
	s.Status = StatusStopped
	s.Owner = ""
	return s, nil
}

func transitionErr(from, to Status) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
