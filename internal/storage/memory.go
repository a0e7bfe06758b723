package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nathangokul/grakn/internal/task"
)

// MemoryStore keeps task state in process memory. It implements the full
// storage contract and is used by tests and by single-process deployments
// that do not need cross-process visibility.
//
// Entries are held as encoded snapshots so opaque payloads round-trip
// exactly as they would through a remote store, and so callers never alias
// stored byte slices.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[task.ID][]byte
}

// NewMemoryStore initializes an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[task.ID][]byte),
	}
}

// NewState persists a new task, rejecting duplicate ids.
func (s *MemoryStore) NewState(ctx context.Context, state task.State) (task.ID, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("marshal task %s: %w", state.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[state.ID]; exists {
		return "", fmt.Errorf("%w: %s", task.ErrDuplicateTask, state.ID)
	}
	s.entries[state.ID] = data
	return state.ID, nil
}

// GetState retrieves a task by id.
func (s *MemoryStore) GetState(ctx context.Context, id task.ID) (task.State, error) {
	s.mu.RLock()
	data, exists := s.entries[id]
	s.mu.RUnlock()

	if !exists {
		return task.State{}, fmt.Errorf("%w: %s", task.ErrNotFound, id)
	}
	return decodeState(data)
}

// UpdateState writes a full snapshot if the precondition holds. The check
// and the write happen under one lock, so concurrent claimers within the
// process serialize exactly like they would against a remote store's
// conditional write.
func (s *MemoryStore) UpdateState(ctx context.Context, state task.State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", state.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.entries[state.ID]
	if !exists {
		return fmt.Errorf("%w: %s", task.ErrNotFound, state.ID)
	}
	stored, err := decodeState(current)
	if err != nil {
		return err
	}
	if err := checkUpdate(stored, state); err != nil {
		return err
	}
	s.entries[state.ID] = data
	return nil
}

// GetTasks lists tasks matching the filter, ordered by id.
func (s *MemoryStore) GetTasks(ctx context.Context, filter Filter, limit, offset int) ([]task.State, error) {
	s.mu.RLock()
	snapshots := make([][]byte, 0, len(s.entries))
	for _, data := range s.entries {
		snapshots = append(snapshots, data)
	}
	s.mu.RUnlock()

	states := make([]task.State, 0, len(snapshots))
	for _, data := range snapshots {
		state, err := decodeState(data)
		if err != nil {
			return nil, err
		}
		if filter.Matches(state) {
			states = append(states, state)
		}
	}
	return page(states, limit, offset), nil
}

func decodeState(data []byte) (task.State, error) {
	var state task.State
	if err := json.Unmarshal(data, &state); err != nil {
		return task.State{}, fmt.Errorf("unmarshal task: %w", err)
	}
	return state, nil
}
