package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/nathangokul/grakn/internal/task"
)

// taskKeyPrefix is the key namespace for task snapshots.
const taskKeyPrefix = "tasks/"

// updateAttempts bounds the read-check-write retry loop in UpdateState. A
// retry only happens when another writer moved the key's revision between
// our read and our transaction; the precondition is re-checked against the
// fresh snapshot each time.
const updateAttempts = 3

// EtcdStore is the etcd-backed coordination store. Task snapshots are JSON
// values under "tasks/<id>"; create-if-absent and the ownership-checked
// conditional write are expressed as etcd transactions comparing revisions,
// so a successful write is immediately visible to every engine process.
type EtcdStore struct {
	client  *clientv3.Client
	timeout time.Duration
}

// NewEtcdStore connects to the etcd cluster at the given endpoints. The
// timeout applies to the initial dial and to each storage operation.
func NewEtcdStore(endpoints []string, timeout time.Duration) (*EtcdStore, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to etcd: %w", err)
	}

	return &EtcdStore{
		client:  cli,
		timeout: timeout,
	}, nil
}

// Close releases the etcd client.
func (s *EtcdStore) Close() error {
	return s.client.Close()
}

// NewState creates the task entry, failing when the key already exists.
func (s *EtcdStore) NewState(ctx context.Context, state task.State) (task.ID, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	key := taskKeyPrefix + state.ID.String()
	data, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("marshal task %s: %w", state.ID, err)
	}

	// CreateRevision == 0 means the key has never been written.
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(data))).
		Commit()
	if err != nil {
		return "", fmt.Errorf("create task %s: %w", state.ID, err)
	}
	if !resp.Succeeded {
		return "", fmt.Errorf("%w: %s", task.ErrDuplicateTask, state.ID)
	}
	return state.ID, nil
}

// GetState retrieves a task by id.
func (s *EtcdStore) GetState(ctx context.Context, id task.ID) (task.State, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	state, _, err := s.read(ctx, id)
	return state, err
}

// UpdateState performs the ownership-checked conditional write. The current
// snapshot and its ModRevision are read, the precondition is checked against
// it, and the put is committed only if the revision is unchanged. Losing the
// revision race triggers a bounded re-read; a failed precondition is
// task.ErrConflict and leaves the stored state untouched.
func (s *EtcdStore) UpdateState(ctx context.Context, state task.State) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	key := taskKeyPrefix + state.ID.String()
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", state.ID, err)
	}

	for attempt := 0; attempt < updateAttempts; attempt++ {
		stored, rev, err := s.read(ctx, state.ID)
		if err != nil {
			return err
		}
		if err := checkUpdate(stored, state); err != nil {
			return err
		}

		resp, err := s.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(key), "=", rev)).
			Then(clientv3.OpPut(key, string(data))).
			Commit()
		if err != nil {
			return fmt.Errorf("update task %s: %w", state.ID, err)
		}
		if resp.Succeeded {
			return nil
		}
		// Another writer got in between; re-read and re-check.
	}
	return fmt.Errorf("%w: task %s kept changing under the update", task.ErrConflict, state.ID)
}

// GetTasks lists all task snapshots under the prefix and filters client
// side, ordered by id.
func (s *EtcdStore) GetTasks(ctx context.Context, filter Filter, limit, offset int) ([]task.State, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.client.Get(ctx, taskKeyPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	states := make([]task.State, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		state, err := decodeState(kv.Value)
		if err != nil {
			return nil, err
		}
		if filter.Matches(state) {
			states = append(states, state)
		}
	}
	return page(states, limit, offset), nil
}

func (s *EtcdStore) read(ctx context.Context, id task.ID) (task.State, int64, error) {
	resp, err := s.client.Get(ctx, taskKeyPrefix+id.String())
	if err != nil {
		return task.State{}, 0, fmt.Errorf("get task %s: %w", id, err)
	}
	if len(resp.Kvs) == 0 {
		return task.State{}, 0, fmt.Errorf("%w: %s", task.ErrNotFound, id)
	}
	state, err := decodeState(resp.Kvs[0].Value)
	if err != nil {
		return task.State{}, 0, err
	}
	return state, resp.Kvs[0].ModRevision, nil
}
