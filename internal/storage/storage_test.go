package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nathangokul/grakn/internal/task"
)

// The contract suite runs against every embedded backend; the etcd backend
// shares checkUpdate and the codec with these and differs only in transport.
func backends(t *testing.T) map[string]func(t *testing.T) TaskStateStorage {
	return map[string]func(t *testing.T) TaskStateStorage{
		"memory": func(t *testing.T) TaskStateStorage {
			return NewMemoryStore()
		},
		"sqlite": func(t *testing.T) TaskStateStorage {
			store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "tasks.db"), time.Second)
			require.NoError(t, err)
			t.Cleanup(func() { _ = store.Close() })
			return store
		},
	}
}

func forEachBackend(t *testing.T, test func(t *testing.T, store TaskStateStorage)) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			test(t, open(t))
		})
	}
}

func scheduledTask(creator string) task.State {
	state, err := task.New("postprocessing", creator, task.Now(), task.PriorityLow).MarkScheduled()
	if err != nil {
		panic(err)
	}
	return state
}

func TestNewStateThenGetState_RoundTrips(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store TaskStateStorage) {
		ctx := context.Background()
		state := task.New("statistics", "storage_test", task.Recurring(time.Now(), time.Minute), task.PriorityHigh)
		state.Configuration = json.RawMessage(`{"keyspace":"grakn","shards":3}`)

		id, err := store.NewState(ctx, state)
		require.NoError(t, err)
		require.Equal(t, state.ID, id)

		got, err := store.GetState(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, state.ID, got.ID)
		assert.Equal(t, state.Status, got.Status)
		assert.Equal(t, state.Type, got.Type)
		assert.Equal(t, state.Creator, got.Creator)
		assert.Equal(t, state.Priority, got.Priority)
		assert.True(t, state.Schedule.RunAt.Equal(got.Schedule.RunAt))
		assert.Equal(t, state.Schedule.Interval, got.Schedule.Interval)
		assert.JSONEq(t, string(state.Configuration), string(got.Configuration))
	})
}

func TestNewState_RejectsDuplicateID(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store TaskStateStorage) {
		ctx := context.Background()
		state := scheduledTask("storage_test")

		_, err := store.NewState(ctx, state)
		require.NoError(t, err)

		_, err = store.NewState(ctx, state)
		assert.ErrorIs(t, err, task.ErrDuplicateTask)
	})
}

func TestGetState_MissingIsNotFound(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store TaskStateStorage) {
		_, err := store.GetState(context.Background(), task.NewID())
		assert.ErrorIs(t, err, task.ErrNotFound)
	})
}

func TestUpdateState_MissingIsNotFound(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store TaskStateStorage) {
		err := store.UpdateState(context.Background(), scheduledTask("storage_test"))
		assert.ErrorIs(t, err, task.ErrNotFound)
	})
}

func TestUpdateState_PersistsRunningAndCheckpoint(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store TaskStateStorage) {
		ctx := context.Background()
		engine := task.NewEngineID()

		id, err := store.NewState(ctx, scheduledTask("storage_test"))
		require.NoError(t, err)

		state, err := store.GetState(ctx, id)
		require.NoError(t, err)
		running, err := state.MarkRunning(engine)
		require.NoError(t, err)
		running, err = running.WithCheckpoint(json.RawMessage(`{"checkpoint":true}`))
		require.NoError(t, err)

		require.NoError(t, store.UpdateState(ctx, running))

		got, err := store.GetState(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, task.StatusRunning, got.Status)
		assert.Equal(t, engine, got.Owner)
		assert.JSONEq(t, `{"checkpoint":true}`, string(got.Checkpoint))
	})
}

func TestUpdateState_RejectsCompetingOwner(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store TaskStateStorage) {
		ctx := context.Background()

		id, err := store.NewState(ctx, scheduledTask("storage_test"))
		require.NoError(t, err)
		state, err := store.GetState(ctx, id)
		require.NoError(t, err)

		winner, err := state.MarkRunning("engine-a")
		require.NoError(t, err)
		require.NoError(t, store.UpdateState(ctx, winner))

		loser, err := state.MarkRunning("engine-b")
		require.NoError(t, err)
		err = store.UpdateState(ctx, loser)
		assert.ErrorIs(t, err, task.ErrConflict)

		// The stored state is untouched by the rejected write.
		got, err := store.GetState(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, task.StatusRunning, got.Status)
		assert.Equal(t, task.EngineID("engine-a"), got.Owner)
	})
}

func TestUpdateState_RejectsCheckpointAfterStop(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store TaskStateStorage) {
		ctx := context.Background()

		id, err := store.NewState(ctx, scheduledTask("storage_test"))
		require.NoError(t, err)
		state, err := store.GetState(ctx, id)
		require.NoError(t, err)

		running, err := state.MarkRunning("engine-a")
		require.NoError(t, err)
		require.NoError(t, store.UpdateState(ctx, running))

		stopped, err := running.MarkStopped()
		require.NoError(t, err)
		require.NoError(t, store.UpdateState(ctx, stopped))

		got, err := store.GetState(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, task.StatusStopped, got.Status)
		assert.Empty(t, got.Owner)

		// The previous owner's checkpoint write loses.
		late, err := running.WithCheckpoint(json.RawMessage(`{"step":99}`))
		require.NoError(t, err)
		assert.ErrorIs(t, store.UpdateState(ctx, late), task.ErrConflict)
	})
}

func TestUpdateState_StopWinsOverCompletion(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store TaskStateStorage) {
		ctx := context.Background()

		id, err := store.NewState(ctx, scheduledTask("storage_test"))
		require.NoError(t, err)
		state, err := store.GetState(ctx, id)
		require.NoError(t, err)
		running, err := state.MarkRunning("engine-a")
		require.NoError(t, err)
		require.NoError(t, store.UpdateState(ctx, running))

		completed, err := running.MarkCompleted()
		require.NoError(t, err)
		require.NoError(t, store.UpdateState(ctx, completed))

		// A racing stop may still be reported over COMPLETED...
		stopped, err := running.MarkStopped()
		require.NoError(t, err)
		require.NoError(t, store.UpdateState(ctx, stopped))

		// ...but nothing else moves a terminal entry.
		assert.ErrorIs(t, store.UpdateState(ctx, completed), task.ErrConflict)

		got, err := store.GetState(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, task.StatusStopped, got.Status)
	})
}

func TestUpdateState_RejectsClaimOnTerminal(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store TaskStateStorage) {
		ctx := context.Background()

		id, err := store.NewState(ctx, scheduledTask("storage_test"))
		require.NoError(t, err)
		state, err := store.GetState(ctx, id)
		require.NoError(t, err)
		running, err := state.MarkRunning("engine-a")
		require.NoError(t, err)
		require.NoError(t, store.UpdateState(ctx, running))
		completed, err := running.MarkCompleted()
		require.NoError(t, err)
		require.NoError(t, store.UpdateState(ctx, completed))

		// A stale claimer still holding the SCHEDULED snapshot cannot
		// resurrect the finished task.
		stale, err := state.MarkRunning("engine-b")
		require.NoError(t, err)
		assert.ErrorIs(t, store.UpdateState(ctx, stale), task.ErrConflict)
	})
}

func TestGetTasks_FilterByStatus(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store TaskStateStorage) {
		ctx := context.Background()

		created := task.New("postprocessing", "storage_test", task.Now(), task.PriorityLow)
		_, err := store.NewState(ctx, created)
		require.NoError(t, err)
		_, err = store.NewState(ctx, scheduledTask("storage_test"))
		require.NoError(t, err)

		res, err := store.GetTasks(ctx, Filter{Status: task.StatusCreated}, 0, 0)
		require.NoError(t, err)
		require.Len(t, res, 1)
		assert.Equal(t, created.ID, res[0].ID)
	})
}

func TestGetTasks_CombinedFiltersIntersect(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store TaskStateStorage) {
		ctx := context.Background()

		target := task.New("statistics", "alice", task.Now(), task.PriorityLow)
		_, err := store.NewState(ctx, target)
		require.NoError(t, err)
		_, err = store.NewState(ctx, task.New("statistics", "bob", task.Now(), task.PriorityLow))
		require.NoError(t, err)
		_, err = store.NewState(ctx, task.New("postprocessing", "alice", task.Now(), task.PriorityLow))
		require.NoError(t, err)

		res, err := store.GetTasks(ctx, Filter{
			Status:   task.StatusCreated,
			TaskType: "statistics",
			Creator:  "alice",
		}, 0, 0)
		require.NoError(t, err)
		require.Len(t, res, 1)
		assert.Equal(t, target.ID, res[0].ID)
	})
}

func TestGetTasks_FilterByEngine(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store TaskStateStorage) {
		ctx := context.Background()
		engine := task.NewEngineID()

		id, err := store.NewState(ctx, scheduledTask("storage_test"))
		require.NoError(t, err)
		state, err := store.GetState(ctx, id)
		require.NoError(t, err)
		running, err := state.MarkRunning(engine)
		require.NoError(t, err)
		require.NoError(t, store.UpdateState(ctx, running))

		_, err = store.NewState(ctx, scheduledTask("storage_test"))
		require.NoError(t, err)

		res, err := store.GetTasks(ctx, Filter{Engine: engine}, 1, 0)
		require.NoError(t, err)
		require.Len(t, res, 1)
		assert.Equal(t, id, res[0].ID)
		assert.Equal(t, engine, res[0].Owner)
	})
}

func TestGetTasks_PaginationIsDisjointAndExhaustive(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store TaskStateStorage) {
		ctx := context.Background()
		for i := 0; i < 20; i++ {
			_, err := store.NewState(ctx, scheduledTask(fmt.Sprintf("creator-%d", i)))
			require.NoError(t, err)
		}

		pageA, err := store.GetTasks(ctx, Filter{}, 10, 0)
		require.NoError(t, err)
		pageB, err := store.GetTasks(ctx, Filter{}, 10, 10)
		require.NoError(t, err)
		require.Len(t, pageA, 10)
		require.Len(t, pageB, 10)

		seen := make(map[task.ID]bool)
		for _, s := range append(pageA, pageB...) {
			assert.False(t, seen[s.ID], "pages must be disjoint")
			seen[s.ID] = true
		}
		assert.Len(t, seen, 20, "pages over a fixed snapshot are jointly exhaustive")
	})
}

func TestGetTasks_PayloadRoundTrip(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store TaskStateStorage) {
		ctx := context.Background()
		state := scheduledTask("storage_test")
		state.Configuration = json.RawMessage(`{"nested":{"a":[1,2,3]},"flag":true}`)

		_, err := store.NewState(ctx, state)
		require.NoError(t, err)

		res, err := store.GetTasks(ctx, Filter{Creator: "storage_test"}, 0, 0)
		require.NoError(t, err)
		require.Len(t, res, 1)
		assert.JSONEq(t, string(state.Configuration), string(res[0].Configuration))
	})
}

func TestSQLiteStore_AppliesPragmas(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "tasks.db"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	var mode string
	require.NoError(t, store.db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	var timeout int
	require.NoError(t, store.db.QueryRow("PRAGMA busy_timeout").Scan(&timeout))
	assert.Equal(t, 1000, timeout)
}
