package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nathangokul/grakn/internal/storage"
	"github.com/nathangokul/grakn/internal/task"
)

// terminalWriteTimeout bounds the COMPLETED/FAILED write after an execution
// finishes. The run context may already be cancelled at that point, so these
// writes get their own deadline.
const terminalWriteTimeout = 5 * time.Second

// Config sizes one engine's manager. All fields are required.
type Config struct {
	// EngineID is this process's identity in the shared store.
	EngineID task.EngineID

	// PollInterval is how often the scheduling loop scans for due tasks.
	PollInterval time.Duration

	// WorkerCapacity bounds how many tasks this engine executes at once.
	WorkerCapacity int
}

// Manager runs one engine process's side of the distributed scheduler. Many
// managers run concurrently against the same store; the only thing
// coordinating them is the store's conditional write.
type Manager struct {
	engineID task.EngineID
	store    storage.TaskStateStorage
	registry *Registry
	pool     *pool
	poll     time.Duration
	log      zerolog.Logger

	mu      sync.Mutex
	running map[task.ID]context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager wires a manager. The worker pool is owned by the manager and
// sized from cfg; nothing here is process-global.
func NewManager(cfg Config, store storage.TaskStateStorage, registry *Registry, log zerolog.Logger) *Manager {
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	return &Manager{
		engineID: cfg.EngineID,
		store:    store,
		registry: registry,
		pool:     newPool(cfg.WorkerCapacity),
		poll:     poll,
		log:      log.With().Str("component", "taskmanager").Str("engine", cfg.EngineID.String()).Logger(),
		running:  make(map[task.ID]context.CancelFunc),
	}
}

// EngineID returns this manager's process identity.
func (m *Manager) EngineID() task.EngineID {
	return m.engineID
}

// Storage exposes the underlying store for read-side callers such as the
// HTTP boundary.
func (m *Manager) Storage() storage.TaskStateStorage {
	return m.store
}

// AddTask validates that the task type resolves in the registry, attaches
// the configuration payload, advances the state to SCHEDULED and persists
// it. Storage failures wrap task.ErrSubmission; an unresolvable type is
// task.ErrInvalidTaskClass.
func (m *Manager) AddTask(ctx context.Context, state task.State, configuration json.RawMessage) (task.ID, error) {
	if _, err := m.registry.Resolve(state.Type); err != nil {
		return "", err
	}
	state.Configuration = configuration

	scheduled, err := state.MarkScheduled()
	if err != nil {
		return "", errors.Join(task.ErrSubmission, err)
	}
	id, err := m.store.NewState(ctx, scheduled)
	if err != nil {
		return "", errors.Join(task.ErrSubmission, err)
	}
	m.log.Info().Str("task", id.String()).Str("type", state.Type).Msg("task submitted")
	return id, nil
}

// StopTask persists STOPPED for the task and, when this engine is executing
// it, cancels the run context. Stopping an already-finished one-off is a
// no-op. The halt is cooperative: the only hard guarantee is that once
// STOPPED is persisted, no further checkpoint write from the previous owner
// will be accepted.
func (m *Manager) StopTask(ctx context.Context, id task.ID) error {
	state, err := m.store.GetState(ctx, id)
	if err != nil {
		return err
	}

	stopped, err := state.MarkStopped()
	if err != nil {
		// Already terminal; nothing left to stop.
		m.log.Debug().Str("task", id.String()).Str("status", string(state.Status)).Msg("stop request on finished task")
		return nil
	}
	if err := m.store.UpdateState(ctx, stopped); err != nil {
		return err
	}

	m.mu.Lock()
	cancel := m.running[id]
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.log.Info().Str("task", id.String()).Msg("task stopped")
	return nil
}

// Run recovers this engine's orphaned tasks, then runs the scheduling loop
// until ctx is cancelled, waiting for in-flight executions to wind down
// before returning.
func (m *Manager) Run(ctx context.Context) {
	m.log.Info().Dur("poll", m.poll).Msg("task manager starting")
	m.recoverOrphans(ctx)

	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Info().Msg("task manager stopping")
			m.wg.Wait()
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// recoverOrphans requeues tasks the store still shows as RUNNING under this
// engine's id. They can only be leftovers from a previous life of this
// process: the id is stable across restarts and no live instance shares it.
// Tasks owned by other engines are left alone; their liveness is not this
// core's call to make.
func (m *Manager) recoverOrphans(ctx context.Context) {
	orphans, err := m.store.GetTasks(ctx, storage.Filter{Status: task.StatusRunning, Engine: m.engineID}, 0, 0)
	if err != nil {
		m.log.Warn().Err(err).Msg("orphan scan failed")
		return
	}
	for _, state := range orphans {
		requeued, err := state.MarkScheduled()
		if err != nil {
			m.log.Warn().Err(err).Str("task", state.ID.String()).Msg("cannot requeue orphan")
			continue
		}
		if err := m.store.UpdateState(ctx, requeued); err != nil {
			m.log.Warn().Err(err).Str("task", state.ID.String()).Msg("orphan requeue write failed")
			continue
		}
		m.log.Info().Str("task", state.ID.String()).Msg("requeued orphaned task")
	}
}

// tick scans for due SCHEDULED tasks and tries to claim them. Claim races
// against other engines are settled by the store: losers get ErrConflict
// and skip silently. A claim is only attempted while a worker slot is held,
// so a full pool simply defers the task to a later cycle.
func (m *Manager) tick(ctx context.Context) {
	states, err := m.store.GetTasks(ctx, storage.Filter{Status: task.StatusScheduled}, 0, 0)
	if err != nil {
		m.log.Warn().Err(err).Msg("scheduled-task scan failed")
		return
	}

	now := time.Now()
	due := states[:0]
	for _, state := range states {
		if state.Schedule.Due(now) {
			due = append(due, state)
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority == task.PriorityHigh
		}
		return due[i].Schedule.RunAt.Before(due[j].Schedule.RunAt)
	})

	for _, state := range due {
		if !m.pool.tryAcquire() {
			return
		}
		claimed, err := state.MarkRunning(m.engineID)
		if err != nil {
			m.pool.release()
			continue
		}
		if err := m.store.UpdateState(ctx, claimed); err != nil {
			m.pool.release()
			if errors.Is(err, task.ErrConflict) {
				m.log.Debug().Str("task", state.ID.String()).Msg("lost claim race")
				continue
			}
			m.log.Warn().Err(err).Str("task", state.ID.String()).Msg("claim write failed")
			continue
		}
		m.dispatch(ctx, claimed)
	}
}

// dispatch hands a claimed task to the worker pool. The caller has already
// reserved the slot; the goroutine releases it.
func (m *Manager) dispatch(ctx context.Context, claimed task.State) {
	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.running[claimed.ID] = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.pool.release()
		defer func() {
			m.mu.Lock()
			delete(m.running, claimed.ID)
			m.mu.Unlock()
			cancel()
		}()
		m.execute(runCtx, claimed)
	}()
}

// execute resolves and runs the task, then persists the terminal state. A
// panic or error from the execution is captured into FailureInfo — it never
// takes the process down. Terminal writes losing to a raced stop are
// expected and logged at debug.
func (m *Manager) execute(ctx context.Context, claimed task.State) {
	log := m.log.With().Str("task", claimed.ID.String()).Str("type", claimed.Type).Logger()

	factory, err := m.registry.Resolve(claimed.Type)
	if err != nil {
		m.finishFailed(claimed, task.FailureInfo{Message: err.Error()}, log)
		return
	}

	run := newRun(m.store, claimed)
	log.Info().Msg("task execution started")

	var trace string
	execErr := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				trace = string(debug.Stack())
			}
		}()
		return factory().Start(ctx, run)
	}()

	switch {
	case execErr == nil:
		// A run that finished its work is completed even when the context
		// was cancelled on the way out; the terminal write has its own
		// deadline, and a raced stop surfaces there as ErrConflict.
		m.finishCompleted(run.snapshot(), log)
	case ctx.Err() != nil:
		// Stopped or shutting down mid-run. If a stop was persisted the
		// entry is already STOPPED; if the process is exiting the task stays
		// RUNNING and recovery requeues it on the next boot.
		log.Debug().Msg("task execution cancelled")
	case errors.Is(execErr, task.ErrConflict):
		// A checkpoint write was rejected: ownership is gone, a stop won.
		log.Debug().Msg("task execution superseded")
	default:
		log.Warn().Err(execErr).Msg("task execution failed")
		m.finishFailed(run.snapshot(), task.FailureInfo{Message: execErr.Error(), Trace: trace}, log)
	}
}

func (m *Manager) finishCompleted(state task.State, log zerolog.Logger) {
	completed, err := state.MarkCompleted()
	if err != nil {
		log.Warn().Err(err).Msg("completion transition failed")
		return
	}
	if err := m.writeTerminal(completed); err != nil {
		if errors.Is(err, task.ErrConflict) {
			log.Debug().Msg("completion lost to a stop request")
			return
		}
		log.Warn().Err(err).Msg("completion write failed")
		return
	}
	if completed.Status == task.StatusScheduled {
		log.Info().Time("next", completed.Schedule.RunAt).Msg("recurring task rescheduled")
	} else {
		log.Info().Msg("task completed")
	}
}

func (m *Manager) finishFailed(state task.State, failure task.FailureInfo, log zerolog.Logger) {
	failed, err := state.MarkFailed(failure)
	if err != nil {
		log.Warn().Err(err).Msg("failure transition failed")
		return
	}
	if err := m.writeTerminal(failed); err != nil {
		if errors.Is(err, task.ErrConflict) {
			log.Debug().Msg("failure report lost to a stop request")
			return
		}
		log.Warn().Err(err).Msg("failure write failed")
	}
}

func (m *Manager) writeTerminal(state task.State) error {
	ctx, cancel := context.WithTimeout(context.Background(), terminalWriteTimeout)
	defer cancel()
	return m.store.UpdateState(ctx, state)
}
