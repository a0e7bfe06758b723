package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nathangokul/grakn/internal/task"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id           TEXT PRIMARY KEY,
	status       TEXT NOT NULL,
	task_type    TEXT NOT NULL,
	creator      TEXT NOT NULL,
	owner_engine TEXT NOT NULL DEFAULT '',
	snapshot     BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS tasks_status ON tasks(status);
`

// SQLiteStore is an embedded single-node backend implementing the same
// contract as the etcd store. It serves one-process deployments and CI runs
// that have no coordination cluster; it does not provide cross-process
// visibility beyond what a shared database file gives.
//
// Filterable fields are projected into columns; the authoritative state is
// the JSON snapshot, so opaque payloads round-trip byte-identically.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and if necessary creates) the database at path.
func NewSQLiteStore(path string, busyTimeout time.Duration) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; one connection also serializes the
	// read-check-write transactions in UpdateState.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	if busyTimeout > 0 {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout.Milliseconds()))
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// NewState inserts the task, failing on a duplicate id.
func (s *SQLiteStore) NewState(ctx context.Context, state task.State) (task.ID, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("marshal task %s: %w", state.ID, err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks(id, status, task_type, creator, owner_engine, snapshot)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(id) DO NOTHING`,
		state.ID.String(), string(state.Status), state.Type, state.Creator, string(state.Owner), data,
	)
	if err != nil {
		return "", fmt.Errorf("create task %s: %w", state.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", fmt.Errorf("%w: %s", task.ErrDuplicateTask, state.ID)
	}
	return state.ID, nil
}

// GetState retrieves a task by id.
func (s *SQLiteStore) GetState(ctx context.Context, id task.ID) (task.State, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT snapshot FROM tasks WHERE id = ?`, id.String()).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return task.State{}, fmt.Errorf("%w: %s", task.ErrNotFound, id)
	}
	if err != nil {
		return task.State{}, fmt.Errorf("get task %s: %w", id, err)
	}
	return decodeState(data)
}

// UpdateState reads, checks and writes inside one transaction so the
// precondition holds against the row actually being replaced.
func (s *SQLiteStore) UpdateState(ctx context.Context, state task.State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", state.ID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("update task %s: %w", state.ID, err)
	}
	defer func() { _ = tx.Rollback() }()

	var current []byte
	err = tx.QueryRowContext(ctx, `SELECT snapshot FROM tasks WHERE id = ?`, state.ID.String()).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", task.ErrNotFound, state.ID)
	}
	if err != nil {
		return fmt.Errorf("get task %s: %w", state.ID, err)
	}
	stored, err := decodeState(current)
	if err != nil {
		return err
	}
	if err := checkUpdate(stored, state); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, task_type = ?, creator = ?, owner_engine = ?, snapshot = ? WHERE id = ?`,
		string(state.Status), state.Type, state.Creator, string(state.Owner), data, state.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("update task %s: %w", state.ID, err)
	}
	return tx.Commit()
}

// GetTasks lists tasks matching the filter, ordered by id.
func (s *SQLiteStore) GetTasks(ctx context.Context, filter Filter, limit, offset int) ([]task.State, error) {
	query := `SELECT snapshot FROM tasks`
	var (
		conds []string
		args  []any
	)
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.TaskType != "" {
		conds = append(conds, "task_type = ?")
		args = append(args, filter.TaskType)
	}
	if filter.Creator != "" {
		conds = append(conds, "creator = ?")
		args = append(args, filter.Creator)
	}
	if filter.Engine != "" {
		conds = append(conds, "owner_engine = ?")
		args = append(args, string(filter.Engine))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	// LIMIT -1 is sqlite for "no limit"; OFFSET requires a LIMIT clause.
	query += " ORDER BY id LIMIT ? OFFSET ?"
	if limit <= 0 {
		args = append(args, -1)
	} else {
		args = append(args, limit)
	}
	args = append(args, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var states []task.State
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		state, err := decodeState(data)
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	return states, rows.Err()
}
