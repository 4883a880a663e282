package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// TaskState is the lifecycle state of a fetch task within one run.
type TaskState string

const (
	TaskPending TaskState = "pending"
	TaskDone    TaskState = "done"
	TaskFailed  TaskState = "failed"
)

// TaskRegistry tracks fetch-task state in a local SQLite file so that
// re-planning within a run never produces a second outstanding task for the
// same identity-range. Failed tasks are deliberately not deduplicated: a
// later detect pass may legitimately retry them.
type TaskRegistry struct {
	db *sql.DB
}

// OpenTaskRegistry opens (creating if needed) the registry database.
func OpenTaskRegistry(ctx context.Context, path string) (*TaskRegistry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("task registry path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("open task registry: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open task registry: %w", err)
	}
	// Single connection keeps WAL behavior predictable for a CLI process.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping task registry: %w", err)
	}

	for _, pragma := range []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("configure task registry: %w", err)
		}
	}

	r := &TaskRegistry{db: db}
	if err := r.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *TaskRegistry) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS fetch_tasks (
			run_id TEXT NOT NULL,
			task_key TEXT NOT NULL,
			model TEXT NOT NULL,
			variant_label TEXT NOT NULL,
			years TEXT NOT NULL,
			status TEXT NOT NULL,
			detail TEXT,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (run_id, task_key)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_fetch_tasks_status ON fetch_tasks(run_id, status);`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("task registry schema: %w", err)
		}
	}
	return nil
}

// Close releases the database handle.
func (r *TaskRegistry) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Mark upserts the state of one task for the run.
func (r *TaskRegistry) Mark(ctx context.Context, runID, taskKey, model, variant, years string, state TaskState, detail string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO fetch_tasks (run_id, task_key, model, variant_label, years, status, detail, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, task_key) DO UPDATE SET
			status = excluded.status,
			detail = excluded.detail,
			updated_at = excluded.updated_at;`,
		runID, taskKey, model, variant, years, string(state), detail, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("task registry mark: %w", err)
	}
	return nil
}

// RequestedKeys returns the task keys already pending or done for the run.
// The planner treats these as in-flight-or-completed and will not emit a
// second task for the same key.
func (r *TaskRegistry) RequestedKeys(ctx context.Context, runID string) (map[string]struct{}, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT task_key FROM fetch_tasks WHERE run_id = ? AND status IN (?, ?);`,
		runID, string(TaskPending), string(TaskDone))
	if err != nil {
		return nil, fmt.Errorf("task registry keys: %w", err)
	}
	defer rows.Close()

	keys := make(map[string]struct{})
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("task registry keys: %w", err)
		}
		keys[key] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task registry keys: %w", err)
	}
	return keys, nil
}

// CountByState returns how many tasks the run holds in the given state.
func (r *TaskRegistry) CountByState(ctx context.Context, runID string, state TaskState) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM fetch_tasks WHERE run_id = ? AND status = ?;`,
		runID, string(state)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("task registry count: %w", err)
	}
	return n, nil
}
