package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/seantiz/crucible/internal/model"

	_ "modernc.org/sqlite"
)

const createTasksTable = `
CREATE TABLE IF NOT EXISTS tasks (
    id                TEXT PRIMARY KEY,
    type              TEXT NOT NULL,
    status            TEXT NOT NULL,
    progress          INTEGER NOT NULL DEFAULT 0,
    total_batches     INTEGER NOT NULL DEFAULT 0,
    completed_batches INTEGER NOT NULL DEFAULT 0,
    message           TEXT NOT NULL DEFAULT '',
    result            BLOB,
    error             TEXT NOT NULL DEFAULT '',
    owner             TEXT NOT NULL,
    params            BLOB,
    created_at        DATETIME NOT NULL,
    started_at        DATETIME,
    completed_at      DATETIME
)`

// task_logs carries no foreign key to tasks: log writes are asynchronous and
// may land after their task row was cleaned up. Orphaned rows are removed by
// the next DeleteTerminal.
const createTaskLogsTable = `
CREATE TABLE IF NOT EXISTS task_logs (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id          TEXT NOT NULL,
    level            TEXT NOT NULL,
    message          TEXT NOT NULL,
    step_name        TEXT,
    step_number      INTEGER,
    total_steps      INTEGER,
    duration_ms      INTEGER,
    agent_name       TEXT,
    agent_type       TEXT,
    model_name       TEXT,
    provider         TEXT,
    estimated_tokens INTEGER,
    current_batch    INTEGER,
    total_batches    INTEGER,
    created_at       DATETIME NOT NULL
)`

var createIndexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_owner_status ON tasks(owner, status)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_status_created ON tasks(status, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_task_logs_task ON task_logs(task_id)`,
}

const taskColumns = `id, type, status, progress, total_batches, completed_batches,
	message, result, error, owner, params, created_at, started_at, completed_at`

const insertLogSQL = `INSERT INTO task_logs (
	task_id, level, message, step_name, step_number, total_steps, duration_ms,
	agent_name, agent_type, model_name, provider, estimated_tokens,
	current_batch, total_batches, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// ErrNotFound is returned when a task is not found.
var ErrNotFound = errors.New("task not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Pragmas bind per connection, so keep the pool at one connection.
	// All writes are serialized upstream anyway.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	for _, stmt := range []string{createTasksTable, createTaskLogsTable} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create table: %w", err)
		}
	}
	for _, stmt := range createIndexes {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create index: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// UpsertTask updates the task row if it exists, otherwise inserts it. The
// owner, type, and created_at columns are written once at insert and never
// updated. Inserting without an owner returns ErrOwnerRequired so that an
// orphaned row can never appear.
func (s *SQLiteStore) UpsertTask(ctx context.Context, t *model.Task) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert tx: %w", err)
	}
	defer tx.Rollback()

	var one int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM tasks WHERE id = ?", t.ID).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if t.Owner == "" {
			return ErrOwnerRequired
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO tasks (`+taskColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.Type, t.Status, t.Progress, t.TotalBatches, t.CompletedBatches,
			t.Message, []byte(t.Result), t.Error, t.Owner, []byte(t.Params),
			t.CreatedAt, t.StartedAt, t.CompletedAt,
		); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
	case err != nil:
		return fmt.Errorf("probe task row: %w", err)
	default:
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, progress = ?, total_batches = ?,
				completed_batches = ?, message = ?, result = ?, error = ?,
				started_at = ?, completed_at = ?
			WHERE id = ?`,
			t.Status, t.Progress, t.TotalBatches, t.CompletedBatches,
			t.Message, []byte(t.Result), t.Error,
			t.StartedAt, t.CompletedAt, t.ID,
		); err != nil {
			return fmt.Errorf("update task: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	t := &model.Task{}
	var result, params []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id,
	).Scan(
		&t.ID, &t.Type, &t.Status, &t.Progress, &t.TotalBatches, &t.CompletedBatches,
		&t.Message, &result, &t.Error, &t.Owner, &params,
		&t.CreatedAt, &t.StartedAt, &t.CompletedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	t.Result, t.Params = result, params
	return t, nil
}

// ListTasks returns a filtered, paginated list of tasks ordered by
// created_at DESC, along with the total count matching the filter.
func (s *SQLiteStore) ListTasks(ctx context.Context, f TaskFilter) ([]*model.Task, int, error) {
	where := make([]string, 0, 3)
	args := make([]any, 0, 5)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, f.Type)
	}
	if f.Owner != "" {
		where = append(where, "owner = ?")
		args = append(args, f.Owner)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks"+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks`+clause+
			` ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		append(args, f.Limit, f.Offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		t := &model.Task{}
		var result, params []byte
		if err := rows.Scan(
			&t.ID, &t.Type, &t.Status, &t.Progress, &t.TotalBatches, &t.CompletedBatches,
			&t.Message, &result, &t.Error, &t.Owner, &params,
			&t.CreatedAt, &t.StartedAt, &t.CompletedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan task: %w", err)
		}
		t.Result, t.Params = result, params
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate tasks: %w", err)
	}

	return tasks, total, nil
}

// CancelTask transitions a persisted task row to cancelled after validating
// the current status. This path serves cancellation of tasks that are no
// longer (or never were) held in memory.
func (s *SQLiteStore) CancelTask(ctx context.Context, id string) (*model.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin cancel tx: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, "SELECT status FROM tasks WHERE id = ?", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task status: %w", err)
	}
	if !model.ValidTransition(status, model.StatusCancelled) {
		return nil, ErrInvalidTransition
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE tasks SET status = ?, completed_at = ? WHERE id = ?",
		model.StatusCancelled, time.Now().UTC(), id,
	); err != nil {
		return nil, fmt.Errorf("cancel task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit cancel: %w", err)
	}

	return s.GetTask(ctx, id)
}

// DeleteTerminal removes all terminal-status task rows and their logs,
// orphaned log rows included.
func (s *SQLiteStore) DeleteTerminal(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin delete tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM task_logs WHERE task_id NOT IN
			(SELECT id FROM tasks WHERE status NOT IN (?, ?, ?, ?))`,
		model.StatusCompleted, model.StatusFailed, model.StatusCancelled, model.StatusTimeout,
	); err != nil {
		return 0, fmt.Errorf("delete terminal task logs: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		"DELETE FROM tasks WHERE status IN (?, ?, ?, ?)",
		model.StatusCompleted, model.StatusFailed, model.StatusCancelled, model.StatusTimeout,
	)
	if err != nil {
		return 0, fmt.Errorf("delete terminal tasks: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit delete: %w", err)
	}
	return removed, nil
}

// GetTaskStats returns aggregate counts grouped by status and type, plus the
// average wall-clock duration of completed tasks in milliseconds.
func (s *SQLiteStore) GetTaskStats(ctx context.Context) (*TaskStats, error) {
	stats := &TaskStats{
		ByStatus: make(map[string]int),
		ByType:   make(map[string]int),
	}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks").Scan(&stats.Total); err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}

	for _, q := range []struct {
		sql  string
		dest map[string]int
	}{
		{"SELECT status, COUNT(*) FROM tasks GROUP BY status", stats.ByStatus},
		{"SELECT type, COUNT(*) FROM tasks GROUP BY type", stats.ByType},
	} {
		rows, err := s.db.QueryContext(ctx, q.sql)
		if err != nil {
			return nil, fmt.Errorf("group tasks: %w", err)
		}
		for rows.Next() {
			var key string
			var n int
			if err := rows.Scan(&key, &n); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan group row: %w", err)
			}
			q.dest[key] = n
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("iterate group rows: %w", err)
		}
		rows.Close()
	}

	// Durations are averaged in Go. The driver stores timestamps in a text
	// form SQLite's date functions do not parse.
	rows, err := s.db.QueryContext(ctx,
		`SELECT started_at, completed_at FROM tasks
		WHERE status = ? AND started_at IS NOT NULL AND completed_at IS NOT NULL`,
		model.StatusCompleted,
	)
	if err != nil {
		return nil, fmt.Errorf("query completed durations: %w", err)
	}
	defer rows.Close()

	var sum time.Duration
	var n int
	for rows.Next() {
		var started, completed time.Time
		if err := rows.Scan(&started, &completed); err != nil {
			return nil, fmt.Errorf("scan duration row: %w", err)
		}
		sum += completed.Sub(started)
		n++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate duration rows: %w", err)
	}
	if n > 0 {
		stats.AvgDurationMS = float64(sum.Milliseconds()) / float64(n)
	}

	return stats, nil
}

// InsertLog inserts a single task log row. Unrecognized levels are coerced
// to info rather than rejected.
func (s *SQLiteStore) InsertLog(ctx context.Context, l *model.TaskLog) error {
	_, err := s.db.ExecContext(ctx, insertLogSQL, logArgs(l)...)
	if err != nil {
		return fmt.Errorf("insert log: %w", err)
	}
	return nil
}

// InsertLogBatch inserts many log rows in one transaction, preserving order.
func (s *SQLiteStore) InsertLogBatch(ctx context.Context, batch []*model.TaskLog) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin log batch tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertLogSQL)
	if err != nil {
		return fmt.Errorf("prepare log insert: %w", err)
	}
	defer stmt.Close()

	for _, l := range batch {
		if _, err := stmt.ExecContext(ctx, logArgs(l)...); err != nil {
			return fmt.Errorf("insert log batch row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit log batch: %w", err)
	}
	return nil
}

func logArgs(l *model.TaskLog) []any {
	return []any{
		l.TaskID, model.NormalizeLevel(l.Level), l.Message,
		l.StepName, l.StepNumber, l.TotalSteps, l.DurationMS,
		l.AgentName, l.AgentType, l.ModelName, l.Provider, l.EstimatedTokens,
		l.CurrentBatch, l.TotalBatches, l.CreatedAt,
	}
}

// ListLogs returns up to limit log entries for a task, newest first.
func (s *SQLiteStore) ListLogs(ctx context.Context, taskID string, limit int) ([]model.TaskLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, level, message, step_name, step_number, total_steps,
			duration_ms, agent_name, agent_type, model_name, provider,
			estimated_tokens, current_batch, total_batches, created_at
		FROM task_logs WHERE task_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`,
		taskID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()

	var logs []model.TaskLog
	for rows.Next() {
		var l model.TaskLog
		if err := rows.Scan(
			&l.ID, &l.TaskID, &l.Level, &l.Message, &l.StepName, &l.StepNumber,
			&l.TotalSteps, &l.DurationMS, &l.AgentName, &l.AgentType, &l.ModelName,
			&l.Provider, &l.EstimatedTokens, &l.CurrentBatch, &l.TotalBatches,
			&l.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate logs: %w", err)
	}

	return logs, nil
}
