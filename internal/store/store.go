package store

import (
	"context"
	"errors"

	"github.com/seantiz/crucible/internal/model"
)

// ErrInvalidTransition is returned when a task status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrOwnerRequired is returned when an upsert would insert a new task row
// without an owner identity. Ownerless rows are never created.
var ErrOwnerRequired = errors.New("task owner required for insert")

// TaskFilter narrows ListTasks results. Zero-valued fields are ignored.
type TaskFilter struct {
	Status string
	Type   string
	Owner  string
	Limit  int
	Offset int
}

// TaskStats holds aggregate task statistics.
type TaskStats struct {
	Total         int            `json:"total"`
	ByStatus      map[string]int `json:"by_status"`
	ByType        map[string]int `json:"by_type"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for tasks and their logs.
type Store interface {
	// UpsertTask updates the task row if it exists, otherwise inserts it.
	// Inserting requires a non-empty owner; ErrOwnerRequired otherwise.
	UpsertTask(ctx context.Context, t *model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	ListTasks(ctx context.Context, f TaskFilter) ([]*model.Task, int, error)
	// CancelTask transitions a persisted row to cancelled, validating the
	// current status. Used for tasks no longer held in memory.
	CancelTask(ctx context.Context, id string) (*model.Task, error)
	// DeleteTerminal removes every terminal-status task row along with its
	// logs, orphaned log rows included.
	DeleteTerminal(ctx context.Context) (int64, error)
	GetTaskStats(ctx context.Context) (*TaskStats, error)
	InsertLog(ctx context.Context, l *model.TaskLog) error
	InsertLogBatch(ctx context.Context, batch []*model.TaskLog) error
	// ListLogs returns up to limit log entries for a task, newest first.
	ListLogs(ctx context.Context, taskID string, limit int) ([]model.TaskLog, error)
	Close() error
}
