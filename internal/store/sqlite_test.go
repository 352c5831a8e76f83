package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/seantiz/crucible/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	return s
}

func makeTestTask(id, status string, createdAt time.Time) *model.Task {
	return &model.Task{
		ID:        id,
		Type:      "sleep",
		Status:    status,
		Owner:     "user-1",
		Params:    json.RawMessage(`{"duration_ms":10}`),
		CreatedAt: createdAt,
	}
}

func TestUpsertTaskInsertAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	task := makeTestTask("task-1", model.StatusPending, created)
	task.TotalBatches = 4

	if err := s.UpsertTask(ctx, task); err != nil {
		t.Fatalf("UpsertTask() error = %v", err)
	}

	got, err := s.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if got.Status != model.StatusPending {
		t.Errorf("Status = %q, want %q", got.Status, model.StatusPending)
	}
	if got.Type != "sleep" {
		t.Errorf("Type = %q, want %q", got.Type, "sleep")
	}
	if got.Owner != "user-1" {
		t.Errorf("Owner = %q, want %q", got.Owner, "user-1")
	}
	if got.TotalBatches != 4 {
		t.Errorf("TotalBatches = %d, want 4", got.TotalBatches)
	}
	if string(got.Params) != `{"duration_ms":10}` {
		t.Errorf("Params = %s, want duration params", got.Params)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, created)
	}
	if got.StartedAt != nil || got.CompletedAt != nil {
		t.Errorf("StartedAt/CompletedAt = %v/%v, want nil/nil", got.StartedAt, got.CompletedAt)
	}
}

func TestUpsertTaskUpdatesMutableFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	task := makeTestTask("task-1", model.StatusPending, created)
	if err := s.UpsertTask(ctx, task); err != nil {
		t.Fatalf("UpsertTask() insert error = %v", err)
	}

	started := created.Add(time.Second)
	completed := created.Add(3 * time.Second)
	task.Status = model.StatusCompleted
	task.Progress = 100
	task.Message = "done"
	task.Result = json.RawMessage(`{"ok":true}`)
	task.StartedAt = &started
	task.CompletedAt = &completed
	task.Owner = "someone-else" // must not overwrite the stored owner

	if err := s.UpsertTask(ctx, task); err != nil {
		t.Fatalf("UpsertTask() update error = %v", err)
	}

	got, err := s.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if got.Status != model.StatusCompleted {
		t.Errorf("Status = %q, want %q", got.Status, model.StatusCompleted)
	}
	if got.Progress != 100 {
		t.Errorf("Progress = %d, want 100", got.Progress)
	}
	if got.Message != "done" {
		t.Errorf("Message = %q, want %q", got.Message, "done")
	}
	if string(got.Result) != `{"ok":true}` {
		t.Errorf("Result = %s, want ok result", got.Result)
	}
	if got.Owner != "user-1" {
		t.Errorf("Owner = %q, want original owner preserved", got.Owner)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(started) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, started)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(completed) {
		t.Errorf("CompletedAt = %v, want %v", got.CompletedAt, completed)
	}
}

func TestUpsertTaskOwnerRequired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := makeTestTask("task-1", model.StatusPending, time.Now().UTC())
	task.Owner = ""

	err := s.UpsertTask(ctx, task)
	if !errors.Is(err, ErrOwnerRequired) {
		t.Fatalf("UpsertTask() error = %v, want ErrOwnerRequired", err)
	}

	if _, err := s.GetTask(ctx, "task-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetTask() after rejected insert error = %v, want ErrNotFound", err)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetTask(context.Background(), "no-such-task")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetTask() error = %v, want ErrNotFound", err)
	}
}

func TestListTasksFiltersAndPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	seed := []struct {
		id     string
		typ    string
		status string
		owner  string
	}{
		{"task-1", "sleep", model.StatusCompleted, "user-1"},
		{"task-2", "sleep", model.StatusRunning, "user-1"},
		{"task-3", "report", model.StatusRunning, "user-2"},
		{"task-4", "sleep", model.StatusPending, "user-2"},
	}
	for i, row := range seed {
		task := makeTestTask(row.id, row.status, base.Add(time.Duration(i)*time.Minute))
		task.Type = row.typ
		task.Owner = row.owner
		if err := s.UpsertTask(ctx, task); err != nil {
			t.Fatalf("UpsertTask(%s) error = %v", row.id, err)
		}
	}

	tasks, total, err := s.ListTasks(ctx, TaskFilter{Limit: 10})
	if err != nil {
		t.Fatalf("ListTasks() error = %v", err)
	}
	if total != 4 || len(tasks) != 4 {
		t.Fatalf("ListTasks() total = %d, len = %d, want 4, 4", total, len(tasks))
	}
	// Newest first.
	if tasks[0].ID != "task-4" || tasks[3].ID != "task-1" {
		t.Errorf("order = [%s ... %s], want [task-4 ... task-1]", tasks[0].ID, tasks[3].ID)
	}

	tasks, total, err = s.ListTasks(ctx, TaskFilter{Status: model.StatusRunning, Limit: 10})
	if err != nil {
		t.Fatalf("ListTasks(status) error = %v", err)
	}
	if total != 2 || len(tasks) != 2 {
		t.Errorf("status filter total = %d, len = %d, want 2, 2", total, len(tasks))
	}

	tasks, total, err = s.ListTasks(ctx, TaskFilter{Type: "sleep", Owner: "user-2", Limit: 10})
	if err != nil {
		t.Fatalf("ListTasks(type+owner) error = %v", err)
	}
	if total != 1 || len(tasks) != 1 || tasks[0].ID != "task-4" {
		t.Errorf("combined filter = %d tasks (total %d), want just task-4", len(tasks), total)
	}

	tasks, total, err = s.ListTasks(ctx, TaskFilter{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("ListTasks(page) error = %v", err)
	}
	if total != 4 {
		t.Errorf("paged total = %d, want 4 (count ignores limit)", total)
	}
	if len(tasks) != 2 || tasks[0].ID != "task-2" || tasks[1].ID != "task-1" {
		t.Errorf("page 2 = %v, want [task-2 task-1]", taskIDs(tasks))
	}
}

func taskIDs(tasks []*model.Task) []string {
	ids := make([]string, len(tasks))
	for i, task := range tasks {
		ids[i] = task.ID
	}
	return ids
}

func TestCancelTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pending := makeTestTask("task-1", model.StatusPending, time.Now().UTC())
	if err := s.UpsertTask(ctx, pending); err != nil {
		t.Fatalf("UpsertTask() error = %v", err)
	}

	got, err := s.CancelTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("CancelTask() error = %v", err)
	}
	if got.Status != model.StatusCancelled {
		t.Errorf("Status = %q, want %q", got.Status, model.StatusCancelled)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt = nil, want set")
	}

	// Already terminal.
	if _, err := s.CancelTask(ctx, "task-1"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("CancelTask() on cancelled task error = %v, want ErrInvalidTransition", err)
	}

	if _, err := s.CancelTask(ctx, "no-such-task"); !errors.Is(err, ErrNotFound) {
		t.Errorf("CancelTask() on missing task error = %v, want ErrNotFound", err)
	}
}

func TestDeleteTerminalRemovesLogs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	for _, row := range []struct{ id, status string }{
		{"task-done", model.StatusCompleted},
		{"task-dead", model.StatusFailed},
		{"task-gone", model.StatusCancelled},
		{"task-late", model.StatusTimeout},
		{"task-busy", model.StatusRunning},
		{"task-wait", model.StatusPending},
	} {
		if err := s.UpsertTask(ctx, makeTestTask(row.id, row.status, now)); err != nil {
			t.Fatalf("UpsertTask(%s) error = %v", row.id, err)
		}
	}
	// "task-ghost" has no task row: a log that landed after cleanup.
	for _, taskID := range []string{"task-done", "task-busy", "task-ghost"} {
		err := s.InsertLog(ctx, &model.TaskLog{
			TaskID:    taskID,
			Level:     model.LevelInfo,
			Message:   "working",
			CreatedAt: now,
		})
		if err != nil {
			t.Fatalf("InsertLog(%s) error = %v", taskID, err)
		}
	}

	removed, err := s.DeleteTerminal(ctx)
	if err != nil {
		t.Fatalf("DeleteTerminal() error = %v", err)
	}
	if removed != 4 {
		t.Errorf("DeleteTerminal() removed = %d, want 4", removed)
	}

	if _, err := s.GetTask(ctx, "task-done"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetTask(task-done) error = %v, want ErrNotFound", err)
	}
	if _, err := s.GetTask(ctx, "task-busy"); err != nil {
		t.Errorf("GetTask(task-busy) error = %v, want running task kept", err)
	}

	logs, err := s.ListLogs(ctx, "task-done", 10)
	if err != nil {
		t.Fatalf("ListLogs(task-done) error = %v", err)
	}
	if len(logs) != 0 {
		t.Errorf("logs for deleted task = %d, want 0", len(logs))
	}
	logs, err = s.ListLogs(ctx, "task-busy", 10)
	if err != nil {
		t.Fatalf("ListLogs(task-busy) error = %v", err)
	}
	if len(logs) != 1 {
		t.Errorf("logs for kept task = %d, want 1", len(logs))
	}
	logs, err = s.ListLogs(ctx, "task-ghost", 10)
	if err != nil {
		t.Fatalf("ListLogs(task-ghost) error = %v", err)
	}
	if len(logs) != 0 {
		t.Errorf("orphaned logs = %d, want 0", len(logs))
	}
}

func TestGetTaskStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	completed := makeTestTask("task-1", model.StatusCompleted, base)
	startedAt := base.Add(time.Second)
	completedAt := startedAt.Add(2 * time.Second)
	completed.StartedAt = &startedAt
	completed.CompletedAt = &completedAt
	if err := s.UpsertTask(ctx, completed); err != nil {
		t.Fatalf("UpsertTask(completed) error = %v", err)
	}

	running := makeTestTask("task-2", model.StatusRunning, base)
	running.Type = "report"
	if err := s.UpsertTask(ctx, running); err != nil {
		t.Fatalf("UpsertTask(running) error = %v", err)
	}

	stats, err := s.GetTaskStats(ctx)
	if err != nil {
		t.Fatalf("GetTaskStats() error = %v", err)
	}
	if stats.Total != 2 {
		t.Errorf("Total = %d, want 2", stats.Total)
	}
	if stats.ByStatus[model.StatusCompleted] != 1 || stats.ByStatus[model.StatusRunning] != 1 {
		t.Errorf("ByStatus = %v, want one completed and one running", stats.ByStatus)
	}
	if stats.ByType["sleep"] != 1 || stats.ByType["report"] != 1 {
		t.Errorf("ByType = %v, want one sleep and one report", stats.ByType)
	}
	if stats.AvgDurationMS != 2000 {
		t.Errorf("AvgDurationMS = %v, want 2000", stats.AvgDurationMS)
	}
}

func TestListLogsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	if err := s.UpsertTask(ctx, makeTestTask("task-1", model.StatusRunning, now)); err != nil {
		t.Fatalf("UpsertTask() error = %v", err)
	}

	step := "fetch"
	stepNum := 2
	batch := []*model.TaskLog{
		{TaskID: "task-1", Level: model.LevelDebug, Message: "first", CreatedAt: now},
		{TaskID: "task-1", Level: model.LevelInfo, Message: "second", CreatedAt: now.Add(time.Second)},
		{
			TaskID:    "task-1",
			Level:     model.LevelError,
			Message:   "third",
			CreatedAt: now.Add(2 * time.Second),
			LogContext: model.LogContext{
				StepName:   &step,
				StepNumber: &stepNum,
			},
		},
	}
	if err := s.InsertLogBatch(ctx, batch); err != nil {
		t.Fatalf("InsertLogBatch() error = %v", err)
	}

	logs, err := s.ListLogs(ctx, "task-1", 2)
	if err != nil {
		t.Fatalf("ListLogs() error = %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("len(logs) = %d, want 2 (limit)", len(logs))
	}
	if logs[0].Message != "third" || logs[1].Message != "second" {
		t.Errorf("messages = [%s %s], want [third second]", logs[0].Message, logs[1].Message)
	}
	if logs[0].StepName == nil || *logs[0].StepName != "fetch" {
		t.Errorf("StepName = %v, want fetch", logs[0].StepName)
	}
	if logs[0].StepNumber == nil || *logs[0].StepNumber != 2 {
		t.Errorf("StepNumber = %v, want 2", logs[0].StepNumber)
	}
	if logs[1].StepName != nil {
		t.Errorf("StepName on bare log = %v, want nil", logs[1].StepName)
	}
}

func TestInsertLogCoercesUnknownLevel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	if err := s.UpsertTask(ctx, makeTestTask("task-1", model.StatusRunning, now)); err != nil {
		t.Fatalf("UpsertTask() error = %v", err)
	}

	err := s.InsertLog(ctx, &model.TaskLog{
		TaskID:    "task-1",
		Level:     "verbose",
		Message:   "odd level",
		CreatedAt: now,
	})
	if err != nil {
		t.Fatalf("InsertLog() error = %v", err)
	}

	logs, err := s.ListLogs(ctx, "task-1", 10)
	if err != nil {
		t.Fatalf("ListLogs() error = %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("len(logs) = %d, want 1", len(logs))
	}
	if logs[0].Level != model.LevelInfo {
		t.Errorf("Level = %q, want %q (unknown levels coerce to info)", logs[0].Level, model.LevelInfo)
	}
}
