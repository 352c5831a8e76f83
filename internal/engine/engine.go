package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/store"
	"github.com/seantiz/crucible/internal/workload"
)

var (
	// ErrQueueFull is returned by Submit when the pending queue is at capacity.
	ErrQueueFull = errors.New("task queue is full")

	// ErrShuttingDown is returned by Submit once shutdown has begun.
	ErrShuttingDown = errors.New("engine is shutting down")
)

const (
	// startupProgress is recorded the moment a task starts running, so a
	// started task is always distinguishable from a queued one.
	startupProgress = 5

	// batchProgressSpan is the range batch completion maps onto, from
	// startupProgress to 95. The final 5 points belong to completion.
	batchProgressSpan = 90

	// progressDeltaMin is the smallest percent change that forces a
	// persisted update between throttle windows.
	progressDeltaMin = 5

	// progressMaxStale is how long a task's persisted progress may lag its
	// in-memory value.
	progressMaxStale = 3 * time.Second
)

// progressMark remembers the last persisted progress value and when it was
// written. Throttle decisions compare against it.
type progressMark struct {
	percent int
	at      time.Time
}

// Engine admits, schedules, and supervises task execution. A task lives in
// memory for its whole active life; reads prefer the in-memory record, and
// all persistence flows through the SyncWriter as point-in-time snapshots.
type Engine struct {
	store    store.Store
	registry *workload.Registry
	logger   *slog.Logger

	settings atomic.Pointer[Settings]

	mu        sync.Mutex
	tasks     map[string]*model.Task
	pending   []string
	handles   map[string]context.CancelFunc
	owners    map[string]string
	workloads map[string]workload.Workload
	progress  map[string]*progressMark

	writer *SyncWriter
	logs   *LogBatcher
	broker *LogBroker

	wg       sync.WaitGroup
	started  atomic.Bool
	stopping atomic.Bool
}

// NewEngine creates a task engine. Call Start before submitting.
func NewEngine(s store.Store, reg *workload.Registry, logger *slog.Logger, settings Settings) *Engine {
	e := &Engine{
		store:     s,
		registry:  reg,
		logger:    logger,
		tasks:     make(map[string]*model.Task),
		handles:   make(map[string]context.CancelFunc),
		owners:    make(map[string]string),
		workloads: make(map[string]workload.Workload),
		progress:  make(map[string]*progressMark),
		broker:    NewLogBroker(),
	}
	normalized := settings.normalized()
	e.settings.Store(&normalized)
	e.writer = NewSyncWriter(s, logger, e.ownerOf)
	e.logs = NewLogBatcher(e.writer, logger)
	return e
}

// Start launches the persistence pipeline. Repeated calls have no effect.
func (e *Engine) Start() {
	if !e.started.CompareAndSwap(false, true) {
		return
	}
	e.writer.Start()
	e.logs.Start()

	s := e.settings.Load()
	e.logger.Info("engine started",
		"max_concurrent", s.MaxConcurrent,
		"task_timeout", s.TaskTimeout,
		"queue_capacity", s.QueueCapacity,
		"log_level", s.LogLevel)
}

// Broker returns the engine's log broker for SSE subscription.
func (e *Engine) Broker() *LogBroker {
	return e.broker
}

// Settings returns the currently installed engine settings.
func (e *Engine) Settings() Settings {
	return *e.settings.Load()
}

// Reload atomically replaces the engine settings. The new values govern
// admission and logging from the next decision onward; tasks already running
// keep the timeout they started with, and queued tasks are not retroactively
// promoted.
func (e *Engine) Reload(settings Settings) {
	normalized := settings.normalized()
	e.settings.Store(&normalized)
	e.logger.Info("engine settings reloaded",
		"max_concurrent", normalized.MaxConcurrent,
		"task_timeout", normalized.TaskTimeout,
		"queue_capacity", normalized.QueueCapacity,
		"log_level", normalized.LogLevel)
}

// ownerOf reports the recorded owner for a task, or "" when unknown. The
// sync writer consults it when a snapshot arrives ownerless.
func (e *Engine) ownerOf(taskID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.owners[taskID]
}

// Submit validates, records, and possibly starts a new task. Parameters are
// checked by the type's builder before any record exists, so a rejected
// submission leaves no trace. The returned snapshot reflects the admission
// decision: running if a slot was free, otherwise pending with its 1-based
// queue position.
func (e *Engine) Submit(taskType, owner string, totalBatches int, params json.RawMessage) (*model.Task, error) {
	if e.stopping.Load() {
		return nil, ErrShuttingDown
	}

	build, err := e.registry.Resolve(taskType)
	if err != nil {
		return nil, err
	}
	run, err := build(params)
	if err != nil {
		return nil, fmt.Errorf("build %q workload: %w", taskType, err)
	}

	if totalBatches < 0 {
		totalBatches = 0
	}
	task := &model.Task{
		ID:           model.NewID(),
		Type:         taskType,
		Status:       model.StatusPending,
		TotalBatches: totalBatches,
		Owner:        owner,
		Params:       params,
		CreatedAt:    time.Now().UTC(),
	}

	e.mu.Lock()
	if e.stopping.Load() {
		e.mu.Unlock()
		return nil, ErrShuttingDown
	}
	settings := e.settings.Load()
	if len(e.pending) >= settings.QueueCapacity {
		e.mu.Unlock()
		return nil, ErrQueueFull
	}

	e.tasks[task.ID] = task
	e.owners[task.ID] = owner
	e.workloads[task.ID] = run

	// The pending record is queued for persistence before any start
	// transition, so snapshots apply in lifecycle order.
	e.writer.EnqueueSnapshot(snapshotOf(task))

	if len(e.handles) < settings.MaxConcurrent {
		e.startLocked(task)
	} else {
		e.pending = append(e.pending, task.ID)
	}
	out := e.snapshotLocked(task)
	e.mu.Unlock()

	tasksSubmitted.Inc()
	e.logger.Info("task submitted",
		"task_id", task.ID, "type", taskType, "owner", owner, "status", out.Status)
	return out, nil
}

// startLocked transitions a task to running and launches its supervisor.
// Caller holds mu.
func (e *Engine) startLocked(t *model.Task) {
	now := time.Now().UTC()
	t.Status = model.StatusRunning
	t.StartedAt = &now
	t.Progress = startupProgress

	ctx, cancel := context.WithCancel(context.Background())
	e.handles[t.ID] = cancel

	run := e.workloads[t.ID]
	timeout := e.settings.Load().TaskTimeout

	e.forceProgressLocked(t)
	e.AddLog(t.ID, model.LevelInfo, "task started", model.LogContext{})
	e.logger.Info("task started", "task_id", t.ID, "type", t.Type)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.supervise(ctx, cancel, t.ID, run, timeout)
	}()
}

// supervise runs one task's workload to completion, racing it against the
// task timeout and external cancellation. Exactly one terminal transition
// wins: the supervisor applies completion, failure, and timeout itself,
// while cancellation and shutdown are finalized by the cancelling side.
func (e *Engine) supervise(ctx context.Context, cancel context.CancelFunc, taskID string, run workload.Workload, timeout time.Duration) {
	defer cancel()

	type outcome struct {
		result json.RawMessage
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("workload panic: %v", r)}
			}
		}()
		result, err := run(ctx, &taskReporter{engine: e, taskID: taskID})
		done <- outcome{result: result, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		if out.err != nil {
			if ctx.Err() != nil {
				// The workload bailed because it was cancelled. The
				// cancelling side owns the terminal transition.
				return
			}
			e.failTask(taskID, out.err)
			return
		}
		e.completeTask(taskID, out.result)
	case <-timer.C:
		e.timeoutTask(taskID, timeout)
	case <-ctx.Done():
		// Cancelled or shutting down. Finalized elsewhere.
	}
}

// finalize applies a terminal transition under the engine lock, queues the
// terminal snapshot, releases execution resources, and promotes the next
// queued task. It reports false when the task is unknown or the transition
// is not legal from the current status, in which case nothing changes.
func (e *Engine) finalize(taskID, status string, mutate func(*model.Task)) bool {
	e.mu.Lock()
	t, ok := e.tasks[taskID]
	if !ok || !model.ValidTransition(t.Status, status) {
		e.mu.Unlock()
		return false
	}
	now := time.Now().UTC()
	t.Status = status
	t.CompletedAt = &now
	if mutate != nil {
		mutate(t)
	}
	e.writer.EnqueueSnapshot(snapshotOf(t))
	e.cleanupLocked(taskID)
	e.promoteLocked()
	e.mu.Unlock()

	tasksTerminal.WithLabelValues(status).Inc()
	return true
}

func (e *Engine) completeTask(taskID string, result json.RawMessage) {
	// Drain buffered logs first so entries emitted by the workload are
	// queued ahead of the terminal snapshot.
	e.logs.Flush()

	ok := e.finalize(taskID, model.StatusCompleted, func(t *model.Task) {
		t.Progress = 100
		t.Result = result
	})
	if !ok {
		return
	}
	e.AddLog(taskID, model.LevelInfo, "task completed", model.LogContext{})
	e.logger.Info("task completed", "task_id", taskID)
}

func (e *Engine) failTask(taskID string, workErr error) {
	ok := e.finalize(taskID, model.StatusFailed, func(t *model.Task) {
		t.Error = workErr.Error()
	})
	if !ok {
		return
	}
	e.AddLog(taskID, model.LevelError, fmt.Sprintf("task failed: %v", workErr), model.LogContext{})
	e.logger.Error("task failed", "task_id", taskID, "error", workErr)
}

func (e *Engine) timeoutTask(taskID string, timeout time.Duration) {
	msg := fmt.Sprintf("task timed out after %v", timeout)
	ok := e.finalize(taskID, model.StatusTimeout, func(t *model.Task) {
		t.Error = msg
	})
	if !ok {
		return
	}
	e.AddLog(taskID, model.LevelError, msg, model.LogContext{})
	e.logger.Warn("task timed out", "task_id", taskID, "timeout", timeout)
}

// Cancel stops a task. Pending tasks leave the queue immediately; running
// tasks get their context cancelled and are finalized here rather than by
// their supervisor. Tasks present only in the store fall through to the
// store's guarded cancel. Cancellation is legal only from pending or running.
func (e *Engine) Cancel(ctx context.Context, taskID string) (*model.Task, error) {
	// Buffered logs flush now so nothing emitted before the cancel lands
	// after the terminal snapshot.
	e.logs.Flush()

	e.mu.Lock()
	t, ok := e.tasks[taskID]
	if ok {
		if !model.ValidTransition(t.Status, model.StatusCancelled) {
			e.mu.Unlock()
			return nil, store.ErrInvalidTransition
		}
		now := time.Now().UTC()
		t.Status = model.StatusCancelled
		t.CompletedAt = &now
		e.writer.EnqueueSnapshot(snapshotOf(t))
		e.cleanupLocked(taskID)
		e.promoteLocked()
		snapshot := e.snapshotLocked(t)
		e.mu.Unlock()

		tasksTerminal.WithLabelValues(model.StatusCancelled).Inc()
		e.AddLog(taskID, model.LevelWarning, "task cancelled", model.LogContext{})
		e.logger.Warn("task cancelled", "task_id", taskID)
		return snapshot, nil
	}
	e.mu.Unlock()

	// Not in memory: a row from an earlier run or one already evicted.
	cancelled, err := e.store.CancelTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	e.logger.Warn("task cancelled", "task_id", taskID, "source", "store")
	return cancelled, nil
}

// cleanupLocked releases a task's execution resources once it is terminal:
// queue slot, cancel handle, owner, throttle mark, workload closure, and the
// live log stream. The task record itself stays in memory until
// CleanupTerminal evicts it. Caller holds mu.
func (e *Engine) cleanupLocked(taskID string) {
	e.dropPendingLocked(taskID)
	if cancel, ok := e.handles[taskID]; ok {
		cancel()
		delete(e.handles, taskID)
	}
	delete(e.owners, taskID)
	delete(e.progress, taskID)
	delete(e.workloads, taskID)
	e.broker.Close(taskID)
}

// dropPendingLocked removes a task from the pending queue. Caller holds mu.
func (e *Engine) dropPendingLocked(taskID string) {
	for i, id := range e.pending {
		if id == taskID {
			e.pending = append(e.pending[:i], e.pending[i+1:]...)
			return
		}
	}
}

// promoteLocked starts the next pending task if a slot is free. Queue entries
// that are no longer pending (cancelled while queued) are discarded as they
// surface. At most one task starts per call; every promotion is driven by
// exactly one freed slot. Caller holds mu.
func (e *Engine) promoteLocked() {
	if e.stopping.Load() {
		return
	}
	settings := e.settings.Load()
	for len(e.pending) > 0 {
		if len(e.handles) >= settings.MaxConcurrent {
			return
		}
		id := e.pending[0]
		e.pending = e.pending[1:]
		t, ok := e.tasks[id]
		if !ok || t.Status != model.StatusPending {
			continue
		}
		e.startLocked(t)
		return
	}
}

// UpdateBatch records batch completion and maps it onto the progress range.
// Batch updates persist unconditionally and leave the throttle mark alone,
// so interleaved percent updates keep their own cadence. Updates for tasks
// that are not running are ignored.
func (e *Engine) UpdateBatch(taskID string, completed int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.tasks[taskID]
	if !ok || t.Status != model.StatusRunning {
		return
	}

	if completed < 0 {
		completed = 0
	}
	if t.TotalBatches > 0 && completed > t.TotalBatches {
		completed = t.TotalBatches
	}
	t.CompletedBatches = completed
	if t.TotalBatches > 0 {
		t.Progress = startupProgress + completed*batchProgressSpan/t.TotalBatches
	}
	e.writer.EnqueueSnapshot(snapshotOf(t))
}

// UpdateProgress applies a percent progress update, clamped to 0..100. The
// in-memory task always reflects the latest value; persistence is throttled
// to the endpoints, the first update, jumps of at least progressDeltaMin,
// and marks older than progressMaxStale. Updates for tasks that are not
// running are ignored.
func (e *Engine) UpdateProgress(taskID string, percent int, message string) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.tasks[taskID]
	if !ok || t.Status != model.StatusRunning {
		return
	}
	t.Progress = percent
	if message != "" {
		t.Message = message
	}

	mark := e.progress[taskID]
	persist := percent == 0 || percent == 100 ||
		mark == nil ||
		abs(percent-mark.percent) >= progressDeltaMin ||
		time.Since(mark.at) >= progressMaxStale
	if persist {
		e.forceProgressLocked(t)
	}
}

// forceProgressLocked queues a snapshot and resets the task's throttle mark,
// bypassing the throttle. Caller holds mu.
func (e *Engine) forceProgressLocked(t *model.Task) {
	e.progress[t.ID] = &progressMark{percent: t.Progress, at: time.Now()}
	e.writer.EnqueueSnapshot(snapshotOf(t))
}

// AddLog emits a task log entry. Entries below the configured threshold are
// dropped. Accepted entries go to live subscribers immediately; for
// persistence, warning and error entries skip the batch buffer while
// everything else is batched.
func (e *Engine) AddLog(taskID, level, message string, fields model.LogContext) {
	level = model.NormalizeLevel(level)
	if !model.LevelAtLeast(level, e.settings.Load().LogLevel) {
		return
	}

	entry := &model.TaskLog{
		TaskID:     taskID,
		Level:      level,
		Message:    message,
		LogContext: fields,
		CreatedAt:  time.Now().UTC(),
	}

	if line, err := json.Marshal(entry); err == nil {
		e.broker.Publish(taskID, string(line))
	}

	if model.LevelAtLeast(level, model.LevelWarning) {
		e.writer.EnqueueLog(entry)
		return
	}
	e.logs.Add(entry)
}

// Get returns a point-in-time snapshot of a task, consulting memory first
// and falling back to the store for tasks evicted by cleanup or left over
// from earlier runs.
func (e *Engine) Get(ctx context.Context, taskID string) (*model.Task, error) {
	e.mu.Lock()
	if t, ok := e.tasks[taskID]; ok {
		snapshot := e.snapshotLocked(t)
		e.mu.Unlock()
		return snapshot, nil
	}
	e.mu.Unlock()

	return e.store.GetTask(ctx, taskID)
}

// Counts reports how many tasks are currently running and queued.
func (e *Engine) Counts() (running, pending int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handles), len(e.pending)
}

// CleanupTerminal evicts terminal tasks from memory and deletes their rows,
// logs included, from the store. It returns how many rows were removed.
func (e *Engine) CleanupTerminal(ctx context.Context) (int64, error) {
	e.mu.Lock()
	for id, t := range e.tasks {
		if model.IsTerminal(t.Status) {
			delete(e.tasks, id)
		}
	}
	e.mu.Unlock()

	removed, err := e.store.DeleteTerminal(ctx)
	if err != nil {
		return 0, fmt.Errorf("delete terminal tasks: %w", err)
	}
	e.logger.Info("terminal tasks cleaned up", "removed", removed)
	return removed, nil
}

// Shutdown stops the engine. Running tasks are cancelled and recorded as
// cancelled, queued tasks keep their pending rows for a later run, and the
// persistence pipeline drains before stopping. The context bounds the wait
// for in-flight supervisors; final writes happen regardless.
func (e *Engine) Shutdown(ctx context.Context) error {
	if !e.stopping.CompareAndSwap(false, true) {
		return nil
	}
	e.logger.Info("engine shutting down")

	e.mu.Lock()
	for _, cancel := range e.handles {
		cancel()
	}
	e.mu.Unlock()

	waited := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		e.logger.Warn("shutdown proceeding with tasks still in flight")
	}

	// Anything still marked running was interrupted rather than finished.
	e.mu.Lock()
	now := time.Now().UTC()
	var interrupted []*model.Task
	for _, t := range e.tasks {
		if t.Status != model.StatusRunning {
			continue
		}
		t.Status = model.StatusCancelled
		t.Error = "task cancelled: service shutting down"
		t.CompletedAt = &now
		interrupted = append(interrupted, snapshotOf(t))
		e.cleanupLocked(t.ID)
	}
	e.mu.Unlock()

	// Final states bypass the queue so a full or stopped writer cannot
	// lose them.
	for _, t := range interrupted {
		if err := e.writer.WriteSnapshotDirect(context.Background(), t); err != nil {
			e.logger.Error("failed to record interrupted task", "task_id", t.ID, "error", err)
		}
		tasksTerminal.WithLabelValues(model.StatusCancelled).Inc()
	}

	e.logs.Stop(context.Background())
	e.writer.Stop(context.Background())

	e.logger.Info("engine stopped", "interrupted", len(interrupted))
	return nil
}

// snapshotOf returns a copy of the task safe to hand outside the engine lock.
func snapshotOf(t *model.Task) *model.Task {
	cp := *t
	return &cp
}

// snapshotLocked copies a task and, when it is queued, stamps its 1-based
// queue position. Caller holds mu.
func (e *Engine) snapshotLocked(t *model.Task) *model.Task {
	cp := *t
	if t.Status == model.StatusPending {
		for i, id := range e.pending {
			if id == t.ID {
				pos := i + 1
				cp.QueuePosition = &pos
				break
			}
		}
	}
	return &cp
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
