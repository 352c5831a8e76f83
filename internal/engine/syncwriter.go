package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/store"
)

const (
	// syncQueueSize bounds the writer queue. Enqueues beyond it are dropped
	// rather than blocking task goroutines.
	syncQueueSize = 1000

	// writerStopTimeout bounds how long Stop waits for the queue to drain
	// before cancelling the drain goroutine outright.
	writerStopTimeout = 5 * time.Second
)

// syncRequest is one unit of work for the sync writer. Exactly one payload
// field is set, or shutdown is true.
type syncRequest struct {
	snapshot *model.Task
	log      *model.TaskLog
	batch    []*model.TaskLog
	shutdown bool
}

// SyncWriter funnels all task and log persistence through one background
// goroutine so task goroutines never wait on SQLite. Snapshots are
// point-in-time copies; applying them in queue order reproduces the task's
// state history. The write mutex also covers the Direct methods used during
// shutdown, so a direct write can never interleave with a queued one.
type SyncWriter struct {
	store        store.Store
	logger       *slog.Logger
	resolveOwner func(taskID string) string

	requests chan syncRequest
	writeMu  sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	started  atomic.Bool
}

// NewSyncWriter creates a sync writer over the given store. resolveOwner is
// consulted when a snapshot arrives without an owner; it returns "" when the
// task is unknown, in which case a snapshot that would insert a new row is
// skipped rather than persisted ownerless.
func NewSyncWriter(s store.Store, logger *slog.Logger, resolveOwner func(taskID string) string) *SyncWriter {
	return &SyncWriter{
		store:        s,
		logger:       logger,
		resolveOwner: resolveOwner,
		requests:     make(chan syncRequest, syncQueueSize),
		done:         make(chan struct{}),
	}
}

// Start launches the drain goroutine. Repeated calls have no effect.
func (w *SyncWriter) Start() {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go w.run(ctx)
}

func (w *SyncWriter) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case req := <-w.requests:
			if req.shutdown {
				return
			}
			w.dispatch(ctx, req)
		case <-ctx.Done():
			return
		}
	}
}

func (w *SyncWriter) dispatch(ctx context.Context, req syncRequest) {
	switch {
	case req.snapshot != nil:
		w.writeSnapshot(ctx, req.snapshot)
	case req.log != nil:
		if err := w.locked(func() error { return w.store.InsertLog(ctx, req.log) }); err != nil {
			syncFailures.Inc()
			w.logger.Error("failed to persist log", "task_id", req.log.TaskID, "error", err)
		}
	case len(req.batch) > 0:
		if err := w.locked(func() error { return w.store.InsertLogBatch(ctx, req.batch) }); err != nil {
			syncFailures.Inc()
			w.logger.Error("failed to persist log batch", "count", len(req.batch), "error", err)
		}
	}
}

func (w *SyncWriter) writeSnapshot(ctx context.Context, t *model.Task) {
	// Owner resolution happens at write time, not enqueue time, so a
	// snapshot queued before the task's first insert still picks up the
	// owner recorded at submission.
	if t.Owner == "" && w.resolveOwner != nil {
		t.Owner = w.resolveOwner(t.ID)
	}

	err := w.locked(func() error { return w.store.UpsertTask(ctx, t) })
	switch {
	case errors.Is(err, store.ErrOwnerRequired):
		w.logger.Warn("skipping snapshot with no resolvable owner", "task_id", t.ID)
	case err != nil:
		syncFailures.Inc()
		w.logger.Error("failed to persist task snapshot", "task_id", t.ID, "error", err)
	}
}

func (w *SyncWriter) locked(write func() error) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return write()
}

// EnqueueSnapshot queues a task snapshot for persistence. It never blocks;
// when the queue is full the snapshot is dropped and counted.
func (w *SyncWriter) EnqueueSnapshot(t *model.Task) bool {
	return w.enqueue(syncRequest{snapshot: t}, "snapshot")
}

// EnqueueLog queues a single log entry, bypassing the batch buffer.
func (w *SyncWriter) EnqueueLog(l *model.TaskLog) bool {
	return w.enqueue(syncRequest{log: l}, "log")
}

// EnqueueBatch queues a batch of log entries.
func (w *SyncWriter) EnqueueBatch(batch []*model.TaskLog) bool {
	if len(batch) == 0 {
		return true
	}
	return w.enqueue(syncRequest{batch: batch}, "batch")
}

func (w *SyncWriter) enqueue(req syncRequest, kind string) bool {
	select {
	case w.requests <- req:
		syncWrites.WithLabelValues(kind).Inc()
		return true
	default:
		syncDropped.WithLabelValues(kind).Inc()
		w.logger.Warn("sync queue full, dropping write", "kind", kind)
		return false
	}
}

// WriteSnapshotDirect persists a snapshot on the caller's goroutine,
// bypassing the queue. Shutdown uses it for final task states that must not
// be lost to a full or stopped queue.
func (w *SyncWriter) WriteSnapshotDirect(ctx context.Context, t *model.Task) error {
	if t.Owner == "" && w.resolveOwner != nil {
		t.Owner = w.resolveOwner(t.ID)
	}
	return w.locked(func() error { return w.store.UpsertTask(ctx, t) })
}

// WriteLogBatchDirect persists a log batch on the caller's goroutine.
func (w *SyncWriter) WriteLogBatchDirect(ctx context.Context, batch []*model.TaskLog) error {
	if len(batch) == 0 {
		return nil
	}
	return w.locked(func() error { return w.store.InsertLogBatch(ctx, batch) })
}

// Stop shuts the writer down. A shutdown marker goes onto the queue so
// already-queued writes drain first; if the queue does not drain within
// writerStopTimeout or ctx expires, the drain goroutine is cancelled with
// whatever remains left unwritten.
func (w *SyncWriter) Stop(ctx context.Context) {
	if !w.started.Load() {
		return
	}

	select {
	case w.requests <- syncRequest{shutdown: true}:
	default:
		// Queue full. The bounded wait below ends in a hard cancel.
	}

	timer := time.NewTimer(writerStopTimeout)
	defer timer.Stop()

	select {
	case <-w.done:
	case <-timer.C:
		w.logger.Warn("sync writer did not drain in time, cancelling")
		w.cancel()
		<-w.done
	case <-ctx.Done():
		w.cancel()
		<-w.done
	}
}
