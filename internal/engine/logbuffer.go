package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/crucible/internal/model"
)

const (
	// logBatchSize triggers a flush once this many entries are buffered.
	logBatchSize = 10

	// logFlushInterval bounds how long a buffered entry can wait during
	// quiet periods before the background flusher drains it.
	logFlushInterval = 2 * time.Second
)

// LogBatcher coalesces task log inserts into batches. A batch is flushed to
// the sync writer when it reaches logBatchSize or when the interval flusher
// fires, whichever comes first. The final shutdown flush writes directly so
// it cannot be dropped by a full queue.
type LogBatcher struct {
	writer *SyncWriter
	logger *slog.Logger

	mu  sync.Mutex
	buf []*model.TaskLog

	stop    chan struct{}
	done    chan struct{}
	started atomic.Bool
}

// NewLogBatcher creates a batcher that flushes through the given writer.
func NewLogBatcher(writer *SyncWriter, logger *slog.Logger) *LogBatcher {
	return &LogBatcher{
		writer: writer,
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Add buffers one entry, flushing if the batch size is reached.
func (b *LogBatcher) Add(l *model.TaskLog) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, l)
	if len(b.buf) >= logBatchSize {
		b.flushLocked("size")
	}
}

// Flush drains the buffer through the writer queue immediately.
func (b *LogBatcher) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked("manual")
}

// flushLocked hands the buffered entries to the sync writer. Caller holds mu.
func (b *LogBatcher) flushLocked(trigger string) {
	if len(b.buf) == 0 {
		return
	}
	batch := b.buf
	b.buf = nil
	b.writer.EnqueueBatch(batch)
	logFlushes.WithLabelValues(trigger).Inc()
}

// Start launches the interval flusher. Repeated calls have no effect.
func (b *LogBatcher) Start() {
	if !b.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(b.done)
		ticker := time.NewTicker(logFlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				b.mu.Lock()
				b.flushLocked("interval")
				b.mu.Unlock()
			case <-b.stop:
				return
			}
		}
	}()
}

// Stop writes any remaining entries directly, then halts the interval
// flusher. Entries added after Stop go to the writer queue unbatched by the
// ticker, so Stop must come before the writer stops.
func (b *LogBatcher) Stop(ctx context.Context) {
	b.mu.Lock()
	rest := b.buf
	b.buf = nil
	b.mu.Unlock()

	if len(rest) > 0 {
		if err := b.writer.WriteLogBatchDirect(ctx, rest); err != nil {
			b.logger.Error("failed to flush final log batch", "count", len(rest), "error", err)
		} else {
			logFlushes.WithLabelValues("final").Inc()
		}
	}

	if b.started.CompareAndSwap(true, false) {
		close(b.stop)
		<-b.done
	}
}
