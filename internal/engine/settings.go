package engine

import (
	"time"

	"github.com/seantiz/crucible/internal/model"
)

// Engine defaults, used when configuration leaves a knob unset.
const (
	DefaultMaxConcurrent = 3
	DefaultTaskTimeout   = 300 * time.Second
	DefaultRetryCount    = 3
	DefaultQueueCapacity = 100
)

// Settings are the tunable engine knobs. An installed Settings value is
// immutable; Reload swaps the whole value atomically. Changes affect tasks
// admitted after the swap, not tasks already running.
type Settings struct {
	// MaxConcurrent caps how many tasks run at once.
	MaxConcurrent int
	// TaskTimeout bounds each task's running phase.
	TaskTimeout time.Duration
	// RetryCount is stored on new tasks and surfaced through the API. The
	// engine itself never retries.
	RetryCount int
	// QueueCapacity caps how many tasks may wait in the pending queue.
	QueueCapacity int
	// LogLevel is the minimum level a task log entry needs to be accepted.
	LogLevel string
}

// DefaultSettings returns the engine defaults.
func DefaultSettings() Settings {
	return Settings{
		MaxConcurrent: DefaultMaxConcurrent,
		TaskTimeout:   DefaultTaskTimeout,
		RetryCount:    DefaultRetryCount,
		QueueCapacity: DefaultQueueCapacity,
		LogLevel:      model.LevelInfo,
	}
}

// normalized fills unset fields with defaults and coerces the log level so
// the rest of the engine never sees a zero or unknown value.
func (s Settings) normalized() Settings {
	d := DefaultSettings()
	if s.MaxConcurrent <= 0 {
		s.MaxConcurrent = d.MaxConcurrent
	}
	if s.TaskTimeout <= 0 {
		s.TaskTimeout = d.TaskTimeout
	}
	if s.RetryCount < 0 {
		s.RetryCount = d.RetryCount
	}
	if s.QueueCapacity <= 0 {
		s.QueueCapacity = d.QueueCapacity
	}
	s.LogLevel = model.NormalizeLevel(s.LogLevel)
	return s
}
