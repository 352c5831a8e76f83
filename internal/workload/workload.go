package workload

import (
	"context"
	"encoding/json"
)

// Workload is the unit of work executed for a task. The context is cancelled
// on task cancellation, timeout, or service shutdown. The returned payload is
// stored as the task result on success.
type Workload func(ctx context.Context, rep Reporter) (json.RawMessage, error)

// Builder validates raw task parameters and returns the Workload to run.
// Builders run synchronously during submission, so bad parameters are
// rejected before any task record exists.
type Builder func(params json.RawMessage) (Workload, error)

// StepInfo describes a pipeline step for structured step logs. A zero
// DurationMS means the duration is not reported.
type StepInfo struct {
	Name       string
	Number     int
	Total      int
	DurationMS int
}

// AgentInfo describes an agent invocation for structured agent logs. A zero
// EstimatedTokens means the estimate is not reported.
type AgentInfo struct {
	Name            string
	Type            string
	Model           string
	Provider        string
	EstimatedTokens int
}

// Reporter is how a running workload feeds progress and logs back to the
// engine. All methods are safe for concurrent use and never block on
// persistence; writes are queued to a background writer.
type Reporter interface {
	// Progress reports overall completion as a percentage. The message, if
	// non-empty, replaces the task's status message.
	Progress(percent int, message string)

	// Batch reports how many batches have completed. The engine derives the
	// percentage from the task's total batch count.
	Batch(completed int)

	// Log emits a plain log line at the given level.
	Log(level, message string)

	// Step emits an info log carrying step context.
	Step(step StepInfo, message string)

	// Agent emits an info log carrying agent context.
	Agent(agent AgentInfo, message string)

	// BatchLog emits a debug log tied to a batch position.
	BatchLog(current, total int, message string)
}
