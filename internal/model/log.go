package model

import "time"

// Task log level constants, ordered debug < info < warning < error.
const (
	LevelDebug   = "debug"
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

var levelOrder = map[string]int{
	LevelDebug:   0,
	LevelInfo:    1,
	LevelWarning: 2,
	LevelError:   3,
}

// levelRank returns the ordering rank of a level, coercing unknown levels to info.
func levelRank(level string) int {
	if r, ok := levelOrder[level]; ok {
		return r
	}
	return levelOrder[LevelInfo]
}

// LevelAtLeast reports whether level meets or exceeds threshold.
// Unrecognized levels on either side compare as info.
func LevelAtLeast(level, threshold string) bool {
	return levelRank(level) >= levelRank(threshold)
}

// NormalizeLevel maps unrecognized levels to info.
func NormalizeLevel(level string) string {
	if _, ok := levelOrder[level]; ok {
		return level
	}
	return LevelInfo
}

// LogContext carries the optional structured fields a task log may attach.
// All fields are nullable columns in the store.
type LogContext struct {
	StepName        *string `json:"step_name,omitempty"`
	StepNumber      *int    `json:"step_number,omitempty"`
	TotalSteps      *int    `json:"total_steps,omitempty"`
	DurationMS      *int    `json:"duration_ms,omitempty"`
	AgentName       *string `json:"agent_name,omitempty"`
	AgentType       *string `json:"agent_type,omitempty"`
	ModelName       *string `json:"model_name,omitempty"`
	Provider        *string `json:"provider,omitempty"`
	EstimatedTokens *int    `json:"estimated_tokens,omitempty"`
	CurrentBatch    *int    `json:"current_batch,omitempty"`
	TotalBatches    *int    `json:"total_batches,omitempty"`
}

// TaskLog is a single persisted log entry owned by one task.
type TaskLog struct {
	ID      int64  `json:"id"`
	TaskID  string `json:"task_id"`
	Level   string `json:"level"`
	Message string `json:"message"`
	LogContext
	CreatedAt time.Time `json:"created_at"`
}
