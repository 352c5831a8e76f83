package engine

import (
	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/workload"
)

// taskReporter is the Reporter handed to each running workload. It forwards
// progress through the engine's throttled update path and logs through the
// batching pipeline; none of its methods block on persistence.
type taskReporter struct {
	engine *Engine
	taskID string
}

var _ workload.Reporter = (*taskReporter)(nil)

func (r *taskReporter) Progress(percent int, message string) {
	r.engine.UpdateProgress(r.taskID, percent, message)
}

func (r *taskReporter) Batch(completed int) {
	r.engine.UpdateBatch(r.taskID, completed)
}

func (r *taskReporter) Log(level, message string) {
	r.engine.AddLog(r.taskID, level, message, model.LogContext{})
}

func (r *taskReporter) Step(step workload.StepInfo, message string) {
	fields := model.LogContext{
		StepName:   &step.Name,
		StepNumber: &step.Number,
		TotalSteps: &step.Total,
	}
	if step.DurationMS > 0 {
		fields.DurationMS = &step.DurationMS
	}
	r.engine.AddLog(r.taskID, model.LevelInfo, message, fields)
}

func (r *taskReporter) Agent(agent workload.AgentInfo, message string) {
	fields := model.LogContext{
		AgentName: &agent.Name,
		AgentType: &agent.Type,
		ModelName: &agent.Model,
		Provider:  &agent.Provider,
	}
	if agent.EstimatedTokens > 0 {
		fields.EstimatedTokens = &agent.EstimatedTokens
	}
	r.engine.AddLog(r.taskID, model.LevelInfo, message, fields)
}

func (r *taskReporter) BatchLog(current, total int, message string) {
	r.engine.AddLog(r.taskID, model.LevelDebug, message, model.LogContext{
		CurrentBatch: &current,
		TotalBatches: &total,
	})
}
