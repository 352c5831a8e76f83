package workload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/crucible/internal/model"
)

// sleepParams configures the built-in sleep workload.
type sleepParams struct {
	DurationMS int    `json:"duration_ms"`
	Batches    int    `json:"batches"`
	FailWith   string `json:"fail_with"`
	LogLines   int    `json:"log_lines"`
}

// SleepBuilder returns the builder for the "sleep" task type: a workload that
// sleeps for duration_ms spread across batches, emitting batch progress and
// log lines along the way. It exists for demos and end-to-end tests. Setting
// fail_with makes the workload fail with that message after sleeping.
func SleepBuilder() Builder {
	return func(raw json.RawMessage) (Workload, error) {
		p := sleepParams{DurationMS: 1000, Batches: 4}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, fmt.Errorf("parse sleep params: %w", err)
			}
		}
		if p.DurationMS <= 0 {
			return nil, fmt.Errorf("duration_ms must be positive, got %d", p.DurationMS)
		}
		if p.Batches <= 0 {
			p.Batches = 1
		}

		return func(ctx context.Context, rep Reporter) (json.RawMessage, error) {
			for i := 0; i < p.LogLines; i++ {
				rep.Log(model.LevelInfo, fmt.Sprintf("sleep log line %d", i+1))
			}

			interval := time.Duration(p.DurationMS) * time.Millisecond / time.Duration(p.Batches)
			for i := 1; i <= p.Batches; i++ {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(interval):
				}
				rep.Batch(i)
				rep.BatchLog(i, p.Batches, fmt.Sprintf("slept through batch %d of %d", i, p.Batches))
			}

			if p.FailWith != "" {
				return nil, errors.New(p.FailWith)
			}

			result, err := json.Marshal(map[string]any{
				"slept_ms": p.DurationMS,
				"batches":  p.Batches,
			})
			if err != nil {
				return nil, fmt.Errorf("marshal sleep result: %w", err)
			}
			return result, nil
		}, nil
	}
}
