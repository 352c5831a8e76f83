// crucible-demo starts a crucible server on an in-memory database with
// demonstration task types. Usage: go run ./cmd/crucible-demo
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/seantiz/crucible/internal/api"
	"github.com/seantiz/crucible/internal/engine"
	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/store"
	"github.com/seantiz/crucible/internal/workload"
)

// pipelineParams configures the "pipeline" demo task.
type pipelineParams struct {
	StepMS int `json:"step_ms"`
}

var pipelineSteps = []string{"fetch sources", "compile", "run checks", "package"}

// pipelineBuilder returns a workload that walks through named steps,
// reporting per-step progress and timing.
func pipelineBuilder() workload.Builder {
	return func(raw json.RawMessage) (workload.Workload, error) {
		p := pipelineParams{StepMS: 300}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, fmt.Errorf("parse pipeline params: %w", err)
			}
		}
		if p.StepMS <= 0 {
			p.StepMS = 300
		}

		return func(ctx context.Context, rep workload.Reporter) (json.RawMessage, error) {
			total := len(pipelineSteps)
			for i, name := range pipelineSteps {
				started := time.Now()
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(time.Duration(p.StepMS) * time.Millisecond):
				}
				rep.Step(workload.StepInfo{
					Name:       name,
					Number:     i + 1,
					Total:      total,
					DurationMS: int(time.Since(started).Milliseconds()),
				}, fmt.Sprintf("finished %s", name))
				rep.Progress((i+1)*100/total, name)
			}
			return json.Marshal(map[string]any{"steps": total})
		}, nil
	}
}

// agentParams configures the "agent-run" demo task.
type agentParams struct {
	Model string `json:"model"`
}

// agentBuilder returns a workload that simulates one model call, reporting
// agent metadata the way an LLM-backed task would.
func agentBuilder() workload.Builder {
	return func(raw json.RawMessage) (workload.Workload, error) {
		p := agentParams{Model: "demo-small"}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, fmt.Errorf("parse agent params: %w", err)
			}
		}

		return func(ctx context.Context, rep workload.Reporter) (json.RawMessage, error) {
			rep.Agent(workload.AgentInfo{
				Name:            "planner",
				Type:            "llm",
				Model:           p.Model,
				Provider:        "demo",
				EstimatedTokens: 1200,
			}, "calling model")

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(750 * time.Millisecond):
			}

			rep.Log(model.LevelInfo, "model response received")
			return json.Marshal(map[string]any{"model": p.Model, "tokens": 1200})
		}, nil
	}
}

func main() {
	addr := ":8080"
	if v := os.Getenv("CRUCIBLE_LISTEN_ADDR"); v != "" {
		addr = v
	}

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	reg := workload.NewRegistry()
	reg.Register("sleep", workload.SleepBuilder())
	reg.Register("pipeline", pipelineBuilder())
	reg.Register("agent-run", agentBuilder())

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	eng := engine.NewEngine(db, reg, logger, engine.DefaultSettings())
	eng.Start()

	srv := api.NewServer(addr, db, reg, eng, logger)

	logger.Info("crucible-demo: starting", "addr", addr)
	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := eng.Shutdown(ctx); err != nil {
		logger.Error("engine shutdown", "error", err)
	}
}
