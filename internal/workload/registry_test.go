package workload_test

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/crucible/internal/workload"
)

// recordingReporter captures everything a workload reports.
type recordingReporter struct {
	batches []int
	logs    []string
}

func (r *recordingReporter) Progress(percent int, message string)          {}
func (r *recordingReporter) Batch(completed int)                           { r.batches = append(r.batches, completed) }
func (r *recordingReporter) Log(level, message string)                     { r.logs = append(r.logs, level+": "+message) }
func (r *recordingReporter) Step(step workload.StepInfo, message string)   {}
func (r *recordingReporter) Agent(agent workload.AgentInfo, message string) {}
func (r *recordingReporter) BatchLog(current, total int, message string)   {}

func noopBuilder(params json.RawMessage) (workload.Workload, error) {
	return func(ctx context.Context, rep workload.Reporter) (json.RawMessage, error) {
		return nil, nil
	}, nil
}

func TestRegistryResolve(t *testing.T) {
	reg := workload.NewRegistry()
	reg.Register("sleep", noopBuilder)

	if _, err := reg.Resolve("sleep"); err != nil {
		t.Fatalf("Resolve(sleep) error = %v", err)
	}

	_, err := reg.Resolve("crunch")
	if !errors.Is(err, workload.ErrUnknownType) {
		t.Fatalf("Resolve(crunch) error = %v, want ErrUnknownType", err)
	}
	if !strings.Contains(err.Error(), "crunch") {
		t.Errorf("error %q should name the unknown type", err)
	}
}

func TestRegistryTypesSorted(t *testing.T) {
	reg := workload.NewRegistry()
	for _, taskType := range []string{"zeta", "alpha", "sleep"} {
		reg.Register(taskType, noopBuilder)
	}

	got := reg.Types()
	want := []string{"alpha", "sleep", "zeta"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Types() = %v, want %v", got, want)
	}
}

func TestSleepBuilderRejectsBadParams(t *testing.T) {
	build := workload.SleepBuilder()

	if _, err := build(json.RawMessage(`{not json`)); err == nil {
		t.Error("build with malformed params should fail")
	}
	if _, err := build(json.RawMessage(`{"duration_ms":-5}`)); err == nil {
		t.Error("build with negative duration should fail")
	}
}

func TestSleepWorkloadCompletes(t *testing.T) {
	build := workload.SleepBuilder()
	run, err := build(json.RawMessage(`{"duration_ms":40,"batches":4,"log_lines":2}`))
	if err != nil {
		t.Fatalf("build error = %v", err)
	}

	rep := &recordingReporter{}
	result, err := run(context.Background(), rep)
	if err != nil {
		t.Fatalf("run error = %v", err)
	}

	var out struct {
		SleptMS int `json:"slept_ms"`
		Batches int `json:"batches"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if out.SleptMS != 40 || out.Batches != 4 {
		t.Errorf("result = %+v, want slept_ms 40, batches 4", out)
	}
	if !reflect.DeepEqual(rep.batches, []int{1, 2, 3, 4}) {
		t.Errorf("reported batches = %v, want 1..4", rep.batches)
	}
	if len(rep.logs) != 2 {
		t.Errorf("reported %d log lines, want 2", len(rep.logs))
	}
}

func TestSleepWorkloadFails(t *testing.T) {
	build := workload.SleepBuilder()
	run, err := build(json.RawMessage(`{"duration_ms":10,"batches":1,"fail_with":"disk full"}`))
	if err != nil {
		t.Fatalf("build error = %v", err)
	}

	_, err = run(context.Background(), &recordingReporter{})
	if err == nil || err.Error() != "disk full" {
		t.Fatalf("run error = %v, want disk full", err)
	}
}

func TestSleepWorkloadHonoursCancel(t *testing.T) {
	build := workload.SleepBuilder()
	run, err := build(json.RawMessage(`{"duration_ms":5000,"batches":1}`))
	if err != nil {
		t.Fatalf("build error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	_, err = run(ctx, &recordingReporter{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("run error = %v, want context.Canceled", err)
	}
	if time.Since(start) > time.Second {
		t.Error("cancelled workload should return promptly")
	}
}
