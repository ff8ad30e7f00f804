package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/me/taskforge/internal/aggregate"
	"github.com/me/taskforge/internal/dispatch"
	"github.com/me/taskforge/internal/executor"
	"github.com/me/taskforge/internal/lifecycle"
	"github.com/me/taskforge/internal/partition"
	"github.com/me/taskforge/internal/pipeline"
	"github.com/me/taskforge/internal/store"
	"github.com/me/taskforge/pkg/model"
)

const testPipelines = `
pipelines:
  - name: ok
    modules:
      - name: split
        command: ["sh", "-c", "echo done > out.txt"]
        inputs: {kind: glob, dir: raw, pattern: "*.dat"}
      - name: merge
        command: ["cat"]
        inputs: {kind: single, pattern: "st-*/out.txt"}
  - name: flaky
    modules:
      - name: split
        command: ["sh", "-c", "test \"$TASKFORGE_SUBTASK_INDEX\" != 1"]
        inputs: {kind: glob, dir: raw, pattern: "*.dat"}
      - name: merge
        command: ["true"]
        inputs: {kind: single, pattern: "st-*"}
  - name: broken
    modules:
      - name: split
        command: ["false"]
        inputs: {kind: glob, dir: raw, pattern: "*.dat"}
`

// testSetup wires a scheduler Loop over an in-memory store and a local
// backend, with three input files under the data root.
func testSetup(t *testing.T) (*Loop, store.Store, *pipeline.Launcher) {
	t.Helper()
	return testSetupWrapped(t, nil)
}

// testSetupWrapped is testSetup with the store passed through wrap before
// anything else sees it.
func testSetupWrapped(t *testing.T, wrap func(store.Store) store.Store) (*Loop, store.Store, *pipeline.Launcher) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	sqlite, err := store.NewSQLiteStore(":memory:", logger)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if err := sqlite.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })

	var st store.Store = sqlite
	if wrap != nil {
		st = wrap(st)
	}

	catalog, err := pipeline.Parse([]byte(testPipelines))
	if err != nil {
		t.Fatal(err)
	}
	dataRoot := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dataRoot, "raw"), 0o755); err != nil {
		t.Fatal(err)
	}
	for _, n := range []string{"a.dat", "b.dat", "c.dat"} {
		if err := os.WriteFile(filepath.Join(dataRoot, "raw", n), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	reg := executor.NewRegistry(logger)
	reg.Register(executor.NewLocalBackend(4, logger))

	m := lifecycle.NewMachine(st, logger)
	d := dispatch.New(st, m, partition.NewBuilder(partition.DefaultRegistry(logger), logger), catalog, reg, dataRoot, logger)
	loop := NewLoop(st, d, m, aggregate.NewAggregator(st, logger), reg, DefaultConfig(), logger)
	return loop, st, pipeline.NewLauncher(st, catalog, t.TempDir(), logger)
}

// tickUntil ticks until the instance reaches a terminal state, or every
// task has been quiet for a few ticks, and returns the instance.
func tickUntil(t *testing.T, loop *Loop, st store.Store, instID string, done func(*model.Instance) bool) *model.Instance {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		if err := loop.Tick(ctx); err != nil {
			t.Fatalf("Tick: %v", err)
		}
		inst, err := st.GetInstance(ctx, instID)
		if err != nil {
			t.Fatal(err)
		}
		if done(inst) {
			return inst
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("instance %s did not reach the expected state", instID)
	return nil
}

func taskByModule(inst *model.Instance, name string) model.Task {
	for _, task := range inst.Tasks {
		if task.ModuleName == name {
			return task
		}
	}
	return model.Task{}
}

func TestTick_RunsPipelineToCompletion(t *testing.T) {
	loop, st, launcher := testSetup(t)
	inst, err := launcher.Fire(context.Background(), "ok", "run-1")
	if err != nil {
		t.Fatal(err)
	}

	inst = tickUntil(t, loop, st, inst.ID, func(i *model.Instance) bool {
		return i.State.IsTerminal()
	})
	if inst.State != model.InstanceStateCompleted {
		t.Fatalf("instance state = %q, want COMPLETED", inst.State)
	}
	if inst.TaskCounts != (model.TaskCounts{Total: 2, Completed: 2}) {
		t.Errorf("task counts = %+v", inst.TaskCounts)
	}

	split := taskByModule(inst, "split")
	if split.Summary != (model.ProcessingSummary{Total: 3, Completed: 3}) {
		t.Errorf("split summary = %+v", split.Summary)
	}
	if split.StartedAt == nil || split.CompletedAt == nil {
		t.Error("split timestamps not set")
	}
	merge := taskByModule(inst, "merge")
	if merge.SubtaskCount != 1 || merge.State != model.TaskStateCompleted {
		t.Errorf("merge = %q with %d subtasks, want COMPLETED with 1", merge.State, merge.SubtaskCount)
	}
}

func TestTick_PartialHoldsDownstream(t *testing.T) {
	loop, st, launcher := testSetup(t)
	inst, err := launcher.Fire(context.Background(), "flaky", "")
	if err != nil {
		t.Fatal(err)
	}

	inst = tickUntil(t, loop, st, inst.ID, func(i *model.Instance) bool {
		return taskByModule(i, "split").State.IsTerminal()
	})
	// A few more ticks must not release the downstream task.
	for range 3 {
		if err := loop.Tick(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	inst, _ = st.GetInstance(context.Background(), inst.ID)

	split := taskByModule(inst, "split")
	if split.State != model.TaskStatePartial {
		t.Errorf("split state = %q, want PARTIAL", split.State)
	}
	if split.Summary.Completed != 2 || split.Summary.Failed != 1 {
		t.Errorf("split summary = %+v, want 2 completed 1 failed", split.Summary)
	}
	if merge := taskByModule(inst, "merge"); merge.State != model.TaskStateCreated {
		t.Errorf("merge state = %q, want CREATED", merge.State)
	}
}

func TestTick_AllSubtasksFailed(t *testing.T) {
	loop, st, launcher := testSetup(t)
	inst, err := launcher.Fire(context.Background(), "broken", "")
	if err != nil {
		t.Fatal(err)
	}

	inst = tickUntil(t, loop, st, inst.ID, func(i *model.Instance) bool {
		return i.State.IsTerminal()
	})
	if inst.State != model.InstanceStateError {
		t.Errorf("instance state = %q, want ERROR", inst.State)
	}
	task := inst.Tasks[0]
	if task.State != model.TaskStateError || task.ErrorMessage == "" {
		t.Errorf("task = %q %q, want ERROR with message", task.State, task.ErrorMessage)
	}
}

// failingOutcomeStore fails the first write that carries a terminal
// subtask outcome.
type failingOutcomeStore struct {
	store.Store
	mu     sync.Mutex
	failed bool
}

func (s *failingOutcomeStore) RecordSubtaskOutcomes(ctx context.Context, outcomes []model.SubtaskOutcome) error {
	s.mu.Lock()
	fail := !s.failed && slices.ContainsFunc(outcomes, func(o model.SubtaskOutcome) bool {
		return o.State.IsTerminal()
	})
	if fail {
		s.failed = true
	}
	s.mu.Unlock()
	if fail {
		return errors.New("database is locked")
	}
	return s.Store.RecordSubtaskOutcomes(ctx, outcomes)
}

func TestTick_OutcomeWriteFailureIsRetried(t *testing.T) {
	fs := &failingOutcomeStore{}
	loop, st, launcher := testSetupWrapped(t, func(inner store.Store) store.Store {
		fs.Store = inner
		return fs
	})
	inst, err := launcher.Fire(context.Background(), "broken", "")
	if err != nil {
		t.Fatal(err)
	}

	inst = tickUntil(t, loop, st, inst.ID, func(i *model.Instance) bool {
		return i.State.IsTerminal()
	})
	if !fs.failed {
		t.Fatal("outcome write never failed")
	}
	task := inst.Tasks[0]
	if task.State != model.TaskStateError {
		t.Errorf("task state = %q, want ERROR", task.State)
	}
	if task.Summary != (model.ProcessingSummary{Total: 3, Failed: 3}) {
		t.Errorf("summary = %+v, want 3 failed", task.Summary)
	}
}

func TestTick_NoWork(t *testing.T) {
	loop, _, _ := testSetup(t)
	if err := loop.Tick(context.Background()); err != nil {
		t.Fatalf("Tick on empty store: %v", err)
	}
}

func TestUpstreamCompleted(t *testing.T) {
	task := func(idx int, state model.TaskState) *model.Task {
		return &model.Task{ModuleIndex: idx, State: state}
	}
	tests := []struct {
		name     string
		target   *model.Task
		siblings []*model.Task
		want     bool
	}{
		{"first module", task(0, model.TaskStateCreated), nil, true},
		{"upstream completed", task(1, model.TaskStateCreated),
			[]*model.Task{task(0, model.TaskStateCompleted)}, true},
		{"upstream running", task(1, model.TaskStateCreated),
			[]*model.Task{task(0, model.TaskStateProcessing)}, false},
		{"upstream partial", task(2, model.TaskStateCreated),
			[]*model.Task{task(0, model.TaskStateCompleted), task(1, model.TaskStatePartial)}, false},
		{"downstream ignored", task(0, model.TaskStateCreated),
			[]*model.Task{task(1, model.TaskStateError)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := UpstreamCompleted(tt.target, tt.siblings); got != tt.want {
				t.Errorf("UpstreamCompleted = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExclusive(t *testing.T) {
	loop, _, _ := testSetup(t)
	want := errors.New("boom")
	if err := loop.Exclusive(func() error { return want }); !errors.Is(err, want) {
		t.Errorf("Exclusive err = %v, want %v", err, want)
	}
}

func TestStartStop(t *testing.T) {
	loop, _, _ := testSetup(t)
	loop.config.PollInterval = 10 * time.Millisecond

	errCh := make(chan error, 1)
	go func() { errCh <- loop.Start(context.Background()) }()
	time.Sleep(50 * time.Millisecond)

	if err := loop.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Errorf("Start returned %v, want nil", err)
	}
}
