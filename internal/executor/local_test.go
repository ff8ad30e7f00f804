package executor

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/me/taskforge/pkg/model"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// drain polls until the job finishes and returns the final outcome of each subtask.
func drain(t *testing.T, b *LocalBackend, taskID string) map[int]model.SubtaskState {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.Wait(ctx, taskID); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	outcomes, err := b.Poll(ctx, taskID)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	final := make(map[int]model.SubtaskState)
	for _, o := range outcomes {
		if o.TaskID != taskID {
			t.Errorf("outcome for %q, want %q", o.TaskID, taskID)
		}
		final[o.Index] = o.State
	}
	return final
}

func TestLocalBackend_Type(t *testing.T) {
	b := NewLocalBackend(1, newTestLogger())
	if got := b.Type(); got != model.ExecutorTypeLocal {
		t.Fatalf("Type() = %q, want %q", got, model.ExecutorTypeLocal)
	}
}

func TestLocalBackend_RunsSubtasks(t *testing.T) {
	b := NewLocalBackend(2, newTestLogger())
	taskDir := t.TempDir()

	job := Job{
		TaskID:   "task_1",
		TaskDir:  taskDir,
		Command:  []string{"sh", "-c", `test "$1" != bad`, "sh"},
		Subtasks: []int{0, 1, 2},
		Inputs:   map[int][]string{0: {"good"}, 1: {"bad"}, 2: {"good"}},
	}
	if err := b.Submit(context.Background(), job); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	final := drain(t, b, "task_1")
	want := map[int]model.SubtaskState{
		0: model.SubtaskStateCompleted,
		1: model.SubtaskStateFailed,
		2: model.SubtaskStateCompleted,
	}
	for idx, state := range want {
		if final[idx] != state {
			t.Errorf("subtask %d = %q, want %q", idx, final[idx], state)
		}
	}

	if _, err := os.Stat(filepath.Join(taskDir, "st-1", StdoutFileName)); err != nil {
		t.Errorf("stdout log missing: %v", err)
	}
}

func TestLocalBackend_PollKeepsOutcomesUntilAck(t *testing.T) {
	b := NewLocalBackend(1, newTestLogger())
	ctx := context.Background()
	job := Job{
		TaskID:   "task_ack",
		TaskDir:  t.TempDir(),
		Command:  []string{"true"},
		Subtasks: []int{0, 1},
		Inputs:   map[int][]string{},
	}
	if err := b.Submit(ctx, job); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	first := drain(t, b, "task_ack")
	again, err := b.Poll(ctx, "task_ack")
	if err != nil {
		t.Fatal(err)
	}
	// Two subtasks, each PROCESSING then COMPLETED.
	if len(again) != 4 || len(first) != 2 {
		t.Fatalf("second poll returned %d outcomes, want all 4 still buffered", len(again))
	}

	if err := b.Ack(ctx, "task_ack", 1); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	rest, _ := b.Poll(ctx, "task_ack")
	if len(rest) != 3 || rest[0] != again[1] {
		t.Errorf("after ack of 1: %v, want the last 3 of %v", rest, again)
	}

	if err := b.Ack(ctx, "task_ack", 10); err == nil {
		t.Error("ack beyond the buffer should fail")
	}
	if err := b.Ack(ctx, "task_ack", 3); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if left, _ := b.Poll(ctx, "task_ack"); len(left) != 0 {
		t.Errorf("outcomes after full ack = %v", left)
	}
}

func TestLocalBackend_Environment(t *testing.T) {
	b := NewLocalBackend(0, newTestLogger())
	taskDir := t.TempDir()

	job := Job{
		TaskID:   "task_env",
		TaskDir:  taskDir,
		Command:  []string{"sh", "-c", `echo "$TASKFORGE_TASK_ID $TASKFORGE_SUBTASK_INDEX"`},
		Subtasks: []int{4},
	}
	if err := b.Submit(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	drain(t, b, "task_env")

	data, err := os.ReadFile(filepath.Join(taskDir, "st-4", StdoutFileName))
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(string(data)); got != "task_env 4" {
		t.Errorf("stdout = %q, want %q", got, "task_env 4")
	}
}

func TestLocalBackend_PhasesAreBarriers(t *testing.T) {
	b := NewLocalBackend(0, newTestLogger())
	taskDir := t.TempDir()
	marker := filepath.Join(taskDir, "first-phase-done")

	// Subtask 2 only succeeds if both phase-one subtasks already wrote the marker.
	job := Job{
		TaskID:   "task_phase",
		TaskDir:  taskDir,
		Command:  []string{"sh", "-c", `if [ "$TASKFORGE_SUBTASK_INDEX" = 2 ]; then test "$(wc -l < "$1")" -eq 2; else sleep 0.2; echo x >> "$1"; fi`, "sh", marker},
		Subtasks: []int{0, 1, 2},
		Phases:   [][]int{{0, 1}, {2}},
	}
	if err := b.Submit(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	final := drain(t, b, "task_phase")
	if final[2] != model.SubtaskStateCompleted {
		t.Errorf("subtask 2 = %q, want COMPLETED (ran before phase one finished?)", final[2])
	}
}

func TestLocalBackend_EmptyCommand(t *testing.T) {
	b := NewLocalBackend(1, newTestLogger())
	if err := b.Submit(context.Background(), Job{TaskID: "t"}); err == nil {
		t.Error("expected error for empty command")
	}
}

func TestLocalBackend_Cancel(t *testing.T) {
	b := NewLocalBackend(1, newTestLogger())
	job := Job{
		TaskID:   "task_slow",
		TaskDir:  t.TempDir(),
		Command:  []string{"sleep", "30"},
		Subtasks: []int{0, 1},
	}
	if err := b.Submit(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		b.Cancel(context.Background(), "task_slow")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Cancel did not return")
	}

	outcomes, _ := b.Poll(context.Background(), "task_slow")
	if len(outcomes) != 0 {
		t.Errorf("outcomes after cancel = %v, want none", outcomes)
	}
}

func TestJobPhases(t *testing.T) {
	job := Job{Subtasks: []int{1, 3}, Phases: [][]int{{0, 1}, {2}, {3}}}
	got := jobPhases(job)
	if len(got) != 2 || got[0][0] != 1 || got[1][0] != 3 {
		t.Errorf("jobPhases = %v, want [[1] [3]]", got)
	}

	single := jobPhases(Job{Subtasks: []int{2, 0}})
	if len(single) != 1 {
		t.Fatalf("jobPhases without phases = %v", single)
	}
	sorted := append([]int(nil), single[0]...)
	sort.Ints(sorted)
	if sorted[0] != 0 || sorted[1] != 2 {
		t.Errorf("single phase = %v", single[0])
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry(newTestLogger())
	reg.Register(NewLocalBackend(1, newTestLogger()))

	if _, err := reg.Get(model.ExecutorTypeLocal); err != nil {
		t.Errorf("Get(local): %v", err)
	}
	if _, err := reg.Get("slurm"); err == nil {
		t.Error("expected error for unregistered type")
	}
	if types := reg.Types(); len(types) != 1 || types[0] != model.ExecutorTypeLocal {
		t.Errorf("Types = %v, want [local]", types)
	}
}

func TestSemaphore(t *testing.T) {
	if NewSemaphore(0) != nil {
		t.Error("NewSemaphore(0) should be nil")
	}
	var unlimited *Semaphore
	if !unlimited.Acquire(context.Background()) {
		t.Error("nil semaphore should acquire")
	}
	unlimited.Release()

	if unlimited.Limit() != 0 {
		t.Errorf("nil Limit = %d, want 0", unlimited.Limit())
	}

	s := NewSemaphore(1)
	if s.Limit() != 1 {
		t.Errorf("Limit = %d", s.Limit())
	}
	if !s.Acquire(context.Background()) {
		t.Fatal("first acquire failed")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if s.Acquire(ctx) {
		t.Error("acquire on full semaphore with cancelled context should fail")
	}
	s.Release()
	if s.Acquire(ctx) {
		t.Error("acquire with cancelled context should fail even with a free slot")
	}
}
