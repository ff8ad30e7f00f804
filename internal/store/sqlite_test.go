package store

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"testing"
	"time"

	"github.com/me/taskforge/pkg/model"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
	st, err := NewSQLiteStore(":memory:", logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func sampleInstance(id string) *model.Instance {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &model.Instance{
		ID:           id,
		Name:         "run-" + id,
		PipelineName: "calibration",
		State:        model.InstanceStateInitialized,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func sampleTask(id, instanceID string, moduleIndex int, state model.TaskState) *model.Task {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &model.Task{
		ID:           id,
		InstanceID:   instanceID,
		ModuleName:   fmt.Sprintf("module%d", moduleIndex),
		ModuleIndex:  moduleIndex,
		State:        state,
		ExecutorType: model.ExecutorTypeLocal,
		WorkingDir:   "/work/" + id,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func mustCreateTask(t *testing.T, st *SQLiteStore, task *model.Task) {
	t.Helper()
	if err := st.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("create task %s: %v", task.ID, err)
	}
}

// --- Migration tests ---

func TestMigrate_Idempotent(t *testing.T) {
	st := testStore(t)
	// Migrate a second time; should not error.
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

// --- Instance tests ---

func TestCreateAndGetInstance(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	inst := sampleInstance("inst_1")

	if err := st.CreateInstance(ctx, inst); err != nil {
		t.Fatalf("create: %v", err)
	}
	mustCreateTask(t, st, sampleTask("task_b", inst.ID, 1, model.TaskStateCreated))
	mustCreateTask(t, st, sampleTask("task_a", inst.ID, 0, model.TaskStateCreated))

	got, err := st.GetInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("got nil instance")
	}
	if got.PipelineName != "calibration" {
		t.Errorf("pipeline_name = %q", got.PipelineName)
	}
	if got.State != model.InstanceStateInitialized {
		t.Errorf("state = %q", got.State)
	}
	if len(got.Tasks) != 2 {
		t.Fatalf("tasks = %d, want 2", len(got.Tasks))
	}
	if got.Tasks[0].ID != "task_a" {
		t.Errorf("tasks not ordered by module index: first = %q", got.Tasks[0].ID)
	}
}

func TestGetInstance_NotFound(t *testing.T) {
	st := testStore(t)
	got, err := st.GetInstance(context.Background(), "nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestUpdateInstance(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	inst := sampleInstance("inst_1")
	if err := st.CreateInstance(ctx, inst); err != nil {
		t.Fatal(err)
	}

	inst.State = model.InstanceStatePartial
	inst.TaskCounts = model.TaskCounts{Total: 2, Completed: 1, Partial: 1}
	inst.UpdatedAt = time.Now().UTC()
	if err := st.UpdateInstance(ctx, inst); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, _ := st.GetInstance(ctx, inst.ID)
	if got.State != model.InstanceStatePartial {
		t.Errorf("state = %q, want PARTIAL", got.State)
	}
	if got.TaskCounts != inst.TaskCounts {
		t.Errorf("task_counts = %+v, want %+v", got.TaskCounts, inst.TaskCounts)
	}

	missing := sampleInstance("inst_missing")
	if err := st.UpdateInstance(ctx, missing); err == nil {
		t.Error("expected error updating missing instance")
	}
}

func TestListInstances(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		inst := sampleInstance(fmt.Sprintf("inst_%d", i))
		inst.CreatedAt = inst.CreatedAt.Add(time.Duration(i) * time.Second)
		if i%2 == 0 {
			inst.State = model.InstanceStateCompleted
		}
		if err := st.CreateInstance(ctx, inst); err != nil {
			t.Fatal(err)
		}
	}

	list, total, err := st.ListInstances(ctx, model.ListOptions{Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(list) != 2 {
		t.Fatalf("len = %d, want 2", len(list))
	}
	if list[0].ID != "inst_4" {
		t.Errorf("first = %q, want newest inst_4", list[0].ID)
	}

	list, total, err = st.ListInstances(ctx, model.ListOptions{Limit: 10, State: string(model.InstanceStateCompleted)})
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 || len(list) != 3 {
		t.Errorf("completed filter: total=%d len=%d, want 3", total, len(list))
	}

	active, err := st.ListActiveInstances(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 2 {
		t.Errorf("active = %d, want 2", len(active))
	}
}

// --- Task tests ---

func TestCreateAndGetTask(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	task := sampleTask("task_1", "inst_1", 2, model.TaskStateCreated)
	task.SubtaskCount = 25
	task.Summary = model.ProcessingSummary{Total: 25, Pending: 25}

	mustCreateTask(t, st, task)

	got, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("got nil task")
	}
	if got.ModuleIndex != 2 || got.ModuleName != "module2" {
		t.Errorf("module = %d/%q", got.ModuleIndex, got.ModuleName)
	}
	if got.Summary != task.Summary {
		t.Errorf("summary = %+v, want %+v", got.Summary, task.Summary)
	}
	if got.StartedAt != nil || got.CompletedAt != nil {
		t.Error("times should be nil")
	}

	none, err := st.GetTask(ctx, "task_missing")
	if err != nil || none != nil {
		t.Errorf("missing task = (%v, %v), want (nil, nil)", none, err)
	}
}

func TestUpdateTask(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	task := sampleTask("task_1", "inst_1", 0, model.TaskStateCreated)
	mustCreateTask(t, st, task)

	now := time.Now().UTC().Truncate(time.Millisecond)
	task.State = model.TaskStateSubmitted
	task.StartedAt = &now
	task.RestartCount = 2
	task.ErrorMessage = "previous failure"
	if err := st.UpdateTask(ctx, task); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, _ := st.GetTask(ctx, task.ID)
	if got.State != model.TaskStateSubmitted {
		t.Errorf("state = %q", got.State)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(now) {
		t.Errorf("started_at = %v, want %v", got.StartedAt, now)
	}
	if got.RestartCount != 2 || got.ErrorMessage != "previous failure" {
		t.Errorf("restart_count=%d error=%q", got.RestartCount, got.ErrorMessage)
	}

	if err := st.UpdateTask(ctx, sampleTask("task_missing", "inst_1", 0, model.TaskStateCreated)); err == nil {
		t.Error("expected error updating missing task")
	}
}

func TestGetTasks(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	mustCreateTask(t, st, sampleTask("t1", "i", 0, model.TaskStateCreated))
	mustCreateTask(t, st, sampleTask("t2", "i", 0, model.TaskStateCreated))

	got, err := st.GetTasks(ctx, []string{"t1", "t2", "t3"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got["t1"] == nil || got["t2"] == nil {
		t.Errorf("GetTasks = %v", got)
	}
	if _, ok := got["t3"]; ok {
		t.Error("t3 should be absent")
	}

	empty, err := st.GetTasks(ctx, nil)
	if err != nil || len(empty) != 0 {
		t.Errorf("GetTasks(nil) = (%v, %v)", empty, err)
	}
}

func TestListTasksByState(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	mustCreateTask(t, st, sampleTask("t1", "i", 0, model.TaskStateCreated))
	mustCreateTask(t, st, sampleTask("t2", "i", 1, model.TaskStateSubmitted))
	mustCreateTask(t, st, sampleTask("t3", "i", 2, model.TaskStateProcessing))
	mustCreateTask(t, st, sampleTask("t4", "i", 3, model.TaskStateCompleted))

	got, err := st.ListTasksByState(ctx, model.TaskStateSubmitted, model.TaskStateProcessing)
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, task := range got {
		ids = append(ids, task.ID)
	}
	slices.Sort(ids)
	if !slices.Equal(ids, []string{"t2", "t3"}) {
		t.Errorf("ids = %v, want [t2 t3]", ids)
	}
}

func TestTransitionTasks_Guarded(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	mustCreateTask(t, st, sampleTask("t1", "i", 0, model.TaskStateSubmitted))
	mustCreateTask(t, st, sampleTask("t2", "i", 0, model.TaskStateProcessing))
	mustCreateTask(t, st, sampleTask("t3", "i", 0, model.TaskStateCompleted))

	changed, err := st.TransitionTasks(ctx, []string{"t1", "t2", "t3", "t_missing"},
		[]model.TaskState{model.TaskStateSubmitted}, model.TaskStateError, "reset by operator")
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if !slices.Equal(changed, []string{"t1"}) {
		t.Errorf("changed = %v, want [t1]", changed)
	}

	t1, _ := st.GetTask(ctx, "t1")
	if t1.State != model.TaskStateError {
		t.Errorf("t1 state = %q, want ERROR", t1.State)
	}
	if t1.ErrorMessage != "reset by operator" {
		t.Errorf("t1 error_message = %q", t1.ErrorMessage)
	}
	if t1.CompletedAt == nil {
		t.Error("t1 completed_at should be set for a terminal state")
	}
	t2, _ := st.GetTask(ctx, "t2")
	if t2.State != model.TaskStateProcessing {
		t.Errorf("t2 state = %q, want PROCESSING", t2.State)
	}
	t3, _ := st.GetTask(ctx, "t3")
	if t3.State != model.TaskStateCompleted {
		t.Errorf("t3 state = %q, want COMPLETED", t3.State)
	}
}

// --- Subtask outcome tests ---

func TestSubtaskOutcomes(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	mustCreateTask(t, st, sampleTask("t1", "i", 0, model.TaskStateProcessing))

	err := st.RecordSubtaskOutcomes(ctx, []model.SubtaskOutcome{
		{TaskID: "t1", Index: 0, State: model.SubtaskStateProcessing},
		{TaskID: "t1", Index: 1, State: model.SubtaskStateFailed},
		{TaskID: "t1", Index: 2, State: model.SubtaskStateCompleted},
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	// Latest report wins.
	if err := st.RecordSubtaskOutcomes(ctx, []model.SubtaskOutcome{
		{TaskID: "t1", Index: 0, State: model.SubtaskStateCompleted},
	}); err != nil {
		t.Fatalf("record update: %v", err)
	}

	outcomes, err := st.ListSubtaskOutcomes(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(outcomes) != 3 {
		t.Fatalf("outcomes = %d, want 3", len(outcomes))
	}
	if outcomes[0].State != model.SubtaskStateCompleted {
		t.Errorf("subtask 0 = %q, want COMPLETED", outcomes[0].State)
	}

	n, err := st.DeleteSubtaskOutcomes(ctx, "t1", model.SubtaskStateFailed, model.SubtaskStateProcessing)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("deleted = %d, want 1", n)
	}
	outcomes, _ = st.ListSubtaskOutcomes(ctx, "t1")
	if len(outcomes) != 2 {
		t.Errorf("outcomes after delete = %d, want 2", len(outcomes))
	}

	n, err = st.DeleteSubtaskOutcomes(ctx, "t1")
	if err != nil || n != 2 {
		t.Errorf("delete all = (%d, %v), want (2, nil)", n, err)
	}
}

func TestSubtaskOutcomes_UnknownTask(t *testing.T) {
	st := testStore(t)
	err := st.RecordSubtaskOutcomes(context.Background(), []model.SubtaskOutcome{
		{TaskID: "ghost", Index: 0, State: model.SubtaskStateCompleted},
	})
	if err == nil {
		t.Error("expected foreign key error for unknown task")
	}
}
