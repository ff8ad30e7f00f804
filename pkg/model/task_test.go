package model

import "testing"

func TestComputeProcessingSummary(t *testing.T) {
	outcomes := []SubtaskOutcome{
		{Index: 0, State: SubtaskStateCompleted},
		{Index: 1, State: SubtaskStateFailed},
		{Index: 2, State: SubtaskStateProcessing},
		{Index: 3, State: SubtaskStateCompleted},
		{Index: 9, State: SubtaskStateCompleted}, // out of range
	}
	s := ComputeProcessingSummary(6, outcomes)
	want := ProcessingSummary{Total: 6, Pending: 2, Processing: 1, Completed: 2, Failed: 1}
	if s != want {
		t.Errorf("summary = %+v, want %+v", s, want)
	}
	if !s.Consistent() {
		t.Error("summary should be consistent")
	}
	if s.Done() {
		t.Error("summary with pending subtasks should not be done")
	}
}

func TestComputeProcessingSummary_DuplicateIndex(t *testing.T) {
	outcomes := []SubtaskOutcome{
		{Index: 0, State: SubtaskStateCompleted},
		{Index: 0, State: SubtaskStateFailed},
	}
	s := ComputeProcessingSummary(1, outcomes)
	if s.Completed != 1 || s.Failed != 0 || !s.Done() {
		t.Errorf("summary = %+v, want the first outcome only", s)
	}
}

func TestComputeProcessingSummary_Empty(t *testing.T) {
	s := ComputeProcessingSummary(0, nil)
	if !s.Done() {
		t.Errorf("empty summary should be done: %+v", s)
	}
}

func TestComputeTaskCounts(t *testing.T) {
	tasks := []*Task{
		{State: TaskStateCompleted},
		{State: TaskStateCompleted},
		{State: TaskStateError},
		{State: TaskStateSubmitted},
	}
	c := ComputeTaskCounts(tasks)
	if c.Total != 4 || c.Completed != 2 || c.Error != 1 || c.Submitted != 1 {
		t.Errorf("counts = %+v", c)
	}
}

func TestTaskNotFoundError_Message(t *testing.T) {
	one := &TaskNotFoundError{IDs: []string{"task_1"}}
	if one.Error() != "task not found with id task_1" {
		t.Errorf("Error() = %q", one.Error())
	}
	two := &TaskNotFoundError{IDs: []string{"a", "b"}}
	if two.Error() != "tasks not found with ids a, b" {
		t.Errorf("Error() = %q", two.Error())
	}
}
