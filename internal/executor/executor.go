package executor

import (
	"context"

	"github.com/me/taskforge/pkg/model"
)

// Job is the work handed to a backend for one task: the subtasks to run and
// the order constraints between them.
type Job struct {
	TaskID  string
	TaskDir string

	// Command is the module command. Each subtask runs it in its own
	// directory with the subtask's inputs appended as arguments.
	Command []string

	// Subtasks lists the indices to run.
	Subtasks []int

	// Inputs maps each subtask index to its input identifiers.
	Inputs map[int][]string

	// Phases groups subtask indices into barriers. Indices not in Subtasks
	// are skipped. Nil means a single phase.
	Phases [][]int
}

// Backend is a pluggable execution target for subtasks.
type Backend interface {
	// Type returns the executor type identifier.
	Type() model.ExecutorType

	// Submit starts the job and returns without waiting for it. A job already
	// running for the same task is cancelled first.
	Submit(ctx context.Context, job Job) error

	// Poll returns the subtask outcomes reported and not yet acknowledged,
	// oldest first. Polling does not consume them.
	Poll(ctx context.Context, taskID string) ([]model.SubtaskOutcome, error)

	// Ack discards the first n outcomes returned by Poll once the caller has
	// stored them.
	Ack(ctx context.Context, taskID string, n int) error

	// Cancel requests cancellation of any running subtasks of the task.
	Cancel(ctx context.Context, taskID string) error
}
