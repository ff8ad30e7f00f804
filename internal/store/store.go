package store

import (
	"context"

	"github.com/me/taskforge/pkg/model"
)

// Store defines the persistence layer for instances, tasks and subtask outcomes.
type Store interface {
	// Instance CRUD
	CreateInstance(ctx context.Context, inst *model.Instance) error
	GetInstance(ctx context.Context, id string) (*model.Instance, error)
	ListInstances(ctx context.Context, opts model.ListOptions) ([]*model.Instance, int, error)
	ListActiveInstances(ctx context.Context) ([]*model.Instance, error)
	UpdateInstance(ctx context.Context, inst *model.Instance) error

	// Task operations
	CreateTask(ctx context.Context, task *model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	GetTasks(ctx context.Context, ids []string) (map[string]*model.Task, error)
	ListTasksByInstance(ctx context.Context, instanceID string) ([]*model.Task, error)
	ListTasksByState(ctx context.Context, states ...model.TaskState) ([]*model.Task, error)
	UpdateTask(ctx context.Context, task *model.Task) error

	// TransitionTasks moves every task in ids whose current state is one of
	// from to state to, in a single transaction. Tasks that moved away from
	// the expected states in the meantime are left alone. It returns the ids
	// that were changed.
	TransitionTasks(ctx context.Context, ids []string, from []model.TaskState, to model.TaskState, message string) ([]string, error)

	// Subtask outcomes
	RecordSubtaskOutcomes(ctx context.Context, outcomes []model.SubtaskOutcome) error
	ListSubtaskOutcomes(ctx context.Context, taskID string) ([]model.SubtaskOutcome, error)
	DeleteSubtaskOutcomes(ctx context.Context, taskID string, states ...model.SubtaskState) (int64, error)

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}
