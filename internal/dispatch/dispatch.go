// Package dispatch plans tasks into subtask schedules and hands their
// subtasks to an execution backend.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/me/taskforge/internal/executor"
	"github.com/me/taskforge/internal/lifecycle"
	"github.com/me/taskforge/internal/partition"
	"github.com/me/taskforge/internal/pipeline"
	"github.com/me/taskforge/internal/store"
	"github.com/me/taskforge/internal/subtask"
	"github.com/me/taskforge/pkg/model"
)

// Dispatcher turns CREATED tasks into running subtasks.
type Dispatcher struct {
	store    store.Store
	machine  *lifecycle.Machine
	builder  *partition.Builder
	catalog  *pipeline.Catalog
	backends *executor.Registry
	dataRoot string
	logger   *slog.Logger
}

// New creates a Dispatcher. Relative input directories of first modules
// resolve against dataRoot.
func New(st store.Store, m *lifecycle.Machine, b *partition.Builder, c *pipeline.Catalog, reg *executor.Registry, dataRoot string, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:    st,
		machine:  m,
		builder:  b,
		catalog:  c,
		backends: reg,
		dataRoot: dataRoot,
		logger:   logger.With("component", "dispatch"),
	}
}

// Plan partitions a CREATED task, moves it to SUBMITTED and submits every
// subtask. A schedule already persisted by an earlier attempt that crashed
// before submission is reused rather than rebuilt. Failures move the task
// to ERROR.
func (d *Dispatcher) Plan(ctx context.Context, task *model.Task) error {
	if task.State != model.TaskStateCreated {
		return &model.InvalidTransitionError{
			Entity: "task",
			ID:     task.ID,
			From:   string(task.State),
			To:     string(model.TaskStateSubmitted),
		}
	}

	module, err := d.Module(ctx, task)
	if err != nil {
		return d.fail(ctx, task, err)
	}

	sched, err := d.restoreOrBuild(ctx, task, module)
	if err != nil {
		return d.fail(ctx, task, err)
	}

	task.SubtaskCount = sched.Len()
	task.Summary = model.ProcessingSummary{Total: sched.Len(), Pending: sched.Len()}
	if err := d.machine.Transition(ctx, task, model.TaskStateSubmitted, ""); err != nil {
		return err
	}
	return d.Launch(ctx, task, module, sched, allIndices(sched.Len()))
}

// Rebuild discards the task's persisted schedule and recorded outcomes and
// partitions its inputs again.
func (d *Dispatcher) Rebuild(ctx context.Context, task *model.Task, module pipeline.Module) (*subtask.Schedule, error) {
	archived, err := subtask.Archive(task.WorkingDir)
	if err != nil {
		return nil, err
	}
	if archived != "" {
		d.logger.Info("schedule archived", "task_id", task.ID, "path", archived)
	}
	if _, err := d.store.DeleteSubtaskOutcomes(ctx, task.ID); err != nil {
		return nil, fmt.Errorf("clear outcomes for %s: %w", task.ID, err)
	}
	spec, err := d.inputSpec(ctx, task, module)
	if err != nil {
		return nil, err
	}
	return d.builder.Build(ctx, task.WorkingDir, spec, module.OutputKind())
}

// Launch submits the given subtasks of the task's schedule to its backend.
func (d *Dispatcher) Launch(ctx context.Context, task *model.Task, module pipeline.Module, sched *subtask.Schedule, indices []int) error {
	if len(indices) == 0 {
		d.logger.Info("nothing to submit", "task_id", task.ID)
		return nil
	}
	backend, err := d.backends.Get(task.ExecutorType)
	if err != nil {
		return d.fail(ctx, task, err)
	}

	inputs := make(map[int][]string, len(indices))
	for _, idx := range indices {
		in, err := sched.Inputs(idx)
		if err != nil {
			return d.fail(ctx, task, err)
		}
		inputs[idx] = in
	}

	job := executor.Job{
		TaskID:   task.ID,
		TaskDir:  task.WorkingDir,
		Command:  module.Command,
		Subtasks: indices,
		Inputs:   inputs,
		Phases:   sched.Phases(),
	}
	if err := backend.Submit(ctx, job); err != nil {
		return d.fail(ctx, task, fmt.Errorf("submit: %w", err))
	}
	d.logger.Info("subtasks submitted", "task_id", task.ID, "count", len(indices), "executor", task.ExecutorType)
	return nil
}

// Cancel asks the task's backend to stop its subtasks. Errors are logged
// and otherwise ignored.
func (d *Dispatcher) Cancel(ctx context.Context, task *model.Task) {
	backend, err := d.backends.Get(task.ExecutorType)
	if err != nil {
		d.logger.Warn("cancel: no backend", "task_id", task.ID, "error", err)
		return
	}
	if err := backend.Cancel(ctx, task.ID); err != nil {
		d.logger.Warn("cancel failed", "task_id", task.ID, "error", err)
	}
}

// Module returns the pipeline module a task executes.
func (d *Dispatcher) Module(ctx context.Context, task *model.Task) (pipeline.Module, error) {
	inst, err := d.store.GetInstance(ctx, task.InstanceID)
	if err != nil {
		return pipeline.Module{}, fmt.Errorf("get instance %s: %w", task.InstanceID, err)
	}
	if inst == nil {
		return pipeline.Module{}, &model.InstanceNotFoundError{ID: task.InstanceID}
	}
	return d.catalog.Module(inst.PipelineName, task.ModuleIndex)
}

func (d *Dispatcher) restoreOrBuild(ctx context.Context, task *model.Task, module pipeline.Module) (*subtask.Schedule, error) {
	sched, err := subtask.Restore(task.WorkingDir)
	var notFound *subtask.ScheduleNotFoundError
	switch {
	case err == nil && string(sched.InputKind) == module.Inputs.Kind && sched.OutputKind == module.OutputKind():
		d.logger.Info("reusing persisted schedule", "task_id", task.ID, "subtasks", sched.Len())
		return sched, nil
	case err != nil && !errors.As(err, &notFound):
		d.logger.Warn("persisted schedule unusable, rebuilding", "task_id", task.ID, "error", err)
	}
	return d.Rebuild(ctx, task, module)
}

// inputSpec resolves the input directory of a module. The first module reads
// from the data root; later modules default to the previous module's task
// directory.
func (d *Dispatcher) inputSpec(ctx context.Context, task *model.Task, module pipeline.Module) (partition.Spec, error) {
	spec := module.Inputs
	switch {
	case filepath.IsAbs(spec.Dir):
	case task.ModuleIndex == 0 || spec.Dir != "":
		spec.Dir = filepath.Join(d.dataRoot, spec.Dir)
	default:
		tasks, err := d.store.ListTasksByInstance(ctx, task.InstanceID)
		if err != nil {
			return spec, fmt.Errorf("list tasks of %s: %w", task.InstanceID, err)
		}
		prev := previousTask(tasks, task.ModuleIndex)
		if prev == nil {
			return spec, fmt.Errorf("task %s: no upstream task for module %d", task.ID, task.ModuleIndex)
		}
		spec.Dir = prev.WorkingDir
	}
	return spec, nil
}

func (d *Dispatcher) fail(ctx context.Context, task *model.Task, cause error) error {
	d.logger.Error("dispatch failed", "task_id", task.ID, "error", cause)
	if task.State.CanTransitionTo(model.TaskStateError) {
		if err := d.machine.Fail(ctx, task, cause); err != nil {
			return errors.Join(cause, err)
		}
	}
	return cause
}

func previousTask(tasks []*model.Task, moduleIndex int) *model.Task {
	for _, t := range tasks {
		if t.ModuleIndex == moduleIndex-1 {
			return t
		}
	}
	return nil
}

func allIndices(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
