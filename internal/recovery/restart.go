package recovery

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/me/taskforge/internal/pipeline"
	"github.com/me/taskforge/internal/subtask"
	"github.com/me/taskforge/pkg/model"
)

// Restart re-submits terminal tasks. The whole batch is validated before
// any task is touched: an unknown id, a task whose state does not allow the
// mode, or a RESUME of a task without a restorable schedule (or whose
// schedule no longer matches the task's subtask count) rejects the batch
// unchanged. If a task then fails to restart, the tasks before it stay
// restarted and every instance touched so far is recomputed.
//
// FROM_BEGINNING discards the schedule and outcomes and partitions the
// inputs again. RESUME keeps the persisted schedule and completed outcomes
// and submits only the subtasks that did not complete.
func (c *Coordinator) Restart(ctx context.Context, taskIDs []string, mode model.RestartMode) (*model.RestartResult, error) {
	ids := dedupe(taskIDs)
	if len(ids) == 0 {
		return nil, model.NewValidationError("task_ids must not be empty")
	}
	if mode != model.RestartFromBeginning && mode != model.RestartResume {
		return nil, model.NewValidationError(fmt.Sprintf("unknown restart mode %q", mode))
	}

	tasks, err := c.store.GetTasks(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	var missing []string
	for _, id := range ids {
		if tasks[id] == nil {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return nil, &model.TaskNotFoundError{IDs: missing}
	}

	plans := make([]restartPlan, 0, len(ids))
	for _, id := range ids {
		p, err := c.prepare(ctx, tasks[id], mode)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}

	result := &model.RestartResult{Mode: mode, Restarted: make([]model.RestartedTask, 0, len(plans))}
	instances := make([]string, 0, len(plans))
	var errs []error
	for _, p := range plans {
		// A task that fails partway may already have changed state, so its
		// instance is recomputed too.
		if !slices.Contains(instances, p.task.InstanceID) {
			instances = append(instances, p.task.InstanceID)
		}
		submitted, err := c.restartOne(ctx, p, mode)
		if err != nil {
			errs = append(errs, fmt.Errorf("restart task %s: %w", p.task.ID, err))
			break
		}
		result.Restarted = append(result.Restarted, model.RestartedTask{TaskID: p.task.ID, Submitted: submitted})
	}

	for _, id := range instances {
		if _, err := c.aggregator.Recompute(ctx, id); err != nil {
			errs = append(errs, &RecomputeError{InstanceID: id, Err: err})
		}
	}
	return result, errors.Join(errs...)
}

type restartPlan struct {
	task   *model.Task
	module pipeline.Module
	sched  *subtask.Schedule // restored schedule, RESUME only
}

func (c *Coordinator) prepare(ctx context.Context, task *model.Task, mode model.RestartMode) (restartPlan, error) {
	if !task.State.CanRestart(mode) {
		return restartPlan{}, &model.InvalidTransitionError{
			Entity: "task",
			ID:     task.ID,
			From:   string(task.State),
			To:     string(model.TaskStateSubmitted),
		}
	}
	module, err := c.dispatcher.Module(ctx, task)
	if err != nil {
		return restartPlan{}, fmt.Errorf("task %s: %w", task.ID, err)
	}
	p := restartPlan{task: task, module: module}
	if mode == model.RestartResume {
		sched, err := subtask.Restore(task.WorkingDir)
		if err != nil {
			return restartPlan{}, err
		}
		if task.SubtaskCount > 0 {
			if err := sched.Validate(task.SubtaskCount); err != nil {
				return restartPlan{}, err
			}
		}
		p.sched = sched
	}
	return p, nil
}

func (c *Coordinator) restartOne(ctx context.Context, p restartPlan, mode model.RestartMode) ([]int, error) {
	task := p.task
	c.dispatcher.Cancel(ctx, task)

	sched := p.sched
	var indices []int
	switch mode {
	case model.RestartFromBeginning:
		rebuilt, err := c.dispatcher.Rebuild(ctx, task, p.module)
		if err != nil {
			return nil, err
		}
		sched = rebuilt
		indices = make([]int, sched.Len())
		for i := range indices {
			indices[i] = i
		}
	case model.RestartResume:
		if _, err := c.store.DeleteSubtaskOutcomes(ctx, task.ID, model.SubtaskStateFailed, model.SubtaskStateProcessing, model.SubtaskStatePending); err != nil {
			return nil, fmt.Errorf("clear outcomes: %w", err)
		}
		outcomes, err := c.store.ListSubtaskOutcomes(ctx, task.ID)
		if err != nil {
			return nil, fmt.Errorf("list outcomes: %w", err)
		}
		completed := make(map[int]bool, len(outcomes))
		for _, o := range outcomes {
			completed[o.Index] = true
		}
		for i := range sched.Len() {
			if !completed[i] {
				indices = append(indices, i)
			}
		}
	}

	task.SubtaskCount = sched.Len()
	if err := c.machine.ForceRestart(ctx, task, mode); err != nil {
		return nil, err
	}
	if _, err := c.machine.Summary(ctx, task); err != nil {
		return nil, err
	}
	if err := c.dispatcher.Launch(ctx, task, p.module, sched, indices); err != nil {
		return nil, err
	}
	if indices == nil {
		indices = []int{}
	}
	return indices, nil
}

func dedupe(ids []string) []string {
	var out []string
	for _, id := range ids {
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}
