// Package recovery implements the operator actions that recover from
// crashed or stuck work: resetting stalled tasks, cancelling instances and
// restarting failed tasks.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/me/taskforge/internal/aggregate"
	"github.com/me/taskforge/internal/dispatch"
	"github.com/me/taskforge/internal/lifecycle"
	"github.com/me/taskforge/internal/store"
	"github.com/me/taskforge/pkg/model"
)

// ResetMessage is recorded on tasks moved to ERROR by a reset.
const ResetMessage = "reset by operator"

// CancelMessage is recorded on tasks moved to ERROR by a cancel.
const CancelMessage = "cancelled by operator"

// RecomputeError reports that the task changes of an operation were
// committed but the follow-up instance recompute failed. Retrying the
// recompute is safe.
type RecomputeError struct {
	InstanceID string
	Err        error
}

func (e *RecomputeError) Error() string {
	return fmt.Sprintf("tasks updated but instance %s was not recomputed: %v", e.InstanceID, e.Err)
}

func (e *RecomputeError) Unwrap() error { return e.Err }

// Coordinator performs reset, cancel and restart operations.
type Coordinator struct {
	store      store.Store
	machine    *lifecycle.Machine
	aggregator *aggregate.Aggregator
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(st store.Store, m *lifecycle.Machine, agg *aggregate.Aggregator, d *dispatch.Dispatcher, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:      st,
		machine:    m,
		aggregator: agg,
		dispatcher: d,
		logger:     logger.With("component", "recovery"),
	}
}

// ResetStalled moves the instance's SUBMITTED tasks, plus its PROCESSING
// tasks when includeProcessing is set, to ERROR. A non-empty taskIDs limits
// the reset to those tasks. The task updates are one transaction guarded on
// the state each task was observed in; the instance is recomputed after.
// A recompute failure is returned as *RecomputeError together with the
// result.
func (c *Coordinator) ResetStalled(ctx context.Context, instanceID string, includeProcessing bool, taskIDs []string) (*model.ResetResult, error) {
	inst, err := c.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("get instance %s: %w", instanceID, err)
	}
	if inst == nil {
		return nil, &model.InstanceNotFoundError{ID: instanceID}
	}

	from := []model.TaskState{model.TaskStateSubmitted}
	if includeProcessing {
		from = append(from, model.TaskStateProcessing)
	}

	var ids []string
	for _, t := range inst.Tasks {
		if !slices.Contains(from, t.State) {
			continue
		}
		if len(taskIDs) > 0 && !slices.Contains(taskIDs, t.ID) {
			continue
		}
		ids = append(ids, t.ID)
	}

	changed, err := c.store.TransitionTasks(ctx, ids, from, model.TaskStateError, ResetMessage)
	if err != nil {
		return nil, fmt.Errorf("reset tasks of %s: %w", instanceID, err)
	}
	if changed == nil {
		changed = []string{}
	}
	c.logger.Info("instance reset", "instance_id", instanceID, "include_processing", includeProcessing, "reset", len(changed))

	result := &model.ResetResult{InstanceID: instanceID, ResetTaskIDs: changed}
	updated, err := c.aggregator.Recompute(ctx, instanceID)
	if err != nil {
		result.InstanceState = inst.State
		return result, &RecomputeError{InstanceID: instanceID, Err: err}
	}
	result.InstanceState = updated.State
	result.Recomputed = true
	return result, nil
}

// CancelInstance moves every CREATED, SUBMITTED and PROCESSING task of the
// instance to ERROR, asks the backends to stop them and recomputes the
// instance.
func (c *Coordinator) CancelInstance(ctx context.Context, instanceID string) (*model.Instance, error) {
	inst, err := c.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("get instance %s: %w", instanceID, err)
	}
	if inst == nil {
		return nil, &model.InstanceNotFoundError{ID: instanceID}
	}

	from := []model.TaskState{model.TaskStateCreated, model.TaskStateSubmitted, model.TaskStateProcessing}
	var ids []string
	for _, t := range inst.Tasks {
		if slices.Contains(from, t.State) {
			ids = append(ids, t.ID)
		}
	}
	changed, err := c.store.TransitionTasks(ctx, ids, from, model.TaskStateError, CancelMessage)
	if err != nil {
		return nil, fmt.Errorf("cancel tasks of %s: %w", instanceID, err)
	}
	for i := range inst.Tasks {
		if slices.Contains(changed, inst.Tasks[i].ID) && inst.Tasks[i].State.IsActive() {
			c.dispatcher.Cancel(ctx, &inst.Tasks[i])
		}
	}
	c.logger.Info("instance cancelled", "instance_id", instanceID, "tasks", len(changed))

	updated, err := c.aggregator.Recompute(ctx, instanceID)
	if err != nil {
		return inst, &RecomputeError{InstanceID: instanceID, Err: err}
	}
	return updated, nil
}

// CancelAllActive cancels every instance that is not in a terminal state.
// It returns the ids of the cancelled instances. Recompute failures do not
// stop the sweep and are returned joined.
func (c *Coordinator) CancelAllActive(ctx context.Context) ([]string, error) {
	active, err := c.store.ListActiveInstances(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active instances: %w", err)
	}
	var (
		cancelled []string
		errs      []error
	)
	for _, inst := range active {
		if _, err := c.CancelInstance(ctx, inst.ID); err != nil {
			var re *RecomputeError
			if !errors.As(err, &re) {
				return cancelled, errors.Join(append(errs, err)...)
			}
			errs = append(errs, err)
		}
		cancelled = append(cancelled, inst.ID)
	}
	return cancelled, errors.Join(errs...)
}

// Recompute re-derives an instance's state from its tasks.
func (c *Coordinator) Recompute(ctx context.Context, instanceID string) (*model.Instance, error) {
	return c.aggregator.Recompute(ctx, instanceID)
}

// ResetSelector is the parsed form of the operator reset argument.
type ResetSelector struct {
	IncludeProcessing bool
	TaskIDs           []string
}

// ParseResetSelector parses the reset argument: "s" resets submitted tasks,
// "a" resets submitted and processing tasks, and a comma-separated id list
// resets those tasks whether submitted or processing.
func ParseResetSelector(arg string) (ResetSelector, error) {
	arg = strings.TrimSpace(arg)
	switch strings.ToLower(arg) {
	case "":
		return ResetSelector{}, fmt.Errorf("empty reset selector; use s, a or a comma-separated list of task ids")
	case "s", "submitted":
		return ResetSelector{}, nil
	case "a", "all":
		return ResetSelector{IncludeProcessing: true}, nil
	}
	var ids []string
	for _, part := range strings.Split(arg, ",") {
		if id := strings.TrimSpace(part); id != "" && !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return ResetSelector{}, fmt.Errorf("reset selector %q names no tasks", arg)
	}
	return ResetSelector{IncludeProcessing: true, TaskIDs: ids}, nil
}
