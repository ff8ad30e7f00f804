// Package aggregate derives an instance's state from the states of its tasks.
package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/taskforge/internal/store"
	"github.com/me/taskforge/pkg/model"
)

// DeriveState computes instance state from its tasks. ERROR wins over
// everything; any queued or running work, or a chain that has started but
// still has CREATED tasks, is PROCESSING; then PARTIAL; then COMPLETED.
// An instance with no tasks, or only CREATED ones, is INITIALIZED.
func DeriveState(tasks []*model.Task) model.InstanceState {
	c := model.ComputeTaskCounts(tasks)
	switch {
	case c.Total == 0 || c.Created == c.Total:
		return model.InstanceStateInitialized
	case c.Error > 0:
		return model.InstanceStateError
	case c.Submitted > 0 || c.Processing > 0 || c.Created > 0:
		return model.InstanceStateProcessing
	case c.Partial > 0:
		return model.InstanceStatePartial
	default:
		return model.InstanceStateCompleted
	}
}

// Aggregator rewrites instance state and cached task counts from the live
// task set. It never writes tasks.
type Aggregator struct {
	store  store.Store
	logger *slog.Logger
}

// NewAggregator creates an Aggregator.
func NewAggregator(st store.Store, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		store:  st,
		logger: logger.With("component", "aggregate"),
	}
}

// Recompute reads every task of the instance and overwrites the instance's
// state and task counts. It is idempotent and safe to retry.
func (a *Aggregator) Recompute(ctx context.Context, instanceID string) (*model.Instance, error) {
	inst, err := a.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("get instance %s: %w", instanceID, err)
	}
	if inst == nil {
		return nil, &model.InstanceNotFoundError{ID: instanceID}
	}

	tasks := make([]*model.Task, len(inst.Tasks))
	for i := range inst.Tasks {
		tasks[i] = &inst.Tasks[i]
	}
	state := DeriveState(tasks)
	counts := model.ComputeTaskCounts(tasks)

	if state == inst.State && counts == inst.TaskCounts {
		return inst, nil
	}

	prev := inst.State
	inst.State = state
	inst.TaskCounts = counts
	inst.UpdatedAt = time.Now().UTC()
	if err := a.store.UpdateInstance(ctx, inst); err != nil {
		return nil, fmt.Errorf("update instance %s: %w", instanceID, err)
	}
	if prev != state {
		a.logger.Info("instance state changed", "instance_id", instanceID, "from", prev, "to", state)
	}
	return inst, nil
}
