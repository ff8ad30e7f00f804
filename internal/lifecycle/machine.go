// Package lifecycle applies task state transitions and keeps the cached
// processing summary of a task in line with its recorded subtask outcomes.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/taskforge/internal/store"
	"github.com/me/taskforge/pkg/model"
)

// Machine moves tasks through their lifecycle and persists every change.
type Machine struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewMachine creates a Machine backed by st.
func NewMachine(st store.Store, logger *slog.Logger) *Machine {
	return &Machine{
		store:  st,
		logger: logger.With("component", "lifecycle"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Transition moves task to state to if the transition table allows it.
// reason is recorded as the error message when entering ERROR.
func (m *Machine) Transition(ctx context.Context, task *model.Task, to model.TaskState, reason string) error {
	if !task.State.CanTransitionTo(to) {
		return &model.InvalidTransitionError{
			Entity: "task",
			ID:     task.ID,
			From:   string(task.State),
			To:     string(to),
		}
	}
	from := task.State
	m.apply(task, to, reason)
	if err := m.store.UpdateTask(ctx, task); err != nil {
		return fmt.Errorf("persist task %s: %w", task.ID, err)
	}
	m.logger.Info("task transition", "task_id", task.ID, "from", from, "to", to)
	return nil
}

// ForceRestart is the administrative override that returns a terminal task
// to SUBMITTED. COMPLETED tasks may only restart from the beginning.
func (m *Machine) ForceRestart(ctx context.Context, task *model.Task, mode model.RestartMode) error {
	if !task.State.CanRestart(mode) {
		return &model.InvalidTransitionError{
			Entity: "task",
			ID:     task.ID,
			From:   string(task.State),
			To:     string(model.TaskStateSubmitted),
		}
	}
	from := task.State
	task.RestartCount++
	m.apply(task, model.TaskStateSubmitted, "")
	if err := m.store.UpdateTask(ctx, task); err != nil {
		return fmt.Errorf("persist task %s: %w", task.ID, err)
	}
	m.logger.Info("task restarted", "task_id", task.ID, "from", from, "mode", mode, "restart_count", task.RestartCount)
	return nil
}

// Fail moves task to ERROR and records cause.
func (m *Machine) Fail(ctx context.Context, task *model.Task, cause error) error {
	msg := "failed"
	if cause != nil {
		msg = cause.Error()
	}
	return m.Transition(ctx, task, model.TaskStateError, msg)
}

// Summary recomputes the processing summary from the recorded outcomes and
// writes it back to the task when the cached copy differs.
func (m *Machine) Summary(ctx context.Context, task *model.Task) (model.ProcessingSummary, error) {
	outcomes, err := m.store.ListSubtaskOutcomes(ctx, task.ID)
	if err != nil {
		return model.ProcessingSummary{}, fmt.Errorf("list outcomes for %s: %w", task.ID, err)
	}
	summary := model.ComputeProcessingSummary(task.SubtaskCount, outcomes)
	if summary != task.Summary {
		task.Summary = summary
		task.UpdatedAt = m.now()
		if err := m.store.UpdateTask(ctx, task); err != nil {
			return summary, fmt.Errorf("persist summary for %s: %w", task.ID, err)
		}
	}
	return summary, nil
}

// RecordOutcomes stores subtask outcomes reported for task. The first
// outcome of a SUBMITTED task moves it to PROCESSING.
func (m *Machine) RecordOutcomes(ctx context.Context, task *model.Task, outcomes []model.SubtaskOutcome) error {
	if len(outcomes) == 0 {
		return nil
	}
	for i := range outcomes {
		if outcomes[i].Index < 0 || outcomes[i].Index >= task.SubtaskCount {
			return fmt.Errorf("task %s: subtask %d out of range [0, %d)", task.ID, outcomes[i].Index, task.SubtaskCount)
		}
		outcomes[i].TaskID = task.ID
	}
	if err := m.store.RecordSubtaskOutcomes(ctx, outcomes); err != nil {
		return fmt.Errorf("record outcomes for %s: %w", task.ID, err)
	}
	if task.State == model.TaskStateSubmitted {
		if err := m.Transition(ctx, task, model.TaskStateProcessing, ""); err != nil {
			return err
		}
	}
	_, err := m.Summary(ctx, task)
	return err
}

// Settle moves a task whose subtasks have all finished to its terminal
// state: COMPLETED when none failed, ERROR when all failed, PARTIAL
// otherwise. It reports whether the task was settled.
func (m *Machine) Settle(ctx context.Context, task *model.Task) (bool, error) {
	if !task.State.IsActive() {
		return false, nil
	}
	summary, err := m.Summary(ctx, task)
	if err != nil {
		return false, err
	}
	if !summary.Done() {
		return false, nil
	}

	if task.State == model.TaskStateSubmitted {
		if err := m.Transition(ctx, task, model.TaskStateProcessing, ""); err != nil {
			return false, err
		}
	}

	target, reason := settledState(summary)
	if err := m.Transition(ctx, task, target, reason); err != nil {
		return false, err
	}
	return true, nil
}

func settledState(s model.ProcessingSummary) (model.TaskState, string) {
	switch {
	case s.Failed == 0:
		return model.TaskStateCompleted, ""
	case s.Completed == 0:
		return model.TaskStateError, fmt.Sprintf("all %d subtasks failed", s.Failed)
	default:
		return model.TaskStatePartial, ""
	}
}

// Stalled reports whether an active task has not made progress for at least
// olderThan. The summary must be current; UpdatedAt moves whenever it
// changes. The threshold is the operator's call and nothing resets stalled
// tasks automatically.
func Stalled(task *model.Task, summary model.ProcessingSummary, olderThan time.Duration, now time.Time) bool {
	if !task.State.IsActive() || summary.Done() {
		return false
	}
	return now.Sub(task.UpdatedAt) >= olderThan
}

func (m *Machine) apply(task *model.Task, to model.TaskState, reason string) {
	now := m.now()
	task.State = to
	task.UpdatedAt = now
	switch to {
	case model.TaskStateSubmitted:
		task.ErrorMessage = ""
		task.StartedAt = nil
		task.CompletedAt = nil
	case model.TaskStateProcessing:
		if task.StartedAt == nil {
			task.StartedAt = &now
		}
	case model.TaskStateError:
		task.ErrorMessage = reason
		task.CompletedAt = &now
	case model.TaskStateCompleted, model.TaskStatePartial:
		task.CompletedAt = &now
	}
}
