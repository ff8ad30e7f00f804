package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/me/taskforge/internal/aggregate"
	"github.com/me/taskforge/internal/dispatch"
	"github.com/me/taskforge/internal/executor"
	"github.com/me/taskforge/internal/lifecycle"
	"github.com/me/taskforge/internal/store"
	"github.com/me/taskforge/pkg/model"
)

// Config holds scheduler configuration.
type Config struct {
	PollInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{PollInterval: 2 * time.Second}
}

// Loop implements the Scheduler interface with a polling-based scheduling loop.
type Loop struct {
	store      store.Store
	dispatcher *dispatch.Dispatcher
	machine    *lifecycle.Machine
	aggregator *aggregate.Aggregator
	registry   *executor.Registry
	config     Config
	logger     *slog.Logger

	// mu serializes ticks with operator actions that rewrite task state.
	mu     sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewLoop creates a new scheduler loop.
func NewLoop(st store.Store, d *dispatch.Dispatcher, m *lifecycle.Machine, agg *aggregate.Aggregator, reg *executor.Registry, cfg Config, logger *slog.Logger) *Loop {
	return &Loop{
		store:      st,
		dispatcher: d,
		machine:    m,
		aggregator: agg,
		registry:   reg,
		config:     cfg,
		logger:     logger.With("component", "scheduler"),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start begins the scheduling loop. Blocks until ctx is cancelled or Stop is called.
func (l *Loop) Start(ctx context.Context) error {
	l.logger.Info("scheduler started", "poll_interval", l.config.PollInterval)
	ticker := time.NewTicker(l.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("scheduler stopping (context cancelled)")
			close(l.doneCh)
			return ctx.Err()
		case <-l.stopCh:
			l.logger.Info("scheduler stopping (stop called)")
			close(l.doneCh)
			return nil
		case <-ticker.C:
			if err := l.Tick(ctx); err != nil {
				l.logger.Error("tick error", "error", err)
			}
		}
	}
}

// Stop gracefully shuts down the scheduler and waits for the current tick to finish.
func (l *Loop) Stop() error {
	close(l.stopCh)
	<-l.doneCh
	return nil
}

// Exclusive runs fn while no tick is in progress. Operator actions such as
// reset and restart use it so a tick never overwrites their changes with a
// stale copy of a task.
func (l *Loop) Exclusive(fn func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fn()
}

// Tick runs a single scheduling iteration.
func (l *Loop) Tick(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	affected := make(map[string]bool) // instanceIDs touched this tick

	// Phase 1: Plan CREATED tasks whose upstream modules have completed.
	if err := l.planCreated(ctx, affected); err != nil {
		return fmt.Errorf("phase 1 (plan): %w", err)
	}

	// Phase 2: Collect outcomes of SUBMITTED/PROCESSING tasks and settle finished ones.
	if err := l.pollActive(ctx, affected); err != nil {
		return fmt.Errorf("phase 2 (poll): %w", err)
	}

	// Phase 3: Recompute instances whose tasks changed.
	l.recomputeInstances(ctx, affected)
	return nil
}

// planCreated dispatches CREATED tasks whose lower modules are all COMPLETED.
// A task behind a PARTIAL or ERROR module waits for an operator restart.
func (l *Loop) planCreated(ctx context.Context, affected map[string]bool) error {
	created, err := l.store.ListTasksByState(ctx, model.TaskStateCreated)
	if err != nil {
		return err
	}
	if len(created) == 0 {
		return nil
	}

	// Group by instance to load sibling tasks once per instance.
	byInstance := groupByInstance(created)

	for instID, tasks := range byInstance {
		siblings, err := l.store.ListTasksByInstance(ctx, instID)
		if err != nil {
			l.logger.Error("list tasks for instance", "instance_id", instID, "error", err)
			continue
		}
		for _, task := range tasks {
			if !UpstreamCompleted(task, siblings) {
				continue
			}
			if err := l.dispatcher.Plan(ctx, task); err != nil {
				l.logger.Error("plan task", "task_id", task.ID, "error", err)
			}
			affected[instID] = true
		}
	}
	return nil
}

// pollActive records backend outcomes for every active task, acknowledges
// them once stored and settles tasks whose subtasks have all finished.
func (l *Loop) pollActive(ctx context.Context, affected map[string]bool) error {
	tasks, err := l.store.ListTasksByState(ctx, model.TaskStateSubmitted, model.TaskStateProcessing)
	if err != nil {
		return err
	}

	for _, task := range tasks {
		backend, err := l.registry.Get(task.ExecutorType)
		if err != nil {
			l.logger.Error("get backend for poll", "task_id", task.ID, "error", err)
			continue
		}

		outcomes, err := backend.Poll(ctx, task.ID)
		if err != nil {
			l.logger.Error("poll outcomes", "task_id", task.ID, "error", err)
			continue
		}
		if len(outcomes) > 0 {
			from := task.State
			if err := l.machine.RecordOutcomes(ctx, task, outcomes); err != nil {
				// Unacknowledged outcomes are polled again next tick.
				l.logger.Error("record outcomes", "task_id", task.ID, "error", err)
				continue
			}
			if err := backend.Ack(ctx, task.ID, len(outcomes)); err != nil {
				l.logger.Error("ack outcomes", "task_id", task.ID, "error", err)
			}
			if task.State != from {
				affected[task.InstanceID] = true
			}
		}

		settled, err := l.machine.Settle(ctx, task)
		if err != nil {
			l.logger.Error("settle task", "task_id", task.ID, "error", err)
			continue
		}
		if settled {
			l.logger.Info("task settled", "task_id", task.ID, "state", task.State,
				"completed", task.Summary.Completed, "failed", task.Summary.Failed)
			affected[task.InstanceID] = true
		}
	}
	return nil
}

// recomputeInstances re-derives the state of every affected instance.
// Failures are logged; the next touch of the instance repairs it.
func (l *Loop) recomputeInstances(ctx context.Context, affected map[string]bool) {
	for instID := range affected {
		if _, err := l.aggregator.Recompute(ctx, instID); err != nil {
			l.logger.Error("recompute instance", "instance_id", instID, "error", err)
		}
	}
}

// UpstreamCompleted reports whether every task of a lower module in the same
// instance has COMPLETED.
func UpstreamCompleted(task *model.Task, siblings []*model.Task) bool {
	for _, s := range siblings {
		if s.ModuleIndex < task.ModuleIndex && s.State != model.TaskStateCompleted {
			return false
		}
	}
	return true
}

// groupByInstance organizes tasks into a map keyed by InstanceID.
func groupByInstance(tasks []*model.Task) map[string][]*model.Task {
	m := make(map[string][]*model.Task)
	for _, t := range tasks {
		m[t.InstanceID] = append(m[t.InstanceID], t)
	}
	return m
}
