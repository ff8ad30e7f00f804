// Package partition turns a module's inputs into work units and builds the
// persisted subtask schedule for a task.
package partition

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/me/taskforge/internal/subtask"
)

// Spec describes how a module's inputs are split. Fields not used by the
// selected Kind are ignored.
type Spec struct {
	Kind       string     `yaml:"kind" json:"kind"`
	Dir        string     `yaml:"dir,omitempty" json:"dir,omitempty"`
	Pattern    string     `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	PerSubtask int        `yaml:"per_subtask,omitempty" json:"per_subtask,omitempty"`
	Units      [][]string `yaml:"units,omitempty" json:"units,omitempty"`
	Phases     [][]int    `yaml:"phases,omitempty" json:"phases,omitempty"`
}

// Plan is the outcome of partitioning: one input set per work unit, plus an
// optional phase grouping of unit indices.
type Plan struct {
	Units  [][]string
	Phases [][]int
}

// Partitioner splits module inputs into work units.
type Partitioner interface {
	// Kind is recorded in the schedule as its input adapter kind.
	Kind() subtask.AdapterKind

	// Partition returns the work units for spec.
	Partition(ctx context.Context, spec Spec) (Plan, error)
}

// Registry maps kind names to Partitioners.
// Registration happens at startup before concurrent access, so no mutex is needed.
type Registry struct {
	partitioners map[subtask.AdapterKind]Partitioner
	logger       *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		partitioners: make(map[subtask.AdapterKind]Partitioner),
		logger:       logger.With("component", "partition-registry"),
	}
}

// DefaultRegistry returns a Registry with the built-in glob, list and
// single partitioners.
func DefaultRegistry(logger *slog.Logger) *Registry {
	r := NewRegistry(logger)
	r.Register(GlobPartitioner{})
	r.Register(ListPartitioner{})
	r.Register(SinglePartitioner{})
	return r
}

// Register adds p, keyed by its Kind().
func (r *Registry) Register(p Partitioner) {
	r.partitioners[p.Kind()] = p
	r.logger.Debug("partitioner registered", "kind", p.Kind())
}

// Get returns the Partitioner for kind.
func (r *Registry) Get(kind string) (Partitioner, error) {
	p, ok := r.partitioners[subtask.AdapterKind(kind)]
	if !ok {
		return nil, fmt.Errorf("no partitioner registered for kind %q", kind)
	}
	return p, nil
}

// Builder creates and persists subtask schedules.
type Builder struct {
	registry *Registry
	logger   *slog.Logger
}

// NewBuilder creates a Builder using reg.
func NewBuilder(reg *Registry, logger *slog.Logger) *Builder {
	return &Builder{
		registry: reg,
		logger:   logger.With("component", "partition"),
	}
}

// Build partitions the inputs described by spec, reserves one subtask
// directory per work unit under taskDir, validates the result against the
// number of work units and persists it. outputKind is recorded as the
// schedule's output adapter kind.
func (b *Builder) Build(ctx context.Context, taskDir string, spec Spec, outputKind subtask.AdapterKind) (*subtask.Schedule, error) {
	p, err := b.registry.Get(spec.Kind)
	if err != nil {
		return nil, err
	}
	plan, err := p.Partition(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("partition %s inputs: %w", spec.Kind, err)
	}

	if err := os.MkdirAll(taskDir, 0o755); err != nil {
		return nil, &subtask.DirectoryCreationError{Path: taskDir, Err: err}
	}

	sched := subtask.NewSchedule(taskDir, p.Kind(), outputKind)
	for _, unit := range plan.Units {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, err := sched.Append(unit); err != nil {
			return nil, err
		}
	}
	if len(plan.Phases) > 0 {
		if err := sched.SetPhases(plan.Phases); err != nil {
			return nil, fmt.Errorf("phases: %w", err)
		}
	}
	if err := sched.Validate(len(plan.Units)); err != nil {
		return nil, err
	}
	if err := sched.Persist(taskDir); err != nil {
		return nil, err
	}

	b.logger.Info("schedule built", "task_dir", taskDir, "kind", p.Kind(), "subtasks", sched.Len())
	return sched, nil
}
