package partition

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"

	"github.com/me/taskforge/internal/subtask"
)

// GlobPartitioner matches Pattern inside Dir and groups the sorted matches
// into units of PerSubtask files (default 1).
type GlobPartitioner struct{}

func (GlobPartitioner) Kind() subtask.AdapterKind { return "glob" }

func (GlobPartitioner) Partition(_ context.Context, spec Spec) (Plan, error) {
	if spec.Pattern == "" {
		return Plan{}, fmt.Errorf("glob partitioner requires a pattern")
	}
	matches, err := filepath.Glob(filepath.Join(spec.Dir, spec.Pattern))
	if err != nil {
		return Plan{}, fmt.Errorf("glob %q: %w", spec.Pattern, err)
	}
	slices.Sort(matches)

	per := spec.PerSubtask
	if per <= 0 {
		per = 1
	}
	var plan Plan
	for chunk := range slices.Chunk(matches, per) {
		plan.Units = append(plan.Units, slices.Clone(chunk))
	}
	return plan, nil
}

// ListPartitioner takes its work units verbatim from Units, with optional
// Phases.
type ListPartitioner struct{}

func (ListPartitioner) Kind() subtask.AdapterKind { return "list" }

func (ListPartitioner) Partition(_ context.Context, spec Spec) (Plan, error) {
	plan := Plan{Phases: spec.Phases}
	for _, u := range spec.Units {
		plan.Units = append(plan.Units, slices.Clone(u))
	}
	return plan, nil
}

// SinglePartitioner puts every file matching Pattern in Dir into a single
// work unit. Without a pattern the unit is empty.
type SinglePartitioner struct{}

func (SinglePartitioner) Kind() subtask.AdapterKind { return "single" }

func (SinglePartitioner) Partition(_ context.Context, spec Spec) (Plan, error) {
	var inputs []string
	if spec.Pattern != "" {
		matches, err := filepath.Glob(filepath.Join(spec.Dir, spec.Pattern))
		if err != nil {
			return Plan{}, fmt.Errorf("glob %q: %w", spec.Pattern, err)
		}
		inputs = matches
	}
	return Plan{Units: [][]string{inputs}}, nil
}
