package model

import (
	"time"
)

// Task is one execution of a pipeline module against a unit of work. Its
// work is split into subtasks that run independently on an execution backend.
type Task struct {
	ID           string       `json:"id"`
	InstanceID   string       `json:"instance_id"`
	ModuleName   string       `json:"module_name"`
	ModuleIndex  int          `json:"module_index"`
	State        TaskState    `json:"state"`
	ExecutorType ExecutorType `json:"executor_type"`

	// WorkingDir holds the persisted schedule and the st-<n> subtask directories.
	WorkingDir string `json:"working_dir"`

	// SubtaskCount is zero until the schedule has been finalized.
	SubtaskCount int               `json:"subtask_count"`
	Summary      ProcessingSummary `json:"processing_summary"`

	ErrorMessage string     `json:"error_message,omitempty"`
	RestartCount int        `json:"restart_count"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// ProcessingSummary counts the subtasks of a task by condition.
// Once the schedule is finalized Pending+Processing+Completed+Failed == Total.
type ProcessingSummary struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// Consistent reports whether the per-condition counts add up to Total.
func (s ProcessingSummary) Consistent() bool {
	return s.Pending+s.Processing+s.Completed+s.Failed == s.Total
}

// Done reports whether every subtask has reached a terminal outcome.
func (s ProcessingSummary) Done() bool {
	return s.Consistent() && s.Pending == 0 && s.Processing == 0
}

// SubtaskOutcome is the latest reported condition of one subtask.
// A subtask with no recorded outcome is pending.
type SubtaskOutcome struct {
	TaskID    string       `json:"task_id"`
	Index     int          `json:"index"`
	State     SubtaskState `json:"state"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// ComputeProcessingSummary derives a ProcessingSummary from the recorded
// outcomes of a task with total subtasks. Outcomes with an index outside
// [0, total) are ignored.
func ComputeProcessingSummary(total int, outcomes []SubtaskOutcome) ProcessingSummary {
	s := ProcessingSummary{Total: total}
	seen := make(map[int]bool, len(outcomes))
	for _, o := range outcomes {
		if o.Index < 0 || o.Index >= total || seen[o.Index] {
			continue
		}
		seen[o.Index] = true
		switch o.State {
		case SubtaskStateProcessing:
			s.Processing++
		case SubtaskStateCompleted:
			s.Completed++
		case SubtaskStateFailed:
			s.Failed++
		default:
			s.Pending++
		}
	}
	s.Pending += total - len(seen)
	return s
}
