package model

import "time"

// Response is the standard API response envelope.
type Response struct {
	Status     string      `json:"status"`
	RequestID  string      `json:"request_id"`
	Timestamp  time.Time   `json:"timestamp"`
	Data       any         `json:"data"`
	Pagination *Pagination `json:"pagination,omitempty"`
	Error      *APIError   `json:"error"`
}

// Pagination holds pagination metadata for list endpoints.
type Pagination struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

// ListOptions configures list queries with pagination and filtering.
type ListOptions struct {
	Limit  int
	Offset int
	State  string // Optional state filter
}

// DefaultListOptions returns sensible defaults.
func DefaultListOptions() ListOptions {
	return ListOptions{Limit: 20, Offset: 0}
}

// Clamp enforces limits (max 100, min 1).
func (o *ListOptions) Clamp() {
	if o.Limit <= 0 {
		o.Limit = 20
	}
	if o.Limit > 100 {
		o.Limit = 100
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
}

// ResetRequest is the body of POST /instances/{id}/reset.
type ResetRequest struct {
	IncludeProcessing bool     `json:"include_processing"`
	TaskIDs           []string `json:"task_ids,omitempty"`
}

// ResetResult reports which tasks an instance reset moved to ERROR.
type ResetResult struct {
	InstanceID    string        `json:"instance_id"`
	ResetTaskIDs  []string      `json:"reset_task_ids"`
	InstanceState InstanceState `json:"instance_state"`
	Recomputed    bool          `json:"recomputed"`
}

// RestartRequest is the body of POST /tasks/restart.
type RestartRequest struct {
	TaskIDs []string    `json:"task_ids"`
	Mode    RestartMode `json:"mode"`
}

// RestartResult reports the tasks that were re-submitted.
type RestartResult struct {
	Mode      RestartMode     `json:"mode"`
	Restarted []RestartedTask `json:"restarted"`
}

// RestartedTask describes one re-submitted task.
type RestartedTask struct {
	TaskID    string `json:"task_id"`
	Submitted []int  `json:"submitted_subtasks"`
}

// FireRequest is the body of POST /instances.
type FireRequest struct {
	Pipeline string `json:"pipeline"`
	Name     string `json:"name,omitempty"`
}

// CancelResult lists the instances a bulk cancel moved to ERROR.
type CancelResult struct {
	Cancelled []string `json:"cancelled"`
}

// TaskDetail is a task together with its recorded subtask outcomes.
type TaskDetail struct {
	Task
	Outcomes []SubtaskOutcome `json:"outcomes"`
}

// ScheduleView is the read-only rendering of a persisted subtask schedule.
type ScheduleView struct {
	TaskDir    string            `json:"task_dir"`
	InputKind  string            `json:"input_kind"`
	OutputKind string            `json:"output_kind"`
	Count      int               `json:"subtask_count"`
	Hash       string            `json:"hash"`
	Phases     [][]int           `json:"phases,omitempty"`
	Subtasks   []ScheduleSubtask `json:"subtasks"`
	// DirsOnDisk lists the st-<n> directories actually present, for
	// reconciling against Subtasks after a crash.
	DirsOnDisk []int `json:"dirs_on_disk"`
}

// ScheduleSubtask is one subtask of a ScheduleView.
type ScheduleSubtask struct {
	Index     int      `json:"index"`
	Inputs    []string `json:"inputs"`
	Directory string   `json:"directory"`
	Reserved  bool     `json:"reserved"`
}
