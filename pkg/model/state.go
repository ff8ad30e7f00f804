package model

// TaskState represents the lifecycle state of a Task.
type TaskState string

const (
	TaskStateCreated    TaskState = "CREATED"
	TaskStateSubmitted  TaskState = "SUBMITTED"
	TaskStateProcessing TaskState = "PROCESSING"
	TaskStateCompleted  TaskState = "COMPLETED"
	TaskStatePartial    TaskState = "PARTIAL"
	TaskStateError      TaskState = "ERROR"
)

// AllTaskStates lists every task state in display order.
var AllTaskStates = []TaskState{
	TaskStateCreated,
	TaskStateSubmitted,
	TaskStateProcessing,
	TaskStateCompleted,
	TaskStatePartial,
	TaskStateError,
}

// String returns the string representation of the task state.
func (s TaskState) String() string {
	return string(s)
}

// IsValid reports whether s is one of the known task states.
func (s TaskState) IsValid() bool {
	for _, known := range AllTaskStates {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminal returns true if the task will not move without operator action.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskStateCompleted, TaskStatePartial, TaskStateError:
		return true
	}
	return false
}

// IsActive returns true if the task is queued or executing on a backend.
func (s TaskState) IsActive() bool {
	return s == TaskStateSubmitted || s == TaskStateProcessing
}

// ValidTaskTransitions defines the allowed automatic and reset transitions.
// Restarts out of a terminal state go through CanRestart instead.
var ValidTaskTransitions = map[TaskState][]TaskState{
	TaskStateCreated:    {TaskStateSubmitted, TaskStateError},
	TaskStateSubmitted:  {TaskStateProcessing, TaskStateError},
	TaskStateProcessing: {TaskStateCompleted, TaskStatePartial, TaskStateError},
	TaskStateError:      {TaskStateSubmitted},
	TaskStatePartial:    {TaskStateSubmitted},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s TaskState) CanTransitionTo(next TaskState) bool {
	for _, allowed := range ValidTaskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// RestartMode selects how a restarted task treats its previous schedule.
type RestartMode string

const (
	// RestartFromBeginning discards the persisted schedule and re-partitions.
	RestartFromBeginning RestartMode = "FROM_BEGINNING"
	// RestartResume re-submits only subtasks that have not completed.
	RestartResume RestartMode = "RESUME"
)

// ParseRestartMode converts a user-supplied string into a RestartMode.
func ParseRestartMode(s string) (RestartMode, bool) {
	switch s {
	case "FROM_BEGINNING", "from_beginning", "from-beginning", "beginning":
		return RestartFromBeginning, true
	case "RESUME", "resume":
		return RestartResume, true
	}
	return "", false
}

// CanRestart reports whether a task in state s may be re-submitted in mode.
// COMPLETED tasks can only be re-run from the beginning; that is an
// explicit operator override, never an automatic transition.
func (s TaskState) CanRestart(mode RestartMode) bool {
	switch s {
	case TaskStateError, TaskStatePartial:
		return mode == RestartFromBeginning || mode == RestartResume
	case TaskStateCompleted:
		return mode == RestartFromBeginning
	}
	return false
}

// InstanceState represents the derived state of a pipeline Instance.
type InstanceState string

const (
	InstanceStateInitialized InstanceState = "INITIALIZED"
	InstanceStateProcessing  InstanceState = "PROCESSING"
	InstanceStateCompleted   InstanceState = "COMPLETED"
	InstanceStatePartial     InstanceState = "PARTIAL"
	InstanceStateError       InstanceState = "ERROR"
)

// String returns the string representation of the instance state.
func (s InstanceState) String() string {
	return string(s)
}

// IsTerminal returns true if no task of the instance is still running.
func (s InstanceState) IsTerminal() bool {
	switch s {
	case InstanceStateCompleted, InstanceStatePartial, InstanceStateError:
		return true
	}
	return false
}

// SubtaskState is the recorded outcome of a single subtask.
type SubtaskState string

const (
	SubtaskStatePending    SubtaskState = "PENDING"
	SubtaskStateProcessing SubtaskState = "PROCESSING"
	SubtaskStateCompleted  SubtaskState = "COMPLETED"
	SubtaskStateFailed     SubtaskState = "FAILED"
)

// IsTerminal returns true if the subtask has finished, successfully or not.
func (s SubtaskState) IsTerminal() bool {
	return s == SubtaskStateCompleted || s == SubtaskStateFailed
}

// ExecutorType identifies which execution backend runs a Task's subtasks.
type ExecutorType string

const (
	ExecutorTypeLocal ExecutorType = "local"
)
