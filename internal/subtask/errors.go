package subtask

import "fmt"

// DirectoryCreationError is returned when a subtask directory or its lock
// marker cannot be created. It is fatal to the task.
type DirectoryCreationError struct {
	Path string
	Err  error
}

func (e *DirectoryCreationError) Error() string {
	return fmt.Sprintf("create subtask directory %s: %v", e.Path, e.Err)
}

func (e *DirectoryCreationError) Unwrap() error { return e.Err }

// ScheduleNotFoundError is returned when a task directory has no persisted
// schedule, i.e. the task's prior run state cannot be found.
type ScheduleNotFoundError struct {
	TaskDir string
}

func (e *ScheduleNotFoundError) Error() string {
	return fmt.Sprintf("no persisted subtask schedule in %s: prior run state not found", e.TaskDir)
}

// ScheduleCorruptError is returned when a persisted schedule exists but
// cannot be read, parsed or trusted.
type ScheduleCorruptError struct {
	Path   string
	Reason string
	Err    error
}

func (e *ScheduleCorruptError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("corrupt subtask schedule %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("corrupt subtask schedule %s: %s", e.Path, e.Reason)
}

func (e *ScheduleCorruptError) Unwrap() error { return e.Err }

// SubtaskCountMismatchError is returned by Validate when the number of
// subtasks in a schedule differs from the number of work units produced by
// partitioning. Either a work unit was omitted or one was mapped to the
// wrong index; both mean the task was never scheduled correctly.
type SubtaskCountMismatchError struct {
	Expected int
	Actual   int
}

func (e *SubtaskCountMismatchError) Error() string {
	return fmt.Sprintf("subtask count mismatch: expected %d work units, schedule has %d subtasks; task was not scheduled correctly",
		e.Expected, e.Actual)
}
