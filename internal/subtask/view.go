package subtask

import (
	"fmt"

	"github.com/me/taskforge/pkg/model"
)

// View renders a schedule for inspection, including which st-<n>
// directories exist on disk.
func View(s *Schedule) (model.ScheduleView, error) {
	onDisk, err := ListDirs(s.taskDir)
	if err != nil {
		return model.ScheduleView{}, fmt.Errorf("list subtask directories: %w", err)
	}
	if onDisk == nil {
		onDisk = []int{}
	}
	v := model.ScheduleView{
		TaskDir:    s.taskDir,
		InputKind:  string(s.InputKind),
		OutputKind: string(s.OutputKind),
		Count:      len(s.subtasks),
		Hash:       s.Hash(),
		Phases:     s.Phases(),
		Subtasks:   make([]model.ScheduleSubtask, len(s.subtasks)),
		DirsOnDisk: onDisk,
	}
	for i, r := range s.Records() {
		v.Subtasks[i] = model.ScheduleSubtask{
			Index:     r.Index,
			Inputs:    r.Inputs,
			Directory: s.Directory(i),
			Reserved:  s.Reserved(i),
		}
	}
	return v, nil
}

// Inspect restores the schedule persisted in taskDir and renders it.
func Inspect(taskDir string) (model.ScheduleView, error) {
	s, err := Restore(taskDir)
	if err != nil {
		return model.ScheduleView{}, err
	}
	return View(s)
}
