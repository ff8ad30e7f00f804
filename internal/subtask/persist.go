package subtask

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	// ScheduleFileName is the persisted schedule inside a task directory.
	ScheduleFileName = ".task-schedule.json"

	scheduleFormat  = "taskforge/subtask-schedule"
	scheduleVersion = 1
)

// scheduleFile is the on-disk schema. The task directory is deliberately
// absent so a schedule can be restored from a relocated directory.
type scheduleFile struct {
	Format       string   `json:"format"`
	Version      int      `json:"version"`
	InputKind    string   `json:"input_kind"`
	OutputKind   string   `json:"output_kind"`
	SubtaskCount int      `json:"subtask_count"`
	Subtasks     []Record `json:"subtasks"`
	Phases       [][]int  `json:"phases,omitempty"`
}

// SchedulePath returns the path of the persisted schedule in taskDir.
func SchedulePath(taskDir string) string {
	return filepath.Join(taskDir, ScheduleFileName)
}

// IsPersisted reports whether taskDir contains a persisted schedule.
func IsPersisted(taskDir string) bool {
	_, err := os.Stat(SchedulePath(taskDir))
	return err == nil
}

// Persist atomically writes the schedule into taskDir. A crash while
// persisting leaves either the previous complete file or none.
func (s *Schedule) Persist(taskDir string) error {
	subtasks := s.subtasks
	if subtasks == nil {
		subtasks = []Record{}
	}
	data, err := json.MarshalIndent(scheduleFile{
		Format:       scheduleFormat,
		Version:      scheduleVersion,
		InputKind:    string(s.InputKind),
		OutputKind:   string(s.OutputKind),
		SubtaskCount: len(s.subtasks),
		Subtasks:     subtasks,
		Phases:       s.phases,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal schedule: %w", err)
	}
	data = append(data, '\n')
	if err := replaceFile(SchedulePath(taskDir), data, 0o644); err != nil {
		return fmt.Errorf("persist schedule to %s: %w", taskDir, err)
	}
	return nil
}

// Restore reads the schedule persisted in taskDir and binds it to taskDir.
func Restore(taskDir string) (*Schedule, error) {
	path := SchedulePath(taskDir)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &ScheduleNotFoundError{TaskDir: taskDir}
		}
		return nil, &ScheduleCorruptError{Path: path, Reason: "unreadable", Err: err}
	}

	var f scheduleFile
	if err := decodeStrict(data, &f); err != nil {
		return nil, &ScheduleCorruptError{Path: path, Reason: "invalid encoding", Err: err}
	}
	if f.Format != scheduleFormat {
		return nil, &ScheduleCorruptError{Path: path, Reason: fmt.Sprintf("unknown format %q", f.Format)}
	}
	if f.Version != scheduleVersion {
		return nil, &ScheduleCorruptError{Path: path,
			Reason: fmt.Sprintf("unsupported version %d (want %d)", f.Version, scheduleVersion)}
	}
	if f.SubtaskCount != len(f.Subtasks) {
		return nil, &ScheduleCorruptError{Path: path,
			Reason: fmt.Sprintf("declares %d subtasks but holds %d", f.SubtaskCount, len(f.Subtasks))}
	}

	s := NewSchedule(taskDir, AdapterKind(f.InputKind), AdapterKind(f.OutputKind))
	s.subtasks = make([]Record, 0, len(f.Subtasks))
	for i, r := range f.Subtasks {
		if r.Index != i {
			return nil, &ScheduleCorruptError{Path: path,
				Reason: fmt.Sprintf("subtask at position %d has index %d", i, r.Index)}
		}
		s.subtasks = append(s.subtasks, Record{Index: i, Inputs: normalizeInputs(r.Inputs)})
	}
	if len(f.Phases) > 0 {
		if err := checkPhases(f.Phases, len(s.subtasks)); err != nil {
			return nil, &ScheduleCorruptError{Path: path, Reason: "invalid phases", Err: err}
		}
		s.phases = clonePhases(f.Phases)
	}
	return s, nil
}

// RestoreInputs restores the schedule in taskDir and returns the inputs of
// one subtask.
func RestoreInputs(taskDir string, index int) ([]string, error) {
	s, err := Restore(taskDir)
	if err != nil {
		return nil, err
	}
	return s.Inputs(index)
}

// Archive moves an existing persisted schedule aside so a new one can be
// written. The old file is renamed, never rewritten. It returns the archive
// path, or "" when there was nothing to archive.
func Archive(taskDir string) (string, error) {
	src := SchedulePath(taskDir)
	if _, err := os.Stat(src); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	dst := filepath.Join(taskDir, ".task-schedule."+strconv.FormatInt(time.Now().UnixNano(), 10)+".json")
	if err := os.Rename(src, dst); err != nil {
		return "", fmt.Errorf("archive schedule: %w", err)
	}
	if err := fsyncDir(taskDir); err != nil {
		return "", err
	}
	return dst, nil
}

func decodeStrict(data []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	// Ensure no trailing junk.
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("trailing content")
	}
	return nil
}

// replaceFile makes data the new content of path such that a crash leaves
// either the old file or the complete new one. The data is synced in a
// sibling temp file, renamed over path, and the rename is synced through
// the parent directory.
func replaceFile(path string, data []byte, perm os.FileMode) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return err
	}
	if err = tmp.Chmod(perm); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	return fsyncDir(dir)
}

// fsyncDir flushes directory entries, making renames in dir durable.
func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	err = d.Sync()
	if cerr := d.Close(); err == nil {
		err = cerr
	}
	return err
}
