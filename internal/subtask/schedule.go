package subtask

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"slices"
	"sort"
)

// AdapterKind names the input or output handling strategy of a module.
// Kinds are compared by name only, so two schedules built by separately
// loaded copies of the same adapter are equal.
type AdapterKind string

// Record is one subtask of a schedule.
type Record struct {
	Index  int      `json:"index"`
	Inputs []string `json:"inputs"`
}

// Schedule is the ordered partition of a task into subtasks. Subtask i
// works in Dir(taskDir, i). A Schedule is built by a single goroutine and
// is read-only once persisted.
type Schedule struct {
	taskDir    string
	subtasks   []Record
	phases     [][]int
	InputKind  AdapterKind
	OutputKind AdapterKind
}

// NewSchedule creates an empty schedule bound to taskDir.
func NewSchedule(taskDir string, inputKind, outputKind AdapterKind) *Schedule {
	return &Schedule{
		taskDir:    taskDir,
		InputKind:  inputKind,
		OutputKind: outputKind,
	}
}

// TaskDir returns the task working directory the schedule is bound to.
func (s *Schedule) TaskDir() string {
	return s.taskDir
}

// Len returns the number of subtasks.
func (s *Schedule) Len() int {
	return len(s.subtasks)
}

// Append reserves the next subtask index for inputs. It creates the
// subtask directory and its lock marker before recording the subtask, so a
// failure leaves the schedule unchanged.
func (s *Schedule) Append(inputs []string) (int, error) {
	index := len(s.subtasks)
	dir, err := EnsureDir(s.taskDir, index)
	if err != nil {
		return 0, err
	}
	if err := Reserve(dir); err != nil {
		return 0, err
	}
	s.subtasks = append(s.subtasks, Record{Index: index, Inputs: normalizeInputs(inputs)})
	return index, nil
}

// Inputs returns the required input identifiers of subtask index.
func (s *Schedule) Inputs(index int) ([]string, error) {
	if index < 0 || index >= len(s.subtasks) {
		return nil, fmt.Errorf("subtask %d out of range [0, %d)", index, len(s.subtasks))
	}
	return slices.Clone(s.subtasks[index].Inputs), nil
}

// Records returns a copy of the subtask records in index order.
func (s *Schedule) Records() []Record {
	out := make([]Record, len(s.subtasks))
	for i, r := range s.subtasks {
		out[i] = Record{Index: r.Index, Inputs: slices.Clone(r.Inputs)}
	}
	return out
}

// Directory returns the working directory of subtask index.
func (s *Schedule) Directory(index int) string {
	return Dir(s.taskDir, index)
}

// Directories returns the working directories of all subtasks.
func (s *Schedule) Directories() []string {
	dirs := make([]string, len(s.subtasks))
	for i := range s.subtasks {
		dirs[i] = Dir(s.taskDir, i)
	}
	return dirs
}

// Reserved reports whether subtask index has its lock marker on disk.
func (s *Schedule) Reserved(index int) bool {
	return IsReserved(Dir(s.taskDir, index))
}

// Validate checks that the schedule holds exactly expected subtasks.
func (s *Schedule) Validate(expected int) error {
	if expected != len(s.subtasks) {
		return &SubtaskCountMismatchError{Expected: expected, Actual: len(s.subtasks)}
	}
	return nil
}

// SetPhases groups subtasks into ordered phases. Subtasks within a phase
// may run in parallel; a phase starts only after the previous one finished.
// Every subtask index must appear in exactly one phase.
func (s *Schedule) SetPhases(phases [][]int) error {
	if err := checkPhases(phases, len(s.subtasks)); err != nil {
		return err
	}
	s.phases = clonePhases(phases)
	return nil
}

// Phases returns the phase grouping. Without an explicit grouping every
// subtask belongs to a single phase.
func (s *Schedule) Phases() [][]int {
	if len(s.phases) > 0 {
		return clonePhases(s.phases)
	}
	if len(s.subtasks) == 0 {
		return nil
	}
	all := make([]int, len(s.subtasks))
	for i := range all {
		all[i] = i
	}
	return [][]int{all}
}

// Equal reports whether two schedules have the same subtask count, the same
// ordered input sets and the same adapter kind names. Task directories and
// phase groupings are not compared.
func (s *Schedule) Equal(other *Schedule) bool {
	if s == nil || other == nil {
		return s == other
	}
	if s.InputKind != other.InputKind || s.OutputKind != other.OutputKind {
		return false
	}
	if len(s.subtasks) != len(other.subtasks) {
		return false
	}
	for i := range s.subtasks {
		if !slices.Equal(s.subtasks[i].Inputs, other.subtasks[i].Inputs) {
			return false
		}
	}
	return true
}

// Hash returns a hex digest consistent with Equal.
func (s *Schedule) Hash() string {
	h := sha256.New()
	writeString := func(v string) {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(v)))
		h.Write(n[:])
		h.Write([]byte(v))
	}
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(s.subtasks)))
	h.Write(n[:])
	for _, r := range s.subtasks {
		binary.BigEndian.PutUint64(n[:], uint64(len(r.Inputs)))
		h.Write(n[:])
		for _, in := range r.Inputs {
			writeString(in)
		}
	}
	writeString(string(s.InputKind))
	writeString(string(s.OutputKind))
	return hex.EncodeToString(h.Sum(nil))
}

// String summarizes the schedule as the index range it covers.
func (s *Schedule) String() string {
	if len(s.subtasks) == 0 {
		return "SINGLE:[]"
	}
	return fmt.Sprintf("SINGLE:[0,%d]", len(s.subtasks)-1)
}

func normalizeInputs(inputs []string) []string {
	out := slices.Clone(inputs)
	sort.Strings(out)
	out = slices.Compact(out)
	if out == nil {
		out = []string{}
	}
	return out
}

func checkPhases(phases [][]int, count int) error {
	seen := make([]bool, count)
	total := 0
	for p, phase := range phases {
		if len(phase) == 0 {
			return fmt.Errorf("phase %d is empty", p)
		}
		for _, idx := range phase {
			if idx < 0 || idx >= count {
				return fmt.Errorf("phase %d: subtask %d out of range [0, %d)", p, idx, count)
			}
			if seen[idx] {
				return fmt.Errorf("phase %d: subtask %d assigned more than once", p, idx)
			}
			seen[idx] = true
			total++
		}
	}
	if len(phases) > 0 && total != count {
		return fmt.Errorf("phases cover %d of %d subtasks", total, count)
	}
	return nil
}

func clonePhases(phases [][]int) [][]int {
	out := make([][]int, len(phases))
	for i, p := range phases {
		out[i] = slices.Clone(p)
	}
	return out
}
