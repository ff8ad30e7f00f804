package executor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/me/taskforge/internal/subtask"
	"github.com/me/taskforge/pkg/model"
)

// Log files written into each subtask directory.
const (
	StdoutFileName = "stdout.log"
	StderrFileName = "stderr.log"
)

// LocalBackend runs subtasks as local OS processes. Outcomes are buffered in
// memory until polled, so a restart of the process loses in-flight work and
// leaves the affected tasks for an operator reset.
type LocalBackend struct {
	sem    *Semaphore
	logger *slog.Logger

	mu   sync.Mutex
	runs map[string]*localRun
}

type localRun struct {
	cancel  context.CancelFunc
	done    chan struct{}
	pending []model.SubtaskOutcome
}

// NewLocalBackend creates a LocalBackend running at most maxParallel
// subtasks at once. maxParallel <= 0 means unlimited.
func NewLocalBackend(maxParallel int, logger *slog.Logger) *LocalBackend {
	return &LocalBackend{
		sem:    NewSemaphore(maxParallel),
		logger: logger.With("component", "local-executor"),
		runs:   make(map[string]*localRun),
	}
}

// Type returns model.ExecutorTypeLocal.
func (b *LocalBackend) Type() model.ExecutorType {
	return model.ExecutorTypeLocal
}

// Submit starts the job in the background.
func (b *LocalBackend) Submit(_ context.Context, job Job) error {
	if len(job.Command) == 0 {
		return fmt.Errorf("task %s: module command is empty", job.TaskID)
	}
	b.stop(job.TaskID)

	ctx, cancel := context.WithCancel(context.Background())
	run := &localRun{cancel: cancel, done: make(chan struct{})}

	b.mu.Lock()
	b.runs[job.TaskID] = run
	b.mu.Unlock()

	b.logger.Info("job submitted", "task_id", job.TaskID, "subtasks", len(job.Subtasks))
	go b.execute(ctx, run, job)
	return nil
}

// Poll returns the outcomes buffered for the task without removing them.
// They stay buffered until Ack, so a failed write by the caller loses
// nothing and the next Poll returns them again.
func (b *LocalBackend) Poll(_ context.Context, taskID string) ([]model.SubtaskOutcome, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	run, ok := b.runs[taskID]
	if !ok {
		return nil, nil
	}
	return slices.Clone(run.pending), nil
}

// Ack drops the first n buffered outcomes of the task. Once the job has
// finished and nothing is left buffered the run is forgotten.
func (b *LocalBackend) Ack(_ context.Context, taskID string, n int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	run, ok := b.runs[taskID]
	if !ok {
		return nil
	}
	if n > len(run.pending) {
		return fmt.Errorf("task %s: ack of %d outcomes, only %d buffered", taskID, n, len(run.pending))
	}
	run.pending = run.pending[n:]

	select {
	case <-run.done:
		if len(run.pending) == 0 {
			delete(b.runs, taskID)
		}
	default:
	}
	return nil
}

// Cancel stops the task's running subtasks and discards unpolled outcomes.
func (b *LocalBackend) Cancel(_ context.Context, taskID string) error {
	b.stop(taskID)
	return nil
}

// Wait blocks until the task's current job has finished or ctx is done.
func (b *LocalBackend) Wait(ctx context.Context, taskID string) error {
	b.mu.Lock()
	run, ok := b.runs[taskID]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-run.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *LocalBackend) stop(taskID string) {
	b.mu.Lock()
	run, ok := b.runs[taskID]
	delete(b.runs, taskID)
	b.mu.Unlock()
	if !ok {
		return
	}
	run.cancel()
	<-run.done
	b.logger.Info("job cancelled", "task_id", taskID)
}

func (b *LocalBackend) report(run *localRun, o model.SubtaskOutcome) {
	b.mu.Lock()
	run.pending = append(run.pending, o)
	b.mu.Unlock()
}

func (b *LocalBackend) execute(ctx context.Context, run *localRun, job Job) {
	defer close(run.done)
	defer run.cancel()

	for _, phase := range jobPhases(job) {
		var wg sync.WaitGroup
		for _, idx := range phase {
			if !b.sem.Acquire(ctx) {
				break
			}
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				defer b.sem.Release()
				b.runSubtask(ctx, run, job, idx)
			}(idx)
		}
		wg.Wait()
		if ctx.Err() != nil {
			return
		}
	}
}

func (b *LocalBackend) runSubtask(ctx context.Context, run *localRun, job Job, idx int) {
	b.report(run, model.SubtaskOutcome{TaskID: job.TaskID, Index: idx, State: model.SubtaskStateProcessing, UpdatedAt: time.Now().UTC()})

	state := model.SubtaskStateCompleted
	if err := b.runCommand(ctx, job, idx); err != nil {
		if ctx.Err() != nil {
			// Cancelled; the task is being reset or restarted.
			return
		}
		b.logger.Info("subtask failed", "task_id", job.TaskID, "subtask", idx, "error", err)
		state = model.SubtaskStateFailed
	}
	b.report(run, model.SubtaskOutcome{TaskID: job.TaskID, Index: idx, State: state, UpdatedAt: time.Now().UTC()})
}

func (b *LocalBackend) runCommand(ctx context.Context, job Job, idx int) error {
	dir, err := subtask.EnsureDir(job.TaskDir, idx)
	if err != nil {
		return err
	}

	stdout, err := os.Create(filepath.Join(dir, StdoutFileName))
	if err != nil {
		return fmt.Errorf("create stdout log: %w", err)
	}
	defer stdout.Close()
	stderr, err := os.Create(filepath.Join(dir, StderrFileName))
	if err != nil {
		return fmt.Errorf("create stderr log: %w", err)
	}
	defer stderr.Close()

	args := append(slices.Clone(job.Command[1:]), job.Inputs[idx]...)
	cmd := exec.CommandContext(ctx, job.Command[0], args...)
	cmd.Dir = dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = append(os.Environ(),
		"TASKFORGE_TASK_ID="+job.TaskID,
		"TASKFORGE_TASK_DIR="+job.TaskDir,
		"TASKFORGE_SUBTASK_INDEX="+strconv.Itoa(idx),
		"TASKFORGE_SUBTASK_DIR="+dir,
	)

	b.logger.Debug("subtask started", "task_id", job.TaskID, "subtask", idx, "dir", dir)
	return cmd.Run()
}

// jobPhases returns the phases restricted to the job's subtasks, dropping
// phases that end up empty.
func jobPhases(job Job) [][]int {
	if len(job.Phases) == 0 {
		if len(job.Subtasks) == 0 {
			return nil
		}
		return [][]int{job.Subtasks}
	}
	wanted := make(map[int]bool, len(job.Subtasks))
	for _, idx := range job.Subtasks {
		wanted[idx] = true
	}
	var out [][]int
	for _, phase := range job.Phases {
		var p []int
		for _, idx := range phase {
			if wanted[idx] {
				p = append(p, idx)
			}
		}
		if len(p) > 0 {
			out = append(out, p)
		}
	}
	return out
}
