package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/me/taskforge/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}

	// Every connection to ":memory:" is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma busy_timeout: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// --- Instance CRUD ---

const instanceColumns = `id, name, pipeline_name, state, task_counts, created_at, updated_at`

func (s *SQLiteStore) CreateInstance(ctx context.Context, inst *model.Instance) error {
	s.logger.Debug("sql", "op", "insert", "table", "instances", "id", inst.ID)

	countsJSON, err := json.Marshal(inst.TaskCounts)
	if err != nil {
		return fmt.Errorf("marshal task_counts: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO instances (`+instanceColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.Name, inst.PipelineName, string(inst.State), string(countsJSON),
		inst.CreatedAt.Format(time.RFC3339Nano), inst.UpdatedAt.Format(time.RFC3339Nano),
	)
	return err
}

// GetInstance returns the instance with its tasks, or nil if it does not exist.
func (s *SQLiteStore) GetInstance(ctx context.Context, id string) (*model.Instance, error) {
	s.logger.Debug("sql", "op", "select", "table", "instances", "id", id)

	inst, err := scanInstance(s.db.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE id = ?`, id))
	if err != nil || inst == nil {
		return inst, err
	}

	tasks, err := s.ListTasksByInstance(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	for _, t := range tasks {
		inst.Tasks = append(inst.Tasks, *t)
	}
	return inst, nil
}

func (s *SQLiteStore) ListInstances(ctx context.Context, opts model.ListOptions) ([]*model.Instance, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "instances", "limit", opts.Limit, "offset", opts.Offset)
	opts.Clamp()

	var whereSQL string
	var countArgs []any
	if opts.State != "" {
		whereSQL = " WHERE state = ?"
		countArgs = append(countArgs, opts.State)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM instances`+whereSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	listArgs := append(countArgs, opts.Limit, opts.Offset)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+instanceColumns+` FROM instances`+whereSQL+` ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		listArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	instances, err := scanInstances(rows)
	return instances, total, err
}

// ListActiveInstances returns every instance whose state is not terminal.
func (s *SQLiteStore) ListActiveInstances(ctx context.Context) ([]*model.Instance, error) {
	s.logger.Debug("sql", "op", "list_active", "table", "instances")

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE state IN (?, ?) ORDER BY created_at`,
		string(model.InstanceStateInitialized), string(model.InstanceStateProcessing))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanInstances(rows)
}

func (s *SQLiteStore) UpdateInstance(ctx context.Context, inst *model.Instance) error {
	s.logger.Debug("sql", "op", "update", "table", "instances", "id", inst.ID)

	countsJSON, err := json.Marshal(inst.TaskCounts)
	if err != nil {
		return fmt.Errorf("marshal task_counts: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE instances SET name=?, state=?, task_counts=?, updated_at=? WHERE id=?`,
		inst.Name, string(inst.State), string(countsJSON),
		inst.UpdatedAt.Format(time.RFC3339Nano), inst.ID,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("instance %s not found", inst.ID)
	}
	return nil
}

// --- Task operations ---

const taskColumns = `id, instance_id, module_name, module_index, state, executor_type,
	 working_dir, subtask_count, processing_summary, error_message, restart_count,
	 created_at, updated_at, started_at, completed_at`

func (s *SQLiteStore) CreateTask(ctx context.Context, task *model.Task) error {
	s.logger.Debug("sql", "op", "insert", "table", "tasks", "id", task.ID)

	summaryJSON, err := json.Marshal(task.Summary)
	if err != nil {
		return fmt.Errorf("marshal processing_summary: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.InstanceID, task.ModuleName, task.ModuleIndex, string(task.State),
		string(task.ExecutorType), task.WorkingDir, task.SubtaskCount, string(summaryJSON),
		task.ErrorMessage, task.RestartCount,
		task.CreatedAt.Format(time.RFC3339Nano), task.UpdatedAt.Format(time.RFC3339Nano),
		formatTimePtr(task.StartedAt), formatTimePtr(task.CompletedAt),
	)
	return err
}

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	s.logger.Debug("sql", "op", "select", "table", "tasks", "id", id)
	return scanTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
}

// GetTasks returns the tasks that exist among ids, keyed by id. Missing ids
// are simply absent from the result.
func (s *SQLiteStore) GetTasks(ctx context.Context, ids []string) (map[string]*model.Task, error) {
	s.logger.Debug("sql", "op", "select_many", "table", "tasks", "count", len(ids))

	out := make(map[string]*model.Task, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tasks, err := scanTasks(rows)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		out[t.ID] = t
	}
	return out, nil
}

// ListTasksByInstance returns the tasks of an instance in module order.
func (s *SQLiteStore) ListTasksByInstance(ctx context.Context, instanceID string) ([]*model.Task, error) {
	s.logger.Debug("sql", "op", "list", "table", "tasks", "instance_id", instanceID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE instance_id = ? ORDER BY module_index, created_at, id`,
		instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTasks(rows)
}

func (s *SQLiteStore) ListTasksByState(ctx context.Context, states ...model.TaskState) ([]*model.Task, error) {
	s.logger.Debug("sql", "op", "list_by_state", "table", "tasks", "states", states)

	if len(states) == 0 {
		return nil, nil
	}
	args := make([]any, len(states))
	for i, st := range states {
		args[i] = string(st)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE state IN (`+placeholders(len(states))+`) ORDER BY created_at, id`,
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTasks(rows)
}

func (s *SQLiteStore) UpdateTask(ctx context.Context, task *model.Task) error {
	s.logger.Debug("sql", "op", "update", "table", "tasks", "id", task.ID)

	summaryJSON, err := json.Marshal(task.Summary)
	if err != nil {
		return fmt.Errorf("marshal processing_summary: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET state=?, executor_type=?, working_dir=?, subtask_count=?,
		 processing_summary=?, error_message=?, restart_count=?, updated_at=?,
		 started_at=?, completed_at=? WHERE id=?`,
		string(task.State), string(task.ExecutorType), task.WorkingDir, task.SubtaskCount,
		string(summaryJSON), task.ErrorMessage, task.RestartCount,
		task.UpdatedAt.Format(time.RFC3339Nano),
		formatTimePtr(task.StartedAt), formatTimePtr(task.CompletedAt), task.ID,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("task %s not found", task.ID)
	}
	return nil
}

func (s *SQLiteStore) TransitionTasks(ctx context.Context, ids []string, from []model.TaskState, to model.TaskState, message string) ([]string, error) {
	s.logger.Debug("sql", "op", "transition", "table", "tasks", "count", len(ids), "to", to)

	if len(ids) == 0 || len(from) == 0 {
		return nil, nil
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	var completedAt *string
	if to.IsTerminal() {
		completedAt = &now
	}

	args := make([]any, 0, len(from)+5)
	args = append(args, string(to), message, now, completedAt)
	for _, st := range from {
		args = append(args, string(st))
	}
	query := `UPDATE tasks SET state=?, error_message=?, updated_at=?, completed_at=?
		 WHERE id=? AND state IN (` + placeholders(len(from)) + `)`

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transition: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	var changed []string
	for _, id := range ids {
		// id goes after the SET values and before the state list.
		stmtArgs := make([]any, 0, len(args)+1)
		stmtArgs = append(stmtArgs, args[:4]...)
		stmtArgs = append(stmtArgs, id)
		stmtArgs = append(stmtArgs, args[4:]...)

		result, err := stmt.ExecContext(ctx, stmtArgs...)
		if err != nil {
			return nil, fmt.Errorf("transition task %s: %w", id, err)
		}
		if n, _ := result.RowsAffected(); n > 0 {
			changed = append(changed, id)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transition: %w", err)
	}
	return changed, nil
}

// --- Subtask outcomes ---

// RecordSubtaskOutcomes upserts outcomes; the latest report for a subtask wins.
func (s *SQLiteStore) RecordSubtaskOutcomes(ctx context.Context, outcomes []model.SubtaskOutcome) error {
	s.logger.Debug("sql", "op", "upsert", "table", "subtask_outcomes", "count", len(outcomes))

	if len(outcomes) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO subtask_outcomes (task_id, idx, state, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(task_id, idx) DO UPDATE SET state=excluded.state, updated_at=excluded.updated_at`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, o := range outcomes {
		updated := o.UpdatedAt
		if updated.IsZero() {
			updated = time.Now().UTC()
		}
		if _, err := stmt.ExecContext(ctx, o.TaskID, o.Index, string(o.State), updated.Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("record outcome %s/%d: %w", o.TaskID, o.Index, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListSubtaskOutcomes(ctx context.Context, taskID string) ([]model.SubtaskOutcome, error) {
	s.logger.Debug("sql", "op", "list", "table", "subtask_outcomes", "task_id", taskID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, idx, state, updated_at FROM subtask_outcomes WHERE task_id = ? ORDER BY idx`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outcomes []model.SubtaskOutcome
	for rows.Next() {
		var o model.SubtaskOutcome
		var state, updatedAt string
		if err := rows.Scan(&o.TaskID, &o.Index, &state, &updatedAt); err != nil {
			return nil, err
		}
		o.State = model.SubtaskState(state)
		o.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

// DeleteSubtaskOutcomes removes the outcomes of a task, restricted to states
// when any are given. The subtasks revert to pending.
func (s *SQLiteStore) DeleteSubtaskOutcomes(ctx context.Context, taskID string, states ...model.SubtaskState) (int64, error) {
	s.logger.Debug("sql", "op", "delete", "table", "subtask_outcomes", "task_id", taskID, "states", states)

	query := `DELETE FROM subtask_outcomes WHERE task_id = ?`
	args := []any{taskID}
	if len(states) > 0 {
		query += ` AND state IN (` + placeholders(len(states)) + `)`
		for _, st := range states {
			args = append(args, string(st))
		}
	}
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// --- scan helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func scanInstance(row scanner) (*model.Instance, error) {
	var inst model.Instance
	var state, countsJSON, createdAt, updatedAt string

	err := row.Scan(&inst.ID, &inst.Name, &inst.PipelineName, &state, &countsJSON, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	inst.State = model.InstanceState(state)
	if err := json.Unmarshal([]byte(countsJSON), &inst.TaskCounts); err != nil {
		return nil, fmt.Errorf("unmarshal task_counts: %w", err)
	}
	inst.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	inst.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &inst, nil
}

func scanInstances(rows *sql.Rows) ([]*model.Instance, error) {
	var instances []*model.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

func scanTask(row scanner) (*model.Task, error) {
	var task model.Task
	var state, executorType, summaryJSON, createdAt, updatedAt string
	var startedAt, completedAt *string

	err := row.Scan(
		&task.ID, &task.InstanceID, &task.ModuleName, &task.ModuleIndex, &state,
		&executorType, &task.WorkingDir, &task.SubtaskCount, &summaryJSON,
		&task.ErrorMessage, &task.RestartCount,
		&createdAt, &updatedAt, &startedAt, &completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	task.State = model.TaskState(state)
	task.ExecutorType = model.ExecutorType(executorType)
	if err := json.Unmarshal([]byte(summaryJSON), &task.Summary); err != nil {
		return nil, fmt.Errorf("unmarshal processing_summary: %w", err)
	}
	task.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	task.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	task.StartedAt = parseTimePtr(startedAt)
	task.CompletedAt = parseTimePtr(completedAt)
	return &task, nil
}

func scanTasks(rows *sql.Rows) ([]*model.Task, error) {
	var tasks []*model.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := t.Format(time.RFC3339Nano)
	return &v
}

func parseTimePtr(v *string) *time.Time {
	if v == nil {
		return nil
	}
	t, _ := time.Parse(time.RFC3339Nano, *v)
	return &t
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
