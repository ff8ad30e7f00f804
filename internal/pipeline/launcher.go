package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/me/taskforge/internal/store"
	"github.com/me/taskforge/pkg/model"
)

// TaskDir returns the working directory of a module's task within an instance.
func TaskDir(workRoot, instanceID string, moduleIndex int, moduleName string) string {
	return filepath.Join(workRoot, instanceID, strconv.Itoa(moduleIndex)+"-"+moduleName)
}

// Launcher creates pipeline instances.
type Launcher struct {
	store    store.Store
	catalog  *Catalog
	workRoot string
	logger   *slog.Logger
}

// NewLauncher creates a Launcher placing task directories under workRoot.
func NewLauncher(st store.Store, catalog *Catalog, workRoot string, logger *slog.Logger) *Launcher {
	return &Launcher{
		store:    st,
		catalog:  catalog,
		workRoot: workRoot,
		logger:   logger.With("component", "launcher"),
	}
}

// Fire creates a new instance of the named pipeline with one CREATED task
// per module. The scheduler picks the tasks up from there.
func (l *Launcher) Fire(ctx context.Context, pipelineName, instanceName string) (*model.Instance, error) {
	def := l.catalog.Get(pipelineName)
	if def == nil {
		return nil, model.NewNotFoundError("Pipeline", pipelineName)
	}
	if instanceName == "" {
		instanceName = pipelineName
	}

	now := time.Now().UTC()
	inst := &model.Instance{
		ID:           "inst_" + uuid.New().String(),
		Name:         instanceName,
		PipelineName: def.Name,
		State:        model.InstanceStateInitialized,
		TaskCounts:   model.TaskCounts{Total: len(def.Modules), Created: len(def.Modules)},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := l.store.CreateInstance(ctx, inst); err != nil {
		return nil, fmt.Errorf("create instance: %w", err)
	}

	for i, m := range def.Modules {
		task := &model.Task{
			ID:           "task_" + uuid.New().String(),
			InstanceID:   inst.ID,
			ModuleName:   m.Name,
			ModuleIndex:  i,
			State:        model.TaskStateCreated,
			ExecutorType: m.Executor,
			WorkingDir:   TaskDir(l.workRoot, inst.ID, i, m.Name),
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := l.store.CreateTask(ctx, task); err != nil {
			return nil, fmt.Errorf("create task for module %s: %w", m.Name, err)
		}
		inst.Tasks = append(inst.Tasks, *task)
	}

	l.logger.Info("instance fired", "instance_id", inst.ID, "pipeline", def.Name, "tasks", len(inst.Tasks))
	return inst, nil
}
