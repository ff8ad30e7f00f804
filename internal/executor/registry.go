package executor

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/me/taskforge/pkg/model"
)

// Registry maps ExecutorType values to their Backend implementations.
// Registration happens at startup before concurrent access, so no mutex is needed.
type Registry struct {
	backends map[model.ExecutorType]Backend
	logger   *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		backends: make(map[model.ExecutorType]Backend),
		logger:   logger.With("component", "executor-registry"),
	}
}

// Register adds a Backend to the registry, keyed by its Type().
func (r *Registry) Register(b Backend) {
	t := b.Type()
	r.backends[t] = b
	r.logger.Info("executor registered", "type", t)
}

// Get returns the Backend for the given type or an error if none is registered.
func (r *Registry) Get(t model.ExecutorType) (Backend, error) {
	b, ok := r.backends[t]
	if !ok {
		return nil, fmt.Errorf("no executor registered for type %q", t)
	}
	return b, nil
}

// Types returns the registered executor types in sorted order.
func (r *Registry) Types() []model.ExecutorType {
	out := make([]model.ExecutorType, 0, len(r.backends))
	for t := range r.backends {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}
