// Package server exposes the operator operations over a JSON REST API.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/me/taskforge/internal/config"
	"github.com/me/taskforge/internal/executor"
	"github.com/me/taskforge/internal/pipeline"
	"github.com/me/taskforge/internal/recovery"
	"github.com/me/taskforge/internal/scheduler"
	"github.com/me/taskforge/internal/store"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// Server is the taskforge REST API server.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	config    config.ServerConfig
	startTime time.Time
	store     store.Store
	scheduler scheduler.Scheduler
	catalog   *pipeline.Catalog     // optional; nil serves no pipelines
	launcher  *pipeline.Launcher    // optional; required to fire instances
	recovery  *recovery.Coordinator // optional; required for reset/cancel/restart
	registry  *executor.Registry    // optional; reported by health
	started   bool
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithPipelines sets the pipeline catalog and the launcher that fires instances.
func WithPipelines(c *pipeline.Catalog, l *pipeline.Launcher) Option {
	return func(s *Server) {
		s.catalog = c
		s.launcher = l
	}
}

// WithRecovery sets the coordinator for reset, cancel and restart.
func WithRecovery(c *recovery.Coordinator) Option {
	return func(s *Server) {
		s.recovery = c
	}
}

// WithExecutorRegistry sets the executor registry reported by health.
func WithExecutorRegistry(reg *executor.Registry) Option {
	return func(s *Server) {
		s.registry = reg
	}
}

// New creates a new Server with all routes registered.
// sched may be nil if no scheduling is desired (e.g. in tests).
func New(cfg config.ServerConfig, st store.Store, sched scheduler.Scheduler, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "server"),
		config:    cfg,
		startTime: time.Now(),
		store:     st,
		scheduler: sched,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// StartScheduler begins the scheduling loop in a background goroutine.
func (s *Server) StartScheduler(ctx context.Context) {
	if s.scheduler == nil {
		return
	}
	s.started = true
	go func() {
		if err := s.scheduler.Start(ctx); err != nil && err != context.Canceled {
			s.logger.Error("scheduler stopped", "error", err)
		}
	}()
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// exclusive runs fn outside any scheduler tick.
func (s *Server) exclusive(fn func() error) error {
	if s.scheduler == nil {
		return fn()
	}
	return s.scheduler.Exclusive(fn)
}

func (s *Server) routes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	r.Route("/api/v1", func(r chi.Router) {
		// Discovery
		r.Get("/", s.handleDiscovery)

		// Health
		r.Get("/health", s.handleHealth)

		// Pipelines
		r.Get("/pipelines", s.handleListPipelines)

		// Instances
		r.Route("/instances", func(r chi.Router) {
			r.Get("/", s.handleListInstances)
			r.Post("/", s.handleFireInstance)
			r.Put("/cancel", s.handleCancelAllInstances)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetInstance)
				r.Post("/reset", s.handleResetInstance)
				r.Post("/recompute", s.handleRecomputeInstance)
				r.Put("/cancel", s.handleCancelInstance)
			})
		})

		// Tasks
		r.Route("/tasks", func(r chi.Router) {
			r.Post("/restart", s.handleRestartTasks)
			r.Route("/{tid}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Get("/schedule", s.handleGetTaskSchedule)
			})
		})
	})
}
