package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/me/taskforge/pkg/model"
)

type healthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	GoVersion string            `json:"go_version"`
	Uptime    string            `json:"uptime"`
	Scheduler string            `json:"scheduler"`
	Store     string            `json:"store"`
	Pipelines int               `json:"pipelines"`
	Executors map[string]string `json:"executors"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	resp := healthResponse{
		Status:    "healthy",
		Version:   Version,
		GoVersion: runtime.Version(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Scheduler: "disabled",
		Store:     "ok",
		Executors: map[string]string{},
	}
	switch {
	case s.started:
		resp.Scheduler = "running"
	case s.scheduler != nil:
		resp.Scheduler = "not_started"
	}
	if _, _, err := s.store.ListInstances(r.Context(), model.ListOptions{Limit: 1}); err != nil {
		s.logger.Warn("health: store check failed", "error", err)
		resp.Status = "degraded"
		resp.Store = "error"
	}
	if s.catalog != nil {
		resp.Pipelines = len(s.catalog.List())
	}
	if s.registry != nil {
		for _, t := range s.registry.Types() {
			resp.Executors[string(t)] = "available"
		}
	}
	respondOK(w, reqID, resp)
}
