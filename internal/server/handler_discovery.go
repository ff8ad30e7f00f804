package server

import "net/http"

type endpointInfo struct {
	Path        string   `json:"path"`
	Methods     []string `json:"methods"`
	Description string   `json:"description"`
}

type discoveryResponse struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Description string         `json:"description"`
	Endpoints   []endpointInfo `json:"endpoints"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, discoveryResponse{
		Name:        "taskforge API",
		Version:     "v1",
		Description: "Pipeline task coordinator: instances, tasks, subtask schedules and operator recovery",
		Endpoints: []endpointInfo{
			{"/api/v1/health", []string{"GET"}, "Server health and version"},
			{"/api/v1/pipelines", []string{"GET"}, "Loaded pipeline definitions"},
			{"/api/v1/instances", []string{"GET", "POST"}, "List instances, or fire a new instance of a pipeline"},
			{"/api/v1/instances/cancel", []string{"PUT"}, "Cancel every active instance"},
			{"/api/v1/instances/{id}", []string{"GET"}, "Single instance with its tasks"},
			{"/api/v1/instances/{id}/reset", []string{"POST"}, "Move stalled SUBMITTED (and optionally PROCESSING) tasks to ERROR"},
			{"/api/v1/instances/{id}/recompute", []string{"POST"}, "Re-derive instance state and task counts from its tasks"},
			{"/api/v1/instances/{id}/cancel", []string{"PUT"}, "Cancel an instance's unfinished tasks"},
			{"/api/v1/tasks/restart", []string{"POST"}, "Restart tasks from the beginning or resume unfinished subtasks"},
			{"/api/v1/tasks/{tid}", []string{"GET"}, "Single task with subtask outcomes"},
			{"/api/v1/tasks/{tid}/schedule", []string{"GET"}, "Persisted subtask schedule of a task"},
		},
	})
}
