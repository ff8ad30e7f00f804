package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/me/taskforge/internal/subtask"
	"github.com/me/taskforge/pkg/model"
)

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	tid := chi.URLParam(r, "tid")

	task, err := s.store.GetTask(r.Context(), tid)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	if task == nil {
		respondErr(w, reqID, &model.TaskNotFoundError{IDs: []string{tid}})
		return
	}

	outcomes, err := s.store.ListSubtaskOutcomes(r.Context(), tid)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	if outcomes == nil {
		outcomes = []model.SubtaskOutcome{}
	}
	respondOK(w, reqID, model.TaskDetail{Task: *task, Outcomes: outcomes})
}

func (s *Server) handleGetTaskSchedule(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	tid := chi.URLParam(r, "tid")

	task, err := s.store.GetTask(r.Context(), tid)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	if task == nil {
		respondErr(w, reqID, &model.TaskNotFoundError{IDs: []string{tid}})
		return
	}

	view, err := subtask.Inspect(task.WorkingDir)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, view)
}

func (s *Server) handleRestartTasks(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if !s.requireRecovery(w, reqID) {
		return
	}

	var req model.RestartRequest
	if !decodeBody(w, r, reqID, &req) {
		return
	}
	if len(req.TaskIDs) == 0 {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("missing required field",
				model.FieldError{Field: "task_ids", Message: "at least one task id is required"}))
		return
	}
	mode := model.RestartFromBeginning
	if req.Mode != "" {
		parsed, ok := model.ParseRestartMode(string(req.Mode))
		if !ok {
			respondError(w, reqID, http.StatusBadRequest,
				model.NewValidationError("invalid restart mode",
					model.FieldError{Field: "mode", Message: "must be FROM_BEGINNING or RESUME"}))
			return
		}
		mode = parsed
	}

	var res *model.RestartResult
	err := s.exclusive(func() error {
		var err error
		res, err = s.recovery.Restart(r.Context(), req.TaskIDs, mode)
		return err
	})
	if !s.recomputeTolerated(w, reqID, err, res != nil) {
		return
	}
	respondOK(w, reqID, res)
}
