package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/me/taskforge/internal/subtask"
	"github.com/me/taskforge/pkg/model"
)

// requestID generates a unique request identifier.
func requestID() string {
	return "req_" + uuid.New().String()[:8]
}

// respondOK writes a success response with the standard envelope.
func respondOK(w http.ResponseWriter, reqID string, data any) {
	respondJSON(w, http.StatusOK, reqID, data, nil, nil)
}

// respondCreated writes a 201 response with the standard envelope.
func respondCreated(w http.ResponseWriter, reqID string, data any) {
	respondJSON(w, http.StatusCreated, reqID, data, nil, nil)
}

// respondList writes a success response with pagination.
func respondList(w http.ResponseWriter, reqID string, data any, pg *model.Pagination) {
	respondJSON(w, http.StatusOK, reqID, data, pg, nil)
}

// respondError writes an error response with the standard envelope.
func respondError(w http.ResponseWriter, reqID string, status int, apiErr *model.APIError) {
	respondJSON(w, status, reqID, nil, nil, apiErr)
}

// respondErr maps a domain error to its API error code and HTTP status.
func respondErr(w http.ResponseWriter, reqID string, err error) {
	status, apiErr := classify(err)
	respondError(w, reqID, status, apiErr)
}

func classify(err error) (int, *model.APIError) {
	var (
		apiErr       *model.APIError
		instNotFound *model.InstanceNotFoundError
		taskNotFound *model.TaskNotFoundError
		schedMissing *subtask.ScheduleNotFoundError
		transition   *model.InvalidTransitionError
		mismatch     *subtask.SubtaskCountMismatchError
	)
	switch {
	case errors.As(err, &apiErr):
		return statusForCode(apiErr.Code), apiErr
	case errors.As(err, &instNotFound), errors.As(err, &taskNotFound), errors.As(err, &schedMissing):
		return http.StatusNotFound, &model.APIError{Code: model.ErrNotFound, Message: err.Error()}
	case errors.As(err, &transition):
		return http.StatusConflict, &model.APIError{Code: model.ErrConflict, Message: err.Error()}
	case errors.As(err, &mismatch):
		return http.StatusBadRequest, &model.APIError{Code: model.ErrValidation, Message: "task was never scheduled correctly: " + err.Error()}
	}
	// Corrupt schedules and directory failures land here too.
	return http.StatusInternalServerError, &model.APIError{Code: model.ErrInternal, Message: err.Error()}
}

func statusForCode(code model.ErrorCode) int {
	switch code {
	case model.ErrValidation:
		return http.StatusBadRequest
	case model.ErrNotFound:
		return http.StatusNotFound
	case model.ErrConflict:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func respondJSON(w http.ResponseWriter, status int, reqID string, data any, pg *model.Pagination, apiErr *model.APIError) {
	resp := model.Response{
		RequestID:  reqID,
		Timestamp:  time.Now().UTC(),
		Data:       data,
		Pagination: pg,
		Error:      apiErr,
	}
	if apiErr != nil {
		resp.Status = "error"
	} else {
		resp.Status = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
