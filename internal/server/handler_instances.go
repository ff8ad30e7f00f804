package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/me/taskforge/internal/recovery"
	"github.com/me/taskforge/pkg/model"
)

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	opts, apiErr := listOptions(r)
	if apiErr != nil {
		respondError(w, reqID, http.StatusBadRequest, apiErr)
		return
	}

	insts, total, err := s.store.ListInstances(r.Context(), opts)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	if insts == nil {
		insts = []*model.Instance{}
	}
	respondList(w, reqID, insts, &model.Pagination{
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
		HasMore: opts.Offset+opts.Limit < total,
	})
}

func (s *Server) handleFireInstance(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req model.FireRequest
	if !decodeBody(w, r, reqID, &req) {
		return
	}
	if req.Pipeline == "" {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("missing required field",
				model.FieldError{Field: "pipeline", Message: "pipeline is required"}))
		return
	}
	if s.launcher == nil {
		respondErr(w, reqID, model.NewNotFoundError("Pipeline", req.Pipeline))
		return
	}

	inst, err := s.launcher.Fire(r.Context(), req.Pipeline, req.Name)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondCreated(w, reqID, inst)
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	inst, err := s.store.GetInstance(r.Context(), id)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	if inst == nil {
		respondErr(w, reqID, &model.InstanceNotFoundError{ID: id})
		return
	}
	respondOK(w, reqID, inst)
}

func (s *Server) handleResetInstance(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")
	if !s.requireRecovery(w, reqID) {
		return
	}

	var req model.ResetRequest
	if !decodeOptionalBody(w, r, reqID, &req) {
		return
	}

	var res *model.ResetResult
	err := s.exclusive(func() error {
		var err error
		res, err = s.recovery.ResetStalled(r.Context(), id, req.IncludeProcessing, req.TaskIDs)
		return err
	})
	if !s.recomputeTolerated(w, reqID, err, res != nil) {
		return
	}
	respondOK(w, reqID, res)
}

func (s *Server) handleRecomputeInstance(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")
	if !s.requireRecovery(w, reqID) {
		return
	}

	inst, err := s.recovery.Recompute(r.Context(), id)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, inst)
}

func (s *Server) handleCancelInstance(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")
	if !s.requireRecovery(w, reqID) {
		return
	}

	var inst *model.Instance
	err := s.exclusive(func() error {
		var err error
		inst, err = s.recovery.CancelInstance(r.Context(), id)
		return err
	})
	if !s.recomputeTolerated(w, reqID, err, inst != nil) {
		return
	}
	respondOK(w, reqID, inst)
}

func (s *Server) handleCancelAllInstances(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if !s.requireRecovery(w, reqID) {
		return
	}

	var cancelled []string
	err := s.exclusive(func() error {
		var err error
		cancelled, err = s.recovery.CancelAllActive(r.Context())
		return err
	})
	if !s.recomputeTolerated(w, reqID, err, true) {
		return
	}
	if cancelled == nil {
		cancelled = []string{}
	}
	respondOK(w, reqID, model.CancelResult{Cancelled: cancelled})
}

// requireRecovery responds with an internal error when the server was built
// without a recovery coordinator.
func (s *Server) requireRecovery(w http.ResponseWriter, reqID string) bool {
	if s.recovery != nil {
		return true
	}
	respondError(w, reqID, http.StatusServiceUnavailable,
		&model.APIError{Code: model.ErrInternal, Message: "recovery operations are not configured"})
	return false
}

// recomputeTolerated reports whether the handler should go on to write its
// result. A failed instance recompute after committed task changes is logged
// and tolerated; any other error is written as the response.
func (s *Server) recomputeTolerated(w http.ResponseWriter, reqID string, err error, haveResult bool) bool {
	if err == nil {
		return true
	}
	if haveResult && onlyRecomputeErrors(err) {
		var re *recovery.RecomputeError
		errors.As(err, &re)
		s.logger.Warn("instance recompute failed; retry with recompute", "instance_id", re.InstanceID, "error", err)
		return true
	}
	respondErr(w, reqID, err)
	return false
}

// onlyRecomputeErrors reports whether err, possibly joined, consists of
// RecomputeErrors alone.
func onlyRecomputeErrors(err error) bool {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			if !onlyRecomputeErrors(e) {
				return false
			}
		}
		return true
	}
	var re *recovery.RecomputeError
	return errors.As(err, &re)
}

// listOptions reads limit, offset and state from the query string.
func listOptions(r *http.Request) (model.ListOptions, *model.APIError) {
	opts := model.DefaultListOptions()
	q := r.URL.Query()

	var details []model.FieldError
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			details = append(details, model.FieldError{Field: "limit", Message: "must be an integer"})
		}
		opts.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			details = append(details, model.FieldError{Field: "offset", Message: "must be an integer"})
		}
		opts.Offset = n
	}
	if v := q.Get("state"); v != "" {
		if !isInstanceState(v) {
			details = append(details, model.FieldError{Field: "state", Message: "unknown instance state " + strconv.Quote(v)})
		}
		opts.State = v
	}
	if len(details) > 0 {
		return opts, model.NewValidationError("invalid query parameters", details...)
	}
	opts.Clamp()
	return opts, nil
}

func isInstanceState(v string) bool {
	switch model.InstanceState(v) {
	case model.InstanceStateInitialized, model.InstanceStateProcessing,
		model.InstanceStateCompleted, model.InstanceStatePartial, model.InstanceStateError:
		return true
	}
	return false
}

// decodeBody decodes a required JSON body, answering 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, reqID string, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, reqID, http.StatusBadRequest, &model.APIError{
			Code:    model.ErrValidation,
			Message: "Invalid JSON body: " + err.Error(),
		})
		return false
	}
	return true
}

// decodeOptionalBody is decodeBody for endpoints where an empty body means
// defaults.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, reqID string, dst any) bool {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	respondError(w, reqID, http.StatusBadRequest, &model.APIError{
		Code:    model.ErrValidation,
		Message: "Invalid JSON body: " + err.Error(),
	})
	return false
}
