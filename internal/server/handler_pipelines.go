package server

import (
	"net/http"

	"github.com/me/taskforge/internal/pipeline"
	"github.com/me/taskforge/pkg/model"
)

func (s *Server) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	defs := []*pipeline.Definition{}
	if s.catalog != nil {
		defs = s.catalog.List()
	}
	respondList(w, reqID, defs, &model.Pagination{
		Total:   len(defs),
		Limit:   len(defs),
		Offset:  0,
		HasMore: false,
	})
}
