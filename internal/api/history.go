package api

import (
	"net/http"
	"strconv"

	"github.com/fenneclabs/fennec-core/internal/history"
)

// handleHistory lists past operations from the journal, newest first.
// Supported query parameters: serial, kind, limit, offset.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeUnavailable(w, "operation journal is not configured")
		return
	}

	q := r.URL.Query()
	filter := history.Filter{
		Serial: q.Get("serial"),
		Kind:   q.Get("kind"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeBadRequest(w, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeBadRequest(w, "offset must be a non-negative integer")
			return
		}
		filter.Offset = n
	}

	result, err := s.journal.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing operation journal", "error", err)
		writeInternalError(w, "failed to list operations")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
