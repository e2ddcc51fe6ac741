package api

import (
	"net/http"

	"github.com/fenneclabs/fennec-core/internal/update"
)

// UpdatesResponse describes the state of the firmware catalogue.
type UpdatesResponse struct {
	State     update.State      `json:"state"`
	Channel   string            `json:"channel"`
	LastError string            `json:"last_error,omitempty"`
	Directory *update.Directory `json:"directory,omitempty"`
}

func (s *Server) handleUpdates(w http.ResponseWriter, _ *http.Request) {
	if s.updates == nil {
		writeUnavailable(w, "update catalogue is not configured")
		return
	}

	resp := UpdatesResponse{
		State:     s.updates.State(),
		Channel:   s.updates.Channel(),
		LastError: s.updates.LastError(),
	}
	if dir, ok := s.updates.Directory(); ok {
		resp.Directory = &dir
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLatestUpdate(w http.ResponseWriter, _ *http.Request) {
	if s.updates == nil {
		writeUnavailable(w, "update catalogue is not configured")
		return
	}

	version, err := s.updates.LatestVersion()
	if err != nil {
		writeNotFound(w, "no version available yet")
		return
	}
	writeJSON(w, http.StatusOK, version)
}
