package api

import (
	"net/http"

	"github.com/fenneclabs/fennec-core/internal/backend"
	"github.com/fenneclabs/fennec-core/internal/update"
)

// StateResponse is the daemon state snapshot returned by GET /api/v1/state
// and broadcast on the backend.state channel. UIs render their whole top
// bar from one of these.
type StateResponse struct {
	State           backend.State               `json:"state"`
	Error           string                      `json:"error"`
	WorkflowStep    string                      `json:"workflow_step,omitempty"`
	UpdateState     backend.FirmwareUpdateState `json:"update_state"`
	QueryInProgress bool                        `json:"query_in_progress"`
	DevicePresent   bool                        `json:"device_present"`
	LatestVersion   *update.VersionDescriptor   `json:"latest_version,omitempty"`
}

// stateSnapshot assembles the current daemon state. Reads are cheap; the
// snapshot is rebuilt on every request and every broadcast.
func (s *Server) stateSnapshot() StateResponse {
	resp := StateResponse{
		State:           s.backend.State(),
		Error:           s.backend.ErrorType().String(),
		WorkflowStep:    s.backend.WorkflowStep(),
		UpdateState:     s.backend.FirmwareUpdateState(),
		QueryInProgress: s.backend.IsQueryInProgress(),
		DevicePresent:   s.backend.CurrentDevice() != nil,
	}
	if s.updates != nil {
		if v, err := s.updates.LatestVersion(); err == nil {
			resp.LatestVersion = &v
		}
	}
	return resp
}

// handleState returns the daemon state snapshot.
func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.stateSnapshot())
}
