package api

import (
	"encoding/json"
	"net/http"

	"github.com/fenneclabs/fennec-core/internal/device"
)

// inputRequest is one injected key action for the remote control.
type inputRequest struct {
	Key  string `json:"key"`
	Type string `json:"type"`
}

// handleStreamingStart enters remote-control mode. Screen frames start
// arriving on the WebSocket device.frames channel.
func (s *Server) handleStreamingStart(w http.ResponseWriter, _ *http.Request) {
	if err := s.backend.StartFullScreenStreaming(); err != nil {
		writeActionError(w, err)
		return
	}
	writeAccepted(w)
}

func (s *Server) handleStreamingStop(w http.ResponseWriter, _ *http.Request) {
	if err := s.backend.StopFullScreenStreaming(); err != nil {
		writeActionError(w, err)
		return
	}
	writeAccepted(w)
}

// handleStreamingInput forwards a key event to the current unit. An
// event racing a disconnect is dropped silently, matching the daemon's
// own semantics.
func (s *Server) handleStreamingInput(w http.ResponseWriter, r *http.Request) {
	var req inputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	ev := device.InputEvent{Key: device.InputKey(req.Key), Type: device.InputType(req.Type)}
	if !ev.Valid() {
		writeBadRequest(w, "unknown key or input type")
		return
	}

	s.backend.SendInputEvent(ev)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
