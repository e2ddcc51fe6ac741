package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/fenneclabs/fennec-core/internal/backend"
	"github.com/fenneclabs/fennec-core/internal/device"
)

// Action request bodies. Paths are daemon-local filesystem paths; the
// API trusts its operator with the machine it runs on.
type backupRequest struct {
	Destination string `json:"destination"`
}

type restoreRequest struct {
	Source string `json:"source"`
}

type installRequest struct {
	File string `json:"file"`
}

type installFUSRequest struct {
	File    string `json:"file"`
	Address string `json:"address"` // flash address, hex accepted: "0x080EC000"
}

// acceptedResponse acknowledges an asynchronous action. Completion is
// observed via /api/v1/state or the WebSocket backend.state channel.
type acceptedResponse struct {
	Status string `json:"status"`
}

func writeAccepted(w http.ResponseWriter) {
	writeJSON(w, http.StatusAccepted, acceptedResponse{Status: "accepted"})
}

// writeActionError maps daemon refusals onto HTTP statuses.
func writeActionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, backend.ErrNoDevice):
		writeConflict(w, "no device attached")
	case errors.Is(err, backend.ErrNotReady):
		writeConflict(w, "device is not ready")
	case errors.Is(err, device.ErrBusy):
		writeConflict(w, "an operation is already running")
	case errors.Is(err, backend.ErrStopped):
		writeUnavailable(w, "daemon is shutting down")
	default:
		writeInternalError(w, err.Error())
	}
}

// handleMainAction triggers the context-dependent main operation: repair
// for a recovery-mode unit, update for a normal one.
func (s *Server) handleMainAction(w http.ResponseWriter, _ *http.Request) {
	if err := s.backend.MainAction(); err != nil {
		writeActionError(w, err)
		return
	}
	writeAccepted(w)
}

func (s *Server) handleBackup(w http.ResponseWriter, r *http.Request) {
	var req backupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Destination == "" {
		writeBadRequest(w, "destination is required")
		return
	}
	if err := s.backend.CreateBackup(req.Destination); err != nil {
		writeActionError(w, err)
		return
	}
	writeAccepted(w)
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	var req restoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Source == "" {
		writeBadRequest(w, "source is required")
		return
	}
	if err := s.backend.RestoreBackup(req.Source); err != nil {
		writeActionError(w, err)
		return
	}
	writeAccepted(w)
}

func (s *Server) handleFactoryReset(w http.ResponseWriter, _ *http.Request) {
	if err := s.backend.FactoryReset(); err != nil {
		writeActionError(w, err)
		return
	}
	writeAccepted(w)
}

func (s *Server) handleInstallFirmware(w http.ResponseWriter, r *http.Request) {
	var req installRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.File == "" {
		writeBadRequest(w, "file is required")
		return
	}
	if err := s.backend.InstallFirmware(req.File); err != nil {
		writeActionError(w, err)
		return
	}
	writeAccepted(w)
}

func (s *Server) handleInstallWirelessStack(w http.ResponseWriter, r *http.Request) {
	var req installRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.File == "" {
		writeBadRequest(w, "file is required")
		return
	}
	if err := s.backend.InstallWirelessStack(req.File); err != nil {
		writeActionError(w, err)
		return
	}
	writeAccepted(w)
}

func (s *Server) handleInstallFUS(w http.ResponseWriter, r *http.Request) {
	var req installFUSRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.File == "" {
		writeBadRequest(w, "file is required")
		return
	}
	if req.Address == "" {
		writeBadRequest(w, "address is required")
		return
	}
	address, err := strconv.ParseUint(req.Address, 0, 32)
	if err != nil {
		writeBadRequest(w, "address must be a 32-bit flash address")
		return
	}
	if err := s.backend.InstallFUS(req.File, uint32(address)); err != nil {
		writeActionError(w, err)
		return
	}
	writeAccepted(w)
}

// handleFinalize acknowledges a finished or failed operation, returning
// the daemon to standby.
func (s *Server) handleFinalize(w http.ResponseWriter, _ *http.Request) {
	if err := s.backend.FinalizeOperation(); err != nil {
		writeActionError(w, err)
		return
	}
	writeAccepted(w)
}

// handleCheckUpdates requests a firmware catalog refresh.
func (s *Server) handleCheckUpdates(w http.ResponseWriter, _ *http.Request) {
	s.backend.CheckFirmwareUpdates()
	writeAccepted(w)
}
