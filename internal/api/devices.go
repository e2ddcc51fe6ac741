package api

import (
	"net/http"

	"github.com/fenneclabs/fennec-core/internal/device"
)

// DeviceResponse describes one attached unit: identity, live state, and
// what the current firmware catalog would let the operator do with it.
type DeviceResponse struct {
	Serial     string       `json:"serial"`
	Info       device.Info  `json:"info"`
	State      device.State `json:"state"`
	CanRepair  bool         `json:"can_repair"`
	CanUpdate  bool         `json:"can_update"`
	CanInstall bool         `json:"can_install"`
}

func (s *Server) deviceResponse(d *device.Device) DeviceResponse {
	resp := DeviceResponse{
		Serial: d.Serial(),
		Info:   d.Info(),
		State:  d.State(),
	}
	if s.updates != nil {
		if v, err := s.updates.LatestVersion(); err == nil {
			resp.CanRepair = d.CanRepair(v)
			resp.CanUpdate = d.CanUpdate(v)
			resp.CanInstall = d.CanInstall(v)
		}
	}
	return resp
}

// handleDevice returns the current device, the one the daemon operates
// on. 404 while nothing is attached.
func (s *Server) handleDevice(w http.ResponseWriter, _ *http.Request) {
	d := s.backend.CurrentDevice()
	if d == nil {
		writeNotFound(w, "no device attached")
		return
	}
	writeJSON(w, http.StatusOK, s.deviceResponse(d))
}

// handleListDevices returns every attached unit, current or not.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	all := s.devices.Devices()
	out := make([]DeviceResponse, 0, len(all))
	for _, d := range all {
		out = append(out, s.deviceResponse(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": out})
}

// handleRescan asks the hot-plug source to re-enumerate.
func (s *Server) handleRescan(w http.ResponseWriter, _ *http.Request) {
	s.devices.Rescan()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// handleOfflineDevices returns units seen earlier in this daemon run
// that are no longer attached.
func (s *Server) handleOfflineDevices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"devices": s.devices.OfflineDevices()})
}

// handleForgetOfflineDevices clears the offline list.
func (s *Server) handleForgetOfflineDevices(w http.ResponseWriter, _ *http.Request) {
	s.devices.RemoveOfflineDevices()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
