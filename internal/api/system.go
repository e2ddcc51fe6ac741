package api

import (
	"net/http"
	"runtime"
	"time"
)

// SystemMetrics is the payload of the metrics endpoint.
type SystemMetrics struct {
	Timestamp     string           `json:"timestamp"`
	Version       string           `json:"version"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Runtime       RuntimeMetrics   `json:"runtime"`
	WebSocket     WebSocketMetrics `json:"websocket"`
	Devices       DeviceMetrics    `json:"devices"`
	Backend       BackendMetrics   `json:"backend"`
	Database      *DatabaseMetrics `json:"database,omitempty"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WebSocketMetrics contains WebSocket connection statistics.
type WebSocketMetrics struct {
	ConnectedClients int `json:"connected_clients"`
}

// DeviceMetrics counts attached and remembered units.
type DeviceMetrics struct {
	Attached        int  `json:"attached"`
	Offline         int  `json:"offline"`
	QueryInProgress bool `json:"query_in_progress"`
}

// BackendMetrics mirrors the workbench state machine.
type BackendMetrics struct {
	State string `json:"state"`
	Error string `json:"error"`
}

// DatabaseMetrics contains connection pool statistics.
type DatabaseMetrics struct {
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.version,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		Devices: DeviceMetrics{
			Attached:        len(s.devices.Devices()),
			Offline:         len(s.devices.OfflineDevices()),
			QueryInProgress: s.devices.IsQueryInProgress(),
		},
		Backend: BackendMetrics{
			State: s.backend.State().String(),
			Error: s.backend.ErrorType().String(),
		},
	}

	if s.hub != nil {
		metrics.WebSocket.ConnectedClients = s.hub.ClientCount()
	}
	if s.db != nil {
		stats := s.db.Stats()
		metrics.Database = &DatabaseMetrics{
			OpenConnections: stats.OpenConnections,
			InUse:           stats.InUse,
			Idle:            stats.Idle,
			WaitCount:       stats.WaitCount,
		}
	}

	writeJSON(w, http.StatusOK, metrics)
}
