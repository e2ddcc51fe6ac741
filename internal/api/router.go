package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RealIP)
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// Login issues the session token, so it cannot itself require one.
	r.Post("/auth/login", s.handleLogin)

	// WebSocket ticket requires a valid session when auth is enabled.
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/auth/ws-ticket", s.handleWSTicket)
	})

	// WebSocket endpoint authenticates via single-use ticket, validated
	// in the handler itself.
	wsPath := s.wsCfg.Path
	if wsPath == "" {
		wsPath = "/ws"
	}
	r.Get(wsPath, s.handleWebSocket)

	r.Route("/api/v1", func(r chi.Router) {
		// Health and metrics stay open for monitoring and the daemon's
		// own startup self-check.
		r.Get("/system/health", s.handleHealth)
		r.Get("/system/metrics", s.handleMetrics)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Get("/state", s.handleState)
			r.Get("/device", s.handleDevice)

			r.Route("/devices", func(r chi.Router) {
				r.Get("/", s.handleListDevices)
				r.Post("/rescan", s.handleRescan)
				r.Get("/offline", s.handleOfflineDevices)
				r.Delete("/offline", s.handleForgetOfflineDevices)
			})

			r.Route("/actions", func(r chi.Router) {
				r.Post("/main", s.handleMainAction)
				r.Post("/backup", s.handleBackup)
				r.Post("/restore", s.handleRestore)
				r.Post("/factory-reset", s.handleFactoryReset)
				r.Post("/install-firmware", s.handleInstallFirmware)
				r.Post("/install-wireless-stack", s.handleInstallWirelessStack)
				r.Post("/install-fus", s.handleInstallFUS)
				r.Post("/finalize", s.handleFinalize)
				r.Post("/check-updates", s.handleCheckUpdates)
			})

			r.Route("/streaming", func(r chi.Router) {
				r.Post("/start", s.handleStreamingStart)
				r.Post("/stop", s.handleStreamingStop)
				r.Post("/input", s.handleStreamingInput)
			})

			r.Route("/updates", func(r chi.Router) {
				r.Get("/", s.handleUpdates)
				r.Get("/latest", s.handleLatestUpdate)
			})

			r.Get("/history", s.handleHistory)

			r.Route("/files", func(r chi.Router) {
				r.Get("/", s.handleListFiles)
				r.Get("/download", s.handleDownloadFile)
				r.Post("/upload", s.handleUploadFile)
				r.Post("/mkdir", s.handleMakeDirectory)
				r.Post("/rename", s.handleRenameFile)
				r.Post("/remove", s.handleRemoveFile)
			})
		})
	})

	return r
}
