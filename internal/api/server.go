// Package api provides the HTTP REST API and WebSocket server of the
// Fennec workbench daemon.
//
// It exposes the daemon state machine, the current device, firmware
// catalog state, the operation journal, and device storage browsing to
// user interfaces (desktop app, web UI, scripting clients). Real-time
// state changes and screen frames stream over a WebSocket hub.
//
// The server follows the same lifecycle pattern as the other
// infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple
// goroutines.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/fenneclabs/fennec-core/internal/backend"
	"github.com/fenneclabs/fennec-core/internal/device"
	"github.com/fenneclabs/fennec-core/internal/filebrowser"
	"github.com/fenneclabs/fennec-core/internal/history"
	"github.com/fenneclabs/fennec-core/internal/infrastructure/config"
	"github.com/fenneclabs/fennec-core/internal/infrastructure/database"
	"github.com/fenneclabs/fennec-core/internal/infrastructure/logging"
	"github.com/fenneclabs/fennec-core/internal/update"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight
// requests to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger
	Backend  *backend.Backend
	Devices  *device.Registry
	Updates  *update.Registry
	Browser  *filebrowser.Browser
	History  history.Repository
	DB       *database.DB // optional: enables pool stats in /system/metrics
	Version  string
}

// Server is the HTTP API server of the workbench daemon.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg     config.APIConfig
	wsCfg   config.WebSocketConfig
	secCfg  config.SecurityConfig
	logger  *logging.Logger
	backend *backend.Backend
	devices *device.Registry
	updates *update.Registry
	browser *filebrowser.Browser
	journal history.Repository
	db      *database.DB
	version string

	server    *http.Server
	hub       *Hub
	cancel    context.CancelFunc // cancels background goroutines on Close()
	startTime time.Time

	frameMu     sync.Mutex
	frameSerial string // serial of the device whose frames are being relayed
}

// New creates an API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if deps.Devices == nil {
		return nil, fmt.Errorf("device registry is required")
	}
	// Updates, Browser, History, and DB are optional: the routes backed
	// by a missing dependency report their absence instead of panicking.

	return &Server{
		cfg:     deps.Config,
		wsCfg:   deps.WS,
		secCfg:  deps.Security,
		logger:  deps.Logger,
		backend: deps.Backend,
		devices: deps.Devices,
		updates: deps.Updates,
		browser: deps.Browser,
		journal: deps.History,
		db:      deps.DB,
		version: deps.Version,
	}, nil
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub, bridges daemon observers onto it, and
// launches the HTTP listener in a background goroutine. The server is
// stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	// Internal context so Close() can stop background goroutines
	// independently of the parent context.
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	s.startTime = time.Now()

	s.hub = NewHub(s.wsCfg, s.logger)
	go s.hub.Run(srvCtx)

	// Periodic ticket cleanup, so abandoned login tickets do not pile up.
	go s.cleanTicketsLoop(srvCtx)

	// Relay daemon state changes and screen frames to WebSocket clients.
	s.bridgeEvents()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete, then
// forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
