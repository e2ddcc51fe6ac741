// Fennec Core - companion daemon for Fennec handheld devices
//
// fennecd is the host-side service that manages attached Fennec units:
// it watches for hot-plug events, fetches the firmware catalog, drives
// update/repair/backup workflows, journals operation history, and
// exposes everything over a REST + WebSocket API. Optional MQTT and
// InfluxDB integrations mirror daemon state onto a broker and record
// operation telemetry.
//
// For the API surface, see internal/api. For the state machine that
// drives operations, see internal/backend.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	_ "github.com/fenneclabs/fennec-core/migrations"

	"github.com/fenneclabs/fennec-core/internal/api"
	"github.com/fenneclabs/fennec-core/internal/auth"
	"github.com/fenneclabs/fennec-core/internal/backend"
	"github.com/fenneclabs/fennec-core/internal/bridge"
	"github.com/fenneclabs/fennec-core/internal/device"
	"github.com/fenneclabs/fennec-core/internal/filebrowser"
	"github.com/fenneclabs/fennec-core/internal/history"
	"github.com/fenneclabs/fennec-core/internal/infrastructure/config"
	"github.com/fenneclabs/fennec-core/internal/infrastructure/database"
	"github.com/fenneclabs/fennec-core/internal/infrastructure/influxdb"
	"github.com/fenneclabs/fennec-core/internal/infrastructure/logging"
	"github.com/fenneclabs/fennec-core/internal/infrastructure/mqtt"
	"github.com/fenneclabs/fennec-core/internal/sim"
	"github.com/fenneclabs/fennec-core/internal/update"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	configFlag := flag.String("config", "", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version information and exit")
	hashPassword := flag.String("hash-password", "", "print the bcrypt hash for the given password and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("fennecd %s (commit %s, built %s)\n", version, commit, date)
		return
	}

	// Helper for provisioning security.auth.password_hash without
	// reaching for an external bcrypt tool.
	if *hashPassword != "" {
		hash, err := auth.HashPassword(*hashPassword)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	// Cancel on interrupt signals (Ctrl+C, SIGTERM) for graceful
	// shutdown.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configFlag); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for
// testability. Returning an error allows main to handle exit codes
// consistently. Deferred teardown runs in reverse of construction
// order, so dependents close before their dependencies.
func run(ctx context.Context, configFlag string) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Fennec Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath(configFlag)
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath, "site", cfg.Site.Name)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	// Run migrations
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	historyRepo := history.NewSQLiteRepository(db.DB)

	// Firmware catalog registry. Checks run on the registry's own
	// goroutine once the supervisor starts it below.
	updates := update.NewRegistry(cfg.Updates, log)
	log.Info("update registry initialised",
		"url", cfg.Updates.URL,
		"channel", cfg.Updates.Channel,
	)

	// Device source. The hardware transport lives outside this
	// repository, so a daemon without the simulator has nothing to
	// enumerate.
	if !cfg.Device.Simulator.Enabled {
		return fmt.Errorf("no device transport available: enable device.simulator")
	}
	source := sim.NewSource(sim.Options{
		Serial:         cfg.Device.Simulator.Serial,
		OperationDelay: cfg.GetOperationDelay(),
	})
	defer func() {
		log.Info("closing device source")
		source.Close()
	}()
	log.Info("device simulator enabled", "serial", cfg.Device.Simulator.Serial)

	// Device registry consumes hot-plug events from the source.
	registry := device.NewRegistry(source)
	registry.SetLogger(log)
	if cfg.Device.QueryTimeout > 0 {
		registry.SetQueryTimeout(cfg.GetQueryTimeout())
	}

	// Daemon state machine.
	b := backend.New(registry, updates, log, backend.Options{
		DownloadDir: cfg.Updates.DownloadDir,
		BackupDir:   cfg.Backups.Dir,
	})

	// Operation journal follows backend transitions into SQLite.
	recorder := history.NewRecorder(historyRepo, b)
	recorder.SetLogger(log)

	// File browser follows the current unit.
	browser := filebrowser.New()
	browser.SetLogger(log)
	b.OnCurrentDeviceChanged(func() {
		if d := b.CurrentDevice(); d != nil {
			browser.Bind(d)
		} else {
			browser.Bind(nil)
		}
	})

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		// Operation durations ride on the journal recorder; device
		// samples follow backend transitions.
		recorder.SetMetrics(influxClient)
		wireDeviceTelemetry(b, influxClient)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Connect to MQTT broker and start the bridge (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log)
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		// The bridge owns the client's connect and disconnect
		// callbacks; main must not install its own.
		mqttBridge, bridgeErr := bridge.New(bridge.Options{
			Backend: b,
			Updates: updates,
			Client:  mqttClient,
			Config:  cfg.MQTT,
			Logger:  log,
		})
		if bridgeErr != nil {
			return fmt.Errorf("building MQTT bridge: %w", bridgeErr)
		}
		if startErr := mqttBridge.Start(); startErr != nil {
			return fmt.Errorf("starting MQTT bridge: %w", startErr)
		}
		defer func() {
			log.Info("stopping MQTT bridge")
			mqttBridge.Stop()
		}()
	} else {
		log.Info("MQTT bridge disabled")
	}

	// REST + WebSocket API server.
	server, err := api.New(api.Deps{
		Config:   cfg.API,
		WS:       cfg.WebSocket,
		Security: cfg.Security,
		Logger:   log,
		Backend:  b,
		Devices:  registry,
		Updates:  updates,
		Browser:  browser,
		History:  historyRepo,
		DB:       db,
		Version:  version,
	})
	if err != nil {
		return fmt.Errorf("building API server: %w", err)
	}
	if startErr := server.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	// Supervise the long-running component loops. A fatal error in any
	// of them cancels the rest through the group context.
	g, gctx := errgroup.WithContext(ctx)
	recorder.Start(gctx)
	g.Go(func() error { return registry.Run(gctx) })
	g.Go(func() error { return updates.Run(gctx) })
	g.Go(func() error { return b.Run(gctx) })

	// Verify all connections are healthy, then probe our own listener
	// end to end.
	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if err := apiSelfCheck(ctx, cfg.API); err != nil {
		return fmt.Errorf("API self check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	// Block until a component fails or the shutdown signal cancels the
	// group context.
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("component failure: %w", err)
	}

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls will run in reverse order:
	// 1. API server
	// 2. MQTT bridge, then MQTT client (if enabled)
	// 3. InfluxDB (if enabled)
	// 4. Device source
	// 5. Database

	log.Info("Fennec Core stopped")
	return nil
}

// getConfigPath returns the configuration file path. Precedence:
// --config flag, FENNEC_CONFIG environment variable, built-in default.
func getConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if path := os.Getenv("FENNEC_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies the infrastructure connections. The MQTT and
// InfluxDB clients may be nil when the integration is disabled.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}

// apiSelfCheck issues a GET against the daemon's own health endpoint.
// The listener starts asynchronously, so the first attempts may land
// before the socket is bound; retry briefly before giving up.
func apiSelfCheck(ctx context.Context, cfg config.APIConfig) error {
	host := cfg.Host
	if host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}

	scheme := "http"
	client := &http.Client{Timeout: 2 * time.Second}
	if cfg.TLS.Enabled {
		scheme = "https"
		// Loopback probe against our own listener; the certificate is
		// not verified.
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, // #nosec G402
		}
	}
	url := fmt.Sprintf("%s://%s:%d/api/v1/system/health", scheme, host, cfg.Port)

	var lastErr error
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if reqErr != nil {
			return reqErr
		}
		resp, doErr := client.Do(req)
		if doErr == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
			lastErr = fmt.Errorf("unexpected status %d", resp.StatusCode)
		} else {
			lastErr = doErr
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return fmt.Errorf("%s: %w", url, lastErr)
}

// wireDeviceTelemetry emits a device sample whenever the daemon state
// or the current unit changes. Values are read fresh on every
// callback, so reattached units never need re-wiring.
func wireDeviceTelemetry(b *backend.Backend, sink *influxdb.Client) {
	sample := func() {
		d := b.CurrentDevice()
		if d == nil {
			return
		}
		info := d.Info()
		st := d.State()
		sink.WriteDeviceSample(info.Serial, info.Battery.Percent, info.Storage.IntFree, st.Streaming)
	}
	b.OnCurrentDeviceChanged(sample)
	b.OnStateChanged(func(backend.State) { sample() })
}
