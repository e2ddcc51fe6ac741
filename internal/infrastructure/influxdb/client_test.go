package influxdb_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fenneclabs/fennec-core/internal/infrastructure/config"
	"github.com/fenneclabs/fennec-core/internal/infrastructure/influxdb"
)

// testConfig returns a configuration for a local dev InfluxDB.
func testConfig() config.InfluxDBConfig {
	return config.InfluxDBConfig{
		Enabled:       true,
		URL:           "http://127.0.0.1:8086",
		Token:         "fennec-dev-token",
		Org:           "fennec",
		Bucket:        "telemetry",
		BatchSize:     100,
		FlushInterval: 1, // 1 second for faster test feedback
	}
}

// connectOrSkip connects to the local dev InfluxDB, skipping the test
// when no server is reachable. Everything below the probe runs without
// one.
func connectOrSkip(t *testing.T) *influxdb.Client {
	t.Helper()
	client, err := influxdb.Connect(testConfig())
	if err != nil {
		t.Skipf("InfluxDB not available, skipping: %v", err)
	}
	return client
}

// =============================================================================
// Connection Tests
// =============================================================================

func TestConnect_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false

	_, err := influxdb.Connect(cfg)
	if err == nil {
		t.Fatal("Connect() should return error when disabled")
	}
	if !errors.Is(err, influxdb.ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	cfg := testConfig()
	cfg.URL = "http://127.0.0.1:59999" // Nothing listens here

	_, err := influxdb.Connect(cfg)
	if err == nil {
		t.Fatal("Connect() should return error for unreachable server")
	}
	if !errors.Is(err, influxdb.ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestClose_Unconnected(t *testing.T) {
	client := &influxdb.Client{}
	if err := client.Close(); err != nil {
		t.Errorf("Close() on unconnected client error = %v, want nil", err)
	}
}

// =============================================================================
// Health Check Tests
// =============================================================================

func TestHealthCheck_Disconnected(t *testing.T) {
	client := &influxdb.Client{}

	err := client.HealthCheck(context.Background())
	if !errors.Is(err, influxdb.ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}
}

// =============================================================================
// Write Tests
// =============================================================================

func TestWrite_DisconnectedIsNoop(t *testing.T) {
	client := &influxdb.Client{}

	// None of these may panic or block on an unconnected client.
	client.WriteOperation("backup", "success", "FNX-0042", time.Second)
	client.WriteDeviceSample("FNX-0042", 83, 1<<20, false)
	client.WritePoint("daemon_stats", map[string]string{"host": "test"},
		map[string]interface{}{"goroutines": 1})
	client.Flush()
}

// =============================================================================
// Live Server Tests (skipped unless a dev InfluxDB is reachable)
// =============================================================================

func TestConnect_Live(t *testing.T) {
	client := connectOrSkip(t)
	defer client.Close()

	if !client.IsConnected() {
		t.Error("IsConnected() = false after Connect()")
	}
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

func TestWriteOperation_Live(t *testing.T) {
	client := connectOrSkip(t)
	defer client.Close()

	var mu sync.Mutex
	var writeErrs []error
	client.SetOnError(func(err error) {
		mu.Lock()
		writeErrs = append(writeErrs, err)
		mu.Unlock()
	})

	client.WriteOperation("backup", "success", "FNX-0042", 3200*time.Millisecond)
	client.WriteOperation("firmware-update", "error", "", 0)
	client.WriteDeviceSample("FNX-0042", 83, 14*1024*1024, true)
	client.Flush()

	mu.Lock()
	defer mu.Unlock()
	if len(writeErrs) != 0 {
		t.Errorf("async write errors = %v, want none", writeErrs)
	}
}
