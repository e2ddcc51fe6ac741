package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteOperation records one finished device operation.
//
// The write is non-blocking; points are batched and sent asynchronously.
// Calls on a disconnected client are silently dropped, which keeps the
// operation paths free of telemetry failure modes.
//
// Parameters:
//   - kind: operation kind as journaled (e.g. "backup", "firmware-update")
//   - outcome: "success" or "error"
//   - serial: device serial, empty when the unit vanished mid-operation
//   - duration: wall-clock time the operation took
//
// Example:
//
//	client.WriteOperation("backup", "success", "FNX-0042", 3200*time.Millisecond)
func (c *Client) WriteOperation(kind, outcome, serial string, duration time.Duration) {
	if !c.IsConnected() {
		return
	}

	tags := map[string]string{
		"kind":    kind,
		"outcome": outcome,
	}
	if serial != "" {
		tags["serial"] = serial
	}

	point := write.NewPoint(
		"operation",
		tags,
		map[string]interface{}{
			"duration_ms": duration.Milliseconds(),
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteDeviceSample records a telemetry sample for an attached unit.
//
// Samples are taken on device state notifications, so the series density
// follows actual activity rather than a fixed clock.
//
// Parameters:
//   - serial: device serial (tag)
//   - batteryPercent: charge level 0..100
//   - storageFreeBytes: free space on the internal filesystem
//   - streaming: whether a screen streaming session is active
func (c *Client) WriteDeviceSample(serial string, batteryPercent int, storageFreeBytes int64, streaming bool) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"device",
		map[string]string{
			"serial": serial,
		},
		map[string]interface{}{
			"battery_percent":    batteryPercent,
			"storage_free_bytes": storageFreeBytes,
			"streaming":          streaming,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for measurements that don't fit the helper methods.
//
// Example:
//
//	client.WritePoint("daemon_stats",
//	    map[string]string{"host": "bench-01"},
//	    map[string]interface{}{"goroutines": 42, "ws_clients": 3})
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}
