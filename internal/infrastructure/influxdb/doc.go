// Package influxdb records daemon telemetry in InfluxDB.
//
// It wraps the official influxdb-client-go v2 library with the batching
// and error-handling discipline the daemon expects from its optional
// integrations: non-blocking writes, asynchronous error reporting, and
// a hard rule that telemetry failures never disturb device operations.
//
// # Measurements
//
// Two measurements cover the fleet-monitoring use case:
//
//   - operation: one point per finished device operation (backup,
//     restore, update, ...), tagged by kind, outcome and serial, with
//     the wall-clock duration as the field.
//   - device: periodic samples of an attached unit (battery, free
//     storage, streaming flag), tagged by serial.
//
// # Usage
//
//	cfg := config.InfluxDBConfig{
//	    URL:    "http://localhost:8086",
//	    Token:  "your-token",
//	    Org:    "fennec",
//	    Bucket: "telemetry",
//	}
//
//	client, err := influxdb.Connect(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.WriteOperation("backup", "success", "FNX-0042", 3*time.Second)
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// The underlying write API uses non-blocking batched writes.
//
// # Error Handling
//
// Write operations are non-blocking; batch errors are delivered through
// the SetOnError callback. Connection and health check errors are
// returned directly.
package influxdb
