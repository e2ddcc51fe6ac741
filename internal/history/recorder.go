package history

import (
	"context"
	"sync"
	"time"

	"github.com/fenneclabs/fennec-core/internal/backend"
	"github.com/fenneclabs/fennec-core/internal/device"
)

// Logger defines the logging interface used by the recorder.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Backend is the slice of the daemon state machine the recorder
// watches. *backend.Backend implements it.
type Backend interface {
	OnStateChanged(fn func(backend.State))
	CurrentDevice() *device.Device
	ErrorType() device.ErrorKind
}

// MetricsSink receives one sample per closed journal row. The InfluxDB
// client implements it; nil disables telemetry.
type MetricsSink interface {
	WriteOperation(kind, outcome, serial string, duration time.Duration)
}

// operationKinds names the journal kind for each in-flight state.
var operationKinds = map[backend.State]device.OperationKind{
	backend.CreatingBackup:          device.OpBackup,
	backend.RestoringBackup:         device.OpRestore,
	backend.FactoryResetting:        device.OpFactoryReset,
	backend.InstallingFirmware:      device.OpFirmwareInstall,
	backend.InstallingWirelessStack: device.OpRadioInstall,
	backend.InstallingFUS:           device.OpFUSInstall,
	backend.UpdatingDevice:          device.OpUpdate,
	backend.RepairingDevice:         device.OpRepair,
}

// OperationKind returns the journal kind for an in-flight daemon state,
// or the empty kind for states outside any operation. Other surfaces
// reporting operations, like the MQTT bridge, use it so their
// vocabulary matches the journal's.
func OperationKind(s backend.State) device.OperationKind {
	return operationKinds[s]
}

// Recorder journals backend operations: a row opens when the daemon
// enters an in-flight state and closes on the terminal outcome. An
// error outside any operation, like an enumeration failure in standby,
// is not an operation and is not journaled.
type Recorder struct {
	repo    Repository
	backend Backend
	logger  Logger
	metrics MetricsSink
	ctx     context.Context

	mu         sync.Mutex
	openID     string
	openKind   string
	openSerial string
	openStart  time.Time
}

// NewRecorder wires a recorder to its journal and daemon. Call Start
// to begin observing.
func NewRecorder(repo Repository, b Backend) *Recorder {
	return &Recorder{repo: repo, backend: b, logger: noopLogger{}}
}

// SetLogger sets the logger for the recorder.
func (r *Recorder) SetLogger(logger Logger) {
	r.logger = logger
}

// SetMetrics attaches a telemetry sink that receives one operation
// sample per closed row. Call before Start.
func (r *Recorder) SetMetrics(sink MetricsSink) {
	r.metrics = sink
}

// Start subscribes the recorder to daemon state transitions. Journal
// writes use ctx and fail quietly once it is cancelled.
func (r *Recorder) Start(ctx context.Context) {
	r.ctx = ctx
	r.backend.OnStateChanged(r.observe)
}

func (r *Recorder) observe(s backend.State) {
	switch {
	case s.InFlight():
		r.openRow(s)
	case s == backend.Finished:
		r.closeRow(Closure{Outcome: OutcomeSuccess, FinishedAt: time.Now().UTC()})
	case s == backend.ErrorOccurred:
		r.closeRow(r.errorClosure())
	}
}

func (r *Recorder) openRow(s backend.State) {
	rec := &Record{
		Kind:      string(operationKinds[s]),
		StartedAt: time.Now().UTC(),
	}
	if d := r.backend.CurrentDevice(); d != nil {
		rec.DeviceSerial = d.Serial()
		rec.Version = d.Info().Software.Version
	}

	if err := r.repo.Open(r.ctx, rec); err != nil {
		r.logger.Error("journal open failed", "kind", rec.Kind, "error", err)
		return
	}

	r.mu.Lock()
	r.openID = rec.ID
	r.openKind = rec.Kind
	r.openSerial = rec.DeviceSerial
	r.openStart = rec.StartedAt
	r.mu.Unlock()
	r.logger.Debug("journal row opened", "id", rec.ID, "kind", rec.Kind)
}

func (r *Recorder) closeRow(c Closure) {
	r.mu.Lock()
	id := r.openID
	kind := r.openKind
	serial := r.openSerial
	start := r.openStart
	r.openID = ""
	r.mu.Unlock()
	if id == "" {
		return
	}

	// Telemetry and the journal are independent sinks; one failing must
	// not starve the other.
	if r.metrics != nil {
		r.metrics.WriteOperation(kind, c.Outcome, serial, c.FinishedAt.Sub(start))
	}

	if err := r.repo.Close(r.ctx, id, c); err != nil {
		r.logger.Error("journal close failed", "id", id, "error", err)
		return
	}
	r.logger.Debug("journal row closed", "id", id, "outcome", c.Outcome)
}

func (r *Recorder) errorClosure() Closure {
	c := Closure{
		Outcome:    OutcomeError,
		ErrorKind:  r.backend.ErrorType().String(),
		FinishedAt: time.Now().UTC(),
	}
	if d := r.backend.CurrentDevice(); d != nil {
		c.ErrorMessage = d.State().ErrorText
	}
	return c
}
