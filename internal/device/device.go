package device

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/fenneclabs/fennec-core/internal/update"
)

// Logger defines the logging interface used by the device layer.
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

// FirmwareAddress is where the main MCU image lives in flash.
const FirmwareAddress uint32 = 0x08000000

// inputTimeout bounds a single injected key event.
const inputTimeout = 2 * time.Second

// Device wraps one attached Fennec unit. It tracks the unit's mode and
// session flags, serialises long-running operations, and records the
// error kind of the last failure until FinalizeOperation clears it.
//
// All public methods are thread-safe. Notifications run synchronously
// on the goroutine that caused the change; once the device is closed no
// further notifications are delivered.
type Device struct {
	serial string
	link   Link
	logger Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	info      Info
	hasInfo   bool
	recovery  bool
	streaming bool
	busy      OperationKind // "" while idle
	progress  float64
	errKind   ErrorKind
	errText   string
	closed    bool

	stateObs     []func()
	streamingObs []func(bool)
	finishedObs  []func()
}

// NewDevice wraps a link for the unit with the given serial number and
// starts watching the link's lifecycle events.
func NewDevice(serial string, link Link) *Device {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Device{
		serial:   serial,
		link:     link,
		logger:   noopLogger{},
		ctx:      ctx,
		cancel:   cancel,
		recovery: link.Recovery(),
	}
	d.info.Serial = serial
	go d.watch()
	return d
}

// SetLogger sets the logger for the device.
func (d *Device) SetLogger(logger Logger) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logger = logger
}

// Serial returns the unit's serial number.
func (d *Device) Serial() string { return d.serial }

// Info returns the last identity block captured for the unit. Before
// the first successful query only the serial number is populated.
func (d *Device) Info() Info {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.info
}

// State returns a snapshot of the unit's current state.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return State{
		Recovery:  d.recovery,
		Streaming: d.streaming,
		Busy:      d.busy != "",
		Operation: d.busy,
		Progress:  d.progress,
		Error:     d.errKind,
		ErrorText: d.errText,
	}
}

// OnStateChanged registers fn to run after any state snapshot field
// changes. Observers cannot be removed; they stop firing when the
// device closes.
func (d *Device) OnStateChanged(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stateObs = append(d.stateObs, fn)
}

// OnStreamingChanged registers fn to run when the session readiness
// flag flips. Redundant transitions are suppressed.
func (d *Device) OnStreamingChanged(fn func(bool)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.streamingObs = append(d.streamingObs, fn)
}

// OnOperationFinished registers fn to run exactly once per completed
// operation, success or failure alike.
func (d *Device) OnOperationFinished(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.finishedObs = append(d.finishedObs, fn)
}

// watch consumes link lifecycle events until the link closes.
func (d *Device) watch() {
	for ev := range d.link.Events() {
		switch ev.Type {
		case LinkStreamingEnabled:
			d.setStreaming(true)
		case LinkStreamingDisabled:
			d.setStreaming(false)
		case LinkRecoveryEntered:
			d.setRecovery(true)
		case LinkRecoveryExited:
			d.setRecovery(false)
		case LinkStorageChanged:
			d.notifyState()
		}
	}
}

// CanRepair reports whether the unit could be restored to v. Only a
// recovery-mode unit with a matching DFU image in the catalogue
// qualifies: repairing means reflashing a unit whose firmware no
// longer boots.
func (d *Device) CanRepair(v update.VersionDescriptor) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || !d.recovery {
		return false
	}
	_, err := v.FileFor(update.FileTypeFirmwareDFU, d.info.Hardware.Target)
	return err == nil
}

// CanUpdate reports whether v is strictly newer than the firmware the
// unit runs now. Recovery-mode units cannot update; they repair.
func (d *Device) CanUpdate(v update.VersionDescriptor) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.recovery {
		return false
	}
	installed := d.info.Software.Version
	if installed == "" {
		return false
	}
	return update.Compare(v.Version, installed) > 0
}

// CanInstall reports whether v could be written even though it is not
// an upgrade: the unit reports no firmware version at all, or it runs
// a build from a different release channel than v. Requires a bundle
// artefact for the unit's hardware target.
func (d *Device) CanInstall(v update.VersionDescriptor) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.recovery {
		return false
	}
	if _, err := v.FileFor(update.FileTypeFirmwareBundle, d.info.Hardware.Target); err != nil {
		return false
	}
	if d.info.Software.Version == "" {
		return true
	}
	return d.info.Software.Branch != "" && d.info.Software.Branch != v.Channel
}

// Begin claims the device for one operation of the given kind. It
// returns ErrBusy while another operation holds the device and
// ErrClosed after detach. The caller must call Finish on the returned
// handle exactly once.
func (d *Device) Begin(kind OperationKind) (*Operation, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	if d.busy != "" {
		d.mu.Unlock()
		return nil, ErrBusy
	}
	d.busy = kind
	d.progress = 0
	obs := d.copyStateObs()
	d.mu.Unlock()

	d.logger.Info("device operation started", "serial", d.serial, "operation", string(kind))
	dispatch(obs)
	return &Operation{d: d, kind: kind}, nil
}

// CreateBackup asynchronously copies the unit's internal storage into
// destDir. The outcome arrives via the operation-finished notification.
func (d *Device) CreateBackup(destDir string) error {
	op, err := d.Begin(OpBackup)
	if err != nil {
		return err
	}
	go func() {
		op.Finish(op.Backup(d.ctx, destDir))
	}()
	return nil
}

// RestoreBackup asynchronously writes a previous backup from srcDir
// back onto the unit and reboots it.
func (d *Device) RestoreBackup(srcDir string) error {
	op, err := d.Begin(OpRestore)
	if err != nil {
		return err
	}
	go func() {
		op.Finish(d.runRestore(op, srcDir))
	}()
	return nil
}

func (d *Device) runRestore(op *Operation, srcDir string) error {
	if err := op.Restore(d.ctx, srcDir); err != nil {
		return err
	}
	return op.Reboot(d.ctx)
}

// FactoryReset asynchronously wipes the unit's internal storage.
func (d *Device) FactoryReset() error {
	op, err := d.Begin(OpFactoryReset)
	if err != nil {
		return err
	}
	go func() {
		op.Finish(op.FactoryReset(d.ctx))
	}()
	return nil
}

// InstallFirmware asynchronously flashes a main MCU image. The unit is
// switched into recovery for the write and booted back into firmware
// afterwards.
func (d *Device) InstallFirmware(path string) error {
	op, err := d.Begin(OpFirmwareInstall)
	if err != nil {
		return err
	}
	go func() {
		op.Finish(d.runFirmwareInstall(op, path))
	}()
	return nil
}

func (d *Device) runFirmwareInstall(op *Operation, path string) error {
	if !d.State().Recovery {
		if err := op.EnterRecovery(d.ctx); err != nil {
			return err
		}
	}
	if err := op.FlashFirmware(d.ctx, path, FirmwareAddress); err != nil {
		return err
	}
	return op.ExitRecovery(d.ctx)
}

// InstallRadioStack asynchronously flashes the wireless co-processor
// stack, entering and leaving recovery as needed.
func (d *Device) InstallRadioStack(path string) error {
	op, err := d.Begin(OpRadioInstall)
	if err != nil {
		return err
	}
	go func() {
		op.Finish(d.runRadioInstall(op, path))
	}()
	return nil
}

func (d *Device) runRadioInstall(op *Operation, path string) error {
	if !d.State().Recovery {
		if err := op.EnterRecovery(d.ctx); err != nil {
			return err
		}
	}
	if err := op.InstallRadioStack(d.ctx, path); err != nil {
		return err
	}
	return op.ExitRecovery(d.ctx)
}

// InstallFUS asynchronously flashes the co-processor's firmware upgrade
// service at the given flash address.
func (d *Device) InstallFUS(path string, address uint32) error {
	op, err := d.Begin(OpFUSInstall)
	if err != nil {
		return err
	}
	go func() {
		op.Finish(d.runFUSInstall(op, path, address))
	}()
	return nil
}

func (d *Device) runFUSInstall(op *Operation, path string, address uint32) error {
	if !d.State().Recovery {
		if err := op.EnterRecovery(d.ctx); err != nil {
			return err
		}
	}
	if err := op.InstallFUS(d.ctx, path, address); err != nil {
		return err
	}
	return op.ExitRecovery(d.ctx)
}

// SendInput injects a key event into the unit. Input is best-effort:
// when the unit is busy, in recovery, or its session is not ready the
// event is dropped without error, because a stale remote-control tap
// must never fail an unrelated operation.
func (d *Device) SendInput(ev InputEvent) {
	d.mu.Lock()
	ok := !d.closed && !d.recovery && d.busy == "" && d.streaming
	d.mu.Unlock()
	if !ok || !ev.Valid() {
		d.logger.Debug("input event dropped", "serial", d.serial, "key", string(ev.Key))
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(d.ctx, inputTimeout)
		defer cancel()
		if err := d.link.SendInput(ctx, ev); err != nil {
			d.logger.Debug("input event failed", "serial", d.serial, "key", string(ev.Key), "error", err)
		}
	}()
}

// StartScreenStream asks the unit to push screen frames.
func (d *Device) StartScreenStream(ctx context.Context) error {
	if err := d.requireIdle(); err != nil {
		return err
	}
	return WithKind(KindSerial, d.link.StartScreenStream(ctx))
}

// StopScreenStream stops frame delivery.
func (d *Device) StopScreenStream(ctx context.Context) error {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return WithKind(KindSerial, d.link.StopScreenStream(ctx))
}

// Frames exposes the unit's screen frame channel.
func (d *Device) Frames() <-chan Frame { return d.link.Frames() }

// ListDirectory lists one directory of the unit's filesystem.
func (d *Device) ListDirectory(ctx context.Context, path string) ([]FileInfo, error) {
	if err := d.requireIdle(); err != nil {
		return nil, err
	}
	entries, err := d.link.List(ctx, path)
	if err != nil {
		return nil, WithKind(KindSerial, err)
	}
	return entries, nil
}

// ReadFile streams a file from the unit into dst.
func (d *Device) ReadFile(ctx context.Context, path string, dst io.Writer) error {
	if err := d.requireIdle(); err != nil {
		return err
	}
	return WithKind(KindData, d.link.ReadFile(ctx, path, dst))
}

// WriteFile streams size bytes from src onto the unit.
func (d *Device) WriteFile(ctx context.Context, path string, src io.Reader, size int64) error {
	if err := d.requireIdle(); err != nil {
		return err
	}
	return WithKind(KindData, d.link.WriteFile(ctx, path, src, size))
}

// RemovePath deletes a file or, with recursive set, a directory tree.
func (d *Device) RemovePath(ctx context.Context, path string, recursive bool) error {
	if err := d.requireIdle(); err != nil {
		return err
	}
	return WithKind(KindSerial, d.link.Remove(ctx, path, recursive))
}

// Rename moves a file or directory within the unit's storage.
func (d *Device) Rename(ctx context.Context, oldPath, newPath string) error {
	if err := d.requireIdle(); err != nil {
		return err
	}
	return WithKind(KindSerial, d.link.Rename(ctx, oldPath, newPath))
}

// MakeDirectory creates a directory on the unit.
func (d *Device) MakeDirectory(ctx context.Context, path string) error {
	if err := d.requireIdle(); err != nil {
		return err
	}
	return WithKind(KindSerial, d.link.MakeDir(ctx, path))
}

// requireIdle rejects interactive access while the unit is closed, in
// recovery, or held by an operation.
func (d *Device) requireIdle() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case d.closed:
		return ErrClosed
	case d.busy != "":
		return ErrBusy
	case d.recovery:
		return ErrRecovery
	}
	return nil
}

// FinalizeOperation clears the recorded error and progress of the last
// operation. Mode and session flags are left untouched.
func (d *Device) FinalizeOperation() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	changed := d.errKind != KindNone || d.errText != "" || d.progress != 0
	d.errKind = KindNone
	d.errText = ""
	d.progress = 0
	obs := d.copyStateObs()
	d.mu.Unlock()
	if changed {
		dispatch(obs)
	}
}

// Close severs the unit. Pending operations are cancelled, the link is
// torn down, and no further notifications are delivered.
func (d *Device) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.cancel()
	d.link.Close() //nolint:errcheck // Best effort teardown
	d.logger.Info("device closed", "serial", d.serial)
}

// setInfo stores a freshly queried identity block.
func (d *Device) setInfo(info Info) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	if info.Serial == "" {
		info.Serial = d.serial
	}
	d.info = info
	d.hasInfo = true
	obs := d.copyStateObs()
	d.mu.Unlock()
	dispatch(obs)
}

// setError records a failure that happened outside an operation, such
// as the identity query on attach.
func (d *Device) setError(kind ErrorKind, text string) {
	d.mu.Lock()
	if d.closed || (d.errKind == kind && d.errText == text) {
		d.mu.Unlock()
		return
	}
	d.errKind = kind
	d.errText = text
	obs := d.copyStateObs()
	d.mu.Unlock()
	dispatch(obs)
}

func (d *Device) setStreaming(on bool) {
	d.mu.Lock()
	if d.closed || d.streaming == on {
		d.mu.Unlock()
		return
	}
	d.streaming = on
	obs := d.copyStateObs()
	strObs := make([]func(bool), len(d.streamingObs))
	copy(strObs, d.streamingObs)
	d.mu.Unlock()

	dispatch(obs)
	for _, fn := range strObs {
		fn(on)
	}
}

func (d *Device) setRecovery(on bool) {
	d.mu.Lock()
	if d.closed || d.recovery == on {
		d.mu.Unlock()
		return
	}
	d.recovery = on
	obs := d.copyStateObs()
	d.mu.Unlock()
	dispatch(obs)
}

// setProgress updates operation progress. Called from Operation.
func (d *Device) setProgress(pct float64) {
	d.mu.Lock()
	if d.closed || d.progress == pct {
		d.mu.Unlock()
		return
	}
	d.progress = pct
	obs := d.copyStateObs()
	d.mu.Unlock()
	dispatch(obs)
}

// notifyState fires the state observers without changing anything.
func (d *Device) notifyState() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	obs := d.copyStateObs()
	d.mu.Unlock()
	dispatch(obs)
}

// copyStateObs must be called with mu held.
func (d *Device) copyStateObs() []func() {
	obs := make([]func(), len(d.stateObs))
	copy(obs, d.stateObs)
	return obs
}

func dispatch(obs []func()) {
	for _, fn := range obs {
		fn()
	}
}
