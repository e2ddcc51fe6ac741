package backend

import (
	"context"
	"sync"

	"github.com/fenneclabs/fennec-core/internal/device"
	"github.com/fenneclabs/fennec-core/internal/infrastructure/logging"
	"github.com/fenneclabs/fennec-core/internal/update"
	"github.com/fenneclabs/fennec-core/internal/workflow"
)

// eventBuffer sizes the notification queue. Collaborators never block
// on a full queue; overflow is dropped with a warning, which only
// happens if the loop has stalled.
const eventBuffer = 128

// Options carries the directories workflows stage artefacts in.
type Options struct {
	// DownloadDir receives fetched firmware artefacts.
	DownloadDir string

	// BackupDir receives the safety backup taken before an update.
	BackupDir string
}

// Backend owns the daemon state machine. It subscribes to the device
// and update registries at construction and reacts to their
// notifications on the Run loop, one at a time.
type Backend struct {
	registry *device.Registry
	updates  *update.Registry
	logger   *logging.Logger
	opts     Options

	events chan event
	cmds   chan command
	done   chan struct{}
	runCtx context.Context

	mu       sync.Mutex
	state    State
	errKind  device.ErrorKind
	lastFW   FirmwareUpdateState
	awaiting bool             // ready-wait armed, completed by a streaming notification
	helper   *workflow.Helper // owned for the duration of one main action
	seen     map[*device.Device]bool

	stateObs   []func(State)
	errObs     []func(device.ErrorKind)
	currentObs []func()
	fwObs      []func(FirmwareUpdateState)
	queryObs   []func(bool)
}

// New wires a backend to its collaborators. Run must be started before
// actions are invoked.
func New(registry *device.Registry, updates *update.Registry, logger *logging.Logger, opts Options) *Backend {
	b := &Backend{
		registry: registry,
		updates:  updates,
		logger:   logger,
		opts:     opts,
		events:   make(chan event, eventBuffer),
		cmds:     make(chan command),
		done:     make(chan struct{}),
		state:    WaitingForDevices,
		lastFW:   UpdateStateUnknown,
		seen:     make(map[*device.Device]bool),
	}

	registry.OnCurrentChanged(func() {
		b.push(event{typ: evCurrentDeviceChanged})
	})
	registry.OnQueryChanged(func(on bool) {
		b.push(event{typ: evQueryChanged, querying: on})
	})
	registry.OnErrorChanged(func() {
		b.push(event{typ: evRegistryError})
	})
	updates.OnChanged(func() {
		b.push(event{typ: evUpdatesChanged})
	})

	return b
}

// Run processes notifications and actions until ctx is cancelled. All
// state transitions happen on this goroutine.
func (b *Backend) Run(ctx context.Context) error {
	b.runCtx = ctx
	b.logger.Info("backend started", "state", b.State().String())
	defer close(b.done)

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("backend stopping")
			return nil
		case cmd := <-b.cmds:
			cmd.reply <- cmd.fn()
		case ev := <-b.events:
			b.handle(ev)
		}
	}
}

func (b *Backend) push(ev event) {
	select {
	case b.events <- ev:
	default:
		b.logger.Warn("backend event dropped", "type", int(ev.typ))
	}
}

// do runs fn on the loop goroutine and returns its result. This keeps
// actions and reactions strictly interleaved: fn sees a quiescent state
// machine and its transitions are published before do returns.
func (b *Backend) do(fn func() error) error {
	reply := make(chan error, 1)
	select {
	case b.cmds <- command{fn: fn, reply: reply}:
	case <-b.done:
		return ErrStopped
	}
	select {
	case err := <-reply:
		return err
	case <-b.done:
		return ErrStopped
	}
}

// State returns the current daemon state.
func (b *Backend) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ErrorType returns the kind recorded with the last ErrorOccurred
// transition, or the zero kind.
func (b *Backend) ErrorType() device.ErrorKind {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.errKind
}

// CurrentDevice returns the unit actions operate on, nil when none.
func (b *Backend) CurrentDevice() *device.Device {
	return b.registry.Current()
}

// IsQueryInProgress reports whether the registry is identifying a
// freshly attached unit.
func (b *Backend) IsQueryInProgress() bool {
	return b.registry.IsQueryInProgress()
}

// WorkflowStep names the step the running main-action workflow is in,
// empty when none is active.
func (b *Backend) WorkflowStep() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.helper == nil {
		return ""
	}
	return b.helper.Step()
}

// FirmwareUpdateState derives the update recommendation for the current
// unit. The value is computed fresh on every call from device presence,
// catalogue status, and the unit's capability checks.
func (b *Backend) FirmwareUpdateState() FirmwareUpdateState {
	d := b.registry.Current()
	if d == nil {
		return UpdateStateUnknown
	}
	switch b.updates.State() {
	case update.StateUnknown:
		return UpdateStateUnknown
	case update.StateChecking:
		return UpdateStateChecking
	case update.StateError:
		return UpdateStateError
	}
	latest, err := b.updates.LatestVersion()
	if err != nil {
		return UpdateStateUnknown
	}
	switch {
	case d.CanRepair(latest):
		return UpdateStateCanRepair
	case d.CanUpdate(latest):
		return UpdateStateCanUpdate
	case d.CanInstall(latest):
		return UpdateStateCanInstall
	}
	return UpdateStateNoUpdates
}

// OnStateChanged registers fn for daemon state transitions.
func (b *Backend) OnStateChanged(fn func(State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stateObs = append(b.stateObs, fn)
}

// OnErrorTypeChanged registers fn for error kind changes.
func (b *Backend) OnErrorTypeChanged(fn func(device.ErrorKind)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errObs = append(b.errObs, fn)
}

// OnCurrentDeviceChanged registers fn for current unit changes.
func (b *Backend) OnCurrentDeviceChanged(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.currentObs = append(b.currentObs, fn)
}

// OnFirmwareUpdateStateChanged registers fn for recommendation changes.
func (b *Backend) OnFirmwareUpdateStateChanged(fn func(FirmwareUpdateState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fwObs = append(b.fwObs, fn)
}

// OnQueryChanged registers fn for identity-query busy transitions.
func (b *Backend) OnQueryChanged(fn func(bool)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queryObs = append(b.queryObs, fn)
}

// MainAction runs the workflow matching the unit's mode: repair for a
// recovery-mode unit, full update otherwise. The outcome arrives
// through the unit's operation-finished notification like any other
// operation.
func (b *Backend) MainAction() error {
	return b.do(func() error {
		d := b.registry.Current()
		if d == nil {
			return ErrNoDevice
		}

		var h *workflow.Helper
		var next State
		if d.State().Recovery {
			h = workflow.NewRepair(d, b.updates, b.workflowOptions())
			next = RepairingDevice
		} else {
			h = workflow.NewUpdate(d, b.updates, b.workflowOptions())
			next = UpdatingDevice
		}
		h.SetLogger(b.logger)
		h.OnFinished(func() {
			b.push(event{typ: evHelperFinished})
		})
		if err := h.Start(b.runCtx); err != nil {
			return err
		}
		b.helperSet(h)
		b.setState(next)
		return nil
	})
}

// CreateBackup snapshots the unit's internal storage into destDir.
func (b *Backend) CreateBackup(destDir string) error {
	return b.do(func() error {
		d := b.registry.Current()
		if d == nil {
			return ErrNoDevice
		}
		if err := d.CreateBackup(destDir); err != nil {
			return err
		}
		b.setState(CreatingBackup)
		return nil
	})
}

// RestoreBackup writes a previous backup from srcDir onto the unit.
func (b *Backend) RestoreBackup(srcDir string) error {
	return b.do(func() error {
		d := b.registry.Current()
		if d == nil {
			return ErrNoDevice
		}
		if err := d.RestoreBackup(srcDir); err != nil {
			return err
		}
		b.setState(RestoringBackup)
		return nil
	})
}

// FactoryReset wipes the unit's internal storage.
func (b *Backend) FactoryReset() error {
	return b.do(func() error {
		d := b.registry.Current()
		if d == nil {
			return ErrNoDevice
		}
		if err := d.FactoryReset(); err != nil {
			return err
		}
		b.setState(FactoryResetting)
		return nil
	})
}

// InstallFirmware flashes a main MCU image from a local file.
func (b *Backend) InstallFirmware(path string) error {
	return b.do(func() error {
		d := b.registry.Current()
		if d == nil {
			return ErrNoDevice
		}
		if err := d.InstallFirmware(path); err != nil {
			return err
		}
		b.setState(InstallingFirmware)
		return nil
	})
}

// InstallWirelessStack flashes the wireless co-processor stack from a
// local file.
func (b *Backend) InstallWirelessStack(path string) error {
	return b.do(func() error {
		d := b.registry.Current()
		if d == nil {
			return ErrNoDevice
		}
		if err := d.InstallRadioStack(path); err != nil {
			return err
		}
		b.setState(InstallingWirelessStack)
		return nil
	})
}

// InstallFUS flashes the co-processor's firmware upgrade service at an
// explicit flash address.
func (b *Backend) InstallFUS(path string, address uint32) error {
	return b.do(func() error {
		d := b.registry.Current()
		if d == nil {
			return ErrNoDevice
		}
		if err := d.InstallFUS(path, address); err != nil {
			return err
		}
		b.setState(InstallingFUS)
		return nil
	})
}

// StartFullScreenStreaming switches the daemon into remote-control
// mode. This is a pure mode switch: frame delivery is negotiated by
// whoever consumes the screen endpoint, not here.
func (b *Backend) StartFullScreenStreaming() error {
	return b.do(func() error {
		if b.State() != Ready {
			return ErrNotReady
		}
		b.setState(ScreenStreaming)
		return nil
	})
}

// StopFullScreenStreaming leaves remote-control mode.
func (b *Backend) StopFullScreenStreaming() error {
	return b.do(func() error {
		if b.State() != ScreenStreaming {
			return ErrNotReady
		}
		b.setState(Ready)
		return nil
	})
}

// SendInputEvent forwards a key event to the current unit. With no
// unit attached the event is dropped without error: a remote-control
// tap racing a disconnect is noise, not a fault worth surfacing.
func (b *Backend) SendInputEvent(ev device.InputEvent) {
	if d := b.registry.Current(); d != nil {
		d.SendInput(ev)
	}
}

// CheckFirmwareUpdates asks the update registry for a catalogue
// refresh. The result lands as an updates-changed notification.
func (b *Backend) CheckFirmwareUpdates() {
	b.updates.Check()
}

// FinalizeOperation acknowledges a Finished or ErrorOccurred outcome:
// clears the recorded error kind, resets diagnostics, and re-evaluates
// device presence from scratch. Refused while an operation is in
// flight.
func (b *Backend) FinalizeOperation() error {
	return b.do(func() error {
		if b.State().InFlight() {
			return ErrNotReady
		}

		b.helperSet(nil)
		b.registry.ClearError()
		b.logger.ResetErrorCount()
		b.setErrorKind(device.KindNone)

		d := b.registry.Current()
		if d == nil {
			b.setAwaiting(false)
			b.setState(WaitingForDevices)
			return nil
		}
		d.FinalizeOperation()
		b.awaitReady(d)
		return nil
	})
}

// handle dispatches one queued notification. Runs on the loop.
func (b *Backend) handle(ev event) {
	switch ev.typ {
	case evCurrentDeviceChanged:
		b.handleCurrentDeviceChanged()
	case evDeviceStateChanged:
		b.handleDeviceStateChanged(ev.dev)
	case evStreamingChanged:
		b.handleStreamingChanged(ev.dev, ev.streaming)
	case evOperationFinished:
		b.handleOperationFinished(ev.dev)
	case evRegistryError:
		b.handleRegistryError()
	case evQueryChanged:
		b.notifyQuery(ev.querying)
	case evUpdatesChanged:
		b.publishFirmwareUpdateState()
	case evHelperFinished:
		b.helperSet(nil)
	}
}

// handleCurrentDeviceChanged reacts to the unit under the daemon
// changing identity: a fresh attach, a swap, or a disconnect.
func (b *Backend) handleCurrentDeviceChanged() {
	d := b.registry.Current()

	switch {
	case b.State().InFlight():
		// The unit vanished or was swapped mid-operation. The old unit
		// is gone; there is nothing to clean up on it.
		b.setAwaiting(false)
		b.setErrorKind(device.KindUnknown)
		b.setState(ErrorOccurred)
		if d != nil {
			b.subscribe(d)
		}
	case d != nil:
		b.subscribe(d)
		b.awaitReady(d)
	default:
		b.setAwaiting(false)
		b.setState(WaitingForDevices)
	}

	b.notifyCurrent()
	b.publishFirmwareUpdateState()
}

// awaitReady moves to Ready once the unit confirms it is usable. A
// recovery-mode unit and a unit with a completed session handshake are
// usable now; anything else arms the wait completed by the streaming
// notification.
func (b *Backend) awaitReady(d *device.Device) {
	if d.State().Usable() {
		b.setAwaiting(false)
		b.setState(Ready)
		return
	}
	b.setAwaiting(true)
}

func (b *Backend) handleStreamingChanged(src *device.Device, on bool) {
	if src != b.registry.Current() {
		return
	}
	if b.isAwaiting() && on {
		b.setAwaiting(false)
		b.setState(Ready)
	}
}

func (b *Backend) handleDeviceStateChanged(src *device.Device) {
	d := b.registry.Current()
	if src != d || d == nil {
		return
	}

	// A unit that errors while we wait for its handshake will never
	// become usable; park in the error state instead of waiting
	// forever.
	if st := d.State(); b.isAwaiting() && st.Errored() && !st.Busy {
		b.setAwaiting(false)
		b.setErrorKind(st.Error)
		b.setState(ErrorOccurred)
	}

	b.publishFirmwareUpdateState()
}

// handleOperationFinished reacts to the unit reporting the end of an
// operation, successful or not.
func (b *Backend) handleOperationFinished(src *device.Device) {
	d := b.registry.Current()
	if d == nil {
		// The unit disappeared between finishing and this reaction.
		b.setErrorKind(device.KindUnknown)
		b.setState(ErrorOccurred)
		return
	}
	if src != d {
		return
	}

	if st := d.State(); st.Errored() {
		b.setErrorKind(st.Error)
		b.setState(ErrorOccurred)
	} else {
		b.setState(Finished)
	}
	b.publishFirmwareUpdateState()
}

// handleRegistryError surfaces enumeration failures, but only while
// idle with no unit: mid-operation the registry error is unrelated to
// the work and the interesting failure will arrive on its own.
func (b *Backend) handleRegistryError() {
	err := b.registry.LastError()
	if err == nil {
		return
	}
	if b.State() != WaitingForDevices {
		b.logger.Debug("registry error ignored outside standby", "error", err)
		return
	}
	b.setErrorKind(device.KindOf(err))
	b.setState(ErrorOccurred)
}

// subscribe hooks the backend to a unit's notifications once.
func (b *Backend) subscribe(d *device.Device) {
	b.mu.Lock()
	if b.seen[d] {
		b.mu.Unlock()
		return
	}
	b.seen[d] = true
	b.mu.Unlock()

	d.OnStateChanged(func() {
		b.push(event{typ: evDeviceStateChanged, dev: d})
	})
	d.OnStreamingChanged(func(on bool) {
		b.push(event{typ: evStreamingChanged, dev: d, streaming: on})
	})
	d.OnOperationFinished(func() {
		b.push(event{typ: evOperationFinished, dev: d})
	})
}

func (b *Backend) workflowOptions() workflow.Options {
	return workflow.Options{
		DownloadDir: b.opts.DownloadDir,
		BackupDir:   b.opts.BackupDir,
	}
}

// setState publishes a transition. Redundant assignments are no-ops:
// no notification fires and nothing is logged.
func (b *Backend) setState(s State) {
	b.mu.Lock()
	if b.state == s {
		b.mu.Unlock()
		return
	}
	old := b.state
	b.state = s
	obs := make([]func(State), len(b.stateObs))
	copy(obs, b.stateObs)
	b.mu.Unlock()

	b.logger.Info("backend state changed", "from", old.String(), "to", s.String())
	for _, fn := range obs {
		fn(s)
	}
}

func (b *Backend) setErrorKind(k device.ErrorKind) {
	b.mu.Lock()
	if b.errKind == k {
		b.mu.Unlock()
		return
	}
	b.errKind = k
	obs := make([]func(device.ErrorKind), len(b.errObs))
	copy(obs, b.errObs)
	b.mu.Unlock()

	for _, fn := range obs {
		fn(k)
	}
}

// publishFirmwareUpdateState re-derives the recommendation and notifies
// observers when it moved.
func (b *Backend) publishFirmwareUpdateState() {
	fw := b.FirmwareUpdateState()

	b.mu.Lock()
	if b.lastFW == fw {
		b.mu.Unlock()
		return
	}
	b.lastFW = fw
	obs := make([]func(FirmwareUpdateState), len(b.fwObs))
	copy(obs, b.fwObs)
	b.mu.Unlock()

	for _, fn := range obs {
		fn(fw)
	}
}

func (b *Backend) notifyCurrent() {
	b.mu.Lock()
	obs := make([]func(), len(b.currentObs))
	copy(obs, b.currentObs)
	b.mu.Unlock()

	for _, fn := range obs {
		fn()
	}
}

func (b *Backend) notifyQuery(on bool) {
	b.mu.Lock()
	obs := make([]func(bool), len(b.queryObs))
	copy(obs, b.queryObs)
	b.mu.Unlock()

	for _, fn := range obs {
		fn(on)
	}
}

func (b *Backend) isAwaiting() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.awaiting
}

func (b *Backend) setAwaiting(on bool) {
	b.mu.Lock()
	b.awaiting = on
	b.mu.Unlock()
}

func (b *Backend) helperSet(h *workflow.Helper) {
	b.mu.Lock()
	b.helper = h
	b.mu.Unlock()
}
