package workflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/fenneclabs/fennec-core/internal/device"
	"github.com/fenneclabs/fennec-core/internal/update"
)

// Logger defines the logging interface used by workflows.
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

// Options carries the staging directories a workflow works in.
type Options struct {
	// DownloadDir receives fetched firmware artefacts.
	DownloadDir string

	// BackupDir holds the safety backup taken before the update
	// touches the unit.
	BackupDir string
}

// Helper drives one workflow run against one unit. Create it with
// NewUpdate or NewRepair, register an OnFinished observer, then call
// Start once.
type Helper struct {
	kind    device.OperationKind
	dev     *device.Device
	updates *update.Registry
	opts    Options
	logger  Logger

	plan    []step
	machine *machine
	op      *device.Operation
	version update.VersionDescriptor

	// artefacts maps catalogue file types to fetched local paths.
	artefacts map[string]string

	mu          sync.Mutex
	finishedObs []func()
	notified    bool
}

// NewUpdate builds the full update workflow: back the unit up, reflash
// firmware and the radio stack through recovery, push assets, restore
// the backup, and restart. Backup handling and recovery entry keep
// their own error kinds so a failure says whether the user's data
// survived; every other step failure surfaces as a plain operation
// error, fetch failures as data errors.
func NewUpdate(dev *device.Device, updates *update.Registry, opts Options) *Helper {
	h := newHelper(device.OpUpdate, dev, updates, opts)
	h.plan = []step{
		{name: StepFetchingFirmware, failKind: device.KindData, fn: h.stepFetchUpdateArtefacts},
		{name: StepSavingBackup, fn: h.stepSaveBackup},
		{name: StepStartingRecovery, fn: h.stepEnterRecovery},
		{name: StepInstallingRadio, failKind: device.KindOperation, fn: h.stepInstallRadio},
		{name: StepFlashingFirmware, failKind: device.KindOperation, fn: h.stepFlashFirmware},
		{name: StepExitingRecovery, failKind: device.KindOperation, fn: h.stepExitRecovery},
		{name: StepInstallingAssets, failKind: device.KindOperation, fn: h.stepInstallAssets},
		{name: StepRestoringBackup, fn: h.stepRestoreBackup},
		{name: StepRestartingDevice, failKind: device.KindOperation, fn: h.stepRestart},
	}
	h.machine = newMachine(h.plan, h.logStep)
	return h
}

// NewRepair builds the repair workflow for a unit sitting in recovery:
// fetch the matching image, flash it, boot back into firmware. No
// backup is possible; the filesystem is unreachable from recovery.
// Flash and boot failures keep the recovery kinds the operation layer
// tags them with, fetch failures surface as data errors.
func NewRepair(dev *device.Device, updates *update.Registry, opts Options) *Helper {
	h := newHelper(device.OpRepair, dev, updates, opts)
	h.plan = []step{
		{name: StepFetchingFirmware, failKind: device.KindData, fn: h.stepFetchRepairArtefacts},
		{name: StepFlashingFirmware, fn: h.stepFlashFirmware},
		{name: StepExitingRecovery, fn: h.stepExitRecovery},
	}
	h.machine = newMachine(h.plan, h.logStep)
	return h
}

func newHelper(kind device.OperationKind, dev *device.Device, updates *update.Registry, opts Options) *Helper {
	return &Helper{
		kind:      kind,
		dev:       dev,
		updates:   updates,
		opts:      opts,
		logger:    noopLogger{},
		artefacts: make(map[string]string),
	}
}

// SetLogger sets the logger for the workflow.
func (h *Helper) SetLogger(logger Logger) {
	h.logger = logger
}

// Kind returns the operation kind this workflow runs as.
func (h *Helper) Kind() device.OperationKind { return h.kind }

// Step names the phase currently in progress.
func (h *Helper) Step() string { return h.machine.Current() }

// OnFinished registers fn to run exactly once when the workflow ends,
// after the device operation slot has been released.
func (h *Helper) OnFinished(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.finishedObs = append(h.finishedObs, fn)
}

// Start resolves the target version and claims the unit, then runs the
// step chain on a background goroutine. Errors returned here mean
// nothing was started: the catalogue is not ready, or the unit is busy
// or gone.
func (h *Helper) Start(ctx context.Context) error {
	version, err := h.updates.LatestVersion()
	if err != nil {
		return err
	}
	h.version = version

	op, err := h.dev.Begin(h.kind)
	if err != nil {
		return err
	}
	h.op = op

	h.logger.Info("workflow started",
		"operation", string(h.kind),
		"serial", h.dev.Serial(),
		"version", version.Version)
	go h.run(ctx)
	return nil
}

func (h *Helper) run(ctx context.Context) {
	defer h.notifyFinished()

	for _, s := range h.plan {
		if err := h.machine.Advance(ctx); err != nil {
			h.finish(ctx, fmt.Errorf("workflow sequencing: %w", err))
			return
		}
		if err := s.fn(ctx); err != nil {
			if s.failKind != device.KindNone {
				err = &device.KindError{Kind: s.failKind, Err: err}
			}
			h.finish(ctx, fmt.Errorf("%s: %w", s.name, err))
			return
		}
	}

	if err := h.machine.Succeed(ctx); err != nil {
		h.finish(ctx, fmt.Errorf("workflow sequencing: %w", err))
		return
	}
	h.op.Finish(nil)
	h.logger.Info("workflow finished", "operation", string(h.kind), "serial", h.dev.Serial())
}

func (h *Helper) finish(ctx context.Context, err error) {
	step := h.machine.Current()
	h.machine.Fail(ctx)
	h.op.Finish(err)
	h.logger.Error("workflow failed",
		"operation", string(h.kind),
		"serial", h.dev.Serial(),
		"step", step,
		"error", err)
}

func (h *Helper) notifyFinished() {
	h.mu.Lock()
	if h.notified {
		h.mu.Unlock()
		return
	}
	h.notified = true
	obs := make([]func(), len(h.finishedObs))
	copy(obs, h.finishedObs)
	h.mu.Unlock()

	for _, fn := range obs {
		fn()
	}
}

func (h *Helper) logStep(stepName string) {
	h.logger.Info("workflow step", "operation", string(h.kind), "step", stepName)
}
