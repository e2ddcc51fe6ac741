package device

import (
	"context"
	"io"
)

// Operation is the handle for one claimed device operation. Step
// methods drive the link and tag failures with the error kind natural
// to the step, so whoever reads the device state afterwards sees a
// meaningful category without inspecting the error chain.
//
// Steps are meant to run sequentially on one goroutine. Finish releases
// the device and fires the operation-finished notification exactly
// once; further calls are ignored.
type Operation struct {
	d    *Device
	kind OperationKind
	done bool
}

// Kind returns what this operation was begun as.
func (op *Operation) Kind() OperationKind { return op.kind }

// Progress reports step completion, 0..100.
func (op *Operation) Progress(pct float64) {
	op.d.setProgress(pct)
}

// progressFunc adapts Progress for link transfer callbacks.
func (op *Operation) progressFunc() ProgressFunc {
	return func(pct float64) { op.d.setProgress(pct) }
}

// RefreshInfo re-queries the unit's identity block, replacing the
// snapshot taken at attach.
func (op *Operation) RefreshInfo(ctx context.Context) error {
	info, err := op.d.link.Info(ctx)
	if err != nil {
		return WithKind(KindSerialAccess, err)
	}
	op.d.setInfo(info)
	return nil
}

// EnterRecovery reboots the unit into its DFU loader.
func (op *Operation) EnterRecovery(ctx context.Context) error {
	if err := op.d.link.EnterRecovery(ctx); err != nil {
		return WithKind(KindRecoveryAccess, err)
	}
	op.d.setRecovery(true)
	return nil
}

// ExitRecovery boots the unit back into firmware.
func (op *Operation) ExitRecovery(ctx context.Context) error {
	if err := op.d.link.ExitRecovery(ctx); err != nil {
		return WithKind(KindRecoveryAccess, err)
	}
	op.d.setRecovery(false)
	return nil
}

// SetBootMode selects the image the main MCU starts next boot.
func (op *Operation) SetBootMode(ctx context.Context, mode BootMode) error {
	return WithKind(KindRecoveryAccess, op.d.link.SetBootMode(ctx, mode))
}

// Reboot restarts the unit without changing boot mode.
func (op *Operation) Reboot(ctx context.Context) error {
	return WithKind(KindSerial, op.d.link.Reboot(ctx))
}

// FlashFirmware writes a main MCU image at the given flash address.
func (op *Operation) FlashFirmware(ctx context.Context, path string, address uint32) error {
	return WithKind(KindRecovery, op.d.link.FlashFirmware(ctx, path, address, op.progressFunc()))
}

// InstallRadioStack flashes the wireless co-processor stack.
func (op *Operation) InstallRadioStack(ctx context.Context, path string) error {
	return WithKind(KindRecovery, op.d.link.InstallRadioStack(ctx, path, op.progressFunc()))
}

// InstallFUS flashes the co-processor's firmware upgrade service.
func (op *Operation) InstallFUS(ctx context.Context, path string, address uint32) error {
	return WithKind(KindRecovery, op.d.link.InstallFUS(ctx, path, address, op.progressFunc()))
}

// CorrectOptionBytes applies the option byte template and resets the
// unit.
func (op *Operation) CorrectOptionBytes(ctx context.Context, path string) error {
	return WithKind(KindRecovery, op.d.link.CorrectOptionBytes(ctx, path))
}

// WriteFile pushes size bytes from src onto the unit's filesystem.
func (op *Operation) WriteFile(ctx context.Context, path string, src io.Reader, size int64) error {
	return WithKind(KindData, op.d.link.WriteFile(ctx, path, src, size))
}

// Backup streams internal storage into destDir.
func (op *Operation) Backup(ctx context.Context, destDir string) error {
	return WithKind(KindBackup, op.d.link.Backup(ctx, destDir, op.progressFunc()))
}

// Restore writes a previous backup from srcDir back onto the unit.
func (op *Operation) Restore(ctx context.Context, srcDir string) error {
	return WithKind(KindBackup, op.d.link.Restore(ctx, srcDir, op.progressFunc()))
}

// FactoryReset wipes internal storage.
func (op *Operation) FactoryReset(ctx context.Context) error {
	return WithKind(KindSerial, op.d.link.FactoryReset(ctx))
}

// Finish releases the device and publishes the outcome. On success the
// progress is pinned to 100; on failure the error kind and message are
// recorded on the device until FinalizeOperation. Only the first call
// has any effect.
func (op *Operation) Finish(err error) {
	d := op.d
	d.mu.Lock()
	if op.done {
		d.mu.Unlock()
		return
	}
	op.done = true
	d.busy = ""
	d.errKind = KindOf(err)
	if err != nil {
		d.errText = err.Error()
		d.progress = 0
	} else {
		d.errText = ""
		d.progress = 100
	}
	closed := d.closed
	stateObs := d.copyStateObs()
	finObs := make([]func(), len(d.finishedObs))
	copy(finObs, d.finishedObs)
	d.mu.Unlock()

	if err != nil {
		d.logger.Error("device operation failed",
			"serial", d.serial,
			"operation", string(op.kind),
			"kind", KindOf(err).String(),
			"error", err)
	} else {
		d.logger.Info("device operation finished", "serial", d.serial, "operation", string(op.kind))
	}

	if closed {
		return
	}
	dispatch(stateObs)
	dispatch(finObs)
}
