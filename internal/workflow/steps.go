package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fenneclabs/fennec-core/internal/device"
	"github.com/fenneclabs/fennec-core/internal/update"
)

// assetsPath is where the fetched asset pack is parked on the unit.
// Firmware unpacks it on first boot after an update.
const assetsPath = "/int/.update-assets"

// step is one phase of a workflow chain. failKind is the error kind a
// failure of this step surfaces as; the zero kind keeps whatever kind
// the step's own error already carries.
type step struct {
	name     string
	failKind device.ErrorKind
	fn       func(ctx context.Context) error
}

func (h *Helper) stepFetchUpdateArtefacts(ctx context.Context) error {
	if err := h.fetch(ctx, update.FileTypeFirmwareDFU, true); err != nil {
		return err
	}
	if err := h.fetch(ctx, update.FileTypeRadioStack, false); err != nil {
		return err
	}
	return h.fetch(ctx, update.FileTypeAssets, false)
}

func (h *Helper) stepFetchRepairArtefacts(ctx context.Context) error {
	return h.fetch(ctx, update.FileTypeFirmwareDFU, true)
}

// fetch stages one artefact from the catalogue. Optional artefacts a
// release simply does not publish are skipped without error.
func (h *Helper) fetch(ctx context.Context, fileType string, required bool) error {
	fd, err := h.version.FileFor(fileType, h.dev.Info().Hardware.Target)
	if err != nil {
		if !required && errors.Is(err, update.ErrNoFile) {
			h.logger.Debug("artefact not published, skipping",
				"type", fileType, "version", h.version.Version)
			return nil
		}
		return fmt.Errorf("resolving %s: %w", fileType, err)
	}

	path, err := h.updates.Fetch(ctx, fd, h.opts.DownloadDir)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", fileType, err)
	}
	h.artefacts[fileType] = path
	return nil
}

func (h *Helper) stepSaveBackup(ctx context.Context) error {
	dir := h.stagingDir()
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return device.WithKind(device.KindBackup, err)
	}
	return h.op.Backup(ctx, dir)
}

func (h *Helper) stepEnterRecovery(ctx context.Context) error {
	if h.dev.State().Recovery {
		return nil
	}
	return h.op.EnterRecovery(ctx)
}

func (h *Helper) stepInstallRadio(ctx context.Context) error {
	path, ok := h.artefacts[update.FileTypeRadioStack]
	if !ok {
		return nil
	}
	return h.op.InstallRadioStack(ctx, path)
}

func (h *Helper) stepFlashFirmware(ctx context.Context) error {
	path, ok := h.artefacts[update.FileTypeFirmwareDFU]
	if !ok {
		return errors.New("no firmware image staged")
	}
	return h.op.FlashFirmware(ctx, path, device.FirmwareAddress)
}

func (h *Helper) stepExitRecovery(ctx context.Context) error {
	return h.op.ExitRecovery(ctx)
}

func (h *Helper) stepInstallAssets(ctx context.Context) error {
	path, ok := h.artefacts[update.FileTypeAssets]
	if !ok {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close() //nolint:errcheck // Read-only file

	st, err := f.Stat()
	if err != nil {
		return err
	}
	return h.op.WriteFile(ctx, assetsPath, f, st.Size())
}

func (h *Helper) stepRestoreBackup(ctx context.Context) error {
	return h.op.Restore(ctx, h.stagingDir())
}

func (h *Helper) stepRestart(ctx context.Context) error {
	return h.op.Reboot(ctx)
}

// stagingDir is where the pre-update backup lives. It doubles as a
// regular backup should the update go wrong.
func (h *Helper) stagingDir() string {
	return filepath.Join(h.opts.BackupDir, h.dev.Serial(), "pre-update")
}
