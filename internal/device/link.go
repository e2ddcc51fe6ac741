package device

import (
	"context"
	"io"
)

// ProgressFunc receives completion percentages (0..100) from transfer
// steps. Implementations must not block.
type ProgressFunc func(pct float64)

// Link is the transport contract a Device drives. A link either speaks
// the serial protocol of a unit running normal firmware or the DFU
// protocol of a unit in recovery mode; implementations expose both
// behind one interface and return ErrNotRecovery / ErrRecovery for
// steps that do not apply to the current mode.
//
// All methods are synchronous. Long transfers must honour ctx
// cancellation. A Link is owned by exactly one Device and is closed
// when the unit detaches.
type Link interface {
	// Info queries the unit's identity block.
	Info(ctx context.Context) (Info, error)

	// Recovery reports whether the link currently speaks DFU.
	Recovery() bool

	// EnterRecovery reboots the unit into its DFU loader, ExitRecovery
	// boots it back into firmware. Both re-handshake the link in place;
	// the unit keeps its serial number across the switch.
	EnterRecovery(ctx context.Context) error
	ExitRecovery(ctx context.Context) error

	// Reboot restarts the unit without changing boot mode.
	Reboot(ctx context.Context) error

	// SetBootMode selects the image the main MCU starts next boot.
	SetBootMode(ctx context.Context, mode BootMode) error

	// FlashFirmware writes a firmware image at the given flash address.
	// Recovery mode only.
	FlashFirmware(ctx context.Context, path string, address uint32, progress ProgressFunc) error

	// InstallRadioStack flashes the wireless co-processor stack.
	// Recovery mode only.
	InstallRadioStack(ctx context.Context, path string, progress ProgressFunc) error

	// InstallFUS flashes the co-processor's firmware upgrade service at
	// the given address. Recovery mode only.
	InstallFUS(ctx context.Context, path string, address uint32, progress ProgressFunc) error

	// CorrectOptionBytes applies the option byte template and resets
	// the unit. Recovery mode only.
	CorrectOptionBytes(ctx context.Context, path string) error

	// Filesystem access. Normal mode only. Paths are rooted at the
	// storage mounts, e.g. "/int/apps" or "/ext/backup".
	List(ctx context.Context, path string) ([]FileInfo, error)
	ReadFile(ctx context.Context, path string, dst io.Writer) error
	WriteFile(ctx context.Context, path string, src io.Reader, size int64) error
	Remove(ctx context.Context, path string, recursive bool) error
	Rename(ctx context.Context, oldPath, newPath string) error
	MakeDir(ctx context.Context, path string) error

	// Backup streams the unit's internal storage into destDir; Restore
	// writes a previous backup back. FactoryReset wipes internal
	// storage and reboots. Normal mode only.
	Backup(ctx context.Context, destDir string, progress ProgressFunc) error
	Restore(ctx context.Context, srcDir string, progress ProgressFunc) error
	FactoryReset(ctx context.Context) error

	// Screen mirroring. StartScreenStream makes the unit push frames
	// into the channel returned by Frames until StopScreenStream.
	StartScreenStream(ctx context.Context) error
	StopScreenStream(ctx context.Context) error
	Frames() <-chan Frame

	// SendInput injects a key event.
	SendInput(ctx context.Context, ev InputEvent) error

	// Events delivers link lifecycle notifications. The channel closes
	// when the link closes.
	Events() <-chan LinkEvent

	// Close tears the transport down and closes the event and frame
	// channels.
	Close() error
}

// LinkEventType enumerates link lifecycle notifications.
type LinkEventType string

const (
	// LinkStreamingEnabled fires when the unit's session has finished
	// its readiness handshake and screen frames may be requested.
	LinkStreamingEnabled  LinkEventType = "streaming-enabled"
	LinkStreamingDisabled LinkEventType = "streaming-disabled"

	// LinkRecoveryEntered / LinkRecoveryExited fire when the unit's
	// boot mode flips underneath the link.
	LinkRecoveryEntered LinkEventType = "recovery-entered"
	LinkRecoveryExited  LinkEventType = "recovery-exited"

	// LinkStorageChanged fires when the removable card is inserted or
	// ejected.
	LinkStorageChanged LinkEventType = "storage-changed"
)

// LinkEvent is one lifecycle notification from a Link.
type LinkEvent struct {
	Type LinkEventType
}

// AttachEventType enumerates hot-plug notifications from a Source.
type AttachEventType int

const (
	// Attached reports a newly enumerated unit. Link is set.
	Attached AttachEventType = iota

	// Detached reports a unit that disappeared. Only Serial is set.
	Detached

	// SourceError reports an enumeration failure. Only Err is set.
	SourceError
)

// AttachEvent is one hot-plug notification.
type AttachEvent struct {
	Type   AttachEventType
	Serial string
	Link   Link
	Err    error
}

// Source watches for unit arrivals and departures.
type Source interface {
	// Events delivers hot-plug notifications. The channel closes when
	// the source shuts down.
	Events() <-chan AttachEvent

	// Rescan asks the source to re-enumerate immediately. Results
	// arrive as regular events.
	Rescan()
}
