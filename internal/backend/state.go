package backend

// State is the authoritative daemon state. The declaration order is a
// meaningful total order: InFlight is a range test over it, so values
// must not be reordered or renumbered.
type State int

const (
	// WaitingForDevices means no unit is attached.
	WaitingForDevices State = iota

	// ErrorOccurred parks the machine after any failure until
	// FinalizeOperation is called.
	ErrorOccurred

	// Ready means the current unit is usable and idle.
	Ready

	// ScreenStreaming is the remote-control mode. It is not counted as
	// an in-flight operation: losing the unit while mirroring is not
	// an interrupted write.
	ScreenStreaming

	// Operation states. Everything between ScreenStreaming and
	// Finished is in flight.
	CreatingBackup
	RestoringBackup
	FactoryResetting
	InstallingFirmware
	InstallingWirelessStack
	InstallingFUS
	UpdatingDevice
	RepairingDevice

	// Finished means the last operation completed successfully and
	// awaits FinalizeOperation.
	Finished
)

var stateNames = map[State]string{
	WaitingForDevices:       "waiting-for-devices",
	ErrorOccurred:           "error-occurred",
	Ready:                   "ready",
	ScreenStreaming:         "screen-streaming",
	CreatingBackup:          "creating-backup",
	RestoringBackup:         "restoring-backup",
	FactoryResetting:        "factory-resetting",
	InstallingFirmware:      "installing-firmware",
	InstallingWirelessStack: "installing-wireless-stack",
	InstallingFUS:           "installing-fus",
	UpdatingDevice:          "updating-device",
	RepairingDevice:         "repairing-device",
	Finished:                "finished",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "invalid"
}

// MarshalText renders the state name, so JSON payloads carry readable
// values instead of enum positions.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// InFlight reports whether an operation is running on the unit. The
// test is a range over the declaration order; ScreenStreaming and
// Finished themselves are excluded.
func (s State) InFlight() bool {
	return s > ScreenStreaming && s < Finished
}

// FirmwareUpdateState is the derived recommendation shown next to the
// update button. It is recomputed from its inputs on every read, never
// stored: device swaps and catalogue refreshes change the answer
// without any single combined event firing.
type FirmwareUpdateState string

const (
	UpdateStateUnknown    FirmwareUpdateState = "unknown"
	UpdateStateChecking   FirmwareUpdateState = "checking"
	UpdateStateError      FirmwareUpdateState = "error-occurred"
	UpdateStateCanRepair  FirmwareUpdateState = "can-repair"
	UpdateStateCanUpdate  FirmwareUpdateState = "can-update"
	UpdateStateCanInstall FirmwareUpdateState = "can-install"
	UpdateStateNoUpdates  FirmwareUpdateState = "no-updates"
)
