package device

import "time"

// Info is the identity block a Fennec unit reports when queried. It is
// captured once when the unit attaches and refreshed after operations
// that change the installed software.
type Info struct {
	Serial   string       `json:"serial"`
	Name     string       `json:"name"`
	Hardware HardwareInfo `json:"hardware"`
	Software SoftwareInfo `json:"software"`
	Storage  StorageInfo  `json:"storage"`
	Battery  BatteryInfo  `json:"battery"`
	Screen   ScreenInfo   `json:"screen"`
}

// HardwareInfo describes the physical unit.
type HardwareInfo struct {
	// Target identifies the main MCU generation, e.g. "fn1". Firmware
	// artefacts in the update catalogue are keyed by this value.
	Target   string `json:"target"`
	Revision string `json:"revision"`
	Color    string `json:"color,omitempty"`
}

// SoftwareInfo describes the firmware currently installed on the unit.
// All fields may be empty when the unit is in recovery mode.
type SoftwareInfo struct {
	Version      string `json:"version"`
	Commit       string `json:"commit,omitempty"`
	Branch       string `json:"branch,omitempty"`
	BuildDate    string `json:"build_date,omitempty"`
	RadioVersion string `json:"radio_version,omitempty"`
	FUSVersion   string `json:"fus_version,omitempty"`
}

// BatteryInfo reports the charge state sampled during the identity
// query. A unit in recovery mode reports no battery telemetry, so all
// fields stay zero there.
type BatteryInfo struct {
	Percent  int  `json:"percent"`
	Charging bool `json:"charging"`
}

// StorageInfo reports capacity of the internal flash filesystem and the
// removable card, in bytes.
type StorageInfo struct {
	IntTotal   int64 `json:"int_total"`
	IntFree    int64 `json:"int_free"`
	ExtPresent bool  `json:"ext_present"`
	ExtTotal   int64 `json:"ext_total,omitempty"`
	ExtFree    int64 `json:"ext_free,omitempty"`
}

// ScreenInfo gives the display geometry used by screen mirroring.
type ScreenInfo struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// OperationKind names a long-running device operation. The same values
// appear in the operation journal and in API payloads.
type OperationKind string

const (
	OpBackup          OperationKind = "backup"
	OpRestore         OperationKind = "restore"
	OpFactoryReset    OperationKind = "factory-reset"
	OpFirmwareInstall OperationKind = "firmware-install"
	OpRadioInstall    OperationKind = "radio-install"
	OpFUSInstall      OperationKind = "fus-install"
	OpUpdate          OperationKind = "update"
	OpRepair          OperationKind = "repair"
)

// InputKey identifies a physical key on the unit.
type InputKey string

const (
	KeyUp    InputKey = "up"
	KeyDown  InputKey = "down"
	KeyLeft  InputKey = "left"
	KeyRight InputKey = "right"
	KeyOK    InputKey = "ok"
	KeyBack  InputKey = "back"
)

// InputType describes how a key was actuated.
type InputType string

const (
	InputPress   InputType = "press"
	InputRelease InputType = "release"
	InputShort   InputType = "short"
	InputLong    InputType = "long"
)

// InputEvent is a single injected key action, as sent by the remote
// control surface.
type InputEvent struct {
	Key  InputKey  `json:"key"`
	Type InputType `json:"type"`
}

// Valid reports whether both fields carry recognised values.
func (e InputEvent) Valid() bool {
	switch e.Key {
	case KeyUp, KeyDown, KeyLeft, KeyRight, KeyOK, KeyBack:
	default:
		return false
	}
	switch e.Type {
	case InputPress, InputRelease, InputShort, InputLong:
	default:
		return false
	}
	return true
}

// FileInfo describes one entry of the unit's filesystem as returned by
// directory listings.
type FileInfo struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	Dir     bool      `json:"dir"`
	ModTime time.Time `json:"mod_time,omitempty"`
}

// Frame is one screen snapshot pushed by the unit while mirroring is
// active. Pixels holds 1-bit packed rows, Stride bytes per row.
type Frame struct {
	Width       int
	Height      int
	Stride      int
	Orientation int // degrees clockwise: 0, 90, 180, 270
	Pixels      []byte
}

// BootMode selects which image the main MCU boots.
type BootMode string

const (
	BootNormal BootMode = "normal"
	BootDFU    BootMode = "dfu"
)
