// Package sim provides a simulated Fennec unit for development and
// self-tests.
//
// The simulator implements device.Link and device.Source: one synthetic
// unit with an in-memory storage tree, deterministic operation timings,
// and hooks for failure injection. When enabled in the daemon config it
// attaches on the registry's first rescan, letting the full stack run
// with no hardware on the bench.
package sim

import "time"

// Default identity of the synthetic unit.
const (
	DefaultSerial  = "SIM0000001"
	DefaultVersion = "1.2.0"
	DefaultBranch  = "release"
)

// defaultOperationDelay is the simulated duration of one device
// operation when the options leave it unset.
const defaultOperationDelay = 50 * time.Millisecond

// Options configures the synthetic unit.
type Options struct {
	Serial  string
	Version string // installed firmware version reported in normal mode
	Branch  string // firmware branch reported in normal mode

	// Recovery starts the unit in recovery mode, simulating a bricked
	// unit waiting for a repair.
	Recovery bool

	// OperationDelay is the simulated duration of each device
	// operation: flashes, backups, mode switches.
	OperationDelay time.Duration

	// HandshakeDelay is how long the unit takes to complete its session
	// handshake after booting firmware. Zero means OperationDelay.
	HandshakeDelay time.Duration

	// FlashVersion is the firmware version the unit reports after a
	// successful firmware flash. Empty keeps the current version.
	FlashVersion string
}

func (o Options) withDefaults() Options {
	if o.Serial == "" {
		o.Serial = DefaultSerial
	}
	if o.Version == "" {
		o.Version = DefaultVersion
	}
	if o.Branch == "" {
		o.Branch = DefaultBranch
	}
	if o.OperationDelay <= 0 {
		o.OperationDelay = defaultOperationDelay
	}
	if o.HandshakeDelay <= 0 {
		o.HandshakeDelay = o.OperationDelay
	}
	return o
}
