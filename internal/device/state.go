package device

// State is a point-in-time snapshot of a Device. Snapshots are values;
// reading one never races with the device mutating underneath.
type State struct {
	// Recovery is true while the unit runs its DFU loader instead of
	// firmware.
	Recovery bool `json:"recovery"`

	// Streaming is true once the unit's session has completed its
	// readiness handshake. A normal-mode unit is not safe to operate
	// on until this flips true.
	Streaming bool `json:"streaming"`

	// Busy is true while an operation holds the device, with Operation
	// naming it and Progress tracking completion (0..100).
	Busy      bool          `json:"busy"`
	Operation OperationKind `json:"operation,omitempty"`
	Progress  float64       `json:"progress"`

	// Error and ErrorText describe the last failed operation. Both are
	// zero after FinalizeOperation.
	Error     ErrorKind `json:"error,omitempty"`
	ErrorText string    `json:"error_text,omitempty"`
}

// Errored reports whether the snapshot carries an error. The kind and
// the flag cannot disagree because the flag is derived.
func (s State) Errored() bool { return s.Error != KindNone }

// Usable reports whether the unit is ready to accept operations: either
// sitting in recovery or with its session handshake complete.
func (s State) Usable() bool { return s.Recovery || s.Streaming }
