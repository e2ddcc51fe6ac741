// Package device provides the device layer for fennecd: discovery of
// attached Fennec units, a per-device operation model, and the registry
// that tracks which unit is current.
//
// # Architecture
//
//	┌──────────────────────────────────────────────────────────────────┐
//	│                          Device Layer                            │
//	│                                                                  │
//	│  ┌────────────────┐    ┌────────────────┐    ┌────────────────┐  │
//	│  │    Registry    │    │     Device     │    │      Link      │  │
//	│  │ (registry.go)  │───▶│  (device.go)   │───▶│   (link.go)    │  │
//	│  │                │    │                │    │                │  │
//	│  │ • Hot-plug     │    │ • State flags  │    │ • Transport    │  │
//	│  │ • Current unit │    │ • Operations   │    │   contract     │  │
//	│  │ • Offline list │    │ • Progress     │    │ • Frames       │  │
//	│  └────────────────┘    └────────────────┘    └────────────────┘  │
//	│          ▲                                                       │
//	│          │ AttachEvent                                           │
//	│  ┌────────────────┐                                              │
//	│  │     Source     │  USB enumerator or simulator                 │
//	│  └────────────────┘                                              │
//	└──────────────────────────────────────────────────────────────────┘
//
// A Source watches for hardware arrivals and departures and reports them
// as AttachEvents. The Registry consumes those events, wraps each link in
// a Device, and elects the most recently attached unit as current. The
// orchestration layer never talks to a Link directly; it works through
// Device, which serialises long-running operations and records the error
// kind of whatever failed last.
//
// # Operations
//
// A Device runs at most one operation at a time. Top-level helpers such
// as CreateBackup or InstallFirmware acquire the operation slot, run the
// necessary link steps on a background goroutine, and release the slot
// exactly once, publishing an operation-finished notification whether
// the steps succeeded or not. Multi-step workflows acquire the same slot
// through Begin and drive the steps themselves.
//
// All notifications are delivered synchronously on the goroutine that
// caused them. Observers must return quickly; anything slow belongs on
// the observer's own goroutine.
package device
