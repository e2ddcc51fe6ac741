// Package backend is the orchestration core of fennecd. It owns the
// single authoritative daemon state, reacts to notifications from the
// device registry and the update registry, and exposes the imperative
// entry points the API layer calls.
//
// # Architecture
//
//	┌───────────────────────────────────────────────────────────────────┐
//	│                             Backend                               │
//	│                                                                   │
//	│   actions (API) ──┐                  ┌── device.Registry events   │
//	│                   ▼                  ▼                            │
//	│              ┌─────────────────────────────┐                      │
//	│              │        event loop (Run)     │◀── update.Registry   │
//	│              │  one reaction at a time,    │                      │
//	│              │  each runs to completion    │◀── workflow.Helper   │
//	│              └──────────────┬──────────────┘                      │
//	│                             ▼                                     │
//	│                    State + ErrorKind                              │
//	│          notifications: state, error kind, current                │
//	│          device, firmware update state, query flag                │
//	└───────────────────────────────────────────────────────────────────┘
//
// All state mutation happens on the Run goroutine. Collaborator
// callbacks only enqueue events; actions are funnelled through the same
// loop and block until their turn, so a caller observes the state
// transition its action caused before the call returns. This mirrors a
// queued-signal design: a notification fired while a reaction is being
// handled waits its turn instead of re-entering.
//
// # State machine
//
// The daemon state is an ordered enumeration. WaitingForDevices and
// Ready bracket normal standby; the operation states between
// ScreenStreaming and Finished mean work is in flight on the unit. The
// order is load-bearing: InFlight is a range test over it.
//
// Errors never resolve themselves. Any failure parks the machine in
// ErrorOccurred with an error kind, and only an explicit
// FinalizeOperation call moves on, clearing diagnostics and
// re-evaluating device presence from scratch.
package backend
