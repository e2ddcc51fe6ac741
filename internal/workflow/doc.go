// Package workflow implements the multi-step firmware workflows behind
// the daemon's main action: a full update for a unit running firmware,
// and a repair reflash for a unit stuck in recovery.
//
// A Helper is transient. It claims the device operation slot when
// started, walks its step chain on a background goroutine, and releases
// the slot exactly once through the operation handle, so the outcome
// surfaces through the device's usual operation-finished path. The
// orchestrator only learns "the helper is done" and drops its
// reference; it never inspects a result here.
//
// Step progression is tracked by a finite state machine, which both
// validates that steps only advance along the declared chain and gives
// observers a stable name for the phase in progress.
package workflow
