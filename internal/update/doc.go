// Package update tracks the firmware catalog published for Fennec devices.
//
// The catalog is a directory JSON document listing release channels, the
// versions published on each channel, and the downloadable files for each
// version. The Registry fetches this document over HTTP, validates it, and
// exposes the latest version for the configured channel together with a
// checking/ready/error status.
//
// The Registry never triggers device operations itself; consumers (the
// backend orchestrator and the update workflows) read the catalog and decide
// what to do with it. All state transitions are announced through observer
// callbacks so consumers can stay event-driven.
package update
