package backend

import "github.com/fenneclabs/fennec-core/internal/device"

// eventType tags a collaborator notification queued for the loop.
type eventType int

const (
	evCurrentDeviceChanged eventType = iota
	evDeviceStateChanged
	evStreamingChanged
	evOperationFinished
	evRegistryError
	evQueryChanged
	evUpdatesChanged
	evHelperFinished
)

// event is one queued notification. dev records which unit emitted a
// device-scoped event; reactions compare it against the registry's
// current unit when the event is finally handled, because the world may
// have moved on while it sat in the queue.
type event struct {
	typ       eventType
	dev       *device.Device
	streaming bool
	querying  bool
}

// command is an action funnelled onto the loop goroutine. The reply
// channel carries the action's result back to the caller.
type command struct {
	fn    func() error
	reply chan error
}
