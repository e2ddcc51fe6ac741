package sim

import (
	"sync"

	"github.com/fenneclabs/fennec-core/internal/device"
)

// sourceBuffer sizes the hot-plug event queue. The registry drains it
// promptly; the buffer only absorbs a detach racing a rescan.
const sourceBuffer = 8

// Source announces the synthetic unit to a device registry. The unit
// attaches on the first Rescan and stays attached until Detach.
type Source struct {
	opts Options

	mu       sync.Mutex
	events   chan device.AttachEvent
	link     *Link
	attached bool
	closed   bool
}

// NewSource creates a hot-plug source for one synthetic unit.
func NewSource(opts Options) *Source {
	return &Source{
		opts:   opts.withDefaults(),
		events: make(chan device.AttachEvent, sourceBuffer),
	}
}

// Events delivers hot-plug notifications. The channel closes when the
// source shuts down.
func (s *Source) Events() <-chan device.AttachEvent { return s.events }

// Rescan attaches the synthetic unit if it is not already attached.
func (s *Source) Rescan() {
	s.mu.Lock()
	if s.closed || s.attached {
		s.mu.Unlock()
		return
	}
	l := NewLink(s.opts)
	s.link = l
	s.attached = true
	s.mu.Unlock()

	s.events <- device.AttachEvent{Type: device.Attached, Serial: s.opts.Serial, Link: l}
}

// Detach unplugs the synthetic unit. The next Rescan attaches a fresh
// one with pristine storage.
func (s *Source) Detach() {
	s.mu.Lock()
	if s.closed || !s.attached {
		s.mu.Unlock()
		return
	}
	s.attached = false
	s.link = nil
	s.mu.Unlock()

	s.events <- device.AttachEvent{Type: device.Detached, Serial: s.opts.Serial}
}

// Fail injects an enumeration failure, as produced by a flaky USB hub.
func (s *Source) Fail(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.events <- device.AttachEvent{Type: device.SourceError, Err: err}
}

// Link returns the attached unit's link for test instrumentation, nil
// while detached.
func (s *Source) Link() *Link {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link
}

// Close shuts the source down and closes the event channel.
func (s *Source) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.events)
}
