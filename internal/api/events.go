package api

import (
	"encoding/binary"

	"github.com/fenneclabs/fennec-core/internal/backend"
	"github.com/fenneclabs/fennec-core/internal/device"
)

// frameHeaderSize is the binary frame prefix: width, height, stride,
// and orientation as big-endian uint16 values, followed by raw pixel
// rows.
const frameHeaderSize = 8

// bridgeEvents subscribes the hub to the daemon's observers so every
// state change reaches WebSocket clients. Called once from Start.
func (s *Server) bridgeEvents() {
	s.backend.OnStateChanged(func(_ backend.State) {
		s.hub.Broadcast(ChannelBackendState, s.stateSnapshot())
	})

	s.backend.OnErrorTypeChanged(func(kind device.ErrorKind) {
		payload := map[string]string{"error": kind.String()}
		if d := s.backend.CurrentDevice(); d != nil {
			if text := d.State().ErrorText; text != "" {
				payload["message"] = text
			}
		}
		s.hub.Broadcast(ChannelBackendError, payload)
	})

	s.backend.OnCurrentDeviceChanged(func() {
		if d := s.backend.CurrentDevice(); d != nil {
			s.hub.Broadcast(ChannelDevice, s.deviceResponse(d))
		} else {
			s.hub.Broadcast(ChannelDevice, nil)
		}
		s.watchFrames()
	})

	s.backend.OnFirmwareUpdateStateChanged(func(state backend.FirmwareUpdateState) {
		s.hub.Broadcast(ChannelUpdates, s.updateStatePayload(state))
	})

	s.backend.OnQueryChanged(func(busy bool) {
		s.hub.Broadcast(ChannelRegistryBusy, map[string]bool{"busy": busy})
	})

	if s.updates != nil {
		s.updates.OnChanged(func() {
			s.hub.Broadcast(ChannelUpdates, s.updateStatePayload(s.backend.FirmwareUpdateState()))
		})
	}

	// A unit attached before the server started never fires the
	// observer above, so pick up its frames now.
	s.watchFrames()
}

func (s *Server) updateStatePayload(state backend.FirmwareUpdateState) map[string]any {
	payload := map[string]any{"state": state}
	if s.updates != nil {
		if v, err := s.updates.LatestVersion(); err == nil {
			payload["latest"] = v
		}
	}
	return payload
}

// watchFrames keeps exactly one frame relay running for the current
// device. The relay ends on its own when the device link closes.
func (s *Server) watchFrames() {
	d := s.backend.CurrentDevice()
	if d == nil {
		return
	}

	s.frameMu.Lock()
	defer s.frameMu.Unlock()
	if s.frameSerial == d.Serial() {
		return
	}
	s.frameSerial = d.Serial()
	go s.relayFrames(d)
}

func (s *Server) relayFrames(d *device.Device) {
	for f := range d.Frames() {
		s.hub.BroadcastBinary(ChannelFrames, encodeFrame(f))
	}

	s.frameMu.Lock()
	if s.frameSerial == d.Serial() {
		s.frameSerial = ""
	}
	s.frameMu.Unlock()
}

//nolint:gosec // screen dimensions fit in uint16
func encodeFrame(f device.Frame) []byte {
	buf := make([]byte, frameHeaderSize+len(f.Pixels))
	binary.BigEndian.PutUint16(buf[0:2], uint16(f.Width))
	binary.BigEndian.PutUint16(buf[2:4], uint16(f.Height))
	binary.BigEndian.PutUint16(buf[4:6], uint16(f.Stride))
	binary.BigEndian.PutUint16(buf[6:8], uint16(f.Orientation))
	copy(buf[frameHeaderSize:], f.Pixels)
	return buf
}
