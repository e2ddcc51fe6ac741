// Package bridge mirrors daemon state onto an MQTT broker and accepts a
// small command set in return. It exists for headless installs: fleet
// dashboards subscribe to the retained snapshot topics instead of polling
// the REST API, and provisioning scripts trigger update checks over the
// same broker they already use for everything else.
//
// Topics (all JSON; snapshots retained, events one-shot):
//
//	<prefix>/state                      daemon state snapshot
//	<prefix>/device                     attached unit, or {} when none
//	<prefix>/updates                    firmware catalogue state
//	<prefix>/event/operation-finished   operation completion events
//	<prefix>/cmd/+                      inbound commands (check-updates, finalize)
//
// Presence on <prefix>/bridge/status is handled by the MQTT client
// itself via its online announcements and Last Will.
package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fenneclabs/fennec-core/internal/backend"
	"github.com/fenneclabs/fennec-core/internal/device"
	"github.com/fenneclabs/fennec-core/internal/history"
	"github.com/fenneclabs/fennec-core/internal/infrastructure/config"
	"github.com/fenneclabs/fennec-core/internal/infrastructure/logging"
	"github.com/fenneclabs/fennec-core/internal/infrastructure/mqtt"
	"github.com/fenneclabs/fennec-core/internal/update"
)

// Client is the slice of the MQTT client the bridge relies on.
// *mqtt.Client satisfies it; tests substitute a recording fake.
type Client interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	SetOnConnect(fn func())
	SetOnDisconnect(fn func(err error))
}

// Options configures a Bridge. Backend, Client and Logger are required;
// Updates may be nil when no firmware catalogue is configured.
type Options struct {
	Backend *backend.Backend
	Updates *update.Registry
	Client  Client
	Config  config.MQTTConfig
	Logger  *logging.Logger
}

// Bridge relays backend notifications to retained MQTT topics and
// dispatches inbound command messages to the backend.
//
// Thread Safety: observer callbacks arrive from backend goroutines and
// command handlers from the MQTT client's goroutines; all paths are safe
// for concurrent use.
type Bridge struct {
	backend *backend.Backend
	updates *update.Registry
	client  Client
	topics  mqtt.Topics
	qos     byte
	logger  *logging.Logger

	// lastOp names the operation in flight, in the journal's
	// vocabulary, for the completion event.
	opMu   sync.Mutex
	lastOp string

	done     chan struct{}
	stopOnce sync.Once
}

// statePayload mirrors the REST state snapshot so MQTT consumers and HTTP
// consumers agree on field names. Firmware catalogue details live on the
// updates topic.
type statePayload struct {
	State           backend.State               `json:"state"`
	Error           string                      `json:"error"`
	WorkflowStep    string                      `json:"workflow_step,omitempty"`
	UpdateState     backend.FirmwareUpdateState `json:"update_state"`
	QueryInProgress bool                        `json:"query_in_progress"`
	DevicePresent   bool                        `json:"device_present"`
}

// devicePayload mirrors the REST device snapshot.
type devicePayload struct {
	Serial     string       `json:"serial"`
	Info       device.Info  `json:"info"`
	State      device.State `json:"state"`
	CanRepair  bool         `json:"can_repair"`
	CanUpdate  bool         `json:"can_update"`
	CanInstall bool         `json:"can_install"`
}

// updatesPayload describes the firmware catalogue state.
type updatesPayload struct {
	State     update.State              `json:"state"`
	Channel   string                    `json:"channel"`
	LastError string                    `json:"last_error,omitempty"`
	Latest    *update.VersionDescriptor `json:"latest,omitempty"`
}

// eventPayload is the one-shot operation completion event. Operation is
// empty for errors raised outside any operation, such as an enumeration
// failure in standby.
type eventPayload struct {
	Operation string `json:"operation,omitempty"`
	Outcome   string `json:"outcome"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// New builds a Bridge. It does not touch the broker until Start.
func New(opts Options) (*Bridge, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("bridge: backend is required")
	}
	if opts.Client == nil {
		return nil, fmt.Errorf("bridge: mqtt client is required")
	}
	if opts.Logger == nil {
		return nil, fmt.Errorf("bridge: logger is required")
	}

	return &Bridge{
		backend: opts.Backend,
		updates: opts.Updates,
		client:  opts.Client,
		topics:  mqtt.Topics{Prefix: opts.Config.TopicPrefix},
		qos:     byte(opts.Config.QoS),
		logger:  opts.Logger.With("component", "bridge"),
		done:    make(chan struct{}),
	}, nil
}

// Start subscribes to the command topics, registers backend observers and
// publishes the initial snapshots. Observers stay registered for the
// daemon's lifetime; Stop only suppresses further publishes.
func (b *Bridge) Start() error {
	if err := b.client.Subscribe(b.topics.AllCommands(), b.qos, b.handleCommand); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}

	// Retained snapshots go stale while the broker is unreachable, so
	// refresh all of them on every reconnect.
	b.client.SetOnConnect(b.publishAll)
	b.client.SetOnDisconnect(func(err error) {
		b.logger.Warn("mqtt connection lost", "error", err)
	})

	b.backend.OnStateChanged(b.observeState)
	b.backend.OnErrorTypeChanged(func(device.ErrorKind) { b.publishState() })
	b.backend.OnQueryChanged(func(bool) { b.publishState() })
	b.backend.OnCurrentDeviceChanged(func() {
		b.publishDevice()
		b.publishState()
	})
	b.backend.OnFirmwareUpdateStateChanged(func(backend.FirmwareUpdateState) {
		b.publishState()
		b.publishUpdates()
	})

	b.publishAll()

	b.logger.Info("mqtt bridge started", "commands", b.topics.AllCommands())
	return nil
}

// Stop suppresses further publishes. The underlying MQTT client is owned
// by the caller and closed separately.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
		b.logger.Info("mqtt bridge stopped")
	})
}

// handleCommand dispatches an inbound command message. The command name
// is the last topic segment; payloads are currently ignored.
func (b *Bridge) handleCommand(topic string, _ []byte) error {
	parts := strings.Split(topic, "/")
	name := parts[len(parts)-1]

	b.logger.Info("mqtt command received", "command", name)

	switch name {
	case mqtt.CommandCheckUpdates:
		b.backend.CheckFirmwareUpdates()
		return nil
	case mqtt.CommandFinalize:
		if err := b.backend.FinalizeOperation(); err != nil {
			return fmt.Errorf("finalize: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unknown command %q", name)
	}
}

func (b *Bridge) publishAll() {
	b.publishState()
	b.publishDevice()
	b.publishUpdates()
}

// observeState refreshes the state snapshot and, on terminal
// transitions, emits the completion event. The error kind is already
// set when an ErrorOccurred notification arrives.
func (b *Bridge) observeState(s backend.State) {
	b.publishState()

	switch {
	case s.InFlight():
		b.opMu.Lock()
		b.lastOp = string(history.OperationKind(s))
		b.opMu.Unlock()
	case s == backend.Finished:
		b.publishOperationEvent(history.OutcomeSuccess, "")
	case s == backend.ErrorOccurred:
		b.publishOperationEvent(history.OutcomeError, b.backend.ErrorType().String())
	}
}

func (b *Bridge) publishOperationEvent(outcome, errText string) {
	b.opMu.Lock()
	op := b.lastOp
	b.lastOp = ""
	b.opMu.Unlock()

	b.send(b.topics.Event("operation-finished"), eventPayload{
		Operation: op,
		Outcome:   outcome,
		Error:     errText,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}, false)
}

func (b *Bridge) publishState() {
	b.publish(b.topics.State(), statePayload{
		State:           b.backend.State(),
		Error:           b.backend.ErrorType().String(),
		WorkflowStep:    b.backend.WorkflowStep(),
		UpdateState:     b.backend.FirmwareUpdateState(),
		QueryInProgress: b.backend.IsQueryInProgress(),
		DevicePresent:   b.backend.CurrentDevice() != nil,
	})
}

func (b *Bridge) publishDevice() {
	d := b.backend.CurrentDevice()
	if d == nil {
		// Clear the retained value rather than leaving the previous
		// unit's details on the broker.
		b.publish(b.topics.Device(), struct{}{})
		return
	}

	p := devicePayload{
		Serial: d.Serial(),
		Info:   d.Info(),
		State:  d.State(),
	}
	if b.updates != nil {
		if v, err := b.updates.LatestVersion(); err == nil {
			p.CanRepair = d.CanRepair(v)
			p.CanUpdate = d.CanUpdate(v)
			p.CanInstall = d.CanInstall(v)
		}
	}
	b.publish(b.topics.Device(), p)
}

func (b *Bridge) publishUpdates() {
	if b.updates == nil {
		return
	}

	p := updatesPayload{
		State:     b.updates.State(),
		Channel:   b.updates.Channel(),
		LastError: b.updates.LastError(),
	}
	if v, err := b.updates.LatestVersion(); err == nil {
		p.Latest = &v
	}
	b.publish(b.topics.Updates(), p)
}

// publish marshals and publishes one retained snapshot.
func (b *Bridge) publish(topic string, payload any) {
	b.send(topic, payload, true)
}

// send marshals and publishes one message. Failures are logged, never
// fatal; a broker outage is already reported through the disconnect
// callback, so ErrNotConnected only rates a debug line.
func (b *Bridge) send(topic string, payload any, retained bool) {
	select {
	case <-b.done:
		return
	default:
	}

	data, err := json.Marshal(payload)
	if err != nil {
		b.logger.Error("marshaling mqtt payload", "topic", topic, "error", err)
		return
	}

	if err := b.client.Publish(topic, data, b.qos, retained); err != nil {
		if errors.Is(err, mqtt.ErrNotConnected) {
			b.logger.Debug("mqtt publish skipped while offline", "topic", topic)
			return
		}
		b.logger.Warn("mqtt publish failed", "topic", topic, "error", err)
	}
}
