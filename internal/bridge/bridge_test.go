package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fenneclabs/fennec-core/internal/backend"
	"github.com/fenneclabs/fennec-core/internal/device"
	"github.com/fenneclabs/fennec-core/internal/history"
	"github.com/fenneclabs/fennec-core/internal/infrastructure/config"
	"github.com/fenneclabs/fennec-core/internal/infrastructure/logging"
	"github.com/fenneclabs/fennec-core/internal/infrastructure/mqtt"
	"github.com/fenneclabs/fennec-core/internal/sim"
	"github.com/fenneclabs/fennec-core/internal/update"
)

func quietLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
}

// fakeClient records publishes and captures the command handler so
// tests can inject messages without a broker.
type fakeClient struct {
	mu           sync.Mutex
	published    map[string][][]byte
	retained     map[string]bool
	handlers     map[string]mqtt.MessageHandler
	onConnect    func()
	onDisconnect func(err error)
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		published: make(map[string][][]byte),
		retained:  make(map[string]bool),
		handlers:  make(map[string]mqtt.MessageHandler),
	}
}

func (f *fakeClient) Publish(topic string, payload []byte, _ byte, retained bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[topic] = append(f.published[topic], append([]byte(nil), payload...))
	f.retained[topic] = retained
	return nil
}

func (f *fakeClient) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = handler
	return nil
}

func (f *fakeClient) SetOnConnect(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onConnect = fn
}

func (f *fakeClient) SetOnDisconnect(fn func(err error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onDisconnect = fn
}

func (f *fakeClient) count(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published[topic])
}

func (f *fakeClient) last(topic string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.published[topic]
	if len(msgs) == 0 {
		return nil, false
	}
	return msgs[len(msgs)-1], true
}

func (f *fakeClient) wasRetained(topic string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.retained[topic]
}

// deliver invokes the registered command handler as the paho client would.
func (f *fakeClient) deliver(topic string, payload []byte) error {
	f.mu.Lock()
	var h mqtt.MessageHandler
	for _, fn := range f.handlers {
		h = fn
	}
	f.mu.Unlock()
	if h == nil {
		return errors.New("no subscription registered")
	}
	return h(topic, payload)
}

func (f *fakeClient) fireConnect() {
	f.mu.Lock()
	fn := f.onConnect
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// testBridge assembles a bridge over a simulated unit, a real state
// machine and a live (but unreachable) update registry. The simulated
// unit attaches as soon as the registry starts.
func testBridge(t *testing.T) (*Bridge, *fakeClient, *sim.Source, *backend.Backend) {
	t.Helper()

	log := quietLogger()

	src := sim.NewSource(sim.Options{OperationDelay: 2 * time.Millisecond})

	reg := device.NewRegistry(src)
	reg.SetLogger(log)
	reg.SetQueryTimeout(2 * time.Second)

	upd := update.NewRegistry(config.UpdatesConfig{
		URL:     "http://127.0.0.1:0/directory.json",
		Channel: "release",
	}, log)

	b := backend.New(reg, upd, log, backend.Options{
		DownloadDir: t.TempDir(),
		BackupDir:   t.TempDir(),
	})

	ctx, cancel := context.WithCancel(context.Background())

	regDone := make(chan struct{})
	go func() {
		defer close(regDone)
		_ = reg.Run(ctx)
	}()
	updDone := make(chan struct{})
	go func() {
		defer close(updDone)
		_ = upd.Run(ctx)
	}()
	bDone := make(chan struct{})
	go func() {
		defer close(bDone)
		_ = b.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-regDone
		<-updDone
		<-bDone
	})

	fc := newFakeClient()
	br, err := New(Options{
		Backend: b,
		Updates: upd,
		Client:  fc,
		Config:  config.MQTTConfig{QoS: 1, TopicPrefix: "fennec"},
		Logger:  log,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(br.Stop)

	return br, fc, src, b
}

func waitReady(t *testing.T, b *backend.Backend) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.State() == backend.Ready {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("backend never became ready, state = %v", b.State())
}

func waitCatalogueSettled(t *testing.T, u *update.Registry) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if u.State() == update.StateError {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("update registry never settled, state = %v", u.State())
}

func decodePayload(t *testing.T, data []byte, into any) {
	t.Helper()
	if err := json.Unmarshal(data, into); err != nil {
		t.Fatalf("unmarshal payload %s: %v", data, err)
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	log := quietLogger()
	b := &backend.Backend{}
	fc := newFakeClient()

	tests := []struct {
		name string
		opts Options
	}{
		{"missing backend", Options{Client: fc, Logger: log}},
		{"missing client", Options{Backend: b, Logger: log}},
		{"missing logger", Options{Backend: b, Client: fc}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.opts); err == nil {
				t.Error("New() expected error")
			}
		})
	}

	if _, err := New(Options{Backend: b, Client: fc, Logger: log}); err != nil {
		t.Errorf("New() with required deps error = %v", err)
	}
}

func TestBridge_PublishesInitialSnapshots(t *testing.T) {
	br, fc, _, b := testBridge(t)
	waitReady(t, b)

	if err := br.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	var state struct {
		State         string `json:"state"`
		Error         string `json:"error"`
		DevicePresent bool   `json:"device_present"`
	}
	data, ok := fc.last("fennec/state")
	if !ok {
		t.Fatal("no state snapshot published")
	}
	decodePayload(t, data, &state)
	if state.State != "ready" {
		t.Errorf("state = %q, want %q", state.State, "ready")
	}
	if state.Error != "none" {
		t.Errorf("error = %q, want %q", state.Error, "none")
	}
	if !state.DevicePresent {
		t.Error("device_present = false, want true")
	}

	var dev struct {
		Serial string `json:"serial"`
	}
	data, ok = fc.last("fennec/device")
	if !ok {
		t.Fatal("no device snapshot published")
	}
	decodePayload(t, data, &dev)
	if dev.Serial != sim.DefaultSerial {
		t.Errorf("serial = %q, want %q", dev.Serial, sim.DefaultSerial)
	}

	var upd struct {
		Channel string `json:"channel"`
	}
	data, ok = fc.last("fennec/updates")
	if !ok {
		t.Fatal("no updates snapshot published")
	}
	decodePayload(t, data, &upd)
	if upd.Channel != "release" {
		t.Errorf("channel = %q, want %q", upd.Channel, "release")
	}
}

func TestBridge_DetachClearsDeviceTopic(t *testing.T) {
	br, fc, src, b := testBridge(t)
	waitReady(t, b)

	if err := br.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	src.Detach()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if data, ok := fc.last("fennec/device"); ok && string(data) == "{}" {
			var state struct {
				DevicePresent bool `json:"device_present"`
			}
			stateData, ok := fc.last("fennec/state")
			if !ok {
				t.Fatal("no state snapshot published")
			}
			decodePayload(t, stateData, &state)
			if state.DevicePresent {
				t.Error("device_present = true after detach, want false")
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("device topic never cleared after detach")
}

func TestBridge_CheckUpdatesCommand(t *testing.T) {
	br, fc, _, b := testBridge(t)
	waitReady(t, b)
	waitCatalogueSettled(t, br.updates)

	if err := br.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	before := fc.count("fennec/updates")

	if err := fc.deliver("fennec/cmd/check-updates", nil); err != nil {
		t.Fatalf("deliver(check-updates) error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fc.count("fennec/updates") > before {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("check-updates command never triggered an updates publish")
}

func TestBridge_FinalizeWithoutFinishedOperation(t *testing.T) {
	br, fc, _, b := testBridge(t)
	waitReady(t, b)

	if err := br.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := fc.deliver("fennec/cmd/finalize", nil); err == nil {
		t.Error("deliver(finalize) expected error with no finished operation")
	}
}

func TestBridge_UnknownCommand(t *testing.T) {
	br, fc, _, b := testBridge(t)
	waitReady(t, b)

	if err := br.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	err := fc.deliver("fennec/cmd/reboot", nil)
	if err == nil {
		t.Fatal("deliver(reboot) expected error")
	}
	if !strings.Contains(err.Error(), "unknown command") {
		t.Errorf("error = %v, want mention of unknown command", err)
	}
}

func TestBridge_ReconnectRepublishes(t *testing.T) {
	br, fc, _, b := testBridge(t)
	waitReady(t, b)

	if err := br.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	beforeState := fc.count("fennec/state")
	beforeDevice := fc.count("fennec/device")

	fc.fireConnect()

	if got := fc.count("fennec/state"); got != beforeState+1 {
		t.Errorf("state publishes = %d, want %d", got, beforeState+1)
	}
	if got := fc.count("fennec/device"); got != beforeDevice+1 {
		t.Errorf("device publishes = %d, want %d", got, beforeDevice+1)
	}
}

func TestBridge_StopSuppressesPublishes(t *testing.T) {
	br, fc, src, b := testBridge(t)
	waitReady(t, b)

	if err := br.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	br.Stop()
	before := fc.count("fennec/state")

	src.Detach()
	time.Sleep(50 * time.Millisecond)

	if got := fc.count("fennec/state"); got != before {
		t.Errorf("state publishes after Stop() = %d, want %d", got, before)
	}
}

func TestBridge_OperationFinishedEvent(t *testing.T) {
	br, fc, _, b := testBridge(t)
	waitReady(t, b)

	if err := br.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := b.CreateBackup(t.TempDir()); err != nil {
		t.Fatalf("CreateBackup() error = %v", err)
	}

	const topic = "fennec/event/operation-finished"
	deadline := time.Now().Add(2 * time.Second)
	for fc.count(topic) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	data, ok := fc.last(topic)
	if !ok {
		t.Fatal("no operation-finished event published")
	}
	var ev eventPayload
	decodePayload(t, data, &ev)
	if ev.Operation != "backup" {
		t.Errorf("operation = %q, want %q", ev.Operation, "backup")
	}
	if ev.Outcome != history.OutcomeSuccess {
		t.Errorf("outcome = %q, want %q", ev.Outcome, history.OutcomeSuccess)
	}
	if ev.Error != "" {
		t.Errorf("error = %q, want empty", ev.Error)
	}
	if ev.Timestamp == "" {
		t.Error("event carries no timestamp")
	}

	// Events are one-shot, unlike the retained snapshots.
	if fc.wasRetained(topic) {
		t.Error("operation-finished event was retained")
	}
	if !fc.wasRetained("fennec/state") {
		t.Error("state snapshot was not retained")
	}
}
