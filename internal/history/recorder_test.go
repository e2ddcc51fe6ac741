package history

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fenneclabs/fennec-core/internal/backend"
	"github.com/fenneclabs/fennec-core/internal/device"
)

// fakeRepo records journal calls without a database.
type fakeRepo struct {
	mu     sync.Mutex
	seq    int
	opens  []Record
	closes []closedRow
}

type closedRow struct {
	id      string
	closure Closure
}

func (f *fakeRepo) Open(_ context.Context, rec *Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	rec.ID = fmt.Sprintf("op-%08d", f.seq)
	f.opens = append(f.opens, *rec)
	return nil
}

func (f *fakeRepo) Close(_ context.Context, id string, c Closure) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes = append(f.closes, closedRow{id: id, closure: c})
	return nil
}

func (f *fakeRepo) List(context.Context, Filter) (*ListResult, error) {
	return &ListResult{}, nil
}

func (f *fakeRepo) Prune(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeRepo) snapshot() ([]Record, []closedRow) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Record(nil), f.opens...), append([]closedRow(nil), f.closes...)
}

// fakeBackend emits state transitions to subscribed observers.
type fakeBackend struct {
	mu      sync.Mutex
	obs     []func(backend.State)
	errKind device.ErrorKind
}

func (f *fakeBackend) OnStateChanged(fn func(backend.State)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.obs = append(f.obs, fn)
}

func (f *fakeBackend) CurrentDevice() *device.Device { return nil }

func (f *fakeBackend) ErrorType() device.ErrorKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.errKind
}

func (f *fakeBackend) setErrorType(k device.ErrorKind) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errKind = k
}

func (f *fakeBackend) emit(s backend.State) {
	f.mu.Lock()
	obs := append(([]func(backend.State))(nil), f.obs...)
	f.mu.Unlock()
	for _, fn := range obs {
		fn(s)
	}
}

func newRecorderFixture(t *testing.T) (*Recorder, *fakeRepo, *fakeBackend) {
	t.Helper()
	repo := &fakeRepo{}
	fb := &fakeBackend{}
	rec := NewRecorder(repo, fb)
	rec.Start(context.Background())
	return rec, repo, fb
}

func TestRecorder_JournalsLifecycle(t *testing.T) {
	_, repo, fb := newRecorderFixture(t)

	fb.emit(backend.CreatingBackup)
	fb.emit(backend.Finished)

	opens, closes := repo.snapshot()
	if len(opens) != 1 {
		t.Fatalf("opened %d rows, want 1", len(opens))
	}
	if opens[0].Kind != "backup" {
		t.Errorf("Kind = %q, want %q", opens[0].Kind, "backup")
	}
	if opens[0].DeviceSerial != "" {
		t.Errorf("DeviceSerial = %q, want empty without a unit", opens[0].DeviceSerial)
	}
	if len(closes) != 1 {
		t.Fatalf("closed %d rows, want 1", len(closes))
	}
	if closes[0].id != opens[0].ID {
		t.Errorf("closed id = %q, want %q", closes[0].id, opens[0].ID)
	}
	if closes[0].closure.Outcome != OutcomeSuccess {
		t.Errorf("Outcome = %q, want %q", closes[0].closure.Outcome, OutcomeSuccess)
	}
	if closes[0].closure.ErrorKind != "" {
		t.Errorf("ErrorKind = %q, want empty on success", closes[0].closure.ErrorKind)
	}

	// The terminal state already consumed the open row.
	fb.emit(backend.Finished)
	if _, closes := repo.snapshot(); len(closes) != 1 {
		t.Errorf("repeat terminal state closed %d rows, want 1", len(closes))
	}
}

func TestRecorder_RecordsErrorOutcome(t *testing.T) {
	_, repo, fb := newRecorderFixture(t)

	fb.emit(backend.UpdatingDevice)
	fb.setErrorType(device.KindBackup)
	fb.emit(backend.ErrorOccurred)

	opens, closes := repo.snapshot()
	if len(opens) != 1 || opens[0].Kind != "update" {
		t.Fatalf("opens = %+v, want one update row", opens)
	}
	if len(closes) != 1 {
		t.Fatalf("closed %d rows, want 1", len(closes))
	}
	c := closes[0].closure
	if c.Outcome != OutcomeError {
		t.Errorf("Outcome = %q, want %q", c.Outcome, OutcomeError)
	}
	if c.ErrorKind != "backup" {
		t.Errorf("ErrorKind = %q, want %q", c.ErrorKind, "backup")
	}
}

func TestRecorder_IgnoresStandbyErrors(t *testing.T) {
	_, repo, fb := newRecorderFixture(t)

	fb.setErrorType(device.KindSerialAccess)
	fb.emit(backend.ErrorOccurred)

	opens, closes := repo.snapshot()
	if len(opens) != 0 || len(closes) != 0 {
		t.Errorf("standby error journaled: opens=%d closes=%d, want none", len(opens), len(closes))
	}
}

// fakeSink records operation telemetry samples.
type fakeSink struct {
	mu      sync.Mutex
	samples []operationSample
}

type operationSample struct {
	kind     string
	outcome  string
	serial   string
	duration time.Duration
}

func (f *fakeSink) WriteOperation(kind, outcome, serial string, duration time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples = append(f.samples, operationSample{kind, outcome, serial, duration})
}

func (f *fakeSink) all() []operationSample {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]operationSample(nil), f.samples...)
}

func TestRecorder_EmitsOperationSamples(t *testing.T) {
	repo := &fakeRepo{}
	fb := &fakeBackend{}
	sink := &fakeSink{}

	rec := NewRecorder(repo, fb)
	rec.SetMetrics(sink)
	rec.Start(context.Background())

	fb.emit(backend.UpdatingDevice)
	fb.emit(backend.Finished)

	fb.emit(backend.CreatingBackup)
	fb.setErrorType(device.KindBackup)
	fb.emit(backend.ErrorOccurred)

	samples := sink.all()
	if len(samples) != 2 {
		t.Fatalf("samples = %d, want 2", len(samples))
	}
	if samples[0].kind != "update" || samples[0].outcome != OutcomeSuccess {
		t.Errorf("first sample = %+v, want successful update", samples[0])
	}
	if samples[1].kind != "backup" || samples[1].outcome != OutcomeError {
		t.Errorf("second sample = %+v, want failed backup", samples[1])
	}
	for _, s := range samples {
		if s.duration < 0 {
			t.Errorf("sample duration = %v, want non-negative", s.duration)
		}
	}
}

func TestOperationKind(t *testing.T) {
	tests := []struct {
		state backend.State
		want  device.OperationKind
	}{
		{backend.CreatingBackup, device.OpBackup},
		{backend.UpdatingDevice, device.OpUpdate},
		{backend.RepairingDevice, device.OpRepair},
		{backend.Ready, ""},
		{backend.Finished, ""},
	}
	for _, tt := range tests {
		if got := OperationKind(tt.state); got != tt.want {
			t.Errorf("OperationKind(%v) = %q, want %q", tt.state, got, tt.want)
		}
	}
}
