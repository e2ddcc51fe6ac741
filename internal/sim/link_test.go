package sim

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fenneclabs/fennec-core/internal/device"
)

func fastOpts() Options {
	return Options{OperationDelay: 2 * time.Millisecond}
}

func waitLinkEvent(t *testing.T, l *Link, want device.LinkEventType) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-l.Events():
			if !ok {
				t.Fatalf("event channel closed while waiting for %q", want)
			}
			if ev.Type == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for link event %q", want)
		}
	}
}

func TestLink_HandshakeEnablesStreaming(t *testing.T) {
	l := NewLink(fastOpts())
	defer l.Close()

	waitLinkEvent(t, l, device.LinkStreamingEnabled)

	info, err := l.Info(context.Background())
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	if info.Battery.Percent == 0 {
		t.Error("normal-mode Info reports no battery charge")
	}
}

func TestLink_RecoveryBootStaysSilent(t *testing.T) {
	opts := fastOpts()
	opts.Recovery = true
	l := NewLink(opts)
	defer l.Close()

	if !l.Recovery() {
		t.Error("Recovery() = false, want true")
	}
	if got := l.BootMode(); got != device.BootDFU {
		t.Errorf("BootMode() = %q, want %q", got, device.BootDFU)
	}
	select {
	case ev := <-l.Events():
		t.Errorf("unexpected event %q from a recovery-mode boot", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLink_FilesystemRoundtrip(t *testing.T) {
	l := NewLink(fastOpts())
	defer l.Close()
	ctx := context.Background()

	entries, err := l.List(ctx, "/")
	if err != nil {
		t.Fatalf("List(/) failed: %v", err)
	}
	if len(entries) != 2 || entries[0].Name != "ext" || entries[1].Name != "int" {
		t.Fatalf("List(/) = %+v, want [ext int]", entries)
	}

	content := "field notes\n"
	if err := l.WriteFile(ctx, "/ext/notes.txt", strings.NewReader(content), int64(len(content))); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	var buf bytes.Buffer
	if err := l.ReadFile(ctx, "/ext/notes.txt", &buf); err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if buf.String() != content {
		t.Errorf("ReadFile = %q, want %q", buf.String(), content)
	}

	if err := l.Rename(ctx, "/ext/notes.txt", "/ext/notes.md"); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}
	if err := l.ReadFile(ctx, "/ext/notes.txt", &buf); !errors.Is(err, ErrNotFound) {
		t.Errorf("ReadFile after rename = %v, want ErrNotFound", err)
	}

	if err := l.MakeDir(ctx, "/int/data"); err != nil {
		t.Fatalf("MakeDir failed: %v", err)
	}
	if err := l.MakeDir(ctx, "/int/a/b"); !errors.Is(err, ErrNotFound) {
		t.Errorf("MakeDir without parent = %v, want ErrNotFound", err)
	}

	if err := l.Remove(ctx, "/int/apps", false); err == nil {
		t.Error("Remove of a populated directory without recursive succeeded")
	}
	if err := l.Remove(ctx, "/int/apps", true); err != nil {
		t.Fatalf("recursive Remove failed: %v", err)
	}
	entries, err = l.List(ctx, "/int")
	if err != nil {
		t.Fatalf("List(/int) failed: %v", err)
	}
	for _, e := range entries {
		if e.Name == "apps" {
			t.Error("apps directory still listed after recursive remove")
		}
	}

	if err := l.Remove(ctx, "/int", true); err == nil {
		t.Error("Remove of a storage mount succeeded")
	}
}

func TestLink_ModeGating(t *testing.T) {
	l := NewLink(fastOpts())
	defer l.Close()
	ctx := context.Background()

	if err := l.FlashFirmware(ctx, "ignored", 0, nil); !errors.Is(err, device.ErrNotRecovery) {
		t.Errorf("FlashFirmware in normal mode = %v, want ErrNotRecovery", err)
	}
	if err := l.ExitRecovery(ctx); !errors.Is(err, device.ErrNotRecovery) {
		t.Errorf("ExitRecovery in normal mode = %v, want ErrNotRecovery", err)
	}

	if err := l.EnterRecovery(ctx); err != nil {
		t.Fatalf("EnterRecovery failed: %v", err)
	}
	waitLinkEvent(t, l, device.LinkRecoveryEntered)

	if _, err := l.List(ctx, "/int"); !errors.Is(err, device.ErrRecovery) {
		t.Errorf("List in recovery mode = %v, want ErrRecovery", err)
	}
	if err := l.Backup(ctx, t.TempDir(), nil); !errors.Is(err, device.ErrRecovery) {
		t.Errorf("Backup in recovery mode = %v, want ErrRecovery", err)
	}
	if err := l.EnterRecovery(ctx); !errors.Is(err, device.ErrRecovery) {
		t.Errorf("EnterRecovery while in recovery = %v, want ErrRecovery", err)
	}

	info, err := l.Info(ctx)
	if err != nil {
		t.Fatalf("Info in recovery mode failed: %v", err)
	}
	if info.Software.Version != "" {
		t.Errorf("recovery-mode Info reports version %q, want empty", info.Software.Version)
	}
	if info.Battery.Percent != 0 || info.Battery.Charging {
		t.Errorf("recovery-mode Info reports battery %+v, want zero", info.Battery)
	}
	if info.Serial != DefaultSerial {
		t.Errorf("Info.Serial = %q, want %q", info.Serial, DefaultSerial)
	}

	if err := l.ExitRecovery(ctx); err != nil {
		t.Fatalf("ExitRecovery failed: %v", err)
	}
	waitLinkEvent(t, l, device.LinkRecoveryExited)
	waitLinkEvent(t, l, device.LinkStreamingEnabled)

	if err := l.FlashFirmware(ctx, "ignored", 0, nil); !errors.Is(err, device.ErrNotRecovery) {
		t.Errorf("FlashFirmware after exiting recovery = %v, want ErrNotRecovery", err)
	}
}

func TestLink_FlashFirmware(t *testing.T) {
	image := filepath.Join(t.TempDir(), "fw.bin")
	if err := os.WriteFile(image, bytes.Repeat([]byte{0xAA}, 1024), 0o600); err != nil {
		t.Fatal(err)
	}

	opts := fastOpts()
	opts.FlashVersion = "1.3.0"
	l := NewLink(opts)
	defer l.Close()
	ctx := context.Background()

	if err := l.EnterRecovery(ctx); err != nil {
		t.Fatalf("EnterRecovery failed: %v", err)
	}

	if err := l.FlashFirmware(ctx, filepath.Join(t.TempDir(), "missing.bin"), 0, nil); err == nil {
		t.Error("FlashFirmware with a missing image succeeded")
	}

	var last float64
	if err := l.FlashFirmware(ctx, image, device.FirmwareAddress, func(p float64) { last = p }); err != nil {
		t.Fatalf("FlashFirmware failed: %v", err)
	}
	if last != 100 {
		t.Errorf("final progress = %v, want 100", last)
	}

	if err := l.ExitRecovery(ctx); err != nil {
		t.Fatalf("ExitRecovery failed: %v", err)
	}
	info, err := l.Info(ctx)
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	if info.Software.Version != "1.3.0" {
		t.Errorf("version after flash = %q, want %q", info.Software.Version, "1.3.0")
	}
}

func TestLink_BackupRestoreRoundtrip(t *testing.T) {
	l := NewLink(fastOpts())
	defer l.Close()
	ctx := context.Background()

	backupDir := filepath.Join(t.TempDir(), "backup-001")
	var last float64
	if err := l.Backup(ctx, backupDir, func(p float64) { last = p }); err != nil {
		t.Fatalf("Backup failed: %v", err)
	}
	if last != 100 {
		t.Errorf("final backup progress = %v, want 100", last)
	}
	data, err := os.ReadFile(filepath.Join(backupDir, "cfg", "device.cfg"))
	if err != nil {
		t.Fatalf("reading backed-up config: %v", err)
	}
	if !strings.Contains(string(data), "Vulpes") {
		t.Errorf("backed-up config = %q, missing device name", data)
	}

	// Drift from the backed-up state, then restore over it.
	if err := l.WriteFile(ctx, "/int/scratch.txt", strings.NewReader("x"), 1); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if err := l.Remove(ctx, "/int/cfg/device.cfg", false); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	if err := l.Restore(ctx, backupDir, nil); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	var buf bytes.Buffer
	if err := l.ReadFile(ctx, "/int/cfg/device.cfg", &buf); err != nil {
		t.Fatalf("ReadFile after restore failed: %v", err)
	}
	if !strings.Contains(buf.String(), "Vulpes") {
		t.Errorf("restored config = %q, missing device name", buf.String())
	}
	if err := l.ReadFile(ctx, "/int/scratch.txt", &buf); !errors.Is(err, ErrNotFound) {
		t.Errorf("scratch file after restore = %v, want ErrNotFound", err)
	}
}

func TestLink_FactoryResetWipesInternalStorage(t *testing.T) {
	l := NewLink(fastOpts())
	defer l.Close()
	ctx := context.Background()
	waitLinkEvent(t, l, device.LinkStreamingEnabled) // boot handshake

	if err := l.FactoryReset(ctx); err != nil {
		t.Fatalf("FactoryReset failed: %v", err)
	}
	entries, err := l.List(ctx, "/int")
	if err != nil {
		t.Fatalf("List(/int) failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("internal storage holds %d entries after reset, want 0", len(entries))
	}
	entries, err = l.List(ctx, "/ext")
	if err != nil {
		t.Fatalf("List(/ext) failed: %v", err)
	}
	if len(entries) == 0 {
		t.Error("removable card was wiped by a factory reset")
	}
	waitLinkEvent(t, l, device.LinkStreamingEnabled)
}

func TestLink_FailNextIsOneShot(t *testing.T) {
	l := NewLink(fastOpts())
	defer l.Close()
	ctx := context.Background()

	injected := errors.New("flaky pipe")
	l.FailNext("backup", injected)

	if err := l.Backup(ctx, t.TempDir(), nil); !errors.Is(err, injected) {
		t.Errorf("first Backup = %v, want injected failure", err)
	}
	if err := l.Backup(ctx, t.TempDir(), nil); err != nil {
		t.Errorf("second Backup = %v, want success", err)
	}
}

func TestLink_ScreenStream(t *testing.T) {
	l := NewLink(fastOpts())
	defer l.Close()
	ctx := context.Background()

	if err := l.StartScreenStream(ctx); err != nil {
		t.Fatalf("StartScreenStream failed: %v", err)
	}
	select {
	case f := <-l.Frames():
		if f.Width != screenWidth || f.Height != screenHeight {
			t.Errorf("frame is %dx%d, want %dx%d", f.Width, f.Height, screenWidth, screenHeight)
		}
		if len(f.Pixels) != f.Stride*f.Height {
			t.Errorf("frame has %d pixel bytes, want %d", len(f.Pixels), f.Stride*f.Height)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a frame")
	}

	if err := l.StopScreenStream(ctx); err != nil {
		t.Fatalf("StopScreenStream failed: %v", err)
	}
	time.Sleep(2 * frameInterval)
drain:
	for {
		select {
		case <-l.Frames():
		default:
			break drain
		}
	}
	select {
	case f := <-l.Frames():
		t.Errorf("frame %dx%d arrived after the stream stopped", f.Width, f.Height)
	case <-time.After(3 * frameInterval):
	}
}

func TestLink_SendInputIsRecorded(t *testing.T) {
	l := NewLink(fastOpts())
	defer l.Close()
	ctx := context.Background()

	events := []device.InputEvent{
		{Key: device.KeyOK, Type: device.InputShort},
		{Key: device.KeyBack, Type: device.InputLong},
	}
	for _, ev := range events {
		if err := l.SendInput(ctx, ev); err != nil {
			t.Fatalf("SendInput(%+v) failed: %v", ev, err)
		}
	}

	got := l.Inputs()
	if len(got) != len(events) {
		t.Fatalf("recorded %d inputs, want %d", len(got), len(events))
	}
	for i, ev := range events {
		if got[i] != ev {
			t.Errorf("input[%d] = %+v, want %+v", i, got[i], ev)
		}
	}
}

func TestLink_CloseRejectsFurtherCalls(t *testing.T) {
	l := NewLink(fastOpts())
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}
	if _, err := l.Info(context.Background()); !errors.Is(err, device.ErrClosed) {
		t.Errorf("Info after close = %v, want ErrClosed", err)
	}
}
