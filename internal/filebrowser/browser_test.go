package filebrowser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/fenneclabs/fennec-core/internal/device"
)

// fakeStorage implements Storage in memory.
type fakeStorage struct {
	mu      sync.Mutex
	entries map[string][]device.FileInfo
	files   map[string][]byte
	calls   []string
	gate    chan struct{}

	// For testing error paths
	listErr error
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		entries: make(map[string][]device.FileInfo),
		files:   make(map[string][]byte),
	}
}

func (f *fakeStorage) record(format string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeStorage) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeStorage) hold() {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
}

func (f *fakeStorage) ListDirectory(_ context.Context, path string) ([]device.FileInfo, error) {
	f.record("list %s", path)
	f.hold()
	if f.listErr != nil {
		return nil, f.listErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entries[path], nil
}

func (f *fakeStorage) ReadFile(_ context.Context, path string, dst io.Writer) error {
	f.record("read %s", path)
	f.mu.Lock()
	body, ok := f.files[path]
	f.mu.Unlock()
	if !ok {
		return errors.New("no such file")
	}
	_, err := dst.Write(body)
	return err
}

func (f *fakeStorage) WriteFile(_ context.Context, path string, src io.Reader, _ int64) error {
	f.record("write %s", path)
	body, err := io.ReadAll(src)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.files[path] = body
	f.mu.Unlock()
	return nil
}

func (f *fakeStorage) RemovePath(_ context.Context, path string, recursive bool) error {
	f.record("remove %s recursive=%v", path, recursive)
	return nil
}

func (f *fakeStorage) Rename(_ context.Context, oldPath, newPath string) error {
	f.record("rename %s %s", oldPath, newPath)
	return nil
}

func (f *fakeStorage) MakeDirectory(_ context.Context, path string) error {
	f.record("mkdir %s", path)
	return nil
}

func dir(name string) device.FileInfo  { return device.FileInfo{Name: name, Dir: true} }
func file(name string) device.FileInfo { return device.FileInfo{Name: name} }

func names(entries []device.FileInfo) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Name
	}
	return out
}

func TestBrowser_RootListsStorageMountsOnly(t *testing.T) {
	store := newFakeStorage()
	store.entries["/"] = []device.FileInfo{
		file("boot.txt"), dir("sys"), dir("int"), dir("ext"),
	}

	b := New()
	b.Bind(store)

	entries, err := b.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	got := names(entries)
	want := []string{"ext", "int"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("root listing = %v, want %v", got, want)
	}
}

func TestBrowser_ListSortsDirectoriesFirst(t *testing.T) {
	store := newFakeStorage()
	store.entries["/int"] = []device.FileInfo{
		file("b.txt"), dir("Zeta"), file("Alpha.txt"), dir("apps"),
	}

	b := New()
	b.Bind(store)
	if err := b.SetPath("/int"); err != nil {
		t.Fatalf("SetPath() error = %v", err)
	}

	entries, err := b.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	got := names(entries)
	want := []string{"apps", "Zeta", "Alpha.txt", "b.txt"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("listing = %v, want %v", got, want)
		}
	}
}

func TestBrowser_NavigationHistory(t *testing.T) {
	b := New()
	b.Bind(newFakeStorage())

	var moves []string
	b.OnPathChanged(func(p string) { moves = append(moves, p) })

	if err := b.Enter("int"); err != nil {
		t.Fatalf("Enter(int) error = %v", err)
	}
	if err := b.Enter("apps"); err != nil {
		t.Fatalf("Enter(apps) error = %v", err)
	}
	if got := b.CurrentPath(); got != "/int/apps" {
		t.Errorf("CurrentPath() = %q, want %q", got, "/int/apps")
	}

	if !b.GoBack() {
		t.Fatal("GoBack() = false, want true")
	}
	if got := b.CurrentPath(); got != "/int" {
		t.Errorf("CurrentPath() after back = %q, want %q", got, "/int")
	}

	if !b.GoForward() {
		t.Fatal("GoForward() = false, want true")
	}
	if got := b.CurrentPath(); got != "/int/apps" {
		t.Errorf("CurrentPath() after forward = %q, want %q", got, "/int/apps")
	}

	// Going somewhere new clears the forward history.
	if !b.GoBack() {
		t.Fatal("GoBack() = false, want true")
	}
	if err := b.Enter("cfg"); err != nil {
		t.Fatalf("Enter(cfg) error = %v", err)
	}
	if b.GoForward() {
		t.Error("GoForward() = true after a fresh move, want false")
	}

	wantMoves := []string{"/int", "/int/apps", "/int", "/int/apps", "/int", "/int/cfg"}
	if len(moves) != len(wantMoves) {
		t.Fatalf("path notifications = %v, want %v", moves, wantMoves)
	}
	for i := range wantMoves {
		if moves[i] != wantMoves[i] {
			t.Fatalf("path notifications = %v, want %v", moves, wantMoves)
		}
	}
}

func TestBrowser_RefusesPathsOutsideStorage(t *testing.T) {
	b := New()
	b.Bind(newFakeStorage())

	if err := b.Enter("sys"); !errors.Is(err, ErrOutsideStorage) {
		t.Errorf("Enter(sys) error = %v, want ErrOutsideStorage", err)
	}
	if err := b.SetPath("/sys/config"); !errors.Is(err, ErrOutsideStorage) {
		t.Errorf("SetPath(/sys/config) error = %v, want ErrOutsideStorage", err)
	}
	if got := b.CurrentPath(); got != "/" {
		t.Errorf("CurrentPath() = %q, want %q after refused moves", got, "/")
	}

	if err := b.Remove(context.Background(), "/", true); !errors.Is(err, ErrOutsideStorage) {
		t.Errorf("Remove(/) error = %v, want ErrOutsideStorage", err)
	}
}

func TestBrowser_ListPropagatesErrors(t *testing.T) {
	store := newFakeStorage()
	store.listErr = errors.New("transport lost")

	b := New()
	b.Bind(store)
	if _, err := b.List(context.Background()); !errors.Is(err, store.listErr) {
		t.Errorf("List() error = %v, want %v", err, store.listErr)
	}
}

func TestBrowser_UnboundReturnsNoDevice(t *testing.T) {
	b := New()
	if _, err := b.List(context.Background()); !errors.Is(err, ErrNoDevice) {
		t.Errorf("List() error = %v, want ErrNoDevice", err)
	}
	if err := b.Upload(context.Background(), "/int/a", bytes.NewReader(nil), 0); !errors.Is(err, ErrNoDevice) {
		t.Errorf("Upload() error = %v, want ErrNoDevice", err)
	}
}

func TestBrowser_TransfersAndMutations(t *testing.T) {
	store := newFakeStorage()
	b := New()
	b.Bind(store)
	if err := b.SetPath("/int"); err != nil {
		t.Fatalf("SetPath() error = %v", err)
	}

	body := []byte("payload bytes")
	if err := b.Upload(context.Background(), "notes.txt", bytes.NewReader(body), int64(len(body))); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	var out bytes.Buffer
	if err := b.Download(context.Background(), "/int/notes.txt", &out); err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if !bytes.Equal(out.Bytes(), body) {
		t.Errorf("Download() = %q, want %q", out.Bytes(), body)
	}

	if err := b.Rename(context.Background(), "notes.txt", "notes.bak"); err != nil {
		t.Fatalf("Rename() error = %v", err)
	}
	if err := b.MakeDirectory(context.Background(), "apps"); err != nil {
		t.Fatalf("MakeDirectory() error = %v", err)
	}
	if err := b.Remove(context.Background(), "/ext/old", true); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	want := []string{
		"write /int/notes.txt",
		"read /int/notes.txt",
		"rename /int/notes.txt /int/notes.bak",
		"mkdir /int/apps",
		"remove /ext/old recursive=true",
	}
	got := store.Calls()
	if len(got) != len(want) {
		t.Fatalf("storage calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("storage calls = %v, want %v", got, want)
		}
	}
}

func TestBrowser_BusyDebounce(t *testing.T) {
	t.Run("quick operation stays quiet", func(t *testing.T) {
		store := newFakeStorage()
		b := New()
		b.Bind(store)

		busy := make(chan bool, 4)
		b.OnBusyChanged(func(on bool) { busy <- on })

		if _, err := b.List(context.Background()); err != nil {
			t.Fatalf("List() error = %v", err)
		}

		select {
		case on := <-busy:
			t.Fatalf("unexpected busy notification %v for a quick listing", on)
		case <-time.After(700 * time.Millisecond):
		}
	})

	t.Run("slow operation announces and clears", func(t *testing.T) {
		store := newFakeStorage()
		store.gate = make(chan struct{})
		b := New()
		b.Bind(store)

		busy := make(chan bool, 4)
		b.OnBusyChanged(func(on bool) { busy <- on })

		listDone := make(chan struct{})
		go func() {
			defer close(listDone)
			b.List(context.Background()) //nolint:errcheck // Outcome checked elsewhere
		}()

		deadline := time.Now().Add(2 * time.Second)
		for !b.IsBusy() {
			if time.Now().After(deadline) {
				t.Fatal("IsBusy() never turned on")
			}
			time.Sleep(5 * time.Millisecond)
		}

		select {
		case on := <-busy:
			if !on {
				t.Fatalf("first busy notification = false, want true")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("busy never announced for a slow operation")
		}

		close(store.gate)
		<-listDone

		select {
		case on := <-busy:
			if on {
				t.Fatalf("second busy notification = true, want false")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("busy never cleared")
		}
		if b.IsBusy() {
			t.Error("IsBusy() still true after the operation ended")
		}
	})
}

func TestBrowser_BindResetsSession(t *testing.T) {
	b := New()
	b.Bind(newFakeStorage())
	if err := b.SetPath("/int/apps"); err != nil {
		t.Fatalf("SetPath() error = %v", err)
	}

	moved := make(chan string, 1)
	b.OnPathChanged(func(p string) { moved <- p })

	b.Bind(newFakeStorage())
	if got := b.CurrentPath(); got != "/" {
		t.Errorf("CurrentPath() after rebind = %q, want %q", got, "/")
	}
	if b.GoBack() {
		t.Error("GoBack() = true after rebind, want false")
	}
	select {
	case p := <-moved:
		if p != "/" {
			t.Errorf("rebind notification = %q, want %q", p, "/")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("rebind never notified the path reset")
	}
}
