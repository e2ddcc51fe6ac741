// Package filebrowser navigates the storage of the current unit: a
// current path with back/forward history, directory listings sorted
// for display, and file transfer plumbing for the API layer.
//
// Busy reporting is debounced. The flag flips on immediately for
// direct readers, but observers only hear about operations still
// running after half a second, so quick listings never flicker a
// spinner on a panel.
package filebrowser

import (
	"context"
	"errors"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fenneclabs/fennec-core/internal/device"
)

// Errors returned by the browser. Test with errors.Is.
var (
	// ErrNoDevice is returned while no unit is bound.
	ErrNoDevice = errors.New("filebrowser: no device bound")

	// ErrOutsideStorage is returned for paths that do not live under
	// the unit's storage mounts.
	ErrOutsideStorage = errors.New("filebrowser: path outside device storage")
)

// busyAnnounceDelay is how long an operation must run before observers
// are told the browser is busy.
const busyAnnounceDelay = 500 * time.Millisecond

// Storage is the slice of a device the browser drives. *device.Device
// implements it.
type Storage interface {
	ListDirectory(ctx context.Context, path string) ([]device.FileInfo, error)
	ReadFile(ctx context.Context, path string, dst io.Writer) error
	WriteFile(ctx context.Context, path string, src io.Reader, size int64) error
	RemovePath(ctx context.Context, path string, recursive bool) error
	Rename(ctx context.Context, oldPath, newPath string) error
	MakeDirectory(ctx context.Context, path string) error
}

// Logger defines the logging interface used by the browser.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Browser holds one navigation session over a unit's storage. Bind it
// to the current unit and rebind whenever the unit changes; history
// never survives a rebind.
type Browser struct {
	mu     sync.Mutex
	store  Storage
	logger Logger

	cur  string
	back []string
	fwd  []string

	ops       int
	busyShown bool
	busyTimer *time.Timer

	pathObs []func(string)
	busyObs []func(bool)
}

// New returns an unbound browser positioned at the storage root.
func New() *Browser {
	return &Browser{cur: "/", logger: noopLogger{}}
}

// SetLogger sets the logger for the browser.
func (b *Browser) SetLogger(logger Logger) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logger = logger
}

// Bind points the browser at a unit's storage, dropping all history.
// Bind(nil) detaches it.
func (b *Browser) Bind(store Storage) {
	b.mu.Lock()
	b.store = store
	b.back = nil
	b.fwd = nil
	changed := b.cur != "/"
	b.cur = "/"
	obs := b.copyPathObs()
	b.mu.Unlock()

	if changed {
		for _, fn := range obs {
			fn("/")
		}
	}
}

// CurrentPath returns the directory the browser is sitting in.
func (b *Browser) CurrentPath() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cur
}

// IsBusy reports whether a storage operation is running right now,
// without the announcement debounce.
func (b *Browser) IsBusy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ops > 0
}

// OnPathChanged registers fn for navigation moves.
func (b *Browser) OnPathChanged(fn func(string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pathObs = append(b.pathObs, fn)
}

// OnBusyChanged registers fn for debounced busy transitions.
func (b *Browser) OnBusyChanged(fn func(bool)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.busyObs = append(b.busyObs, fn)
}

// List reads the current directory. The root listing shows only the
// internal and removable storage mounts; everything is sorted
// directories first, then case-insensitively by name.
func (b *Browser) List(ctx context.Context) ([]device.FileInfo, error) {
	store, cur, err := b.snapshot()
	if err != nil {
		return nil, err
	}

	done := b.beginOp()
	defer done()

	entries, err := store.ListDirectory(ctx, cur)
	if err != nil {
		return nil, err
	}
	if cur == "/" {
		entries = filterMounts(entries)
	}
	sortEntries(entries)
	return entries, nil
}

// Enter descends into a child of the current directory ("name") or
// follows a relative hop like "..".
func (b *Browser) Enter(name string) error {
	b.mu.Lock()
	target := path.Join(b.cur, name)
	b.mu.Unlock()
	return b.SetPath(target)
}

// SetPath jumps to an absolute directory, recording the old position
// in the back history and clearing the forward history.
func (b *Browser) SetPath(p string) error {
	target := path.Clean(p)
	if !insideStorage(target) {
		return ErrOutsideStorage
	}

	b.mu.Lock()
	if target == b.cur {
		b.mu.Unlock()
		return nil
	}
	b.back = append(b.back, b.cur)
	b.fwd = nil
	b.cur = target
	obs := b.copyPathObs()
	b.mu.Unlock()

	b.notifyPath(obs, target)
	return nil
}

// GoBack pops the previous directory off the history. It reports
// whether there was anywhere to go.
func (b *Browser) GoBack() bool {
	b.mu.Lock()
	if len(b.back) == 0 {
		b.mu.Unlock()
		return false
	}
	prev := b.back[len(b.back)-1]
	b.back = b.back[:len(b.back)-1]
	b.fwd = append(b.fwd, b.cur)
	b.cur = prev
	obs := b.copyPathObs()
	b.mu.Unlock()

	b.notifyPath(obs, prev)
	return true
}

// GoForward re-enters a directory left via GoBack.
func (b *Browser) GoForward() bool {
	b.mu.Lock()
	if len(b.fwd) == 0 {
		b.mu.Unlock()
		return false
	}
	next := b.fwd[len(b.fwd)-1]
	b.fwd = b.fwd[:len(b.fwd)-1]
	b.back = append(b.back, b.cur)
	b.cur = next
	obs := b.copyPathObs()
	b.mu.Unlock()

	b.notifyPath(obs, next)
	return true
}

// Download streams a file from the unit into dst. Relative paths are
// resolved against the current directory.
func (b *Browser) Download(ctx context.Context, p string, dst io.Writer) error {
	store, target, err := b.resolve(p)
	if err != nil {
		return err
	}
	done := b.beginOp()
	defer done()
	return store.ReadFile(ctx, target, dst)
}

// Upload streams size bytes from src onto the unit.
func (b *Browser) Upload(ctx context.Context, p string, src io.Reader, size int64) error {
	store, target, err := b.resolve(p)
	if err != nil {
		return err
	}
	done := b.beginOp()
	defer done()
	return store.WriteFile(ctx, target, src, size)
}

// Rename moves a file or directory. Both paths must stay inside the
// storage mounts.
func (b *Browser) Rename(ctx context.Context, oldPath, newPath string) error {
	store, from, err := b.resolve(oldPath)
	if err != nil {
		return err
	}
	_, to, err := b.resolve(newPath)
	if err != nil {
		return err
	}
	done := b.beginOp()
	defer done()
	return store.Rename(ctx, from, to)
}

// Remove deletes a file or, with recursive set, a directory tree.
func (b *Browser) Remove(ctx context.Context, p string, recursive bool) error {
	store, target, err := b.resolve(p)
	if err != nil {
		return err
	}
	done := b.beginOp()
	defer done()
	return store.RemovePath(ctx, target, recursive)
}

// MakeDirectory creates a directory.
func (b *Browser) MakeDirectory(ctx context.Context, p string) error {
	store, target, err := b.resolve(p)
	if err != nil {
		return err
	}
	done := b.beginOp()
	defer done()
	return store.MakeDirectory(ctx, target)
}

func (b *Browser) snapshot() (Storage, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.store == nil {
		return nil, "", ErrNoDevice
	}
	return b.store, b.cur, nil
}

// resolve turns p into a cleaned absolute path inside the storage
// mounts, relative paths anchored at the current directory.
func (b *Browser) resolve(p string) (Storage, string, error) {
	store, cur, err := b.snapshot()
	if err != nil {
		return nil, "", err
	}
	target := p
	if !strings.HasPrefix(target, "/") {
		target = path.Join(cur, target)
	}
	target = path.Clean(target)
	if !insideStorage(target) || target == "/" {
		return nil, "", ErrOutsideStorage
	}
	return store, target, nil
}

// beginOp marks a storage operation running and arms the busy
// announcement. The returned func ends the operation.
func (b *Browser) beginOp() func() {
	b.mu.Lock()
	b.ops++
	if b.ops == 1 && b.busyTimer == nil {
		b.busyTimer = time.AfterFunc(busyAnnounceDelay, b.announceBusy)
	}
	b.mu.Unlock()
	return b.endOp
}

func (b *Browser) announceBusy() {
	b.mu.Lock()
	b.busyTimer = nil
	if b.ops == 0 || b.busyShown {
		b.mu.Unlock()
		return
	}
	b.busyShown = true
	obs := b.copyBusyObs()
	b.mu.Unlock()

	for _, fn := range obs {
		fn(true)
	}
}

func (b *Browser) endOp() {
	b.mu.Lock()
	b.ops--
	if b.ops > 0 {
		b.mu.Unlock()
		return
	}
	if b.busyTimer != nil {
		b.busyTimer.Stop()
		b.busyTimer = nil
	}
	if !b.busyShown {
		b.mu.Unlock()
		return
	}
	b.busyShown = false
	obs := b.copyBusyObs()
	b.mu.Unlock()

	for _, fn := range obs {
		fn(false)
	}
}

func (b *Browser) copyPathObs() []func(string) {
	obs := make([]func(string), len(b.pathObs))
	copy(obs, b.pathObs)
	return obs
}

func (b *Browser) copyBusyObs() []func(bool) {
	obs := make([]func(bool), len(b.busyObs))
	copy(obs, b.busyObs)
	return obs
}

func (b *Browser) notifyPath(obs []func(string), p string) {
	b.logger.Debug("browser moved", "path", p)
	for _, fn := range obs {
		fn(p)
	}
}

// insideStorage accepts the root and anything under the internal or
// removable mounts.
func insideStorage(p string) bool {
	if p == "/" || p == "/int" || p == "/ext" {
		return true
	}
	return strings.HasPrefix(p, "/int/") || strings.HasPrefix(p, "/ext/")
}

// filterMounts trims a root listing down to the storage mounts.
func filterMounts(entries []device.FileInfo) []device.FileInfo {
	out := entries[:0]
	for _, e := range entries {
		if e.Dir && (e.Name == "int" || e.Name == "ext") {
			out = append(out, e)
		}
	}
	return out
}

// sortEntries orders directories before files, names compared
// case-insensitively within each group.
func sortEntries(entries []device.FileInfo) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Dir != entries[j].Dir {
			return entries[i].Dir
		}
		return strings.ToLower(entries[i].Name) < strings.ToLower(entries[j].Name)
	})
}
