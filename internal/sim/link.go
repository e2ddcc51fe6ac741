package sim

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fenneclabs/fennec-core/internal/device"
)

// ErrNotFound is returned for paths the synthetic storage tree does not
// contain. It matches errors.Is(err, fs.ErrNotExist) so callers can
// treat the simulator like any other storage backend.
var ErrNotFound = fmt.Errorf("sim: path not found: %w", fs.ErrNotExist)

const (
	linkEventBuffer = 16
	frameBuffer     = 4
	frameInterval   = 100 * time.Millisecond

	screenWidth  = 128
	screenHeight = 64

	intTotal = 8 << 20
	extTotal = 256 << 20

	dirPermissions = 0o755
)

// node is one entry of the in-memory storage tree.
type node struct {
	dir     bool
	data    []byte
	modTime time.Time
}

// Link is the transport of the synthetic unit. It honours the same
// mode gating as real hardware: filesystem and session calls fail in
// recovery mode, flash calls fail outside it.
type Link struct {
	opts Options

	mu        sync.Mutex
	recovery  bool
	session   bool // firmware session handshake completed
	closed    bool
	version   string
	bootMode  device.BootMode
	fs        map[string]*node
	failures  map[string]error
	inputs    []device.InputEvent
	streamOff context.CancelFunc

	events chan device.LinkEvent
	frames chan device.Frame
	done   chan struct{}
}

// NewLink creates the synthetic unit's transport. A normal-mode unit
// completes its session handshake after HandshakeDelay; a recovery-mode
// unit sits silent in its DFU loader.
func NewLink(opts Options) *Link {
	opts = opts.withDefaults()
	l := &Link{
		opts:     opts,
		recovery: opts.Recovery,
		version:  opts.Version,
		bootMode: device.BootNormal,
		fs:       seedStorage(),
		failures: make(map[string]error),
		events:   make(chan device.LinkEvent, linkEventBuffer),
		frames:   make(chan device.Frame, frameBuffer),
		done:     make(chan struct{}),
	}
	if opts.Recovery {
		l.bootMode = device.BootDFU
	} else {
		go l.handshake()
	}
	return l
}

// FailNext arms a one-shot failure for the named step. Step names match
// the link methods: "info", "backup", "flash-firmware", and so on. The
// failure is consumed by the next matching call.
func (l *Link) FailNext(step string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures[step] = err
}

// Inputs returns the key events injected so far.
func (l *Link) Inputs() []device.InputEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]device.InputEvent(nil), l.inputs...)
}

// BootMode returns the image the unit would boot next.
func (l *Link) BootMode() device.BootMode {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bootMode
}

func (l *Link) Info(ctx context.Context) (device.Info, error) {
	if err := l.takeFailure("info"); err != nil {
		return device.Info{}, err
	}
	if err := l.wait(ctx); err != nil {
		return device.Info{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return device.Info{}, device.ErrClosed
	}
	info := device.Info{
		Serial: l.opts.Serial,
		Name:   "Vulpes",
		Hardware: device.HardwareInfo{
			Target:   "fn1",
			Revision: "12",
			Color:    "white",
		},
		Storage: l.storageInfoLocked(),
		Screen:  device.ScreenInfo{Width: screenWidth, Height: screenHeight},
	}
	if !l.recovery {
		info.Software = device.SoftwareInfo{
			Version:      l.version,
			Branch:       l.opts.Branch,
			BuildDate:    "2026-07-18",
			RadioVersion: "1.17.3",
			FUSVersion:   "1.2.0",
		}
		info.Battery = device.BatteryInfo{Percent: 83, Charging: true}
	}
	return info, nil
}

func (l *Link) Recovery() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.recovery
}

func (l *Link) EnterRecovery(ctx context.Context) error {
	if err := l.requireNormal(); err != nil {
		return err
	}
	if err := l.takeFailure("enter-recovery"); err != nil {
		return err
	}
	if err := l.wait(ctx); err != nil {
		return err
	}

	l.mu.Lock()
	l.recovery = true
	l.bootMode = device.BootDFU
	hadSession := l.session
	l.session = false
	l.mu.Unlock()

	if hadSession {
		l.emit(device.LinkStreamingDisabled)
	}
	l.emit(device.LinkRecoveryEntered)
	return nil
}

func (l *Link) ExitRecovery(ctx context.Context) error {
	if err := l.requireRecovery(); err != nil {
		return err
	}
	if err := l.takeFailure("exit-recovery"); err != nil {
		return err
	}
	if err := l.wait(ctx); err != nil {
		return err
	}

	l.mu.Lock()
	l.recovery = false
	l.bootMode = device.BootNormal
	l.mu.Unlock()

	l.emit(device.LinkRecoveryExited)
	go l.handshake()
	return nil
}

func (l *Link) Reboot(ctx context.Context) error {
	if err := l.requireOpen(); err != nil {
		return err
	}
	if err := l.takeFailure("reboot"); err != nil {
		return err
	}
	if err := l.wait(ctx); err != nil {
		return err
	}

	l.mu.Lock()
	recovery := l.recovery
	hadSession := l.session
	l.session = false
	l.mu.Unlock()

	if hadSession {
		l.emit(device.LinkStreamingDisabled)
	}
	if !recovery {
		go l.handshake()
	}
	return nil
}

func (l *Link) SetBootMode(ctx context.Context, mode device.BootMode) error {
	if err := l.requireOpen(); err != nil {
		return err
	}
	if err := l.takeFailure("set-boot-mode"); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.bootMode = mode
	return nil
}

func (l *Link) FlashFirmware(ctx context.Context, imagePath string, _ uint32, progress device.ProgressFunc) error {
	if err := l.requireRecovery(); err != nil {
		return err
	}
	if err := l.takeFailure("flash-firmware"); err != nil {
		return err
	}
	if _, err := os.Stat(imagePath); err != nil {
		return fmt.Errorf("sim: firmware image: %w", err)
	}
	if err := l.transfer(ctx, progress); err != nil {
		return err
	}

	if v := l.opts.FlashVersion; v != "" {
		l.mu.Lock()
		l.version = v
		l.mu.Unlock()
	}
	return nil
}

func (l *Link) InstallRadioStack(ctx context.Context, imagePath string, progress device.ProgressFunc) error {
	if err := l.requireRecovery(); err != nil {
		return err
	}
	if err := l.takeFailure("install-radio-stack"); err != nil {
		return err
	}
	if _, err := os.Stat(imagePath); err != nil {
		return fmt.Errorf("sim: radio stack image: %w", err)
	}
	return l.transfer(ctx, progress)
}

func (l *Link) InstallFUS(ctx context.Context, imagePath string, _ uint32, progress device.ProgressFunc) error {
	if err := l.requireRecovery(); err != nil {
		return err
	}
	if err := l.takeFailure("install-fus"); err != nil {
		return err
	}
	if _, err := os.Stat(imagePath); err != nil {
		return fmt.Errorf("sim: FUS image: %w", err)
	}
	return l.transfer(ctx, progress)
}

func (l *Link) CorrectOptionBytes(ctx context.Context, templatePath string) error {
	if err := l.requireRecovery(); err != nil {
		return err
	}
	if err := l.takeFailure("correct-option-bytes"); err != nil {
		return err
	}
	if _, err := os.Stat(templatePath); err != nil {
		return fmt.Errorf("sim: option byte template: %w", err)
	}
	return l.wait(ctx)
}

func (l *Link) List(ctx context.Context, p string) ([]device.FileInfo, error) {
	if err := l.requireNormal(); err != nil {
		return nil, err
	}
	if err := l.takeFailure("list"); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	target := path.Clean(p)
	n, ok := l.fs[target]
	if !ok {
		return nil, fmt.Errorf("sim: %q: %w", p, ErrNotFound)
	}
	if !n.dir {
		return nil, fmt.Errorf("sim: %q is not a directory", p)
	}

	var out []device.FileInfo
	for fp, fn := range l.fs {
		if fp == "/" || path.Dir(fp) != target {
			continue
		}
		out = append(out, device.FileInfo{
			Name:    path.Base(fp),
			Path:    fp,
			Size:    int64(len(fn.data)),
			Dir:     fn.dir,
			ModTime: fn.modTime,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (l *Link) ReadFile(ctx context.Context, p string, dst io.Writer) error {
	if err := l.requireNormal(); err != nil {
		return err
	}
	if err := l.takeFailure("read-file"); err != nil {
		return err
	}

	l.mu.Lock()
	n, ok := l.fs[path.Clean(p)]
	var data []byte
	if ok {
		data = append([]byte(nil), n.data...)
	}
	l.mu.Unlock()

	if !ok {
		return fmt.Errorf("sim: %q: %w", p, ErrNotFound)
	}
	if n.dir {
		return fmt.Errorf("sim: %q is a directory", p)
	}
	if err := l.wait(ctx); err != nil {
		return err
	}
	if _, err := dst.Write(data); err != nil {
		return fmt.Errorf("sim: writing download: %w", err)
	}
	return nil
}

func (l *Link) WriteFile(ctx context.Context, p string, src io.Reader, size int64) error {
	if err := l.requireNormal(); err != nil {
		return err
	}
	if err := l.takeFailure("write-file"); err != nil {
		return err
	}

	var buf bytes.Buffer
	if _, err := io.CopyN(&buf, src, size); err != nil {
		return fmt.Errorf("sim: reading upload: %w", err)
	}
	if err := l.wait(ctx); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	target := path.Clean(p)
	parent, ok := l.fs[path.Dir(target)]
	if !ok || !parent.dir {
		return fmt.Errorf("sim: %q: parent directory: %w", p, ErrNotFound)
	}
	if existing, ok := l.fs[target]; ok && existing.dir {
		return fmt.Errorf("sim: %q is a directory", p)
	}
	l.fs[target] = &node{data: buf.Bytes(), modTime: time.Now().UTC()}
	return nil
}

func (l *Link) Remove(ctx context.Context, p string, recursive bool) error {
	if err := l.requireNormal(); err != nil {
		return err
	}
	if err := l.takeFailure("remove"); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	target := path.Clean(p)
	if isMount(target) {
		return fmt.Errorf("sim: cannot remove %q", target)
	}
	n, ok := l.fs[target]
	if !ok {
		return fmt.Errorf("sim: %q: %w", p, ErrNotFound)
	}
	if n.dir {
		children := l.childrenLocked(target)
		if len(children) > 0 && !recursive {
			return fmt.Errorf("sim: %q is not empty", p)
		}
		for _, c := range children {
			delete(l.fs, c)
		}
	}
	delete(l.fs, target)
	return nil
}

func (l *Link) Rename(ctx context.Context, oldPath, newPath string) error {
	if err := l.requireNormal(); err != nil {
		return err
	}
	if err := l.takeFailure("rename"); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	from := path.Clean(oldPath)
	to := path.Clean(newPath)
	if isMount(from) || isMount(to) {
		return fmt.Errorf("sim: cannot rename %q", from)
	}
	n, ok := l.fs[from]
	if !ok {
		return fmt.Errorf("sim: %q: %w", oldPath, ErrNotFound)
	}
	if _, exists := l.fs[to]; exists {
		return fmt.Errorf("sim: %q already exists", newPath)
	}
	parent, ok := l.fs[path.Dir(to)]
	if !ok || !parent.dir {
		return fmt.Errorf("sim: %q: parent directory: %w", newPath, ErrNotFound)
	}

	l.fs[to] = n
	delete(l.fs, from)
	for _, c := range l.childrenLocked(from) {
		l.fs[to+strings.TrimPrefix(c, from)] = l.fs[c]
		delete(l.fs, c)
	}
	return nil
}

func (l *Link) MakeDir(ctx context.Context, p string) error {
	if err := l.requireNormal(); err != nil {
		return err
	}
	if err := l.takeFailure("make-dir"); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	target := path.Clean(p)
	if _, exists := l.fs[target]; exists {
		return fmt.Errorf("sim: %q already exists", p)
	}
	parent, ok := l.fs[path.Dir(target)]
	if !ok || !parent.dir {
		return fmt.Errorf("sim: %q: parent directory: %w", p, ErrNotFound)
	}
	l.fs[target] = &node{dir: true, modTime: time.Now().UTC()}
	return nil
}

func (l *Link) Backup(ctx context.Context, destDir string, progress device.ProgressFunc) error {
	if err := l.requireNormal(); err != nil {
		return err
	}
	if err := l.takeFailure("backup"); err != nil {
		return err
	}
	if err := l.wait(ctx); err != nil {
		return err
	}

	l.mu.Lock()
	type entry struct {
		rel  string
		dir  bool
		data []byte
	}
	var entries []entry
	for fp, fn := range l.fs {
		if fp == "/int" || !strings.HasPrefix(fp, "/int/") {
			continue
		}
		entries = append(entries, entry{
			rel:  strings.TrimPrefix(fp, "/int/"),
			dir:  fn.dir,
			data: append([]byte(nil), fn.data...),
		})
	}
	l.mu.Unlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].rel < entries[j].rel })

	if err := os.MkdirAll(destDir, dirPermissions); err != nil {
		return fmt.Errorf("sim: creating backup directory: %w", err)
	}
	for i, e := range entries {
		dst := filepath.Join(destDir, filepath.FromSlash(e.rel))
		if e.dir {
			if err := os.MkdirAll(dst, dirPermissions); err != nil {
				return fmt.Errorf("sim: writing backup: %w", err)
			}
		} else {
			if err := os.MkdirAll(filepath.Dir(dst), dirPermissions); err != nil {
				return fmt.Errorf("sim: writing backup: %w", err)
			}
			if err := os.WriteFile(dst, e.data, 0o644); err != nil { //nolint:gosec // G306: backup files are not secrets
				return fmt.Errorf("sim: writing backup: %w", err)
			}
		}
		if progress != nil {
			progress(float64(i+1) * 100 / float64(len(entries)))
		}
	}
	return nil
}

func (l *Link) Restore(ctx context.Context, srcDir string, progress device.ProgressFunc) error {
	if err := l.requireNormal(); err != nil {
		return err
	}
	if err := l.takeFailure("restore"); err != nil {
		return err
	}
	if err := l.wait(ctx); err != nil {
		return err
	}

	restored := make(map[string]*node)
	err := filepath.Walk(srcDir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := "/int/" + filepath.ToSlash(rel)
		if info.IsDir() {
			restored[target] = &node{dir: true, modTime: info.ModTime()}
			return nil
		}
		data, err := os.ReadFile(p) //nolint:gosec // G304: path comes from walking the backup directory
		if err != nil {
			return err
		}
		restored[target] = &node{data: data, modTime: info.ModTime()}
		return nil
	})
	if err != nil {
		return fmt.Errorf("sim: reading backup: %w", err)
	}

	l.mu.Lock()
	for _, c := range l.childrenLocked("/int") {
		delete(l.fs, c)
	}
	for fp, fn := range restored {
		l.fs[fp] = fn
	}
	l.mu.Unlock()

	if progress != nil {
		progress(100)
	}
	return nil
}

func (l *Link) FactoryReset(ctx context.Context) error {
	if err := l.requireNormal(); err != nil {
		return err
	}
	if err := l.takeFailure("factory-reset"); err != nil {
		return err
	}
	if err := l.wait(ctx); err != nil {
		return err
	}

	l.mu.Lock()
	for _, c := range l.childrenLocked("/int") {
		delete(l.fs, c)
	}
	hadSession := l.session
	l.session = false
	l.mu.Unlock()

	if hadSession {
		l.emit(device.LinkStreamingDisabled)
	}
	go l.handshake()
	return nil
}

func (l *Link) StartScreenStream(ctx context.Context) error {
	if err := l.requireNormal(); err != nil {
		return err
	}
	if err := l.takeFailure("start-stream"); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.streamOff != nil {
		return nil
	}
	sctx, cancel := context.WithCancel(context.Background())
	l.streamOff = cancel
	go l.pumpFrames(sctx)
	return nil
}

func (l *Link) StopScreenStream(ctx context.Context) error {
	if err := l.requireOpen(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	cancel := l.streamOff
	l.streamOff = nil
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (l *Link) Frames() <-chan device.Frame { return l.frames }

func (l *Link) SendInput(ctx context.Context, ev device.InputEvent) error {
	if err := l.requireNormal(); err != nil {
		return err
	}
	if err := l.takeFailure("send-input"); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.inputs = append(l.inputs, ev)
	return nil
}

func (l *Link) Events() <-chan device.LinkEvent { return l.events }

func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	cancel := l.streamOff
	l.streamOff = nil
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	close(l.done)
	close(l.events)
	close(l.frames)
	return nil
}

// handshake completes the firmware session after the boot delay, unless
// the unit closed or fell back into recovery meanwhile.
func (l *Link) handshake() {
	t := time.NewTimer(l.opts.HandshakeDelay)
	defer t.Stop()
	select {
	case <-l.done:
		return
	case <-t.C:
	}

	l.mu.Lock()
	if l.closed || l.recovery {
		l.mu.Unlock()
		return
	}
	l.session = true
	l.mu.Unlock()
	l.emit(device.LinkStreamingEnabled)
}

// pumpFrames pushes synthetic screen frames until the stream stops.
func (l *Link) pumpFrames(ctx context.Context) {
	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()

	for n := 0; ; n++ {
		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		case <-ticker.C:
		}

		f := renderFrame(n)
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return
		}
		select {
		case l.frames <- f:
		default:
		}
		l.mu.Unlock()
	}
}

// renderFrame draws a scrolling band pattern so consumers can see the
// stream move.
func renderFrame(n int) device.Frame {
	stride := screenWidth / 8
	pixels := make([]byte, stride*screenHeight)
	for y := 0; y < screenHeight; y++ {
		row := byte(0x0F)
		if (y/8+n)%2 == 0 {
			row = 0xF0
		}
		for x := 0; x < stride; x++ {
			pixels[y*stride+x] = row
		}
	}
	return device.Frame{Width: screenWidth, Height: screenHeight, Stride: stride, Pixels: pixels}
}

func (l *Link) emit(t device.LinkEventType) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.events <- device.LinkEvent{Type: t}:
	default:
	}
}

// transfer simulates a long image transfer, reporting progress in
// quarters.
func (l *Link) transfer(ctx context.Context, progress device.ProgressFunc) error {
	const steps = 4
	for i := 1; i <= steps; i++ {
		if err := l.waitFor(ctx, l.opts.OperationDelay/steps); err != nil {
			return err
		}
		if progress != nil {
			progress(float64(i) * 100 / steps)
		}
	}
	return nil
}

func (l *Link) wait(ctx context.Context) error {
	return l.waitFor(ctx, l.opts.OperationDelay)
}

func (l *Link) waitFor(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return device.ErrClosed
	case <-t.C:
		return nil
	}
}

func (l *Link) takeFailure(step string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	err := l.failures[step]
	if err != nil {
		delete(l.failures, step)
	}
	return err
}

func (l *Link) requireOpen() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return device.ErrClosed
	}
	return nil
}

func (l *Link) requireNormal() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return device.ErrClosed
	}
	if l.recovery {
		return device.ErrRecovery
	}
	return nil
}

func (l *Link) requireRecovery() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return device.ErrClosed
	}
	if !l.recovery {
		return device.ErrNotRecovery
	}
	return nil
}

// childrenLocked returns every path strictly below dir. Call with mu
// held.
func (l *Link) childrenLocked(dir string) []string {
	prefix := dir + "/"
	var out []string
	for fp := range l.fs {
		if strings.HasPrefix(fp, prefix) {
			out = append(out, fp)
		}
	}
	return out
}

// storageInfoLocked computes capacity figures from the tree. Call with
// mu held.
func (l *Link) storageInfoLocked() device.StorageInfo {
	var intUsed, extUsed int64
	for fp, fn := range l.fs {
		switch {
		case strings.HasPrefix(fp, "/int/"):
			intUsed += int64(len(fn.data))
		case strings.HasPrefix(fp, "/ext/"):
			extUsed += int64(len(fn.data))
		}
	}
	return device.StorageInfo{
		IntTotal:   intTotal,
		IntFree:    intTotal - intUsed,
		ExtPresent: true,
		ExtTotal:   extTotal,
		ExtFree:    extTotal - extUsed,
	}
}

func isMount(p string) bool {
	return p == "/" || p == "/int" || p == "/ext"
}

// seedStorage builds the factory content of the synthetic unit.
func seedStorage() map[string]*node {
	now := time.Now().UTC()
	fs := map[string]*node{
		"/":         {dir: true, modTime: now},
		"/int":      {dir: true, modTime: now},
		"/int/apps": {dir: true, modTime: now},
		"/int/cfg":  {dir: true, modTime: now},
		"/ext":      {dir: true, modTime: now},
	}
	files := map[string]string{
		"/int/apps/clock.app": "synthetic app image",
		"/int/cfg/device.cfg": "name: Vulpes\nbrightness: 80\n",
		"/ext/manual.txt":     "Fennec quick start\n",
	}
	for fp, content := range files {
		fs[fp] = &node{data: []byte(content), modTime: now}
	}
	return fs
}
