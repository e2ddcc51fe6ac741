package device

import (
	"context"
	"sync"
	"time"
)

// defaultQueryTimeout bounds the identity query run when a unit
// attaches.
const defaultQueryTimeout = 5 * time.Second

// OfflineDevice is the remembered identity of a unit that detached.
// Offline units stay listed so a UI can show recently seen hardware;
// RemoveOfflineDevices drops them.
type OfflineDevice struct {
	Info       Info      `json:"info"`
	DetachedAt time.Time `json:"detached_at"`
}

// Registry tracks attached Fennec units. It consumes hot-plug events
// from a Source, wraps each link in a Device, and elects the most
// recently attached unit as current.
//
// All public methods are thread-safe. Event handling is single
// threaded: Run processes one hot-plug event to completion before the
// next, so observers see a consistent ordering.
type Registry struct {
	source       Source
	logger       Logger
	queryTimeout time.Duration

	mu       sync.Mutex
	devices  map[string]*Device
	order    []string // attach order, newest last
	offline  map[string]OfflineDevice
	current  *Device
	querying bool
	lastErr  error

	currentObs []func()
	queryObs   []func(bool)
	errorObs   []func()
}

// NewRegistry creates a registry consuming hot-plug events from source.
func NewRegistry(source Source) *Registry {
	return &Registry{
		source:       source,
		logger:       noopLogger{},
		queryTimeout: defaultQueryTimeout,
		devices:      make(map[string]*Device),
		offline:      make(map[string]OfflineDevice),
	}
}

// SetLogger sets the logger for the registry and for devices it
// creates.
func (r *Registry) SetLogger(logger Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger = logger
}

// SetQueryTimeout overrides the identity query timeout.
func (r *Registry) SetQueryTimeout(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d > 0 {
		r.queryTimeout = d
	}
}

// OnCurrentChanged registers fn to run after the current unit changes,
// including to none.
func (r *Registry) OnCurrentChanged(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.currentObs = append(r.currentObs, fn)
}

// OnQueryChanged registers fn to run when the identity query starts or
// finishes.
func (r *Registry) OnQueryChanged(fn func(bool)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queryObs = append(r.queryObs, fn)
}

// OnErrorChanged registers fn to run when the registry's enumeration
// error is set or cleared.
func (r *Registry) OnErrorChanged(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errorObs = append(r.errorObs, fn)
}

// Run consumes hot-plug events until ctx is cancelled or the source
// closes its channel. All devices are closed on the way out.
func (r *Registry) Run(ctx context.Context) error {
	r.logger.Info("device registry started")
	defer r.closeAll()

	r.source.Rescan()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("device registry stopping")
			return nil
		case ev, ok := <-r.source.Events():
			if !ok {
				r.logger.Warn("device source closed")
				return nil
			}
			r.handle(ctx, ev)
		}
	}
}

func (r *Registry) handle(ctx context.Context, ev AttachEvent) {
	switch ev.Type {
	case Attached:
		r.handleAttach(ctx, ev.Serial, ev.Link)
	case Detached:
		r.handleDetach(ev.Serial)
	case SourceError:
		r.handleError(ev.Err)
	}
}

func (r *Registry) handleAttach(ctx context.Context, serial string, link Link) {
	if link == nil {
		return
	}

	d := NewDevice(serial, link)

	r.mu.Lock()
	d.SetLogger(r.logger)
	replaced := r.devices[serial]
	if replaced != nil {
		r.removeFromOrder(serial)
	}
	r.devices[serial] = d
	r.order = append(r.order, serial)
	delete(r.offline, serial)
	r.current = d
	obs := r.copyCurrentObs()
	r.mu.Unlock()

	if replaced != nil {
		replaced.Close()
	}
	r.logger.Info("device attached", "serial", serial, "recovery", link.Recovery())
	dispatch(obs)

	r.queryInfo(ctx, d, link)
}

// queryInfo fetches the identity block of a freshly attached unit,
// flagging the query window so readers can show a busy indicator.
func (r *Registry) queryInfo(ctx context.Context, d *Device, link Link) {
	r.setQuerying(true)
	defer r.setQuerying(false)

	qctx, cancel := context.WithTimeout(ctx, r.timeout())
	defer cancel()

	info, err := link.Info(qctx)
	if err != nil {
		r.logger.Warn("device identity query failed", "serial", d.Serial(), "error", err)
		d.setError(KindInvalidDevice, "device did not identify: "+err.Error())
		return
	}
	d.setInfo(info)
	r.logger.Info("device identified",
		"serial", d.Serial(),
		"name", info.Name,
		"target", info.Hardware.Target,
		"version", info.Software.Version)
}

func (r *Registry) handleDetach(serial string) {
	r.mu.Lock()
	d := r.devices[serial]
	if d == nil {
		r.mu.Unlock()
		return
	}
	delete(r.devices, serial)
	r.removeFromOrder(serial)
	r.offline[serial] = OfflineDevice{Info: d.Info(), DetachedAt: time.Now().UTC()}

	wasCurrent := r.current == d
	if wasCurrent {
		r.current = nil
		if n := len(r.order); n > 0 {
			r.current = r.devices[r.order[n-1]]
		}
	}
	var obs []func()
	if wasCurrent {
		obs = r.copyCurrentObs()
	}
	r.mu.Unlock()

	d.Close()
	r.logger.Info("device detached", "serial", serial)
	dispatch(obs)
}

func (r *Registry) handleError(err error) {
	if err == nil {
		return
	}
	r.mu.Lock()
	r.lastErr = WithKind(KindSerialAccess, err)
	obs := r.copyErrorObs()
	r.mu.Unlock()

	r.logger.Error("device enumeration failed", "error", err)
	dispatch(obs)
}

// Current returns the unit operations target, or nil when none is
// attached.
func (r *Registry) Current() *Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Devices returns attached units in attach order, oldest first.
func (r *Registry) Devices() []*Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Device, 0, len(r.order))
	for _, serial := range r.order {
		if d := r.devices[serial]; d != nil {
			out = append(out, d)
		}
	}
	return out
}

// OfflineDevices returns remembered identities of detached units.
func (r *Registry) OfflineDevices() []OfflineDevice {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]OfflineDevice, 0, len(r.offline))
	for _, od := range r.offline {
		out = append(out, od)
	}
	return out
}

// RemoveOfflineDevices forgets all detached units.
func (r *Registry) RemoveOfflineDevices() {
	r.mu.Lock()
	n := len(r.offline)
	r.offline = make(map[string]OfflineDevice)
	r.mu.Unlock()
	if n > 0 {
		r.logger.Debug("offline devices removed", "count", n)
	}
}

// IsQueryInProgress reports whether an identity query is running.
func (r *Registry) IsQueryInProgress() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.querying
}

// LastError returns the most recent enumeration error, nil when none.
// The error carries an ErrorKind retrievable with KindOf.
func (r *Registry) LastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// ClearError drops the recorded enumeration error.
func (r *Registry) ClearError() {
	r.mu.Lock()
	if r.lastErr == nil {
		r.mu.Unlock()
		return
	}
	r.lastErr = nil
	obs := r.copyErrorObs()
	r.mu.Unlock()
	dispatch(obs)
}

// Rescan asks the source to re-enumerate attached hardware.
func (r *Registry) Rescan() { r.source.Rescan() }

func (r *Registry) setQuerying(on bool) {
	r.mu.Lock()
	if r.querying == on {
		r.mu.Unlock()
		return
	}
	r.querying = on
	obs := make([]func(bool), len(r.queryObs))
	copy(obs, r.queryObs)
	r.mu.Unlock()
	for _, fn := range obs {
		fn(on)
	}
}

func (r *Registry) closeAll() {
	r.mu.Lock()
	devices := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		devices = append(devices, d)
	}
	r.devices = make(map[string]*Device)
	r.order = nil
	r.current = nil
	r.mu.Unlock()

	for _, d := range devices {
		d.Close()
	}
}

// removeFromOrder must be called with mu held.
func (r *Registry) removeFromOrder(serial string) {
	for i, s := range r.order {
		if s == serial {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}

// copyCurrentObs must be called with mu held.
func (r *Registry) copyCurrentObs() []func() {
	obs := make([]func(), len(r.currentObs))
	copy(obs, r.currentObs)
	return obs
}

// copyErrorObs must be called with mu held.
func (r *Registry) copyErrorObs() []func() {
	obs := make([]func(), len(r.errorObs))
	copy(obs, r.errorObs)
	return obs
}

func (r *Registry) timeout() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queryTimeout
}
