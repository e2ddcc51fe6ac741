package update

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/fenneclabs/fennec-core/internal/infrastructure/config"
	"github.com/fenneclabs/fennec-core/internal/infrastructure/logging"
)

// State is the catalog registry status.
type State string

// Registry states.
const (
	// StateUnknown means no fetch has completed yet.
	StateUnknown State = "unknown"

	// StateChecking means a fetch is in progress.
	StateChecking State = "checking"

	// StateReady means the catalog and latest version are valid.
	StateReady State = "ready"

	// StateError means the last fetch failed; any previously fetched
	// catalog is retained for display but must not be trusted as current.
	StateError State = "error-occurred"
)

// maxDirectorySize caps the directory document read, as a guard against a
// misconfigured URL pointing at something huge.
const maxDirectorySize = 8 << 20

// Registry tracks the remote firmware catalog.
//
// All mutation happens on the Run goroutine: explicit Check() requests and
// the periodic ticker both funnel into the same fetch path, so observer
// callbacks fire in a well-defined order and never concurrently.
type Registry struct {
	url      string
	channel  string
	timeout  time.Duration
	interval time.Duration
	client   *http.Client
	logger   *logging.Logger

	mu        sync.RWMutex
	state     State
	dir       Directory
	hasDir    bool
	latest    VersionDescriptor
	hasLatest bool
	lastErr   string

	checkCh chan struct{}

	obsMu     sync.Mutex
	observers []func()
}

// NewRegistry creates a catalog registry from the updates section of the
// configuration. Call Run to start fetching.
func NewRegistry(cfg config.UpdatesConfig, logger *logging.Logger) *Registry {
	timeout := time.Duration(cfg.HTTPTimeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Registry{
		url:      cfg.URL,
		channel:  cfg.Channel,
		timeout:  timeout,
		interval: time.Duration(cfg.CheckInterval) * time.Second,
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With("component", "update"),
		state:    StateUnknown,
		checkCh:  make(chan struct{}, 1),
	}
}

// OnChanged registers an observer called after every state or latest-version
// change. Callbacks run on the registry's Run goroutine and must not block.
func (r *Registry) OnChanged(fn func()) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	r.observers = append(r.observers, fn)
}

// State returns the current registry status.
func (r *Registry) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// LastError returns the message of the most recent failed fetch, or "".
func (r *Registry) LastError() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastErr
}

// LatestVersion returns the newest version on the configured channel.
// Returns ErrNotReady until a fetch has succeeded.
func (r *Registry) LatestVersion() (VersionDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.hasLatest {
		return VersionDescriptor{}, ErrNotReady
	}
	return r.latest, nil
}

// Directory returns the most recently fetched catalog. The second return
// reports whether any fetch has succeeded yet.
func (r *Registry) Directory() (Directory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dir, r.hasDir
}

// Channel returns the channel id this registry tracks.
func (r *Registry) Channel() string {
	return r.channel
}

// Check requests a catalog fetch. Non-blocking; concurrent requests while a
// fetch is already queued or running coalesce into one.
func (r *Registry) Check() {
	select {
	case r.checkCh <- struct{}{}:
	default:
	}
}

// Run fetches the catalog once at startup, then on every Check() request and
// on the periodic interval, until the context is cancelled.
func (r *Registry) Run(ctx context.Context) error {
	// Periodic re-check is optional.
	var tickCh <-chan time.Time
	if r.interval > 0 {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		tickCh = ticker.C
	}

	r.doCheck(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.checkCh:
			r.doCheck(ctx)
		case <-tickCh:
			r.doCheck(ctx)
		}
	}
}

// doCheck performs one catalog fetch and publishes the outcome.
func (r *Registry) doCheck(ctx context.Context) {
	r.setChecking()

	dir, err := r.fetchDirectory(ctx)
	if err != nil {
		r.setError(err)
		return
	}

	channel, err := dir.Channel(r.channel)
	if err != nil {
		r.setError(err)
		return
	}

	latest, err := channel.Latest()
	if err != nil {
		r.setError(err)
		return
	}

	r.mu.Lock()
	r.state = StateReady
	r.dir = dir
	r.hasDir = true
	r.latest = latest
	r.hasLatest = true
	r.lastErr = ""
	r.mu.Unlock()

	r.logger.Info("catalog updated",
		"channel", r.channel,
		"latest", latest.Version,
		"published", latest.Date().Format(time.RFC3339),
	)
	r.notify()
}

// fetchDirectory downloads and parses the directory document.
func (r *Registry) fetchDirectory(ctx context.Context) (Directory, error) {
	reqCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, r.url, nil)
	if err != nil {
		return Directory{}, fmt.Errorf("building catalog request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return Directory{}, fmt.Errorf("fetching catalog: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // Read side only

	if resp.StatusCode != http.StatusOK {
		return Directory{}, fmt.Errorf("fetching catalog: unexpected status %s", resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDirectorySize))
	if err != nil {
		return Directory{}, fmt.Errorf("reading catalog: %w", err)
	}

	return ParseDirectory(data)
}

func (r *Registry) setChecking() {
	r.mu.Lock()
	r.state = StateChecking
	r.mu.Unlock()
	r.notify()
}

func (r *Registry) setError(err error) {
	r.mu.Lock()
	r.state = StateError
	r.lastErr = err.Error()
	r.mu.Unlock()

	r.logger.Error("catalog check failed", "error", err)
	r.notify()
}

// notify runs observers in registration order.
func (r *Registry) notify() {
	r.obsMu.Lock()
	observers := make([]func(), len(r.observers))
	copy(observers, r.observers)
	r.obsMu.Unlock()

	for _, fn := range observers {
		fn()
	}
}
