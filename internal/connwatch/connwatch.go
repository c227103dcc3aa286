// Package connwatch tracks the reachability of the co-pilot's external
// dependencies (the generative backend, HubSpot, the MQTT broker).
//
// httpkit retries sub-second dial failures inside a single request.
// connwatch covers longer outages: each Watcher probes one service,
// first with capped exponential backoff until it answers (or the
// startup budget runs out), then on a fixed poll interval, reporting
// ready/down transitions.
package connwatch

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Pinger is anything with a health probe, such as llm.Backend or
// hubspot.Client.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingProbe adapts a Pinger to a ProbeFunc.
func PingProbe(p Pinger) ProbeFunc {
	return p.Ping
}

// BackoffConfig controls probe timing.
type BackoffConfig struct {
	// InitialDelay is the delay before the second startup probe (default: 2s).
	InitialDelay time.Duration

	// MaxDelay caps startup backoff growth (default: 60s).
	MaxDelay time.Duration

	// MaxRetries is the number of startup probes before falling back to
	// polling (default: 10).
	MaxRetries int

	// PollInterval is the steady-state check interval (default: 60s).
	PollInterval time.Duration

	// ProbeTimeout limits each probe call (default: 10s).
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns 2s, 4s, 8s ... capped at 60s, ten
// startup probes, then one probe a minute.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		MaxRetries:   10,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

func (b BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.MaxRetries <= 0 {
		b.MaxRetries = d.MaxRetries
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// startup returns the retry schedule for the startup phase.
func (b BackoffConfig) startup() retry.Backoff {
	bo := retry.NewExponential(b.InitialDelay)
	bo = retry.WithCappedDuration(b.MaxDelay, bo)
	return retry.WithMaxRetries(uint64(b.MaxRetries-1), bo)
}

// WatcherConfig configures a single service watcher.
type WatcherConfig struct {
	// Name identifies the service in logs and health output.
	Name string

	// Probe checks service health. Must be safe for concurrent use.
	Probe ProbeFunc

	// Required marks services whose absence makes the co-pilot unable
	// to answer at all. Optional services only degrade it.
	Required bool

	Backoff BackoffConfig

	// OnReady is called, in its own goroutine, on a not-ready to ready
	// transition. Optional.
	OnReady func()

	// OnDown is called, in its own goroutine, on a ready to not-ready
	// transition. Optional.
	OnDown func(err error)

	Logger *slog.Logger
}

// ServiceStatus is the health of one watched service.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Required  bool      `json:"required"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors a single service.
type Watcher struct {
	config WatcherConfig
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// IsReady reports whether the watched service is currently reachable.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// LastError returns the most recent probe error, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current health status.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServiceStatus{
		Name:      w.config.Name,
		Ready:     w.ready.Load(),
		Required:  w.config.Required,
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

var errProbeFailed = errors.New("probe failed")

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	cfg := w.config.Backoff
	log := w.config.Logger.With("service", w.config.Name)

	attempts := 0
	err := retry.Do(ctx, cfg.startup(), func(ctx context.Context) error {
		attempts++
		if err := w.check(ctx); err != nil {
			log.Debug("startup probe failed", "attempt", attempts, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	switch {
	case ctx.Err() != nil:
		return
	case err == nil:
		log.Info("service connected", "after_attempts", attempts)
	default:
		log.Info("startup connection failed, entering background polling",
			"attempts", attempts, "error", err)
	}

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.check(ctx); err != nil && !w.IsReady() {
				log.Debug("service still unreachable", "error", err)
			}
		}
	}
}

// check probes once, records the result and fires transition
// callbacks.
func (w *Watcher) check(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.Backoff.ProbeTimeout)
	err := w.config.Probe(probeCtx)
	cancel()

	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()

	if ctx.Err() != nil {
		return ctx.Err()
	}

	log := w.config.Logger.With("service", w.config.Name)
	wasReady := w.ready.Swap(err == nil)
	switch {
	case err == nil && !wasReady:
		log.Info("service ready")
		if w.config.OnReady != nil {
			go w.config.OnReady()
		}
	case err != nil && wasReady:
		log.Warn("service became unreachable", "error", err)
		if w.config.OnDown != nil {
			go w.config.OnDown(err)
		}
	}
	if err != nil {
		return errors.Join(errProbeFailed, err)
	}
	return nil
}

// Manager coordinates multiple service watchers.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates a connection watch manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger.With("component", "connwatch"),
	}
}

// Watch registers and starts a watcher that runs until ctx is
// cancelled or Stop is called. It panics on an empty Name or nil Probe.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go w.run(watchCtx)

	m.mu.Lock()
	m.watchers[cfg.Name] = w
	m.mu.Unlock()
	return w
}

// Health is the aggregate of every watched service.
type Health struct {
	// Status is "ok" when every service is ready, "degraded" when only
	// optional services are down, and "unavailable" otherwise.
	Status   string          `json:"status"`
	Services []ServiceStatus `json:"services"`
}

// Health statuses.
const (
	HealthOK          = "ok"
	HealthDegraded    = "degraded"
	HealthUnavailable = "unavailable"
)

// Status returns the health status of every watched service.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		status[name] = w.Status()
	}
	return status
}

// Health summarizes Status, services sorted by name.
func (m *Manager) Health() Health {
	h := Health{Status: HealthOK}
	for _, s := range m.Status() {
		h.Services = append(h.Services, s)
		if s.Ready {
			continue
		}
		if s.Required {
			h.Status = HealthUnavailable
		} else if h.Status == HealthOK {
			h.Status = HealthDegraded
		}
	}
	sort.Slice(h.Services, func(i, j int) bool { return h.Services[i].Name < h.Services[j].Name })
	return h
}

// Stop shuts down all watchers and waits for their goroutines to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}
