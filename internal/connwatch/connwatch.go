// Package connwatch watches slow-moving conditions the node depends on
// after the radio is up. The network supervisor registers the host clock
// synchronisation watch; the status API reports every registered watch.
//
// A Watcher probes in two phases:
//  1. Startup: exponential backoff (1s, 2s, 4s, ... capped at 30s)
//  2. Background: periodic polling with state-transition callbacks
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks a condition. Return nil when it holds.
type ProbeFunc func(ctx context.Context) error

// Schedule controls probe timing.
type Schedule struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// MaxRetries bounds the startup phase.
	MaxRetries   int
	PollInterval time.Duration
	ProbeTimeout time.Duration
}

// DefaultSchedule is tuned for NTP: a freshly associated node usually
// syncs within a few seconds, rarely more than a minute.
func DefaultSchedule() Schedule {
	return Schedule{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   8,
		PollInterval: 5 * time.Minute,
		ProbeTimeout: 5 * time.Second,
	}
}

// WatcherConfig configures a single watcher.
type WatcherConfig struct {
	Name     string
	Probe    ProbeFunc
	Schedule Schedule

	// OnReady runs on its own goroutine when the condition starts holding.
	OnReady func()
	// OnDown runs on its own goroutine when the condition stops holding.
	OnDown func(err error)

	Logger *slog.Logger
}

// Status is a watcher's state for the status API.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher probes one condition.
type Watcher struct {
	config WatcherConfig
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// IsReady reports whether the last probe succeeded.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// Status returns a snapshot.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := Status{
		Name:      w.config.Name,
		Ready:     w.ready.Load(),
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for it to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	sched := w.config.Schedule
	logger := w.config.Logger

	delay := sched.InitialDelay
	for attempt := 1; attempt <= sched.MaxRetries; attempt++ {
		err := w.probe(ctx)
		if err == nil {
			logger.Info("condition holds", "watch", w.config.Name, "after_attempts", attempt)
			w.transition(nil)
			break
		}
		w.record(err)

		if attempt == sched.MaxRetries {
			logger.Warn("startup probing exhausted, polling in background",
				"watch", w.config.Name,
				"attempts", attempt,
				"error", err,
			)
			break
		}

		logger.Debug("probe failed, retrying",
			"watch", w.config.Name,
			"attempt", attempt,
			"next_delay", delay.String(),
			"error", err,
		)
		if !sleepCtx(ctx, delay) {
			return
		}
		delay = time.Duration(float64(delay) * sched.Multiplier)
		if delay > sched.MaxDelay {
			delay = sched.MaxDelay
		}
	}

	ticker := time.NewTicker(sched.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.transition(w.probe(ctx))
		}
	}
}

// transition records err and fires the callback for a state change.
func (w *Watcher) transition(err error) {
	w.record(err)
	was := w.ready.Load()
	switch {
	case !was && err == nil:
		w.ready.Store(true)
		if w.config.OnReady != nil {
			go w.config.OnReady()
		}
	case was && err != nil:
		w.ready.Store(false)
		w.config.Logger.Info("condition lost", "watch", w.config.Name, "error", err)
		if w.config.OnDown != nil {
			go w.config.OnDown(err)
		}
	}
}

func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.Schedule.ProbeTimeout)
	defer cancel()
	return w.config.Probe(probeCtx)
}

func (w *Watcher) record(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager owns a set of watchers.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates a Manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
	}
}

// Watch starts a watcher that runs until ctx is cancelled or Stop is
// called. Zero Schedule fields take their defaults.
//
// Panics if Name is empty or Probe is nil.
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

	d := DefaultSchedule()
	if cfg.Schedule.InitialDelay <= 0 {
		cfg.Schedule.InitialDelay = d.InitialDelay
	}
	if cfg.Schedule.MaxDelay <= 0 {
		cfg.Schedule.MaxDelay = d.MaxDelay
	}
	if cfg.Schedule.Multiplier <= 0 {
		cfg.Schedule.Multiplier = d.Multiplier
	}
	if cfg.Schedule.MaxRetries <= 0 {
		cfg.Schedule.MaxRetries = d.MaxRetries
	}
	if cfg.Schedule.PollInterval <= 0 {
		cfg.Schedule.PollInterval = d.PollInterval
	}
	if cfg.Schedule.ProbeTimeout <= 0 {
		cfg.Schedule.ProbeTimeout = d.ProbeTimeout
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go w.run(watchCtx)

	m.mu.Lock()
	if old, ok := m.watchers[cfg.Name]; ok {
		old.cancel()
	}
	m.watchers[cfg.Name] = w
	m.mu.Unlock()

	return w
}

// Status returns the status of every watcher, keyed by name.
func (m *Manager) Status() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Status, len(m.watchers))
	for name, w := range m.watchers {
		out[name] = w.Status()
	}
	return out
}

// Stop shuts down every watcher.
func (m *Manager) Stop() {
	m.mu.RLock()
	ws := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		ws = append(ws, w)
	}
	m.mu.RUnlock()

	for _, w := range ws {
		w.Stop()
	}
}
