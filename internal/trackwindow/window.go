// Package trackwindow keeps a rolling window of recent track transitions
// for the portal's history view. The window is a circular buffer with
// two kinds of eviction: by count when the buffer wraps, and by age at
// read time.
package trackwindow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hsc-engineering/yardnode/internal/events"
)

// Entry records one debounced transition.
type Entry struct {
	Track     int       `json:"track"`
	State     string    `json:"state"`
	Timestamp time.Time `json:"ts"`
}

// Window is safe for concurrent use.
type Window struct {
	mu      sync.RWMutex
	entries []Entry // circular buffer, pre-allocated
	head    int     // next write position
	count   int
	maxAge  time.Duration
	nowFunc func() time.Time
	logger  *slog.Logger
}

// New creates a window holding at most maxEntries transitions no older
// than maxAge.
func New(maxEntries int, maxAge time.Duration, logger *slog.Logger) *Window {
	if maxEntries <= 0 {
		maxEntries = 64
	}
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Window{
		entries: make([]Entry, maxEntries),
		maxAge:  maxAge,
		nowFunc: time.Now,
		logger:  logger,
	}
}

// Record adds a transition.
func (w *Window) Record(track int, state string, at time.Time) {
	w.mu.Lock()
	w.entries[w.head] = Entry{Track: track, State: state, Timestamp: at}
	w.head = (w.head + 1) % len(w.entries)
	if w.count < len(w.entries) {
		w.count++
	}
	w.mu.Unlock()
}

// Recent returns the transitions within maxAge, newest first.
func (w *Window) Recent() []Entry {
	w.mu.RLock()
	defer w.mu.RUnlock()

	cutoff := w.nowFunc().Add(-w.maxAge)
	n := len(w.entries)
	out := make([]Entry, 0, w.count)
	for i := 0; i < w.count; i++ {
		e := w.entries[(w.head-1-i+n)%n]
		if e.Timestamp.Before(cutoff) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Follow records track events from bus until ctx is done.
func (w *Window) Follow(ctx context.Context, bus *events.Bus) {
	if bus == nil {
		return
	}
	ch := bus.Subscribe(32)
	defer bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if e.Source != events.SourceTrack || e.Kind != events.KindTrackChanged {
				continue
			}
			track, _ := e.Data["track"].(int)
			state, _ := e.Data["state"].(string)
			if track == 0 || state == "" {
				w.logger.Debug("ignoring malformed track event", "data", e.Data)
				continue
			}
			w.Record(track, state, e.Timestamp)
		}
	}
}
