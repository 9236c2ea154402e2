// Package netsup brings the radio up in station mode and falls back to a
// local access point when association does not complete in time.
//
// There is one attempt per boot. Once in AP fallback the node stays
// there until it is restarted, typically from the portal or with the AP
// button.
package netsup

import (
	"context"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/hsc-engineering/yardnode/internal/buildinfo"
	"github.com/hsc-engineering/yardnode/internal/connwatch"
	"github.com/hsc-engineering/yardnode/internal/events"
)

// State is the connectivity state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	APFallback
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case APFallback:
		return "ap_fallback"
	}
	return "unknown"
}

// Radio is a network interface driver.
type Radio interface {
	HardwareAddr() (net.HardwareAddr, error)
	// Associate starts joining ssid. It may return before association
	// completes; Associated reports completion.
	Associate(ctx context.Context, ssid, password string) error
	Associated(ctx context.Context) (bool, error)
	StartAP(ctx context.Context, ssid, password string) error
	LocalIP() net.IP
	// RSSI is the signal strength in dBm, 0 when unknown.
	RSSI(ctx context.Context) int
}

// Options configures a Supervisor.
type Options struct {
	Attempts   int
	Interval   time.Duration
	APSSID     string
	APPassword string

	// ClockProbe reports nil once the host clock is synchronised. Nil
	// disables the time-sync watch.
	ClockProbe connwatch.ProbeFunc
	Watches    *connwatch.Manager

	Bus    *events.Bus
	Logger *slog.Logger
}

// Supervisor owns the radio's connectivity state.
type Supervisor struct {
	radio Radio
	opts  Options

	state atomic.Int32
	ssid  atomic.Value
	clock atomic.Pointer[connwatch.Watcher]
}

// New creates a Supervisor in the Disconnected state.
func New(radio Radio, opts Options) *Supervisor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 20
	}
	if opts.Interval <= 0 {
		opts.Interval = 500 * time.Millisecond
	}
	s := &Supervisor{radio: radio, opts: opts}
	s.ssid.Store("")
	return s
}

// Connect associates with ssid, polling up to the attempt limit, and
// starts the fallback access point if that fails. It blocks for the
// whole association window.
func (s *Supervisor) Connect(ctx context.Context, ssid, password string) State {
	logger := s.opts.Logger
	s.setState(Connecting)
	s.ssid.Store(ssid)

	logger.Info("joining network", "ssid", ssid, "attempts", s.opts.Attempts, "interval", s.opts.Interval)
	if err := s.radio.Associate(ctx, ssid, password); err != nil {
		logger.Warn("association request failed", "ssid", ssid, "error", err)
	}

	for attempt := 1; attempt <= s.opts.Attempts; attempt++ {
		ok, err := s.radio.Associated(ctx)
		if err != nil {
			logger.Debug("association poll failed", "attempt", attempt, "error", err)
		}
		if ok {
			logger.Info("network connected", "ssid", ssid, "ip", s.radio.LocalIP(), "attempts", attempt)
			s.setState(Connected)
			s.watchClock(ctx)
			return Connected
		}
		if !sleepCtx(ctx, s.opts.Interval) {
			s.setState(Disconnected)
			return Disconnected
		}
	}

	logger.Warn("network join timed out, starting access point",
		"ssid", ssid,
		"ap_ssid", s.opts.APSSID,
	)
	s.ssid.Store(s.opts.APSSID)
	if err := s.radio.StartAP(ctx, s.opts.APSSID, s.opts.APPassword); err != nil {
		logger.Error("access point start failed", "ap_ssid", s.opts.APSSID, "error", err)
	}
	s.setState(APFallback)
	return APFallback
}

// watchClock schedules the background time sync.
func (s *Supervisor) watchClock(ctx context.Context) {
	if s.opts.ClockProbe == nil || s.opts.Watches == nil {
		return
	}
	w := s.opts.Watches.Watch(ctx, connwatch.WatcherConfig{
		Name:  "timesync",
		Probe: s.opts.ClockProbe,
		OnReady: func() {
			s.opts.Logger.Info("clock synchronised",
				"time", time.Now().Format(time.RFC3339),
				"boot_time", buildinfo.BootTime(time.Now()).Unix(),
			)
		},
		Logger: s.opts.Logger,
	})
	s.clock.Store(w)
}

func (s *Supervisor) setState(st State) {
	if State(s.state.Swap(int32(st))) != st {
		s.opts.Bus.Emit(events.SourceNetwork, events.KindNetworkState, map[string]any{"state": st.String()})
	}
}

// State returns the current connectivity state.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// ClockSynced reports whether the time-sync watch has succeeded.
func (s *Supervisor) ClockSynced() bool {
	w := s.clock.Load()
	return w != nil && w.IsReady()
}

// SSID returns the joined network, or the AP name in fallback.
func (s *Supervisor) SSID() string {
	return s.ssid.Load().(string)
}

// IP returns the node's address on whichever network it is serving.
func (s *Supervisor) IP() string {
	ip := s.radio.LocalIP()
	if ip == nil {
		return "0.0.0.0"
	}
	return ip.String()
}

// RSSI returns the current signal strength in dBm.
func (s *Supervisor) RSSI(ctx context.Context) int {
	if s.State() != Connected {
		return 0
	}
	return s.radio.RSSI(ctx)
}

// APCredentials returns the fallback access point name and passphrase.
func (s *Supervisor) APCredentials() (ssid, password string) {
	return s.opts.APSSID, s.opts.APPassword
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
