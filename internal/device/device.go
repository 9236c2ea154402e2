// Package device runs the node's polling loop.
//
// One goroutine owns every piece of mutable device state: the working
// configuration, the sampler, the broker session, the LED and the pending
// reboot/update flags. Everything else (portal handlers, paho callbacks)
// reaches that state through channels, so no tick ever observes a
// half-applied change.
package device

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hsc-engineering/yardnode/internal/config"
	"github.com/hsc-engineering/yardnode/internal/connwatch"
	"github.com/hsc-engineering/yardnode/internal/events"
	"github.com/hsc-engineering/yardnode/internal/identity"
	"github.com/hsc-engineering/yardnode/internal/metrics"
	"github.com/hsc-engineering/yardnode/internal/mqtt"
	"github.com/hsc-engineering/yardnode/internal/netsup"
	"github.com/hsc-engineering/yardnode/internal/sampler"
	"github.com/hsc-engineering/yardnode/internal/settings"
	"github.com/hsc-engineering/yardnode/internal/update"
)

// ErrReboot is returned by Tick and Run when the node should restart.
var ErrReboot = errors.New("reboot requested")

// ErrStopped is returned by Do once the loop has exited.
var ErrStopped = errors.New("device loop stopped")

// Default timings.
const (
	DefaultTickInterval  = 10 * time.Millisecond
	DefaultButtonHold    = 3 * time.Second
	DefaultLocateBlink   = 500 * time.Millisecond
	DefaultAckBlink      = 100 * time.Millisecond
	apResetPassword      = "password"
	apResetBlinks        = 10
	requestQueueCapacity = 16
)

// IO is the node's digital hardware.
type IO interface {
	ReadTracks() ([]sampler.Level, error)
	Button() (sampler.Level, error)
	SetLED(on bool) error
}

// Network is the connectivity the loop and the portal report on.
type Network interface {
	State() netsup.State
	IP() string
	SSID() string
	RSSI(ctx context.Context) int
	ClockSynced() bool
}

// Session is the broker session driven by the loop.
type Session interface {
	Tick(ctx context.Context, now time.Time, env mqtt.Env)
	PublishTrack(ctx context.Context, boardID, channel int, level sampler.Level)
	RepublishInfo(ctx context.Context, now time.Time, ip string)
	JustConnected() bool
	State() mqtt.State
}

// Watches reports the background condition watches.
type Watches interface {
	Status() map[string]connwatch.Status
}

// Updater performs a remote update.
type Updater interface {
	Run(ctx context.Context, template string) update.Result
}

// Options configures a Device. IO, Network and Settings are required.
type Options struct {
	Board    config.BoardConfig
	Identity identity.Identity
	Settings *settings.Store
	IO       IO
	Network  Network
	Session  Session
	Updater  Updater
	Watches  Watches

	Debounce     time.Duration
	TickInterval time.Duration
	ButtonHold   time.Duration
	LocateBlink  time.Duration
	AckBlink     time.Duration

	// Uptime and MemAvailable feed the status snapshot. Nil uses the
	// process uptime and /proc/meminfo.
	Uptime       func() time.Duration
	MemAvailable func() (uint64, bool)

	Bus     *events.Bus
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// State is the loop-owned device state handed to Do callbacks.
type State struct {
	Config   settings.Config
	Locating bool

	rebootReason  string
	updatePending bool
}

// ScheduleReboot makes the next tick return ErrReboot.
func (s *State) ScheduleReboot(reason string) {
	if s.rebootReason == "" {
		s.rebootReason = reason
	}
}

// RebootPending reports whether a reboot has been scheduled.
func (s *State) RebootPending() bool {
	return s.rebootReason != ""
}

// RequestUpdate makes the next tick run an update.
func (s *State) RequestUpdate() {
	s.updatePending = true
}

type request struct {
	fn   func(*State)
	done chan struct{}
}

type trackChange struct {
	channel int
	level   sampler.Level
}

// Device is the polling loop.
type Device struct {
	opts    Options
	state   State
	sampler *sampler.Sampler

	requests chan request
	stopped  chan struct{}

	changes []trackChange

	buttonDown  bool
	buttonSince time.Time
	led         bool
	lastBlink   time.Time

	clockSynced bool
}

// New creates a Device, taking the first input reading as the initial
// stable state of every channel.
func New(opts Options, now time.Time) (*Device, error) {
	if opts.IO == nil || opts.Network == nil || opts.Settings == nil {
		return nil, errors.New("device: IO, Network and Settings are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 50 * time.Millisecond
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.ButtonHold <= 0 {
		opts.ButtonHold = DefaultButtonHold
	}
	if opts.LocateBlink <= 0 {
		opts.LocateBlink = DefaultLocateBlink
	}
	if opts.AckBlink <= 0 {
		opts.AckBlink = DefaultAckBlink
	}
	if opts.MemAvailable == nil {
		opts.MemAvailable = memAvailable
	}

	initial, err := opts.IO.ReadTracks()
	if err != nil {
		return nil, err
	}

	d := &Device{
		opts:     opts,
		state:    State{Config: opts.Settings.Current()},
		requests: make(chan request, requestQueueCapacity),
		stopped:  make(chan struct{}),
	}
	d.sampler = sampler.New(initial, opts.Debounce, now, func(ch int, level sampler.Level) {
		d.changes = append(d.changes, trackChange{channel: ch, level: level})
	})

	opts.Logger.Info("device ready",
		"device_id", opts.Identity.DeviceID,
		"board_id", d.state.Config.BoardID,
		"tracks", len(initial),
	)
	return d, nil
}

// Do runs fn on the loop goroutine at the start of the next tick and
// waits for it to finish.
func (d *Device) Do(ctx context.Context, fn func(*State)) error {
	req := request{fn: fn, done: make(chan struct{})}
	select {
	case d.requests <- req:
	case <-d.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-req.done:
		return nil
	case <-d.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run ticks until ctx is cancelled or a reboot is due.
func (d *Device) Run(ctx context.Context) error {
	defer close(d.stopped)

	ticker := time.NewTicker(d.opts.TickInterval)
	defer ticker.Stop()

	for {
		if err := d.Tick(ctx, time.Now()); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick runs one loop iteration.
func (d *Device) Tick(ctx context.Context, now time.Time) error {
	start := time.Now()
	defer func() { d.opts.Metrics.ObserveTick(time.Since(start)) }()

	if d.state.RebootPending() {
		d.opts.Logger.Info("rebooting", "reason", d.state.rebootReason)
		d.opts.Bus.Emit(events.SourceDevice, events.KindRebootScheduled, map[string]any{"reason": d.state.rebootReason})
		return ErrReboot
	}

	d.drainRequests()
	d.checkButton(ctx, now)
	d.driveLocate(now)

	if d.state.updatePending {
		d.state.updatePending = false
		d.runUpdate(ctx)
	}

	synced := d.opts.Network.ClockSynced()
	clockJustSynced := synced && !d.clockSynced
	d.clockSynced = synced

	cfg := d.state.Config
	if cfg.Configured() && d.opts.Session != nil {
		ip := d.opts.Network.IP()
		d.opts.Session.Tick(ctx, now, mqtt.Env{
			Config:    cfg,
			NetworkUp: d.opts.Network.State() == netsup.Connected,
			IP:        ip,
		})
		switch {
		case d.opts.Session.JustConnected():
			d.sampler.RepublishAll(func(ch int, level sampler.Level) {
				d.opts.Session.PublishTrack(ctx, cfg.BoardID, ch, level)
			})
		case clockJustSynced:
			// The info doc sent at connect carried a boot time from the unset clock.
			d.opts.Session.RepublishInfo(ctx, now, ip)
		}
	}

	raw, err := d.opts.IO.ReadTracks()
	if err != nil {
		d.opts.Logger.Warn("track read failed", "error", err)
		return nil
	}
	d.sampler.Tick(now, raw)
	d.publishChanges(ctx)
	return nil
}

func (d *Device) drainRequests() {
	for {
		select {
		case req := <-d.requests:
			req.fn(&d.state)
			close(req.done)
		default:
			return
		}
	}
}

// checkButton resets the WiFi password when the AP button is held low
// for longer than ButtonHold, so an operator who lost the passphrase can
// rejoin after the fallback access point comes up.
func (d *Device) checkButton(ctx context.Context, now time.Time) {
	level, err := d.opts.IO.Button()
	if err != nil {
		d.opts.Logger.Debug("button read failed", "error", err)
		return
	}
	if level != sampler.Low {
		d.buttonDown = false
		return
	}
	if !d.buttonDown {
		d.buttonDown = true
		d.buttonSince = now
		return
	}
	if now.Sub(d.buttonSince) <= d.opts.ButtonHold {
		return
	}
	d.buttonDown = false

	d.opts.Logger.Warn("AP button held, resetting WiFi password", "held", now.Sub(d.buttonSince))
	cfg := d.state.Config
	cfg.WiFiPassword = apResetPassword
	if err := d.opts.Settings.Save(cfg); err != nil {
		d.opts.Logger.Error("WiFi password reset not saved", "error", err)
	} else {
		d.state.Config = cfg
	}
	d.state.ScheduleReboot("AP button reset")

	for range apResetBlinks {
		d.setLED(!d.led)
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.opts.AckBlink):
		}
	}
}

func (d *Device) driveLocate(now time.Time) {
	if !d.state.Locating {
		if d.led {
			d.setLED(false)
		}
		return
	}
	if now.Sub(d.lastBlink) > d.opts.LocateBlink {
		d.lastBlink = now
		d.setLED(!d.led)
	}
}

func (d *Device) setLED(on bool) {
	if err := d.opts.IO.SetLED(on); err != nil {
		d.opts.Logger.Debug("LED write failed", "error", err)
		return
	}
	d.led = on
}

func (d *Device) runUpdate(ctx context.Context) {
	if d.opts.Updater == nil {
		d.opts.Logger.Warn("update requested but updates are not configured")
		return
	}
	// Only a station connection reaches the update server.
	if st := d.opts.Network.State(); st != netsup.Connected {
		d.opts.Logger.Warn("update request dropped, network not connected", "network", st)
		return
	}
	res := d.opts.Updater.Run(ctx, d.state.Config.UpdateURL)
	if res.Reboot {
		d.state.ScheduleReboot("firmware updated")
	}
}

func (d *Device) publishChanges(ctx context.Context) {
	if len(d.changes) == 0 {
		return
	}
	boardID := d.state.Config.BoardID
	for _, c := range d.changes {
		track := c.channel + 1
		d.opts.Logger.Info("track changed",
			"track", track,
			"state", c.level.Occupancy(),
		)
		d.opts.Metrics.TrackChanged(track, c.level == sampler.Low)
		d.opts.Bus.Emit(events.SourceTrack, events.KindTrackChanged, map[string]any{
			"track": track,
			"state": c.level.Occupancy(),
		})
		if boardID != 0 && d.opts.Session != nil {
			d.opts.Session.PublishTrack(ctx, boardID, c.channel, c.level)
		}
	}
	d.changes = d.changes[:0]
}
