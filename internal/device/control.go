package device

import (
	"context"
	"time"

	"github.com/prometheus/procfs"

	"github.com/hsc-engineering/yardnode/internal/buildinfo"
	"github.com/hsc-engineering/yardnode/internal/config"
	"github.com/hsc-engineering/yardnode/internal/connwatch"
	"github.com/hsc-engineering/yardnode/internal/events"
	"github.com/hsc-engineering/yardnode/internal/identity"
	"github.com/hsc-engineering/yardnode/internal/mqtt"
	"github.com/hsc-engineering/yardnode/internal/netsup"
	"github.com/hsc-engineering/yardnode/internal/sampler"
	"github.com/hsc-engineering/yardnode/internal/settings"
)

// Snapshot is a consistent view of the device for the portal.
type Snapshot struct {
	Config   settings.Config
	Identity identity.Identity
	Board    config.BoardConfig
	Firmware string

	Network     netsup.State
	SSID        string
	IP          string
	RSSI        int
	MQTT        mqtt.State
	ClockSynced bool
	Now         time.Time
	Watches     map[string]connwatch.Status

	Uptime          time.Duration
	FreeMemory      uint64
	FreeMemoryKnown bool

	Locating bool
	Channels []sampler.Channel
}

// Snapshot collects the device status. Loop-owned fields are read on the
// loop; network figures are read on the caller's goroutine.
func (d *Device) Snapshot(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{
		Identity: d.opts.Identity,
		Board:    d.opts.Board,
		Firmware: buildinfo.Version,
	}
	err := d.Do(ctx, func(s *State) {
		snap.Config = s.Config
		snap.Locating = s.Locating
		snap.Channels = d.sampler.Channels()
		if d.opts.Session != nil {
			snap.MQTT = d.opts.Session.State()
		}
	})
	if err != nil {
		return Snapshot{}, err
	}

	net := d.opts.Network
	snap.Network = net.State()
	snap.SSID = net.SSID()
	snap.IP = net.IP()
	snap.RSSI = net.RSSI(ctx)
	snap.ClockSynced = net.ClockSynced()
	snap.Now = time.Now()
	if d.opts.Watches != nil {
		snap.Watches = d.opts.Watches.Status()
	}

	uptime := d.opts.Uptime
	if uptime == nil {
		uptime = buildinfo.Uptime
	}
	snap.Uptime = uptime()
	snap.FreeMemory, snap.FreeMemoryKnown = d.opts.MemAvailable()
	return snap, nil
}

// SaveSettings merges p into the working configuration, persists it and
// schedules a reboot. On a persistence error nothing changes.
func (d *Device) SaveSettings(ctx context.Context, p settings.Patch) error {
	var saveErr error
	err := d.Do(ctx, func(s *State) {
		cfg := settings.Apply(s.Config, p)
		if saveErr = d.opts.Settings.Save(cfg); saveErr != nil {
			return
		}
		s.Config = cfg
		s.ScheduleReboot("settings saved")
	})
	if err != nil {
		return err
	}
	if saveErr != nil {
		d.opts.Logger.Error("settings save failed", "error", saveErr)
	}
	return saveErr
}

// ResetSettings clears the store, restores defaults and schedules a
// reboot.
func (d *Device) ResetSettings(ctx context.Context) error {
	var resetErr error
	err := d.Do(ctx, func(s *State) {
		cfg, err := d.opts.Settings.Reset()
		if err != nil {
			resetErr = err
			return
		}
		s.Config = cfg
		s.ScheduleReboot("settings reset")
	})
	if err != nil {
		return err
	}
	return resetErr
}

// Restart schedules a reboot.
func (d *Device) Restart(ctx context.Context) error {
	return d.Do(ctx, func(s *State) { s.ScheduleReboot("restart requested") })
}

// SetLocate turns the locate blink on or off.
func (d *Device) SetLocate(ctx context.Context, on bool) error {
	return d.Do(ctx, func(s *State) {
		if s.Locating != on {
			d.opts.Logger.Info("locate", "active", on)
			d.opts.Bus.Emit(events.SourceDevice, events.KindLocate, map[string]any{"active": on})
		}
		s.Locating = on
	})
}

// RequestUpdate asks the loop to run an update on its next tick.
func (d *Device) RequestUpdate(ctx context.Context) error {
	return d.Do(ctx, func(s *State) { s.RequestUpdate() })
}

// memAvailable reads MemAvailable from /proc/meminfo.
func memAvailable() (uint64, bool) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return 0, false
	}
	mi, err := fs.Meminfo()
	if err != nil || mi.MemAvailableBytes == nil {
		return 0, false
	}
	return *mi.MemAvailableBytes, true
}
