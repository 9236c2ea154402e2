// Package sampler debounces the track inputs.
//
// Each channel is a small state machine evaluated once per loop tick: the
// time of the last raw change is recorded, and the raw level is promoted to
// the stable level only after it has held for the debounce delay. A
// channel that keeps bouncing never settles and so never reports.
package sampler

import "time"

// Level is a digital input level.
type Level bool

const (
	Low  Level = false
	High Level = true
)

func (l Level) String() string {
	if l == High {
		return "HIGH"
	}
	return "LOW"
}

// Occupancy maps a stable level to its bus payload. The inputs are pulled
// up; a train on the section pulls the line LOW.
func (l Level) Occupancy() string {
	if l == Low {
		return "OCCUPIED"
	}
	return "FREE"
}

// Channel is the debounce state of one input.
type Channel struct {
	Index      int
	Raw        Level
	LastRaw    Level
	LastChange time.Time
	Stable     Level
}

// Sampler owns the channels. It is not safe for concurrent use; the
// device loop is its only caller.
type Sampler struct {
	delay    time.Duration
	channels []Channel
	onChange func(index int, level Level)
}

// New creates a sampler for len(initial) channels, seeded from a first
// reading so boot does not report spurious transitions.
func New(initial []Level, delay time.Duration, now time.Time, onChange func(index int, level Level)) *Sampler {
	chans := make([]Channel, len(initial))
	for i, lvl := range initial {
		chans[i] = Channel{
			Index:      i,
			Raw:        lvl,
			LastRaw:    lvl,
			LastChange: now,
			Stable:     lvl,
		}
	}
	return &Sampler{delay: delay, channels: chans, onChange: onChange}
}

// Tick feeds one reading per channel. Extra readings are ignored and
// missing ones leave their channel untouched.
func (s *Sampler) Tick(now time.Time, raw []Level) {
	for i := range s.channels {
		if i >= len(raw) {
			return
		}
		ch := &s.channels[i]
		ch.Raw = raw[i]

		if ch.Raw != ch.LastRaw {
			ch.LastChange = now
			ch.LastRaw = ch.Raw
			continue
		}

		if now.Sub(ch.LastChange) >= s.delay && ch.Raw != ch.Stable {
			ch.Stable = ch.Raw
			if s.onChange != nil {
				s.onChange(ch.Index, ch.Stable)
			}
		}
	}
}

// RepublishAll calls fn with every channel's stable level, in index order.
func (s *Sampler) RepublishAll(fn func(index int, level Level)) {
	for _, ch := range s.channels {
		fn(ch.Index, ch.Stable)
	}
}

// Channels returns a copy of the channel states.
func (s *Sampler) Channels() []Channel {
	out := make([]Channel, len(s.channels))
	copy(out, s.channels)
	return out
}
