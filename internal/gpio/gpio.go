// Package gpio drives the node's digital lines: the pulled-up track
// inputs, the AP-mode button and the status LED.
package gpio

import (
	"errors"
	"fmt"
	"sync"

	gpiod "github.com/warthog618/go-gpiocdev"

	"github.com/hsc-engineering/yardnode/internal/sampler"
)

const consumer = "yardnode"

// Lines is the set of lines requested from a real GPIO chip.
type Lines struct {
	chip   *gpiod.Chip
	tracks *gpiod.Lines
	button *gpiod.Line
	led    *gpiod.Line

	mu   sync.Mutex
	vals []int
}

// Open requests the track inputs and the button as pulled-up inputs and
// the LED as an output, initially off.
func Open(chipName string, tracks []int, button, led int) (*Lines, error) {
	chip, err := gpiod.NewChip(chipName, gpiod.WithConsumer(consumer))
	if err != nil {
		return nil, fmt.Errorf("open chip %s: %w", chipName, err)
	}

	l := &Lines{chip: chip, vals: make([]int, len(tracks))}

	l.tracks, err = chip.RequestLines(tracks, gpiod.AsInput, gpiod.WithPullUp)
	if err != nil {
		l.Close()
		return nil, fmt.Errorf("request track lines %v: %w", tracks, err)
	}

	l.button, err = chip.RequestLine(button, gpiod.AsInput, gpiod.WithPullUp)
	if err != nil {
		l.Close()
		return nil, fmt.Errorf("request button line %d: %w", button, err)
	}

	l.led, err = chip.RequestLine(led, gpiod.AsOutput(0))
	if err != nil {
		l.Close()
		return nil, fmt.Errorf("request led line %d: %w", led, err)
	}

	return l, nil
}

// ReadTracks returns the current raw level of every track input.
func (l *Lines) ReadTracks() ([]sampler.Level, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.tracks.Values(l.vals); err != nil {
		return nil, fmt.Errorf("read tracks: %w", err)
	}
	out := make([]sampler.Level, len(l.vals))
	for i, v := range l.vals {
		out[i] = sampler.Level(v != 0)
	}
	return out, nil
}

// Button returns the raw level of the AP-mode button. Pressed is LOW.
func (l *Lines) Button() (sampler.Level, error) {
	v, err := l.button.Value()
	if err != nil {
		return sampler.High, fmt.Errorf("read button: %w", err)
	}
	return sampler.Level(v != 0), nil
}

// SetLED drives the status LED.
func (l *Lines) SetLED(on bool) error {
	v := 0
	if on {
		v = 1
	}
	if err := l.led.SetValue(v); err != nil {
		return fmt.Errorf("set led: %w", err)
	}
	return nil
}

// Close releases every requested line and the chip.
func (l *Lines) Close() error {
	var errs []error
	if l.tracks != nil {
		if err := l.tracks.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close track lines: %w", err))
		}
	}
	if l.button != nil {
		if err := l.button.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close button line: %w", err))
		}
	}
	if l.led != nil {
		if err := l.led.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close led line: %w", err))
		}
	}
	if l.chip != nil {
		if err := l.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Sim is an in-memory line bank. Inputs float HIGH until set.
type Sim struct {
	mu     sync.Mutex
	tracks []sampler.Level
	button sampler.Level
	led    bool
	ledLog []bool
}

// NewSim returns a simulated bank with n track inputs.
func NewSim(n int) *Sim {
	s := &Sim{tracks: make([]sampler.Level, n), button: sampler.High}
	for i := range s.tracks {
		s.tracks[i] = sampler.High
	}
	return s
}

// ReadTracks returns a copy of the simulated inputs.
func (s *Sim) ReadTracks() ([]sampler.Level, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sampler.Level, len(s.tracks))
	copy(out, s.tracks)
	return out, nil
}

// Button returns the simulated button level.
func (s *Sim) Button() (sampler.Level, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.button, nil
}

// SetLED records the LED state.
func (s *Sim) SetLED(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on != s.led {
		s.ledLog = append(s.ledLog, on)
	}
	s.led = on
	return nil
}

// Close is a no-op.
func (s *Sim) Close() error { return nil }

// SetTrack sets a simulated input level.
func (s *Sim) SetTrack(index int, level sampler.Level) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index >= 0 && index < len(s.tracks) {
		s.tracks[index] = level
	}
}

// SetButton sets the simulated button level.
func (s *Sim) SetButton(level sampler.Level) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.button = level
}

// LED reports the current LED state.
func (s *Sim) LED() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.led
}

// LEDTransitions returns every LED state change in order.
func (s *Sim) LEDTransitions() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]bool, len(s.ledLog))
	copy(out, s.ledLog)
	return out
}
