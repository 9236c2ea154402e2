package sampler

import (
	"testing"
	"time"
)

type change struct {
	index int
	level Level
}

func allHigh(n int) []Level {
	out := make([]Level, n)
	for i := range out {
		out[i] = High
	}
	return out
}

func newRecorder(t *testing.T, n int, start time.Time) (*Sampler, *[]change) {
	t.Helper()
	var got []change
	s := New(allHigh(n), 50*time.Millisecond, start, func(i int, l Level) {
		got = append(got, change{i, l})
	})
	return s, &got
}

func TestTick_HeldLowPromotes(t *testing.T) {
	start := time.Unix(1000, 0)
	s, got := newRecorder(t, 6, start)

	reading := allHigh(6)
	reading[3] = Low
	for ms := 0; ms <= 60; ms += 10 {
		s.Tick(start.Add(time.Duration(ms)*time.Millisecond), reading)
	}

	if len(*got) != 1 {
		t.Fatalf("changes = %v, want exactly one", *got)
	}
	if (*got)[0] != (change{3, Low}) {
		t.Errorf("change = %+v, want channel 3 LOW", (*got)[0])
	}
	if (*got)[0].level.Occupancy() != "OCCUPIED" {
		t.Errorf("payload = %q", (*got)[0].level.Occupancy())
	}
}

func TestTick_PromotesAtExactlyDelay(t *testing.T) {
	start := time.Unix(1000, 0)
	s, got := newRecorder(t, 1, start)

	s.Tick(start, []Level{Low})
	s.Tick(start.Add(49*time.Millisecond), []Level{Low})
	if len(*got) != 0 {
		t.Fatalf("promoted before delay: %v", *got)
	}
	s.Tick(start.Add(50*time.Millisecond), []Level{Low})
	if len(*got) != 1 {
		t.Fatalf("not promoted at delay: %v", *got)
	}
}

func TestTick_ShortBurstNeverPublishes(t *testing.T) {
	start := time.Unix(1000, 0)
	s, got := newRecorder(t, 1, start)

	tests := []struct {
		ms    int
		level Level
	}{
		{0, Low}, {10, Low}, {20, Low}, {30, Low}, {40, High},
		{50, High}, {60, High}, {100, High}, {200, High},
	}
	for _, tt := range tests {
		s.Tick(start.Add(time.Duration(tt.ms)*time.Millisecond), []Level{tt.level})
	}
	if len(*got) != 0 {
		t.Errorf("burst published: %v", *got)
	}
}

func TestTick_ContinuousBounceNeverSettles(t *testing.T) {
	start := time.Unix(1000, 0)
	s, got := newRecorder(t, 1, start)

	level := Low
	for ms := 0; ms < 1000; ms += 10 {
		s.Tick(start.Add(time.Duration(ms)*time.Millisecond), []Level{level})
		level = !level
	}
	if len(*got) != 0 {
		t.Errorf("bouncing channel published: %v", *got)
	}
}

func TestTick_ReleaseAfterOccupied(t *testing.T) {
	start := time.Unix(1000, 0)
	s, got := newRecorder(t, 2, start)

	for ms := 0; ms <= 100; ms += 10 {
		s.Tick(start.Add(time.Duration(ms)*time.Millisecond), []Level{Low, High})
	}
	for ms := 110; ms <= 200; ms += 10 {
		s.Tick(start.Add(time.Duration(ms)*time.Millisecond), []Level{High, High})
	}

	want := []change{{0, Low}, {0, High}}
	if len(*got) != len(want) {
		t.Fatalf("changes = %v, want %v", *got, want)
	}
	for i := range want {
		if (*got)[i] != want[i] {
			t.Errorf("change[%d] = %+v, want %+v", i, (*got)[i], want[i])
		}
	}
	if want[1].level.Occupancy() != "FREE" {
		t.Errorf("HIGH payload = %q, want FREE", want[1].level.Occupancy())
	}
}

func TestRepublishAll(t *testing.T) {
	start := time.Unix(1000, 0)
	s := New([]Level{High, Low, High}, 50*time.Millisecond, start, nil)

	var got []change
	s.RepublishAll(func(i int, l Level) { got = append(got, change{i, l}) })

	want := []change{{0, High}, {1, Low}, {2, High}}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestTick_ShortReadingLeavesRest(t *testing.T) {
	start := time.Unix(1000, 0)
	s, _ := newRecorder(t, 3, start)

	s.Tick(start.Add(10*time.Millisecond), []Level{Low})
	chans := s.Channels()
	if chans[0].LastRaw != Low {
		t.Error("channel 0 not updated")
	}
	if chans[2].LastRaw != High || !chans[2].LastChange.Equal(start) {
		t.Errorf("channel 2 touched: %+v", chans[2])
	}
}
