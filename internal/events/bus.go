// Package events is the node's in-process event feed. The device loop
// publishes track transitions, bus session changes and update progress;
// the portal streams them to browsers over a WebSocket. Publishing on a
// nil *Bus is a no-op so components need no guard checks.
package events

import (
	"sync"
	"time"
)

// Sources.
const (
	SourceTrack   = "track"
	SourceMQTT    = "mqtt"
	SourceUpdate  = "update"
	SourceNetwork = "network"
	SourceDevice  = "device"
)

// Kinds.
const (
	// KindTrackChanged: track (1-based), state ("OCCUPIED"/"FREE").
	KindTrackChanged = "changed"

	// KindConnected: broker.
	KindConnected = "connected"
	// KindDisconnected: reason.
	KindDisconnected = "disconnected"
	// KindConfigMessage: topic, bytes.
	KindConfigMessage = "config_message"

	// KindUpdateStage: stage ("metadata", "filesystem", "firmware"), status.
	KindUpdateStage = "stage"

	// KindNetworkState: state.
	KindNetworkState = "state"

	// KindLocate: active.
	KindLocate = "locate"
	// KindRebootScheduled: reason.
	KindRebootScheduled = "reboot_scheduled"
)

// Event is one published occurrence.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast bus. A subscriber whose buffer is full
// misses events rather than stalling the device loop.
type Bus struct {
	mu         sync.RWMutex
	subs       map[chan Event]struct{}
	recvToSend map[<-chan Event]chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish delivers e to every subscriber that has room.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit publishes an event stamped with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel of published events. Call Unsubscribe when
// done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes and closes a subscription. Unknown channels are
// ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
