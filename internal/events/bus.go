// Package events fans controller and telemetry events out to any listeners
// (websocket clients, MQTT export, logs).
package events

import (
	"sync"
	"time"
)

type Kind string

const (
	KindScan          Kind = "scan"
	KindDevice        Kind = "device"
	KindConnection    Kind = "connection"
	KindConfiguration Kind = "configuration"
	KindTelemetry     Kind = "telemetry"
	KindBattery       Kind = "battery"
	KindVersion       Kind = "version"
	KindNtrip         Kind = "ntrip"
	KindProfiles      Kind = "profiles"
)

type Event struct {
	Kind Kind      `json:"kind"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// Bus keeps the most recent event per kind so new subscribers can catch up.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	last   map[Kind]Event
}

func NewBus() *Bus {
	return &Bus{
		subs: make(map[int]chan Event),
		last: make(map[Kind]Event),
	}
}

func (b *Bus) Subscribe(buffer int) (int, <-chan Event) {
	if b == nil {
		return 0, nil
	}
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()
	return id, ch
}

func (b *Bus) Unsubscribe(id int) {
	if b == nil {
		return
	}
	b.mu.Lock()
	ch, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish never blocks: a subscriber whose buffer is full misses the event.
func (b *Bus) Publish(kind Kind, data any) {
	if b == nil {
		return
	}
	ev := Event{Kind: kind, Time: time.Now().UTC(), Data: data}

	b.mu.Lock()
	b.last[kind] = ev
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	b.mu.Unlock()
}

// Last returns the most recent event of kind, if any.
func (b *Bus) Last(kind Kind) (Event, bool) {
	if b == nil {
		return Event{}, false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	ev, ok := b.last[kind]
	return ev, ok
}
