package engine

import (
	"log/slog"
	"sync"
	"time"

	"github.com/songsense/songsense/pkg/provider/recognition"
)

// EventType discriminates the events the engine publishes.
type EventType int

const (
	// EventStateChange is published on every engine state transition.
	EventStateChange EventType = iota

	// EventSongChange is published when the tracked song changes, including
	// the first detection.
	EventSongChange
)

// Event is one engine notification.
type Event struct {
	Type EventType
	At   time.Time

	// State transition, for EventStateChange.
	From State
	To   State

	// Song and Previous, for EventSongChange. Previous is nil on the first
	// detection.
	Song     *recognition.Result
	Previous *recognition.Result
}

// Bus fans engine events out to subscribers over buffered channels. A slow
// subscriber drops events rather than blocking the engine loop; the bus is
// a notification mechanism, not a durable queue.
type Bus struct {
	mu   sync.Mutex
	next int
	subs map[int]chan Event
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber with the given channel buffer and
// returns its event channel plus a cancel function. Cancel closes the
// channel; it is safe to call more than once.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers ev to every subscriber that has buffer space. Never
// blocks.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			slog.Debug("event dropped, slow subscriber", "type", ev.Type)
		}
	}
}
