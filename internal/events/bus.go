// Package events fans out session lifecycle and tracking events to
// in-process subscribers and, optionally, an MQTT broker.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ayusman/tryon/internal/pose"
)

// Type identifies an event.
type Type string

const (
	TypeLoading          Type = "loading"
	TypeTrackingAcquired Type = "tracking_acquired"
	TypeUnavailable      Type = "unavailable"
	TypeTransform        Type = "transform"
	TypeOverlay          Type = "overlay"
	TypeClosed           Type = "closed"
)

// Event is a single notification. Transform is set for transform events and
// Error carries the reason for unavailable events.
type Event struct {
	Type      Type            `json:"type" msgpack:"type"`
	SessionID string          `json:"session_id" msgpack:"session_id"`
	Time      time.Time       `json:"time" msgpack:"time"`
	Transform *pose.Transform `json:"transform,omitempty" msgpack:"transform,omitempty"`
	Overlay   string          `json:"overlay,omitempty" msgpack:"overlay,omitempty"`
	Error     string          `json:"error,omitempty" msgpack:"error,omitempty"`
}

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 64

// Publisher accepts events.
type Publisher interface {
	Publish(e Event)
}

type subscriber struct {
	ch      chan Event
	dropped atomic.Uint64
}

// Bus is an in-process event fan-out. Publish never blocks: a subscriber
// whose queue is full misses transform events, while lifecycle events
// displace the oldest queued event.
type Bus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	next   uint64
	closed bool

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: logger.With("component", "events"),
		subs:   make(map[uint64]*subscriber),
	}
}

// Subscribe registers a subscriber with the given queue length. The returned
// function unsubscribes and closes the channel; it is safe to call twice.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	sub := &subscriber{ch: make(chan Event, buffer)}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}

	b.next++
	id := b.next
	b.subs[id] = sub

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if s, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s.ch)
			}
		})
	}
}

// Publish delivers e to every subscriber. Transform events are skipped for
// subscribers without room.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	b.published.Add(1)

	for _, sub := range b.subs {
		select {
		case sub.ch <- e:
			continue
		default:
		}

		if e.Type != TypeTransform {
			select {
			case old := <-sub.ch:
				b.drop(sub, old.Type)
			default:
			}
			select {
			case sub.ch <- e:
				continue
			default:
			}
		}
		b.drop(sub, e.Type)
	}
}

func (b *Bus) drop(sub *subscriber, t Type) {
	if sub.dropped.Add(1) == 1 {
		b.logger.Warn("subscriber too slow, dropping events", "type", t)
	}
	b.dropped.Add(1)
}

// Subscribers returns the number of active subscribers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Published returns how many events were accepted.
func (b *Bus) Published() uint64 {
	return b.published.Load()
}

// Dropped returns how many deliveries were skipped because a queue was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}
