// Package bus is the in-process event bus: one topic per build plus a global
// topic. Every published event is persisted to the Store; the channel is the
// source of liveness, the Store of durability.
package bus

import (
	"log"
	"sync"
	"time"

	"github.com/chengis/chengis/internal/clock"
	"github.com/chengis/chengis/internal/store"
)

// Critical event types must reach subscribers; they block with a timeout
// instead of being dropped.
var criticalTypes = map[string]bool{
	"build-started":   true,
	"build-completed": true,
	"build-cancelled": true,
	"stage-started":   true,
	"stage-completed": true,
	"step-started":    true,
	"step-completed":  true,
}

// GlobalTopic receives build-completed events from every build.
const GlobalTopic = "global"

// PublishResult reports what happened to an event on the channel side.
type PublishResult string

const (
	Delivered PublishResult = "delivered"
	Dropped   PublishResult = "dropped"
	Timeout   PublishResult = "timeout"
)

// Bus fans events out to per-topic subscribers.
type Bus struct {
	store           store.EventStore
	clock           clock.Clock
	buffer          int
	criticalTimeout time.Duration

	mu     sync.Mutex
	topics map[string][]chan store.BuildEvent
	closed bool
}

// New creates a Bus. buffer is the per-subscriber channel capacity.
func New(st store.EventStore, c clock.Clock, buffer int, criticalTimeout time.Duration) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		store:           st,
		clock:           c,
		buffer:          buffer,
		criticalTimeout: criticalTimeout,
		topics:          make(map[string][]chan store.BuildEvent),
	}
}

// Subscribe returns a channel of events for the topic (a build ID or
// GlobalTopic) and an unsubscribe func.
func (b *Bus) Subscribe(topic string) (<-chan store.BuildEvent, func()) {
	ch := make(chan store.BuildEvent, b.buffer)
	b.mu.Lock()
	b.topics[topic] = append(b.topics[topic], ch)
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			subs := b.topics[topic]
			for i, c := range subs {
				if c == ch {
					b.topics[topic] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
			b.mu.Unlock()
		})
	}
	return ch, unsub
}

// Publish persists the event, then broadcasts it to the build topic (and the
// global topic for build-completed). Critical events block up to the critical
// timeout on a full subscriber; non-critical events are dropped. Log lines
// get sliding-buffer semantics: the oldest buffered event is evicted.
func (b *Bus) Publish(ev store.BuildEvent) PublishResult {
	if ev.ID == "" {
		ev.ID = clock.NewID(b.clock)
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = b.clock.Now()
	}

	// Durability first: a persist failure is logged, never blocks the build.
	if err := b.store.AppendEvent(&ev); err != nil {
		log.Printf("warning: persist event %s for build %s: %v", ev.EventType, ev.BuildID, err)
	}

	result := b.broadcast(ev.BuildID, ev)
	if ev.EventType == "build-completed" {
		b.broadcast(GlobalTopic, ev)
	}
	return result
}

func (b *Bus) broadcast(topic string, ev store.BuildEvent) PublishResult {
	b.mu.Lock()
	subs := append([]chan store.BuildEvent(nil), b.topics[topic]...)
	b.mu.Unlock()

	result := Delivered
	for _, ch := range subs {
		select {
		case ch <- ev:
			continue
		default:
		}

		switch {
		case criticalTypes[ev.EventType]:
			timer := time.NewTimer(b.criticalTimeout)
			select {
			case ch <- ev:
				timer.Stop()
			case <-timer.C:
				result = Timeout
			}
		case ev.EventType == "log-line":
			// Sliding buffer: evict the oldest, then retry once.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
				result = Dropped
			}
		default:
			result = Dropped
		}
	}
	return result
}

// Replay returns the authoritative event sequence for a build: the persisted
// events in ID order.
func (b *Bus) Replay(buildID string) ([]store.BuildEvent, error) {
	return b.store.ListEvents(buildID)
}
