// Package notify fans engine events out to consumers without ever blocking
// the publisher.
package notify

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Kind identifies an event.
type Kind string

const (
	KindPassCompleted Kind = "pass_completed"
	KindConnectivity  Kind = "connectivity"
	KindEnqueued      Kind = "enqueued"
	KindPurged        Kind = "purged"
)

// Event is a single notification. Data depends on Kind: a sync pass result,
// the new online flag, the queued submission or the purge count.
type Event struct {
	Kind Kind      `json:"kind"`
	At   time.Time `json:"at"`
	Data any       `json:"data,omitempty"`
}

// DefaultBuffer is the per-subscriber buffer used when Subscribe gets <= 0.
const DefaultBuffer = 16

// Broker delivers published events to every subscriber. A subscriber whose
// buffer is full misses the event; the publisher never waits.
type Broker struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	nextID  int
	dropped atomic.Int64
	logger  *slog.Logger
}

func NewBroker() *Broker {
	return &Broker{
		subs:   make(map[int]chan Event),
		logger: slog.Default(),
	}
}

// Subscribe registers a new subscriber. The returned cancel func removes it
// and closes the channel; calling it more than once is safe.
func (b *Broker) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
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

// Publish sends ev to all subscribers without blocking.
func (b *Broker) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
			b.logger.Debug("subscriber buffer full, dropping event", "subscriber", id, "kind", ev.Kind)
		}
	}
}

// Dropped returns how many deliveries were skipped because a buffer was full.
func (b *Broker) Dropped() int64 {
	return b.dropped.Load()
}

// Subscribers returns the current subscriber count.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
