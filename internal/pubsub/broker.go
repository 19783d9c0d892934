// Package pubsub fans values out to any number of subscribers without
// letting a slow subscriber block the publisher.
package pubsub

import (
	"sync"

	"go.uber.org/zap"

	"github.com/muurk/tuyalan/internal/logging"
)

// DefaultBuffer is the channel capacity used when Subscribe gets no size
const DefaultBuffer = 64

// Broker delivers every published value to every current subscriber. A
// subscriber whose channel is full misses the value.
type Broker[T any] struct {
	name string

	mu     sync.Mutex
	subs   map[int]chan T
	nextID int
	closed bool
}

// New creates a broker. name only appears in log lines.
func New[T any](name string) *Broker[T] {
	return &Broker[T]{name: name, subs: make(map[int]chan T)}
}

// Subscribe returns a channel of values and a function that cancels the
// subscription. The channel is closed on cancel or when the broker closes.
func (b *Broker[T]) Subscribe(buffer int) (<-chan T, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan T, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Publish delivers v to every subscriber without blocking
func (b *Broker[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for id, ch := range b.subs {
		select {
		case ch <- v:
		default:
			logging.Warn("Dropping event for slow subscriber",
				zap.String("broker", b.name),
				zap.Int("subscriber", id),
			)
		}
	}
}

// Subscribers returns the number of active subscriptions
func (b *Broker[T]) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
