// Package eventbus fans operation lifecycle events out to in-process
// subscribers and to NATS. Both Bus and NATSPublisher implement
// operation.Observer and are registered on the operation Store.
package eventbus

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/aixgo-dev/agentops/internal/operation"
)

// DefaultBuffer is the channel capacity used when Subscribe is given zero.
const DefaultBuffer = 64

// Filter selects the events a subscriber receives. A nil Filter accepts all.
type Filter func(operation.Event) bool

// KindIs accepts events of the given kinds.
func KindIs(kinds ...operation.EventKind) Filter {
	return func(e operation.Event) bool { return slices.Contains(kinds, e.Kind) }
}

// TypeIs accepts events about operations of the given types.
func TypeIs(types ...operation.Type) Filter {
	return func(e operation.Event) bool { return slices.Contains(types, e.Operation.Type) }
}

type subscription struct {
	ch     chan operation.Event
	filter Filter
}

// Bus is an in-memory fan-out. Delivery never blocks the Store: an event
// that does not fit in a subscriber's buffer is dropped and counted.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscription
	nextID  uint64
	closed  bool
	dropped atomic.Int64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]*subscription)}
}

var _ operation.Observer = (*Bus)(nil)

// Subscribe returns a channel of matching events and a function that ends
// the subscription and closes the channel.
func (b *Bus) Subscribe(buffer int, filter Filter) (<-chan operation.Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan operation.Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = &subscription{ch: ch, filter: filter}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub.ch)
			}
		})
	}
}

// OnOperationEvent implements operation.Observer.
func (b *Bus) OnOperationEvent(e operation.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.filter != nil && !sub.filter(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped reports how many deliveries were skipped on full buffers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close ends every subscription.
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
