package eventbus

import "sync"

// DefaultBuffer is the channel capacity used by Subscribe.
const DefaultBuffer = 64

// Event represents an arbitrary event passed on the bus.
type Event interface{}

// EventBus implements a simple publish/subscribe event bus.
type EventBus interface {
	Publish(Event)
	Subscribe() <-chan Event
	SubscribeBuffered(size int) <-chan Event
	Unsubscribe(<-chan Event)
	Close()
}

// Bus is the default EventBus implementation using fan-out channels.
// Events from a single publisher reach every subscriber in publish order.
type Bus struct {
	mu      sync.RWMutex
	subs    []chan Event
	closed  bool
	dropped uint64
	onDrop  func(Event)
}

// New creates a new Bus.
func New() *Bus { return &Bus{} }

// OnDrop registers a callback invoked when a slow subscriber misses an event.
func (b *Bus) OnDrop(fn func(Event)) {
	b.mu.Lock()
	b.onDrop = fn
	b.mu.Unlock()
}

// Publish sends the event to all subscribers. Delivery is non-blocking: a
// subscriber whose buffer is full misses the event.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	var missed int
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			missed++
		}
	}
	onDrop := b.onDrop
	b.mu.RUnlock()
	if missed > 0 {
		b.mu.Lock()
		b.dropped += uint64(missed)
		b.mu.Unlock()
		if onDrop != nil {
			onDrop(e)
		}
	}
}

// Dropped returns the number of deliveries missed by slow subscribers.
func (b *Bus) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

// Subscribe registers a new subscriber with the default buffer.
func (b *Bus) Subscribe() <-chan Event { return b.SubscribeBuffered(DefaultBuffer) }

// SubscribeBuffered registers a new subscriber whose channel holds size events.
func (b *Bus) SubscribeBuffered(size int) <-chan Event {
	if size <= 0 {
		size = DefaultBuffer
	}
	ch := make(chan Event, size)
	b.mu.Lock()
	if b.closed {
		close(ch)
	} else {
		b.subs = append(b.subs, ch)
	}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes the subscriber and closes its channel.
func (b *Bus) Unsubscribe(sub <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, ch := range b.subs {
		if ch == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			if !b.closed {
				close(ch)
			}
			return
		}
	}
}

// Close closes all subscriber channels and clears the list.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
	b.mu.Unlock()
}
