package events

import (
	"sync"
	"sync/atomic"
)

// Bus fans events out to any number of channel subscribers. Slow subscribers
// lose events instead of stalling the pipeline.
type Bus struct {
	mu      sync.RWMutex
	nextID  int
	subs    map[int]chan Event
	dropped atomic.Uint64
}

// NewBus constructs an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a buffered channel. The returned cancel func closes the
// channel and is safe to call more than once.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
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

// Publish delivers ev to every subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped reports how many deliveries were skipped because a subscriber was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Fanout publishes to each non-nil publisher in order.
type Fanout []Publisher

// Publish implements Publisher.
func (f Fanout) Publish(ev Event) {
	for _, p := range f {
		if p != nil {
			p.Publish(ev)
		}
	}
}
