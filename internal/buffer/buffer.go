// Package buffer holds inbound events that have not been durably stored yet.
package buffer

import (
	"container/list"
	"sync"
	"sync/atomic"

	"nurunuru-server/internal/types"
)

// DefaultCapacity is used when a non-positive capacity is requested
const DefaultCapacity = 500

// EventBuffer is a fixed-capacity, insertion-ordered map from event id to event.
// When a new id arrives at capacity the oldest inserted entry is evicted (FIFO,
// not LRU: reads and duplicate puts never refresh an entry's position).
// All operations take one mutex.
type EventBuffer struct {
	mu       sync.Mutex
	capacity int
	order    *list.List               // front = oldest
	entries  map[string]*list.Element // id -> element holding *entry
	seq      uint64

	evicted atomic.Int64
}

type entry struct {
	event types.Event
	order uint64
}

// New creates a buffer holding at most capacity events
func New(capacity int) *EventBuffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &EventBuffer{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element, capacity),
	}
}

// Put inserts evt unless its id is already buffered.
// Returns true when the event was newly inserted.
func (b *EventBuffer) Put(evt types.Event) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.entries[evt.ID]; exists {
		return false
	}

	if b.order.Len() >= b.capacity {
		oldest := b.order.Front()
		b.order.Remove(oldest)
		delete(b.entries, oldest.Value.(*entry).event.ID)
		b.evicted.Add(1)
	}

	b.seq++
	b.entries[evt.ID] = b.order.PushBack(&entry{event: evt, order: b.seq})
	return true
}

// Has reports whether an event with this id is buffered
func (b *EventBuffer) Has(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.entries[id]
	return ok
}

// Size returns the number of buffered events
func (b *EventBuffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.order.Len()
}

// Capacity returns the configured maximum size
func (b *EventBuffer) Capacity() int {
	return b.capacity
}

// Evicted returns how many entries have been pushed out by capacity since creation
func (b *EventBuffer) Evicted() int64 {
	return b.evicted.Load()
}

// Drain removes and returns every buffered event, oldest first
func (b *EventBuffer) Drain() []types.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	events := make([]types.Event, 0, b.order.Len())
	for el := b.order.Front(); el != nil; el = el.Next() {
		events = append(events, el.Value.(*entry).event)
	}
	b.order.Init()
	b.entries = make(map[string]*list.Element, b.capacity)
	return events
}

// Snapshot returns the buffered events oldest first without removing them
func (b *EventBuffer) Snapshot() []types.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	events := make([]types.Event, 0, b.order.Len())
	for el := b.order.Front(); el != nil; el = el.Next() {
		events = append(events, el.Value.(*entry).event)
	}
	return events
}
