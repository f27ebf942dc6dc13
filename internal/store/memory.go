package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	gonostr "github.com/nbd-wtf/go-nostr"

	"nurunuru-server/internal/types"
)

// MemoryStore implements Store in process memory
type MemoryStore struct {
	mu              sync.RWMutex
	events          map[string]*memoryEntry
	maxSize         int
	ttl             time.Duration
	cleanupInterval time.Duration
	stopCh          chan struct{}
	closeOnce       sync.Once
}

type memoryEntry struct {
	event     types.Event
	expiresAt time.Time
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore(maxSize int, ttl, cleanupInterval time.Duration) *MemoryStore {
	if maxSize <= 0 {
		maxSize = DefaultConfig().MaxEvents
	}
	if ttl <= 0 {
		ttl = DefaultConfig().TTL
	}
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	m := &MemoryStore{
		events:          make(map[string]*memoryEntry),
		maxSize:         maxSize,
		ttl:             ttl,
		cleanupInterval: cleanupInterval,
		stopCh:          make(chan struct{}),
	}
	go m.cleanupLoop()
	return m
}

func (m *MemoryStore) Put(ctx context.Context, evt types.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[evt.ID]; ok {
		return nil
	}
	m.events[evt.ID] = &memoryEntry{event: evt, expiresAt: time.Now().Add(m.ttl)}
	if len(m.events) > m.maxSize {
		// Evict a tenth extra so a full store does not sort on every insert
		m.evictOldestLocked(len(m.events) - m.maxSize + m.maxSize/10)
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (types.Event, bool, error) {
	m.mu.RLock()
	entry, ok := m.events[id]
	m.mu.RUnlock()
	if !ok || time.Now().After(entry.expiresAt) {
		return types.Event{}, false, nil
	}
	return entry.event, true, nil
}

func (m *MemoryStore) Query(ctx context.Context, filter gonostr.Filter) ([]types.Event, error) {
	now := time.Now()
	var out []types.Event

	m.mu.RLock()
	for _, entry := range m.events {
		if now.After(entry.expiresAt) {
			continue
		}
		if match(filter, entry.event) {
			out = append(out, entry.event)
		}
	}
	m.mu.RUnlock()

	return sortNewest(out, filter.Limit), nil
}

func (m *MemoryStore) Len(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events), nil
}

func (m *MemoryStore) Close() error {
	m.closeOnce.Do(func() { close(m.stopCh) })
	return nil
}

func (m *MemoryStore) cleanupLoop() {
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.cleanup()
		}
	}
}

func (m *MemoryStore) cleanup() {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, entry := range m.events {
		if now.After(entry.expiresAt) {
			delete(m.events, id)
		}
	}
}

// evictOldestLocked removes the n entries with the oldest created_at
func (m *MemoryStore) evictOldestLocked(n int) {
	type aged struct {
		id        string
		createdAt int64
	}
	all := make([]aged, 0, len(m.events))
	for id, entry := range m.events {
		all = append(all, aged{id, entry.event.CreatedAt})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].createdAt != all[j].createdAt {
			return all[i].createdAt < all[j].createdAt
		}
		return all[i].id > all[j].id
	})
	for i := 0; i < n && i < len(all); i++ {
		delete(m.events, all[i].id)
	}
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
