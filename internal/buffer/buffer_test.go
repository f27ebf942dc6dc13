package buffer

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"nurunuru-server/internal/types"
)

func evt(i int) types.Event {
	return types.Event{ID: fmt.Sprintf("%064x", i), Kind: 1, Tags: [][]string{}}
}

func ids(events []types.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.ID
	}
	return out
}

func TestPutIsIdempotent(t *testing.T) {
	b := New(10)
	if !b.Put(evt(1)) {
		t.Fatal("first put should insert")
	}
	before := b.Snapshot()
	if b.Put(evt(1)) {
		t.Error("duplicate put should not insert")
	}
	after := b.Snapshot()
	if b.Size() != 1 || len(before) != len(after) || before[0].ID != after[0].ID {
		t.Errorf("duplicate put changed contents: %v -> %v", ids(before), ids(after))
	}
}

func TestEvictsOldestFirst(t *testing.T) {
	const capacity = 5
	b := New(capacity)
	for i := 0; i <= capacity; i++ {
		b.Put(evt(i))
	}

	if b.Has(evt(0).ID) {
		t.Error("first inserted id should have been evicted")
	}
	got := ids(b.Snapshot())
	for i, id := range got {
		if want := evt(i + 1).ID; id != want {
			t.Errorf("position %d = %s, want %s", i, id, want)
		}
	}
	if b.Evicted() != 1 {
		t.Errorf("Evicted() = %d, want 1", b.Evicted())
	}
}

func TestDuplicateAtCapacityDoesNotEvict(t *testing.T) {
	b := New(3)
	for i := 0; i < 3; i++ {
		b.Put(evt(i))
	}
	b.Put(evt(0))
	if !b.Has(evt(0).ID) || b.Size() != 3 || b.Evicted() != 0 {
		t.Errorf("duplicate at capacity must not trigger eviction (size=%d evicted=%d)", b.Size(), b.Evicted())
	}
	// Not an LRU: id 0 is still the oldest and goes first
	b.Put(evt(3))
	if b.Has(evt(0).ID) {
		t.Error("expected insertion-order eviction of id 0")
	}
}

func TestSizeNeverExceedsCapacity(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for _, capacity := range []int{1, 2, 17, 500} {
		b := New(capacity)
		for n := 0; n < 3000; n++ {
			b.Put(evt(r.Intn(capacity * 3)))
			if b.Size() > capacity {
				t.Fatalf("size %d exceeds capacity %d", b.Size(), capacity)
			}
		}
		seen := make(map[string]bool)
		for _, id := range ids(b.Snapshot()) {
			if seen[id] {
				t.Fatalf("duplicate id %s in buffer", id)
			}
			seen[id] = true
		}
	}
}

func TestDrainEmptiesInOrder(t *testing.T) {
	b := New(4)
	for i := 0; i < 3; i++ {
		b.Put(evt(i))
	}
	drained := b.Drain()
	if len(drained) != 3 || drained[0].ID != evt(0).ID || drained[2].ID != evt(2).ID {
		t.Errorf("unexpected drain order: %v", ids(drained))
	}
	if b.Size() != 0 || b.Has(evt(1).ID) {
		t.Error("buffer should be empty after drain")
	}
	if !b.Put(evt(1)) {
		t.Error("drained id should be insertable again")
	}
}

func TestDefaultCapacity(t *testing.T) {
	if New(0).Capacity() != DefaultCapacity {
		t.Errorf("expected default capacity %d", DefaultCapacity)
	}
}

func TestConcurrentPuts(t *testing.T) {
	b := New(50)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				b.Put(evt(g*1000 + i))
				_ = b.Has(evt(i).ID)
			}
		}(g)
	}
	wg.Wait()
	if b.Size() != 50 {
		t.Errorf("Size() = %d, want 50", b.Size())
	}
}
