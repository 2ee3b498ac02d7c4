package stream

import (
	"sync"
	"testing"
)

func TestReserveNextAllocatesIncreasingIds(t *testing.T) {
	g := NewIdGenerator(5)

	id1, release1 := g.ReserveNext()
	id2, release2 := g.ReserveNext()

	if id1 != 6 {
		t.Errorf("Expected first id 6, got %d", id1)
	}
	if id2 != 7 {
		t.Errorf("Expected second id 7, got %d", id2)
	}

	release1()
	release2()

	if current := g.Current(); current != 7 {
		t.Errorf("Expected current 7 after release, got %d", current)
	}
}

func TestCurrentHidesUnfinishedWrites(t *testing.T) {
	g := NewIdGenerator(0)

	if current := g.Current(); current != 0 {
		t.Errorf("Expected current 0 on fresh generator, got %d", current)
	}

	id1, release1 := g.ReserveNext()
	id2, release2 := g.ReserveNext()

	// Both writes in flight: nothing new is visible
	if current := g.Current(); current != 0 {
		t.Errorf("Expected current 0 with writes in flight, got %d", current)
	}

	// The later write finishes first, the earlier one still gates Current
	release2()
	if current := g.Current(); current != id1-1 {
		t.Errorf("Expected current %d with first write unfinished, got %d", id1-1, current)
	}

	release1()
	if current := g.Current(); current != id2 {
		t.Errorf("Expected current %d after all writes finished, got %d", id2, current)
	}
}

func TestReserveNextConcurrent(t *testing.T) {
	g := NewIdGenerator(0)

	const writers = 50
	seen := make(chan int64, writers)

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, release := g.ReserveNext()
			seen <- id
			release()
		}()
	}
	wg.Wait()
	close(seen)

	ids := make(map[int64]bool)
	for id := range seen {
		if ids[id] {
			t.Errorf("Stream id %d allocated twice", id)
		}
		ids[id] = true
	}

	if len(ids) != writers {
		t.Errorf("Expected %d distinct ids, got %d", writers, len(ids))
	}
	if current := g.Current(); current != writers {
		t.Errorf("Expected current %d after all writers released, got %d", writers, current)
	}
}
