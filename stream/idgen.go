package stream

import "sync"

// IdGenerator hands out strictly increasing stream ids for message batches.
// Current only advances past an id once its writer has released it, so a
// reader polling with the current token can never skip a batch that is
// still being committed at a lower id.
type IdGenerator struct {
	mu         sync.Mutex
	next       int64
	unfinished []int64 // ascending order of reservation
}

// NewIdGenerator returns a generator that will allocate ids above current.
func NewIdGenerator(current int64) *IdGenerator {
	return &IdGenerator{next: current + 1}
}

// ReserveNext allocates the next stream id. The returned release func must
// be called exactly once, after the write at that id has committed or
// rolled back.
func (g *IdGenerator) ReserveNext() (int64, func()) {
	g.mu.Lock()
	id := g.next
	g.next++
	g.unfinished = append(g.unfinished, id)
	g.mu.Unlock()

	return id, func() {
		g.mu.Lock()
		for i, pending := range g.unfinished {
			if pending == id {
				g.unfinished = append(g.unfinished[:i], g.unfinished[i+1:]...)
				break
			}
		}
		g.mu.Unlock()
	}
}

// Current returns the highest stream id that is safe to hand to readers:
// every id at or below it has been released.
func (g *IdGenerator) Current() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.unfinished) > 0 {
		return g.unfinished[0] - 1
	}
	return g.next - 1
}
