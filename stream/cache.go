package stream

import "sync"

// ChangeCache remembers the last stream id at which an entity (a user's
// inbox, a federation destination) changed. It answers "has anything
// changed since id X" without a database query. False positives are fine,
// they only cost the caller one extra query; false negatives are not
// allowed, so anything older than the cache's horizon reports changed.
type ChangeCache struct {
	mu       sync.RWMutex
	changed  map[string]int64
	earliest int64 // ids at or below this are outside the cache window
	maxSize  int
}

// NewChangeCache returns a cache whose window starts at the given stream
// id. maxSize caps the number of tracked entities; the oldest entry is
// evicted and the window shrinks accordingly.
func NewChangeCache(current int64, maxSize int) *ChangeCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &ChangeCache{
		changed:  make(map[string]int64),
		earliest: current,
		maxSize:  maxSize,
	}
}

// MarkChanged records that the entity changed at the given stream id.
func (c *ChangeCache) MarkChanged(entity string, streamId int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.changed[entity]; ok && prev >= streamId {
		return
	}
	c.changed[entity] = streamId

	if len(c.changed) > c.maxSize {
		c.evictOldest()
	}
}

// HasChangedSince reports whether the entity may have changed after the
// given stream id.
func (c *ChangeCache) HasChangedSince(entity string, streamId int64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if streamId < c.earliest {
		// Outside the window, can't rule anything out
		return true
	}
	if last, ok := c.changed[entity]; ok {
		return last > streamId
	}
	return false
}

// evictOldest drops the entry with the lowest stream id and raises the
// window start to match. Callers hold the write lock.
func (c *ChangeCache) evictOldest() {
	var oldestEntity string
	var oldestId int64
	first := true
	for entity, id := range c.changed {
		if first || id < oldestId {
			oldestEntity = entity
			oldestId = id
			first = false
		}
	}
	if first {
		return
	}
	delete(c.changed, oldestEntity)
	if oldestId > c.earliest {
		c.earliest = oldestId
	}
}
