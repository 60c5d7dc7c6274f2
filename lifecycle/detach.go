package lifecycle

import "sync"

// detachCacheCapacity bounds the detachable allocation cache: a small set
// of very small (<=16 byte raw) pocket-tier headers kept ready for instant
// reuse instead of being walked all the way back through the pool/Free
// path. See DESIGN.md's Open Question decision: capacity and the 16-byte
// ceiling were chosen to match the smallest pocket requests (a single
// cache-line fraction), and a full cache evicts whichever entry has the
// oldest createdTick (allocation time, not time of last use), so a cache
// churning under one steady workload doesn't pin memory from a workload
// that has since moved on.
const detachCacheCapacity = 16
const detachMaxRawSize = 16

// detachCache keeps entries in offer order and evicts by createdTick;
// "small" is enforced by the caller never offering anything above
// detachMaxRawSize bytes raw.
type detachCache struct {
	mu      sync.Mutex
	entries []*header // entries[0] is the most recently offered
}

func newDetachCache() *detachCache {
	return &detachCache{entries: make([]*header, 0, detachCacheCapacity)}
}

// offer stashes a freed header for reuse, evicting the entry with the
// smallest createdTick if the cache is full. The evicted header (if any) is
// returned so the caller can still release its tier resources normally.
func (c *detachCache) offer(h *header) (evicted *header) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= detachCacheCapacity {
		oldestIdx := 0
		for i, e := range c.entries {
			if e.createdTick < c.entries[oldestIdx].createdTick {
				oldestIdx = i
			}
		}
		evicted = c.entries[oldestIdx]
		c.entries = append(c.entries[:oldestIdx], c.entries[oldestIdx+1:]...)
	}
	c.entries = append([]*header{h}, c.entries...)
	return evicted
}

// take removes and returns a cached header with raw capacity >= rawSize, or
// nil if none fits. The most recently offered fitting entry wins.
func (c *detachCache) take(rawSize int) *header {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, e := range c.entries {
		if len(e.raw) >= rawSize {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			return e
		}
	}
	return nil
}
