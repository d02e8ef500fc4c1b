// ABOUTME: TTL cache of recently seen platform message IDs.
// ABOUTME: Chat platforms redeliver webhooks; replays must be dropped idempotently.

package gateway

import (
	"sync"
	"time"
)

// seenCache tracks which inbound message IDs were already accepted, so a
// redelivered webhook is ignored instead of producing a second agent turn.
// Entries expire after the TTL; a size cap bounds memory, evicting the
// oldest entries when hit.
type seenCache struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	ttl     time.Duration
	maxSize int
}

func newSeenCache(ttl time.Duration, maxSize int) *seenCache {
	return &seenCache{
		seen:    make(map[string]time.Time),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// checkAndMark atomically reports whether the key was already seen within
// the TTL, marking it if not.
func (c *seenCache) checkAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if at, ok := c.seen[key]; ok && now.Sub(at) < c.ttl {
		return true
	}

	if len(c.seen) >= c.maxSize {
		c.evictLocked(now)
	}
	c.seen[key] = now
	return false
}

// evictLocked drops expired entries, then the oldest live ones if the cache
// is still over capacity. Must be called with mu held.
func (c *seenCache) evictLocked(now time.Time) {
	for key, at := range c.seen {
		if now.Sub(at) >= c.ttl {
			delete(c.seen, key)
		}
	}

	for len(c.seen) >= c.maxSize {
		var oldestKey string
		var oldestAt time.Time
		for key, at := range c.seen {
			if oldestKey == "" || at.Before(oldestAt) {
				oldestKey = key
				oldestAt = at
			}
		}
		delete(c.seen, oldestKey)
	}
}

// sweep drops expired entries; called from the gateway's maintenance loop.
func (c *seenCache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, at := range c.seen {
		if now.Sub(at) >= c.ttl {
			delete(c.seen, key)
		}
	}
}

// size returns the number of tracked keys.
func (c *seenCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
