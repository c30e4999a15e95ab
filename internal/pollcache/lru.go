package pollcache

import (
	"container/list"
	"sync"
	"time"
)

// resultLRU is a hand-rolled, mutex-guarded LRU with a per-entry absolute
// expiry. No third-party LRU library appears anywhere in the example
// corpus's actual application imports (only a transitive, unused mention
// in a vendored dependency graph), so this follows the corpus's own
// mutex-guarded-map-with-Stats() bookkeeping idiom
// (internal/middleware/rate_limiter.go, internal/webhooks/registry.go)
// instead of reaching for an unfamiliar library.
type resultLRU struct {
	mu       sync.Mutex
	max      int
	ll       *list.List
	items    map[string]*list.Element
	hits     int64
	misses   int64
	evictions int64
}

type lruEntry struct {
	key     string
	value   *PollResult
	expires time.Time
}

func newResultLRU(max int) *resultLRU {
	if max <= 0 {
		max = 100
	}
	return &resultLRU{
		max:   max,
		ll:    list.New(),
		items: make(map[string]*list.Element),
	}
}

// get returns the cached result for key if present and not expired. An
// expired entry is evicted on read.
func (c *resultLRU) get(key string, now time.Time) (*PollResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}
	entry := el.Value.(*lruEntry)
	if now.After(entry.expires) {
		c.ll.Remove(el)
		delete(c.items, key)
		c.misses++
		return nil, false
	}
	c.ll.MoveToFront(el)
	c.hits++
	return entry.value, true
}

// peek reads the cached result without affecting recency or hit/miss
// counters — used internally by poll() to consult "the current result"
// regardless of useCache.
func (c *resultLRU) peek(key string) (*PollResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	return el.Value.(*lruEntry).value, true
}

// set inserts or updates the entry for key with the given TTL, evicting
// the least-recently-used entry if the cache is at capacity.
func (c *resultLRU) set(key string, value *PollResult, ttl time.Duration, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expires := now.Add(ttl)
	if el, ok := c.items[key]; ok {
		el.Value.(*lruEntry).value = value
		el.Value.(*lruEntry).expires = expires
		c.ll.MoveToFront(el)
		return
	}

	if c.ll.Len() >= c.max {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.items, oldest.Value.(*lruEntry).key)
			c.evictions++
		}
	}

	el := c.ll.PushFront(&lruEntry{key: key, value: value, expires: expires})
	c.items[key] = el
}

// touchTTL extends an existing entry's expiry without altering its value,
// used for the terminal-result short-circuit (spec's "extends TTL to
// MAX_TTL and returns it").
func (c *resultLRU) touchTTL(key string, ttl time.Duration, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		el.Value.(*lruEntry).expires = now.Add(ttl)
		c.ll.MoveToFront(el)
	}
}

// stats mirrors RateLimiter.Stats()'s introspection idiom.
func (c *resultLRU) stats() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	return map[string]interface{}{
		"size":      c.ll.Len(),
		"max":       c.max,
		"hits":      c.hits,
		"misses":    c.misses,
		"evictions": c.evictions,
	}
}
