// ABOUTME: Thread-safe TTL cache in front of the durable dedup ledger.
// ABOUTME: Size-bounded LRU (hashicorp/golang-lru) with per-entry expiry.

package dedupe

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultMaxSize = 1000

// Cache provides a thread-safe, TTL-based, size-limited cache for tracking
// seen message keys. The least recently marked key is evicted at capacity.
type Cache struct {
	mu      sync.Mutex
	entries *lru.Cache[string, time.Time]
	ttl     time.Duration
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a new dedupe cache with the specified TTL and maximum size.
// A background goroutine periodically cleans up expired entries.
func New(ttl time.Duration, maxSize int) *Cache {
	return NewWithClock(ttl, maxSize, time.Now)
}

// NewWithClock is New with an injected clock.
func NewWithClock(ttl time.Duration, maxSize int, now func() time.Time) *Cache {
	if maxSize <= 0 {
		maxSize = defaultMaxSize
	}
	entries, err := lru.New[string, time.Time](maxSize)
	if err != nil {
		// only fails for non-positive sizes, excluded above
		panic(err)
	}
	c := &Cache{
		entries: entries,
		ttl:     ttl,
		now:     now,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Check returns true if the key has been seen and is not expired.
func (c *Cache) Check(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveLocked(key)
}

// CheckAndMark atomically checks if a key has been seen and marks it if not.
// Returns true if the key was already seen (duplicate), false if it's new and now marked.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.liveLocked(key) {
		return true
	}
	c.entries.Add(key, c.now())
	return false
}

// Mark records that a key has been seen.
func (c *Cache) Mark(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Add(key, c.now())
}

// Len returns the number of entries, expired or not.
func (c *Cache) Len() int {
	return c.entries.Len()
}

// liveLocked reports a non-expired entry, dropping it if expired. Must be called with mu held.
func (c *Cache) liveLocked(key string) bool {
	ts, ok := c.entries.Peek(key)
	if !ok {
		return false
	}
	if c.now().Sub(ts) >= c.ttl {
		c.entries.Remove(key)
		return false
	}
	return true
}

// cleanup runs in a background goroutine, periodically removing expired entries.
func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

// runCleanup removes all expired entries from the cache.
func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for _, key := range c.entries.Keys() {
		if ts, ok := c.entries.Peek(key); ok && now.Sub(ts) >= c.ttl {
			c.entries.Remove(key)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
