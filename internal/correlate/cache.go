// ABOUTME: Thread-safe TTL cache mapping session identifiers to agent ids
// ABOUTME: A hint only; every hit is revalidated against the store before use

package correlate

import (
	"container/list"
	"sync"
	"time"
)

// cacheEntry stores the agent id, timestamp and list element for a cached key.
type cacheEntry struct {
	agentID   int64
	timestamp time.Time
	element   *list.Element
}

// Cache is a TTL-based, size-limited map from identifier keys to agent ids.
// Uses a doubly-linked list to maintain recency order for O(1) eviction.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	order   *list.List // keys, least recently written at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// NewCache creates a cache with the given TTL and maximum size.
// A background goroutine periodically removes expired entries.
func NewCache(ttl time.Duration, maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache{
		entries: make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Get returns the agent id cached for key, if present and not expired.
func (c *Cache) Get(key string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return 0, false
	}
	if time.Since(entry.timestamp) >= c.ttl {
		c.removeLocked(key, entry)
		return 0, false
	}
	return entry.agentID, true
}

// Put records key -> agentID, evicting the oldest entry when full.
func (c *Cache) Put(key string, agentID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if entry, exists := c.entries[key]; exists {
		entry.agentID = agentID
		entry.timestamp = now
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.entries) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			key, _ := front.Value.(string)
			c.removeLocked(key, c.entries[key])
		}
	}

	elem := c.order.PushBack(key)
	c.entries[key] = &cacheEntry{agentID: agentID, timestamp: now, element: elem}
}

// Delete removes key if present.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok {
		c.removeLocked(key, entry)
	}
}

// ForgetAgent removes every key pointing at agentID.
func (c *Cache) ForgetAgent(agentID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, entry := range c.entries {
		if entry.agentID == agentID {
			c.removeLocked(key, entry)
		}
	}
}

// Len reports the number of cached keys, including expired ones not yet cleaned.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// removeLocked must be called with mu held.
func (c *Cache) removeLocked(key string, entry *cacheEntry) {
	if entry == nil {
		return
	}
	c.order.Remove(entry.element)
	delete(c.entries, key)
}

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

func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, entry := range c.entries {
		if now.Sub(entry.timestamp) > c.ttl {
			c.removeLocked(key, entry)
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
