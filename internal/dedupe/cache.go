// ABOUTME: TTL-bounded seen-id cache for dropping replayed push message ids.
// ABOUTME: Sits in front of the conversation store's idempotent append as a cheap first check.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// entry tracks when an id was last observed and where it sits in the
// eviction order.
type entry struct {
	seenAt  time.Time
	element *list.Element
}

// Cache is a thread-safe, TTL-based, size-limited record of message ids the
// client has already processed. A reconnect replays recent pushes; the cache
// lets the conversation service drop those without touching thread state.
// Insertion order is kept in a linked list for O(1) eviction.
type Cache struct {
	mu      sync.Mutex
	ids     map[string]*entry
	order   *list.List // oldest id at the front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a cache holding ids for ttl, evicting the oldest beyond
// maxSize. A background goroutine sweeps expired entries.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		ids:     make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Observe atomically records an id and reports whether it had already been
// seen within the TTL. True means the caller should drop the event.
func (c *Cache) Observe(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.ids[id]
	if ok && time.Since(e.seenAt) < c.ttl {
		// Refresh so a repeatedly-replayed id stays hot.
		e.seenAt = time.Now()
		c.order.MoveToBack(e.element)
		return true
	}

	c.recordLocked(id)
	return false
}

// Seen reports whether an id is currently held, without recording it.
func (c *Cache) Seen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.ids[id]
	return ok && time.Since(e.seenAt) < c.ttl
}

// Len returns the number of ids currently held, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ids)
}

// recordLocked inserts or refreshes an id. Must hold mu.
func (c *Cache) recordLocked(id string) {
	now := time.Now()

	if e, exists := c.ids[id]; exists {
		e.seenAt = now
		c.order.MoveToBack(e.element)
		return
	}

	if len(c.ids) >= c.maxSize {
		c.evictOldestLocked()
	}

	elem := c.order.PushBack(id)
	c.ids[id] = &entry{seenAt: now, element: elem}
}

// evictOldestLocked drops the front of the order list. Must hold mu.
func (c *Cache) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	id, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.ids, id)
}

// sweepLoop periodically removes expired entries until Close.
func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

// sweep removes every expired entry.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for id, e := range c.ids {
		if now.Sub(e.seenAt) > c.ttl {
			c.order.Remove(e.element)
			delete(c.ids, id)
		}
	}
}

// Close stops the background sweeper. Safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
