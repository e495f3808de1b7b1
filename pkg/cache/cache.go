// Package cache implements the read-through Response Cache (§4.5): entries
// keyed by a canonical (method, params) fingerprint, single-flight
// coalescing of concurrent misses, and byte-bound + least-recently-inserted
// eviction.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Entry is one cached response.
type Entry struct {
	Value      []byte
	InsertedAt time.Time
	ExpiresAt  time.Time
}

type node struct {
	fingerprint string
	entry       Entry
	sizeBytes   int
}

// Cache is an in-process, byte-bounded response cache. It does not delegate
// storage to the shared Redis-backed store.Cache — unlike sessions or
// revocations, the spec is explicit that "rate buckets and cache are
// process-local even when a durable store is available" (§6), so a plain
// in-memory structure with its own eviction policy is the correct shape.
type Cache struct {
	mu       sync.Mutex
	maxBytes int
	curBytes int
	items    map[string]*list.Element // fingerprint -> element in order
	order    *list.List               // front = most recently inserted

	flightMu sync.Mutex
	inFlight map[string]*call
}

type call struct {
	done chan struct{}
	val  []byte
	err  error
}

func New(maxBytes int) *Cache {
	return &Cache{
		maxBytes: maxBytes,
		items:    make(map[string]*list.Element),
		order:    list.New(),
		inFlight: make(map[string]*call),
	}
}

// Get returns the cached value for fingerprint, or ok=false on a miss or
// expired entry. An expired entry is reported as a miss but left in place
// rather than evicted immediately — Peek can still recover it for the
// breaker-open degraded fallback; it is reclaimed by the normal expiry/LRU
// sweep in Put.
func (c *Cache) Get(fingerprint string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[fingerprint]
	if !ok {
		return nil, false
	}
	n := el.Value.(*node)
	if time.Now().After(n.entry.ExpiresAt) {
		return nil, false
	}
	return n.entry.Value, true
}

// Peek returns the cached value for fingerprint even if expired, for the
// breaker-open degraded fallback (§4.6): "the orchestrator MAY substitute a
// cached value (if present and unexpired)" — callers that want the strict
// freshness check should use Get; Peek additionally reports whether the
// entry was still fresh so the caller can decide whether it actually
// qualifies.
func (c *Cache) Peek(fingerprint string) (value []byte, fresh bool, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, present := c.items[fingerprint]
	if !present {
		return nil, false, false
	}
	n := el.Value.(*node)
	return n.entry.Value, !time.Now().After(n.entry.ExpiresAt), true
}

// Put inserts or replaces the entry for fingerprint, evicting by expiry
// then by least-recently-inserted until curBytes fits within maxBytes.
func (c *Cache) Put(fingerprint string, value []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[fingerprint]; ok {
		c.removeLocked(el)
	}

	n := &node{
		fingerprint: fingerprint,
		entry:       Entry{Value: value, InsertedAt: time.Now(), ExpiresAt: time.Now().Add(ttl)},
		sizeBytes:   len(value),
	}
	el := c.order.PushFront(n)
	c.items[fingerprint] = el
	c.curBytes += n.sizeBytes

	c.evictLocked()
}

func (c *Cache) removeLocked(el *list.Element) {
	n := el.Value.(*node)
	delete(c.items, n.fingerprint)
	c.order.Remove(el)
	c.curBytes -= n.sizeBytes
}

// evictLocked first drops expired entries (oldest insertion order scanned
// from the back), then evicts least-recently-inserted entries until the
// cache is back under the byte bound.
func (c *Cache) evictLocked() {
	if c.maxBytes <= 0 {
		return
	}
	now := time.Now()
	for el := c.order.Back(); el != nil && c.curBytes > c.maxBytes; {
		prev := el.Prev()
		n := el.Value.(*node)
		if now.After(n.entry.ExpiresAt) {
			c.removeLocked(el)
		}
		el = prev
	}
	for c.curBytes > c.maxBytes {
		back := c.order.Back()
		if back == nil {
			break
		}
		c.removeLocked(back)
	}
}

// GetOrLoad coalesces concurrent misses for the same fingerprint into a
// single call to load (§4.5: "concurrent get calls that miss for the same
// fingerprint must not cause a thundering herd"). Only the winning call
// populates the cache.
func (c *Cache) GetOrLoad(ctx context.Context, fingerprint string, ttl time.Duration, load func(context.Context) ([]byte, error)) ([]byte, error) {
	if v, ok := c.Get(fingerprint); ok {
		return v, nil
	}

	c.flightMu.Lock()
	if existing, ok := c.inFlight[fingerprint]; ok {
		c.flightMu.Unlock()
		select {
		case <-existing.done:
			return existing.val, existing.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	cl := &call{done: make(chan struct{})}
	c.inFlight[fingerprint] = cl
	c.flightMu.Unlock()

	val, err := load(ctx)
	cl.val, cl.err = val, err
	close(cl.done)

	c.flightMu.Lock()
	delete(c.inFlight, fingerprint)
	c.flightMu.Unlock()

	if err == nil {
		c.Put(fingerprint, val, ttl)
	}
	return val, err
}
