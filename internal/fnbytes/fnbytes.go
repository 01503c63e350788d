// Package fnbytes implements the function-bytes cache spec.md §1 and §6
// treat as a black box: "the in-memory function-bytes cache with TTL/TTI
// eviction is treated as a black-box map with known semantics" and
// "stores the fetched wasm bytes for :function under the bytes cache with
// TTL 30 min / TTI 5 min".
//
// No TTL+TTI cache library appears anywhere in the retrieval pack (see
// DESIGN.md): `other_examples/manifests/iiivansss84-dcache`'s freecache is
// a fixed-size byte-indexed cache with no per-entry TTI concept, so this
// is a small hand-rolled mutex-guarded map plus a janitor goroutine, in
// the spirit of the teacher's own guarded-map registries
// (engines/wazero/wazero.go's Instances/Functions).
package fnbytes

import (
	"sync"
	"time"
)

// Cache stores wasm bytes keyed by function name, with two independent
// expirations: TTL (time since the entry was added) and TTI (time since
// the entry was last read). An entry is evicted once either expires.
type Cache struct {
	ttl time.Duration
	tti time.Duration

	mu      sync.Mutex
	entries map[string]*entry

	stop chan struct{}
	once sync.Once
}

type entry struct {
	bytes      []byte
	addedAt    time.Time
	lastUsedAt time.Time
}

// New returns a Cache with the given TTL/TTI and starts its janitor
// goroutine, which sweeps every sweepInterval. Call Close to stop it.
func New(ttl, tti time.Duration) *Cache {
	c := &Cache{
		ttl:     ttl,
		tti:     tti,
		entries: make(map[string]*entry),
		stop:    make(chan struct{}),
	}
	go c.janitor(sweepInterval(ttl, tti))
	return c
}

// sweepInterval picks a sweep cadence proportional to the shorter of the
// two expirations, so an idle entry is never kept alive much past its TTI.
func sweepInterval(ttl, tti time.Duration) time.Duration {
	shortest := ttl
	if tti < shortest {
		shortest = tti
	}
	interval := shortest / 4
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}

// Set stores b under name, resetting both its TTL and TTI clocks.
func (c *Cache) Set(name string, b []byte) {
	now := time.Now()
	c.mu.Lock()
	c.entries[name] = &entry{bytes: b, addedAt: now, lastUsedAt: now}
	c.mu.Unlock()
}

// Get returns the bytes stored under name and refreshes its TTI clock.
// The second return value is false if name is absent or expired.
func (c *Cache) Get(name string) ([]byte, bool) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[name]
	if !ok {
		return nil, false
	}
	if c.expired(e, now) {
		delete(c.entries, name)
		return nil, false
	}
	e.lastUsedAt = now
	return e.bytes, true
}

func (c *Cache) expired(e *entry, now time.Time) bool {
	if c.ttl > 0 && now.Sub(e.addedAt) >= c.ttl {
		return true
	}
	if c.tti > 0 && now.Sub(e.lastUsedAt) >= c.tti {
		return true
	}
	return false
}

// Len reports the number of live entries, without triggering eviction.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close stops the janitor goroutine. Safe to call more than once.
func (c *Cache) Close() {
	c.once.Do(func() { close(c.stop) })
}

func (c *Cache) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case now := <-ticker.C:
			c.sweep(now)
		}
	}
}

func (c *Cache) sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, e := range c.entries {
		if c.expired(e, now) {
			delete(c.entries, name)
		}
	}
}
