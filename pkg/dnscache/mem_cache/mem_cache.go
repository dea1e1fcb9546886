package mem_cache

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"
)

// MemCache is the in-memory dnscache.Backend. Lookups take a read
// lock only; the retain-mode deadline slide is an atomic store so
// concurrent readers never serialize on the write lock.
type MemCache struct {
	ttl    time.Duration
	retain bool

	closed atomic.Bool

	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	ips        []netip.Addr
	insertedAt time.Time
	deadline   atomic.Int64 // unix nano
}

// NewMemCache creates a MemCache whose records live for ttl. If
// retain is true every hit moves a record's deadline to now+ttl,
// otherwise the deadline is fixed at store time.
func NewMemCache(ttl time.Duration, retain bool) *MemCache {
	return &MemCache{
		ttl:     ttl,
		retain:  retain,
		entries: make(map[string]*entry),
	}
}

func (c *MemCache) Get(hostname string) ([]netip.Addr, bool) {
	if c.closed.Load() {
		return nil, false
	}

	c.mu.RLock()
	e, ok := c.entries[hostname]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}

	now := time.Now()
	if now.UnixNano() > e.deadline.Load() {
		// Expired but not yet swept. Invisible to readers.
		return nil, false
	}
	if c.retain {
		e.deadline.Store(now.Add(c.ttl).UnixNano())
	}

	ips := make([]netip.Addr, len(e.ips))
	copy(ips, e.ips)
	return ips, true
}

func (c *MemCache) Store(hostname string, ips []netip.Addr) {
	if c.closed.Load() || len(ips) == 0 {
		return
	}

	now := time.Now()
	e := &entry{
		ips:        make([]netip.Addr, len(ips)),
		insertedAt: now,
	}
	copy(e.ips, ips)
	e.deadline.Store(now.Add(c.ttl).UnixNano())

	c.mu.Lock()
	c.entries[hostname] = e
	c.mu.Unlock()
}

func (c *MemCache) EvictExpired(now time.Time) (int, error) {
	nowNano := now.UnixNano()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for hostname, e := range c.entries {
		if e.deadline.Load() < nowNano {
			delete(c.entries, hostname)
			removed++
		}
	}
	return removed, nil
}

func (c *MemCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *MemCache) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.mu.Lock()
		c.entries = make(map[string]*entry)
		c.mu.Unlock()
	}
	return nil
}
