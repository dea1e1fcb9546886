package mem_cache

import (
	"fmt"
	"net/netip"
	"sync"
	"testing"
	"time"
)

func addrs(s ...string) []netip.Addr {
	out := make([]netip.Addr, 0, len(s))
	for _, v := range s {
		out = append(out, netip.MustParseAddr(v))
	}
	return out
}

func Test_memCache(t *testing.T) {
	c := NewMemCache(time.Hour, false)
	defer c.Close()

	for i := 0; i < 128; i++ {
		hostname := fmt.Sprintf("host-%d.test", i)
		c.Store(hostname, addrs("127.0.0.1", "::1"))
		ips, ok := c.Get(hostname)
		if !ok || len(ips) != 2 || ips[0] != netip.MustParseAddr("127.0.0.1") {
			t.Fatal("cache kv mismatched")
		}
	}
	if c.Len() != 128 {
		t.Fatal("wrong cache len")
	}

	// Empty candidate lists must not be cached.
	c.Store("empty.test", nil)
	if _, ok := c.Get("empty.test"); ok {
		t.Fatal("cached an empty record")
	}
}

func Test_memCache_order_preserved(t *testing.T) {
	c := NewMemCache(time.Hour, false)
	defer c.Close()

	want := addrs("10.0.0.3", "10.0.0.1", "10.0.0.2")
	c.Store("host.test", want)
	got, ok := c.Get("host.test")
	if !ok {
		t.Fatal("miss")
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order not preserved at %d: %s != %s", i, got[i], want[i])
		}
	}
}

func Test_memCache_evict(t *testing.T) {
	ttl := time.Minute
	c := NewMemCache(ttl, false)
	defer c.Close()

	t0 := time.Now()
	c.Store("host.test", addrs("127.0.0.1"))

	// Sweep before the deadline removes nothing.
	removed, err := c.EvictExpired(t0.Add(ttl / 2))
	if err != nil || removed != 0 {
		t.Fatalf("removed %d before deadline", removed)
	}
	if _, ok := c.Get("host.test"); !ok {
		t.Fatal("entry gone before deadline")
	}

	// Sweep after the deadline removes the entry.
	removed, err = c.EvictExpired(t0.Add(ttl + time.Second))
	if err != nil || removed != 1 {
		t.Fatalf("removed %d after deadline", removed)
	}
	if _, ok := c.Get("host.test"); ok {
		t.Fatal("entry survived the sweep")
	}
	if c.Len() != 0 {
		t.Fatal("cache not empty")
	}
}

func Test_memCache_expired_invisible(t *testing.T) {
	c := NewMemCache(time.Millisecond*20, false)
	defer c.Close()

	c.Store("host.test", addrs("127.0.0.1"))
	time.Sleep(time.Millisecond * 50)

	// Expired but not yet swept: Get must miss anyway.
	if _, ok := c.Get("host.test"); ok {
		t.Fatal("expired entry visible")
	}
}

func Test_memCache_retain(t *testing.T) {
	ttl := time.Millisecond * 100
	c := NewMemCache(ttl, true)
	defer c.Close()

	c.Store("host.test", addrs("127.0.0.1"))

	// Touch the entry every ttl/2. It must never expire.
	for i := 0; i < 5; i++ {
		time.Sleep(ttl / 2)
		if _, ok := c.Get("host.test"); !ok {
			t.Fatalf("retained entry expired on touch %d", i)
		}
	}

	// Without touches it expires normally.
	time.Sleep(ttl * 2)
	if _, ok := c.Get("host.test"); ok {
		t.Fatal("entry survived without touches")
	}
}

func Test_memCache_fixed_expiry_not_slid(t *testing.T) {
	ttl := time.Minute
	c := NewMemCache(ttl, false)
	defer c.Close()

	t0 := time.Now()
	c.Store("host.test", addrs("127.0.0.1"))
	if _, ok := c.Get("host.test"); !ok {
		t.Fatal("miss")
	}

	// The hit above must not push the deadline.
	removed, _ := c.EvictExpired(t0.Add(ttl + time.Second))
	if removed != 1 {
		t.Fatal("hit slid the deadline in fixed mode")
	}
}

func Test_memCache_race(t *testing.T) {
	c := NewMemCache(time.Minute, true)
	defer c.Close()

	wg := sync.WaitGroup{}
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 256; i++ {
				hostname := fmt.Sprintf("host-%d.test", i%16)
				c.Store(hostname, addrs("127.0.0.1"))
				_, _ = c.Get(hostname)
				_, _ = c.EvictExpired(time.Now())
			}
		}()
	}
	wg.Wait()
}
