package dialer

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/TecArt/tecart-http-proxy/pkg/dnscache/mem_cache"
)

type fakeResolver struct {
	ips   []netip.Addr
	err   error
	calls atomic.Int32
}

func (r *fakeResolver) LookupIP(context.Context, string) ([]netip.Addr, error) {
	r.calls.Add(1)
	return r.ips, r.err
}

// fakeNet records dial attempts and answers per address.
type fakeNet struct {
	mu        sync.Mutex
	attempts  []string
	reachable map[string]bool
	timeout   bool // failures look like timeouts
}

func (f *fakeNet) dial(ctx context.Context, addr string) (net.Conn, error) {
	f.mu.Lock()
	f.attempts = append(f.attempts, addr)
	ok := f.reachable[addr]
	f.mu.Unlock()

	if ok {
		c, _ := net.Pipe()
		return c, nil
	}
	if f.timeout {
		// Burn the candidate's whole connect budget.
		<-ctx.Done()
		return nil, &timeoutError{}
	}
	return nil, errors.New("connection refused")
}

func (f *fakeNet) attempted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.attempts))
	copy(out, f.attempts)
	return out
}

type timeoutError struct{}

func (*timeoutError) Error() string   { return "i/o timeout" }
func (*timeoutError) Timeout() bool   { return true }
func (*timeoutError) Temporary() bool { return true }

func addrs(s ...string) []netip.Addr {
	out := make([]netip.Addr, 0, len(s))
	for _, v := range s {
		out = append(out, netip.MustParseAddr(v))
	}
	return out
}

func newTestDialer(t *testing.T, r *fakeResolver, fn *fakeNet, connectTimeout time.Duration) *RetryDialer {
	t.Helper()
	d, err := NewRetryDialer(RetryDialerOpts{
		Cache:          mem_cache.NewMemCache(time.Hour, false),
		Resolver:       r,
		ConnectTimeout: connectTimeout,
		DialFunc:       fn.dial,
	})
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func Test_dial_order_and_failfast(t *testing.T) {
	r := &fakeResolver{ips: addrs("10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4")}
	fn := &fakeNet{reachable: map[string]bool{"10.0.0.3:80": true}}
	d := newTestDialer(t, r, fn, time.Second)

	c, ip, err := d.DialContext(context.Background(), "host.test", 80)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if ip != netip.MustParseAddr("10.0.0.3") {
		t.Fatalf("chose %s, want 10.0.0.3", ip)
	}

	// Exactly the prefix up to the first reachable candidate, in
	// list order, nothing after it.
	want := []string{"10.0.0.1:80", "10.0.0.2:80", "10.0.0.3:80"}
	got := fn.attempted()
	if len(got) != len(want) {
		t.Fatalf("attempted %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("attempted %v, want %v", got, want)
		}
	}
}

func Test_dial_all_unreachable(t *testing.T) {
	r := &fakeResolver{ips: addrs("10.0.0.1", "10.0.0.2", "10.0.0.3")}
	fn := &fakeNet{}
	d := newTestDialer(t, r, fn, time.Second)

	_, _, err := d.DialContext(context.Background(), "host.test", 80)
	if !errors.Is(err, ErrUpstreamUnreachable) {
		t.Fatalf("got %v, want ErrUpstreamUnreachable", err)
	}
	if errors.Is(err, ErrUpstreamTimeout) {
		t.Fatal("refused connections misclassified as timeout")
	}
	if n := len(fn.attempted()); n != 3 {
		t.Fatalf("attempted %d candidates, want 3", n)
	}
}

func Test_dial_timeout_refines_unreachable(t *testing.T) {
	r := &fakeResolver{ips: addrs("10.0.0.1", "10.0.0.2", "10.0.0.3")}
	fn := &fakeNet{timeout: true}
	connectTimeout := time.Millisecond * 50
	d := newTestDialer(t, r, fn, connectTimeout)

	start := time.Now()
	_, _, err := d.DialContext(context.Background(), "host.test", 80)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrUpstreamTimeout) {
		t.Fatalf("got %v, want ErrUpstreamTimeout", err)
	}
	// The refinement still matches the broader class.
	if !errors.Is(err, ErrUpstreamUnreachable) {
		t.Fatal("timeout does not match ErrUpstreamUnreachable")
	}
	// Failure path is bounded by candidates * per-candidate budget.
	if elapsed > 3*connectTimeout+time.Second {
		t.Fatalf("failure took %s, bound is %s", elapsed, 3*connectTimeout)
	}
}

func Test_dial_resolution_failure(t *testing.T) {
	cache := mem_cache.NewMemCache(time.Hour, false)
	r := &fakeResolver{err: errors.New("NXDOMAIN")}
	d, err := NewRetryDialer(RetryDialerOpts{
		Cache:    cache,
		Resolver: r,
		DialFunc: (&fakeNet{}).dial,
	})
	if err != nil {
		t.Fatal(err)
	}

	_, _, err = d.DialContext(context.Background(), "nosuch.test", 80)
	if !errors.Is(err, ErrDNSResolutionFailure) {
		t.Fatalf("got %v, want ErrDNSResolutionFailure", err)
	}
	// Failures are never cached.
	if cache.Len() != 0 {
		t.Fatal("failed resolution was cached")
	}

	// Same classification for an empty answer.
	r.err = nil
	r.ips = nil
	_, _, err = d.DialContext(context.Background(), "empty.test", 80)
	if !errors.Is(err, ErrDNSResolutionFailure) {
		t.Fatalf("got %v, want ErrDNSResolutionFailure", err)
	}
}

func Test_dial_uses_cache(t *testing.T) {
	r := &fakeResolver{ips: addrs("10.0.0.1")}
	fn := &fakeNet{reachable: map[string]bool{"10.0.0.1:80": true}}
	d := newTestDialer(t, r, fn, time.Second)

	for i := 0; i < 3; i++ {
		c, _, err := d.DialContext(context.Background(), "host.test", 80)
		if err != nil {
			t.Fatal(err)
		}
		c.Close()
	}
	if n := r.calls.Load(); n != 1 {
		t.Fatalf("resolver called %d times, want 1", n)
	}
}

func Test_dial_ip_literal(t *testing.T) {
	r := &fakeResolver{}
	fn := &fakeNet{reachable: map[string]bool{"10.9.9.9:443": true}}
	d := newTestDialer(t, r, fn, time.Second)

	c, ip, err := d.DialContext(context.Background(), "10.9.9.9", 443)
	if err != nil {
		t.Fatal(err)
	}
	c.Close()
	if ip != netip.MustParseAddr("10.9.9.9") {
		t.Fatalf("chose %s", ip)
	}
	if r.calls.Load() != 0 {
		t.Fatal("resolver consulted for an IP literal")
	}
}

func Test_candidates(t *testing.T) {
	seq := newCandidates(addrs("10.0.0.1", "10.0.0.2"))

	ip, ok := seq.next()
	if !ok || ip != netip.MustParseAddr("10.0.0.1") {
		t.Fatal("wrong first candidate")
	}
	ip, ok = seq.next()
	if !ok || ip != netip.MustParseAddr("10.0.0.2") {
		t.Fatal("wrong second candidate")
	}

	// Exhausted for good, no rewind.
	for i := 0; i < 3; i++ {
		if _, ok := seq.next(); ok {
			t.Fatal("sequence restarted after exhaustion")
		}
	}
	if seq.tried() != 2 {
		t.Fatalf("tried %d, want 2", seq.tried())
	}
}

func Test_dial_error_message_has_context(t *testing.T) {
	r := &fakeResolver{ips: addrs("10.0.0.1", "10.0.0.2")}
	fn := &fakeNet{}
	d := newTestDialer(t, r, fn, time.Second)

	_, _, err := d.DialContext(context.Background(), "host.test", 80)
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	for _, substr := range []string{"host.test", "tried 2"} {
		if !strings.Contains(msg, substr) {
			t.Fatalf("error %q misses %q", msg, substr)
		}
	}
}
