// Package dialer implements the retry dispatcher: it turns
// (hostname, port) into one established upstream connection, trying
// resolved candidate IPs in order until one accepts.
package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"github.com/TecArt/tecart-http-proxy/pkg/dnscache"
	"github.com/TecArt/tecart-http-proxy/pkg/prober"
	"github.com/TecArt/tecart-http-proxy/pkg/resolver"
	"github.com/TecArt/tecart-http-proxy/pkg/utils"
)

var (
	// ErrDNSResolutionFailure means the hostname produced no
	// candidates at all.
	ErrDNSResolutionFailure = errors.New("dns resolution failure")

	// ErrUpstreamUnreachable means every candidate failed to
	// accept a connection.
	ErrUpstreamUnreachable = errors.New("upstream unreachable")

	// ErrUpstreamTimeout is the refinement of
	// ErrUpstreamUnreachable for attempts that ran into their
	// timeout. errors.Is(err, ErrUpstreamUnreachable) also holds.
	ErrUpstreamTimeout = fmt.Errorf("%w: timeout", ErrUpstreamUnreachable)
)

var nopLogger = zap.NewNop()

type RetryDialerOpts struct {
	// Cache cannot be nil.
	Cache dnscache.Backend

	// Resolver cannot be nil.
	Resolver resolver.Resolver

	// Logger is the *zap.Logger for this dialer.
	// A nil Logger will disable logging.
	Logger *zap.Logger

	// ConnectTimeout bounds one candidate's connect attempt.
	// Default is 30s. The worst failure path is
	// len(candidates) * ConnectTimeout, callers wanting a tighter
	// bound must put a deadline on ctx.
	ConnectTimeout time.Duration

	// Probe enables a pre-connect reachability check per
	// candidate, bounded by ProbeTimeout.
	Probe        bool
	ProbeTimeout time.Duration

	// DialFunc overrides the transport dialer. For tests.
	DialFunc func(ctx context.Context, addr string) (net.Conn, error)
}

func (opts *RetryDialerOpts) init() error {
	if opts.Cache == nil {
		return errors.New("nil cache")
	}
	if opts.Resolver == nil {
		return errors.New("nil resolver")
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	utils.SetDefaultNum(&opts.ConnectTimeout, time.Second*30)
	utils.SetDefaultNum(&opts.ProbeTimeout, time.Second)
	return nil
}

type RetryDialer struct {
	opts RetryDialerOpts
}

func NewRetryDialer(opts RetryDialerOpts) (*RetryDialer, error) {
	if err := opts.init(); err != nil {
		return nil, err
	}
	return &RetryDialer{opts: opts}, nil
}

// DialContext resolves hostname, then tries each candidate in
// resolver order until one accepts a connection. It returns the
// connection and the chosen IP. Candidate lists come from the cache
// when present, a fresh lookup is stored on success only.
func (d *RetryDialer) DialContext(ctx context.Context, hostname string, port uint16) (net.Conn, netip.Addr, error) {
	start := time.Now()

	// Already an IP literal, nothing to resolve or cache.
	if ip, err := netip.ParseAddr(hostname); err == nil {
		c, err := d.dialOne(ctx, netip.AddrPortFrom(ip.Unmap(), port))
		if err != nil {
			kind := ErrUpstreamUnreachable
			if isTimeout(err) {
				kind = ErrUpstreamTimeout
			}
			return nil, netip.Addr{}, fmt.Errorf("%w: %s: %v", kind, hostname, err)
		}
		return c, ip.Unmap(), nil
	}

	ips, ok := d.opts.Cache.Get(hostname)
	if !ok {
		var err error
		ips, err = d.opts.Resolver.LookupIP(ctx, hostname)
		if err != nil {
			return nil, netip.Addr{}, fmt.Errorf("%w: lookup %s: %v", ErrDNSResolutionFailure, hostname, err)
		}
		if len(ips) == 0 {
			return nil, netip.Addr{}, fmt.Errorf("%w: lookup %s returned no addresses", ErrDNSResolutionFailure, hostname)
		}
		d.opts.Cache.Store(hostname, ips)
	}

	seq := newCandidates(ips)
	var lastErr error
	timedOut := false
	for {
		ip, ok := seq.next()
		if !ok {
			break
		}
		addr := netip.AddrPortFrom(ip, port)

		if d.opts.Probe && !prober.Probe(ctx, addr, d.opts.ProbeTimeout) {
			lastErr = fmt.Errorf("probe %s failed", addr)
			continue
		}

		c, err := d.dialOne(ctx, addr)
		if err == nil {
			d.opts.Logger.Debug("upstream chosen",
				zap.String("hostname", hostname),
				zap.Stringer("addr", addr),
				zap.Int("attempt", seq.tried()),
				zap.Duration("elapsed", time.Since(start)))
			return c, ip, nil
		}

		if isTimeout(err) {
			timedOut = true
		}
		lastErr = err
		d.opts.Logger.Debug("candidate failed",
			zap.String("hostname", hostname),
			zap.Stringer("addr", addr),
			zap.Error(err))

		if ctx.Err() != nil {
			break
		}
	}

	kind := ErrUpstreamUnreachable
	if timedOut {
		kind = ErrUpstreamTimeout
	}
	d.opts.Logger.Warn("no reachable upstream",
		zap.String("hostname", hostname),
		zap.Uint16("port", port),
		zap.Int("tried", seq.tried()),
		zap.Duration("elapsed", time.Since(start)),
		zap.Error(lastErr))
	return nil, netip.Addr{}, fmt.Errorf("%w: %s, tried %d candidates, last error: %v", kind, hostname, seq.tried(), lastErr)
}

func (d *RetryDialer) dialOne(ctx context.Context, addr netip.AddrPort) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, d.opts.ConnectTimeout)
	defer cancel()

	if d.opts.DialFunc != nil {
		return d.opts.DialFunc(dialCtx, addr.String())
	}
	return (&net.Dialer{}).DialContext(dialCtx, "tcp", addr.String())
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
