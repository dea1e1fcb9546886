package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/TecArt/tecart-http-proxy/pkg/utils"
)

var nopLogger = zap.NewNop()

type UpstreamResolverOpts struct {
	// Servers are the DNS servers to query, "ip:port", tried in
	// order until one answers. Cannot be empty.
	Servers []string

	// Timeout bounds a single exchange. Default is 3s.
	Timeout time.Duration

	// Logger is the *zap.Logger for this resolver.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func (opts *UpstreamResolverOpts) init() error {
	if len(opts.Servers) == 0 {
		return errors.New("no dns server is configured")
	}
	utils.SetDefaultNum(&opts.Timeout, time.Second*3)
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

// UpstreamResolver queries configured DNS servers directly over UDP
// instead of going through the OS stub resolver. A records come
// before AAAA records, each set in answer order.
type UpstreamResolver struct {
	opts      UpstreamResolverOpts
	client    *dns.Client
	tcpClient *dns.Client
}

func NewUpstreamResolver(opts UpstreamResolverOpts) (*UpstreamResolver, error) {
	if err := opts.init(); err != nil {
		return nil, err
	}
	return &UpstreamResolver{
		opts:      opts,
		client:    &dns.Client{Timeout: opts.Timeout},
		tcpClient: &dns.Client{Net: "tcp", Timeout: opts.Timeout},
	}, nil
}

func (u *UpstreamResolver) LookupIP(ctx context.Context, hostname string) ([]netip.Addr, error) {
	fqdn := dns.Fqdn(hostname)

	var lastErr error
	for _, server := range u.opts.Servers {
		ips, err := u.lookupOn(ctx, server, fqdn)
		if err != nil {
			lastErr = err
			u.opts.Logger.Debug("dns server failed",
				zap.String("server", server), zap.String("hostname", hostname), zap.Error(err))
			continue
		}
		return ips, nil
	}
	return nil, fmt.Errorf("all dns servers failed, last error: %w", lastErr)
}

func (u *UpstreamResolver) lookupOn(ctx context.Context, server, fqdn string) ([]netip.Addr, error) {
	var ips []netip.Addr
	var lastErr error
	for _, qtype := range [...]uint16{dns.TypeA, dns.TypeAAAA} {
		q := new(dns.Msg)
		q.SetQuestion(fqdn, qtype)

		r, _, err := u.client.ExchangeContext(ctx, q, server)
		if err == nil && r.Truncated {
			// The full RRset did not fit in the UDP answer.
			r, _, err = u.tcpClient.ExchangeContext(ctx, q, server)
		}
		if err != nil {
			lastErr = err
			continue
		}
		if r.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("query %s rcode %d", dns.TypeToString[qtype], r.Rcode)
			continue
		}
		for _, rr := range r.Answer {
			switch rr := rr.(type) {
			case *dns.A:
				if ip, ok := netip.AddrFromSlice(rr.A.To4()); ok {
					ips = append(ips, ip)
				}
			case *dns.AAAA:
				if ip, ok := netip.AddrFromSlice(rr.AAAA); ok {
					ips = append(ips, ip)
				}
			}
		}
	}

	if len(ips) == 0 {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, errors.New("no address record in answer")
	}
	return ips, nil
}
