// Package resolver turns hostnames into ordered candidate IP lists.
// The order returned by the upstream resolver is preserved verbatim:
// it is the retry order of the dispatcher.
package resolver

import (
	"context"
	"net"
	"net/netip"
	"time"

	"golang.org/x/sync/singleflight"
)

// Resolver looks up the candidate IPs for a hostname. A successful
// lookup never returns an empty list.
type Resolver interface {
	LookupIP(ctx context.Context, hostname string) ([]netip.Addr, error)
}

// SystemResolver resolves through the OS stub resolver
// (net.DefaultResolver), both address families, OS-returned order.
type SystemResolver struct {
	r *net.Resolver
}

func NewSystemResolver() *SystemResolver {
	return &SystemResolver{r: net.DefaultResolver}
}

func (s *SystemResolver) LookupIP(ctx context.Context, hostname string) ([]netip.Addr, error) {
	ips, err := s.r.LookupNetIP(ctx, "ip", hostname)
	if err != nil {
		return nil, err
	}
	for i := range ips {
		ips[i] = ips[i].Unmap()
	}
	return ips, nil
}

// Dedup wraps r so that concurrent lookups of the same hostname share
// one upstream call. The cache takes care of lookups spread over
// time, this takes care of thundering herds on a cold entry.
func Dedup(r Resolver) Resolver {
	return &deduped{r: r}
}

// dedupLookupTimeout bounds a shared lookup. The flight runs detached
// from its callers, so it needs its own deadline.
const dedupLookupTimeout = time.Second * 5

type deduped struct {
	r Resolver
	g singleflight.Group
}

func (d *deduped) LookupIP(ctx context.Context, hostname string) ([]netip.Addr, error) {
	// The flight must not run on the first caller's context: its
	// cancelation would fail every piled-up lookup.
	ch := d.g.DoChan(hostname, func() (any, error) {
		qCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dedupLookupTimeout)
		defer cancel()
		return d.r.LookupIP(qCtx, hostname)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]netip.Addr), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
