// Package prober answers one question: does (ip, port) accept a TCP
// connection within a bounded time. The probe connection is closed on
// the spot and never reused for traffic, payload connections are
// opened separately by whoever needs them.
package prober

import (
	"context"
	"net"
	"net/netip"
	"time"
)

// Probe reports whether addr accepted a TCP connection within
// timeout. Refused, unreachable and timed out all count as false.
func Probe(ctx context.Context, addr netip.AddrPort, timeout time.Duration) bool {
	d := net.Dialer{Timeout: timeout}
	c, err := d.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return false
	}
	c.Close()
	return true
}
