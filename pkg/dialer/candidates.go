package dialer

import "net/netip"

// candidates is a finite, non-restartable view over a resolved
// address list. The dispatcher consumes it strictly in list order:
// no reordering, no skipping, no rewind after exhaustion.
type candidates struct {
	ips    []netip.Addr
	cursor int
}

func newCandidates(ips []netip.Addr) *candidates {
	return &candidates{ips: ips}
}

// next returns the next candidate. ok is false once the list is
// exhausted.
func (c *candidates) next() (ip netip.Addr, ok bool) {
	if c.cursor >= len(c.ips) {
		return netip.Addr{}, false
	}
	ip = c.ips[c.cursor]
	c.cursor++
	return ip, true
}

// tried returns how many candidates were handed out so far.
func (c *candidates) tried() int {
	return c.cursor
}
