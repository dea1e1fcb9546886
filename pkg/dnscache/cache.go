// Package dnscache defines the storage interface for cached hostname
// resolutions and the background sweeper that evicts expired records.
package dnscache

import (
	"io"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"github.com/TecArt/tecart-http-proxy/pkg/pool"
)

// Backend stores one candidate list per hostname. Implementations must
// be safe for concurrent use by connection handlers and the Sweeper.
type Backend interface {
	// Get returns the cached candidates for hostname in resolver
	// order. ok is false on a miss or if the record expired. In
	// retain mode a hit pushes the record's deadline forward.
	Get(hostname string) (ips []netip.Addr, ok bool)

	// Store replaces the record for hostname with a fresh one.
	// Empty candidate lists are never stored: a hostname that did
	// not resolve must not be cached.
	Store(hostname string, ips []netip.Addr)

	// EvictExpired removes every record whose deadline passed
	// before now. Only the Sweeper calls this.
	EvictExpired(now time.Time) (removed int, err error)

	// Len returns the number of stored records, or -1 if the
	// backend cannot tell cheaply.
	Len() int

	io.Closer
}

var nopLogger = zap.NewNop()

// Sweeper periodically evicts expired records from a Backend. A failed
// cycle is logged and does not stop later cycles.
type Sweeper struct {
	backend  Backend
	interval time.Duration
	logger   *zap.Logger
}

func NewSweeper(backend Backend, interval time.Duration, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = nopLogger
	}
	return &Sweeper{
		backend:  backend,
		interval: interval,
		logger:   logger,
	}
}

// Run loops until closeSignal is closed. Its signature fits
// safe_close.Attach.
func (s *Sweeper) Run(done func(), closeSignal <-chan struct{}) {
	defer done()

	timer := pool.GetTimer(s.interval)
	defer pool.ReleaseTimer(timer)
	for {
		select {
		case <-closeSignal:
			return
		case <-timer.C:
			s.sweep()
			pool.ResetAndDrainTimer(timer, s.interval)
		}
	}
}

func (s *Sweeper) sweep() {
	start := time.Now()
	removed, err := s.backend.EvictExpired(start)
	if err != nil {
		s.logger.Warn("cache sweep failed", zap.Error(err))
		return
	}
	if removed > 0 {
		s.logger.Debug("cache sweep",
			zap.Int("removed", removed),
			zap.Int("remain", s.backend.Len()),
			zap.Duration("elapsed", time.Since(start)))
	}
}
