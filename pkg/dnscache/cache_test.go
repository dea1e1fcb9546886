package dnscache

import (
	"errors"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/TecArt/tecart-http-proxy/pkg/safe_close"
)

// flakyBackend fails its first sweeps, then starts succeeding.
type flakyBackend struct {
	failFirst int32
	sweeps    atomic.Int32
}

func (b *flakyBackend) Get(string) ([]netip.Addr, bool) { return nil, false }
func (b *flakyBackend) Store(string, []netip.Addr)      {}
func (b *flakyBackend) Len() int                        { return 0 }
func (b *flakyBackend) Close() error                    { return nil }

func (b *flakyBackend) EvictExpired(time.Time) (int, error) {
	n := b.sweeps.Add(1)
	if n <= b.failFirst {
		return 0, errors.New("sweep failed")
	}
	return 1, nil
}

func Test_sweeper_survives_errors(t *testing.T) {
	b := &flakyBackend{failFirst: 2}
	sweeper := NewSweeper(b, time.Millisecond*10, nil)

	sc := safe_close.NewSafeClose()
	sc.Attach(sweeper.Run)

	deadline := time.Now().Add(time.Second * 5)
	for b.sweeps.Load() < 5 {
		if time.Now().After(deadline) {
			t.Fatalf("only %d sweeps ran, loop stopped after errors?", b.sweeps.Load())
		}
		time.Sleep(time.Millisecond * 10)
	}
	sc.Done()
	sc.CloseWait()
}

func Test_sweeper_stops_on_close(t *testing.T) {
	b := &flakyBackend{}
	sweeper := NewSweeper(b, time.Millisecond*5, nil)

	sc := safe_close.NewSafeClose()
	sc.Attach(sweeper.Run)
	time.Sleep(time.Millisecond * 30)
	sc.Done()
	sc.CloseWait()

	n := b.sweeps.Load()
	time.Sleep(time.Millisecond * 30)
	if b.sweeps.Load() != n {
		t.Fatal("sweeper kept running after close")
	}
}
