// Package safe_close coordinates the shutdown of a service and its
// sub goroutines. CloseWait returns only after every attached
// goroutine has exited.
package safe_close

import "sync"

// Usage:
//  1. The main service goroutine waits on ReceiveCloseSignal and calls
//     Done before it returns.
//  2. Sub goroutines are started via Attach and must also watch
//     ReceiveCloseSignal.
//  3. On a fatal error any goroutine may call SendCloseSignal. Calling
//     CloseWait from inside an attached goroutine deadlocks.
type SafeClose struct {
	m           sync.Mutex
	wg          sync.WaitGroup
	closeSignal chan struct{}
	done        chan struct{}
	doneOnce    sync.Once
	closeErr    error
}

func NewSafeClose() *SafeClose {
	return &SafeClose{
		closeSignal: make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// CloseWait sends the close signal and blocks until Done was called
// and all attached goroutines returned. Safe to call multiple times.
func (s *SafeClose) CloseWait() {
	s.SendCloseSignal(nil)
	s.wg.Wait()
	<-s.done
}

// SendCloseSignal closes the service. The first non-nil err wins and
// is returned by Err.
func (s *SafeClose) SendCloseSignal(err error) {
	s.m.Lock()
	defer s.m.Unlock()

	select {
	case <-s.closeSignal:
	default:
		s.closeErr = err
		close(s.closeSignal)
	}
}

// Err returns the error passed to the first effective SendCloseSignal.
func (s *SafeClose) Err() error {
	s.m.Lock()
	defer s.m.Unlock()
	return s.closeErr
}

func (s *SafeClose) ReceiveCloseSignal() <-chan struct{} {
	return s.closeSignal
}

// Attach runs f in a new goroutine tracked by CloseWait. f must call
// done when it returns and watch closeSignal. If the service is
// already closed f does not run.
func (s *SafeClose) Attach(f func(done func(), closeSignal <-chan struct{})) {
	s.m.Lock()
	select {
	case <-s.closeSignal:
		s.m.Unlock()
		return
	default:
		s.wg.Add(1)
	}
	s.m.Unlock()

	go func() {
		f(s.wg.Done, s.closeSignal)
	}()
}

// Done releases CloseWait. Safe to call multiple times.
func (s *SafeClose) Done() {
	s.doneOnce.Do(func() {
		close(s.done)
	})
}
