package server

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"
)

// ServeTCP accepts proxy client connections on l until the listener
// fails or the server is closed. Each connection runs in its own
// goroutine, fully independent of the others.
func (s *Server) ServeTCP(l net.Listener) error {
	defer l.Close()

	handler := s.opts.Handler
	if handler == nil {
		return errMissingHandler
	}

	if ok := s.trackCloser(l, true); !ok {
		return ErrServerClosed
	}
	defer s.trackCloser(l, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for {
		c, err := l.Accept()
		if err != nil {
			if s.Closed() {
				return ErrServerClosed
			}
			if err, ok := err.(net.Error); ok && err.Temporary() {
				s.opts.Logger.Warn("temporary accept error", zap.Error(err))
				continue
			}
			return fmt.Errorf("unexpected listener err: %w", err)
		}

		s.wg.Add(1)
		go s.handleConnection(ctx, c)
	}
}

func (s *Server) handleConnection(ctx context.Context, c net.Conn) {
	defer s.wg.Done()
	defer c.Close()

	if !s.trackCloser(c, true) {
		return
	}
	defer s.trackCloser(c, false)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.opts.Handler.ServeConn(connCtx, c)
}
