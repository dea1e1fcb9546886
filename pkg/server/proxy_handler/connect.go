package proxy_handler

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/TecArt/tecart-http-proxy/pkg/pool"
)

// handleConnect dials the tunnel target and, once established, relays
// bytes both ways until either side ends. After the 200 line the
// connection is an opaque byte pipe, mid-tunnel failures can only be
// logged and closed, never answered or retried.
func (h *Handler) handleConnect(ctx context.Context, c *idleTimeoutConn, br *bufio.Reader, req *http.Request) {
	// CONNECT carries authority form. No port means 443.
	hostname, port, err := splitAuthority(req.Host, 443)
	if err != nil {
		h.opts.Logger.Debug("bad connect target",
			zap.Stringer("client", c.RemoteAddr()), zap.String("target", req.Host), zap.Error(err))
		h.opts.Metrics.requestTotal.WithLabelValues("connect", outcomeClientError).Inc()
		writeShortResponse(c, http.StatusBadRequest)
		return
	}

	upstream, ip, err := h.opts.Dialer.DialContext(ctx, hostname, port)
	if err != nil {
		status := statusForDialErr(err)
		h.opts.Logger.Warn("connect failed",
			zap.Stringer("client", c.RemoteAddr()),
			zap.String("target", req.Host),
			zap.Int("status", status),
			zap.Error(err))
		h.opts.Metrics.requestTotal.WithLabelValues("connect", outcomeForStatus(status)).Inc()
		writeShortResponse(c, status)
		return
	}
	defer upstream.Close()

	if _, err := io.WriteString(c, connectEstablishedResponse(ip)); err != nil {
		h.opts.Logger.Debug("failed to write connect response",
			zap.Stringer("client", c.RemoteAddr()), zap.Error(err))
		h.opts.Metrics.requestTotal.WithLabelValues("connect", outcomeClientError).Inc()
		return
	}
	h.opts.Metrics.requestTotal.WithLabelValues("connect", outcomeOK).Inc()

	// From here on the connection is a tunnel and ends only with
	// its peers, no inactivity bound applies anymore.
	c.stopTimeout()

	start := time.Now()
	// br may already hold bytes the client sent right behind its
	// headers, so the client-side reads go through br, not c.
	sent, received, relayErr := h.relay(c, br, upstream)
	if relayErr != nil {
		h.opts.Logger.Debug("tunnel ended with error",
			zap.Stringer("client", c.RemoteAddr()),
			zap.String("target", req.Host),
			zap.Error(relayErr))
	}
	h.opts.Logger.Debug("tunnel closed",
		zap.Stringer("client", c.RemoteAddr()),
		zap.String("target", req.Host),
		zap.Int64("sent", sent),
		zap.Int64("received", received),
		zap.Duration("elapsed", time.Since(start)))
}

// relay pumps client->upstream and upstream->client concurrently.
// When one direction ends its writer side is half-closed so the peer
// sees EOF after draining, then relay waits for the other direction
// before returning. Callers close both connections afterwards.
func (h *Handler) relay(client net.Conn, clientR io.Reader, upstream net.Conn) (sent, received int64, err error) {
	var wg sync.WaitGroup
	var sendErr error

	wg.Add(1)
	go func() {
		defer wg.Done()
		sent, sendErr = copyWithPool(upstream, clientR)
		closeWrite(upstream)
		h.opts.Metrics.tunnelBytes.WithLabelValues("client_to_upstream").Add(float64(sent))
	}()

	received, err = copyWithPool(client, upstream)
	closeWrite(client)
	h.opts.Metrics.tunnelBytes.WithLabelValues("upstream_to_client").Add(float64(received))

	wg.Wait()

	// Report the direction that actually broke: an orderly EOF on
	// one side must not mask a real failure on the other.
	return sent, received, firstRelayErr(err, sendErr)
}

func firstRelayErr(errs ...error) error {
	for _, err := range errs {
		if !isExpectedRelayErr(err) {
			return err
		}
	}
	return nil
}

func copyWithPool(dst io.Writer, src io.Reader) (int64, error) {
	buf := pool.GetRelayBuf()
	defer pool.ReleaseRelayBuf(buf)
	return io.CopyBuffer(dst, src, buf)
}

// closeWrite half-closes c if it can, otherwise leaves it to the full
// close of the session.
func closeWrite(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
}

func isExpectedRelayErr(err error) bool {
	return err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
