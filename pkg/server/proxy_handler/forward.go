package proxy_handler

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Hop-by-hop headers per RFC 9110. They describe this proxy hop and
// must not travel further.
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// stripHopByHop removes the fixed hop-by-hop set plus everything the
// Connection header nominates.
func stripHopByHop(header http.Header) {
	for _, v := range header.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = textproto.TrimString(name); len(name) > 0 {
				header.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		header.Del(name)
	}
}

// handleForward relays one plain request to its origin and streams
// the response back. Returns true if the client connection can carry
// another request.
func (h *Handler) handleForward(ctx context.Context, c net.Conn, req *http.Request) bool {
	// A proxy request must use the absolute form. The transport
	// rewrites it to origin form on the wire since it dials the
	// origin directly.
	if len(req.URL.Scheme) == 0 || len(req.URL.Host) == 0 {
		h.opts.Metrics.requestTotal.WithLabelValues("forward", outcomeClientError).Inc()
		writeShortResponse(c, http.StatusBadRequest)
		return false
	}
	if req.URL.Scheme != "http" {
		h.opts.Metrics.requestTotal.WithLabelValues("forward", outcomeClientError).Inc()
		writeShortResponse(c, http.StatusBadRequest)
		return false
	}

	outReq := req.Clone(ctx)
	outReq.RequestURI = ""
	stripHopByHop(outReq.Header)

	// The transport reads the request body off the client
	// connection. Remember when that read runs into the inactivity
	// deadline, the transport's error wrapping would hide it.
	var body *timeoutFlagBody
	if outReq.Body != nil {
		body = &timeoutFlagBody{ReadCloser: outReq.Body}
		outReq.Body = body
	}

	start := time.Now()
	resp, err := h.transport.RoundTrip(outReq)
	if err != nil {
		// Nothing of the response has been sent, a status line
		// is still possible.
		status := statusForDialErr(err)
		if body != nil && body.timedOut.Load() {
			status = http.StatusGatewayTimeout
		}
		h.opts.Logger.Warn("forward failed",
			zap.Stringer("client", c.RemoteAddr()),
			zap.String("target", req.URL.Host),
			zap.Int("status", status),
			zap.Error(err))
		h.opts.Metrics.requestTotal.WithLabelValues("forward", outcomeForStatus(status)).Inc()
		writeShortResponse(c, status)
		return false
	}
	defer resp.Body.Close()

	stripHopByHop(resp.Header)

	// Streams the body with the framing the origin chose. A write
	// failure here is past the point of no return, just drop the
	// connection.
	if err := resp.Write(c); err != nil {
		h.opts.Logger.Debug("failed to write response",
			zap.Stringer("client", c.RemoteAddr()),
			zap.String("target", req.URL.Host),
			zap.Error(err))
		h.opts.Metrics.requestTotal.WithLabelValues("forward", outcomeAborted).Inc()
		return false
	}

	h.opts.Metrics.requestTotal.WithLabelValues("forward", outcomeOK).Inc()
	h.opts.Logger.Debug("request forwarded",
		zap.Stringer("client", c.RemoteAddr()),
		zap.String("method", req.Method),
		zap.String("target", req.URL.Host),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	return !req.Close && !resp.Close
}

// timeoutFlagBody records whether reading the request body failed on a
// deadline, i.e. the client stalled mid body.
type timeoutFlagBody struct {
	io.ReadCloser
	timedOut atomic.Bool
}

func (b *timeoutFlagBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			b.timedOut.Store(true)
		}
	}
	return n, err
}
