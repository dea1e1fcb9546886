// Package proxy_handler implements the per-connection proxy logic:
// request parsing, the CONNECT tunnel relay and the plain-request
// forwarder.
package proxy_handler

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/TecArt/tecart-http-proxy/pkg/dialer"
	"github.com/TecArt/tecart-http-proxy/pkg/utils"
)

var nopLogger = zap.NewNop()

type HandlerOpts struct {
	// Dialer cannot be nil.
	Dialer *dialer.RetryDialer

	// Logger is the *zap.Logger for this Handler.
	// A nil Logger will disable logging.
	Logger *zap.Logger

	// RequestTimeout bounds reading a request from the client and
	// the inactivity of a forwarded exchange. It does not bound an
	// established CONNECT tunnel, which ends only with its peers.
	// Default is 30s.
	RequestTimeout time.Duration

	// Metrics is optional. Nil disables metric collection.
	Metrics *Metrics
}

func (opts *HandlerOpts) Init() error {
	if opts.Dialer == nil {
		return errors.New("nil dialer")
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	utils.SetDefaultNum(&opts.RequestTimeout, time.Second*30)
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	return nil
}

type Handler struct {
	opts      HandlerOpts
	transport *http.Transport
}

func NewHandler(opts HandlerOpts) (*Handler, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}

	h := &Handler{opts: opts}
	h.transport = &http.Transport{
		DialContext:           h.dialUpstream,
		ResponseHeaderTimeout: opts.RequestTimeout,
		MaxIdleConns:          64,
		IdleConnTimeout:       time.Second * 90,
		// The forwarder is a pass-through, not a re-encoder.
		DisableCompression: true,
	}
	return h, nil
}

// dialUpstream is the transport dialer of the forward path. The
// returned connection carries an inactivity deadline refreshed on
// every read and write.
func (h *Handler) dialUpstream(ctx context.Context, network, addr string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("network %s is not supported", network)
	}
	hostname, port, err := splitAuthority(addr, 80)
	if err != nil {
		return nil, err
	}
	c, _, err := h.opts.Dialer.DialContext(ctx, hostname, port)
	if err != nil {
		return nil, err
	}
	return newIdleTimeoutConn(c, h.opts.RequestTimeout), nil
}

// ServeConn implements server.Handler. It reads requests off c until
// the connection is taken over by a CONNECT tunnel, the client stops
// sending, or an exchange fails.
func (h *Handler) ServeConn(ctx context.Context, c net.Conn) {
	h.opts.Metrics.activeSessions.Inc()
	defer h.opts.Metrics.activeSessions.Dec()

	// Every client read and write refreshes an inactivity deadline.
	// Only an established tunnel switches it off.
	cc := newIdleTimeoutConn(c, h.opts.RequestTimeout)
	br := bufio.NewReader(cc)
	for {
		req, err := http.ReadRequest(br)
		if err != nil {
			if isExpectedReadErr(err) {
				return
			}
			// ClientProtocolError: the request line or headers
			// did not parse. Nothing has been sent yet, so a
			// status line is still possible.
			h.opts.Logger.Debug("malformed request",
				zap.Stringer("client", c.RemoteAddr()), zap.Error(err))
			h.opts.Metrics.requestTotal.WithLabelValues("invalid", outcomeClientError).Inc()
			writeShortResponse(cc, http.StatusBadRequest)
			return
		}

		if req.Method == http.MethodConnect {
			h.handleConnect(ctx, cc, br, req)
			return
		}
		if !h.handleForward(ctx, cc, req) {
			return
		}
	}
}

func isExpectedReadErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// statusForDialErr maps a dispatcher failure to the gateway status
// the client gets. Timeout classification must run first, it is a
// refinement of unreachable.
func statusForDialErr(err error) int {
	switch {
	case errors.Is(err, dialer.ErrUpstreamTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, dialer.ErrDNSResolutionFailure), errors.Is(err, dialer.ErrUpstreamUnreachable):
		return http.StatusBadGateway
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

func outcomeForStatus(status int) string {
	if status == http.StatusGatewayTimeout {
		return outcomeTimeout
	}
	return outcomeUnreachable
}

// writeShortResponse writes a bodyless response directly to c. Only
// used before any other byte was sent on c.
func writeShortResponse(c net.Conn, statusCode int) {
	fmt.Fprintf(c, "HTTP/1.1 %d %s\r\nContent-Length: 0\r\nConnection: close\r\n\r\n",
		statusCode, http.StatusText(statusCode))
}

// splitAuthority splits "host:port" and applies defaultPort when the
// authority has no port.
func splitAuthority(authority string, defaultPort uint16) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(authority)
	if err != nil {
		host = strings.TrimSuffix(strings.TrimPrefix(authority, "["), "]")
		if len(host) == 0 {
			return "", 0, fmt.Errorf("invalid authority %q", authority)
		}
		return host, defaultPort, nil
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return "", 0, fmt.Errorf("invalid port in authority %q", authority)
	}
	return host, uint16(port), nil
}

// idleTimeoutConn pushes its deadline forward on every I/O op, so a
// stalled peer eventually errors out while an active transfer of any
// length keeps going. stopTimeout turns the deadlines off for good,
// e.g. when the connection becomes a tunnel.
type idleTimeoutConn struct {
	net.Conn
	timeout atomic.Int64 // nanoseconds, 0 disables
}

func newIdleTimeoutConn(c net.Conn, timeout time.Duration) *idleTimeoutConn {
	ic := &idleTimeoutConn{Conn: c}
	ic.timeout.Store(int64(timeout))
	return ic
}

func (c *idleTimeoutConn) Read(b []byte) (int, error) {
	if d := time.Duration(c.timeout.Load()); d > 0 {
		c.Conn.SetReadDeadline(time.Now().Add(d))
	}
	return c.Conn.Read(b)
}

func (c *idleTimeoutConn) Write(b []byte) (int, error) {
	if d := time.Duration(c.timeout.Load()); d > 0 {
		c.Conn.SetWriteDeadline(time.Now().Add(d))
	}
	return c.Conn.Write(b)
}

func (c *idleTimeoutConn) stopTimeout() {
	c.timeout.Store(0)
	c.Conn.SetDeadline(time.Time{})
}

// CloseWrite keeps the half-close of the wrapped connection reachable
// through the wrapper.
func (c *idleTimeoutConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

var _ net.Conn = (*idleTimeoutConn)(nil)

// chosenIPHeader reports which upstream IP a CONNECT ended up on.
// Carried over from the previous generation of this proxy, some
// internal tooling reads it.
const chosenIPHeader = "X-Connected-IP"

func connectEstablishedResponse(ip netip.Addr) string {
	return "HTTP/1.1 200 Connection established\r\n" + chosenIPHeader + ": " + ip.String() + "\r\n\r\n"
}
