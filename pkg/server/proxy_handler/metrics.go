package proxy_handler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeOK          = "ok"
	outcomeClientError = "client_error"
	outcomeUnreachable = "unreachable"
	outcomeTimeout     = "timeout"
	outcomeAborted     = "aborted"
)

type Metrics struct {
	requestTotal   *prometheus.CounterVec
	tunnelBytes    *prometheus.CounterVec
	activeSessions prometheus.Gauge
}

// NewMetrics registers the handler metrics with reg. A nil reg
// creates working but unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		requestTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "request_total",
			Help: "Handled proxy requests by kind and outcome.",
		}, []string{"kind", "outcome"}),
		tunnelBytes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tunnel_bytes_total",
			Help: "Bytes relayed through CONNECT tunnels by direction.",
		}, []string{"direction"}),
		activeSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "active_sessions",
			Help: "Client connections currently being served.",
		}),
	}
}
