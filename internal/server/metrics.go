package server

import "github.com/prometheus/client_golang/prometheus"

// Frame labels that are not inbound event types.
const (
	frameMalformed   = "malformed"
	frameRateLimited = "rate_limited"
)

// Metrics holds the relay's Prometheus collectors.
type Metrics struct {
	connections  prometheus.Gauge
	frames       *prometheus.CounterVec
	relayErrors  *prometheus.CounterVec
	authFailures prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered, which is useful in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatrelay_connections_active",
			Help: "Number of authenticated WebSocket connections.",
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_frames_total",
			Help: "Inbound frames by event type, including malformed and rate limited frames.",
		}, []string{"type"}),
		relayErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_relay_errors_total",
			Help: "Errors returned while relaying inbound events, by kind.",
		}, []string{"kind"}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_auth_failures_total",
			Help: "WebSocket and HTTP requests rejected for a missing or invalid token.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.connections, m.frames, m.relayErrors, m.authFailures)
	}
	return m
}
