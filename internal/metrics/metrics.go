package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the tunnel edge.
type Metrics struct {
	ControlConnectionsTotal prometheus.Counter
	ActiveSessions          prometheus.Gauge
	EvictionsTotal          prometheus.Counter
	RequestsTotal           *prometheus.CounterVec
	ProxiedWebSockets       prometheus.Gauge
	FramesTotal             *prometheus.CounterVec
	ErrorsTotal             *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics on reg. Pass
// prometheus.DefaultRegisterer for the process-wide registry; tests use
// a fresh one.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ControlConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "blinktunnel_control_connections_total",
			Help: "Control WebSocket connections accepted",
		}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "blinktunnel_active_sessions",
			Help: "Sessions with a live control socket",
		}),
		EvictionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "blinktunnel_evictions_total",
			Help: "Control sockets evicted by a newer connect for the same id",
		}),
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "blinktunnel_requests_total",
			Help: "Public requests proxied through a tunnel",
		}, []string{"outcome"}),
		ProxiedWebSockets: factory.NewGauge(prometheus.GaugeOpts{
			Name: "blinktunnel_proxied_websockets",
			Help: "Public WebSockets currently bridged over a tunnel",
		}),
		FramesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "blinktunnel_frames_total",
			Help: "Substream frames relayed",
		}, []string{"direction"}),
		ErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "blinktunnel_errors_total",
			Help: "Errors by type",
		}, []string{"type"}),
	}
}

// Request outcome label values.
const (
	OutcomeProxied    = "proxied"
	OutcomeNoClient   = "no_client"
	OutcomeBadGateway = "bad_gateway"
	OutcomeUnknownID  = "unknown_id"
	OutcomeWebSocket  = "websocket"
)
