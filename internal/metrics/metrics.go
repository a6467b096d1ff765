// Package metrics provides Prometheus instrumentation for handshakes and
// upgraded connections.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Handshake result labels.
const (
	ResultAccepted        = "accepted"
	ResultInvalidArgument = "invalid_argument"
	ResultParseError      = "parse_error"
	ResultRejected        = "rejected"
	ResultIOError         = "io_error"
	ResultAborted         = "aborted"
)

// Message direction labels.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Handshakes        *prometheus.CounterVec
	HandshakeDuration *prometheus.HistogramVec
	ActiveConnections prometheus.Gauge
	Messages          *prometheus.CounterVec
	RateLimited       prometheus.Counter
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered, which is convenient in tests.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "wsupgrade"
	}
	factory := promauto.With(reg)

	return &Metrics{
		Handshakes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handshakes_total",
				Help:      "Total number of completed handshakes by result",
			},
			[]string{"result"},
		),
		HandshakeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "handshake_duration_seconds",
				Help:      "Time from accepting a stream to resolving its handshake",
				Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10},
			},
			[]string{"result"},
		),
		ActiveConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_connections",
				Help:      "Number of currently upgraded connections",
			},
		),
		Messages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_total",
				Help:      "Total number of data messages by direction and type",
			},
			[]string{"direction", "type"},
		),
		RateLimited: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_total",
				Help:      "Connections closed for exceeding the inbound message rate",
			},
		),
	}
}

func (m *Metrics) ObserveHandshake(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.Handshakes.WithLabelValues(result).Inc()
	m.HandshakeDuration.WithLabelValues(result).Observe(d.Seconds())
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ActiveConnections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
}

func (m *Metrics) Message(direction, typ string) {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues(direction, typ).Inc()
}

func (m *Metrics) RateLimitExceeded() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}
