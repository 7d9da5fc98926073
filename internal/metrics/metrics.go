// Package metrics holds the Prometheus collectors exported by the chat
// server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "nexus"

// Rejection reasons used as the "reason" label.
const (
	ReasonMalformed       = "malformed"
	ReasonUnknownType     = "unknown_type"
	ReasonUnauthenticated = "unauthenticated"
	ReasonRateLimited     = "rate_limited"
	ReasonInvalid         = "invalid"
)

// Metrics groups every collector. The zero value is not usable; use New.
type Metrics struct {
	ActiveConnections prometheus.Gauge
	Envelopes         *prometheus.CounterVec
	Rejections        *prometheus.CounterVec
	Deliveries        prometheus.Counter
	Lockouts          prometheus.Counter
	HeartbeatTimeouts prometheus.Counter
	DroppedClients    prometheus.Counter
	ViolationResets   prometheus.Counter
}

// New registers the collectors with reg. A nil reg gets a private registry,
// which keeps tests that build several servers from colliding.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of live WebSocket connections",
		}),
		Envelopes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_total",
			Help:      "Inbound envelopes by type",
		}, []string{"type"}),
		Rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejections_total",
			Help:      "Inbound envelopes rejected by reason",
		}, []string{"reason"}),
		Deliveries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Outbound frames queued for delivery",
		}),
		Lockouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_lockouts_total",
			Help:      "Rate-limit violations that started a lockout",
		}),
		HeartbeatTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_timeouts_total",
			Help:      "Connections closed for missing heartbeat replies",
		}),
		DroppedClients: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_clients_total",
			Help:      "Connections dropped because their send buffer was full",
		}),
		ViolationResets: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_violation_resets_total",
			Help:      "Violation counters forgiven by the decay sweep",
		}),
	}
}

// Reject counts a rejected envelope.
func (m *Metrics) Reject(reason string) {
	m.Rejections.WithLabelValues(reason).Inc()
}
