package redisbroker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the prometheus metrics of a Broker. A nil *Metrics
// collects nothing.
type Metrics struct {
	received         *prometheus.CounterVec
	expired          *prometheus.CounterVec
	failedPTTL       *prometheus.CounterVec
	failedUnmarshals *prometheus.CounterVec
}

// NewMetrics creates the broker metrics and registers them on reg. If
// reg is nil, the metrics are not registered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		received: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hubconn",
			Subsystem: "redisbroker",
			Name:      "received_total",
			Help:      "Number of payloads received from redis, by kind.",
		}, []string{"kind"}),
		expired: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hubconn",
			Subsystem: "redisbroker",
			Name:      "expired_total",
			Help:      "Number of expired payloads dropped, by kind.",
		}, []string{"kind"}),
		failedPTTL: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hubconn",
			Subsystem: "redisbroker",
			Name:      "failed_pttl_total",
			Help:      "Number of failed expiration checks, by kind.",
		}, []string{"kind"}),
		failedUnmarshals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hubconn",
			Subsystem: "redisbroker",
			Name:      "failed_unmarshals_total",
			Help:      "Number of payloads that could not be unmarshaled, by kind.",
		}, []string{"kind"}),
	}
}

// Payload kinds.
const (
	kindCall   = "call"
	kindResult = "result"
	kindEvent  = "event"
)

func (m *Metrics) incReceived(kind string) {
	if m != nil {
		m.received.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) incExpired(kind string) {
	if m != nil {
		m.expired.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) incFailedPTTL(kind string) {
	if m != nil {
		m.failedPTTL.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) incFailedUnmarshal(kind string) {
	if m != nil {
		m.failedUnmarshals.WithLabelValues(kind).Inc()
	}
}
