package hubconn

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "hubconn"

// metrics are the prometheus collectors of a HubConn. HubConns that share
// a registerer share the collectors.
type metrics struct {
	framesReceived     *prometheus.CounterVec
	invocations        *prometheus.CounterVec
	invocationDuration prometheus.Histogram
	pending            prometheus.Gauge
	handshakes         *prometheus.CounterVec
	protocolErrors     prometheus.Counter
	ignoredFrames      *prometheus.CounterVec
	recoveredPanics    prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		framesReceived: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_received_total",
			Help:      "Number of hub protocol frames received, by message type.",
		}, []string{"type"})),
		invocations: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "invocations_total",
			Help:      "Number of invocations that expect a result, by outcome.",
		}, []string{"result"})),
		invocationDuration: register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "invocation_duration_seconds",
			Help:      "Time from sending an invocation to receiving its completion.",
			Buckets:   prometheus.DefBuckets,
		})),
		pending: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "invocations_pending",
			Help:      "Number of invocations waiting for a completion.",
		})),
		handshakes: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "handshakes_total",
			Help:      "Number of hub handshakes, by outcome.",
		}, []string{"result"})),
		protocolErrors: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "protocol_errors_total",
			Help:      "Number of payloads abandoned because of an invalid frame.",
		})),
		ignoredFrames: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "ignored_frames_total",
			Help:      "Number of frames ignored, by reason.",
		}, []string{"reason"})),
		recoveredPanics: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "recovered_panics_total",
			Help:      "Number of panics recovered in invocation handlers.",
		})),
	}
}

// register registers c on reg and returns it, or returns the equivalent
// collector already registered. If reg is nil, c is returned unregistered.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if reg == nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// Invocation outcomes.
const (
	resultOK        = "ok"
	resultError     = "error"
	resultTransport = "transport"
	resultCanceled  = "canceled"
)

// Reasons for ignored frames.
const (
	reasonUnknownTarget = "unknown_target"
	reasonUnknownID     = "unknown_invocation_id"
	reasonUnsupported   = "unsupported_type"
	reasonNoHandshake   = "handshake_failed"
)
