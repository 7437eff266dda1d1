package hubconn

import (
	"io"

	"github.com/mna/hubconn/connection"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
)

// Option sets an option on the HubConn.
type Option func(*HubConn)

// WithTraceLevel sets the level of the default logger. The default is
// logrus.InfoLevel. It has no effect if WithLogger is used.
func WithTraceLevel(level logrus.Level) Option {
	return func(hc *HubConn) {
		hc.logLevel = level
	}
}

// WithLogWriter sets the sink of the default logger. The default is
// os.Stderr. It has no effect if WithLogger is used.
func WithLogWriter(w io.Writer) Option {
	return func(hc *HubConn) {
		hc.logWriter = w
	}
}

// WithLogger sets the logger of the HubConn, replacing the default one.
func WithLogger(l logrus.FieldLogger) Option {
	return func(hc *HubConn) {
		hc.log = l
	}
}

// WithConnection sets the connection used by the HubConn. The default is
// a websocket connection to the URL of the HubConn.
func WithConnection(c connection.Connection) Option {
	return func(hc *HubConn) {
		hc.conn = c
	}
}

// WithDialer sets the dialer of the default websocket connection. It has
// no effect if WithConnection is used.
func WithDialer(d connection.Dialer) Option {
	return func(hc *HubConn) {
		hc.dialer = d
	}
}

// WithRegisterer sets the prometheus registerer of the HubConn metrics.
// By default, metrics are collected but not registered.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(hc *HubConn) {
		hc.registerer = reg
	}
}

// WithTracerProvider sets the tracer provider used to create spans. The
// default is the global otel tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(hc *HubConn) {
		hc.tracerProvider = tp
	}
}
