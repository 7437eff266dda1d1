package hubconn

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"time"
	"weak"

	"github.com/mna/hubconn/connection"
	"github.com/mna/hubconn/internal/callbacks"
	"github.com/mna/hubconn/internal/handshake"
	"github.com/mna/hubconn/internal/subscriptions"
	"github.com/mna/hubconn/message"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/mna/hubconn"

// HubConn is a hub connection. It invokes methods on the server and
// dispatches the server's invocations to registered handlers, over a
// single connection. It is safe to call methods on a HubConn
// concurrently.
type HubConn struct {
	url       string
	conn      connection.Connection
	log       logrus.FieldLogger
	tracer    trace.Tracer
	metrics   *metrics
	callbacks *callbacks.Registry
	handlers  *subscriptions.Registry[Handler]

	// options, only used by New
	logLevel       logrus.Level
	logWriter      io.Writer
	dialer         connection.Dialer
	registerer     prometheus.Registerer
	tracerProvider trace.TracerProvider

	mu             sync.Mutex
	gate           *handshake.Gate
	cfg            connection.ClientConfig
	onDisconnected func()
}

// New creates a HubConn for the hub at url. The connection is not
// started, handlers should be registered with On before calling Start.
func New(url string, opts ...Option) *HubConn {
	hc := &HubConn{
		url:       url,
		logLevel:  logrus.InfoLevel,
		logWriter: os.Stderr,
		callbacks: callbacks.New(),
		handlers:  subscriptions.New[Handler](),
	}
	for _, opt := range opts {
		opt(hc)
	}

	if hc.log == nil {
		l := logrus.New()
		l.SetOutput(hc.logWriter)
		l.SetLevel(hc.logLevel)
		hc.log = l
	}
	if hc.conn == nil {
		wsOpts := []connection.WSOption{connection.WithLogger(hc.log)}
		if hc.dialer != nil {
			wsOpts = append(wsOpts, connection.WithDialer(hc.dialer))
		}
		hc.conn = connection.NewWS(url, wsOpts...)
	}
	tp := hc.tracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	hc.tracer = tp.Tracer(instrumentationName)
	hc.metrics = newMetrics(hc.registerer)

	// the connection only holds a weak reference to the HubConn, so that
	// an unreachable HubConn can be collected even if its connection is
	// still running.
	wp := weak.Make(hc)
	hc.conn.SetMessageReceived(func(raw string) {
		if hc := wp.Value(); hc != nil {
			hc.processMessage(raw)
		}
	})
	hc.conn.SetDisconnected(func() {
		if hc := wp.Value(); hc != nil {
			hc.disconnected()
		}
	})
	runtime.AddCleanup(hc, releaseScope, scope{callbacks: hc.callbacks, conn: hc.conn})

	return hc
}

// scope is what outlives a collected HubConn.
type scope struct {
	callbacks *callbacks.Registry
	conn      connection.Connection
}

func releaseScope(s scope) {
	s.callbacks.Clear(errOutOfScope)
	go s.conn.Stop(context.Background())
}

// State returns the state of the underlying connection.
func (hc *HubConn) State() connection.State {
	return hc.conn.State()
}

// ConnectionID returns the identifier of the underlying connection.
func (hc *HubConn) ConnectionID() string {
	return hc.conn.ID()
}

// SetClientConfig sets the transport configuration. It is pushed into
// the connection now and on every Start.
func (hc *HubConn) SetClientConfig(cfg connection.ClientConfig) {
	hc.mu.Lock()
	hc.cfg = cfg
	hc.mu.Unlock()
	hc.conn.SetClientConfig(cfg)
}

// SetDisconnected sets the function called when the connection is lost
// unexpectedly. It is not called when the connection is closed by Stop.
func (hc *HubConn) SetDisconnected(fn func()) {
	hc.mu.Lock()
	hc.onDisconnected = fn
	hc.mu.Unlock()
}

// On registers h as the handler of server invocations of target name.
// Handlers can only be registered while the connection is disconnected,
// and only one handler can be registered per name (see Chain to combine
// handlers).
func (hc *HubConn) On(name string, h Handler) error {
	if name == "" {
		return ErrEventNameEmpty
	}
	if hc.conn.State() != connection.Disconnected {
		return ErrOnNotAllowed
	}
	if err := hc.handlers.Add(name, h); err != nil {
		if errors.Cause(err) == subscriptions.ErrDuplicate {
			return newError(KindUsage, "an action for this event has already been registered. event name: "+name)
		}
		return wrapError(KindUsage, err, "register action failed")
	}
	return nil
}

// Start starts the connection and performs the hub handshake. It returns
// once the server has accepted the handshake. If the handshake fails,
// the connection is stopped and the handshake error is returned.
func (hc *HubConn) Start(ctx context.Context) (err error) {
	ctx, span := hc.tracer.Start(ctx, "hubconn.Start",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("hubconn.url", hc.url)))
	defer func() { endSpan(span, err) }()

	if hc.conn.State() != connection.Disconnected {
		return ErrNotDisconnected
	}

	gate := handshake.New()
	hc.mu.Lock()
	hc.gate = gate
	cfg := hc.cfg
	hc.mu.Unlock()

	hc.conn.SetClientConfig(cfg)
	if err := hc.conn.Start(ctx); err != nil {
		hc.metrics.handshakes.WithLabelValues(resultTransport).Inc()
		return wrapError(KindTransport, err, "start connection failed")
	}

	id := hc.conn.ID()
	span.SetAttributes(attribute.String("hubconn.connection_id", id))
	log := hc.log.WithField("connection_id", id)
	log.WithField("targets", hc.handlers.Names()).Debug("connection started, sending handshake")

	req, err := message.Encode(message.NewHandshakeRequest())
	if err == nil {
		err = hc.conn.Send(ctx, req)
	}
	if err != nil {
		hc.metrics.handshakes.WithLabelValues(resultTransport).Inc()
		log.WithError(err).Error("send handshake failed")
		hc.conn.Stop(context.WithoutCancel(ctx))
		return wrapError(KindHandshake, err, "send handshake failed")
	}

	wctx := ctx
	if to := cfg.HandshakeTimeout; to > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, to)
		defer cancel()
	}
	if err := gate.Wait(wctx); err != nil {
		var herr *Error
		if !errors.As(err, &herr) {
			herr = wrapError(KindHandshake, err, "wait for handshake response failed")
			gate.Fail(herr)
		}
		hc.metrics.handshakes.WithLabelValues(resultError).Inc()
		log.WithError(herr).Error("handshake failed, stopping connection")
		hc.conn.Stop(context.WithoutCancel(ctx))
		return herr
	}

	hc.metrics.handshakes.WithLabelValues(resultOK).Inc()
	log.Debug("handshake completed")
	return nil
}

// Stop fails all pending invocations and a pending handshake, and stops
// the connection.
func (hc *HubConn) Stop(ctx context.Context) error {
	hc.callbacks.Clear(errStopped)

	hc.mu.Lock()
	gate := hc.gate
	hc.mu.Unlock()
	if gate != nil {
		gate.Fail(errGateStopped)
	}

	if err := hc.conn.Stop(ctx); err != nil {
		return wrapError(KindTransport, err, "stop connection failed")
	}
	hc.log.WithField("connection_id", hc.conn.ID()).Debug("connection stopped")
	return nil
}

func (hc *HubConn) disconnected() {
	hc.log.WithField("connection_id", hc.conn.ID()).Warn("connection lost")
	hc.callbacks.Clear(errLost)

	hc.mu.Lock()
	gate := hc.gate
	fn := hc.onDisconnected
	hc.mu.Unlock()
	if gate != nil {
		gate.Fail(errGateLost)
	}
	if fn != nil {
		fn()
	}
}

// Call represents an invocation that expects a result.
type Call struct {
	// ID is the invocation id. It is empty if the invocation could not be
	// registered.
	ID     string
	Method string
	Args   []interface{}

	// Result and Error are set once the call is done. Exactly one of them
	// is set.
	Result json.RawMessage
	Error  error

	// Done receives the call once it is done.
	Done chan *Call
}

func (c *Call) done() {
	select {
	case c.Done <- c:
	default:
		// the caller guarantees enough buffer space
	}
}

// Go invokes method on the server asynchronously, with args as
// arguments. The call is sent on done once complete. If done is nil, a
// new channel is allocated, otherwise it must be buffered.
func (hc *HubConn) Go(ctx context.Context, method string, args []interface{}, done chan *Call) *Call {
	if done == nil {
		done = make(chan *Call, 1)
	} else if cap(done) == 0 {
		panic("hubconn: done channel is unbuffered")
	}
	call := &Call{Method: method, Args: args, Done: done}

	ctx, span := hc.tracer.Start(ctx, "hubconn.Invoke",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("hubconn.method", method)))

	inv, err := message.NewInvocation("", method, args...)
	if err != nil {
		call.Error = wrapError(KindUsage, err, "invalid invocation arguments")
		endSpan(span, call.Error)
		call.done()
		return call
	}

	m, log, start := hc.metrics, hc.log, time.Now()
	call.ID = hc.callbacks.Register(func(c *message.Completion, err error) {
		m.pending.Dec()
		switch {
		case err != nil:
			m.invocations.WithLabelValues(resultTransport).Inc()
			call.Error = err
		case c.HasError():
			m.invocations.WithLabelValues(resultError).Inc()
			call.Error = newError(KindInvocation, c.Error)
		default:
			m.invocations.WithLabelValues(resultOK).Inc()
			m.invocationDuration.Observe(time.Since(start).Seconds())
			call.Result = c.Result
			if len(call.Result) == 0 {
				call.Result = json.RawMessage("null")
			}
		}
		endSpan(span, call.Error)
		call.done()
	})
	m.pending.Inc()
	span.SetAttributes(attribute.String("hubconn.invocation_id", call.ID))

	inv.InvocationID = call.ID
	s, err := message.Encode(inv)
	if err == nil {
		err = hc.conn.Send(ctx, s)
	}
	if err != nil {
		// if the callback is gone, it already completed the call
		if hc.callbacks.Remove(call.ID) {
			m.pending.Dec()
			m.invocations.WithLabelValues(resultTransport).Inc()
			call.Error = wrapError(KindTransport, err, "send invocation failed")
			log.WithError(err).WithField("invocation_id", call.ID).Debug("send invocation failed")
			endSpan(span, call.Error)
			call.done()
		}
	}
	return call
}

// Invoke invokes method on the server with args as arguments and waits
// for its result. If the server returns an error, it is an *Error of kind
// KindInvocation with the server's message.
//
// If ctx is done before the result is received, the invocation is
// forgotten and the context's error is returned. The server is not
// notified.
func (hc *HubConn) Invoke(ctx context.Context, method string, args ...interface{}) (json.RawMessage, error) {
	call := hc.Go(ctx, method, args, make(chan *Call, 1))
	select {
	case <-call.Done:
		return call.Result, call.Error
	case <-ctx.Done():
		if call.ID != "" && hc.callbacks.Remove(call.ID) {
			hc.metrics.pending.Dec()
			hc.metrics.invocations.WithLabelValues(resultCanceled).Inc()
			return nil, ctx.Err()
		}
		// the call completed concurrently
		<-call.Done
		return call.Result, call.Error
	}
}

// Send invokes method on the server with args as arguments, without
// expecting a result. It returns once the invocation is sent.
func (hc *HubConn) Send(ctx context.Context, method string, args ...interface{}) (err error) {
	ctx, span := hc.tracer.Start(ctx, "hubconn.Send",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("hubconn.method", method)))
	defer func() { endSpan(span, err) }()

	inv, err := message.NewInvocation("", method, args...)
	if err != nil {
		return wrapError(KindUsage, err, "invalid invocation arguments")
	}
	s, err := message.Encode(inv)
	if err != nil {
		return wrapError(KindUsage, err, "encode invocation failed")
	}
	if err := hc.conn.Send(ctx, s); err != nil {
		return wrapError(KindTransport, err, "send invocation failed")
	}
	return nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// processMessage processes a payload received on the connection. Each
// frame is processed in order. Processing of the payload stops at the
// first invalid frame, and after the handshake response. Hub messages are
// only dispatched once the handshake is fulfilled.
func (hc *HubConn) processMessage(raw string) {
	log := hc.log.WithField("connection_id", hc.conn.ID())
	log.WithField("payload", raw).Trace("payload received")

	hc.mu.Lock()
	gate := hc.gate
	hc.mu.Unlock()
	if gate == nil {
		log.Warn("payload received before start, ignoring")
		return
	}

	frames, rest := message.Split(raw)
	if rest != "" {
		log.WithField("data", rest).Warn("discarding unterminated data at the end of the payload")
	}

	for _, f := range frames {
		switch gate.State() {
		case handshake.Pending:
			hc.handshakeResponse(log, gate, f)
			return
		case handshake.Failed:
			hc.metrics.ignoredFrames.WithLabelValues(reasonNoHandshake).Inc()
			log.Debug("handshake failed, discarding payload")
			return
		}
		if err := hc.dispatch(log, f); err != nil {
			hc.metrics.protocolErrors.Inc()
			log.WithError(err).Error("invalid frame, discarding the rest of the payload")
			return
		}
	}
}

func (hc *HubConn) handshakeResponse(log logrus.FieldLogger, gate *handshake.Gate, frame string) {
	o, err := message.ParseObject(frame)
	if err != nil {
		gate.Fail(wrapError(KindHandshake, err, "invalid handshake response"))
		return
	}

	switch {
	case o.Has("error"):
		msg, err := o.StringField("error")
		if err != nil {
			msg = string(o["error"])
		}
		log.WithField("error", msg).Error("received an error during handshake")
		gate.Fail(newError(KindHandshake, "received an error during handshake: "+msg))

	case o.Has("type"):
		log.Error("received a hub message before the handshake response")
		gate.Fail(newError(KindProtocol, "expected a handshake response from the server"))

	default:
		gate.Fulfill()
	}
}

func (hc *HubConn) dispatch(log logrus.FieldLogger, frame string) error {
	m, err := message.Parse(frame)
	if err != nil {
		return wrapError(KindProtocol, err, "parse frame failed")
	}
	hc.metrics.framesReceived.WithLabelValues(m.Type().String()).Inc()

	switch m := m.(type) {
	case *message.Invocation:
		h, ok := hc.handlers.Lookup(m.Target)
		if !ok {
			hc.metrics.ignoredFrames.WithLabelValues(reasonUnknownTarget).Inc()
			log.WithField("target", m.Target).Info("no handler registered for invocation target")
			return nil
		}
		hlog := log.WithField("target", m.Target)
		PanicRecover(h, hlog, hc.metrics.recoveredPanics).Handle(context.Background(), m.Arguments)

	case *message.Completion:
		if m.HasError() && len(m.Result) > 0 {
			log.WithField("invocation_id", m.InvocationID).Warn("completion has both a result and an error, using the error")
		}
		if !hc.callbacks.Invoke(m.InvocationID, m, true) {
			hc.metrics.ignoredFrames.WithLabelValues(reasonUnknownID).Inc()
			log.WithField("invocation_id", m.InvocationID).Info("no pending invocation for completion")
		}

	case *message.StreamItem, *message.Ping, *message.Close:
		hc.metrics.ignoredFrames.WithLabelValues(reasonUnsupported).Inc()
		log.WithField("type", m.Type()).Debug("ignoring unsupported message")

	case *message.StreamInvocation, *message.CancelInvocation:
		return newError(KindProtocol, fmt.Sprintf("received a %s message, which the server must not send", m.Type()))

	default:
		return newError(KindProtocol, fmt.Sprintf("unexpected message type %s", m.Type()))
	}
	return nil
}
