package hubconn

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Handler defines the method required to handle an invocation of a
// registered target by the server.
//
// Handlers are called sequentially on the receiving goroutine of the
// connection, in the order the invocations were received. A handler must
// not wait for the result of an Invoke on the same HubConn, as that
// result can only be received once the handler returns. Start a goroutine
// for such work.
type Handler interface {
	Handle(ctx context.Context, args []json.RawMessage)
}

// HandlerFunc is a function signature that implements the Handler
// interface.
type HandlerFunc func(ctx context.Context, args []json.RawMessage)

// Handle implements Handler for the HandlerFunc by calling the
// function itself.
func (h HandlerFunc) Handle(ctx context.Context, args []json.RawMessage) {
	h(ctx, args)
}

// Chain returns a Handler that calls the provided handlers in order, one
// after the other.
func Chain(hs ...Handler) Handler {
	return HandlerFunc(func(ctx context.Context, args []json.RawMessage) {
		for _, h := range hs {
			h.Handle(ctx, args)
		}
	})
}

// PanicRecover returns a Handler that recovers from panics that may
// happen in h. The panic is logged with its stack on log, and panics is
// incremented if it is not nil.
func PanicRecover(h Handler, log logrus.FieldLogger, panics prometheus.Counter) Handler {
	return HandlerFunc(func(ctx context.Context, args []json.RawMessage) {
		defer func() {
			if e := recover(); e != nil {
				if panics != nil {
					panics.Inc()
				}

				var err error
				switch e := e.(type) {
				case error:
					err = e
				default:
					err = fmt.Errorf("%v", e)
				}
				log.WithError(err).Error("recovered from panic in handler")
				log.Debugf("%s", debug.Stack())
			}
		}()
		h.Handle(ctx, args)
	})
}

// Decode returns a Handler that unmarshals the arguments of the
// invocation into the values returned by newArgs, in order, and calls fn
// with them. Extra arguments are ignored, missing ones leave the
// corresponding value untouched. If an argument cannot be unmarshaled,
// the error is logged on log and fn is not called.
func Decode(log logrus.FieldLogger, newArgs func() []interface{}, fn func(ctx context.Context, args []interface{})) Handler {
	return HandlerFunc(func(ctx context.Context, raw []json.RawMessage) {
		vs := newArgs()
		for i, v := range vs {
			if i >= len(raw) {
				break
			}
			if err := json.Unmarshal(raw[i], v); err != nil {
				log.WithError(err).WithField("index", i).Warn("invalid invocation argument")
				return
			}
		}
		fn(ctx, vs)
	})
}
