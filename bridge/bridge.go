// Package bridge connects a HubConn to a broker. Call requests read from
// the broker are invoked on the hub and their results stored back in the
// broker, and server invocations of forwarded targets are published as
// broker events.
package bridge

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/mna/hubconn"
	"github.com/mna/hubconn/broker"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrCallExpired is returned when a call is processed but the call
// timeout is exceeded, meaning that the caller is no longer expecting
// the result. The result is dropped and this error is returned from
// InvokeAndStoreResult.
var ErrCallExpired = errors.New("hubconn/bridge: call expired")

// Hub defines the methods of the hub connection used by the bridge. It
// is implemented by *hubconn.HubConn.
type Hub interface {
	Invoke(ctx context.Context, method string, args ...interface{}) (json.RawMessage, error)
	On(name string, h hubconn.Handler) error
}

// Broker defines the methods of the broker used by the bridge.
type Broker interface {
	broker.CalleeBroker
	broker.EventPublisher
}

// Bridge invokes hub methods for the call requests of a broker, and
// publishes server invocations to that broker.
type Bridge struct {
	// prevent unkeyed literals
	_ struct{}

	// Hub is the started hub connection used to invoke methods.
	Hub Hub

	// Broker is the broker to read call requests from, store results to
	// and publish events to.
	Broker Broker

	// Logger is the logger to use. If nil, the logrus standard logger is
	// used.
	Logger logrus.FieldLogger
}

func (b *Bridge) logger() logrus.FieldLogger {
	if b.Logger != nil {
		return b.Logger
	}
	return logrus.StandardLogger()
}

// Forward registers a handler on the hub for each target so that every
// server invocation of those targets is published as an event. It must
// be called before the hub connection is started.
func (b *Bridge) Forward(targets ...string) error {
	for _, target := range targets {
		h := hubconn.HandlerFunc(func(ctx context.Context, args []json.RawMessage) {
			ep := &broker.EventPayload{Target: target, Args: args}
			if err := b.Broker.Publish(target, ep); err != nil {
				b.logger().WithError(err).WithField("target", target).Error("Forward: failed to publish event")
			}
		})
		if err := b.Hub.On(target, h); err != nil {
			return errors.Wrapf(err, "forward %s", target)
		}
	}
	return nil
}

// InvokeAndStoreResult invokes the hub method of the call payload and
// stores the result so that it can be read by the caller. The invocation
// is bounded by the time left on the call. If that time is exceeded, the
// result is dropped and ErrCallExpired is returned.
func (b *Bridge) InvokeAndStoreResult(ctx context.Context, cp *broker.CallPayload) error {
	remain := cp.Remaining()
	if remain <= 0 {
		return ErrCallExpired
	}

	ctx, cancel := context.WithTimeout(ctx, remain)
	defer cancel()

	args := make([]interface{}, len(cp.Args))
	for i, arg := range cp.Args {
		args[i] = arg
	}
	res, err := b.Hub.Invoke(ctx, cp.Method, args...)

	if remain = cp.Remaining(); remain <= 0 {
		return ErrCallExpired
	}

	// if there's an error, that's what gets stored
	rp := &broker.ResultPayload{
		ID:     cp.ID,
		Caller: cp.Caller,
		Method: cp.Method,
	}
	if err != nil {
		rp.Error = err.Error()
	} else {
		rp.Result = res
	}
	return b.Broker.Result(rp, remain)
}

// Listen listens for call requests of the methods and invokes them on
// the hub using the specified number of workers. If a redis cluster is
// used, all methods must belong to the same hash slot.
//
// Errors to invoke or store a result are logged and the next request is
// processed. Listen blocks until the call request loop exits or ctx is
// done. It returns the error that caused the loop to stop, or the error
// to initiate the connection to the broker.
func (b *Bridge) Listen(ctx context.Context, workers int, methods ...string) error {
	if len(methods) == 0 {
		return nil
	}
	if workers <= 0 {
		workers = 1
	}

	conn, err := b.Broker.NewCallsConn(methods...)
	if err != nil {
		return err
	}
	defer conn.Close()

	// close the connection when ctx is done, this terminates the calls
	// loop.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	log := b.logger()
	calls := conn.Calls()
	wg := sync.WaitGroup{}
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for cp := range calls {
				if err := b.InvokeAndStoreResult(ctx, cp); err != nil {
					log.WithError(err).WithFields(logrus.Fields{
						"id":     cp.ID,
						"method": cp.Method,
					}).Warn("Listen: call failed")
				}
			}
		}()
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}
	return conn.CallsErr()
}
