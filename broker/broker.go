// Package broker defines the types and interfaces of the broker that
// bridges hub invocations with other processes. Call requests are
// enqueued by callers, consumed by a bridge that invokes the matching hub
// method, and the results are stored for the caller to read. Server
// invocations forwarded by the bridge are published as events.
package broker

import (
	"encoding/json"
	"time"

	"github.com/pborman/uuid"
	"github.com/pkg/errors"
)

// DefaultCallTimeout is the default time-to-live of call requests and
// results, used when no timeout is provided.
const DefaultCallTimeout = time.Minute

// CallPayload is a call request stored in the broker.
type CallPayload struct {
	// ID uniquely identifies the call.
	ID string `json:"id"`

	// Caller identifies the caller, results are stored for that caller.
	Caller string `json:"caller"`

	// Method is the hub method to invoke.
	Method string `json:"method"`

	// Args are the arguments of the invocation.
	Args []json.RawMessage `json:"args"`

	// ReadTimestamp is the time when the call request was read from the
	// broker. It is set by CallsConn and is not stored.
	ReadTimestamp time.Time `json:"-"`

	// TTLAfterRead is the time-to-live that remained for the call when it
	// was read. The result must be stored before it elapses.
	TTLAfterRead time.Duration `json:"-"`
}

// NewCallPayload returns a call request of method by caller, with a new
// random ID. Each value of args is marshaled as an argument.
func NewCallPayload(caller, method string, args ...interface{}) (*CallPayload, error) {
	raw := make([]json.RawMessage, 0, len(args))
	for i, arg := range args {
		b, err := json.Marshal(arg)
		if err != nil {
			return nil, errors.Wrapf(err, "marshal argument %d", i)
		}
		raw = append(raw, b)
	}
	return &CallPayload{
		ID:     uuid.NewRandom().String(),
		Caller: caller,
		Method: method,
		Args:   raw,
	}, nil
}

// Remaining returns the time left to store the result of the call, as of
// now.
func (cp *CallPayload) Remaining() time.Duration {
	return cp.TTLAfterRead - time.Since(cp.ReadTimestamp)
}

// ResultPayload is the result of a call stored in the broker.
type ResultPayload struct {
	ID     string          `json:"id"`
	Caller string          `json:"caller"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// EventPayload is a server invocation published as an event.
type EventPayload struct {
	Target string            `json:"target"`
	Args   []json.RawMessage `json:"args"`
}

// CallerBroker defines the methods of a broker used to make calls and
// read their results.
type CallerBroker interface {
	// Call enqueues a call request, which expires after timeout.
	Call(cp *CallPayload, timeout time.Duration) error

	// NewResultsConn returns a connection that reads the results of the
	// calls made by caller.
	NewResultsConn(caller string) (ResultsConn, error)
}

// CalleeBroker defines the methods of a broker used to process call
// requests and store their results.
type CalleeBroker interface {
	// NewCallsConn returns a connection that reads the call requests of
	// the specified methods.
	NewCallsConn(methods ...string) (CallsConn, error)

	// Result stores the result of a call, which expires after timeout.
	Result(rp *ResultPayload, timeout time.Duration) error
}

// EventPublisher defines the method of a broker used to publish events.
type EventPublisher interface {
	Publish(target string, ep *EventPayload) error
}

// EventSubscriber defines the method of a broker used to receive
// published events.
type EventSubscriber interface {
	NewEventsConn() (EventsConn, error)
}

// EventsConn is a connection that streams events of the targets it is
// subscribed to.
type EventsConn interface {
	// Subscribe subscribes to the events of target, which is treated as a
	// glob-style pattern if pattern is true.
	Subscribe(target string, pattern bool) error

	// Unsubscribe unsubscribes from the events of target.
	Unsubscribe(target string, pattern bool) error

	// Events returns the stream of events. The channel is closed when the
	// connection fails or is closed, see EventsErr.
	Events() <-chan *EventPayload

	// EventsErr returns the error that caused the Events channel to
	// close.
	EventsErr() error

	Close() error
}

// CallsConn is a connection that streams call requests.
type CallsConn interface {
	// Calls returns the stream of call requests. The channel is closed
	// when the connection fails or is closed, see CallsErr.
	Calls() <-chan *CallPayload

	// CallsErr returns the error that caused the Calls channel to close.
	CallsErr() error

	Close() error
}

// ResultsConn is a connection that streams call results.
type ResultsConn interface {
	// Results returns the stream of call results. The channel is closed
	// when the connection fails or is closed, see ResultsErr.
	Results() <-chan *ResultPayload

	// ResultsErr returns the error that caused the Results channel to
	// close.
	ResultsErr() error

	Close() error
}
