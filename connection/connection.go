// Package connection defines the transport collaborator of a hub
// connection and implements it over a websocket.
//
// A Connection owns the transport lifecycle: it is started and stopped by
// its owner, it sends text messages, and it notifies the owner of every
// received text message and of every connection loss that was not caused
// by a call to Stop.
package connection

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// State is the state of a connection.
type State int

// The list of connection states.
const (
	Disconnected State = iota
	Connecting
	Connected
	Disconnecting
)

var stateNames = [...]string{
	Disconnected:  "disconnected",
	Connecting:    "connecting",
	Connected:     "connected",
	Disconnecting: "disconnecting",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// ClientConfig configures the transport of a connection. It is pushed
// into the connection before each start.
type ClientConfig struct {
	// Headers are added to the connection request.
	Headers map[string]string `yaml:"headers"`

	// Subprotocols are the websocket subprotocols requested, in order of
	// preference.
	Subprotocols []string `yaml:"subprotocols"`

	// HandshakeTimeout bounds the transport dial. The hub connection also
	// uses it to bound the wait for the hub handshake response.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// ReadLimit is the maximum size of a received message. 0 means no
	// limit.
	ReadLimit int64 `yaml:"read_limit"`

	// WriteLimit is the maximum size of a sent message. 0 means no limit.
	WriteLimit int64 `yaml:"write_limit"`

	// WriteTimeout is the write deadline of each message.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// AcquireWriteLockTimeout is the maximum time to wait for the exclusive
	// write lock of the connection.
	AcquireWriteLockTimeout time.Duration `yaml:"acquire_write_lock_timeout"`
}

// Connection is the transport of a hub connection.
type Connection interface {
	// Start opens the connection. It fails if the connection is not
	// disconnected.
	Start(ctx context.Context) error

	// Stop closes the connection. The disconnected callback is not
	// called as a result of Stop.
	Stop(ctx context.Context) error

	// Send sends text as a single message and returns once it is written.
	Send(ctx context.Context, text string) error

	// SetMessageReceived sets the function called with each received text
	// message. It is called sequentially, on the receiving goroutine.
	SetMessageReceived(fn func(string))

	// SetDisconnected sets the function called when the connection is
	// lost unexpectedly.
	SetDisconnected(fn func())

	// State returns the current state of the connection.
	State() State

	// ID returns the identifier of the current connection, or an empty
	// string if it was never started.
	ID() string

	// SetClientConfig sets the transport configuration used on the next
	// start.
	SetClientConfig(cfg ClientConfig)
}

// Dialer opens websocket connections. It is implemented by
// *websocket.Dialer.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

var _ Dialer = (*websocket.Dialer)(nil)
