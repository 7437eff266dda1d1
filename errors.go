package hubconn

import (
	"github.com/pkg/errors"
)

// ErrorKind identifies the class of an Error.
type ErrorKind int

// The list of error kinds.
const (
	// KindUsage is an error in the way the HubConn is used, such as
	// starting a connection that is not disconnected.
	KindUsage ErrorKind = iota + 1

	// KindHandshake is a failure of the hub handshake, either reported by
	// the server or caused by a connection loss while waiting for it.
	KindHandshake

	// KindProtocol is a violation of the hub protocol by the server.
	KindProtocol

	// KindInvocation is an error returned by the server for an invocation.
	// The message is the server's error text.
	KindInvocation

	// KindTransport is a failure to send on or keep the connection.
	KindTransport
)

var kindNames = [...]string{
	KindUsage:      "usage",
	KindHandshake:  "handshake",
	KindProtocol:   "protocol",
	KindInvocation: "invocation",
	KindTransport:  "transport",
}

func (k ErrorKind) String() string {
	if k > 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Error is the error type returned by HubConn methods.
type Error struct {
	Kind ErrorKind
	Msg  string

	// Err is the underlying cause, if any.
	Err error
}

func newError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func wrapError(kind ErrorKind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

// Unwrap returns the underlying cause of the error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Cause returns the underlying cause of the error, for errors.Cause.
func (e *Error) Cause() error {
	return e.Err
}

// IsKind returns true if err is or wraps an *Error of the specified kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Usage errors.
var (
	ErrNotDisconnected = newError(KindUsage, "cannot start a connection that is not in the disconnected state")
	ErrEventNameEmpty  = newError(KindUsage, "event name cannot be empty")
	ErrOnNotAllowed    = newError(KindUsage, "cannot register an action while the connection is not in the disconnected state")
)

// Synthetic errors used to fail pending invocations.
var (
	errStopped     = newError(KindTransport, "connection was stopped before invocation result was received")
	errLost        = newError(KindTransport, "connection was lost before invocation result was received")
	errOutOfScope  = newError(KindTransport, "connection went out of scope before invocation result was received")
	errGateStopped = newError(KindHandshake, "connection was stopped before the handshake completed")
	errGateLost    = newError(KindHandshake, "connection was lost before the handshake completed")
)
