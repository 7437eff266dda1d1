package connection

import "github.com/pkg/errors"

var (
	// ErrNotDisconnected is returned by Start if the connection is not in
	// the disconnected state.
	ErrNotDisconnected = errors.New("connection: cannot start a connection that is not in the disconnected state")

	// ErrNotConnected is returned by Send if the connection is not in the
	// connected state.
	ErrNotConnected = errors.New("connection: cannot send data when the connection is not in the connected state")
)
