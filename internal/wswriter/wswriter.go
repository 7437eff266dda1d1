// Package wswriter implements exclusive writes of text messages on a
// websocket connection. Gorilla websocket connections support a single
// concurrent writer, so every write goes through a Lock that can be
// acquired with a timeout and a context.
package wswriter

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
)

var (
	// ErrWriteLockTimeout is returned when the write lock of the connection
	// cannot be acquired before the timeout.
	ErrWriteLockTimeout = errors.New("hubconn: timed out waiting for write lock")

	// ErrWriteLimitExceeded is returned when a message is larger than the
	// configured write limit. Nothing is written in that case.
	ErrWriteLimitExceeded = errors.New("hubconn: write limit exceeded")
)

// Lock is the exclusive write lock of a connection. It is a channel so
// that acquiring it can be select'ed upon.
type Lock chan struct{}

// NewLock returns an available lock.
func NewLock() Lock {
	l := make(Lock, 1)
	l <- struct{}{}
	return l
}

// Acquire acquires the lock, failing with ErrWriteLockTimeout if it is not
// available before timeout, or with the context's error if ctx is done
// first. A timeout <= 0 means no timeout.
func (l Lock) Acquire(ctx context.Context, timeout time.Duration) error {
	var wait <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		wait = t.C
	}

	select {
	case <-l:
		return nil
	case <-wait:
		return ErrWriteLockTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release releases the lock. It must only be called by the holder of the
// lock.
func (l Lock) Release() {
	l <- struct{}{}
}

// Options configures a write.
type Options struct {
	// AcquireTimeout is the time to wait for the write lock.
	AcquireTimeout time.Duration

	// WriteTimeout is set as write deadline on the connection for the
	// duration of the write.
	WriteTimeout time.Duration

	// Limit is the maximum size of a message, in bytes. 0 means no limit.
	Limit int64
}

// WriteText writes p as a single websocket text message on conn, holding
// lock for the duration of the write.
func WriteText(ctx context.Context, conn *websocket.Conn, lock Lock, opts Options, p []byte) error {
	if opts.Limit > 0 && int64(len(p)) > opts.Limit {
		return ErrWriteLimitExceeded
	}

	if err := lock.Acquire(ctx, opts.AcquireTimeout); err != nil {
		return err
	}
	defer lock.Release()

	if to := opts.WriteTimeout; to > 0 {
		conn.SetWriteDeadline(time.Now().Add(to))
		defer conn.SetWriteDeadline(time.Time{})
	}
	return conn.WriteMessage(websocket.TextMessage, p)
}

// WriteClose sends a websocket close message with a normal closure code,
// holding lock for the duration of the write.
func WriteClose(ctx context.Context, conn *websocket.Conn, lock Lock, opts Options) error {
	if err := lock.Acquire(ctx, opts.AcquireTimeout); err != nil {
		return err
	}
	defer lock.Release()

	deadline := time.Time{}
	if to := opts.WriteTimeout; to > 0 {
		deadline = time.Now().Add(to)
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	return conn.WriteControl(websocket.CloseMessage, msg, deadline)
}
