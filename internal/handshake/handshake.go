// Package handshake implements the one-shot gate that a hub connection
// waits on after sending its handshake request.
package handshake

import (
	"context"
	"sync"
)

// State is the state of a Gate.
type State int

// List of gate states. A gate starts Pending and transitions at most once,
// to either Fulfilled or Failed.
const (
	Pending State = iota
	Fulfilled
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Fulfilled:
		return "fulfilled"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Gate is a one-shot completion signal for a single handshake attempt.
// It is safe for concurrent use.
type Gate struct {
	once sync.Once
	done chan struct{}

	mu    sync.Mutex
	state State
	err   error
}

// New returns a pending gate.
func New() *Gate {
	return &Gate{done: make(chan struct{})}
}

// Fulfill marks the gate as fulfilled. It returns false if the gate was
// already resolved, in which case it has no effect.
func (g *Gate) Fulfill() bool {
	return g.resolve(Fulfilled, nil)
}

// Fail marks the gate as failed with err. It returns false if the gate was
// already resolved, in which case it has no effect.
func (g *Gate) Fail(err error) bool {
	return g.resolve(Failed, err)
}

func (g *Gate) resolve(s State, err error) bool {
	ok := false
	g.once.Do(func() {
		g.mu.Lock()
		g.state, g.err = s, err
		g.mu.Unlock()
		close(g.done)
		ok = true
	})
	return ok
}

// State returns the current state of the gate.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Done returns a channel that is closed once the gate is resolved.
func (g *Gate) Done() <-chan struct{} {
	return g.done
}

// Wait blocks until the gate is resolved or ctx is done. It returns the
// error the gate failed with, nil if it was fulfilled, or the context's
// error if ctx is done first.
func (g *Gate) Wait(ctx context.Context) error {
	select {
	case <-g.done:
		g.mu.Lock()
		defer g.mu.Unlock()
		return g.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
