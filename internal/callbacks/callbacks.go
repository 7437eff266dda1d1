// Package callbacks implements the registry that correlates invocation
// identifiers with the callbacks waiting for their completion.
//
// The registry is safe for concurrent use. Its lock is never held while
// a callback executes, so a callback may call back into the registry
// (or into anything that uses it) without deadlocking.
package callbacks

import (
	"strconv"
	"sync"

	"github.com/mna/hubconn/message"
)

// Callback is called with the completion message received for an
// invocation, or with a non-nil error if the invocation failed before any
// completion could be received. Exactly one of c and err is non-nil.
type Callback func(c *message.Completion, err error)

// Registry maps invocation ids to pending callbacks.
type Registry struct {
	mu      sync.Mutex
	lastID  uint64
	pending map[string]Callback
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{pending: make(map[string]Callback)}
}

// Register stores cb under a new, unique invocation id and returns that
// id. Ids are decimal strings of a counter that starts at 1.
func (r *Registry) Register(cb Callback) string {
	r.mu.Lock()
	r.lastID++
	id := strconv.FormatUint(r.lastID, 10)
	r.pending[id] = cb
	r.mu.Unlock()
	return id
}

// Invoke calls the callback registered under id with c, and removes it from
// the registry if removeAfter is true. It returns false if no callback is
// registered under id.
func (r *Registry) Invoke(id string, c *message.Completion, removeAfter bool) bool {
	r.mu.Lock()
	cb, ok := r.pending[id]
	if ok && removeAfter {
		delete(r.pending, id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	cb(c, nil)
	return true
}

// Remove drops the callback registered under id without calling it. It
// returns true if there was such a callback.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	_, ok := r.pending[id]
	delete(r.pending, id)
	r.mu.Unlock()
	return ok
}

// Clear empties the registry and calls every callback that was pending
// with err.
func (r *Registry) Clear(err error) {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[string]Callback)
	r.mu.Unlock()

	for _, cb := range pending {
		cb(nil, err)
	}
}

// Len returns the number of pending callbacks.
func (r *Registry) Len() int {
	r.mu.Lock()
	n := len(r.pending)
	r.mu.Unlock()
	return n
}
