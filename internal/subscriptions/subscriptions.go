// Package subscriptions implements the registry of handlers for
// server-initiated invocations, keyed by target name.
//
// The registry is safe for concurrent use. It only stores and returns
// handlers, it never calls them, so no user code runs under its lock.
package subscriptions

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

var (
	// ErrEmptyName is returned when registering a handler with an empty
	// name.
	ErrEmptyName = errors.New("hubconn: event name cannot be empty")

	// ErrDuplicate is returned when registering a handler for a name that
	// already has one.
	ErrDuplicate = errors.New("hubconn: an action for this event has already been registered")
)

// Registry maps target names to handlers of type H.
type Registry[H any] struct {
	mu       sync.RWMutex
	handlers map[string]H
}

// New returns an empty registry.
func New[H any]() *Registry[H] {
	return &Registry[H]{handlers: make(map[string]H)}
}

// Add registers h for name. It fails if name is empty or already has a
// handler.
func (r *Registry[H]) Add(name string, h H) error {
	if name == "" {
		return ErrEmptyName
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[name]; ok {
		return errors.Wrapf(ErrDuplicate, "event name: %s", name)
	}
	r.handlers[name] = h
	return nil
}

// Lookup returns the handler registered for name, if any.
func (r *Registry[H]) Lookup(name string) (H, bool) {
	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()
	return h, ok
}

// Names returns the registered names, sorted.
func (r *Registry[H]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

