// Package notify provides the observer primitives used to link pipeline
// stages and to deliver registry events.
package notify

import (
	"sync"
	"sync/atomic"
)

// Listener receives items from a Notifier
type Listener[T any] interface {
	Handle(item T)
}

// ListenerFunc adapts a function to a Listener
type ListenerFunc[T any] func(item T)

// Handle calls f(item)
func (f ListenerFunc[T]) Handle(item T) { f(item) }

// Handle identifies one listener registration. Removing by handle works for
// func listeners, which are not comparable.
type Handle uint64

// Notifier fans items out to registered listeners
type Notifier[T any] interface {
	AddListener(l Listener[T]) Handle
	RemoveListener(h Handle) bool
	Notify(item T)
	ListenerCount() int
}

var nextHandle atomic.Uint64

type registration[T any] struct {
	handle   Handle
	listener Listener[T]
}

// DefaultNotifier is a thread-safe Notifier. Listeners are called in
// registration order on the notifying goroutine, outside the lock, so a
// listener may add or remove listeners.
type DefaultNotifier[T any] struct {
	mu        sync.RWMutex
	listeners []registration[T]
}

// NewNotifier creates an empty notifier
func NewNotifier[T any]() *DefaultNotifier[T] {
	return &DefaultNotifier[T]{}
}

// AddListener registers l and returns its handle. A nil listener is ignored
// and gets the zero handle.
func (n *DefaultNotifier[T]) AddListener(l Listener[T]) Handle {
	if l == nil {
		return 0
	}
	h := Handle(nextHandle.Add(1))

	n.mu.Lock()
	n.listeners = append(n.listeners, registration[T]{handle: h, listener: l})
	n.mu.Unlock()
	return h
}

// RemoveListener removes the registration with handle h
func (n *DefaultNotifier[T]) RemoveListener(h Handle) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	for i, r := range n.listeners {
		if r.handle == h {
			n.listeners = append(n.listeners[:i:i], n.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// Notify delivers item to every listener registered at the time of the call
func (n *DefaultNotifier[T]) Notify(item T) {
	n.mu.RLock()
	snapshot := make([]Listener[T], len(n.listeners))
	for i, r := range n.listeners {
		snapshot[i] = r.listener
	}
	n.mu.RUnlock()

	for _, l := range snapshot {
		l.Handle(item)
	}
}

// ListenerCount returns the number of registered listeners
func (n *DefaultNotifier[T]) ListenerCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.listeners)
}

// Clear removes every listener
func (n *DefaultNotifier[T]) Clear() {
	n.mu.Lock()
	n.listeners = nil
	n.mu.Unlock()
}
