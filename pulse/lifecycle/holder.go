// Package lifecycle holds the process's current job manager and scheduler.
//
// The instances are owned by main, not by package globals. A Holder hands
// out the live instance and builds a fresh one once the previous instance
// has been shut down, so callers never submit to a dead pool.
package lifecycle

import (
	"sync"
)

// Stoppable is satisfied by *manager.Manager and *schedule.Scheduler
type Stoppable interface {
	IsShutdown() bool
	Shutdown(force bool) error
}

// Holder lazily creates and replaces a T
type Holder[T Stoppable] struct {
	mu      sync.Mutex
	factory func() T
	current T
	built   bool
}

// NewHolder returns a Holder that calls factory whenever it needs a new instance.
func NewHolder[T Stoppable](factory func() T) *Holder[T] {
	return &Holder[T]{factory: factory}
}

// Get returns the live instance, creating one if none exists or the last
// one was shut down.
func (h *Holder[T]) Get() T {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.built || h.current.IsShutdown() {
		h.current = h.factory()
		h.built = true
	}
	return h.current
}

// Replace swaps the factory and shuts down the current instance, so the
// next Get builds from the new factory. Used on config reload.
func (h *Holder[T]) Replace(factory func() T, force bool) error {
	h.mu.Lock()
	h.factory = factory
	old, built := h.current, h.built
	h.built = false
	var zero T
	h.current = zero
	h.mu.Unlock()

	if built && !old.IsShutdown() {
		return old.Shutdown(force)
	}
	return nil
}

// Shutdown stops the current instance if there is one. A later Get
// creates a new instance.
func (h *Holder[T]) Shutdown(force bool) error {
	h.mu.Lock()
	cur, built := h.current, h.built
	h.mu.Unlock()

	if !built || cur.IsShutdown() {
		return nil
	}
	return cur.Shutdown(force)
}
