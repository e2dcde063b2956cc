// Package event provides a manual-reset event usable in select statements.
// The connection lifecycle machinery coordinates goroutines around named
// events (shutdown, new command, commands done) that stay set until
// explicitly cleared, which plain channels and sync.Cond do not express
// directly.
package event

import "sync"

// Event is a manual-reset boolean signal. C returns a channel that is closed
// while the event is set, so events compose with select across multiple
// events and timeouts. The zero value is not usable; call New.
type Event struct {
	mu  sync.Mutex
	ch  chan struct{}
	set bool
}

// New returns a cleared event.
func New() *Event {
	return &Event{ch: make(chan struct{})}
}

// Set marks the event signaled, waking all current and future waiters until
// Clear is called. Idempotent.
func (e *Event) Set() {
	e.mu.Lock()
	if !e.set {
		e.set = true
		close(e.ch)
	}
	e.mu.Unlock()
}

// Clear resets the event to unsignaled. Idempotent.
func (e *Event) Clear() {
	e.mu.Lock()
	if e.set {
		e.set = false
		e.ch = make(chan struct{})
	}
	e.mu.Unlock()
}

// IsSet reports whether the event is currently signaled.
func (e *Event) IsSet() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.set
}

// C returns a channel that is closed while the event is set. The channel is
// replaced on Clear, so callers must re-fetch it on every wait.
func (e *Event) C() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ch
}

// Wait blocks until the event is set.
func (e *Event) Wait() {
	<-e.C()
}
