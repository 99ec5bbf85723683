// Package shutdown provides a broadcast stop signal shared by the
// supervisor and every consumer loop it starts.
package shutdown

import (
	"context"
	"sync"
)

// Coordinator is a one-shot broadcast. Firing it is idempotent and is seen
// by every listener, including ones subscribed after the fact.
type Coordinator struct {
	once sync.Once
	done chan struct{}
}

func New() *Coordinator {
	return &Coordinator{done: make(chan struct{})}
}

// Fire requests shutdown. Safe to call any number of times from any goroutine.
func (c *Coordinator) Fire() {
	c.once.Do(func() { close(c.done) })
}

// Requested reports whether Fire has been called, without blocking.
func (c *Coordinator) Requested() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Subscribe returns an independent listener view of the signal.
func (c *Coordinator) Subscribe() *Listener {
	return &Listener{done: c.done}
}

// Context returns a context cancelled when shutdown is requested.
func (c *Coordinator) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// Listener is one consumer's receive handle on the shutdown signal.
type Listener struct {
	done <-chan struct{}
}

// Done is closed once shutdown has been requested.
func (l *Listener) Done() <-chan struct{} {
	return l.done
}

// Requested reports whether shutdown has been requested, without blocking.
func (l *Listener) Requested() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}
