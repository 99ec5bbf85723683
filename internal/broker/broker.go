// Package broker manages sessions with the queue that feeds the dispatcher.
//
// A Connector opens a Session: the target queue is declared, the prefetch
// limit applied and a subscription started. The Session hands out
// Deliveries until it breaks, at which point Deliveries() is closed and
// Err() reports why. Each Delivery must be resolved exactly once with Ack
// or Requeue.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

const (
	// QueueName is the durable quorum queue holding webhook messages.
	QueueName = "webhooks"
	// ConsumerTag identifies this dispatcher to the broker.
	ConsumerTag = "webhook-dispatcher"
)

// ErrAlreadyResolved is returned by a second Ack or Requeue on the same delivery.
var ErrAlreadyResolved = errors.New("delivery already resolved")

// Delivery is one fetched message paired with its broker-side handle.
type Delivery interface {
	Body() []byte
	Headers() map[string]string
	Tag() string
	Ack() error
	Requeue() error
}

// Session is a live subscription. It is owned by a single consumer loop.
type Session interface {
	Deliveries() <-chan Delivery
	// Err reports why the delivery stream ended, or nil if unknown.
	Err() error
	Close() error
}

// Connector opens broker sessions. It is called again after every failure.
type Connector interface {
	Connect(ctx context.Context) (Session, error)
}

// ConnectError means the broker could not be reached or the handshake,
// queue declaration or subscription failed.
type ConnectError struct {
	Op  string
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("broker connect: %s: %v", e.Op, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// TransportError means an established subscription broke mid-run.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return "broker transport: subscription closed"
	}
	return fmt.Sprintf("broker transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// resolveOnce guards the exactly-once resolution of a delivery handle.
type resolveOnce struct {
	done atomic.Bool
}

func (r *resolveOnce) claim() error {
	if !r.done.CompareAndSwap(false, true) {
		return ErrAlreadyResolved
	}
	return nil
}
