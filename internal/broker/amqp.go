package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/austindbirch/hookdispatch/internal/logging"
	"github.com/austindbirch/hookdispatch/internal/metrics"
)

// QueueArgs are the declare arguments of the webhooks queue. They must be
// identical on every declare or the broker rejects the redeclaration.
func QueueArgs() amqp.Table {
	return amqp.Table{"x-queue-type": "quorum"}
}

// AMQPConnector opens sessions against RabbitMQ.
type AMQPConnector struct {
	URL             string
	Prefetch        int
	BacklogInterval time.Duration
	Logger          *logging.Logger
}

func (c *AMQPConnector) Connect(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ConnectError{Op: "dial", Err: err}
	}
	conn, err := amqp.DialConfig(c.URL, amqp.Config{
		Heartbeat:  10 * time.Second,
		Locale:     "en_US",
		Properties: amqp.Table{"connection_name": ConsumerTag},
	})
	if err != nil {
		return nil, &ConnectError{Op: "dial", Err: err}
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, &ConnectError{Op: "open channel", Err: err}
	}
	// Registered before Consume so a close is always observed by the pump.
	closes := ch.NotifyClose(make(chan *amqp.Error, 1))

	if _, err := ch.QueueDeclare(QueueName, true, false, false, false, QueueArgs()); err != nil {
		_ = conn.Close()
		return nil, &ConnectError{Op: "declare queue", Err: err}
	}
	if err := ch.Qos(c.Prefetch, 0, false); err != nil {
		_ = conn.Close()
		return nil, &ConnectError{Op: "set qos", Err: err}
	}
	msgs, err := ch.Consume(QueueName, ConsumerTag, false, false, false, false, nil)
	if err != nil {
		_ = conn.Close()
		return nil, &ConnectError{Op: "consume", Err: err}
	}

	s := &amqpSession{
		conn:   conn,
		ch:     ch,
		out:    make(chan Delivery),
		closed: make(chan struct{}),
		logger: c.Logger,
	}
	go s.pump(msgs, closes)
	if c.BacklogInterval > 0 {
		go s.monitorBacklog(c.BacklogInterval)
	}
	return s, nil
}

type amqpSession struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	out    chan Delivery
	closed chan struct{}
	logger *logging.Logger

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

func (s *amqpSession) Deliveries() <-chan Delivery { return s.out }

func (s *amqpSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *amqpSession) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Close stops the subscription. Unacknowledged deliveries return to the queue.
func (s *amqpSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		if cerr := s.ch.Close(); cerr != nil && !errors.Is(cerr, amqp.ErrClosed) {
			err = cerr
		}
		if cerr := s.conn.Close(); cerr != nil && !errors.Is(cerr, amqp.ErrClosed) && err == nil {
			err = cerr
		}
	})
	return err
}

func (s *amqpSession) pump(msgs <-chan amqp.Delivery, closes <-chan *amqp.Error) {
	defer close(s.out)
	for d := range msgs {
		select {
		case s.out <- newAMQPDelivery(d):
		case <-s.closed:
			return
		}
	}
	// The library notifies closers before it closes consumer channels.
	select {
	case e, ok := <-closes:
		if ok && e != nil {
			s.setErr(e)
		}
	default:
	}
}

func (s *amqpSession) monitorBacklog(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
		}
		depth, err := s.queueDepth()
		if err != nil {
			if s.logger != nil {
				s.logger.Plain().WithError(err).Warn("queue depth check failed")
			}
			continue
		}
		metrics.UpdateQueueBacklog(QueueName, float64(depth))
	}
}

// queueDepth uses a throwaway channel; a failed passive declare closes the
// channel it runs on and must not take the consumer channel with it.
func (s *amqpSession) queueDepth() (int, error) {
	ch, err := s.conn.Channel()
	if err != nil {
		return 0, err
	}
	defer ch.Close()
	q, err := ch.QueueDeclarePassive(QueueName, true, false, false, false, QueueArgs())
	if err != nil {
		return 0, fmt.Errorf("inspect %s: %w", QueueName, err)
	}
	return q.Messages, nil
}

type amqpDelivery struct {
	d    amqp.Delivery
	once resolveOnce
}

func newAMQPDelivery(d amqp.Delivery) *amqpDelivery {
	return &amqpDelivery{d: d}
}

func (a *amqpDelivery) Body() []byte { return a.d.Body }

func (a *amqpDelivery) Tag() string { return strconv.FormatUint(a.d.DeliveryTag, 10) }

func (a *amqpDelivery) Headers() map[string]string {
	if len(a.d.Headers) == 0 {
		return nil
	}
	h := make(map[string]string, len(a.d.Headers))
	for k, v := range a.d.Headers {
		if s, ok := v.(string); ok {
			h[k] = s
		}
	}
	return h
}

func (a *amqpDelivery) Ack() error {
	if err := a.once.claim(); err != nil {
		return err
	}
	return a.d.Ack(false)
}

// Requeue rejects this single delivery back onto the queue.
func (a *amqpDelivery) Requeue() error {
	if err := a.once.claim(); err != nil {
		return err
	}
	return a.d.Nack(false, true)
}
