package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/nsqio/go-nsq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// PublishAMQP enqueues one persistent JSON message on the webhooks queue.
func PublishAMQP(ctx context.Context, url string, body []byte, headers map[string]string) error {
	conn, err := amqp.Dial(url)
	if err != nil {
		return &ConnectError{Op: "dial", Err: err}
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return &ConnectError{Op: "open channel", Err: err}
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(QueueName, true, false, false, false, QueueArgs()); err != nil {
		return &ConnectError{Op: "declare queue", Err: err}
	}
	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("enable publisher confirms: %w", err)
	}

	table := amqp.Table{}
	for k, v := range headers {
		table[k] = v
	}
	conf, err := ch.PublishWithDeferredConfirmWithContext(ctx, "", QueueName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Headers:      table,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	ok, err := conf.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("wait for confirm: %w", err)
	}
	if !ok {
		return fmt.Errorf("publish to %s was nacked by the broker", QueueName)
	}
	return nil
}

// PublishNSQ enqueues one message on the webhooks topic.
func PublishNSQ(addr string, body []byte) error {
	prod, err := nsq.NewProducer(addr, nsq.NewConfig())
	if err != nil {
		return &ConnectError{Op: "new producer", Err: err}
	}
	defer prod.Stop()
	if err := prod.Publish(QueueName, body); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}
