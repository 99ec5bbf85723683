// Package consumer runs the bounded-concurrency loop that pulls deliveries
// from a broker session, processes them on worker goroutines and resolves
// each one with the broker once its task completes.
//
// All broker resolution happens on the loop goroutine. Workers only ever
// see the message body; the delivery handle stays in the loop's arena until
// the task reports back.
package consumer

import (
	"context"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"

	"github.com/austindbirch/hookdispatch/internal/broker"
	"github.com/austindbirch/hookdispatch/internal/delivery"
	"github.com/austindbirch/hookdispatch/internal/logging"
	"github.com/austindbirch/hookdispatch/internal/metrics"
	"github.com/austindbirch/hookdispatch/internal/shutdown"
	"github.com/austindbirch/hookdispatch/internal/tracing"
)

// Processor handles one message body. A nil error acks the delivery, a
// *delivery.MalformedMessageError acks it as poison, anything else requeues.
type Processor interface {
	Process(ctx context.Context, body []byte) error
}

type ProcessorFunc func(ctx context.Context, body []byte) error

func (f ProcessorFunc) Process(ctx context.Context, body []byte) error { return f(ctx, body) }

// TaskFailure means a task never produced a result. Its delivery is left
// unresolved and is redelivered by the broker when the session closes.
type TaskFailure struct {
	TaskID string
	Cause  any
}

func (e *TaskFailure) Error() string {
	return fmt.Sprintf("task %s failed: %v", e.TaskID, e.Cause)
}

type result struct {
	id  string
	err error
}

// Loop is reusable across sessions but runs one session at a time.
type Loop struct {
	proc   Processor
	max    int
	logger *logging.Logger
}

func New(proc Processor, maxConcurrent int, logger *logging.Logger) *Loop {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if logger == nil {
		logger = logging.New("hookdispatch")
	}
	return &Loop{proc: proc, max: maxConcurrent, logger: logger}
}

// MaxConcurrent is the upper bound on tasks in flight.
func (l *Loop) MaxConcurrent() int { return l.max }

// Run consumes sess until shutdown is requested, ctx is cancelled or the
// delivery stream ends. In every case it stops taking new deliveries and
// waits for in-flight tasks to be reconciled before returning.
//
// Run returns nil after a requested stop and a *broker.TransportError when
// the stream ended on its own.
func (l *Loop) Run(ctx context.Context, sess broker.Session, stop *shutdown.Listener) error {
	var (
		arena     = make(map[string]broker.Delivery, l.max)
		results   = make(chan result, l.max)
		intake    = sess.Deliveries()
		accepting = true
		streamErr error
		stopC     <-chan struct{}
		ctxDone   = ctx.Done()
	)
	if stop != nil {
		stopC = stop.Done()
	}
	// Tasks outlive ctx so that drained work can still finish.
	taskCtx := context.WithoutCancel(ctx)

	for accepting || len(arena) > 0 {
		if accepting && stop != nil && stop.Requested() {
			l.logger.Plain().WithField("in_flight", len(arena)).Info("shutdown requested, draining")
			accepting, stopC = false, nil
			continue
		}

		var in <-chan broker.Delivery
		if accepting && len(arena) < l.max {
			in = intake
		}

		select {
		case <-stopC:
			l.logger.Plain().WithField("in_flight", len(arena)).Info("shutdown requested, draining")
			accepting, stopC = false, nil

		case <-ctxDone:
			l.logger.Plain().WithField("in_flight", len(arena)).Info("context cancelled, draining")
			accepting, ctxDone = false, nil

		case r := <-results:
			d, ok := arena[r.id]
			if !ok {
				l.logger.Plain().WithTask(r.id).Error("result for unknown task")
				continue
			}
			delete(arena, r.id)
			metrics.SetInFlight(len(arena))
			l.reconcile(r, d)

		case d, ok := <-in:
			if !ok {
				streamErr = &broker.TransportError{Err: sess.Err()}
				l.logger.Plain().WithError(streamErr).WithField("in_flight", len(arena)).Warn("delivery stream closed, draining")
				accepting, intake = false, nil
				continue
			}
			id := ulid.Make().String()
			arena[id] = d
			metrics.SetInFlight(len(arena))
			go l.runTask(tracing.ExtractTable(taskCtx, d.Headers()), id, d.Body(), results)
		}
	}
	return streamErr
}

func (l *Loop) runTask(ctx context.Context, id string, body []byte, results chan<- result) {
	res := result{id: id}
	defer func() {
		if p := recover(); p != nil {
			res.err = &TaskFailure{TaskID: id, Cause: p}
		}
		results <- res
	}()
	res.err = l.proc.Process(ctx, body)
}

// reconcile applies the broker action for a finished task. Ack and requeue
// failures are logged; the broker redelivers on its own if they were lost.
func (l *Loop) reconcile(r result, d broker.Delivery) {
	log := func() *logging.LogEntry {
		return l.logger.Plain().WithTask(r.id).WithField("delivery_tag", d.Tag())
	}

	var (
		tf   *TaskFailure
		merr *delivery.MalformedMessageError
	)
	switch {
	case errors.As(r.err, &tf):
		metrics.RecordAck("none", nil)
		log().WithError(r.err).Error("task failed without a result, leaving delivery unresolved")

	case r.err == nil:
		err := d.Ack()
		metrics.RecordAck("ack", err)
		if err != nil {
			log().WithError(err).Error("ack failed")
		}

	case errors.As(r.err, &merr):
		err := d.Ack()
		metrics.RecordAck("ack", err)
		log().WithError(r.err).Warn("dropping malformed message")
		if err != nil {
			log().WithError(err).Error("ack failed")
		}

	default:
		err := d.Requeue()
		metrics.RecordAck("requeue", err)
		log().WithError(r.err).Debug("requeueing delivery")
		if err != nil {
			log().WithError(err).Error("requeue failed")
		}
	}
}
