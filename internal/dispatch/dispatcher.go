// Package dispatch turns queue messages into signed webhook calls.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/hookdispatch/internal/delivery"
	"github.com/austindbirch/hookdispatch/internal/logging"
	"github.com/austindbirch/hookdispatch/internal/logsink"
	"github.com/austindbirch/hookdispatch/internal/metrics"
	"github.com/austindbirch/hookdispatch/internal/signature"
	"github.com/austindbirch/hookdispatch/internal/tracing"
)

// maxDrain bounds how much of a response body is read before closing it.
const maxDrain = 64 << 10

// DispatchError is a failed webhook call: transport failure, timeout or a
// non-2xx response. It is considered transient and the message is requeued.
type DispatchError struct {
	StatusCode int    // 0 when no response was received
	Reason     string // see classifyReason
	Err        error
}

func (e *DispatchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("webhook dispatch failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("webhook returned HTTP %d", e.StatusCode)
}

func (e *DispatchError) Unwrap() error { return e.Err }

type Options struct {
	Client          *http.Client
	Secret          string
	SignatureHeader string
	DefaultTimeout  time.Duration // applied when a message carries no timeout
	Sink            logsink.Sink
	SinkTimeout     time.Duration
	Logger          *logging.Logger
}

// Dispatcher is safe for concurrent use; it holds no mutable state.
type Dispatcher struct {
	client         *http.Client
	secret         string
	header         string
	defaultTimeout time.Duration
	sink           logsink.Sink
	sinkTimeout    time.Duration
	logger         *logging.Logger
}

func New(opts Options) *Dispatcher {
	d := &Dispatcher{
		client:         opts.Client,
		secret:         opts.Secret,
		header:         opts.SignatureHeader,
		defaultTimeout: opts.DefaultTimeout,
		sink:           opts.Sink,
		sinkTimeout:    opts.SinkTimeout,
		logger:         opts.Logger,
	}
	if d.client == nil {
		d.client = &http.Client{}
	}
	if d.header == "" {
		d.header = "X-Webhook-Signature"
	}
	if d.defaultTimeout <= 0 {
		d.defaultTimeout = 30 * time.Second
	}
	if d.sink == nil {
		d.sink = logsink.Nop{}
	}
	if d.sinkTimeout <= 0 {
		d.sinkTimeout = 10 * time.Second
	}
	if d.logger == nil {
		d.logger = logging.New("hookdispatch")
	}
	return d
}

// Process decodes one queue body and dispatches it. A body that cannot be
// decoded yields a *delivery.MalformedMessageError.
func (d *Dispatcher) Process(ctx context.Context, body []byte) error {
	m, err := delivery.Decode(body)
	if err != nil {
		metrics.RecordDelivery("malformed", "", 0)
		return err
	}
	return d.Dispatch(ctx, m)
}

// Dispatch POSTs the signed payload of m to its webhook URL and records the
// outcome in the log sink. Only a 2xx response within the timeout succeeds.
func (d *Dispatcher) Dispatch(ctx context.Context, m delivery.QueueMessage) error {
	ctx, span := tracing.StartSpan(ctx, "webhook.dispatch",
		attribute.String("team_id", m.TeamID),
		attribute.String("job_id", m.JobID),
		attribute.String("event", m.Event),
		attribute.String("webhook_url", m.WebhookURL),
	)
	defer span.End()

	status, latency, err := d.send(ctx, m)
	span.SetAttributes(
		attribute.Int("http.status_code", status),
		attribute.Int64("http.latency_ms", latency.Milliseconds()),
	)

	var result error
	switch {
	case err != nil:
		result = &DispatchError{Reason: classifyReason(err, 0), Err: err}
	case status < 200 || status >= 300:
		result = &DispatchError{StatusCode: status, Reason: classifyReason(nil, status)}
	}

	d.record(ctx, m, status, result)

	entry := d.logger.WithContext(ctx).WithTeam(m.TeamID).WithJob(m.JobID).WithFields(map[string]any{
		"event":       m.Event,
		"url":         m.WebhookURL,
		"status_code": status,
		"latency_ms":  latency.Milliseconds(),
	})
	if result != nil {
		var derr *DispatchError
		errors.As(result, &derr)
		tracing.SetSpanError(ctx, result)
		metrics.RecordFailure(derr.Reason)
		metrics.RecordDelivery("failed", m.Event, latency)
		entry.WithError(result).WithField("reason", derr.Reason).Warn("webhook delivery failed")
		return result
	}
	metrics.RecordDelivery("delivered", m.Event, latency)
	entry.Info("webhook delivered")
	return nil
}

func (d *Dispatcher) send(ctx context.Context, m delivery.QueueMessage) (int, time.Duration, error) {
	body, err := m.Payload.MarshalBody()
	if err != nil {
		return 0, 0, fmt.Errorf("encode payload: %w", err)
	}
	tracing.AddSpanEvent(ctx, "http.sign_request")
	sig := signature.Sign(d.secret, body)

	ctx, cancel := context.WithTimeout(ctx, m.Timeout(d.defaultTimeout))
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range m.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set(d.header, sig)
	tracing.InjectHTTP(ctx, req.Header)

	tracing.AddSpanEvent(ctx, "http.send_webhook")
	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		return 0, time.Since(start), err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrain))
	return resp.StatusCode, time.Since(start), nil
}

// record writes the outcome to the sink. The webhook's own deadline does
// not apply; a sink failure is only logged.
func (d *Dispatcher) record(ctx context.Context, m delivery.QueueMessage, status int, result error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.sinkTimeout)
	defer cancel()

	if err := d.sink.Record(ctx, delivery.NewLogEntry(m, status, result)); err != nil {
		metrics.RecordLogSinkError()
		d.logger.WithContext(ctx).WithTeam(m.TeamID).WithJob(m.JobID).WithError(err).Error("failed to record webhook log")
	}
}

func classifyReason(err error, status int) string {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "timeout"
		}
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return "timeout"
		}
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) {
			return "dns_error"
		}
		errLower := strings.ToLower(err.Error())
		if strings.Contains(errLower, "timeout") {
			return "timeout"
		}
		if strings.Contains(errLower, "connection refused") {
			return "connection_refused"
		}
		if strings.Contains(errLower, "no such host") {
			return "dns_error"
		}
		return "network"
	}
	if status >= 500 {
		return "http_5xx"
	}
	if status == 429 {
		return "http_429"
	}
	if status >= 400 {
		return "http_4xx"
	}
	return "other"
}
