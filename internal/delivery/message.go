package delivery

import (
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"time"

	"github.com/bytedance/sonic"
)

// QueueMessage is the JSON body of one message on the webhooks queue.
type QueueMessage struct {
	WebhookURL string            `json:"webhook_url"`
	Payload    Payload           `json:"payload"`
	Headers    map[string]string `json:"headers"`
	TeamID     string            `json:"team_id"`
	JobID      string            `json:"job_id"`
	ScrapeID   *string           `json:"scrape_id"`
	Event      string            `json:"event"`
	TimeoutMS  uint64            `json:"timeout_ms"`
}

// Payload is sent verbatim as the webhook request body.
type Payload struct {
	Success   bool              `json:"success"`
	EventType string            `json:"type"`
	ID        *string           `json:"id,omitempty"`
	JobID     *string           `json:"jobId,omitempty"`
	Data      []json.RawMessage `json:"data"`
	Error     *string           `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// MalformedMessageError marks a queue body that can never be delivered.
type MalformedMessageError struct {
	Reason string
	Err    error
}

func (e *MalformedMessageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed message: %s: %v", e.Reason, e.Err)
	}
	return "malformed message: " + e.Reason
}

func (e *MalformedMessageError) Unwrap() error { return e.Err }

// wireMessage mirrors QueueMessage with every required field as a pointer,
// so an absent or null key can be told apart from a zero value.
type wireMessage struct {
	WebhookURL *string            `json:"webhook_url"`
	Payload    *wirePayload       `json:"payload"`
	Headers    *map[string]string `json:"headers"`
	TeamID     *string            `json:"team_id"`
	JobID      *string            `json:"job_id"`
	ScrapeID   *string            `json:"scrape_id"`
	Event      *string            `json:"event"`
	TimeoutMS  *uint64            `json:"timeout_ms"`
}

type wirePayload struct {
	Success   *bool              `json:"success"`
	EventType *string            `json:"type"`
	ID        *string            `json:"id"`
	JobID     *string            `json:"jobId"`
	Data      *[]json.RawMessage `json:"data"`
	Error     *string            `json:"error"`
	Metadata  map[string]string  `json:"metadata"`
}

// missing returns the first required key that was absent or null.
func (w *wireMessage) missing() string {
	switch {
	case w.WebhookURL == nil:
		return "webhook_url"
	case w.Payload == nil:
		return "payload"
	case w.Headers == nil:
		return "headers"
	case w.TeamID == nil:
		return "team_id"
	case w.JobID == nil:
		return "job_id"
	case w.Event == nil:
		return "event"
	case w.TimeoutMS == nil:
		return "timeout_ms"
	case w.Payload.Success == nil:
		return "payload.success"
	case w.Payload.EventType == nil:
		return "payload.type"
	case w.Payload.Data == nil:
		return "payload.data"
	}
	return ""
}

func (w *wireMessage) message() QueueMessage {
	return QueueMessage{
		WebhookURL: *w.WebhookURL,
		Payload: Payload{
			Success:   *w.Payload.Success,
			EventType: *w.Payload.EventType,
			ID:        w.Payload.ID,
			JobID:     w.Payload.JobID,
			Data:      *w.Payload.Data,
			Error:     w.Payload.Error,
			Metadata:  w.Payload.Metadata,
		},
		Headers:   *w.Headers,
		TeamID:    *w.TeamID,
		JobID:     *w.JobID,
		ScrapeID:  w.ScrapeID,
		Event:     *w.Event,
		TimeoutMS: *w.TimeoutMS,
	}
}

// Decode parses and validates a queue message body. Every field except
// scrape_id and the payload's optionals must be present and non-null.
func Decode(body []byte) (QueueMessage, error) {
	var w wireMessage
	if err := sonic.ConfigStd.Unmarshal(body, &w); err != nil {
		return QueueMessage{}, &MalformedMessageError{Reason: "invalid json", Err: err}
	}
	if key := w.missing(); key != "" {
		return QueueMessage{}, &MalformedMessageError{Reason: key + " is required"}
	}
	m := w.message()
	if m.WebhookURL == "" {
		return QueueMessage{}, &MalformedMessageError{Reason: "webhook_url is required"}
	}
	u, err := url.Parse(m.WebhookURL)
	if err != nil {
		return QueueMessage{}, &MalformedMessageError{Reason: "invalid webhook_url", Err: err}
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return QueueMessage{}, &MalformedMessageError{Reason: fmt.Sprintf("unsupported webhook_url %q", m.WebhookURL)}
	}
	return m, nil
}

// maxTimeoutMS is the largest timeout_ms representable as a time.Duration.
const maxTimeoutMS = uint64(math.MaxInt64 / int64(time.Millisecond))

// Timeout returns the per-message HTTP timeout, or def when none was set.
// Values beyond the time.Duration range saturate instead of wrapping.
func (m QueueMessage) Timeout(def time.Duration) time.Duration {
	if m.TimeoutMS == 0 {
		return def
	}
	if m.TimeoutMS > maxTimeoutMS {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(m.TimeoutMS) * time.Millisecond
}

// MarshalBody returns the canonical JSON text of the payload.
// data is always an array; absent optional fields are omitted.
func (p Payload) MarshalBody() ([]byte, error) {
	if p.Data == nil {
		p.Data = []json.RawMessage{}
	}
	return sonic.ConfigStd.Marshal(p)
}
