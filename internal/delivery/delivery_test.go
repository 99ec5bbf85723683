package delivery

import (
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"
	"time"
)

const validBody = `{
	"webhook_url": "https://example.com/hook",
	"payload": {
		"success": true,
		"type": "crawl.page",
		"id": "job-1",
		"data": [{"markdown": "# hi"}, 42],
		"metadata": {"source": "test"}
	},
	"headers": {"X-Custom": "yes"},
	"team_id": "team-1",
	"job_id": "job-1",
	"scrape_id": null,
	"event": "page",
	"timeout_ms": 1500
}`

type decodeCase struct {
	name      string
	body      string
	malformed bool
}

func TestDecode(t *testing.T) {
	tests := []decodeCase{
		{name: "valid message", body: validBody},
		{name: "not json", body: `{{{`, malformed: true},
		{name: "wrong type", body: `{"webhook_url": 12}`, malformed: true},
		{name: "missing url", body: `{"team_id": "t"}`, malformed: true},
		{name: "relative url", body: `{"webhook_url": "/hook"}`, malformed: true},
		{name: "unsupported scheme", body: `{"webhook_url": "ftp://example.com/x"}`, malformed: true},
		{name: "empty body", body: ``, malformed: true},
		{name: "url only", body: `{"webhook_url": "https://example.com/hook"}`, malformed: true},
		{name: "null payload", body: `{"webhook_url": "https://example.com/hook", "payload": null}`, malformed: true},
	}
	for _, key := range []string{
		"webhook_url", "payload", "headers", "team_id", "job_id", "event", "timeout_ms",
		"payload.success", "payload.type", "payload.data",
	} {
		tests = append(tests,
			decodeCase{name: "missing " + key, body: editBody(t, key, false), malformed: true},
			decodeCase{name: "null " + key, body: editBody(t, key, true), malformed: true},
		)
	}
	for _, key := range []string{"scrape_id", "payload.id", "payload.jobId", "payload.error", "payload.metadata"} {
		tests = append(tests, decodeCase{name: "optional " + key + " absent", body: editBody(t, key, false)})
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Decode([]byte(tt.body))
			if !tt.malformed {
				if err != nil {
					t.Fatalf("Decode() error = %v", err)
				}
				if m.WebhookURL != "https://example.com/hook" {
					t.Errorf("WebhookURL = %q", m.WebhookURL)
				}
				if m.TeamID != "team-1" || m.JobID != "job-1" || m.Event != "page" {
					t.Errorf("unexpected ids: %+v", m)
				}
				if m.ScrapeID != nil {
					t.Errorf("ScrapeID = %v, want nil", *m.ScrapeID)
				}
				if len(m.Payload.Data) != 2 {
					t.Errorf("len(Data) = %d, want 2", len(m.Payload.Data))
				}
				return
			}
			var merr *MalformedMessageError
			if !errors.As(err, &merr) {
				t.Fatalf("Decode() error = %v, want MalformedMessageError", err)
			}
		})
	}
}

// editBody returns validBody with key removed, or set to null when
// setNull is true. A "payload." prefix addresses the nested object.
func editBody(t *testing.T, key string, setNull bool) string {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(validBody), &m); err != nil {
		t.Fatal(err)
	}
	obj := m
	if rest, ok := strings.CutPrefix(key, "payload."); ok {
		obj = m["payload"].(map[string]any)
		key = rest
	}
	if setNull {
		obj[key] = nil
	} else {
		delete(obj, key)
	}
	b, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestDecode_ReasonNamesMissingField(t *testing.T) {
	_, err := Decode([]byte(editBody(t, "payload.type", false)))
	var merr *MalformedMessageError
	if !errors.As(err, &merr) {
		t.Fatalf("Decode() error = %v, want MalformedMessageError", err)
	}
	if !strings.Contains(merr.Reason, "payload.type") {
		t.Errorf("Reason = %q, want it to name payload.type", merr.Reason)
	}
}

func TestPayloadMarshalBody(t *testing.T) {
	jobID := "job-9"
	tests := []struct {
		name    string
		payload Payload
		want    []string
		absent  []string
	}{
		{
			name:    "optional fields omitted",
			payload: Payload{Success: true, EventType: "crawl.started"},
			want:    []string{`"success":true`, `"type":"crawl.started"`, `"data":[]`},
			absent:  []string{`"id"`, `"jobId"`, `"error"`, `"metadata"`, `null`},
		},
		{
			name: "present fields emitted",
			payload: Payload{
				EventType: "crawl.failed",
				JobID:     &jobID,
				Data:      []json.RawMessage{json.RawMessage(`{"a":1}`)},
				Metadata:  map[string]string{"k": "v"},
			},
			want: []string{`"jobId":"job-9"`, `"data":[{"a":1}]`, `"metadata":{"k":"v"}`, `"success":false`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := tt.payload.MarshalBody()
			if err != nil {
				t.Fatalf("MarshalBody() error = %v", err)
			}
			s := string(b)
			for _, w := range tt.want {
				if !strings.Contains(s, w) {
					t.Errorf("MarshalBody() = %s, missing %s", s, w)
				}
			}
			for _, a := range tt.absent {
				if strings.Contains(s, a) {
					t.Errorf("MarshalBody() = %s, should not contain %s", s, a)
				}
			}
		})
	}
}

func TestPayloadMarshalBodyIsStable(t *testing.T) {
	p := Payload{
		EventType: "x",
		Metadata:  map[string]string{"z": "1", "a": "2", "m": "3"},
	}
	first, err := p.MarshalBody()
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 20; i++ {
		again, _ := p.MarshalBody()
		if string(again) != string(first) {
			t.Fatalf("MarshalBody() not stable: %s vs %s", again, first)
		}
	}
}

func TestTimeout(t *testing.T) {
	def := 30 * time.Second
	if got := (QueueMessage{}).Timeout(def); got != def {
		t.Errorf("Timeout() = %v, want %v", got, def)
	}
	if got := (QueueMessage{TimeoutMS: 250}).Timeout(def); got != 250*time.Millisecond {
		t.Errorf("Timeout() = %v, want 250ms", got)
	}

	tests := []struct {
		name string
		ms   uint64
		want time.Duration
	}{
		{name: "largest exact value", ms: maxTimeoutMS, want: time.Duration(maxTimeoutMS) * time.Millisecond},
		{name: "just past range", ms: maxTimeoutMS + 1, want: time.Duration(math.MaxInt64)},
		{name: "u64 max", ms: math.MaxUint64, want: time.Duration(math.MaxInt64)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := (QueueMessage{TimeoutMS: tt.ms}).Timeout(def)
			if got != tt.want {
				t.Errorf("Timeout() = %v, want %v", got, tt.want)
			}
			if got <= 0 {
				t.Errorf("Timeout() = %v, must stay positive", got)
			}
		})
	}
}

func TestDecode_HugeTimeoutStaysPositive(t *testing.T) {
	body := strings.Replace(validBody, `"timeout_ms": 1500`, `"timeout_ms": 18446744073709551615`, 1)
	m, err := Decode([]byte(body))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got := m.Timeout(30 * time.Second); got <= 0 {
		t.Errorf("Timeout() = %v, want positive", got)
	}
}

func TestNewLogEntry(t *testing.T) {
	scrape := "scrape-1"
	m := QueueMessage{
		WebhookURL: "https://example.com/hook",
		TeamID:     "team",
		JobID:      "job",
		ScrapeID:   &scrape,
		Event:      "page",
	}

	ok := NewLogEntry(m, 200, nil)
	if !ok.Success || ok.Error != nil {
		t.Errorf("success entry = %+v", ok)
	}
	if ok.StatusCode == nil || *ok.StatusCode != 200 {
		t.Errorf("StatusCode = %v, want 200", ok.StatusCode)
	}
	if ok.CrawlID != "job" || ok.URL != m.WebhookURL || *ok.ScrapeID != scrape {
		t.Errorf("unexpected entry %+v", ok)
	}

	failed := NewLogEntry(m, 0, errors.New("connection refused"))
	if failed.Success {
		t.Error("failed entry should not be successful")
	}
	if failed.StatusCode != nil {
		t.Errorf("StatusCode = %v, want nil", *failed.StatusCode)
	}
	if failed.Error == nil || *failed.Error != "connection refused" {
		t.Errorf("Error = %v", failed.Error)
	}
}
