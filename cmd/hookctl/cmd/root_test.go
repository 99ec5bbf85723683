package cmd

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/austindbirch/hookdispatch/internal/delivery"
)

func TestCheckJQAvailable(t *testing.T) {
	_, err := exec.LookPath("jq")
	if got := checkJQAvailable(); got != (err == nil) {
		t.Errorf("checkJQAvailable() = %v, want %v", got, err == nil)
	}
}

func TestFormatWithJQ(t *testing.T) {
	tests := []struct {
		name     string
		jsonData []byte
		wantErr  bool
	}{
		{name: "valid json", jsonData: []byte(`{"key":"value","number":42}`)},
		{name: "invalid json", jsonData: []byte(`{"key":"value",}`), wantErr: true},
		{name: "empty json object", jsonData: []byte(`{}`)},
		{name: "json array", jsonData: []byte(`[1,2,3]`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !checkJQAvailable() {
				t.Skip("jq not available, skipping test")
			}

			got, err := formatWithJQ(tt.jsonData)
			if (err != nil) != tt.wantErr {
				t.Errorf("formatWithJQ() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && got == "" {
				t.Errorf("formatWithJQ() returned empty string for valid JSON")
			}
		})
	}
}

func TestParseKeyValues(t *testing.T) {
	tests := []struct {
		name    string
		pairs   []string
		want    map[string]string
		wantErr bool
	}{
		{name: "none", pairs: nil, want: nil},
		{name: "single", pairs: []string{"X-Source=cli"}, want: map[string]string{"X-Source": "cli"}},
		{name: "value with equals", pairs: []string{"a=b=c"}, want: map[string]string{"a": "b=c"}},
		{name: "empty value", pairs: []string{"a="}, want: map[string]string{"a": ""}},
		{name: "missing equals", pairs: []string{"novalue"}, wantErr: true},
		{name: "empty key", pairs: []string{"=v"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseKeyValues(tt.pairs)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseKeyValues() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if len(got) != len(tt.want) {
				t.Fatalf("parseKeyValues() = %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("parseKeyValues()[%q] = %q, want %q", k, got[k], v)
				}
			}
		})
	}
}

func TestReadInput(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "body.json")
	if err := os.WriteFile(path, []byte(`{"a":1}`), 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := readInput("@" + path)
	if err != nil || string(got) != `{"a":1}` {
		t.Errorf("readInput(@file) = %q, %v", got, err)
	}
	got, err = readInput(`{"b":2}`)
	if err != nil || string(got) != `{"b":2}` {
		t.Errorf("readInput(literal) = %q, %v", got, err)
	}
	if _, err := readInput("@" + filepath.Join(dir, "missing.json")); err == nil {
		t.Error("readInput(@missing) error = nil, want error")
	}
}

func TestBuildMessage(t *testing.T) {
	tests := []struct {
		name    string
		opts    publishOptions
		wantErr bool
		check   func(t *testing.T, m delivery.QueueMessage)
	}{
		{
			name: "full message",
			opts: publishOptions{
				url:       "https://example.com/hook",
				event:     "page",
				eventType: "crawl.page",
				teamID:    "team-1",
				jobID:     "job-1",
				scrapeID:  "scrape-1",
				timeoutMS: 5000,
				data:      []string{`{"markdown":"# hi"}`, `{"markdown":"# two"}`},
				headers:   []string{"X-Source=cli"},
				metadata:  []string{"origin=test"},
			},
			check: func(t *testing.T, m delivery.QueueMessage) {
				if m.TeamID != "team-1" || m.JobID != "job-1" || m.Event != "page" || m.TimeoutMS != 5000 {
					t.Errorf("message = %+v", m)
				}
				if m.ScrapeID == nil || *m.ScrapeID != "scrape-1" {
					t.Errorf("ScrapeID = %v", m.ScrapeID)
				}
				if !m.Payload.Success || m.Payload.EventType != "crawl.page" || len(m.Payload.Data) != 2 {
					t.Errorf("payload = %+v", m.Payload)
				}
				if m.Payload.JobID == nil || *m.Payload.JobID != "job-1" {
					t.Errorf("payload jobId = %v", m.Payload.JobID)
				}
				if m.Headers["X-Source"] != "cli" || m.Payload.Metadata["origin"] != "test" {
					t.Errorf("headers = %v metadata = %v", m.Headers, m.Payload.Metadata)
				}
			},
		},
		{
			name: "failed payload",
			opts: publishOptions{url: "http://localhost:8081/hook", failed: true, errMsg: "crawl failed"},
			check: func(t *testing.T, m delivery.QueueMessage) {
				if m.Payload.Success {
					t.Error("payload.success = true, want false")
				}
				if m.Payload.Error == nil || *m.Payload.Error != "crawl failed" {
					t.Errorf("payload.error = %v", m.Payload.Error)
				}
				if m.ScrapeID != nil {
					t.Errorf("ScrapeID = %v, want nil", *m.ScrapeID)
				}
			},
		},
		{name: "missing url", opts: publishOptions{}, wantErr: true},
		{name: "non-http url", opts: publishOptions{url: "ftp://example.com"}, wantErr: true},
		{name: "invalid data", opts: publishOptions{url: "https://example.com", data: []string{`{nope`}}, wantErr: true},
		{name: "bad header", opts: publishOptions{url: "https://example.com", headers: []string{"broken"}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, err := buildMessage(tt.opts)
			if (err != nil) != tt.wantErr {
				t.Fatalf("buildMessage() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			m, err := delivery.Decode(body)
			if err != nil {
				t.Fatalf("Decode(buildMessage()) error = %v", err)
			}
			tt.check(t, m)
		})
	}
}

func TestParseConfigValue(t *testing.T) {
	tests := []struct {
		key, value string
		want       any
		wantErr    bool
	}{
		{key: "json", value: "yes", want: true},
		{key: "json", value: "off", want: false},
		{key: "json", value: "maybe", wantErr: true},
		{key: "timeout", value: "1m", want: "1m0s"},
		{key: "timeout", value: "soon", wantErr: true},
		{key: "broker", value: "nsq", want: "nsq"},
		{key: "broker", value: "kafka", wantErr: true},
		{key: "server", value: "dispatcher:8082", want: "dispatcher:8082"},
		{key: "unknown", value: "x", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			got, err := parseConfigValue(tt.key, tt.value)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseConfigValue() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("parseConfigValue() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFetchHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "message": "broker disconnected", "broker": false})
	}))
	defer srv.Close()

	origTimeout := timeout
	timeout = 2 * time.Second
	defer func() { timeout = origTimeout }()

	st, code, err := fetchHealth(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("fetchHealth() error = %v", err)
	}
	if code != http.StatusServiceUnavailable || st.OK || st.Broker || !strings.Contains(st.Message, "broker") {
		t.Errorf("fetchHealth() = %+v, %d", st, code)
	}
}

func TestPrintOutput(t *testing.T) {
	tests := []struct {
		name       string
		v          any
		outputJSON bool
		prettyJSON bool
	}{
		{name: "simple string - human readable", v: "hello world"},
		{name: "simple map - json format", v: map[string]any{"key": "value", "number": 42}, outputJSON: true},
		{name: "simple map - pretty json format", v: map[string]any{"key": "value", "number": 42}, outputJSON: true, prettyJSON: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			origOutputJSON, origPrettyJSON := outputJSON, prettyJSON
			outputJSON, prettyJSON = tt.outputJSON, tt.prettyJSON
			defer func() {
				outputJSON, prettyJSON = origOutputJSON, origPrettyJSON
			}()

			defer func() {
				if r := recover(); r != nil {
					t.Errorf("printOutput() panicked unexpectedly: %v", r)
				}
			}()
			printOutput(tt.v)
		})
	}
}
