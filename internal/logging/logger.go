package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/bytedance/sonic"

	"github.com/austindbirch/hookdispatch/internal/tracing"
)

// LogLevel represents the severity of the log entry
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	LevelFatal LogLevel = "fatal"
)

// LogEntry represents a structured log entry
type LogEntry struct {
	Time    time.Time      `json:"time"`
	Level   LogLevel       `json:"level"`
	Message string         `json:"msg"`
	Service string         `json:"service,omitempty"`
	TraceID string         `json:"trace_id,omitempty"`
	TeamID  string         `json:"team_id,omitempty"`
	JobID   string         `json:"job_id,omitempty"`
	TaskID  string         `json:"task_id,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`

	out io.Writer
}

// Logger provides structured logging with trace correlation
type Logger struct {
	service string
	out     io.Writer
}

// New creates a new structured logger for the given service
func New(service string) *Logger {
	return &Logger{service: service, out: os.Stdout}
}

// NewWithWriter creates a logger that writes JSON lines to w.
func NewWithWriter(service string, w io.Writer) *Logger {
	return &Logger{service: service, out: w}
}

func (l *Logger) entry() *LogEntry {
	return &LogEntry{
		Time:    time.Now().UTC(),
		Service: l.service,
		Fields:  make(map[string]any),
		out:     l.out,
	}
}

// WithContext creates a log entry with trace correlation from context
func (l *Logger) WithContext(ctx context.Context) *LogEntry {
	e := l.entry()
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		e.TraceID = traceID
	}
	return e
}

// WithFields creates a log entry with arbitrary key-value pairs
func (l *Logger) WithFields(fields map[string]any) *LogEntry {
	e := l.entry()
	e.Fields = fields
	return e
}

// Plain creates a basic log entry without context
func (l *Logger) Plain() *LogEntry {
	return l.entry()
}

// WithTraceID sets the trace ID for the log entry
func (e *LogEntry) WithTraceID(traceID string) *LogEntry {
	e.TraceID = traceID
	return e
}

// WithTeam sets the team ID for the log entry
func (e *LogEntry) WithTeam(teamID string) *LogEntry {
	e.TeamID = teamID
	return e
}

// WithJob sets the job (crawl) ID for the log entry
func (e *LogEntry) WithJob(jobID string) *LogEntry {
	e.JobID = jobID
	return e
}

// WithTask sets the consumer task ID for the log entry
func (e *LogEntry) WithTask(taskID string) *LogEntry {
	e.TaskID = taskID
	return e
}

// WithField adds a single field to the log entry
func (e *LogEntry) WithField(key string, value any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// WithFields adds multiple fields to the log entry
func (e *LogEntry) WithFields(fields map[string]any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	for k, v := range fields {
		e.Fields[k] = v
	}
	return e
}

// WithError adds an error field to the log entry
func (e *LogEntry) WithError(err error) *LogEntry {
	if err != nil {
		if e.Fields == nil {
			e.Fields = make(map[string]any)
		}
		e.Fields["error"] = err.Error()
	}
	return e
}

// Debug logs at debug level
func (e *LogEntry) Debug(message string) {
	e.log(LevelDebug, message)
}

// Info logs at info level
func (e *LogEntry) Info(message string) {
	e.log(LevelInfo, message)
}

// Infof logs at info level with formatting
func (e *LogEntry) Infof(format string, args ...any) {
	e.log(LevelInfo, fmt.Sprintf(format, args...))
}

// Warn logs at warn level
func (e *LogEntry) Warn(message string) {
	e.log(LevelWarn, message)
}

// Error logs at error level
func (e *LogEntry) Error(message string) {
	e.log(LevelError, message)
}

// Errorf logs at error level with formatting
func (e *LogEntry) Errorf(format string, args ...any) {
	e.log(LevelError, fmt.Sprintf(format, args...))
}

// Fatal logs at fatal level and exits
func (e *LogEntry) Fatal(message string) {
	e.log(LevelFatal, message)
	os.Exit(1)
}

func (e *LogEntry) log(level LogLevel, message string) {
	e.Level = level
	e.Message = message
	e.output()
}

// Concurrent workers share one writer; lines must not interleave.
var outputMu sync.Mutex

// output writes the log entry as a single JSON line
func (e *LogEntry) output() {
	if len(e.Fields) == 0 {
		e.Fields = nil
	}
	w := e.out
	if w == nil {
		w = os.Stdout
	}

	data, err := sonic.ConfigStd.Marshal(e)
	outputMu.Lock()
	defer outputMu.Unlock()
	if err != nil {
		// Fallback to plain text if JSON marshaling fails
		fmt.Fprintf(os.Stderr, "logging error: %v\n", err)
		fmt.Fprintf(w, "%s [%s] %s\n", e.Time.Format(time.RFC3339), e.Level, e.Message)
		return
	}
	fmt.Fprintln(w, string(data))
}

var defaultLogger = New("hookdispatch")

// WithContext creates a log entry with trace correlation from context using the default logger
func WithContext(ctx context.Context) *LogEntry {
	return defaultLogger.WithContext(ctx)
}

// Plain creates a basic log entry using the default logger
func Plain() *LogEntry {
	return defaultLogger.Plain()
}

// SetDefaultService sets the service name for the default logger
func SetDefaultService(service string) {
	defaultLogger.service = service
}
