// Package logsink records webhook delivery outcomes to an external store.
package logsink

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/austindbirch/hookdispatch/internal/delivery"
)

// Table is where delivery outcomes are written.
const Table = "webhook_logs"

// Sink is write-only. Callers treat errors as non-fatal.
type Sink interface {
	Record(ctx context.Context, entry delivery.LogEntry) error
}

// Nop discards entries.
type Nop struct{}

func (Nop) Record(context.Context, delivery.LogEntry) error { return nil }

// Supabase inserts entries through the PostgREST endpoint of a Supabase project.
type Supabase struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewSupabase(baseURL, serviceToken string, timeout time.Duration) *Supabase {
	return &Supabase{
		baseURL: baseURL,
		token:   serviceToken,
		client:  &http.Client{Timeout: timeout},
	}
}

func (s *Supabase) Record(ctx context.Context, entry delivery.LogEntry) error {
	body, err := sonic.ConfigStd.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode log entry: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/rest/v1/"+Table, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", s.token)
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Prefer", "return=minimal")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("insert %s: %w", Table, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("insert %s: status %d: %s", Table, resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}

// Execer is satisfied by *pgxpool.Pool.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// logColumns lists webhook_logs columns in the order Postgres.Record binds them.
var logColumns = []string{"success", "error", "team_id", "crawl_id", "scrape_id", "url", "status_code", "event"}

var insertLogSQL = fmt.Sprintf("INSERT INTO %s(%s) VALUES (%s)",
	Table, strings.Join(logColumns, ", "), placeholders(len(logColumns)))

func placeholders(n int) string {
	p := make([]string, n)
	for i := range p {
		p[i] = fmt.Sprintf("$%d", i+1)
	}
	return strings.Join(p, ", ")
}

// Postgres writes entries straight into the log table.
type Postgres struct {
	db Execer
}

func NewPostgres(db Execer) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Record(ctx context.Context, entry delivery.LogEntry) error {
	_, err := p.db.Exec(ctx, insertLogSQL,
		entry.Success, entry.Error, entry.TeamID, entry.CrawlID, entry.ScrapeID,
		entry.URL, entry.StatusCode, entry.Event,
	)
	if err != nil {
		return fmt.Errorf("insert %s: %w", Table, err)
	}
	return nil
}
