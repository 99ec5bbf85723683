package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultMaxConns sizes the pool for the log sink: one insert per finished
// delivery, so roughly the consumer's prefetch.
const DefaultMaxConns = 10

// logTableDDL mirrors the columns written by the postgres log sink.
const logTableDDL = `
CREATE TABLE IF NOT EXISTS webhook_logs (
	id          BIGSERIAL PRIMARY KEY,
	success     BOOLEAN NOT NULL,
	error       TEXT,
	team_id     TEXT NOT NULL,
	crawl_id    TEXT NOT NULL,
	scrape_id   TEXT,
	url         TEXT NOT NULL,
	status_code INTEGER,
	event       TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Connect establishes a connection pool to the database and returns the pool
func Connect(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if maxConns <= 0 {
		maxConns = DefaultMaxConns
	}
	cfg.MaxConns = maxConns
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	// Ping the database to verify connection
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// EnsureLogTable creates the webhook_logs table if it is missing.
func EnsureLogTable(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, logTableDDL); err != nil {
		return fmt.Errorf("create webhook_logs: %w", err)
	}
	return nil
}
