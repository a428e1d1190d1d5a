// Package postgres keeps a durable share history and device health journal
// for the rig in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// PostgreSQL driver for database/sql
	_ "github.com/lib/pq"
)

// Client wraps PostgreSQL database operations
type Client struct {
	db *sql.DB
}

// Config holds PostgreSQL connection configuration
type Config struct {
	URL          string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

// NewClient opens the database, pings it and creates missing tables.
func NewClient(cfg *Config) (*Client, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	c := &Client{db: db}
	if err := c.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

// Migrate creates the tables and indexes if they do not exist.
func (c *Client) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate schema: %w", err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS shares (
		id                 BIGSERIAL PRIMARY KEY,
		rig                TEXT NOT NULL,
		share_id           TEXT NOT NULL,
		job_id             TEXT NOT NULL,
		device_id          INTEGER NOT NULL,
		extra_nonce2       TEXT NOT NULL,
		ntime              TEXT NOT NULL,
		nonce              TEXT NOT NULL,
		hash               TEXT NOT NULL,
		difficulty         DOUBLE PRECISION NOT NULL,
		is_block_candidate BOOLEAN NOT NULL DEFAULT FALSE,
		state              TEXT NOT NULL,
		reason             TEXT NOT NULL DEFAULT '',
		submitted_at       TIMESTAMPTZ NOT NULL,
		resolved_at        TIMESTAMPTZ,
		UNIQUE (rig, share_id)
	)`,
	`CREATE INDEX IF NOT EXISTS shares_rig_submitted_idx ON shares (rig, submitted_at DESC)`,
	`CREATE TABLE IF NOT EXISTS device_events (
		id         BIGSERIAL PRIMARY KEY,
		rig        TEXT NOT NULL,
		device_id  INTEGER NOT NULL,
		from_state TEXT NOT NULL,
		to_state   TEXT NOT NULL,
		reason     TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS device_events_rig_device_idx ON device_events (rig, device_id, created_at DESC)`,
}

// Close closes the database connection
func (c *Client) Close() error {
	return c.db.Close()
}

// Health checks database connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// DB returns the underlying sql.DB for advanced operations
func (c *Client) DB() *sql.DB {
	return c.db
}
