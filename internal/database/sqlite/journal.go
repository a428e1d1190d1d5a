// Package sqlite keeps a local share and device health journal in a single
// SQLite file, for rigs that run without a database server.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	// Pure-Go SQLite driver registered as "sqlite".
	_ "modernc.org/sqlite"

	"github.com/bardlex/gominer/internal/events"
	"github.com/bardlex/gominer/internal/share"
)

// Journal is the SQLite share history of one rig.
type Journal struct {
	db  *sql.DB
	rig string
}

// Record is one journaled share.
type Record struct {
	ShareID     string
	JobID       string
	DeviceID    int
	Nonce       string
	Difficulty  float64
	Block       bool
	State       string
	Reason      string
	SubmittedAt time.Time
	ResolvedAt  time.Time
}

// Open opens or creates the journal at path.
func Open(path, rig string) (*Journal, error) {
	if strings.TrimSpace(path) == "" {
		return nil, os.ErrInvalid
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	// One writer; modernc.org/sqlite does not like concurrent connections
	// to the same file.
	db.SetMaxOpenConns(1)

	j := &Journal{db: db, rig: rig}
	if err := j.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS shares (
			rig                TEXT NOT NULL,
			share_id           TEXT NOT NULL,
			job_id             TEXT NOT NULL,
			device_id          INTEGER NOT NULL,
			extra_nonce2       TEXT NOT NULL,
			ntime              TEXT NOT NULL,
			nonce              TEXT NOT NULL,
			hash               TEXT NOT NULL,
			difficulty         REAL NOT NULL,
			is_block_candidate INTEGER NOT NULL DEFAULT 0,
			state              TEXT NOT NULL,
			reason             TEXT NOT NULL DEFAULT '',
			submitted_at       INTEGER NOT NULL,
			resolved_at        INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (rig, share_id)
		)`,
		`CREATE INDEX IF NOT EXISTS shares_submitted_idx ON shares (rig, submitted_at)`,
		`CREATE TABLE IF NOT EXISTS device_events (
			rig        TEXT NOT NULL,
			device_id  INTEGER NOT NULL,
			from_state TEXT NOT NULL,
			to_state   TEXT NOT NULL,
			reason     TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := j.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to migrate journal: %w", err)
		}
	}
	return nil
}

// Close closes the journal.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Health checks the journal is usable.
func (j *Journal) Health(ctx context.Context) error {
	return j.db.PingContext(ctx)
}

const insertShare = `
	INSERT INTO shares (rig, share_id, job_id, device_id, extra_nonce2, ntime, nonce, hash,
	                    difficulty, is_block_candidate, state, reason, submitted_at, resolved_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// RecordShare journals a submitted share. Recording it twice is a no-op.
func (j *Journal) RecordShare(ctx context.Context, sh share.Share) error {
	_, err := j.db.ExecContext(ctx, insertShare+` ON CONFLICT (rig, share_id) DO NOTHING`, j.args(sh)...)
	if err != nil {
		return fmt.Errorf("failed to record share: %w", err)
	}
	return nil
}

// ResolveShare journals a share's verdict. The first verdict wins.
func (j *Journal) ResolveShare(ctx context.Context, sh share.Share) error {
	_, err := j.db.ExecContext(ctx, insertShare+`
		ON CONFLICT (rig, share_id) DO UPDATE
		SET state = excluded.state, reason = excluded.reason, resolved_at = excluded.resolved_at
		WHERE shares.state = 'pending'`, j.args(sh)...)
	if err != nil {
		return fmt.Errorf("failed to resolve share: %w", err)
	}
	return nil
}

func (j *Journal) args(sh share.Share) []any {
	return []any{
		j.rig, sh.ID, sh.JobID, sh.DeviceID, sh.Extranonce2, sh.NTime,
		fmt.Sprintf("%08x", sh.Nonce), sh.Digest.String(), sh.Difficulty, sh.Block,
		sh.State.String(), sh.Reason, millis(sh.SubmittedAt), millis(sh.ResolvedAt),
	}
}

// RecordDeviceEvent journals a device health transition.
func (j *Journal) RecordDeviceEvent(ctx context.Context, ev events.DeviceHealthChanged) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO device_events (rig, device_id, from_state, to_state, reason, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		j.rig, ev.DeviceID, ev.From, ev.To, ev.Reason, millis(ev.At))
	if err != nil {
		return fmt.Errorf("failed to record device event: %w", err)
	}
	return nil
}

// RecentShares returns up to limit shares, newest first.
func (j *Journal) RecentShares(ctx context.Context, limit int) ([]Record, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT share_id, job_id, device_id, nonce, difficulty, is_block_candidate,
		       state, reason, submitted_at, resolved_at
		FROM shares
		WHERE rig = ?
		ORDER BY submitted_at DESC
		LIMIT ?`, j.rig, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query shares: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		var r Record
		var submitted, resolved int64
		if err := rows.Scan(&r.ShareID, &r.JobID, &r.DeviceID, &r.Nonce, &r.Difficulty, &r.Block,
			&r.State, &r.Reason, &submitted, &resolved); err != nil {
			return nil, fmt.Errorf("failed to scan share: %w", err)
		}
		r.SubmittedAt = fromMillis(submitted)
		r.ResolvedAt = fromMillis(resolved)
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountByState counts shares submitted since since, by state.
func (j *Journal) CountByState(ctx context.Context, since time.Time) (map[string]int64, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM shares WHERE rig = ? AND submitted_at >= ? GROUP BY state`,
		j.rig, millis(since))
	if err != nil {
		return nil, fmt.Errorf("failed to count shares: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int64)
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("failed to scan share count: %w", err)
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

// DeviceEvents counts journaled transitions for a device into to.
func (j *Journal) DeviceEvents(ctx context.Context, deviceID int, to string) (int, error) {
	var n int
	err := j.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM device_events WHERE rig = ? AND device_id = ? AND to_state = ?`,
		j.rig, deviceID, to).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count device events: %w", err)
	}
	return n, nil
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
