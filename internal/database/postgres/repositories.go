package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ShareRepository handles share-related database operations
type ShareRepository struct {
	db *sql.DB
}

// NewShareRepository creates a new share repository
func NewShareRepository(db *sql.DB) *ShareRepository {
	return &ShareRepository{db: db}
}

// CreateShare records a submitted share. Recording the same share twice is
// a no-op.
func (r *ShareRepository) CreateShare(ctx context.Context, share *Share) error {
	query := `
		INSERT INTO shares (rig, share_id, job_id, device_id, extra_nonce2, ntime, nonce, hash,
		                    difficulty, is_block_candidate, state, reason, submitted_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (rig, share_id) DO NOTHING`

	_, err := r.db.ExecContext(ctx, query,
		share.Rig, share.ShareID, share.JobID, share.DeviceID, share.ExtraNonce2, share.Ntime,
		share.Nonce, share.Hash, share.Difficulty, share.IsBlockCandidate, share.State,
		share.Reason, share.SubmittedAt, share.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create share: %w", err)
	}

	return nil
}

// ResolveShare stores a share's verdict. A share missing from the table is
// inserted whole; a share already resolved keeps its first verdict.
func (r *ShareRepository) ResolveShare(ctx context.Context, share *Share) error {
	query := `
		INSERT INTO shares (rig, share_id, job_id, device_id, extra_nonce2, ntime, nonce, hash,
		                    difficulty, is_block_candidate, state, reason, submitted_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (rig, share_id) DO UPDATE
		SET state = EXCLUDED.state, reason = EXCLUDED.reason, resolved_at = EXCLUDED.resolved_at
		WHERE shares.state = 'pending'`

	_, err := r.db.ExecContext(ctx, query,
		share.Rig, share.ShareID, share.JobID, share.DeviceID, share.ExtraNonce2, share.Ntime,
		share.Nonce, share.Hash, share.Difficulty, share.IsBlockCandidate, share.State,
		share.Reason, share.SubmittedAt, share.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to resolve share: %w", err)
	}

	return nil
}

// GetRecentShares returns the rig's newest shares first.
func (r *ShareRepository) GetRecentShares(ctx context.Context, rig string, limit, offset int) ([]*Share, error) {
	query := `
		SELECT id, rig, share_id, job_id, device_id, extra_nonce2, ntime, nonce, hash,
		       difficulty, is_block_candidate, state, reason, submitted_at, resolved_at
		FROM shares
		WHERE rig = $1
		ORDER BY submitted_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := r.db.QueryContext(ctx, query, rig, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query shares: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var shares []*Share
	for rows.Next() {
		share := &Share{}
		err := rows.Scan(
			&share.ID, &share.Rig, &share.ShareID, &share.JobID, &share.DeviceID,
			&share.ExtraNonce2, &share.Ntime, &share.Nonce, &share.Hash,
			&share.Difficulty, &share.IsBlockCandidate, &share.State, &share.Reason,
			&share.SubmittedAt, &share.ResolvedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan share: %w", err)
		}
		shares = append(shares, share)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating shares: %w", err)
	}

	return shares, nil
}

// CountByState counts the rig's shares submitted since since, by state.
func (r *ShareRepository) CountByState(ctx context.Context, rig string, since time.Time) (map[string]int64, error) {
	query := `
		SELECT state, COUNT(*)
		FROM shares
		WHERE rig = $1 AND submitted_at >= $2
		GROUP BY state`

	rows, err := r.db.QueryContext(ctx, query, rig, since)
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

// DeviceEventRepository handles the device health journal
type DeviceEventRepository struct {
	db *sql.DB
}

// NewDeviceEventRepository creates a new device event repository
func NewDeviceEventRepository(db *sql.DB) *DeviceEventRepository {
	return &DeviceEventRepository{db: db}
}

// CreateDeviceEvent appends a health transition.
func (r *DeviceEventRepository) CreateDeviceEvent(ctx context.Context, event *DeviceEvent) error {
	query := `
		INSERT INTO device_events (rig, device_id, from_state, to_state, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	err := r.db.QueryRowContext(ctx, query,
		event.Rig, event.DeviceID, event.FromState, event.ToState, event.Reason, event.CreatedAt,
	).Scan(&event.ID)
	if err != nil {
		return fmt.Errorf("failed to create device event: %w", err)
	}

	return nil
}

// GetDeviceEvents returns a device's transitions, newest first.
func (r *DeviceEventRepository) GetDeviceEvents(ctx context.Context, rig string, deviceID, limit int) ([]*DeviceEvent, error) {
	query := `
		SELECT id, rig, device_id, from_state, to_state, reason, created_at
		FROM device_events
		WHERE rig = $1 AND device_id = $2
		ORDER BY created_at DESC
		LIMIT $3`

	rows, err := r.db.QueryContext(ctx, query, rig, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query device events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*DeviceEvent
	for rows.Next() {
		ev := &DeviceEvent{}
		if err := rows.Scan(&ev.ID, &ev.Rig, &ev.DeviceID, &ev.FromState, &ev.ToState, &ev.Reason, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan device event: %w", err)
		}
		out = append(out, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating device events: %w", err)
	}

	return out, nil
}
