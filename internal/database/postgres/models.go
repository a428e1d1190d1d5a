package postgres

import (
	"fmt"
	"time"

	"github.com/bardlex/gominer/internal/share"
)

// Share is one row of the share history.
type Share struct {
	ID               int64      `db:"id"`
	Rig              string     `db:"rig"`
	ShareID          string     `db:"share_id"`
	JobID            string     `db:"job_id"`
	DeviceID         int        `db:"device_id"`
	ExtraNonce2      string     `db:"extra_nonce2"`
	Ntime            string     `db:"ntime"`
	Nonce            string     `db:"nonce"`
	Hash             string     `db:"hash"`
	Difficulty       float64    `db:"difficulty"`
	IsBlockCandidate bool       `db:"is_block_candidate"`
	State            string     `db:"state"` // pending, accepted, rejected, stale
	Reason           string     `db:"reason"`
	SubmittedAt      time.Time  `db:"submitted_at"`
	ResolvedAt       *time.Time `db:"resolved_at"`
}

// NewShare converts a share into its history row.
func NewShare(rig string, sh share.Share) *Share {
	row := &Share{
		Rig:              rig,
		ShareID:          sh.ID,
		JobID:            sh.JobID,
		DeviceID:         sh.DeviceID,
		ExtraNonce2:      sh.Extranonce2,
		Ntime:            sh.NTime,
		Nonce:            fmt.Sprintf("%08x", sh.Nonce),
		Hash:             sh.Digest.String(),
		Difficulty:       sh.Difficulty,
		IsBlockCandidate: sh.Block,
		State:            sh.State.String(),
		Reason:           sh.Reason,
		SubmittedAt:      sh.SubmittedAt,
	}
	if !sh.ResolvedAt.IsZero() {
		resolved := sh.ResolvedAt
		row.ResolvedAt = &resolved
	}
	return row
}

// DeviceEvent is one device health transition.
type DeviceEvent struct {
	ID        int64     `db:"id"`
	Rig       string    `db:"rig"`
	DeviceID  int       `db:"device_id"`
	FromState string    `db:"from_state"`
	ToState   string    `db:"to_state"`
	Reason    string    `db:"reason"`
	CreatedAt time.Time `db:"created_at"`
}
