// Package share defines kernel candidates and the lifecycle of submitted shares.
package share

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Candidate is a nonce a device claims satisfies a job's target.
type Candidate struct {
	JobID       string
	DeviceID    int
	UnitID      uint64
	Extranonce2 uint64
	Nonce       uint32
	Digest      chainhash.Hash
}

// State is where a share is in its pool round trip.
type State int

const (
	Pending State = iota
	Accepted
	Rejected
	Stale
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case Stale:
		return "stale"
	default:
		return "unknown"
	}
}

// Terminal reports whether s can no longer change.
func (s State) Terminal() bool { return s != Pending }

// ReasonTimeout is the rejection reason recorded when the pool never answered.
const ReasonTimeout = "Timeout"

// Share is a verified candidate on its way to, or back from, the pool.
type Share struct {
	ID          string
	JobID       string
	DeviceID    int
	Extranonce2 string
	NTime       string
	Nonce       uint32
	Digest      chainhash.Hash
	Difficulty  float64
	Block       bool

	State       State
	Reason      string
	SubmittedAt time.Time
	ResolvedAt  time.Time
}

// Resolve moves a pending share to a terminal state. It reports false and
// leaves the share untouched if it was already terminal.
func (s *Share) Resolve(state State, reason string, at time.Time) bool {
	if s.State.Terminal() || !state.Terminal() {
		return false
	}
	s.State = state
	s.Reason = reason
	s.ResolvedAt = at
	return true
}
