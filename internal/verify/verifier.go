// Package verify re-derives every kernel candidate on the host before it is
// allowed anywhere near the pool.
package verify

import (
	stderrors "errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/bardlex/gominer/internal/job"
	"github.com/bardlex/gominer/internal/share"
	"github.com/bardlex/gominer/pkg/errors"
)

var (
	// ErrHashMismatch means the recomputed digest differs from the device's.
	ErrHashMismatch = stderrors.New("hash mismatch")
	// ErrBelowTarget means the digest does not satisfy the share target.
	ErrBelowTarget = stderrors.New("below target")
	// ErrJobMismatch means the candidate names a different job.
	ErrJobMismatch = stderrors.New("job mismatch")
)

// Verifier checks candidates. It holds no mutable state and is safe for
// concurrent use.
type Verifier struct {
	hasher Hasher
	newID  func() string
}

// New creates a Verifier. A nil hasher means MiningHasher.
func New(hasher Hasher) *Verifier {
	if hasher == nil {
		hasher = MiningHasher{}
	}
	return &Verifier{hasher: hasher, newID: uuid.NewString}
}

// Verify recomputes the digest for c under j and returns the pending Share.
// Failures are ErrorTypeVerification errors wrapping one of the sentinels.
func (v *Verifier) Verify(j *job.Job, c share.Candidate) (*share.Share, error) {
	if j == nil || c.JobID != j.ID {
		return nil, v.fail(ErrJobMismatch, c)
	}

	header, err := j.Header(c.Extranonce2)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeVerification, "verify",
			"cannot rebuild header").
			WithContext("job_id", c.JobID).
			WithContext("device_id", c.DeviceID)
	}

	full := header.WithNonce(c.Nonce)
	digest := v.hasher.Sum(full[:])

	if digest != c.Digest {
		return nil, v.fail(ErrHashMismatch, c)
	}

	if !j.MeetsShareTarget(digest) {
		return nil, v.fail(ErrBelowTarget, c)
	}

	return &share.Share{
		ID:          v.newID(),
		JobID:       j.ID,
		DeviceID:    c.DeviceID,
		Extranonce2: j.Extranonce2Hex(c.Extranonce2),
		NTime:       j.NTimeHex(),
		Nonce:       c.Nonce,
		Digest:      digest,
		Difficulty:  job.DigestDifficulty(digest),
		Block:       j.MeetsNetworkTarget(digest),
		State:       share.Pending,
	}, nil
}

func (v *Verifier) fail(sentinel error, c share.Candidate) error {
	return errors.Wrap(sentinel, errors.ErrorTypeVerification, "verify",
		fmt.Sprintf("candidate nonce %08x rejected", c.Nonce)).
		WithContext("job_id", c.JobID).
		WithContext("device_id", c.DeviceID)
}

// IsHashMismatch reports whether err came from a digest disagreement, which
// counts against the device that produced the candidate.
func IsHashMismatch(err error) bool {
	return stderrors.Is(err, ErrHashMismatch)
}
