// Package kernel defines the compute interface devices run and the two CPU
// kernel variants shipped with gominer.
package kernel

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/bardlex/gominer/internal/job"
	"github.com/bardlex/gominer/internal/share"
	"github.com/bardlex/gominer/internal/verify"
)

// Work is one compute pass: a header template and a nonce range [Start, End).
type Work struct {
	UnitID      uint64
	JobID       string
	DeviceID    int
	Extranonce2 uint64
	Header      job.Header
	Start       uint64
	End         uint64
	Target      *big.Int
	// Intensity is a batch hint for kernels that want one.
	Intensity int
}

// Size is the number of nonces in the range.
func (w Work) Size() uint64 {
	if w.End <= w.Start {
		return 0
	}
	return w.End - w.Start
}

// Result is what a completed (or interrupted) pass produced.
type Result struct {
	Candidates []share.Candidate
	Hashes     uint64
	Elapsed    time.Duration
}

// Kernel searches a nonce range for digests meeting the target.
type Kernel interface {
	Name() string
	Search(ctx context.Context, w Work) (Result, error)
}

// New builds the kernel variant selected at startup.
func New(variant string, threads int) (Kernel, error) {
	switch variant {
	case "mining":
		return &Mining{hasher: verify.MiningHasher{}}, nil
	case "enhanced":
		if threads <= 0 {
			threads = 1
		}
		return &Enhanced{hasher: verify.SIMDHasher{}, threads: threads}, nil
	default:
		return nil, fmt.Errorf("unknown kernel variant %q", variant)
	}
}

// checkEvery is how many nonces pass between context checks.
const checkEvery = 1 << 12

// scan hashes [start, end) sequentially, appending hits to out.
func scan(ctx context.Context, h verify.Hasher, w Work, start, end uint64, out *[]share.Candidate) (uint64, error) {
	var hashes uint64
	header := w.Header
	for n := start; n < end; n++ {
		if hashes%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return hashes, err
			}
		}
		full := header.WithNonce(uint32(n))
		digest := h.Sum(full[:])
		hashes++
		if job.HashMeetsTarget(digest, w.Target) {
			*out = append(*out, share.Candidate{
				JobID:       w.JobID,
				DeviceID:    w.DeviceID,
				UnitID:      w.UnitID,
				Extranonce2: w.Extranonce2,
				Nonce:       uint32(n),
				Digest:      digest,
			})
		}
	}
	return hashes, nil
}
