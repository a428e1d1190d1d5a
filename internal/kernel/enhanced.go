package kernel

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/remeh/sizedwaitgroup"

	"github.com/bardlex/gominer/internal/share"
	"github.com/bardlex/gominer/internal/verify"
)

// Enhanced splits a range into slices hashed in parallel with the SIMD hasher.
// At most threads slices run at once.
type Enhanced struct {
	hasher  verify.Hasher
	threads int
}

func (e *Enhanced) Name() string { return "enhanced" }

func (e *Enhanced) Search(ctx context.Context, w Work) (Result, error) {
	start := time.Now()

	size := w.Size()
	if size == 0 {
		return Result{}, ctx.Err()
	}

	slices := uint64(e.threads)
	if w.Intensity > 0 {
		slices *= uint64(w.Intensity)
	}
	slices = min(slices, size)
	step := (size + slices - 1) / slices

	var (
		mu       sync.Mutex
		res      Result
		firstErr error
	)

	swg := sizedwaitgroup.New(e.threads)
	for lo := w.Start; lo < w.End; lo += step {
		hi := min(lo+step, w.End)
		swg.Add()
		go func(lo, hi uint64) {
			defer swg.Done()

			var found []share.Candidate
			n, err := scan(ctx, e.hasher, w, lo, hi, &found)

			mu.Lock()
			defer mu.Unlock()
			res.Hashes += n
			res.Candidates = append(res.Candidates, found...)
			if err != nil && firstErr == nil {
				firstErr = err
			}
		}(lo, hi)
	}
	swg.Wait()

	sort.Slice(res.Candidates, func(i, j int) bool {
		return res.Candidates[i].Nonce < res.Candidates[j].Nonce
	})
	res.Elapsed = time.Since(start)
	return res, firstErr
}
