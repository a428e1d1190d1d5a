package scheduler

import (
	"fmt"

	"github.com/bardlex/gominer/internal/job"
)

// NonceSpaceSize is the size of the 32-bit header nonce field.
const NonceSpaceSize = uint64(1) << 32

// Range is a half-open nonce interval under one extranonce2.
type Range struct {
	Extranonce2 uint64
	Start       uint64
	End         uint64
}

// Overlaps reports whether r and o share any (extranonce2, nonce) pair.
func (r Range) Overlaps(o Range) bool {
	return r.Extranonce2 == o.Extranonce2 && r.Start < o.End && o.Start < r.End
}

// nonceSpace hands out consecutive, disjoint ranges of one job. When the
// nonce field is exhausted it rolls extranonce2 if wraparound is allowed.
type nonceSpace struct {
	job        *job.Job
	wraparound bool

	en2    uint64
	cursor uint64
	header job.Header
	done   bool
}

func newNonceSpace(j *job.Job, wraparound bool) (*nonceSpace, error) {
	header, err := j.Header(0)
	if err != nil {
		return nil, fmt.Errorf("building header for job %s: %w", j.ID, err)
	}
	return &nonceSpace{job: j, wraparound: wraparound, header: header}, nil
}

// next returns the next range of up to size nonces. ok is false once the
// space is exhausted.
func (n *nonceSpace) next(size uint64) (Range, job.Header, bool) {
	if n.done || size == 0 {
		return Range{}, job.Header{}, false
	}

	if n.cursor >= NonceSpaceSize {
		if !n.wraparound || n.en2 >= n.job.MaxExtranonce2() {
			n.done = true
			return Range{}, job.Header{}, false
		}
		header, err := n.job.Header(n.en2 + 1)
		if err != nil {
			n.done = true
			return Range{}, job.Header{}, false
		}
		n.en2++
		n.cursor = 0
		n.header = header
	}

	end := min(n.cursor+size, NonceSpaceSize)
	r := Range{Extranonce2: n.en2, Start: n.cursor, End: end}
	n.cursor = end
	return r, n.header, true
}

// exhausted reports whether no further range can be issued.
func (n *nonceSpace) exhausted() bool {
	if n.done {
		return true
	}
	return n.cursor >= NonceSpaceSize && (!n.wraparound || n.en2 >= n.job.MaxExtranonce2())
}
