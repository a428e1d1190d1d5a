package kernel

import (
	"context"
	"time"

	"github.com/bardlex/gominer/internal/verify"
)

// Mining is the straightforward single-threaded kernel.
type Mining struct {
	hasher verify.Hasher
}

func (m *Mining) Name() string { return "mining" }

func (m *Mining) Search(ctx context.Context, w Work) (Result, error) {
	start := time.Now()
	var res Result
	hashes, err := scan(ctx, m.hasher, w, w.Start, w.End, &res.Candidates)
	res.Hashes = hashes
	res.Elapsed = time.Since(start)
	return res, err
}
