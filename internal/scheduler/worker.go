package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bardlex/gominer/internal/kernel"
	"github.com/bardlex/gominer/internal/share"
	"github.com/bardlex/gominer/internal/verify"
	"github.com/bardlex/gominer/pkg/log"
)

// Report is what a worker sends back after each unit.
type Report struct {
	DeviceID int
	UnitID   uint64
	JobID    string
	Probe    bool
	Hashes   uint64
	Elapsed  time.Duration
	// Shares are candidates that passed host verification.
	Shares []*share.Share
	// Invalid holds verification failures, one per rejected candidate.
	Invalid []error
	// Err is a compute failure: the kernel erred or the unit timed out.
	// Cancellation is not an error.
	Err       error
	Cancelled bool
}

// Worker runs one device's kernel. It computes at most one unit at a time
// and blocks only on the kernel pass.
type Worker struct {
	id       int
	kernel   kernel.Kernel
	verifier *verify.Verifier
	timeout  time.Duration
	reports  chan<- Report
	logger   *log.Logger

	mu      sync.Mutex
	next    *WorkUnit
	running uint64
	cancel  context.CancelFunc
	wake    chan struct{}
}

// NewWorker creates a worker for device id. Reports are sent on reports.
func NewWorker(id int, k kernel.Kernel, v *verify.Verifier, timeout time.Duration, reports chan<- Report, logger *log.Logger) *Worker {
	return &Worker{
		id:       id,
		kernel:   k,
		verifier: v,
		timeout:  timeout,
		reports:  reports,
		logger:   logger.WithComponent("worker").WithDevice(id),
		wake:     make(chan struct{}, 1),
	}
}

// ID is the device id.
func (w *Worker) ID() int { return w.id }

// Assign queues u, replacing any unit that has not started yet.
func (w *Worker) Assign(u *WorkUnit) {
	w.mu.Lock()
	w.next = u
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Cancel stops unit unitID whether it is queued or running.
func (w *Worker) Cancel(unitID uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.next != nil && w.next.ID == unitID {
		w.next = nil
	}
	if w.running == unitID && w.cancel != nil {
		w.cancel()
	}
}

// Run processes units until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.wake:
		}

		for {
			u, uctx, cancel := w.take(ctx)
			if u == nil {
				break
			}
			report := w.compute(ctx, uctx, u)
			cancel()
			select {
			case w.reports <- report:
			case <-ctx.Done():
				return
			}
		}
	}
}

// take dequeues the next unit and registers it as running in the same
// critical section, so a Cancel issued right after take already sees it.
func (w *Worker) take(parent context.Context) (*WorkUnit, context.Context, context.CancelFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()

	u := w.next
	w.next = nil
	if u == nil {
		return nil, nil, nil
	}

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if w.timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, w.timeout)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}
	w.running = u.ID
	w.cancel = cancel
	return u, ctx, cancel
}

func (w *Worker) compute(parent, ctx context.Context, u *WorkUnit) (report Report) {
	report = Report{DeviceID: w.id, UnitID: u.ID, JobID: u.Job.ID, Probe: u.Probe}

	defer func() {
		w.mu.Lock()
		w.running = 0
		w.cancel = nil
		w.mu.Unlock()

		if r := recover(); r != nil {
			w.logger.Error("kernel panic", "unit_id", u.ID, "panic", r)
			report.Err = fmt.Errorf("kernel panic: %v", r)
		}
	}()

	res, err := w.kernel.Search(ctx, kernel.Work{
		UnitID:      u.ID,
		JobID:       u.Job.ID,
		DeviceID:    w.id,
		Extranonce2: u.Extranonce2,
		Header:      u.Header,
		Start:       u.Start,
		End:         u.End,
		Target:      u.Job.ShareTarget,
		Intensity:   u.Intensity,
	})
	report.Hashes = res.Hashes
	report.Elapsed = res.Elapsed

	switch {
	case err == nil:
	case ctx.Err() == context.DeadlineExceeded && parent.Err() == nil:
		report.Err = fmt.Errorf("work unit %d exceeded %s: %w", u.ID, w.timeout, err)
	case ctx.Err() != nil:
		report.Cancelled = true
	default:
		report.Err = err
	}

	for _, c := range res.Candidates {
		s, verr := w.verifier.Verify(u.Job, c)
		if verr != nil {
			report.Invalid = append(report.Invalid, verr)
			continue
		}
		report.Shares = append(report.Shares, s)
	}

	if report.Elapsed > 0 {
		w.logger.LogThroughput("kernel_search", report.Hashes, report.Elapsed)
	}
	return report
}
