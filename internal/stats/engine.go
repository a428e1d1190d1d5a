package stats

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hako/durafmt"

	"github.com/bardlex/gominer/internal/events"
	"github.com/bardlex/gominer/pkg/clock"
	"github.com/bardlex/gominer/pkg/log"
)

// Config for the statistics engine.
type Config struct {
	Alpha        float64
	Devices      []int
	PublishEvery time.Duration
	ReportEvery  time.Duration
	OnSnapshot   func(*Snapshot)
}

// Engine applies events on its own goroutine. Observe never blocks and
// Snapshot never waits on the applier.
type Engine struct {
	cfg    Config
	clock  clock.Clock
	logger *log.Logger

	agg  *Aggregate
	snap atomic.Pointer[Snapshot]

	mu      sync.Mutex
	queue   []events.Event
	pending chan struct{}
	applied atomic.Uint64
	queued  atomic.Uint64
}

// NewEngine creates a statistics engine. Call Run to start applying events.
func NewEngine(cfg Config, clk clock.Clock, logger *log.Logger) *Engine {
	if clk == nil {
		clk = clock.Real()
	}
	if cfg.Alpha <= 0 || cfg.Alpha > 1 {
		cfg.Alpha = 0.2
	}
	e := &Engine{
		cfg:     cfg,
		clock:   clk,
		logger:  logger.WithComponent("stats"),
		agg:     NewAggregate(cfg.Alpha, clk.Now(), cfg.Devices),
		pending: make(chan struct{}, 1),
	}
	e.snap.Store(e.agg.Snapshot(clk.Now()))
	return e
}

// Observe queues an event for application.
func (e *Engine) Observe(ev events.Event) {
	e.mu.Lock()
	e.queue = append(e.queue, ev)
	e.mu.Unlock()
	e.queued.Add(1)

	select {
	case e.pending <- struct{}{}:
	default:
	}
}

// Publish makes Engine an events.Sink.
func (e *Engine) Publish(ev events.Event) { e.Observe(ev) }

// Snapshot returns the latest committed snapshot.
func (e *Engine) Snapshot() *Snapshot {
	return e.snap.Load()
}

// Caught reports whether every observed event has been applied.
func (e *Engine) Caught() bool {
	return e.applied.Load() == e.queued.Load()
}

// Run applies events until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	var publish, report <-chan time.Time
	if e.cfg.PublishEvery > 0 {
		t := e.clock.NewTicker(e.cfg.PublishEvery)
		defer t.Stop()
		publish = t.C()
	}
	if e.cfg.ReportEvery > 0 {
		t := e.clock.NewTicker(e.cfg.ReportEvery)
		defer t.Stop()
		report = t.C()
	}

	for {
		select {
		case <-ctx.Done():
			e.drain()
			return
		case <-e.pending:
			e.drain()
		case <-publish:
			s := e.refresh()
			if e.cfg.OnSnapshot != nil {
				e.cfg.OnSnapshot(s)
			}
		case <-report:
			e.report(e.refresh())
		}
	}
}

func (e *Engine) drain() {
	e.mu.Lock()
	batch := e.queue
	e.queue = nil
	e.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	for _, ev := range batch {
		e.agg.Apply(ev)
	}
	e.refresh()
	e.applied.Add(uint64(len(batch)))
}

func (e *Engine) refresh() *Snapshot {
	s := e.agg.Snapshot(e.clock.Now())
	e.snap.Store(s)
	return s
}

func (e *Engine) report(s *Snapshot) {
	e.logger.Info("mining statistics",
		"hashrate", FormatHashrate(s.Hashrate),
		"accepted", s.Accepted,
		"rejected", s.Rejected,
		"stale", s.Stale,
		"pending", s.Pending,
		"acceptance_rate", s.AcceptanceRate,
		"connection", s.Connection,
		"uptime", durafmt.Parse(s.At.Sub(s.Started)).LimitFirstN(2).String(),
		"uptime_ratio", s.UptimeRatio,
	)
}
