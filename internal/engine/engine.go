// Package engine is the mining coordinator. One goroutine owns the current
// job, the scheduler and the device registry; the pool session, the device
// workers and the statistics engine talk to it over channels.
package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/gominer/internal/events"
	"github.com/bardlex/gominer/internal/health"
	"github.com/bardlex/gominer/internal/job"
	"github.com/bardlex/gominer/internal/kernel"
	"github.com/bardlex/gominer/internal/scheduler"
	"github.com/bardlex/gominer/internal/share"
	"github.com/bardlex/gominer/internal/stats"
	"github.com/bardlex/gominer/internal/stratum"
	"github.com/bardlex/gominer/internal/verify"
	"github.com/bardlex/gominer/pkg/clock"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
)

// Pool is the engine's view of the protocol session.
type Pool interface {
	// Run keeps the pool connected until ctx is done or a fatal failure.
	Run(ctx context.Context) error
	Updates() <-chan stratum.Update
	Submit(sh share.Share) (share.Share, error)
	InvalidatePending(current string) []share.Share
	ExpireSubmissions(now time.Time) []share.Share
}

// Config is the engine's slice of the miner configuration.
type Config struct {
	// Pool labels connection events.
	Pool          string
	Devices       []int
	Intensity     map[int]int
	KernelVariant string
	KernelThreads int
	UnitTimeout   time.Duration
	HealthTick    time.Duration

	Scheduler scheduler.Config
	Health    health.Config
	Stats     stats.Config

	// NewKernel builds the kernel for one device. Nil selects the
	// configured CPU variant.
	NewKernel func(deviceID int) (kernel.Kernel, error)
}

var errNotRunning = errors.New(errors.ErrorTypeInternal, "control", "engine is not running")

type commandKind int

const (
	cmdStart commandKind = iota
	cmdStop
	cmdSetIntensity
	cmdProbe
)

type command struct {
	kind     commandKind
	deviceID int
	value    int
	reply    chan error
}

// Engine wires the pool session, scheduler, workers, health manager and
// statistics together.
type Engine struct {
	cfg    Config
	pool   Pool
	sinks  []events.Sink
	clock  clock.Clock
	logger *log.Logger

	sched   *scheduler.Scheduler
	health  *health.Manager
	stats   *stats.Engine
	workers map[int]*scheduler.Worker

	reports chan scheduler.Report
	control chan command
	done    chan struct{}
	started atomic.Bool

	// Owned by the Run goroutine.
	connected bool
	running   bool
}

// New builds an engine. sinks receive every event after the statistics
// engine does and must not block.
func New(cfg Config, pool Pool, sinks []events.Sink, clk clock.Clock, logger *log.Logger) (*Engine, error) {
	if clk == nil {
		clk = clock.Real()
	}
	if len(cfg.Devices) == 0 {
		return nil, errors.New(errors.ErrorTypeValidation, "engine", "no devices configured")
	}
	if cfg.HealthTick <= 0 {
		cfg.HealthTick = 5 * time.Second
	}

	e := &Engine{
		cfg:     cfg,
		pool:    pool,
		sinks:   sinks,
		clock:   clk,
		logger:  logger.WithComponent("engine"),
		sched:   scheduler.New(cfg.Scheduler, clk, logger),
		health:  health.NewManager(cfg.Health, cfg.Devices, clk, logger),
		workers: make(map[int]*scheduler.Worker, len(cfg.Devices)),
		reports: make(chan scheduler.Report, len(cfg.Devices)),
		control: make(chan command),
		done:    make(chan struct{}),
		running: true,
	}

	statsCfg := cfg.Stats
	statsCfg.Devices = cfg.Devices
	e.stats = stats.NewEngine(statsCfg, clk, logger)

	verifier := verify.New(verify.HasherFor(cfg.KernelVariant))
	for _, id := range cfg.Devices {
		k, err := e.kernelFor(id)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeValidation, "engine", "cannot build kernel").
				WithContext("device_id", id)
		}
		intensity, ok := cfg.Intensity[id]
		if !ok {
			return nil, errors.New(errors.ErrorTypeValidation, "engine", "device has no intensity").
				WithContext("device_id", id)
		}
		e.sched.AddDevice(id, intensity)
		e.workers[id] = scheduler.NewWorker(id, k, verifier, cfg.UnitTimeout, e.reports, logger)
	}

	return e, nil
}

func (e *Engine) kernelFor(id int) (kernel.Kernel, error) {
	if e.cfg.NewKernel != nil {
		return e.cfg.NewKernel(id)
	}
	return kernel.New(e.cfg.KernelVariant, e.cfg.KernelThreads)
}

// Snapshot returns the latest statistics without blocking the engine.
func (e *Engine) Snapshot() *stats.Snapshot {
	return e.stats.Snapshot()
}

// Devices returns the device list as of the latest snapshot.
func (e *Engine) Devices() []stats.DeviceStats {
	return e.stats.Snapshot().Devices
}

// Start resumes dispatch after Stop.
func (e *Engine) Start(ctx context.Context) error {
	return e.do(ctx, command{kind: cmdStart})
}

// Stop cancels in-flight units and pauses dispatch. The pool session stays
// up so outstanding shares still get their verdicts.
func (e *Engine) Stop(ctx context.Context) error {
	return e.do(ctx, command{kind: cmdStop})
}

// SetIntensity retunes a device for units issued from now on.
func (e *Engine) SetIntensity(ctx context.Context, deviceID, value int) error {
	return e.do(ctx, command{kind: cmdSetIntensity, deviceID: deviceID, value: value})
}

// Probe readmits an excluded device immediately.
func (e *Engine) Probe(ctx context.Context, deviceID int) error {
	return e.do(ctx, command{kind: cmdProbe, deviceID: deviceID})
}

func (e *Engine) do(ctx context.Context, cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case e.control <- cmd:
	case <-e.done:
		return errNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run mines until ctx is cancelled (returning nil) or the pool session
// fails fatally (returning that error). It waits for every goroutine it
// started before returning.
func (e *Engine) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return errors.New(errors.ErrorTypeInternal, "run", "engine already started")
	}
	defer close(e.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.stats.Run(ctx)
	}()
	for _, w := range e.workers {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}
	poolErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		poolErr <- e.pool.Run(ctx)
	}()

	for _, id := range e.sched.Devices() {
		intensity, _ := e.sched.Intensity(id)
		e.publish(events.IntensityChanged{Base: e.base(), DeviceID: id, Intensity: intensity})
	}
	e.sched.SetPaused(true)

	e.logger.Info("engine started",
		"devices", len(e.cfg.Devices),
		"kernel", e.cfg.KernelVariant,
		"pool", e.cfg.Pool)

	tick := e.clock.NewTicker(e.cfg.HealthTick)
	err := e.loop(ctx, tick, poolErr)
	tick.Stop()

	reason := "shutdown"
	if err != nil {
		reason = err.Error()
	}
	e.publish(events.EngineStopped{Base: e.base(), Reason: reason, Fatal: err != nil})
	e.logger.Info("engine stopped", "reason", reason)

	cancel()
	wg.Wait()
	return err
}

func (e *Engine) loop(ctx context.Context, tick clock.Ticker, poolErr <-chan error) error {
	updates := e.pool.Updates()
	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-poolErr:
			if ctx.Err() != nil {
				return nil
			}
			if err == nil {
				err = errors.New(errors.ErrorTypeConnection, "run", "pool session ended")
			}
			e.drainUpdates(updates)
			e.halt(err)
			return err

		case u := <-updates:
			e.onUpdate(u)

		case r := <-e.reports:
			e.onReport(r)

		case cmd := <-e.control:
			cmd.reply <- e.onCommand(cmd)

		case <-tick.C():
			e.onTick(e.clock.Now())
		}
	}
}

func (e *Engine) drainUpdates(updates <-chan stratum.Update) {
	for {
		select {
		case u := <-updates:
			e.onUpdate(u)
		default:
			return
		}
	}
}

// halt stops all dispatch after a fatal pool failure.
func (e *Engine) halt(err error) {
	e.connected = false
	e.sched.SetPaused(true)
	e.cancel(e.sched.CancelActive())

	if errors.IsFatal(err) {
		e.logger.WithError(err).Error("pool rejected credentials, mining halted")
		return
	}
	e.logger.WithError(err).Error("pool unreachable, mining halted")
}

func (e *Engine) base() events.Base {
	return events.Base{At: e.clock.Now()}
}

func (e *Engine) publish(ev events.Event) {
	e.stats.Observe(ev)
	for _, s := range e.sinks {
		s.Publish(ev)
	}
}

func (e *Engine) assign(units ...*scheduler.WorkUnit) {
	for _, u := range units {
		e.workers[u.DeviceID].Assign(u)
	}
}

// cancel stops units the scheduler already dropped. Probes that die this
// way are retried on the next tick.
func (e *Engine) cancel(units []*scheduler.WorkUnit) {
	for _, u := range units {
		e.workers[u.DeviceID].Cancel(u.ID)
		if u.Probe {
			e.health.ProbeAborted(u.DeviceID)
		}
	}
}

func (e *Engine) updateDispatch() {
	paused := !e.connected || !e.running
	if paused == e.sched.Paused() {
		return
	}
	e.sched.SetPaused(paused)
	if !paused {
		e.assign(e.sched.DispatchIdle()...)
	}
}

func (e *Engine) onUpdate(u stratum.Update) {
	switch u := u.(type) {
	case stratum.StateUpdate:
		e.onState(u)
	case stratum.JobUpdate:
		e.onJob(u.Job)
	case stratum.VerdictUpdate:
		e.resolved(u.Share)
	}
}

func (e *Engine) onState(u stratum.StateUpdate) {
	e.publish(events.ConnectionChanged{
		Base: e.base(),
		From: u.From.String(),
		To:   u.To.String(),
		Pool: e.cfg.Pool,
	})

	if u.Err != nil && u.To == stratum.Reconnecting {
		e.logger.WithError(u.Err).Warn("pool connection lost",
			"action", health.Classify(u.Err).String())
	}

	wasConnected := e.connected
	e.connected = u.To == stratum.Connected
	if wasConnected && !e.connected {
		e.dropSession()
	}
	e.updateDispatch()
}

// dropSession discards everything tied to the lost connection: the job
// (its extranonce1 and id mean nothing to the next session), the units cut
// from it and the submissions still awaiting a verdict.
func (e *Engine) dropSession() {
	e.cancel(e.sched.DropJob())
	for _, sh := range e.pool.InvalidatePending("") {
		e.resolved(sh)
	}
}

func (e *Engine) onJob(j *job.Job) {
	logger := e.logger.WithJob(j.ID, j.CleanJobs)

	if j.CleanJobs {
		for _, sh := range e.pool.InvalidatePending(j.ID) {
			e.resolved(sh)
		}
	}

	issued, cancelled, err := e.sched.OnNewJob(j)
	if err != nil {
		logger.WithError(err).Warn("cannot schedule job")
		return
	}

	for _, u := range cancelled {
		e.workers[u.DeviceID].Cancel(u.ID)
		if u.Probe {
			e.reprobe(u.DeviceID)
		}
	}
	e.assign(issued...)

	e.publish(events.JobReceived{
		Base:       e.base(),
		JobID:      j.ID,
		CleanJobs:  j.CleanJobs,
		Difficulty: j.Difficulty,
	})
}

func (e *Engine) reprobe(id int) {
	if u, ok := e.sched.IssueProbe(id); ok {
		e.logger.WithDevice(id).Info("probing excluded device", "unit_id", u.ID)
		e.assign(u)
		return
	}
	e.health.ProbeAborted(id)
}

func (e *Engine) resolved(sh share.Share) {
	e.publish(events.ShareResolved{Base: e.base(), Share: sh})
	e.logger.LogShareSubmission(sh.ID, sh.JobID, sh.DeviceID, sh.State.String(), sh.Reason)

	if flagged, rate := e.health.ObserveVerdict(sh.State); flagged {
		e.publish(events.RejectionRateExceeded{
			Base:      e.base(),
			Rate:      rate,
			Threshold: e.cfg.Health.RejectionThreshold,
		})
	}
}

func (e *Engine) onReport(r scheduler.Report) {
	c := e.sched.OnUnitDone(r.DeviceID, r.UnitID, r.Elapsed)

	e.publish(events.UnitCompleted{
		Base:      e.base(),
		DeviceID:  r.DeviceID,
		UnitID:    r.UnitID,
		JobID:     r.JobID,
		Hashes:    r.Hashes,
		Elapsed:   r.Elapsed,
		Failed:    r.Err != nil,
		Cancelled: r.Cancelled,
	})

	faulted := false
	for _, verr := range r.Invalid {
		e.publish(events.CandidateInvalid{
			Base:     e.base(),
			DeviceID: r.DeviceID,
			JobID:    r.JobID,
			Reason:   verr.Error(),
		})
		if c.Known && !faulted && health.Classify(verr) == health.ActionDeviceFault {
			faulted = true
			e.transition(e.health.DeviceFailure(r.DeviceID, verr))
		}
	}

	for _, sh := range r.Shares {
		e.offer(sh)
	}

	// Reports for units the scheduler already dropped (superseded, expired
	// or cancelled) say nothing about the device.
	if c.Known {
		switch {
		case r.Err != nil:
			err := errors.Wrap(r.Err, errors.ErrorTypeDevice, "compute", "work unit failed").
				WithContext("unit_id", r.UnitID)
			e.transition(e.health.DeviceFailure(r.DeviceID, err))
		case r.Cancelled:
			if c.Probe {
				e.health.ProbeAborted(r.DeviceID)
			}
		case faulted:
		case c.Overrun:
			e.transition(e.health.DeviceOverrun(r.DeviceID, c.Slow))
		default:
			e.transition(e.health.DeviceSuccess(r.DeviceID))
		}
	}

	if u, ok := e.sched.OnDeviceReady(r.DeviceID); ok {
		e.assign(u)
	}
}

// offer submits a verified share unless its job was superseded or the pool
// is unreachable, in which case it is discarded.
func (e *Engine) offer(sh *share.Share) {
	logger := e.logger.WithShare(sh.ID, sh.Nonce).WithDevice(sh.DeviceID)

	if !e.sched.IsCurrent(sh.JobID) {
		logger.Debug("discarding share for superseded job", "job_id", sh.JobID)
		e.publish(events.CandidateDiscarded{Base: e.base(), DeviceID: sh.DeviceID, JobID: sh.JobID})
		return
	}

	pending, err := e.pool.Submit(*sh)
	if err != nil {
		logger.WithError(err).Warn("discarding share, submission failed")
		e.publish(events.CandidateDiscarded{Base: e.base(), DeviceID: sh.DeviceID, JobID: sh.JobID})
		return
	}

	e.publish(events.ShareSubmitted{Base: e.base(), Share: pending})
	e.logger.LogShareSubmission(pending.ID, pending.JobID, pending.DeviceID, pending.State.String(), "")
	if pending.Block {
		e.logger.LogBlockCandidate(pending.JobID, pending.Digest.String(), pending.DeviceID)
	}
}

func (e *Engine) transition(t health.Transition) {
	if !t.Changed() {
		return
	}

	e.publish(events.DeviceHealthChanged{
		Base:     e.base(),
		DeviceID: t.DeviceID,
		From:     t.From.String(),
		To:       t.To.String(),
		Reason:   t.Reason,
	})

	switch {
	case t.To == health.Excluded:
		if u := e.sched.SetEligible(t.DeviceID, false); u != nil {
			e.workers[u.DeviceID].Cancel(u.ID)
		}
	case t.From == health.Excluded:
		e.sched.SetEligible(t.DeviceID, true)
		if u, ok := e.sched.OnDeviceReady(t.DeviceID); ok {
			e.assign(u)
		}
	}
}

func (e *Engine) onTick(now time.Time) {
	for _, u := range e.sched.Expired(now) {
		e.workers[u.DeviceID].Cancel(u.ID)
		err := errors.New(errors.ErrorTypeDevice, "compute", "work unit timed out").
			WithContext("unit_id", u.ID).
			WithContext("deadline", u.Deadline)
		e.transition(e.health.DeviceFailure(u.DeviceID, err))
		if next, ok := e.sched.OnDeviceReady(u.DeviceID); ok {
			e.assign(next)
		}
	}

	for _, sh := range e.pool.ExpireSubmissions(now) {
		e.resolved(sh)
	}

	for _, id := range e.health.DueForProbe() {
		e.reprobe(id)
	}
}

func (e *Engine) onCommand(cmd command) error {
	switch cmd.kind {
	case cmdStart:
		if !e.running {
			e.logger.Info("dispatch resumed by operator")
		}
		e.running = true
		e.updateDispatch()
		return nil

	case cmdStop:
		if e.running {
			e.logger.Info("dispatch stopped by operator")
		}
		e.running = false
		e.updateDispatch()
		e.cancel(e.sched.CancelActive())
		return nil

	case cmdSetIntensity:
		if err := e.sched.SetIntensity(cmd.deviceID, cmd.value); err != nil {
			return errors.Wrap(err, errors.ErrorTypeValidation, "set_intensity", "intensity rejected").
				WithContext("device_id", cmd.deviceID)
		}
		e.logger.WithDevice(cmd.deviceID).Info("intensity changed", "intensity", cmd.value)
		e.publish(events.IntensityChanged{Base: e.base(), DeviceID: cmd.deviceID, Intensity: cmd.value})
		return nil

	case cmdProbe:
		if _, ok := e.sched.Intensity(cmd.deviceID); !ok {
			return errors.New(errors.ErrorTypeValidation, "probe", "unknown device").
				WithContext("device_id", cmd.deviceID)
		}
		e.transition(e.health.Readmit(cmd.deviceID))
		return nil

	default:
		return errors.New(errors.ErrorTypeInternal, "control", "unknown command")
	}
}
