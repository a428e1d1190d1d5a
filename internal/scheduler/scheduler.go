// Package scheduler partitions each job's nonce space into WorkUnits and
// hands them to devices. A Scheduler is owned by the engine's coordinator
// goroutine and is not safe for concurrent use.
package scheduler

import (
	"fmt"
	"sort"
	"time"

	"github.com/bardlex/gominer/internal/job"
	"github.com/bardlex/gominer/pkg/clock"
	"github.com/bardlex/gominer/pkg/log"
)

// Intensity modes, mirroring the config values.
const (
	ModeRange = "range"
	ModeBatch = "batch"
)

// Config shapes how units are sized and timed.
type Config struct {
	Mode         string
	UnitSize     uint32
	Wraparound   bool
	Budget       time.Duration
	Timeout      time.Duration
	OverrunLimit int
}

// WorkUnit is one device's slice of one job.
type WorkUnit struct {
	ID          uint64
	Job         *job.Job
	DeviceID    int
	Extranonce2 uint64
	Header      job.Header
	Start       uint64
	End         uint64
	Intensity   int
	IssuedAt    time.Time
	Deadline    time.Time
	Probe       bool
}

// JobID is shorthand for u.Job.ID.
func (u *WorkUnit) JobID() string { return u.Job.ID }

// Size is the number of nonces in the unit.
func (u *WorkUnit) Size() uint64 { return u.End - u.Start }

// Range is the unit's nonce range.
func (u *WorkUnit) Range() Range {
	return Range{Extranonce2: u.Extranonce2, Start: u.Start, End: u.End}
}

// Completion describes what finishing a unit meant.
type Completion struct {
	// Known is false for units that were cancelled or expired earlier.
	Known bool
	// Current is true when the unit's job is still the active job.
	Current bool
	// Overrun is set when the unit took longer than the soft budget.
	Overrun bool
	// Slow is set once a device has overrun OverrunLimit units in a row.
	Slow  bool
	Probe bool
}

type device struct {
	id        int
	intensity int
	eligible  bool
	active    *WorkUnit
	overruns  int
}

// Scheduler issues disjoint nonce ranges to devices, round-robin by id.
type Scheduler struct {
	cfg    Config
	clock  clock.Clock
	logger *log.Logger

	devices map[int]*device
	order   []int

	current *job.Job
	space   *nonceSpace
	paused  bool
	nextID  uint64
}

// New creates a Scheduler with no devices.
func New(cfg Config, clk clock.Clock, logger *log.Logger) *Scheduler {
	if clk == nil {
		clk = clock.Real()
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeRange
	}
	return &Scheduler{
		cfg:     cfg,
		clock:   clk,
		logger:  logger.WithComponent("scheduler"),
		devices: make(map[int]*device),
	}
}

// AddDevice registers a device as eligible for work.
func (s *Scheduler) AddDevice(id, intensity int) {
	if _, ok := s.devices[id]; ok {
		return
	}
	s.devices[id] = &device{id: id, intensity: intensity, eligible: true}
	s.order = append(s.order, id)
	sort.Ints(s.order)
}

// SetIntensity changes a device's intensity for units issued from now on.
func (s *Scheduler) SetIntensity(id, intensity int) error {
	d, ok := s.devices[id]
	if !ok {
		return fmt.Errorf("unknown device %d", id)
	}
	if s.cfg.Mode == ModeRange && (intensity < 8 || intensity > 32) {
		return fmt.Errorf("intensity must be between 8 and 32, got %d", intensity)
	}
	if intensity <= 0 {
		return fmt.Errorf("intensity must be positive, got %d", intensity)
	}
	d.intensity = intensity
	return nil
}

// Intensity returns the device's current intensity.
func (s *Scheduler) Intensity(id int) (int, bool) {
	d, ok := s.devices[id]
	if !ok {
		return 0, false
	}
	return d.intensity, true
}

// SetEligible gates whether a device receives regular work. Making a device
// ineligible cancels its active unit, which is returned.
func (s *Scheduler) SetEligible(id int, eligible bool) *WorkUnit {
	d, ok := s.devices[id]
	if !ok {
		return nil
	}
	d.eligible = eligible
	if eligible || d.active == nil {
		return nil
	}
	u := d.active
	d.active = nil
	return u
}

// SetPaused stops (or resumes) dispatch without dropping the current job.
func (s *Scheduler) SetPaused(paused bool) { s.paused = paused }

// Paused reports whether dispatch is stopped.
func (s *Scheduler) Paused() bool { return s.paused }

// CurrentJob is the job new units are cut from, or nil.
func (s *Scheduler) CurrentJob() *job.Job { return s.current }

// IsCurrent reports whether jobID names the active job.
func (s *Scheduler) IsCurrent(jobID string) bool {
	return s.current != nil && s.current.ID == jobID
}

// OnNewJob makes j the active job, cancels every unit of earlier jobs and
// issues a fresh unit to each eligible device in id order.
func (s *Scheduler) OnNewJob(j *job.Job) (issued []*WorkUnit, cancelled []*WorkUnit, err error) {
	space, err := newNonceSpace(j, s.cfg.Wraparound)
	if err != nil {
		return nil, nil, err
	}

	cancelled = s.CancelActive()

	s.current = j
	s.space = space

	issued = s.DispatchIdle()
	s.logger.LogJobDistribution(j.ID, j.CleanJobs, len(issued))
	return issued, cancelled, nil
}

// DropJob forgets the current job and cancels its in-flight units. Nothing
// is issued again until the next OnNewJob, so a job from a lost session is
// never cut into new units.
func (s *Scheduler) DropJob() []*WorkUnit {
	s.current = nil
	s.space = nil
	return s.CancelActive()
}

// CancelActive drops every in-flight unit and returns them.
func (s *Scheduler) CancelActive() []*WorkUnit {
	var out []*WorkUnit
	for _, id := range s.order {
		d := s.devices[id]
		if d.active != nil {
			out = append(out, d.active)
			d.active = nil
		}
	}
	return out
}

// DispatchIdle issues a unit to every eligible idle device.
func (s *Scheduler) DispatchIdle() []*WorkUnit {
	var out []*WorkUnit
	for _, id := range s.order {
		if u, ok := s.OnDeviceReady(id); ok {
			out = append(out, u)
		}
	}
	return out
}

// OnDeviceReady hands the next sub-range of the current job to an idle
// eligible device. It returns false when there is nothing to do.
func (s *Scheduler) OnDeviceReady(id int) (*WorkUnit, bool) {
	d, ok := s.devices[id]
	if !ok || !d.eligible || d.active != nil {
		return nil, false
	}
	return s.issue(d, false)
}

// IssueProbe hands an excluded device a single unit to test recovery.
func (s *Scheduler) IssueProbe(id int) (*WorkUnit, bool) {
	d, ok := s.devices[id]
	if !ok || d.active != nil {
		return nil, false
	}
	return s.issue(d, true)
}

func (s *Scheduler) issue(d *device, probe bool) (*WorkUnit, bool) {
	if s.paused || s.current == nil || s.space == nil {
		return nil, false
	}

	r, header, ok := s.space.next(s.unitSize(d))
	if !ok {
		s.logger.Debug("nonce space exhausted", "job_id", s.current.ID, "device_id", d.id)
		return nil, false
	}

	s.nextID++
	now := s.clock.Now()
	u := &WorkUnit{
		ID:          s.nextID,
		Job:         s.current,
		DeviceID:    d.id,
		Extranonce2: r.Extranonce2,
		Header:      header,
		Start:       r.Start,
		End:         r.End,
		Intensity:   d.intensity,
		IssuedAt:    now,
		Probe:       probe,
	}
	if s.cfg.Timeout > 0 {
		u.Deadline = now.Add(s.cfg.Timeout)
	}
	d.active = u
	return u, true
}

func (s *Scheduler) unitSize(d *device) uint64 {
	if s.cfg.Mode == ModeBatch {
		return uint64(s.cfg.UnitSize)
	}
	return uint64(1) << uint(d.intensity)
}

// OnUnitDone records that a device finished (or abandoned) a unit.
func (s *Scheduler) OnUnitDone(id int, unitID uint64, elapsed time.Duration) Completion {
	d, ok := s.devices[id]
	if !ok || d.active == nil || d.active.ID != unitID {
		return Completion{}
	}

	u := d.active
	d.active = nil

	c := Completion{
		Known:   true,
		Current: s.IsCurrent(u.Job.ID),
		Probe:   u.Probe,
	}

	if s.cfg.Budget > 0 && elapsed > s.cfg.Budget {
		d.overruns++
		c.Overrun = true
		if s.cfg.OverrunLimit > 0 && d.overruns >= s.cfg.OverrunLimit {
			c.Slow = true
			d.overruns = 0
		}
	} else {
		d.overruns = 0
	}
	return c
}

// Expired removes and returns active units whose deadline has passed.
func (s *Scheduler) Expired(now time.Time) []*WorkUnit {
	var out []*WorkUnit
	for _, id := range s.order {
		d := s.devices[id]
		if d.active != nil && !d.active.Deadline.IsZero() && now.After(d.active.Deadline) {
			out = append(out, d.active)
			d.active = nil
		}
	}
	return out
}

// Active returns the device's in-flight unit, if any.
func (s *Scheduler) Active(id int) *WorkUnit {
	if d, ok := s.devices[id]; ok {
		return d.active
	}
	return nil
}

// Exhausted reports whether the current job has no nonces left to issue.
func (s *Scheduler) Exhausted() bool {
	return s.space == nil || s.space.exhausted()
}

// Devices lists registered device ids in order.
func (s *Scheduler) Devices() []int {
	return append([]int(nil), s.order...)
}
