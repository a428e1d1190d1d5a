// Package health tracks per-device health and pool rejection rates, and
// classifies errors into the engine's recovery actions.
package health

import (
	"sort"
	"sync"
	"time"

	"github.com/bardlex/gominer/internal/share"
	"github.com/bardlex/gominer/pkg/circuit"
	"github.com/bardlex/gominer/pkg/clock"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
)

// State is a device's health.
type State int

const (
	Healthy State = iota
	Degraded
	Excluded
)

func (s State) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Excluded:
		return "excluded"
	default:
		return "unknown"
	}
}

// Transition is a device health change.
type Transition struct {
	DeviceID int
	From     State
	To       State
	Reason   string
}

// Changed reports whether the state actually moved.
func (t Transition) Changed() bool { return t.From != t.To }

// Config is the device and rejection policy.
type Config struct {
	MaxFailures         int
	ProbeAfter          time.Duration
	RejectionThreshold  float64
	RejectionWindow     int
	RejectionMinSamples int
}

type deviceHealth struct {
	breaker *circuit.Breaker
	slow    bool
	probing bool
}

// Manager owns device health. Each device's state machine is a circuit
// breaker: closed is Healthy (or Degraded after failures), open and
// half-open are Excluded.
type Manager struct {
	cfg    Config
	clock  clock.Clock
	logger *log.Logger

	mu       sync.Mutex
	devices  map[int]*deviceHealth
	verdicts []bool
	next     int
	filled   int
	rejected int
	flagged  bool
}

// NewManager creates a Manager for the given devices.
func NewManager(cfg Config, devices []int, clk clock.Clock, logger *log.Logger) *Manager {
	if clk == nil {
		clk = clock.Real()
	}
	if cfg.MaxFailures < 1 {
		cfg.MaxFailures = 1
	}
	if cfg.RejectionWindow < 1 {
		cfg.RejectionWindow = 1
	}

	m := &Manager{
		cfg:      cfg,
		clock:    clk,
		logger:   logger.WithComponent("health"),
		devices:  make(map[int]*deviceHealth, len(devices)),
		verdicts: make([]bool, cfg.RejectionWindow),
	}
	for _, id := range devices {
		m.devices[id] = &deviceHealth{
			breaker: circuit.New(&circuit.Config{
				MaxFailures:     cfg.MaxFailures,
				SuccessRequired: 1,
				Timeout:         cfg.ProbeAfter,
				Clock:           clk,
			}),
		}
	}
	return m
}

func (m *Manager) stateOf(d *deviceHealth) State {
	stats := d.breaker.GetStats()
	switch {
	case stats.State != circuit.StateClosed:
		return Excluded
	case stats.Failures > 0 || d.slow:
		return Degraded
	default:
		return Healthy
	}
}

// State returns a device's health. Unknown devices report Excluded.
func (m *Manager) State(id int) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return Excluded
	}
	return m.stateOf(d)
}

// States returns every device's health.
func (m *Manager) States() map[int]State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int]State, len(m.devices))
	for id, d := range m.devices {
		out[id] = m.stateOf(d)
	}
	return out
}

func (m *Manager) change(id int, reason string, fn func(d *deviceHealth)) Transition {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[id]
	if !ok {
		return Transition{DeviceID: id, From: Excluded, To: Excluded}
	}
	from := m.stateOf(d)
	fn(d)
	t := Transition{DeviceID: id, From: from, To: m.stateOf(d), Reason: reason}
	if t.Changed() {
		m.logger.WithDevice(id).Warn("device health changed",
			"from", t.From.String(), "to", t.To.String(), "reason", reason)
	}
	return t
}

// DeviceFailure records a compute failure, a timeout or a hash mismatch.
// MaxFailures consecutive failures exclude the device; a failed probe keeps
// it excluded for another ProbeAfter.
func (m *Manager) DeviceFailure(id int, err error) Transition {
	if err == nil {
		err = errors.New(errors.ErrorTypeDevice, "compute", "unspecified device failure")
	}
	return m.change(id, err.Error(), func(d *deviceHealth) {
		d.probing = false
		d.breaker.Record(err)
	})
}

// DeviceSuccess records a clean unit. A successful probe readmits the device.
func (m *Manager) DeviceSuccess(id int) Transition {
	return m.change(id, "unit completed", func(d *deviceHealth) {
		d.probing = false
		d.slow = false
		d.breaker.Record(nil)
	})
}

// DeviceOverrun records a unit that completed past its time budget. It
// counts as a success for failure tracking but never clears the slow mark;
// slow sets it, leaving the device Degraded until a unit finishes on budget.
func (m *Manager) DeviceOverrun(id int, slow bool) Transition {
	reason := "time budget exceeded"
	if slow {
		reason = "time budget exceeded repeatedly"
	}
	return m.change(id, reason, func(d *deviceHealth) {
		d.probing = false
		d.breaker.Record(nil)
		if slow {
			d.slow = true
		}
	})
}

// Exclude forces a device out of rotation.
func (m *Manager) Exclude(id int, reason string) Transition {
	return m.change(id, reason, func(d *deviceHealth) {
		d.probing = false
		d.breaker.Trip()
	})
}

// Readmit returns a device to Healthy immediately (the operator path).
func (m *Manager) Readmit(id int) Transition {
	return m.change(id, "manual readmission", func(d *deviceHealth) {
		d.probing = false
		d.slow = false
		d.breaker.Reset()
	})
}

// DueForProbe returns excluded devices whose ProbeAfter has elapsed. Each is
// returned once per exclusion period; the caller must follow up with
// DeviceSuccess or DeviceFailure.
func (m *Manager) DueForProbe() []int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []int
	for id, d := range m.devices {
		if d.probing || d.breaker.GetState() == circuit.StateClosed {
			continue
		}
		if d.breaker.Allow() {
			d.probing = true
			out = append(out, id)
		}
	}
	sort.Ints(out)
	return out
}

// ProbeAborted clears a probe that ended without a verdict, for example
// because its job was superseded, so the next DueForProbe retries it.
func (m *Manager) ProbeAborted(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.devices[id]; ok {
		d.probing = false
	}
}

// ObserveVerdict feeds a terminal share state into the rejection window.
// Stale shares are ignored. It returns true exactly when the rejection rate
// crosses above the threshold; the flag re-arms once the rate drops back.
func (m *Manager) ObserveVerdict(state share.State) (flagged bool, rate float64) {
	if state != share.Accepted && state != share.Rejected {
		return false, m.RejectionRate()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rejected := state == share.Rejected
	if m.filled == len(m.verdicts) {
		if m.verdicts[m.next] {
			m.rejected--
		}
	} else {
		m.filled++
	}
	m.verdicts[m.next] = rejected
	if rejected {
		m.rejected++
	}
	m.next = (m.next + 1) % len(m.verdicts)

	rate = m.rateLocked()
	over := m.filled >= m.cfg.RejectionMinSamples && rate > m.cfg.RejectionThreshold
	switch {
	case over && !m.flagged:
		m.flagged = true
		m.logger.Warn("share rejection rate above threshold",
			"rate", rate, "threshold", m.cfg.RejectionThreshold, "window", m.filled)
		return true, rate
	case !over:
		m.flagged = false
	}
	return false, rate
}

// RejectionRate is the rejected fraction over the current window.
func (m *Manager) RejectionRate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rateLocked()
}

func (m *Manager) rateLocked() float64 {
	if m.filled == 0 {
		return 0
	}
	return float64(m.rejected) / float64(m.filled)
}
