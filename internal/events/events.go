// Package events defines the typed records that flow from the coordinator to
// the statistics engine and the optional sinks. Events are values and are
// never mutated after publication.
package events

import (
	"sync/atomic"
	"time"

	"github.com/bardlex/gominer/internal/share"
)

// Event is implemented by every event type.
type Event interface {
	Kind() string
	Time() time.Time
}

// Base carries the timestamp shared by all events.
type Base struct {
	At time.Time
}

func (b Base) Time() time.Time { return b.At }

// JobReceived is published when a new job becomes current.
type JobReceived struct {
	Base
	JobID      string
	CleanJobs  bool
	Difficulty float64
}

func (JobReceived) Kind() string { return "job_received" }

// UnitCompleted is published when a device finishes or abandons a unit.
type UnitCompleted struct {
	Base
	DeviceID int
	UnitID   uint64
	JobID    string
	Hashes   uint64
	Elapsed  time.Duration
	Failed   bool
	// Cancelled units stopped early on a new job or a halt.
	Cancelled bool
}

func (UnitCompleted) Kind() string { return "unit_completed" }

// CandidateInvalid is published when host verification rejects a candidate.
type CandidateInvalid struct {
	Base
	DeviceID int
	JobID    string
	Reason   string
}

func (CandidateInvalid) Kind() string { return "candidate_invalid" }

// CandidateDiscarded is published for verified candidates of a job that was
// superseded before they arrived.
type CandidateDiscarded struct {
	Base
	DeviceID int
	JobID    string
}

func (CandidateDiscarded) Kind() string { return "candidate_discarded" }

// ShareSubmitted is published when a share is sent to the pool.
type ShareSubmitted struct {
	Base
	Share share.Share
}

func (ShareSubmitted) Kind() string { return "share_submitted" }

// ShareResolved is published when a share reaches a terminal state.
type ShareResolved struct {
	Base
	Share share.Share
}

func (ShareResolved) Kind() string { return "share_resolved" }

// ConnectionChanged is published on every pool connection state transition.
type ConnectionChanged struct {
	Base
	From string
	To   string
	Pool string
}

func (ConnectionChanged) Kind() string { return "connection_changed" }

// DeviceHealthChanged is published when a device moves between health states.
type DeviceHealthChanged struct {
	Base
	DeviceID int
	From     string
	To       string
	Reason   string
}

func (DeviceHealthChanged) Kind() string { return "device_health_changed" }

// IntensityChanged is published when an operator retunes a device.
type IntensityChanged struct {
	Base
	DeviceID  int
	Intensity int
}

func (IntensityChanged) Kind() string { return "intensity_changed" }

// RejectionRateExceeded is published when the pool rejection rate crosses
// the configured threshold.
type RejectionRateExceeded struct {
	Base
	Rate      float64
	Threshold float64
}

func (RejectionRateExceeded) Kind() string { return "rejection_rate_exceeded" }

// EngineStopped is published once when the engine halts, with the cause.
type EngineStopped struct {
	Base
	Reason string
	Fatal  bool
}

func (EngineStopped) Kind() string { return "engine_stopped" }

// Sink receives events. Implementations must not block the caller for long.
type Sink interface {
	Publish(e Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Publish(e Event) { f(e) }

// Buffered decouples a slow consumer from the engine. Events that do not
// fit in the buffer are dropped and counted.
type Buffered struct {
	ch      chan Event
	dropped atomic.Uint64
}

// NewBuffered creates a Buffered sink holding up to size events.
func NewBuffered(size int) *Buffered {
	if size < 1 {
		size = 1
	}
	return &Buffered{ch: make(chan Event, size)}
}

// Publish enqueues e without blocking.
func (b *Buffered) Publish(e Event) {
	select {
	case b.ch <- e:
	default:
		b.dropped.Add(1)
	}
}

// Events is drained by the consumer.
func (b *Buffered) Events() <-chan Event { return b.ch }

// Dropped is how many events were lost to a full buffer.
func (b *Buffered) Dropped() uint64 { return b.dropped.Load() }
