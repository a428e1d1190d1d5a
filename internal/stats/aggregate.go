// Package stats folds engine events into a versioned aggregate and exposes
// immutable snapshots of it.
package stats

import (
	"sort"
	"time"

	"github.com/bardlex/gominer/internal/events"
	"github.com/bardlex/gominer/internal/share"
)

// DeviceStats is one device's row in a snapshot.
type DeviceStats struct {
	ID        int       `json:"id"`
	Health    string    `json:"health"`
	Intensity int       `json:"intensity"`
	Hashrate  float64   `json:"hashrate"`
	Hashes    uint64    `json:"hashes"`
	Units     uint64    `json:"units"`
	Failures  uint64    `json:"failures"`
	Accepted  uint64    `json:"accepted"`
	Rejected  uint64    `json:"rejected"`
	Stale     uint64    `json:"stale"`
	Invalid   uint64    `json:"invalid"`
	LastSeen  time.Time `json:"last_seen"`
}

// Snapshot is a read-only view of the aggregate at one version.
type Snapshot struct {
	Version uint64    `json:"version"`
	At      time.Time `json:"at"`
	Started time.Time `json:"started"`

	// Total counts shares that reached a terminal state. Submitted adds
	// the ones still awaiting a verdict.
	Total          uint64  `json:"total"`
	Submitted      uint64  `json:"submitted"`
	Accepted       uint64  `json:"accepted"`
	Rejected       uint64  `json:"rejected"`
	Stale          uint64  `json:"stale"`
	Pending        uint64  `json:"pending"`
	Invalid        uint64  `json:"invalid"`
	Discarded      uint64  `json:"discarded"`
	AcceptanceRate float64 `json:"acceptance_rate"`

	Hashrate float64       `json:"hashrate"`
	Devices  []DeviceStats `json:"devices"`

	Connection  string        `json:"connection"`
	Connected   time.Duration `json:"connected"`
	UptimeRatio float64       `json:"uptime_ratio"`
	Reconnects  uint64        `json:"reconnects"`

	JobID string `json:"job_id"`
	Jobs  uint64 `json:"jobs"`
}

// Device returns the row for id.
func (s *Snapshot) Device(id int) (DeviceStats, bool) {
	for _, d := range s.Devices {
		if d.ID == id {
			return d, true
		}
	}
	return DeviceStats{}, false
}

// Aggregate is the mutable statistics state. It is only touched by the
// goroutine that applies events.
type Aggregate struct {
	alpha   float64
	version uint64
	started time.Time

	accepted, rejected, stale, pending uint64
	invalid, discarded                 uint64

	devices map[int]*DeviceStats

	connection     string
	connectedSince time.Time
	connectedTotal time.Duration
	reconnects     uint64
	everConnected  bool

	jobID string
	jobs  uint64
}

// NewAggregate creates an empty aggregate. alpha is the EWMA smoothing factor
// applied to each completed unit's throughput.
func NewAggregate(alpha float64, started time.Time, devices []int) *Aggregate {
	a := &Aggregate{
		alpha:      alpha,
		started:    started,
		devices:    make(map[int]*DeviceStats, len(devices)),
		connection: "disconnected",
	}
	for _, id := range devices {
		a.devices[id] = &DeviceStats{ID: id, Health: "healthy"}
	}
	return a
}

func (a *Aggregate) device(id int) *DeviceStats {
	d, ok := a.devices[id]
	if !ok {
		d = &DeviceStats{ID: id, Health: "healthy"}
		a.devices[id] = d
	}
	return d
}

// Apply folds one event into the aggregate and bumps the version.
func (a *Aggregate) Apply(e events.Event) {
	switch ev := e.(type) {
	case events.JobReceived:
		a.jobID = ev.JobID
		a.jobs++

	case events.UnitCompleted:
		d := a.device(ev.DeviceID)
		d.Hashes += ev.Hashes
		d.Units++
		d.LastSeen = ev.At
		if ev.Failed {
			d.Failures++
		}
		// Partial or failed passes do not reflect the device's steady rate.
		if !ev.Failed && !ev.Cancelled && ev.Elapsed > 0 && ev.Hashes > 0 {
			rate := float64(ev.Hashes) / ev.Elapsed.Seconds()
			if d.Hashrate == 0 {
				d.Hashrate = rate
			} else {
				d.Hashrate = a.alpha*rate + (1-a.alpha)*d.Hashrate
			}
		}

	case events.CandidateInvalid:
		a.invalid++
		a.device(ev.DeviceID).Invalid++

	case events.CandidateDiscarded:
		a.discarded++

	case events.ShareSubmitted:
		a.pending++

	case events.ShareResolved:
		if a.pending > 0 {
			a.pending--
		}
		d := a.device(ev.Share.DeviceID)
		switch ev.Share.State {
		case share.Accepted:
			a.accepted++
			d.Accepted++
		case share.Rejected:
			a.rejected++
			d.Rejected++
		case share.Stale:
			a.stale++
			d.Stale++
		}

	case events.ConnectionChanged:
		if a.connection == "connected" && ev.To != "connected" && !a.connectedSince.IsZero() {
			a.connectedTotal += ev.At.Sub(a.connectedSince)
			a.connectedSince = time.Time{}
		}
		if ev.To == "connected" {
			if a.everConnected {
				a.reconnects++
			}
			a.everConnected = true
			a.connectedSince = ev.At
		}
		a.connection = ev.To

	case events.DeviceHealthChanged:
		a.device(ev.DeviceID).Health = ev.To

	case events.IntensityChanged:
		a.device(ev.DeviceID).Intensity = ev.Intensity

	default:
		return
	}
	a.version++
}

// Snapshot copies the aggregate into an immutable Snapshot as of now.
func (a *Aggregate) Snapshot(now time.Time) *Snapshot {
	s := &Snapshot{
		Version:    a.version,
		At:         now,
		Started:    a.started,
		Accepted:   a.accepted,
		Rejected:   a.rejected,
		Stale:      a.stale,
		Pending:    a.pending,
		Invalid:    a.invalid,
		Discarded:  a.discarded,
		Total:      a.accepted + a.rejected + a.stale,
		Submitted:  a.accepted + a.rejected + a.stale + a.pending,
		Connection: a.connection,
		Reconnects: a.reconnects,
		JobID:      a.jobID,
		Jobs:       a.jobs,
		Devices:    make([]DeviceStats, 0, len(a.devices)),
	}

	if decided := a.accepted + a.rejected; decided > 0 {
		s.AcceptanceRate = float64(a.accepted) / float64(decided)
	}

	connected := a.connectedTotal
	if !a.connectedSince.IsZero() {
		connected += now.Sub(a.connectedSince)
	}
	s.Connected = connected
	if elapsed := now.Sub(a.started); elapsed > 0 {
		s.UptimeRatio = min(1, float64(connected)/float64(elapsed))
	}

	for _, d := range a.devices {
		s.Devices = append(s.Devices, *d)
		s.Hashrate += d.Hashrate
	}
	sort.Slice(s.Devices, func(i, j int) bool { return s.Devices[i].ID < s.Devices[j].ID })
	return s
}
