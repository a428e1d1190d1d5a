package health

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bardlex/gominer/internal/share"
	"github.com/bardlex/gominer/internal/verify"
	"github.com/bardlex/gominer/pkg/clock"
	gerrors "github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
)

func newManager(cfg Config, devices ...int) (*Manager, *clock.Manual) {
	manual := clock.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	return NewManager(cfg, devices, manual, log.Discard()), manual
}

func TestDeviceExclusionAfterConsecutiveFailures(t *testing.T) {
	m, _ := newManager(Config{MaxFailures: 3, ProbeAfter: time.Minute}, 0, 1)
	fail := errors.New("kernel fault")

	tr := m.DeviceFailure(0, fail)
	assert.Equal(t, Healthy, tr.From)
	assert.Equal(t, Degraded, tr.To)

	m.DeviceFailure(0, fail)
	tr = m.DeviceFailure(0, fail)
	assert.Equal(t, Excluded, tr.To)
	assert.True(t, tr.Changed())

	assert.Equal(t, Healthy, m.State(1), "other devices are unaffected")
}

func TestSuccessResetsConsecutiveCount(t *testing.T) {
	m, _ := newManager(Config{MaxFailures: 3, ProbeAfter: time.Minute}, 0)
	fail := errors.New("x")

	m.DeviceFailure(0, fail)
	m.DeviceFailure(0, fail)
	tr := m.DeviceSuccess(0)
	assert.Equal(t, Degraded, tr.From)
	assert.Equal(t, Healthy, tr.To)

	m.DeviceFailure(0, fail)
	m.DeviceFailure(0, fail)
	assert.Equal(t, Degraded, m.State(0))
}

func TestTimeBoxedReprobe(t *testing.T) {
	m, manual := newManager(Config{MaxFailures: 1, ProbeAfter: time.Minute}, 0)

	m.DeviceFailure(0, errors.New("x"))
	require.Equal(t, Excluded, m.State(0))

	assert.Empty(t, m.DueForProbe())
	manual.Advance(time.Minute)

	assert.Equal(t, []int{0}, m.DueForProbe())
	assert.Empty(t, m.DueForProbe(), "one probe per exclusion period")
	assert.Equal(t, Excluded, m.State(0), "half-open is still excluded")

	tr := m.DeviceSuccess(0)
	assert.Equal(t, Healthy, tr.To)
}

func TestFailedProbeStaysExcluded(t *testing.T) {
	m, manual := newManager(Config{MaxFailures: 1, ProbeAfter: time.Minute}, 0)
	m.DeviceFailure(0, errors.New("x"))
	manual.Advance(time.Minute)
	require.Equal(t, []int{0}, m.DueForProbe())

	m.DeviceFailure(0, errors.New("still broken"))
	assert.Equal(t, Excluded, m.State(0))
	assert.Empty(t, m.DueForProbe())

	manual.Advance(time.Minute)
	assert.Equal(t, []int{0}, m.DueForProbe())
}

func TestProbeAbortedRearms(t *testing.T) {
	m, manual := newManager(Config{MaxFailures: 1, ProbeAfter: time.Minute}, 0)

	m.DeviceFailure(0, errors.New("x"))
	manual.Advance(time.Minute)
	require.Equal(t, []int{0}, m.DueForProbe())
	require.Empty(t, m.DueForProbe())

	m.ProbeAborted(0)
	assert.Equal(t, []int{0}, m.DueForProbe(), "an aborted probe is retried without waiting again")
	assert.Equal(t, Excluded, m.State(0))
}

func TestManualReadmitAndExclude(t *testing.T) {
	m, _ := newManager(Config{MaxFailures: 3, ProbeAfter: time.Hour}, 0)

	tr := m.Exclude(0, "operator")
	assert.Equal(t, Excluded, tr.To)

	tr = m.Readmit(0)
	assert.Equal(t, Healthy, tr.To)
}

func TestDeviceOverrunDegrades(t *testing.T) {
	m, _ := newManager(Config{MaxFailures: 3}, 0)
	fail := errors.New("x")

	m.DeviceFailure(0, fail)
	m.DeviceFailure(0, fail)
	tr := m.DeviceOverrun(0, false)
	assert.Equal(t, Healthy, tr.To, "an overrun unit still resets the failure streak")

	assert.Equal(t, Degraded, m.DeviceOverrun(0, true).To)
	assert.Equal(t, Degraded, m.DeviceOverrun(0, false).To, "slow mark survives further overruns")
	assert.Equal(t, Healthy, m.DeviceSuccess(0).To)
}

func TestUnknownDevice(t *testing.T) {
	m, _ := newManager(Config{MaxFailures: 3}, 0)
	assert.Equal(t, Excluded, m.State(9))
	assert.False(t, m.DeviceFailure(9, errors.New("x")).Changed())
}

func TestRejectionRateFlag(t *testing.T) {
	m, _ := newManager(Config{RejectionThreshold: 0.25, RejectionWindow: 8, RejectionMinSamples: 4}, 0)

	flagged, _ := m.ObserveVerdict(share.Rejected)
	assert.False(t, flagged, "below minimum samples")
	flagged, _ = m.ObserveVerdict(share.Rejected)
	assert.False(t, flagged)
	flagged, _ = m.ObserveVerdict(share.Stale)
	assert.False(t, flagged, "stale shares are ignored")
	m.ObserveVerdict(share.Accepted)

	flagged, rate := m.ObserveVerdict(share.Accepted)
	assert.True(t, flagged)
	assert.InDelta(t, 0.5, rate, 1e-9)

	flagged, _ = m.ObserveVerdict(share.Rejected)
	assert.False(t, flagged, "flag fires once per crossing")

	for i := 0; i < 8; i++ {
		m.ObserveVerdict(share.Accepted)
	}
	assert.InDelta(t, 0, m.RejectionRate(), 1e-9, "window slides")

	m.ObserveVerdict(share.Rejected)
	m.ObserveVerdict(share.Rejected)
	flagged, _ = m.ObserveVerdict(share.Rejected)
	assert.True(t, flagged, "flag re-arms after recovering")
}

func TestClassify(t *testing.T) {
	mismatch := gerrors.Wrap(verify.ErrHashMismatch, gerrors.ErrorTypeVerification, "verify", "x")

	tests := []struct {
		name string
		err  error
		want Action
	}{
		{"transport drop", gerrors.New(gerrors.ErrorTypeConnection, "read", "eof"), ActionReconnect},
		{"auth rejected", gerrors.New(gerrors.ErrorTypeAuth, "authorize", "denied"), ActionHalt},
		{"auth inside connect", fmt.Errorf("connect: %w", gerrors.Wrap(gerrors.New(gerrors.ErrorTypeAuth, "a", "b"), gerrors.ErrorTypeConnection, "c", "d")), ActionHalt},
		{"malformed job", gerrors.New(gerrors.ErrorTypeProtocol, "notify", "bad"), ActionDrop},
		{"device failure", gerrors.New(gerrors.ErrorTypeDevice, "compute", "bad"), ActionDeviceFault},
		{"hash mismatch", mismatch, ActionDeviceFault},
		{"below target", gerrors.Wrap(verify.ErrBelowTarget, gerrors.ErrorTypeVerification, "verify", "x"), ActionDrop},
		{"plain retryable", errors.New("connection reset by peer"), ActionReconnect},
		{"plain other", errors.New("weird"), ActionDrop},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err), "Classify(%v)", tt.err)
		})
	}
}
