package notify

import (
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bardlex/gominer/internal/events"
	"github.com/bardlex/gominer/internal/share"
	"github.com/bardlex/gominer/pkg/clock"
	"github.com/bardlex/gominer/pkg/log"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []string
	fail bool
}

func (f *fakeSender) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, stderrors.New("429 too many requests")
	}
	f.sent = append(f.sent, data.Content)
	return &discordgo.Message{ChannelID: channelID, Content: data.Content}, nil
}

func (f *fakeSender) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func TestFormat(t *testing.T) {
	tests := []struct {
		name string
		ev   events.Event
		want string
	}{
		{"fatal stop", events.EngineStopped{Reason: "auth failed", Fatal: true}, "mining halted (fatal): auth failed"},
		{"clean stop", events.EngineStopped{Reason: "shutdown"}, "mining stopped: shutdown"},
		{"connection lost", events.ConnectionChanged{From: "connected", To: "reconnecting", Pool: "pool:3333"}, "lost connection to pool:3333, reconnecting"},
		{"connection back", events.ConnectionChanged{From: "reconnecting", To: "connected", Pool: "pool:3333"}, "reconnected to pool:3333"},
		{"excluded", events.DeviceHealthChanged{DeviceID: 2, From: "degraded", To: "excluded", Reason: "compute failed"}, "device 2 excluded: compute failed"},
		{"readmitted", events.DeviceHealthChanged{DeviceID: 2, From: "excluded", To: "healthy"}, "device 2 back in service (healthy)"},
		{"rejections", events.RejectionRateExceeded{Rate: 0.125, Threshold: 0.1}, "pool rejection rate 12.5% is above 10.0%"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Format(tt.ev)
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatIgnoresRoutineEvents(t *testing.T) {
	quiet := []events.Event{
		events.JobReceived{JobID: "4f"},
		events.UnitCompleted{DeviceID: 1},
		events.ConnectionChanged{From: "disconnected", To: "connecting"},
		events.DeviceHealthChanged{DeviceID: 1, From: "healthy", To: "degraded"},
		events.ShareResolved{Share: share.Share{State: share.Accepted}},
		events.ShareResolved{Share: share.Share{State: share.Rejected, Block: true}},
	}
	for _, ev := range quiet {
		_, ok := Format(ev)
		assert.False(t, ok, "%s should not alert", ev.Kind())
	}

	line, ok := Format(events.ShareResolved{Share: share.Share{State: share.Accepted, Block: true, DeviceID: 1, JobID: "4f"}})
	require.True(t, ok)
	assert.Contains(t, line, "block candidate accepted from device 1")
}

func TestNewRequiresTokenAndChannel(t *testing.T) {
	_, err := New("", "123", "rig1", clock.Real(), log.Discard())
	assert.Error(t, err)
	_, err = New("token", " ", "rig1", clock.Real(), log.Discard())
	assert.Error(t, err)
}

func TestNotifierBatchesAtSendInterval(t *testing.T) {
	clk := clock.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	sender := &fakeSender{}
	n := NewWithSender(sender, "chan", "rig1", clk, log.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)

	n.Publish(events.DeviceHealthChanged{DeviceID: 0, From: "degraded", To: "excluded"})
	n.Publish(events.JobReceived{JobID: "ignored"})
	n.Publish(events.RejectionRateExceeded{Rate: 0.5, Threshold: 0.1})

	require.Eventually(t, func() bool { return clk.Pending() > 0 && len(n.Events()) == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, sender.messages(), "nothing is sent before the tick")

	// The last event may still be in enqueue; give it a moment.
	time.Sleep(20 * time.Millisecond)
	clk.Advance(sendInterval)

	require.Eventually(t, func() bool { return len(sender.messages()) == 1 }, 2*time.Second, 5*time.Millisecond)
	msg := sender.messages()[0]
	lines := strings.Split(msg, "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "**rig1** device 0 excluded", lines[0])
	assert.Equal(t, "**rig1** pool rejection rate 50.0% is above 10.0%", lines[1])
}

func TestNotifierFlushesOnShutdown(t *testing.T) {
	clk := clock.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	sender := &fakeSender{}
	n := NewWithSender(sender, "chan", "", clk, log.Discard())

	n.Publish(events.EngineStopped{Reason: "pool rejected credentials", Fatal: true})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n.Run(ctx)

	assert.Equal(t, []string{"mining halted (fatal): pool rejected credentials"}, sender.messages())
}

func TestNotifierKeepsQueueWhenSendFails(t *testing.T) {
	sender := &fakeSender{fail: true}
	n := NewWithSender(sender, "chan", "", clock.Real(), log.Discard())

	n.enqueue(events.EngineStopped{Reason: "a"})
	n.sendBatch()
	assert.Len(t, n.queue, 1)

	sender.fail = false
	n.sendBatch()
	assert.Empty(t, n.queue)
	assert.Len(t, sender.messages(), 1)
}

func TestNotifierSplitsLongBatches(t *testing.T) {
	sender := &fakeSender{}
	n := NewWithSender(sender, "chan", "", clock.Real(), log.Discard())

	for i := 0; i < 40; i++ {
		n.enqueue(events.EngineStopped{Reason: strings.Repeat("x", 100)})
	}
	n.sendBatch()

	msgs := sender.messages()
	require.Len(t, msgs, 1)
	assert.LessOrEqual(t, len(msgs[0]), maxChars)
	assert.NotEmpty(t, n.queue, "overflow waits for the next tick")
}
