// Package notify posts operator alerts to a Discord channel: fatal stops,
// lost pool connections, excluded devices, rejection spikes and accepted
// block candidates.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/bardlex/gominer/internal/events"
	"github.com/bardlex/gominer/internal/share"
	"github.com/bardlex/gominer/pkg/clock"
	"github.com/bardlex/gominer/pkg/log"
)

const (
	// Discord allows 2000 characters per message.
	maxChars = 1900
	maxQueue = 100
	// 25 messages a minute keeps well under the channel rate limit.
	sendInterval = time.Minute / 25
)

// Sender is the part of discordgo.Session the notifier uses.
type Sender interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Notifier is an events.Sink that turns alert-worthy events into Discord
// messages. Lines are batched and sent at a bounded rate.
type Notifier struct {
	*events.Buffered

	sender  Sender
	channel string
	rig     string
	clock   clock.Clock
	logger  *log.Logger
	closer  func() error

	queue []string
}

// New creates a notifier posting to channelID with a bot token.
func New(token, channelID, rig string, clk clock.Clock, logger *log.Logger) (*Notifier, error) {
	token = strings.TrimSpace(token)
	channelID = strings.TrimSpace(channelID)
	if token == "" || channelID == "" {
		return nil, fmt.Errorf("discord token and channel are required")
	}

	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	dg.Identify.Intents = discordgo.MakeIntent(discordgo.IntentsGuilds)

	n := NewWithSender(dg, channelID, rig, clk, logger)
	n.closer = dg.Close
	return n, nil
}

// NewWithSender creates a notifier over an existing sender.
func NewWithSender(sender Sender, channelID, rig string, clk clock.Clock, logger *log.Logger) *Notifier {
	return &Notifier{
		Buffered: events.NewBuffered(64),
		sender:   sender,
		channel:  channelID,
		rig:      rig,
		clock:    clk,
		logger:   logger.WithComponent("discord"),
	}
}

// Close releases the Discord session.
func (n *Notifier) Close() error {
	if n.closer == nil {
		return nil
	}
	return n.closer()
}

// Run queues alerts and sends them until ctx is done. Whatever is still
// queued on shutdown is sent once, so a fatal stop is not lost.
func (n *Notifier) Run(ctx context.Context) {
	ticker := n.clock.NewTicker(sendInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			n.drain()
			if len(n.queue) > 0 {
				n.sendBatch()
			}
			return
		case ev := <-n.Events():
			n.enqueue(ev)
		case <-ticker.C():
			n.sendBatch()
		}
	}
}

func (n *Notifier) drain() {
	for {
		select {
		case ev := <-n.Events():
			n.enqueue(ev)
		default:
			return
		}
	}
}

func (n *Notifier) enqueue(ev events.Event) {
	line, ok := Format(ev)
	if !ok {
		return
	}
	if n.rig != "" {
		line = "**" + n.rig + "** " + line
	}
	if len(n.queue) >= maxQueue {
		// Drop oldest to keep memory bounded.
		n.queue = n.queue[1:]
	}
	n.queue = append(n.queue, line)
}

func (n *Notifier) sendBatch() {
	if len(n.queue) == 0 {
		return
	}

	used := 0
	msg := ""
	for _, line := range n.queue {
		if len(line) > maxChars {
			line = line[:maxChars]
		}
		candidate := line
		if msg != "" {
			candidate = msg + "\n" + line
		}
		if len(candidate) > maxChars {
			break
		}
		msg = candidate
		used++
	}

	_, err := n.sender.ChannelMessageSendComplex(n.channel, &discordgo.MessageSend{
		Content:         msg,
		AllowedMentions: &discordgo.MessageAllowedMentions{},
	})
	if err != nil {
		n.logger.WithError(err).Warn("discord notify send failed", "queued", len(n.queue))
		return
	}
	n.queue = n.queue[used:]
}

// Format renders the alert line for ev. Events that do not warrant an
// alert report false.
func Format(ev events.Event) (string, bool) {
	switch e := ev.(type) {
	case events.EngineStopped:
		if e.Fatal {
			return "mining halted (fatal): " + e.Reason, true
		}
		return "mining stopped: " + e.Reason, true

	case events.ConnectionChanged:
		switch {
		case e.From == "connected" && e.To == "reconnecting":
			return fmt.Sprintf("lost connection to %s, reconnecting", e.Pool), true
		case e.From == "reconnecting" && e.To == "connected":
			return fmt.Sprintf("reconnected to %s", e.Pool), true
		}

	case events.DeviceHealthChanged:
		switch {
		case e.To == "excluded":
			if e.Reason != "" {
				return fmt.Sprintf("device %d excluded: %s", e.DeviceID, e.Reason), true
			}
			return fmt.Sprintf("device %d excluded", e.DeviceID), true
		case e.From == "excluded":
			return fmt.Sprintf("device %d back in service (%s)", e.DeviceID, e.To), true
		}

	case events.RejectionRateExceeded:
		return fmt.Sprintf("pool rejection rate %.1f%% is above %.1f%%", e.Rate*100, e.Threshold*100), true

	case events.ShareResolved:
		if e.Share.Block && e.Share.State == share.Accepted {
			return fmt.Sprintf("block candidate accepted from device %d (job %s, hash %s)",
				e.Share.DeviceID, e.Share.JobID, e.Share.Digest), true
		}
	}
	return "", false
}
