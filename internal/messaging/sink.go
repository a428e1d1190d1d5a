package messaging

import (
	"context"
	"strconv"
	"sync"

	"github.com/bytedance/sonic"
	"google.golang.org/protobuf/proto"

	"github.com/bardlex/gominer/internal/events"
	"github.com/bardlex/gominer/internal/stats"
	"github.com/bardlex/gominer/pkg/log"
)

// Publisher is the part of KafkaClient the sink uses.
type Publisher interface {
	PublishProto(ctx context.Context, topic, key string, msg proto.Message) error
	PublishJSON(ctx context.Context, topic, key string, data []byte) error
}

// EventSink forwards engine events and statistics snapshots to Kafka from
// its own goroutine. Publish and PublishSnapshot never block.
type EventSink struct {
	*events.Buffered

	client Publisher
	prefix string
	rig    string
	logger *log.Logger

	mu       sync.Mutex
	latest   *stats.Snapshot
	snapshot chan struct{}
}

// NewEventSink creates a sink buffering up to buffer events.
func NewEventSink(client Publisher, prefix, rig string, buffer int, logger *log.Logger) *EventSink {
	return &EventSink{
		Buffered: events.NewBuffered(buffer),
		client:   client,
		prefix:   prefix,
		rig:      rig,
		logger:   logger.WithComponent("kafka_sink"),
		snapshot: make(chan struct{}, 1),
	}
}

// PublishSnapshot queues s, replacing any snapshot not yet sent.
func (s *EventSink) PublishSnapshot(snap *stats.Snapshot) {
	s.mu.Lock()
	s.latest = snap
	s.mu.Unlock()

	select {
	case s.snapshot <- struct{}{}:
	default:
	}
}

// Run publishes until ctx is done.
func (s *EventSink) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			if n := s.Dropped(); n > 0 {
				s.logger.Warn("kafka sink dropped events", "dropped", n)
			}
			return
		case ev := <-s.Events():
			s.sendEvent(ctx, ev)
		case <-s.snapshot:
			s.sendSnapshot(ctx)
		}
	}
}

func (s *EventSink) sendEvent(ctx context.Context, ev events.Event) {
	msg, err := EncodeEvent(ev, s.rig)
	if err != nil {
		s.logger.WithError(err).Debug("skipping event", "kind", ev.Kind())
		return
	}

	topic := Topic(s.prefix, TopicFor(ev.Kind()))
	if err := s.client.PublishProto(ctx, topic, s.key(ev), msg); err != nil && ctx.Err() == nil {
		s.logger.WithError(err).Warn("failed to publish event", "kind", ev.Kind(), "topic", topic)
	}
}

func (s *EventSink) sendSnapshot(ctx context.Context) {
	s.mu.Lock()
	snap := s.latest
	s.latest = nil
	s.mu.Unlock()
	if snap == nil {
		return
	}

	data, err := sonic.Marshal(snap)
	if err != nil {
		s.logger.WithError(err).Error("failed to encode snapshot")
		return
	}

	topic := Topic(s.prefix, TopicStats)
	if err := s.client.PublishJSON(ctx, topic, s.rig, data); err != nil && ctx.Err() == nil {
		s.logger.WithError(err).Warn("failed to publish snapshot", "version", snap.Version)
	}
}

// key keeps one device's events in one partition.
func (s *EventSink) key(ev events.Event) string {
	switch e := ev.(type) {
	case events.UnitCompleted:
		return s.rig + "/" + strconv.Itoa(e.DeviceID)
	case events.DeviceHealthChanged:
		return s.rig + "/" + strconv.Itoa(e.DeviceID)
	case events.IntensityChanged:
		return s.rig + "/" + strconv.Itoa(e.DeviceID)
	case events.ShareSubmitted:
		return s.rig + "/" + strconv.Itoa(e.Share.DeviceID)
	case events.ShareResolved:
		return s.rig + "/" + strconv.Itoa(e.Share.DeviceID)
	default:
		return s.rig
	}
}
