// Package control receives operator intents over a ZMQ SUB socket and
// applies them to the engine.
package control

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	zmq "github.com/pebbe/zmq4"

	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
)

// Topic is the ZMQ subscription prefix for control messages.
const Topic = "control"

// Actions accepted in an intent.
const (
	ActionStart        = "start"
	ActionStop         = "stop"
	ActionSetIntensity = "set_intensity"
	ActionProbe        = "probe"
)

const (
	pollInterval = 250 * time.Millisecond
	applyTimeout = 5 * time.Second
)

// Intent is one operator command, sent as the JSON body of a
// [topic, body] multipart message.
type Intent struct {
	Action   string `json:"action"`
	DeviceID *int   `json:"device_id,omitempty"`
	Value    int    `json:"value,omitempty"`
}

// Target is what intents act on. *engine.Engine implements it.
type Target interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	SetIntensity(ctx context.Context, deviceID, value int) error
	Probe(ctx context.Context, deviceID int) error
}

// ParseIntent decodes and validates an intent body.
func ParseIntent(data []byte) (Intent, error) {
	var in Intent
	if err := sonic.Unmarshal(data, &in); err != nil {
		return Intent{}, errors.Wrap(err, errors.ErrorTypeValidation, "parse_intent", "malformed intent")
	}

	switch in.Action {
	case ActionStart, ActionStop:
	case ActionSetIntensity:
		if in.DeviceID == nil {
			return Intent{}, errors.New(errors.ErrorTypeValidation, "parse_intent", "set_intensity needs device_id")
		}
		if in.Value <= 0 {
			return Intent{}, errors.New(errors.ErrorTypeValidation, "parse_intent", "set_intensity needs a positive value")
		}
	case ActionProbe:
		if in.DeviceID == nil {
			return Intent{}, errors.New(errors.ErrorTypeValidation, "parse_intent", "probe needs device_id")
		}
	default:
		return Intent{}, errors.New(errors.ErrorTypeValidation, "parse_intent",
			fmt.Sprintf("unknown action %q", in.Action))
	}
	return in, nil
}

// Apply runs an intent against target.
func Apply(ctx context.Context, target Target, in Intent) error {
	switch in.Action {
	case ActionStart:
		return target.Start(ctx)
	case ActionStop:
		return target.Stop(ctx)
	case ActionSetIntensity:
		return target.SetIntensity(ctx, *in.DeviceID, in.Value)
	case ActionProbe:
		return target.Probe(ctx, *in.DeviceID)
	default:
		return errors.New(errors.ErrorTypeValidation, "apply_intent",
			fmt.Sprintf("unknown action %q", in.Action))
	}
}

// Listener subscribes to an operator PUB socket.
type Listener struct {
	socket   *zmq.Socket
	endpoint string
	logger   *log.Logger
}

// NewListener creates a SUB socket for endpoint. Call Connect before Listen.
func NewListener(endpoint string, logger *log.Logger) (*Listener, error) {
	socket, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeMessaging, "zmq_socket", "failed to create ZMQ socket")
	}
	if err := socket.SetSubscribe(Topic); err != nil {
		_ = socket.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeMessaging, "zmq_subscribe", "failed to subscribe").
			WithContext("topic", Topic)
	}

	return &Listener{
		socket:   socket,
		endpoint: endpoint,
		logger:   logger.WithComponent("control"),
	}, nil
}

// Connect connects to the operator's endpoint.
func (l *Listener) Connect() error {
	if err := l.socket.Connect(l.endpoint); err != nil {
		return errors.Wrap(err, errors.ErrorTypeMessaging, "zmq_connect", "failed to connect to ZMQ endpoint").
			WithContext("endpoint", l.endpoint)
	}
	l.logger.Info("connected to control endpoint", "endpoint", l.endpoint)
	return nil
}

// Listen applies intents to target until ctx is done. Bad intents are
// logged and skipped.
func (l *Listener) Listen(ctx context.Context, target Target) error {
	poller := zmq.NewPoller()
	poller.Add(l.socket, zmq.POLLIN)

	for {
		if ctx.Err() != nil {
			l.logger.Info("control listener stopping")
			return ctx.Err()
		}

		polled, err := poller.Poll(pollInterval)
		if err != nil {
			if zmq.AsErrno(err) == zmq.ETERM {
				return errors.Wrap(err, errors.ErrorTypeMessaging, "zmq_poll", "ZMQ context terminated")
			}
			l.logger.WithError(err).Warn("control poll failed")
			continue
		}
		if len(polled) == 0 {
			continue
		}

		msg, err := l.socket.RecvMessageBytes(0)
		if err != nil {
			l.logger.WithError(err).Error("failed to receive control message")
			continue
		}
		l.handle(ctx, target, msg)
	}
}

func (l *Listener) handle(ctx context.Context, target Target, msg [][]byte) {
	if len(msg) < 2 {
		l.logger.Warn("received malformed control message", "parts", len(msg))
		return
	}

	in, err := ParseIntent(msg[1])
	if err != nil {
		l.logger.WithError(err).Warn("ignoring control message", "size", len(msg[1]))
		return
	}

	logger := l.logger.WithFields("action", in.Action)
	if in.DeviceID != nil {
		logger = logger.WithDevice(*in.DeviceID)
	}

	applyCtx, cancel := context.WithTimeout(ctx, applyTimeout)
	defer cancel()
	if err := Apply(applyCtx, target, in); err != nil {
		logger.WithError(err).Warn("control intent failed")
		return
	}
	logger.Info("control intent applied")
}

// Close closes the socket.
func (l *Listener) Close() error {
	if l.socket != nil {
		return l.socket.Close()
	}
	return nil
}
