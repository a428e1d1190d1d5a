package stratum

import (
	"context"
	"time"

	"github.com/bardlex/gominer/pkg/clock"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
	"github.com/bardlex/gominer/pkg/retry"
)

// Supervisor keeps a Session connected. Every transport failure moves the
// session to Reconnecting and back through Connecting; after RetryAttempts
// consecutive failed reconnects it gives up with a non-retryable
// connection error. Authorization failures end it immediately.
type Supervisor struct {
	session *Session
	policy  *retry.Config
}

// NewSupervisor builds the reconnect policy from the session config.
func NewSupervisor(s *Session) *Supervisor {
	policy := retry.ReconnectConfig(s.cfg.RetryAttempts, s.cfg.RetryDelay, s.cfg.RetryMaxDelay)
	policy.Clock = s.clock
	return &Supervisor{session: s, policy: policy}
}

// ReconnectDelay is the wait before the n-th consecutive reconnect attempt
// (1-based): the first is immediate, later ones back off from the base
// delay.
func ReconnectDelay(policy *retry.Config, n int) time.Duration {
	if n <= 1 {
		return 0
	}
	return policy.Backoff(n - 2)
}

// Run connects and serves until ctx is cancelled or the session fails
// fatally. It returns ctx.Err() on cancellation.
func (sv *Supervisor) Run(ctx context.Context) error {
	s := sv.session
	logger := s.logger
	failures := 0

	for {
		err := s.Connect(ctx)
		if err == nil {
			failures = 0
			err = s.Serve(ctx)
		}

		if ctx.Err() != nil {
			s.shutdown()
			return ctx.Err()
		}

		if errors.IsFatal(err) {
			logger.WithError(err).Error("pool rejected credentials, not retrying")
			s.setState(ctx, Disconnected, err)
			return err
		}

		failures++
		if failures > sv.policy.MaxAttempts {
			fatal := errors.Wrap(err, errors.ErrorTypeConnection, "reconnect", "reconnection attempts exhausted").
				WithContext("attempts", sv.policy.MaxAttempts)
			fatal.Retryable = false
			logger.WithError(fatal).Error("giving up on pool")
			s.setState(ctx, Disconnected, fatal)
			return fatal
		}

		delay := ReconnectDelay(sv.policy, failures)
		s.setState(ctx, Reconnecting, err)
		logger.WithError(err).Warn("pool connection failed, reconnecting",
			"attempt", failures,
			"max_attempts", sv.policy.MaxAttempts,
			"delay", delay)

		select {
		case <-ctx.Done():
			s.shutdown()
			return ctx.Err()
		case <-s.clock.After(delay):
		}
	}
}

// Client is a Session kept connected by its Supervisor.
type Client struct {
	*Session
	supervisor *Supervisor
}

// NewClient creates a disconnected client. Run starts it.
func NewClient(cfg Config, clk clock.Clock, logger *log.Logger) *Client {
	s := NewSession(cfg, clk, logger)
	return &Client{Session: s, supervisor: NewSupervisor(s)}
}

// Run keeps the session connected until ctx is done or it fails fatally.
func (c *Client) Run(ctx context.Context) error {
	return c.supervisor.Run(ctx)
}
