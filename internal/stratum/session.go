package stratum

import (
	"bufio"
	"context"
	"crypto/tls"
	stderrors "errors"
	"io"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/gominer/internal/job"
	"github.com/bardlex/gominer/internal/share"
	"github.com/bardlex/gominer/pkg/clock"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
)

// State is the pool connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Subscribing
	Authenticating
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Subscribing:
		return "subscribing"
	case Authenticating:
		return "authenticating"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Config is the pool-facing part of the miner configuration.
type Config struct {
	Address             string
	TLS                 bool
	InsecureSkipVerify  bool
	Login               string
	Password            string
	UserAgent           string
	ExtranonceSubscribe bool

	ConnectTimeout time.Duration
	SubmitTimeout  time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration

	RetryAttempts int
	RetryDelay    time.Duration
	RetryMaxDelay time.Duration

	// Dial replaces the TCP/TLS dialer when set.
	Dial func(ctx context.Context, address string) (net.Conn, error)
}

// Update is something the session tells its owner. Updates are delivered
// in the order the pool sent the underlying messages.
type Update interface {
	update()
}

// JobUpdate carries a decoded mining.notify.
type JobUpdate struct {
	Job *job.Job
}

// VerdictUpdate carries a share the pool accepted or rejected.
type VerdictUpdate struct {
	Share share.Share
}

// StateUpdate reports a connection state transition. Err is the failure
// that caused it, if any.
type StateUpdate struct {
	From State
	To   State
	Err  error
}

func (JobUpdate) update()     {}
func (VerdictUpdate) update() {}
func (StateUpdate) update()   {}

const maxLineSize = 1 << 20

// link is one established transport.
type link struct {
	conn    net.Conn
	scanner *bufio.Scanner
	writeMu sync.Mutex
	backlog []*Message
}

func newLink(conn net.Conn) *link {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), maxLineSize)
	return &link{conn: conn, scanner: scanner}
}

// Session is the client side of one pool account. It survives reconnects:
// the pending submission ledger, request ids and job sequence carry over.
type Session struct {
	cfg     Config
	clock   clock.Clock
	logger  *log.Logger
	updates chan Update

	nextID atomic.Uint64
	seq    uint64

	mu         sync.Mutex
	state      State
	link       *link
	extranonce job.Extranonce
	difficulty float64
	pending    map[uint64]*share.Share
}

// NewSession creates a disconnected session.
func NewSession(cfg Config, clk clock.Clock, logger *log.Logger) *Session {
	if clk == nil {
		clk = clock.Real()
	}
	return &Session{
		cfg:     cfg,
		clock:   clk,
		logger:  logger.WithComponent("stratum").WithPool(cfg.Address, cfg.Login),
		updates: make(chan Update, 64),
		pending: make(map[uint64]*share.Share),
	}
}

// Updates is the session's outbound stream. The owner must keep draining it.
func (s *Session) Updates() <-chan Update { return s.updates }

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Difficulty returns the last share difficulty set by the pool.
func (s *Session) Difficulty() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.difficulty
}

// Extranonce returns the current extranonce assignment.
func (s *Session) Extranonce() job.Extranonce {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.extranonce
}

// PendingCount returns the number of submissions awaiting a verdict.
func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Session) setState(ctx context.Context, to State, cause error) {
	s.mu.Lock()
	from := s.state
	if from == to {
		s.mu.Unlock()
		return
	}
	s.state = to
	s.mu.Unlock()

	s.logger.LogConnectionState(from.String(), to.String())
	s.emit(ctx, StateUpdate{From: from, To: to, Err: cause})
}

func (s *Session) emit(ctx context.Context, u Update) {
	select {
	case s.updates <- u:
	case <-ctx.Done():
	}
}

// Connect dials the pool and runs the subscribe/authorize handshake. The
// whole exchange is bounded by ConnectTimeout. On success the session is
// Connected and Serve must be called to process pool traffic.
func (s *Session) Connect(ctx context.Context) error {
	s.setState(ctx, Connecting, nil)

	dialCtx := ctx
	if s.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		defer cancel()
	}

	conn, err := s.dial(dialCtx)
	if err != nil {
		return transportError(err, "connect", "failed to dial pool").WithContext("address", s.cfg.Address)
	}

	// Transport deadlines run on wall time even when the session clock is
	// simulated.
	if s.cfg.ConnectTimeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(s.cfg.ConnectTimeout)); err != nil {
			_ = conn.Close()
			return errors.Wrap(err, errors.ErrorTypeConnection, "connect", "failed to set handshake deadline")
		}
	}

	l := newLink(conn)
	if err := s.handshake(ctx, l); err != nil {
		_ = conn.Close()
		return err
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		_ = conn.Close()
		return errors.Wrap(err, errors.ErrorTypeConnection, "connect", "failed to clear handshake deadline")
	}

	s.mu.Lock()
	s.link = l
	s.mu.Unlock()

	s.setState(ctx, Connected, nil)
	return nil
}

func (s *Session) dial(ctx context.Context) (net.Conn, error) {
	if s.cfg.Dial != nil {
		return s.cfg.Dial(ctx, s.cfg.Address)
	}

	dialer := &net.Dialer{KeepAlive: 30 * time.Second}
	if !s.cfg.TLS {
		return dialer.DialContext(ctx, "tcp", s.cfg.Address)
	}

	host, _, err := net.SplitHostPort(s.cfg.Address)
	if err != nil {
		return nil, err
	}
	tlsDialer := &tls.Dialer{
		NetDialer: dialer,
		Config: &tls.Config{
			ServerName:         host,
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: s.cfg.InsecureSkipVerify, // #nosec G402 -- operator opt-in for self-signed pools
		},
	}
	return tlsDialer.DialContext(ctx, "tcp", s.cfg.Address)
}

func (s *Session) handshake(ctx context.Context, l *link) error {
	s.setState(ctx, Subscribing, nil)

	resp, err := s.call(l, MethodSubscribe, []any{s.cfg.UserAgent})
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return errors.Wrap(resp.Error, errors.ErrorTypeProtocol, "subscribe", "pool refused subscription")
	}
	sub, err := ParseSubscribeResult(resp.Result)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeProtocol, "subscribe", "malformed subscribe response")
	}

	s.mu.Lock()
	s.extranonce = sub.Extranonce
	s.mu.Unlock()

	s.logger.Info("subscribed",
		"extranonce1", sub.Extranonce.Extranonce1,
		"extranonce2_size", sub.Extranonce.Extranonce2Size)

	if s.cfg.ExtranonceSubscribe {
		// Pools that do not support it answer with an error, which Serve
		// drops as an unknown response.
		if err := s.send(l, NewRequest(s.nextID.Add(1), MethodExtranonceSubscribe, nil)); err != nil {
			return err
		}
	}

	s.setState(ctx, Authenticating, nil)

	resp, err = s.call(l, MethodAuthorize, []any{s.cfg.Login, s.cfg.Password})
	if err != nil {
		return err
	}
	if !resp.Accepted() {
		reason := "pool refused credentials"
		if resp.Error != nil {
			reason = resp.Error.Message
		}
		return errors.New(errors.ErrorTypeAuth, "authorize", reason).WithContext("login", s.cfg.Login)
	}

	s.logger.Info("authorized")
	return nil
}

// call sends a request and reads until its response arrives. Pool pushes
// seen in the meantime are queued on the link for Serve.
func (s *Session) call(l *link, method string, params []any) (*Message, error) {
	id := s.nextID.Add(1)
	if err := s.send(l, NewRequest(id, method, params)); err != nil {
		return nil, err
	}

	for {
		line, err := s.readLine(l)
		if err != nil {
			return nil, err
		}
		msg, err := ParseMessage(line)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeProtocol, method, "malformed handshake message")
		}
		if msg.IsNotification() {
			l.backlog = append(l.backlog, msg)
			continue
		}
		if got, ok := msg.RequestID(); ok && got == id {
			return msg, nil
		}
	}
}

func (s *Session) send(l *link, msg *Message) error {
	data, err := MarshalMessage(msg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "send", "failed to encode message")
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if s.cfg.WriteTimeout > 0 {
		if err := l.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
			return errors.Wrap(err, errors.ErrorTypeConnection, "send", "failed to set write deadline")
		}
	}

	if _, err := l.conn.Write(append(data, '\n')); err != nil {
		return transportError(err, "send", "failed to write message").WithContext("method", msg.Method)
	}

	s.logger.LogStratumMessage("sent", string(data))
	return nil
}

func (s *Session) readLine(l *link) ([]byte, error) {
	for {
		if !l.scanner.Scan() {
			err := l.scanner.Err()
			if err == nil {
				err = io.EOF
			}
			return nil, transportError(err, "read", "pool connection lost")
		}
		line := l.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.logger.LogStratumMessage("received", string(line))
		return line, nil
	}
}

// Serve processes pool traffic on the current connection until it fails or
// ctx is cancelled. The returned error says why the connection ended.
func (s *Session) Serve(ctx context.Context) error {
	s.mu.Lock()
	l := s.link
	s.mu.Unlock()
	if l == nil {
		return errors.New(errors.ErrorTypeConnection, "serve", "not connected")
	}

	stop := context.AfterFunc(ctx, func() { _ = l.conn.Close() })
	defer stop()
	defer s.drop(l)

	backlog := l.backlog
	l.backlog = nil
	for _, msg := range backlog {
		if err := s.handle(ctx, msg); err != nil {
			return err
		}
	}

	for {
		if s.cfg.ReadTimeout > 0 {
			if err := l.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
				return errors.Wrap(err, errors.ErrorTypeConnection, "serve", "failed to set read deadline")
			}
		}

		line, err := s.readLine(l)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		msg, err := ParseMessage(line)
		if err != nil {
			s.logger.WithError(errors.Wrap(err, errors.ErrorTypeProtocol, "serve", "malformed message")).
				Warn("dropping malformed pool message")
			continue
		}

		if err := s.handle(ctx, msg); err != nil {
			return err
		}
	}
}

func (s *Session) drop(l *link) {
	s.mu.Lock()
	if s.link == l {
		s.link = nil
	}
	s.mu.Unlock()
	_ = l.conn.Close()
}

// Close tears down the current connection, if any.
func (s *Session) Close() {
	s.mu.Lock()
	l := s.link
	s.link = nil
	s.mu.Unlock()
	if l != nil {
		_ = l.conn.Close()
	}
}

// shutdown closes the connection and marks the session Disconnected
// without waiting for the owner to drain updates.
func (s *Session) shutdown() {
	s.Close()

	s.mu.Lock()
	from := s.state
	s.state = Disconnected
	s.mu.Unlock()

	if from == Disconnected {
		return
	}
	s.logger.LogConnectionState(from.String(), Disconnected.String())
	select {
	case s.updates <- StateUpdate{From: from, To: Disconnected}:
	default:
	}
}

func (s *Session) handle(ctx context.Context, msg *Message) error {
	if !msg.IsNotification() {
		if msg.IsResponse() {
			s.onResponse(ctx, msg)
		}
		return nil
	}

	switch msg.Method {
	case MethodNotify:
		s.onNotify(ctx, msg.Params)

	case MethodSetDifficulty:
		diff, err := ParseSetDifficulty(msg.Params)
		if err != nil {
			s.logger.WithError(err).Warn("ignoring malformed set_difficulty")
			return nil
		}
		s.mu.Lock()
		s.difficulty = diff
		s.mu.Unlock()
		s.logger.Info("share difficulty changed", "difficulty", diff)

	case MethodSetExtranonce:
		en, err := ParseSetExtranonce(msg.Params)
		if err != nil {
			s.logger.WithError(err).Warn("ignoring malformed set_extranonce")
			return nil
		}
		s.mu.Lock()
		s.extranonce = en
		s.mu.Unlock()
		s.logger.Info("extranonce changed",
			"extranonce1", en.Extranonce1,
			"extranonce2_size", en.Extranonce2Size)

	case MethodReconnect:
		return errors.New(errors.ErrorTypeConnection, "serve", "pool requested reconnect")

	default:
		s.logger.Debug("ignoring unsupported pool method", "method", msg.Method)
	}
	return nil
}

func (s *Session) onNotify(ctx context.Context, params []any) {
	t, err := ParseNotify(params)
	if err != nil {
		s.logger.WithError(errors.Wrap(err, errors.ErrorTypeProtocol, "notify", "malformed job notification")).
			Warn("dropping job notification")
		return
	}

	s.mu.Lock()
	en, diff := s.extranonce, s.difficulty
	s.mu.Unlock()

	j, err := job.New(t, en, diff)
	if err != nil {
		s.logger.WithJob(t.JobID, t.CleanJobs).
			WithError(errors.Wrap(err, errors.ErrorTypeProtocol, "notify", "invalid job template")).
			Warn("dropping job notification")
		return
	}

	s.seq++
	j.Seq = s.seq
	j.ReceivedAt = s.clock.Now()

	s.emit(ctx, JobUpdate{Job: j})
}

func (s *Session) onResponse(ctx context.Context, msg *Message) {
	id, ok := msg.RequestID()
	if !ok {
		return
	}

	s.mu.Lock()
	sh, ok := s.pending[id]
	if !ok {
		s.mu.Unlock()
		s.logger.Debug("response for unknown or expired request", "request_id", id)
		return
	}
	delete(s.pending, id)

	state, reason := share.Accepted, ""
	if !msg.Accepted() {
		state, reason = share.Rejected, "rejected"
		if msg.Error != nil {
			reason = msg.Error.Message
		}
	}
	sh.Resolve(state, reason, s.clock.Now())
	resolved := *sh
	s.mu.Unlock()

	s.emit(ctx, VerdictUpdate{Share: resolved})
}

// Submit sends a verified share and records it as pending. It returns the
// pending copy; the verdict arrives later as a VerdictUpdate, or from
// ExpireSubmissions or InvalidatePending.
func (s *Session) Submit(sh share.Share) (share.Share, error) {
	s.mu.Lock()
	l := s.link
	if l == nil || s.state != Connected {
		s.mu.Unlock()
		return sh, errors.New(errors.ErrorTypeConnection, "submit", "not connected to pool").
			WithContext("share_id", sh.ID)
	}
	id := s.nextID.Add(1)
	sh.State = share.Pending
	sh.SubmittedAt = s.clock.Now()
	entry := sh
	s.pending[id] = &entry
	s.mu.Unlock()

	req := SubmitRequest{
		Username:    s.cfg.Login,
		JobID:       sh.JobID,
		ExtraNonce2: sh.Extranonce2,
		NTime:       sh.NTime,
		Nonce:       job.NonceHex(sh.Nonce),
	}
	if err := s.send(l, NewRequest(id, MethodSubmit, req.Params())); err != nil {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return sh, err
	}
	return sh, nil
}

// ExpireSubmissions rejects every submission older than SubmitTimeout with
// reason Timeout and returns them. The connection is left alone.
func (s *Session) ExpireSubmissions(now time.Time) []share.Share {
	if s.cfg.SubmitTimeout <= 0 {
		return nil
	}
	return s.resolvePending(func(sh *share.Share) bool {
		return now.Sub(sh.SubmittedAt) >= s.cfg.SubmitTimeout
	}, share.Rejected, share.ReasonTimeout, now)
}

// InvalidatePending marks every pending submission for a job other than
// current as stale and returns them. Each share is resolved at most once.
func (s *Session) InvalidatePending(current string) []share.Share {
	return s.resolvePending(func(sh *share.Share) bool {
		return sh.JobID != current
	}, share.Stale, "job superseded", s.clock.Now())
}

func (s *Session) resolvePending(match func(*share.Share) bool, state share.State, reason string, at time.Time) []share.Share {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []share.Share
	for id, sh := range s.pending {
		if !match(sh) {
			continue
		}
		delete(s.pending, id)
		if sh.Resolve(state, reason, at) {
			out = append(out, *sh)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out
}

// transportError classifies a network failure as a timeout or a plain
// connection error.
func transportError(err error, operation, message string) *errors.ServiceError {
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return errors.Wrap(err, errors.ErrorTypeTimeout, operation, message)
	}
	return errors.Wrap(err, errors.ErrorTypeConnection, operation, message)
}
