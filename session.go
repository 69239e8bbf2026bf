package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bt-bridge/pacer-voice/observe"
	"github.com/bt-bridge/pacer-voice/shared"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type ConnectionState int32

const (
	StateIdle ConnectionState = iota
	StateConnecting
	StateAuthenticating
	StateAwaitingReady
	StateActive
	StateClosing
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateAwaitingReady:
		return "awaiting_ready"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("ConnectionState(%d)", int32(s))
}

// CodeProxyNotReady is reported when proxy_ready arrives with a status other
// than success.
const CodeProxyNotReady = "proxy_not_ready"

type SessionOptions struct {
	// Debounce is the minimum spacing between connection attempts unless
	// ConnectParams.Force is set.
	Debounce     time.Duration
	Keepalive    time.Duration
	WriteTimeout time.Duration
	EventBuffer  int
	Metrics      *observe.Metrics
	// OnState is invoked after every state transition, outside any lock.
	OnState func(ConnectionState)
}

func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		Debounce:     2 * time.Second,
		Keepalive:    15 * time.Second,
		WriteTimeout: 5 * time.Second,
		EventBuffer:  256,
	}
}

type ConnectParams struct {
	URL           string
	IdentityToken string
	ProviderToken string
	Config        SessionConfig
	Force         bool
}

func (p ConnectParams) validate() error {
	if p.URL == "" {
		return errors.New("missing transport url")
	}
	if p.IdentityToken == "" {
		return errors.New("missing identity token")
	}
	if !strings.HasPrefix(p.ProviderToken, "ek_") {
		return shared.ErrInvalidProviderToken
	}
	return nil
}

// ProtocolSession owns one proxied realtime connection at a time and drives
// its state machine. Inbound events are delivered on a per-connection channel
// that is closed when the connection ends; Err reports why.
type ProtocolSession struct {
	logger shared.LoggerAdapter
	dialer Dialer
	opts   SessionOptions
	clock  func() time.Time

	connecting atomic.Bool

	mu            sync.Mutex
	state         ConnectionState
	lastAttempt   time.Time
	link          *sessionLink
	cancelConnect context.CancelFunc
	attemptDone   chan struct{}
}

type sessionLink struct {
	id      string
	conn    Conn
	events  chan *ServerEvent
	ready   chan struct{}
	done    chan struct{}
	err     error
	cancel  context.CancelFunc
	writeMu sync.Mutex
	closing atomic.Bool
	active  atomic.Bool

	readyOnce sync.Once
}

func NewProtocolSession(logger shared.LoggerAdapter, dialer Dialer, opts SessionOptions) (*ProtocolSession, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if dialer == nil {
		return nil, shared.ErrNoDialer
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 1
	}
	return &ProtocolSession{
		logger: logger.With(zap.String("component", "protocol")),
		dialer: dialer,
		opts:   opts,
		clock:  time.Now,
	}, nil
}

func (s *ProtocolSession) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Events returns the inbound event channel of the current connection, or nil
// when there is none.
func (s *ProtocolSession) Events() <-chan *ServerEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link == nil {
		return nil
	}
	return s.link.events
}

// Done is closed when the current connection ends. It is nil when there is
// no connection.
func (s *ProtocolSession) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link == nil {
		return nil
	}
	return s.link.done
}

// Err reports why the current connection ended. It is nil while the
// connection is open and after a local Close.
func (s *ProtocolSession) Err() error {
	s.mu.Lock()
	l := s.link
	s.mu.Unlock()
	if l == nil {
		return nil
	}
	select {
	case <-l.done:
		return l.err
	default:
		return nil
	}
}

// Connect dials the proxy, authenticates, pushes the session configuration
// and blocks until the proxy confirms readiness.
func (s *ProtocolSession) Connect(ctx context.Context, p ConnectParams) error {
	if err := p.validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.connecting.CompareAndSwap(false, true) {
		return shared.ErrConnectInProgress
	}
	defer s.connecting.Store(false)

	s.mu.Lock()
	if s.link != nil && !s.link.ended() {
		s.mu.Unlock()
		return shared.ErrAlreadyConnected
	}
	now := s.clock()
	if !p.Force && !s.lastAttempt.IsZero() && now.Sub(s.lastAttempt) < s.opts.Debounce {
		s.mu.Unlock()
		return shared.ErrDebounced
	}
	s.lastAttempt = now
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	attemptDone := make(chan struct{})
	defer close(attemptDone)
	s.cancelConnect = cancel
	s.attemptDone = attemptDone
	s.link = nil
	s.mu.Unlock()

	start := time.Now()
	err := s.connect(ctx, p)
	result := "success"
	if err != nil {
		result = "failure"
		if ctx.Err() != nil {
			result = "cancelled"
		}
	}
	s.opts.Metrics.RecordConnect(context.Background(), result, time.Since(start))

	s.mu.Lock()
	s.cancelConnect = nil
	s.attemptDone = nil
	s.mu.Unlock()
	return err
}

func (s *ProtocolSession) connect(ctx context.Context, p ConnectParams) error {
	s.setState(StateConnecting)
	conn, err := s.dialer.Dial(ctx, p.URL)
	if err != nil {
		s.abandon(ctx, nil)
		return fmt.Errorf("connecting: %w", err)
	}

	linkCtx, cancel := context.WithCancel(context.Background())
	l := &sessionLink{
		id:     uuid.NewString(),
		conn:   conn,
		events: make(chan *ServerEvent, s.opts.EventBuffer),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	s.mu.Lock()
	s.link = l
	s.mu.Unlock()
	logger := s.logger.With(zap.String("link", l.id))

	g, gctx := errgroup.WithContext(linkCtx)
	g.Go(func() error {
		defer l.cancel()
		return s.readLoop(gctx, l, logger)
	})
	if s.opts.Keepalive > 0 {
		g.Go(func() error {
			return s.keepalive(gctx, l, logger)
		})
	}
	go func() {
		s.finish(l, g.Wait(), logger)
	}()

	s.transition(StateConnecting, StateAuthenticating)
	auth := []*ClientEvent{
		{Type: ClientEventTypeAuthIdentity, Param: &ClientEventParamAuth{Token: p.IdentityToken}},
		{Type: ClientEventTypeAuthProvider, Param: &ClientEventParamAuth{Token: p.ProviderToken}},
	}
	for _, ev := range auth {
		if err := s.write(ctx, l, ev); err != nil {
			s.abandon(ctx, l)
			return fmt.Errorf("sending %s: %w", ev.Type, err)
		}
	}
	logger.Debug("authentication sent")

	update := &ClientEvent{
		EventId: uuid.NewString(),
		Type:    ClientEventTypeSessionUpdate,
		Param:   &ClientEventParamSessionUpdate{Session: p.Config},
	}
	if err := s.write(ctx, l, update); err != nil {
		s.abandon(ctx, l)
		return fmt.Errorf("sending session.update: %w", err)
	}
	s.transition(StateAuthenticating, StateAwaitingReady)

	select {
	case <-l.ready:
		if !s.transition(StateAwaitingReady, StateActive) {
			return shared.ErrSessionClosed
		}
		l.active.Store(true)
		s.opts.Metrics.SessionActive(context.Background(), 1)
		logger.Info("session active")
		return nil
	case <-l.done:
		if l.err == nil {
			return shared.ErrSessionClosed
		}
		return fmt.Errorf("awaiting ready: %w", l.err)
	case <-ctx.Done():
		s.abandon(ctx, l)
		return ctx.Err()
	}
}

// abandon ends a connection attempt. A cancelled attempt returns to Idle;
// anything else is a failure.
func (s *ProtocolSession) abandon(ctx context.Context, l *sessionLink) {
	if l != nil {
		s.teardown(l, CloseNormal, "connect aborted")
	}
	if ctx.Err() != nil {
		s.mu.Lock()
		if s.link == l {
			s.link = nil
		}
		s.mu.Unlock()
		s.setState(StateIdle)
		return
	}
	s.setState(StateFailed)
}

func (s *ProtocolSession) readLoop(ctx context.Context, l *sessionLink, logger shared.LoggerAdapter) error {
	for {
		data, err := l.conn.Read(ctx)
		if err != nil {
			return err
		}
		ev, err := DecodeServerEvent(data)
		if err != nil {
			if errors.Is(err, ErrUnknownEventType) {
				logger.Debug("skipping unhandled event", zap.Error(err))
			} else {
				logger.Error("decoding event", err, zap.Int("bytes", len(data)))
			}
			continue
		}
		logger.Trace("event received", zap.String("type", string(ev.Type)), zap.String("event_id", ev.EventId))
		s.opts.Metrics.RecordEvent(ctx, string(ev.Type))

		switch p := ev.Param.(type) {
		case *ServerEventParamProxyReady:
			if !p.Ready() {
				return &ProtocolError{Code: CodeProxyNotReady, Message: p.Message, Class: ErrorClassCritical}
			}
			l.readyOnce.Do(func() { close(l.ready) })
		case *ServerEventParamError:
			perr := NewProtocolError(p)
			s.opts.Metrics.RecordProtocolError(ctx, perr.Code, perr.Class.String())
			if perr.Critical() {
				logger.Error("critical protocol error", perr)
				return perr
			}
		}

		select {
		case l.events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *ProtocolSession) keepalive(ctx context.Context, l *sessionLink, logger shared.LoggerAdapter) error {
	ticker := time.NewTicker(s.opts.Keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, s.opts.Keepalive)
			err := l.conn.Ping(pctx)
			cancel()
			if err != nil && ctx.Err() == nil {
				logger.Warn("keepalive ping failed", zap.Error(err))
			}
		}
	}
}

// finish runs once per connection after both loops have exited. Done is
// closed before the close handshake so waiters are not held by a slow peer.
func (s *ProtocolSession) finish(l *sessionLink, err error, logger shared.LoggerAdapter) {
	close(l.events)
	if l.active.Load() {
		s.opts.Metrics.SessionActive(context.Background(), -1)
	}
	remote := !l.closing.Load()
	if remote {
		if err == nil {
			err = shared.ErrSessionClosed
		}
		logger.Warn("connection ended", zap.Error(err))
	} else {
		err = nil
	}
	l.err = err
	if err != nil {
		s.mu.Lock()
		current := s.link == l
		s.mu.Unlock()
		if current {
			s.setState(StateFailed)
		}
	}
	close(l.done)
	if remote {
		if closeErr := l.conn.Close(CloseNormal, "session ended"); closeErr != nil {
			logger.Debug("closing ended connection", zap.Error(closeErr))
		}
	}
}

func (s *ProtocolSession) teardown(l *sessionLink, code int, reason string) {
	if l.closing.Swap(true) {
		<-l.done
		return
	}
	if !l.ended() {
		if err := l.conn.Close(code, reason); err != nil {
			s.logger.Debug("closing connection", zap.String("link", l.id), zap.Error(err))
		}
	}
	l.cancel()
	<-l.done
}

// Close cancels any connection attempt in flight, closes the transport with
// a normal closure and returns the session to Idle. Unsent audio is dropped.
func (s *ProtocolSession) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.cancelConnect != nil {
		s.cancelConnect()
	}
	attempt := s.attemptDone
	s.mu.Unlock()
	if attempt != nil {
		select {
		case <-attempt:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	l := s.link
	s.link = nil
	state := s.state
	s.mu.Unlock()
	if l == nil {
		if state != StateIdle {
			s.setState(StateIdle)
		}
		return nil
	}

	s.setState(StateClosing)
	done := make(chan struct{})
	go func() {
		s.teardown(l, CloseNormal, "client closing")
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		l.cancel()
		s.setState(StateIdle)
		return ctx.Err()
	}
	s.setState(StateIdle)
	s.logger.Info("session closed", zap.String("link", l.id))
	return nil
}

func (s *ProtocolSession) AppendAudio(ctx context.Context, pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	err := s.sendActive(ctx, &ClientEvent{
		Type:  ClientEventTypeInputAudioBufferAppend,
		Param: &ClientEventParamInputAudioBufferAppend{Audio: pcm},
	})
	if err == nil {
		s.opts.Metrics.RecordAudioSent(ctx, len(pcm))
	}
	return err
}

func (s *ProtocolSession) Commit(ctx context.Context) error {
	return s.sendActive(ctx, &ClientEvent{Type: ClientEventTypeInputAudioBufferCommit, Param: &ServerEventParamEmpty{}})
}

func (s *ProtocolSession) Clear(ctx context.Context) error {
	return s.sendActive(ctx, &ClientEvent{Type: ClientEventTypeInputAudioBufferClear, Param: &ServerEventParamEmpty{}})
}

func (s *ProtocolSession) CreateResponse(ctx context.Context) error {
	return s.sendActive(ctx, &ClientEvent{Type: ClientEventTypeResponseCreate, Param: &ServerEventParamEmpty{}})
}

// UpdateConfig resends the session configuration on the open connection.
func (s *ProtocolSession) UpdateConfig(ctx context.Context, cfg SessionConfig) error {
	return s.sendActive(ctx, &ClientEvent{Type: ClientEventTypeSessionUpdate, Param: &ClientEventParamSessionUpdate{Session: cfg}})
}

func (s *ProtocolSession) sendActive(ctx context.Context, ev *ClientEvent) error {
	s.mu.Lock()
	l := s.link
	state := s.state
	s.mu.Unlock()
	if l == nil || state != StateActive || l.ended() {
		return shared.ErrNotActive
	}
	ev.EventId = uuid.NewString()
	return s.write(ctx, l, ev)
}

// write serialises sends so events reach the wire in call order.
func (s *ProtocolSession) write(ctx context.Context, l *sessionLink, ev *ClientEvent) error {
	data, err := ev.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encoding %s: %w", ev.Type, err)
	}
	if s.opts.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.WriteTimeout)
		defer cancel()
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if err := l.conn.Write(ctx, data); err != nil {
		return err
	}
	s.logger.Trace("event sent", zap.String("type", string(ev.Type)), zap.String("event_id", ev.EventId))
	return nil
}

func (s *ProtocolSession) setState(next ConnectionState) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	s.notify(prev, next)
}

// transition moves to the next state only from the expected one.
func (s *ProtocolSession) transition(from, to ConnectionState) bool {
	s.mu.Lock()
	if s.state != from {
		s.mu.Unlock()
		return false
	}
	s.state = to
	s.mu.Unlock()
	s.notify(from, to)
	return true
}

func (s *ProtocolSession) notify(prev, next ConnectionState) {
	if prev == next {
		return
	}
	s.logger.Debug("state transition", zap.Stringer("from", prev), zap.Stringer("to", next))
	if s.opts.OnState != nil {
		s.opts.OnState(next)
	}
}

func (l *sessionLink) ended() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}
