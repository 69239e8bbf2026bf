package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bt-bridge/pacer-voice/observe"
	"github.com/bt-bridge/pacer-voice/shared"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Options struct {
	Backend Backend
	Dialer  Dialer
	Source  FrameSource
	Sink    Sink
	Metrics *observe.Metrics

	// Session is the base configuration; instructions are rendered per
	// scenario and an empty Voice is chosen from the persona.
	Session  SessionConfig
	UserName string
	Gate     GateConfig
	Capture  CaptureConfig
	Playback PlaybackConfig
	Protocol SessionOptions

	ConnectTimeout    time.Duration
	CloseTimeout      time.Duration
	RestartDelay      time.Duration
	ResponseDelay     time.Duration
	DrainTimeout      time.Duration
	PersistTimeout    time.Duration
	PersistQueue      int
	RecoverableRepeat int
	Reconnect         ReconnectPolicy
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Model:             "gpt-4o-mini-realtime-preview",
		Modalities:        []string{"audio", "text"},
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		InputAudioTranscription: &InputAudioTranscription{
			Model:    "gpt-4o-transcribe",
			Language: "en",
		},
		TurnDetection: TurnDetection{
			Type:              "semantic_vad",
			Eagerness:         "medium",
			CreateResponse:    true,
			InterruptResponse: true,
		},
	}
}

func DefaultOptions() Options {
	return Options{
		Session:           DefaultSessionConfig(),
		UserName:          "Salesperson",
		Gate:              DefaultGateConfig(),
		Capture:           DefaultCaptureConfig(),
		Playback:          DefaultPlaybackConfig(),
		Protocol:          DefaultSessionOptions(),
		ConnectTimeout:    20 * time.Second,
		CloseTimeout:      5 * time.Second,
		RestartDelay:      400 * time.Millisecond,
		ResponseDelay:     300 * time.Millisecond,
		DrainTimeout:      10 * time.Second,
		PersistTimeout:    10 * time.Second,
		PersistQueue:      64,
		RecoverableRepeat: 3,
		Reconnect: ReconnectPolicy{
			Initial: time.Second,
			Max:     30 * time.Second,
		},
	}
}

// Supervisor wires capture, gate, protocol, playback and transcript for one
// game session at a time. All state lives in a SessionRuntime owned by the
// Run loop; public methods hand work to that loop.
type Supervisor struct {
	logger shared.LoggerAdapter
	opts   Options
	id     string

	cmds     chan func()
	out      *outbox
	capture  *AudioCaptureEngine
	protocol *ProtocolSession
	stream   *AudioStream
	persist  *persister
	rt       *SessionRuntime

	runCtx  context.Context
	quit    bool
	running atomic.Bool
	done    chan struct{}
}

func NewSupervisor(logger shared.LoggerAdapter, opts Options) (*Supervisor, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if opts.Backend == nil {
		return nil, shared.ErrNoBackend
	}
	if opts.Sink == nil {
		return nil, shared.ErrNoSink
	}
	id := uuid.NewString()
	logger = logger.With(zap.String("supervisor", id))

	s := &Supervisor{
		logger: logger,
		opts:   opts,
		id:     id,
		cmds:   make(chan func(), 64),
		out:    newOutbox(),
		rt:     &SessionRuntime{Mode: ModeOff, Transport: ModeOff},
		done:   make(chan struct{}),
	}

	capture, err := NewAudioCaptureEngine(logger, opts.Source, opts.Capture, opts.Metrics)
	if err != nil {
		return nil, fmt.Errorf("creating capture engine: %w", err)
	}
	s.capture = capture

	protoOpts := opts.Protocol
	protoOpts.Metrics = opts.Metrics
	hook := protoOpts.OnState
	protoOpts.OnState = func(st ConnectionState) {
		s.out.publish(StateEvent{Mode: ModeRealtime, State: st})
		if hook != nil {
			hook(st)
		}
	}
	if s.protocol, err = NewProtocolSession(logger, opts.Dialer, protoOpts); err != nil {
		return nil, fmt.Errorf("creating protocol session: %w", err)
	}
	if s.stream, err = NewAudioStream(logger, opts.Dialer); err != nil {
		return nil, fmt.Errorf("creating audio stream: %w", err)
	}
	s.rt.protocol = s.protocol
	s.rt.stream = s.stream
	if s.rt.transcript, err = NewTranscriptReconciler(logger, formatUtterance); err != nil {
		return nil, err
	}
	s.persist = newPersister(logger, opts.Backend, opts.PersistQueue, opts.PersistTimeout)
	return s, nil
}

// formatUtterance tidies assistant speech; user speech is shown as heard.
func formatUtterance(speaker Speaker, text string) string {
	if speaker == SpeakerAssistant {
		return CleanTranscript(text)
	}
	return strings.TrimSpace(text)
}

// Events delivers host notifications in order. It is closed after Run
// returns and every queued event has been received.
func (s *Supervisor) Events() <-chan HostEvent {
	return s.out.out
}

func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Run drives the supervisor until ctx is cancelled or Stop is called. Every
// transport is torn down before it returns.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return shared.ErrSupervisorRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	s.runCtx = ctx
	defer s.shutdown(cancel)

	s.logger.Info("supervisor running")
	rt := s.rt
	for !s.quit {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-s.cmds:
			cmd()
		case ev, ok := <-rt.events:
			if !ok {
				rt.events = nil
				s.onLinkEnded()
				continue
			}
			s.onEvent(ev)
		case frame, ok := <-rt.frames:
			if !ok {
				rt.frames = nil
				continue
			}
			s.onFrame(frame)
		case <-rt.captureDone:
			rt.captureDone = nil
			s.onCaptureEnded()
		case <-rt.streamUp:
			rt.streamUp = nil
			s.onStreamEnded()
		}
	}
	return nil
}

func (s *Supervisor) shutdown(cancel context.CancelFunc) {
	s.teardownTransport()
	s.rt.stopTimers()
	cancel()
	// A capture start still in flight lands after the loop is gone.
	s.capture.Close()
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.PersistTimeout)
	defer cancel()
	s.persist.drain(ctx)
	s.out.close()
	close(s.done)
	s.logger.Info("supervisor stopped")
}

// post hands fn to the loop from any goroutine. It reports false once the
// supervisor has stopped.
func (s *Supervisor) post(fn func()) bool {
	select {
	case s.cmds <- fn:
		return true
	case <-s.done:
		return false
	}
}

// call runs fn on the loop and waits for its result.
func (s *Supervisor) call(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	select {
	case s.cmds <- func() { reply <- fn() }:
	case <-s.done:
		return shared.ErrSupervisorStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		select {
		case err := <-reply:
			return err
		default:
			return shared.ErrSupervisorStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetSession selects the game session. A different id always tears down the
// current transport and connects anew.
func (s *Supervisor) SetSession(ctx context.Context, sessionID string, scenario ScenarioContext, history []Message) error {
	return s.call(ctx, func() error {
		rt := s.rt
		if sessionID == rt.SessionID {
			return s.updateScenario(scenario, history)
		}
		s.logger.Info("session selected", zap.String("session", sessionID), zap.String("previous", rt.SessionID))
		s.teardownTransport()
		rt.transcript.Reset()
		rt.SessionID = sessionID
		rt.Scenario = scenario
		rt.History = append([]Message(nil), history...)
		rt.digest = scenario.Digest()
		rt.Complete = false
		rt.reconnectAttempts = 0
		s.apply(true)
		return nil
	})
}

func (s *Supervisor) SetMode(ctx context.Context, mode Mode) error {
	switch mode {
	case ModeOff, ModeAudioStream, ModeRealtime:
	default:
		return fmt.Errorf("unknown voice mode %q", mode)
	}
	return s.call(ctx, func() error {
		if s.rt.Mode == mode {
			return nil
		}
		s.logger.Info("mode change", zap.String("from", string(s.rt.Mode)), zap.String("to", string(mode)))
		s.rt.Mode = mode
		s.apply(false)
		return nil
	})
}

// UpdateScenario refreshes the scenario and history. The configuration is
// resent on the open connection only when the persona or stage changed.
func (s *Supervisor) UpdateScenario(ctx context.Context, scenario ScenarioContext, history []Message) error {
	return s.call(ctx, func() error {
		return s.updateScenario(scenario, history)
	})
}

// Pause stops the microphone and flushes open utterances. The transport
// stays connected.
func (s *Supervisor) Pause(ctx context.Context) error {
	return s.call(ctx, func() error {
		if s.rt.Paused {
			return nil
		}
		s.rt.Paused = true
		s.stopCapture()
		s.flushTranscript(false)
		s.logger.Info("paused")
		return nil
	})
}

func (s *Supervisor) Resume(ctx context.Context) error {
	return s.call(ctx, func() error {
		if !s.rt.Paused {
			return nil
		}
		s.rt.Paused = false
		s.logger.Info("resumed")
		s.startCapture()
		return nil
	})
}

// SetComplete marks the game session finished; a complete session keeps no
// transport and persists nothing further.
func (s *Supervisor) SetComplete(ctx context.Context, complete bool) error {
	return s.call(ctx, func() error {
		if s.rt.Complete == complete {
			return nil
		}
		if complete {
			// Final utterances still belong to the session.
			s.teardownTransport()
		}
		s.rt.Complete = complete
		s.apply(false)
		return nil
	})
}

// MuteInput drops captured audio before the gate while set.
func (s *Supervisor) MuteInput(ctx context.Context, muted bool) error {
	return s.call(ctx, func() error {
		s.rt.MutedIn = muted
		if muted && s.rt.gate != nil {
			s.rt.gate.Reset()
		}
		return nil
	})
}

func (s *Supervisor) MuteOutput(ctx context.Context, muted bool) error {
	return s.call(ctx, func() error {
		s.rt.MutedOut = muted
		if s.rt.playback != nil {
			s.rt.playback.SetMuted(muted)
		}
		return nil
	})
}

// Reconnect tears down the current transport and connects again, bypassing
// the connection debounce.
func (s *Supervisor) Reconnect(ctx context.Context) error {
	return s.call(ctx, func() error {
		rt := s.rt
		switch {
		case rt.SessionID == "":
			return shared.ErrNoSession
		case rt.Complete:
			return shared.ErrSessionComplete
		case rt.wantedTransport() == ModeOff:
			return shared.ErrNotActive
		}
		s.teardownTransport()
		rt.reconnectAttempts = 0
		s.apply(true)
		return nil
	})
}

func (s *Supervisor) Snapshot(ctx context.Context) (RuntimeSnapshot, error) {
	var snap RuntimeSnapshot
	err := s.call(ctx, func() error {
		snap = s.rt.snapshot()
		return nil
	})
	return snap, err
}

// Stop ends Run. A graceful stop first lets queued remote audio finish,
// bounded by the drain timeout.
func (s *Supervisor) Stop(ctx context.Context, graceful bool) error {
	err := s.call(ctx, func() error {
		if graceful && s.rt.playback != nil && s.rt.playback.Speaking() {
			dctx, cancel := context.WithTimeout(ctx, s.opts.DrainTimeout)
			defer cancel()
			if err := s.rt.playback.Drain(dctx); err != nil {
				s.logger.Warn("playback drain cut short", zap.Error(err))
			}
		}
		s.quit = true
		return nil
	})
	if err != nil {
		if errors.Is(err, shared.ErrSupervisorStopped) {
			return nil
		}
		return err
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// apply brings the transport in line with the runtime flags.
func (s *Supervisor) apply(force bool) {
	rt := s.rt
	want := rt.wantedTransport()
	if want == rt.Transport {
		return
	}
	if rt.Transport != ModeOff {
		s.teardownTransport()
		if want == ModeOff {
			s.snackbar("Voice transport disconnected", SeverityInfo)
		}
	}
	switch want {
	case ModeRealtime:
		s.startRealtime(force)
	case ModeAudioStream:
		s.startAudioStream()
	}
}

func (s *Supervisor) updateScenario(scenario ScenarioContext, history []Message) error {
	rt := s.rt
	rt.Scenario = scenario
	if history != nil {
		rt.History = append([]Message(nil), history...)
	}
	digest := scenario.Digest()
	if digest == rt.digest {
		return nil
	}
	rt.digest = digest
	if rt.Transport != ModeRealtime || s.protocol.State() != StateActive {
		return nil
	}
	s.logger.Info("scenario changed, resending configuration", zap.String("stage", scenario.stage()))
	if err := s.protocol.UpdateConfig(s.runCtx, s.sessionConfig()); err != nil {
		return fmt.Errorf("resending configuration: %w", err)
	}
	return nil
}

func (s *Supervisor) sessionConfig() SessionConfig {
	cfg := s.opts.Session
	if cfg.InputAudioTranscription != nil {
		t := *cfg.InputAudioTranscription
		cfg.InputAudioTranscription = &t
	}
	cfg.Modalities = append([]string(nil), cfg.Modalities...)
	if cfg.Voice == "" {
		cfg.Voice = SelectVoice(s.rt.Scenario.Persona)
	}
	cfg.Instructions = BuildInstructions(s.rt.Scenario, s.rt.History, s.opts.UserName)
	return cfg
}

func (s *Supervisor) startRealtime(force bool) {
	rt := s.rt
	rt.generation++
	gen := rt.generation
	rt.Transport = ModeRealtime
	rt.configured = false
	rt.errorCounts = nil

	playback, err := NewPlaybackScheduler(s.logger, s.opts.Sink, s.opts.Playback, s.opts.Metrics)
	if err != nil {
		s.logger.Error("creating playback", err)
		s.snackbar("Audio output is unavailable.", SeverityError)
		rt.Transport = ModeOff
		return
	}
	playback.SetMuted(rt.MutedOut)
	rt.playback = playback
	rt.gate = NewGate(s.opts.Gate, playback)

	ctx, cancel := context.WithCancel(s.runCtx)
	rt.cancelConn = cancel
	rt.connecting = true
	sessionID := rt.SessionID
	cfg := s.sessionConfig()
	go func() {
		defer cancel()
		err := s.connectRealtime(ctx, sessionID, cfg, force)
		s.post(func() { s.onRealtimeConnected(gen, err) })
	}()
}

func (s *Supervisor) connectRealtime(ctx context.Context, sessionID string, cfg SessionConfig, force bool) error {
	if s.opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.ConnectTimeout)
		defer cancel()
	}
	identity, err := s.opts.Backend.IdentityToken(ctx)
	if err != nil {
		return fmt.Errorf("fetching identity token: %w", err)
	}
	provider, err := s.opts.Backend.RealtimeToken(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("fetching realtime token: %w", err)
	}
	return s.protocol.Connect(ctx, ConnectParams{
		URL:           s.opts.Backend.TransportURL(sessionID),
		IdentityToken: identity,
		ProviderToken: provider,
		Config:        cfg,
		Force:         force,
	})
}

func (s *Supervisor) onRealtimeConnected(gen uint64, err error) {
	rt := s.rt
	if gen != rt.generation {
		s.logger.Debug("discarding stale connect result", zap.Error(err))
		return
	}
	rt.connecting = false
	rt.cancelConn = nil
	switch {
	case err == nil:
		rt.events = s.protocol.Events()
		rt.reconnectAttempts = 0
		s.snackbar("Real-time voice connected", SeveritySuccess)
	case errors.Is(err, shared.ErrDebounced), errors.Is(err, shared.ErrConnectInProgress):
		// Try once more when the debounce window has passed.
		s.logger.Debug("connect deferred", zap.Error(err))
		s.teardownTransport()
		gen := rt.generation
		rt.reconnectTimer = time.AfterFunc(s.opts.Protocol.Debounce, func() {
			s.post(func() {
				if gen != rt.generation || rt.Transport != ModeOff {
					return
				}
				rt.reconnectTimer = nil
				s.apply(false)
			})
		})
	default:
		s.logger.Error("realtime connect failed", err)
		s.fail(err)
	}
}

// onLinkEnded runs once the realtime event stream has closed.
func (s *Supervisor) onLinkEnded() {
	if done := s.protocol.Done(); done != nil {
		<-done
	}
	err := s.protocol.Err()
	if err == nil {
		return
	}
	s.logger.Warn("realtime connection ended", zap.Error(err))
	s.fail(err)
}

// fail surfaces err, tears the transport down and, for a dropped connection
// under an automatic reconnect policy, schedules the next attempt.
func (s *Supervisor) fail(err error) {
	rt := s.rt
	s.snackbar(userMessage(err), SeverityError)
	s.teardownTransport()

	var ce *CloseError
	policy := s.opts.Reconnect
	if !errors.As(err, &ce) || !ce.Abnormal() || policy.MaxAttempts <= 0 {
		return
	}
	if rt.reconnectAttempts >= policy.MaxAttempts {
		s.logger.Warn("reconnect attempts exhausted", zap.Int("attempts", rt.reconnectAttempts))
		return
	}
	rt.reconnectAttempts++
	attempt := rt.reconnectAttempts
	delay := policy.Delay(attempt)
	s.snackbar(fmt.Sprintf("Connection lost. Reconnecting (attempt %d of %d)...", attempt, policy.MaxAttempts), SeverityInfo)
	s.logger.Info("scheduling reconnect", zap.Int("attempt", attempt), zap.Duration("delay", delay))
	gen := rt.generation
	rt.reconnectTimer = time.AfterFunc(delay, func() {
		s.post(func() {
			if gen != rt.generation || rt.Transport != ModeOff {
				return
			}
			rt.reconnectTimer = nil
			s.apply(true)
		})
	})
}

func userMessage(err error) string {
	var (
		perr *ProtocolError
		cerr *CloseError
		merr *MicError
	)
	switch {
	case errors.As(err, &perr):
		return perr.UserMessage()
	case errors.As(err, &cerr):
		return cerr.UserMessage()
	case errors.As(err, &merr):
		return merr.UserMessage()
	case errors.Is(err, shared.ErrInvalidProviderToken):
		return "Received an invalid voice session token."
	case errors.Is(err, shared.ErrUnauthorized), errors.Is(err, shared.ErrForbidden):
		return "Voice authentication failed. Please sign in again."
	case errors.Is(err, context.DeadlineExceeded):
		return "Timed out connecting to the voice service."
	}
	return "Failed to connect real-time voice."
}

func (s *Supervisor) startAudioStream() {
	rt := s.rt
	rt.generation++
	gen := rt.generation
	rt.Transport = ModeAudioStream
	s.out.publish(StateEvent{Mode: ModeAudioStream, State: StateConnecting})

	ctx, cancel := context.WithCancel(s.runCtx)
	rt.cancelConn = cancel
	rt.connecting = true
	sessionID := rt.SessionID
	go func() {
		defer cancel()
		err := s.connectAudioStream(ctx, sessionID)
		s.post(func() { s.onStreamConnected(gen, err) })
	}()
}

func (s *Supervisor) connectAudioStream(ctx context.Context, sessionID string) error {
	if s.opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.ConnectTimeout)
		defer cancel()
	}
	token, err := s.opts.Backend.IdentityToken(ctx)
	if err != nil {
		return fmt.Errorf("fetching identity token: %w", err)
	}
	return s.stream.Connect(ctx, s.opts.Backend.AudioStreamURL(sessionID, token))
}

func (s *Supervisor) onStreamConnected(gen uint64, err error) {
	rt := s.rt
	if gen != rt.generation {
		if err == nil && rt.Transport != ModeAudioStream {
			s.closeStream()
		}
		return
	}
	rt.connecting = false
	rt.cancelConn = nil
	if err != nil {
		s.logger.Error("audio stream connect failed", err)
		s.out.publish(StateEvent{Mode: ModeAudioStream, State: StateFailed})
		s.snackbar("Error connecting to audio service", SeverityError)
		rt.Transport = ModeOff
		return
	}
	rt.streamUp = s.stream.Done()
	s.out.publish(StateEvent{Mode: ModeAudioStream, State: StateActive})
	s.snackbar("Audio streaming connected", SeveritySuccess)
}

func (s *Supervisor) onStreamEnded() {
	err := s.stream.Err()
	s.closeStream()
	s.rt.Transport = ModeOff
	if err != nil {
		s.logger.Warn("audio stream ended", zap.Error(err))
		s.out.publish(StateEvent{Mode: ModeAudioStream, State: StateFailed})
		s.snackbar(userMessage(err), SeverityError)
		return
	}
	s.out.publish(StateEvent{Mode: ModeAudioStream, State: StateIdle})
}

func (s *Supervisor) closeStream() {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.CloseTimeout)
	defer cancel()
	if err := s.stream.Close(ctx); err != nil {
		s.logger.Debug("closing audio stream", zap.Error(err))
	}
}

// teardownTransport stops capture, flushes the transcript, closes the
// transport and releases playback, in that order.
func (s *Supervisor) teardownTransport() {
	rt := s.rt
	rt.generation++
	rt.stopTimers()
	if rt.cancelConn != nil {
		rt.cancelConn()
		rt.cancelConn = nil
	}
	rt.connecting = false

	s.stopCapture()
	s.flushTranscript(true)

	switch rt.Transport {
	case ModeRealtime:
		rt.events = nil
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.CloseTimeout)
		if err := s.protocol.Close(ctx); err != nil {
			s.logger.Warn("closing realtime session", zap.Error(err))
		}
		cancel()
	case ModeAudioStream:
		rt.streamUp = nil
		s.closeStream()
		s.out.publish(StateEvent{Mode: ModeAudioStream, State: StateIdle})
	}

	if rt.playback != nil {
		rt.playback.Stop()
		rt.playback = nil
	}
	rt.gate = nil
	rt.configured = false
	rt.Transport = ModeOff
}

func (s *Supervisor) startCapture() {
	rt := s.rt
	if !rt.wantsCapture() || rt.capture != nil || rt.captureStarting {
		return
	}
	rt.captureStarting = true
	rt.captureGen++
	gen := rt.captureGen
	ctx := s.runCtx
	go func() {
		h, err := s.capture.Start(ctx)
		if !s.post(func() { s.onCaptureStarted(gen, h, err) }) && h != nil {
			h.Stop()
		}
	}()
}

func (s *Supervisor) onCaptureStarted(gen uint64, h *CaptureHandle, err error) {
	rt := s.rt
	if gen != rt.captureGen {
		if h != nil {
			h.Stop()
		}
		return
	}
	rt.captureStarting = false
	if err == nil && !rt.wantsCapture() {
		h.Stop()
		return
	}
	if err != nil {
		s.snackbar(userMessage(err), SeverityError)
		return
	}
	rt.capture = h
	rt.frames = h.Frames()
	rt.captureDone = h.Done()
	if rt.gate != nil {
		rt.gate.Reset()
	}
	s.logger.Info("microphone streaming")
}

func (s *Supervisor) stopCapture() {
	rt := s.rt
	rt.captureGen++
	rt.captureStarting = false
	if rt.capture != nil {
		rt.capture.Stop()
		if n := rt.capture.Dropped(); n > 0 {
			s.logger.Info("capture stopped", zap.Uint64("dropped", n))
		}
		rt.capture = nil
	}
	rt.frames = nil
	rt.captureDone = nil
	rt.inputSuspended = false
	if rt.gate != nil {
		rt.gate.Reset()
	}
	for _, t := range []**time.Timer{&rt.responseTimer, &rt.restartTimer} {
		if *t != nil {
			(*t).Stop()
			*t = nil
		}
	}
}

func (s *Supervisor) onCaptureEnded() {
	rt := s.rt
	h := rt.capture
	if h == nil {
		return
	}
	err := h.Err()
	rt.capture = nil
	rt.frames = nil
	if err != nil {
		s.logger.Error("microphone stopped", err)
		s.snackbar(newMicError(err).UserMessage(), SeverityError)
	}
}

func (s *Supervisor) onFrame(frame AudioFrame) {
	rt := s.rt
	if rt.gate == nil || rt.MutedIn || rt.Paused || rt.inputSuspended {
		return
	}
	d := rt.gate.Feed(frame)
	ctx := s.runCtx
	if d.Advisory {
		s.logger.Debug("trailing silence after speech")
		s.opts.Metrics.RecordTurnBoundary(ctx, "advisory")
	}

	var err error
	switch d.Action {
	case GateSend:
		err = s.protocol.AppendAudio(ctx, d.Audio)
	case GateCommit:
		if err = s.protocol.AppendAudio(ctx, d.Audio); err == nil {
			err = s.protocol.Commit(ctx)
		}
		if err == nil {
			s.logger.Info("maximum turn length reached, input committed")
			s.opts.Metrics.RecordTurnBoundary(ctx, "forced_commit")
			s.scheduleResponse()
		}
	case GateClear:
		err = s.protocol.Clear(ctx)
		s.opts.Metrics.RecordTurnBoundary(ctx, "cleared")
	}
	if err != nil && !errors.Is(err, shared.ErrNotActive) {
		s.logger.Warn("sending input audio", zap.Stringer("action", d.Action), zap.Error(err))
	}
}

func (s *Supervisor) scheduleResponse() {
	rt := s.rt
	if rt.responseTimer != nil {
		rt.responseTimer.Stop()
	}
	gen := rt.generation
	rt.responseTimer = time.AfterFunc(s.opts.ResponseDelay, func() {
		s.post(func() {
			if gen != rt.generation {
				return
			}
			rt.responseTimer = nil
			if err := s.protocol.CreateResponse(s.runCtx); err != nil {
				s.logger.Warn("requesting response", zap.Error(err))
			}
		})
	})
}

func (s *Supervisor) onEvent(ev *ServerEvent) {
	rt := s.rt
	switch p := ev.Param.(type) {
	case *ServerEventParamProxyReady:
		s.logger.Debug("proxy ready")
	case *ServerEventParamSession:
		if ev.Type == ServerEventTypeSessionUpdated {
			if !rt.configured {
				s.logger.Info("session configured")
			}
			rt.configured = true
			s.startCapture()
		}
	case *ServerEventParamError:
		s.onRecoverableError(NewProtocolError(p))
	case *ServerEventParamInputAudioBufferCommitted:
		if rt.gate != nil {
			rt.gate.NoteCommitted()
		}
		if u := rt.transcript.Begin(SpeakerUser, p.ItemId); u != nil {
			s.emitFinal(*u)
		}
	case *ServerEventParamSpeechBoundary:
		s.logger.Debug("remote vad boundary", zap.String("type", string(ev.Type)), zap.Int("audioMs", p.AudioMs))
	case *ServerEventParamConversationItemCreated:
		switch p.Item.Role {
		case SpeakerUser, SpeakerAssistant:
			if u := rt.transcript.Begin(p.Item.Role, p.Item.Id); u != nil {
				s.emitFinal(*u)
			}
		}
	case *ServerEventParamTranscriptDelta:
		speaker := transcriptSpeaker(ev.Type)
		res := rt.transcript.OnDelta(speaker, p.ItemId, p.Delta)
		if res.Stale {
			return
		}
		if res.Finalized != nil {
			s.emitFinal(*res.Finalized)
		}
		if speaker == SpeakerUser {
			s.out.publish(UserDraftEvent{Text: res.Draft.Text})
		} else {
			s.out.publish(AssistantDraftEvent{Text: res.Draft.Text})
		}
	case *ServerEventParamTranscriptDone:
		if u, ok := rt.transcript.OnFinal(transcriptSpeaker(ev.Type), p.ItemId, p.Transcript); ok {
			s.emitFinal(u)
		}
	case *ServerEventParamResponseAudioDelta:
		if rt.playback == nil {
			return
		}
		rt.inputSuspended = true
		if rt.restartTimer != nil {
			rt.restartTimer.Stop()
			rt.restartTimer = nil
		}
		rt.playback.Enqueue(p.Audio)
	case *ServerEventParamResponseAudioDone:
		s.logger.Debug("response audio complete", zap.String("item", p.ItemId))
	case *ServerEventParamResponseDone:
		if status := p.Status(); status != "" && status != "completed" {
			s.logger.Warn("response ended", zap.String("status", status))
		}
		s.scheduleInputRestart()
	case *ServerEventParamEvaluation:
		s.out.publish(EvaluationEvent{Payload: p.Payload})
	default:
		s.logger.Debug("unhandled event", zap.String("type", string(ev.Type)))
	}
}

func transcriptSpeaker(t ServerEventType) Speaker {
	switch t {
	case ServerEventTypeConversationItemInputAudioTranscriptionDelta,
		ServerEventTypeConversationItemInputAudioTranscriptionCompleted:
		return SpeakerUser
	}
	return SpeakerAssistant
}

// scheduleInputRestart lifts the input suspension a moment after the
// response ends so the tail of the reply is not picked up.
func (s *Supervisor) scheduleInputRestart() {
	rt := s.rt
	if !rt.inputSuspended {
		return
	}
	if rt.restartTimer != nil {
		rt.restartTimer.Stop()
	}
	gen := rt.generation
	rt.restartTimer = time.AfterFunc(s.opts.RestartDelay, func() {
		s.post(func() {
			if gen != rt.generation {
				return
			}
			rt.restartTimer = nil
			rt.inputSuspended = false
		})
	})
}

func (s *Supervisor) onRecoverableError(perr *ProtocolError) {
	if perr.Class == ErrorClassSilent {
		s.logger.Debug("ignoring protocol error", zap.String("code", perr.Code))
		return
	}
	s.logger.Warn("recoverable protocol error", zap.String("code", perr.Code), zap.String("message", perr.Message))
	if s.rt.countError(perr.Code, s.opts.RecoverableRepeat) {
		s.snackbar(perr.UserMessage(), SeverityWarning)
	}
}

func (s *Supervisor) emitFinal(u Utterance) {
	rt := s.rt
	s.out.publish(MessageEvent{Role: u.Speaker, Content: u.Text})
	if u.Speaker == SpeakerUser {
		s.out.publish(UserTranscriptFinalEvent{Text: u.Text})
		s.out.publish(UserDraftEvent{})
	} else {
		s.out.publish(AssistantDraftEvent{})
	}
	s.opts.Metrics.RecordUtterance(s.runCtx, string(u.Speaker))
	rt.History = append(rt.History, Message{Role: string(u.Speaker), Content: u.Text})
	if rt.Complete || rt.SessionID == "" {
		return
	}
	s.persist.submit(interaction{sessionID: rt.SessionID, role: u.Speaker, message: u.Text})
}

// flushTranscript finalizes open utterances. With segments set the collected
// transcript log is handed to the host as well.
func (s *Supervisor) flushTranscript(segments bool) {
	rt := s.rt
	for _, u := range rt.transcript.Flush() {
		s.emitFinal(u)
	}
	if !segments {
		return
	}
	if segs := rt.transcript.TakeSegments(); len(segs) > 0 {
		s.out.publish(TranscriptSegmentsEvent{Segments: segs})
	}
}

func (s *Supervisor) snackbar(msg string, severity Severity) {
	s.out.publish(SnackbarEvent{Message: msg, Severity: severity})
}
