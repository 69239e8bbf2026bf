package voice

import (
	"context"
	"time"
)

// Mode selects the voice transport.
type Mode string

const (
	ModeOff         Mode = "off"
	ModeAudioStream Mode = "audio_ws"
	ModeRealtime    Mode = "realtime"
)

// Backend is the REST surface the supervisor consumes. api.Client implements it.
type Backend interface {
	// IdentityToken returns the application token sent as auth_jwt.
	IdentityToken(ctx context.Context) (string, error)
	// RealtimeToken returns an ephemeral provider token for the game session.
	RealtimeToken(ctx context.Context, sessionID string) (string, error)
	TransportURL(sessionID string) string
	AudioStreamURL(sessionID, token string) string
	PersistInteraction(ctx context.Context, sessionID, role, message string) error
}

type ReconnectPolicy struct {
	// MaxAttempts bounds automatic reconnects after an abnormal closure.
	// Zero leaves reconnecting to the host.
	MaxAttempts int           `yaml:"max_attempts"`
	Initial     time.Duration `yaml:"initial"`
	Max         time.Duration `yaml:"max"`
}

// Delay is the backoff before the given attempt, starting at 1.
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	d := p.Initial
	for i := 1; i < attempt && d < p.Max; i++ {
		d *= 2
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	return d
}

// SessionRuntime is all mutable state of one supervised game session. Only
// the supervisor loop reads or writes it.
type SessionRuntime struct {
	SessionID string
	Scenario  ScenarioContext
	History   []Message
	Mode      Mode
	Transport Mode
	Paused    bool
	Complete  bool
	MutedIn   bool
	MutedOut  bool

	digest     string
	generation uint64
	connecting bool
	cancelConn context.CancelFunc
	configured bool

	protocol *ProtocolSession
	events   <-chan *ServerEvent
	stream   *AudioStream
	streamUp <-chan struct{}

	playback   *PlaybackScheduler
	gate       *Gate
	transcript *TranscriptReconciler

	capture         *CaptureHandle
	frames          <-chan AudioFrame
	captureDone     <-chan struct{}
	captureStarting bool
	captureGen      uint64
	inputSuspended  bool

	errorCounts       map[string]int
	reconnectAttempts int

	responseTimer  *time.Timer
	restartTimer   *time.Timer
	reconnectTimer *time.Timer
}

// RuntimeSnapshot is a read-only copy of the runtime flags.
type RuntimeSnapshot struct {
	SessionID  string
	Mode       Mode
	Transport  Mode
	State      ConnectionState
	Paused     bool
	Complete   bool
	MutedIn    bool
	MutedOut   bool
	Configured bool
	Capturing  bool
	Speaking   bool
}

func (rt *SessionRuntime) snapshot() RuntimeSnapshot {
	snap := RuntimeSnapshot{
		SessionID:  rt.SessionID,
		Mode:       rt.Mode,
		Transport:  rt.Transport,
		State:      StateIdle,
		Paused:     rt.Paused,
		Complete:   rt.Complete,
		MutedIn:    rt.MutedIn,
		MutedOut:   rt.MutedOut,
		Configured: rt.configured,
		Capturing:  rt.capture != nil,
	}
	if rt.protocol != nil {
		snap.State = rt.protocol.State()
	}
	if rt.playback != nil {
		snap.Speaking = rt.playback.Speaking()
	}
	return snap
}

// wantedTransport is the transport the flags call for.
func (rt *SessionRuntime) wantedTransport() Mode {
	if rt.SessionID == "" || rt.Complete || rt.Mode == "" {
		return ModeOff
	}
	return rt.Mode
}

// wantsCapture reports whether the microphone should be running.
func (rt *SessionRuntime) wantsCapture() bool {
	return rt.Transport == ModeRealtime && rt.configured && !rt.Paused && !rt.Complete &&
		rt.protocol != nil && rt.protocol.State() == StateActive
}

func (rt *SessionRuntime) stopTimers() {
	for _, t := range []**time.Timer{&rt.responseTimer, &rt.restartTimer, &rt.reconnectTimer} {
		if *t != nil {
			(*t).Stop()
			*t = nil
		}
	}
}

// countError records a recoverable code and reports whether it has now
// repeated often enough to surface.
func (rt *SessionRuntime) countError(code string, threshold int) bool {
	if rt.errorCounts == nil {
		rt.errorCounts = make(map[string]int)
	}
	rt.errorCounts[code]++
	if threshold > 0 && rt.errorCounts[code] >= threshold {
		rt.errorCounts[code] = 0
		return true
	}
	return false
}
