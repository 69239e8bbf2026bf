package voice

import (
	"time"

	"github.com/bt-bridge/pacer-voice/tools"
)

// AudioFrame is one chunk of captured PCM16 mono audio. Frames are not
// modified after the capture engine emits them.
type AudioFrame struct {
	Seq        uint64
	PCM        []byte
	SampleRate int
	Level      float64
	Captured   time.Time
}

func (f AudioFrame) Samples() int {
	return len(f.PCM) / 2
}

type GateAction int

const (
	// GateHold keeps the frame local: either discarded (no speech, remote
	// talking) or buffered until enough audio exists to append.
	GateHold GateAction = iota
	// GateSend appends Audio to the remote input buffer.
	GateSend
	// GateCommit appends Audio, if any, then commits the input buffer. It is
	// only produced by the maximum turn length.
	GateCommit
	// GateClear discards the remote input buffer. It replaces GateCommit when
	// too little audio was sent or the previous commit was too recent.
	GateClear
)

func (a GateAction) String() string {
	switch a {
	case GateHold:
		return "hold"
	case GateSend:
		return "send"
	case GateCommit:
		return "commit"
	case GateClear:
		return "clear"
	}
	return "unknown"
}

type GateDecision struct {
	Action GateAction
	Audio  []byte
	// Advisory is raised once per turn when trailing silence passes the
	// configured frame count. The transport's own VAD still decides the turn end.
	Advisory bool
}

type GateConfig struct {
	Threshold         float64       `yaml:"threshold"`
	SilenceFrames     int           `yaml:"silence_frames"`
	WarmupFrames      int           `yaml:"warmup_frames"`
	MinSpeech         time.Duration `yaml:"min_speech"`
	MaxTurn           time.Duration `yaml:"max_turn"`
	RemoteCooldown    time.Duration `yaml:"remote_cooldown"`
	MinCommitSamples  int           `yaml:"min_commit_samples"`
	MinCommitInterval time.Duration `yaml:"min_commit_interval"`
}

func DefaultGateConfig() GateConfig {
	return GateConfig{
		Threshold:         0.0005,
		SilenceFrames:     18,
		WarmupFrames:      10,
		MinSpeech:         time.Second,
		MaxTurn:           60 * time.Second,
		RemoteCooldown:    1500 * time.Millisecond,
		MinCommitSamples:  tools.FrameSamples(100*time.Millisecond, inputSampleRate, 1),
		MinCommitInterval: 500 * time.Millisecond,
	}
}

// RemoteActivity is the read-only view of remote playback the gate needs.
type RemoteActivity interface {
	Speaking() bool
	LastSpeechEnd() time.Time
}

// PendingCommit is the gate's bookkeeping for the current turn.
type PendingCommit struct {
	Unsent             []byte
	SamplesSinceCommit int
	LastCommit         time.Time
	SpeechDetected     bool
	SpeechStart        time.Time
}

// Gate decides per frame whether captured audio goes out. It is owned by the
// supervisor loop and not safe for concurrent use.
type Gate struct {
	cfg    GateConfig
	remote RemoteActivity
	clock  func() time.Time

	pending PendingCommit
	silence int
	frames  int
	advised bool
}

func NewGate(cfg GateConfig, remote RemoteActivity) *Gate {
	return &Gate{cfg: cfg, remote: remote, clock: time.Now}
}

func (g *Gate) WithClock(clock func() time.Time) *Gate {
	g.clock = clock
	return g
}

func (g *Gate) Pending() PendingCommit {
	p := g.pending
	p.Unsent = append([]byte(nil), g.pending.Unsent...)
	return p
}

func (g *Gate) Feed(frame AudioFrame) GateDecision {
	g.frames++
	now := g.clock()
	if g.remoteActive(now) {
		// Buffered audio from before the remote started is not sent later.
		g.pending.Unsent = nil
		g.resetTurn()
		return GateDecision{Action: GateHold}
	}

	if frame.Level >= g.cfg.Threshold {
		if !g.pending.SpeechDetected {
			g.pending.SpeechDetected = true
			g.pending.SpeechStart = now
		}
		g.silence = 0
		g.advised = false
	} else if g.frames > g.cfg.WarmupFrames && g.pending.SpeechDetected {
		g.silence++
	}
	if !g.pending.SpeechDetected {
		return GateDecision{Action: GateHold}
	}

	g.pending.Unsent = append(g.pending.Unsent, frame.PCM...)
	if now.Sub(g.pending.SpeechStart) > g.cfg.MaxTurn {
		return g.forceBoundary(now)
	}

	var d GateDecision
	if g.silence > g.cfg.SilenceFrames && !g.advised && now.Sub(g.pending.SpeechStart) > g.cfg.MinSpeech {
		g.advised = true
		d.Advisory = true
	}
	if len(g.pending.Unsent)/2 >= g.cfg.MinCommitSamples {
		d.Action = GateSend
		d.Audio = g.pending.Unsent
		g.pending.SamplesSinceCommit += len(d.Audio) / 2
		g.pending.Unsent = nil
	}
	return d
}

// NoteCommitted records a commit made by the transport's own turn detection.
// Audio still buffered belongs to the committed turn and is dropped.
func (g *Gate) NoteCommitted() {
	g.pending.LastCommit = g.clock()
	g.pending.SamplesSinceCommit = 0
	g.pending.Unsent = nil
	g.resetTurn()
}

// Reset discards buffered audio and all turn state, e.g. when capture stops.
func (g *Gate) Reset() {
	g.pending = PendingCommit{LastCommit: g.pending.LastCommit}
	g.silence = 0
	g.frames = 0
	g.advised = false
}

func (g *Gate) forceBoundary(now time.Time) GateDecision {
	total := g.pending.SamplesSinceCommit + len(g.pending.Unsent)/2
	intervalOK := g.pending.LastCommit.IsZero() || now.Sub(g.pending.LastCommit) >= g.cfg.MinCommitInterval
	d := GateDecision{Action: GateClear}
	if total >= g.cfg.MinCommitSamples && intervalOK {
		d = GateDecision{Action: GateCommit, Audio: g.pending.Unsent}
		g.pending.LastCommit = now
	}
	g.pending.Unsent = nil
	g.pending.SamplesSinceCommit = 0
	g.resetTurn()
	return d
}

func (g *Gate) resetTurn() {
	g.pending.SpeechDetected = false
	g.pending.SpeechStart = time.Time{}
	g.silence = 0
	g.advised = false
}

func (g *Gate) remoteActive(now time.Time) bool {
	if g.remote == nil {
		return false
	}
	if g.remote.Speaking() {
		return true
	}
	end := g.remote.LastSpeechEnd()
	return !end.IsZero() && now.Sub(end) < g.cfg.RemoteCooldown
}
