package agents

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	voice "github.com/bt-bridge/pacer-voice"
	"github.com/bt-bridge/pacer-voice/api"
	"github.com/bt-bridge/pacer-voice/config"
	"github.com/bt-bridge/pacer-voice/observe"
	"github.com/bt-bridge/pacer-voice/shared"
	"github.com/bt-bridge/pacer-voice/tools"
	"github.com/bt-bridge/pacer-voice/tools/speaker"
	"github.com/goccy/go-yaml"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"go.uber.org/zap"
)

const speakerBuffer = 100 * time.Millisecond

// SessionSpec selects what the agent talks about.
type SessionSpec struct {
	SessionID string                `yaml:"session_id"`
	Mode      voice.Mode            `yaml:"mode"`
	Scenario  voice.ScenarioContext `yaml:"scenario"`
	History   []voice.Message       `yaml:"history"`
}

// LoadSessionSpec reads a session spec from a YAML file.
func LoadSessionSpec(path string) (SessionSpec, error) {
	spec := SessionSpec{Mode: voice.ModeRealtime}
	data, err := os.ReadFile(path)
	if err != nil {
		return spec, fmt.Errorf("reading session spec: %w", err)
	}
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return spec, fmt.Errorf("parsing session spec: %w", err)
	}
	if spec.SessionID == "" {
		return spec, shared.ErrNoSession
	}
	return spec, nil
}

// controller is the part of the supervisor the terminal commands drive.
type controller interface {
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	MuteInput(ctx context.Context, muted bool) error
	MuteOutput(ctx context.Context, muted bool) error
	Reconnect(ctx context.Context) error
	SetMode(ctx context.Context, mode voice.Mode) error
	SetComplete(ctx context.Context, complete bool) error
	Snapshot(ctx context.Context) (voice.RuntimeSnapshot, error)
}

type CLIState struct {
	persona string
	turns   int
}

func NewCLIState() *CLIState {
	return &CLIState{persona: "Client"}
}

type CLIAgent struct {
	logger    shared.LoggerAdapter
	printer   *shared.Printer
	backend   *api.Client
	sup       *voice.Supervisor
	sink      *speaker.Sink
	ctrl      controller
	state     *CLIState
	sessionID string

	mu     sync.Mutex
	done   chan struct{}
	runErr error
}

func (a *CLIAgent) Spawn(
	ctx context.Context,
	logger shared.LoggerAdapter,
	cfg config.Config,
	spec SessionSpec,
	printer *shared.Printer,
	metrics *observe.Metrics,
) error {
	if logger == nil {
		return shared.ErrNoLogger
	}
	if printer == nil {
		return errors.New("no printer provided")
	}
	if spec.SessionID == "" {
		return shared.ErrNoSession
	}
	a.logger = logger
	a.printer = printer
	a.state = NewCLIState()
	a.sessionID = spec.SessionID
	if spec.Scenario.Persona.Name != "" {
		a.state.persona = spec.Scenario.Persona.Name
	}
	a.logger.Info("spawning CLI agent", zap.String("session", spec.SessionID))
	a.println("🤖 Spawning CLI agent...\n", 0)

	var err error
	if a.backend, err = api.NewClient(a.logger, cfg.API); err != nil {
		a.logger.Error("creating api client", err)
		return err
	}

	a.println("📋 Session Config\n", 0)
	yamlBytes, err := yaml.Marshal(cfg.Session)
	if err != nil {
		a.logger.Error("marshaling session config to yaml", err)
		return err
	}
	if err := a.printer.Write(string(yamlBytes), 1); err != nil {
		a.logger.Error("printing session config", err)
	}

	a.println("\n\n🎤 Preparing microphone...", 0)
	source, err := tools.NewMediaDevicesSource(a.logger)
	if err != nil {
		a.logger.Error("creating microphone source", err)
		return err
	}
	a.println("🔈 Opening speaker...", 0)
	if a.sink, err = speaker.New(a.logger, cfg.Playback.SampleRate, speakerBuffer); err != nil {
		a.logger.Error("opening speaker", err)
		a.println("❌ Unable to open the audio output device.\n", 0)
		return err
	}
	dialer, err := voice.NewWSDialer(a.logger, nil)
	if err != nil {
		return err
	}

	opts := cfg.Options()
	opts.Backend = a.backend
	opts.Dialer = dialer
	opts.Source = source
	opts.Sink = a.sink
	opts.Metrics = metrics
	if a.sup, err = voice.NewSupervisor(a.logger, opts); err != nil {
		a.logger.Error("creating supervisor", err)
		return err
	}
	a.ctrl = a.sup

	a.done = make(chan struct{})
	go func() {
		defer close(a.done)
		err := a.sup.Run(ctx)
		a.mu.Lock()
		a.runErr = err
		a.mu.Unlock()
	}()
	go a.render(a.sup.Events())

	if err := a.sup.SetMode(ctx, spec.Mode); err != nil {
		return err
	}
	if err := a.sup.SetSession(ctx, spec.SessionID, spec.Scenario, spec.History); err != nil {
		return err
	}
	a.println("✅ Agent running. Type \"help\" for commands.\n", 0)
	return nil
}

func (a *CLIAgent) Done() <-chan struct{} {
	return a.done
}

func (a *CLIAgent) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.runErr
}

// Close stops the supervisor after queued assistant audio has played, then
// releases the speaker.
func (a *CLIAgent) Close(ctx context.Context) error {
	var err error
	if a.sup != nil {
		err = a.sup.Stop(ctx, true)
	}
	if a.sink != nil {
		err = errors.Join(err, a.sink.Close())
	}
	return err
}

var errQuit = errors.New("quit")

const helpText = `commands:
  pause | resume          stop or restart the microphone
  mute | unmute           drop or send microphone audio
  deafen | undeafen       silence or restore assistant audio
  mode <off|realtime|audio_ws>
  reconnect               reconnect the voice transport
  complete                finish the game session
  status                  show the runtime state
  quit`

// HandleCommand runs one terminal command. It returns errQuit for quit.
func (a *CLIAgent) HandleCommand(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	var err error
	switch cmd := strings.ToLower(fields[0]); cmd {
	case "help", "?":
		a.println(helpText, 1)
	case "pause":
		err = a.ctrl.Pause(ctx)
	case "resume":
		err = a.ctrl.Resume(ctx)
	case "mute", "unmute":
		err = a.ctrl.MuteInput(ctx, cmd == "mute")
	case "deafen", "undeafen":
		err = a.ctrl.MuteOutput(ctx, cmd == "deafen")
	case "reconnect":
		err = a.ctrl.Reconnect(ctx)
	case "mode":
		if len(fields) != 2 {
			return errors.New("usage: mode <off|realtime|audio_ws>")
		}
		err = a.ctrl.SetMode(ctx, voice.Mode(fields[1]))
	case "complete":
		if a.backend != nil {
			if err := a.backend.Complete(ctx, a.sessionID); err != nil {
				a.logger.Error("completing session", err)
			}
		}
		err = a.ctrl.SetComplete(ctx, true)
	case "status":
		var snap voice.RuntimeSnapshot
		if snap, err = a.ctrl.Snapshot(ctx); err == nil {
			a.printStatus(snap)
		}
	case "quit", "exit":
		return errQuit
	default:
		return fmt.Errorf("unknown command %q", fields[0])
	}
	return err
}

// IsQuit reports whether HandleCommand asked to leave.
func IsQuit(err error) bool {
	return errors.Is(err, errQuit)
}

func (a *CLIAgent) printStatus(s voice.RuntimeSnapshot) {
	a.println(fmt.Sprintf("session %s, mode %s, transport %s, state %s", s.SessionID, s.Mode, s.Transport, s.State), 1)
	a.println(fmt.Sprintf("paused=%t complete=%t muted=%t deafened=%t capturing=%t speaking=%t",
		s.Paused, s.Complete, s.MutedIn, s.MutedOut, s.Capturing, s.Speaking), 1)
}

func (a *CLIAgent) render(events <-chan voice.HostEvent) {
	for ev := range events {
		a.renderEvent(ev)
	}
	a.logger.Debug("event stream closed")
}

func (a *CLIAgent) renderEvent(ev voice.HostEvent) {
	switch e := ev.(type) {
	case voice.SnackbarEvent:
		a.println(severityIcon(e.Severity)+" "+e.Message, 0)
	case voice.MessageEvent:
		a.state.turns++
		if e.Role == voice.SpeakerUser {
			a.println("🧑 You: "+e.Content, 1)
		} else {
			a.println("🤖 "+a.state.persona+": "+e.Content, 1)
		}
	case voice.StateEvent:
		a.logger.Debug("connection state", zap.String("mode", string(e.Mode)), zap.Stringer("state", e.State))
		if e.State == voice.StateActive || e.State == voice.StateFailed {
			a.println(fmt.Sprintf("🔌 %s %s", e.Mode, e.State), 0)
		}
	case voice.EvaluationEvent:
		a.println("📊 Evaluation", 0)
		keys := make([]string, 0, len(e.Payload))
		for k := range e.Payload {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			a.println(fmt.Sprintf("%s: %v", k, e.Payload[k]), 1)
		}
	case voice.TranscriptSegmentsEvent:
		a.println(fmt.Sprintf("📝 Transcript saved (%d lines)", len(e.Segments)), 0)
	case voice.UserDraftEvent, voice.AssistantDraftEvent, voice.UserTranscriptFinalEvent:
		a.logger.Trace("draft", zap.Any("event", e))
	}
}

func severityIcon(s voice.Severity) string {
	switch s {
	case voice.SeveritySuccess:
		return "✅"
	case voice.SeverityWarning:
		return "⚠️"
	case voice.SeverityError:
		return "❌"
	}
	return "ℹ️"
}

func (a *CLIAgent) println(s string, ind int) {
	if err := a.printer.Writeln(s, ind); err != nil {
		a.logger.Error("printing", err)
	}
}
