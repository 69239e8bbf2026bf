package voice

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bt-bridge/pacer-voice/observe"
	"github.com/bt-bridge/pacer-voice/shared"
	"github.com/bt-bridge/pacer-voice/tools"
	"go.uber.org/zap"
)

// FrameSource opens a microphone. tools.MediaDevicesSource is the hardware
// implementation; tests inject synthetic streams.
type FrameSource interface {
	Open(ctx context.Context, c tools.Constraints) (tools.MicStream, error)
}

// inputSampleRate is the rate the proxy expects for pcm16 input audio.
const inputSampleRate = 16000

type CaptureConfig struct {
	TargetRate       int  `yaml:"target_rate"`
	NativeRate       int  `yaml:"native_rate"`
	FrameSize        int  `yaml:"frame_size"`
	Buffer           int  `yaml:"buffer"`
	NoiseSuppression bool `yaml:"noise_suppression"`
	EchoCancellation bool `yaml:"echo_cancellation"`
	AutoGainControl  bool `yaml:"auto_gain_control"`
}

func DefaultCaptureConfig() CaptureConfig {
	return CaptureConfig{
		TargetRate:       inputSampleRate,
		NativeRate:       48000,
		FrameSize:        4096,
		Buffer:           8,
		NoiseSuppression: true,
	}
}

type AudioCaptureEngine struct {
	logger  shared.LoggerAdapter
	source  FrameSource
	cfg     CaptureConfig
	metrics *observe.Metrics
	clock   func() time.Time

	mu      sync.Mutex
	current *CaptureHandle
}

func NewAudioCaptureEngine(logger shared.LoggerAdapter, source FrameSource, cfg CaptureConfig, metrics *observe.Metrics) (*AudioCaptureEngine, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if source == nil {
		return nil, shared.ErrNoFrameSource
	}
	if cfg.TargetRate <= 0 || cfg.FrameSize <= 0 {
		return nil, shared.ErrNoConfig
	}
	return &AudioCaptureEngine{
		logger:  logger.With(zap.String("component", "capture")),
		source:  source,
		cfg:     cfg,
		metrics: metrics,
		clock:   time.Now,
	}, nil
}

// Start opens the microphone and begins producing frames. Failures to open
// the device are returned as *MicError.
func (e *AudioCaptureEngine) Start(ctx context.Context) (*CaptureHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.current != nil {
		select {
		case <-e.current.done:
		default:
			return nil, shared.ErrCaptureRunning
		}
	}
	stream, err := e.source.Open(ctx, tools.Constraints{
		SampleRate:       e.cfg.NativeRate,
		ChannelCount:     1,
		NoiseSuppression: e.cfg.NoiseSuppression,
		EchoCancellation: e.cfg.EchoCancellation,
		AutoGainControl:  e.cfg.AutoGainControl,
	})
	if err != nil {
		me := newMicError(err)
		e.logger.Error("opening microphone", err, zap.Stringer("kind", me.Kind))
		return nil, me
	}
	h := &CaptureHandle{
		engine: e,
		stream: stream,
		frames: make(chan AudioFrame, max(e.cfg.Buffer, 1)),
		done:   make(chan struct{}),
		stop:   make(chan struct{}),
	}
	e.current = h
	go h.run()
	e.logger.Info("capture started", zap.Int("targetRate", e.cfg.TargetRate), zap.Int("frameSize", e.cfg.FrameSize))
	return h, nil
}

// Close stops the running capture, if any. Start fails afterwards once ctx
// passed to it is done.
func (e *AudioCaptureEngine) Close() {
	e.mu.Lock()
	h := e.current
	e.mu.Unlock()
	if h != nil {
		h.Stop()
	}
}

// CaptureHandle is one running capture. Frames are delivered on a bounded
// channel; when the consumer lags the oldest queued frame is discarded so the
// producer never blocks.
type CaptureHandle struct {
	engine *AudioCaptureEngine
	stream tools.MicStream
	frames chan AudioFrame

	dropped  atomic.Uint64
	seq      uint64
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
	err      error
}

func (h *CaptureHandle) Frames() <-chan AudioFrame {
	return h.frames
}

func (h *CaptureHandle) Dropped() uint64 {
	return h.dropped.Load()
}

func (h *CaptureHandle) Done() <-chan struct{} {
	return h.done
}

// Err reports why capture ended on its own. It is nil after Stop.
func (h *CaptureHandle) Err() error {
	<-h.done
	return h.err
}

// Stop closes the microphone and discards frames not yet consumed.
func (h *CaptureHandle) Stop() {
	h.stopOnce.Do(func() {
		close(h.stop)
		if err := h.stream.Close(); err != nil {
			h.engine.logger.Error("closing microphone", err)
		}
	})
	<-h.done
	for range h.frames {
	}
}

func (h *CaptureHandle) stopped() bool {
	select {
	case <-h.stop:
		return true
	default:
		return false
	}
}

func (h *CaptureHandle) run() {
	defer close(h.done)
	defer close(h.frames)
	e := h.engine
	var native []float32
	for {
		samples, rate, err := h.stream.ReadSamples()
		if err != nil {
			if h.stopped() || errors.Is(err, io.EOF) {
				return
			}
			e.logger.Error("reading microphone", err)
			h.err = err
			return
		}
		if h.stopped() {
			return
		}
		native = append(native, samples...)
		for len(native) >= e.cfg.FrameSize {
			h.emit(native[:e.cfg.FrameSize], rate)
			native = native[e.cfg.FrameSize:]
		}
	}
}

func (h *CaptureHandle) emit(chunk []float32, rate int) {
	e := h.engine
	if rate <= 0 {
		rate = e.cfg.TargetRate
	}
	h.seq++
	frame := AudioFrame{
		Seq:        h.seq,
		PCM:        tools.FloatToPCM16(tools.Downsample(chunk, rate, e.cfg.TargetRate)),
		SampleRate: e.cfg.TargetRate,
		Level:      tools.RMS(chunk),
		Captured:   e.clock(),
	}
	dropped := false
	for {
		select {
		case h.frames <- frame:
			e.metrics.RecordFrame(context.Background(), dropped)
			return
		default:
		}
		select {
		case old := <-h.frames:
			dropped = true
			n := h.dropped.Add(1)
			e.logger.Warn("capture consumer lagging, dropped oldest frame",
				zap.Uint64("seq", old.Seq),
				zap.Uint64("droppedTotal", n),
			)
		default:
		}
	}
}
