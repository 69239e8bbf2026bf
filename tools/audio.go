package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/bt-bridge/pacer-voice/shared"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/mediadevices/pkg/wave"
	"go.uber.org/zap"
)

var (
	ErrMicPermissionDenied = errors.New("microphone permission denied")
	ErrMicNotFound         = errors.New("no microphone found")
	ErrMicBusy             = errors.New("microphone is busy")
	ErrMicConstraints      = errors.New("microphone constraints cannot be satisfied")
)

// Constraints are requested from the platform when a microphone is opened.
// Backends that cannot honour a processing flag log it and continue.
type Constraints struct {
	SampleRate       int
	ChannelCount     int
	NoiseSuppression bool
	EchoCancellation bool
	AutoGainControl  bool
}

// MicStream yields mono float samples in [-1, 1] at the stream's native rate.
// ReadSamples blocks until the next hardware buffer is available and returns
// io.EOF once the stream is closed.
type MicStream interface {
	ReadSamples() (samples []float32, rate int, err error)
	Close() error
}

// MediaDevicesSource opens the default microphone through pion/mediadevices.
// A driver must be registered by importing
// github.com/pion/mediadevices/pkg/driver/microphone in the main package.
type MediaDevicesSource struct {
	logger shared.LoggerAdapter
}

func NewMediaDevicesSource(logger shared.LoggerAdapter) (*MediaDevicesSource, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	return &MediaDevicesSource{logger: logger.With(zap.String("component", "microphone"))}, nil
}

func (s *MediaDevicesSource) Open(ctx context.Context, c Constraints) (MicStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !hasAudioInput() {
		return nil, ErrMicNotFound
	}
	if c.EchoCancellation || c.AutoGainControl || !c.NoiseSuppression {
		s.logger.Debug(
			"audio processing constraints are not configurable on this backend",
			zap.Bool("noiseSuppression", c.NoiseSuppression),
			zap.Bool("echoCancellation", c.EchoCancellation),
			zap.Bool("autoGainControl", c.AutoGainControl),
		)
	}
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(mc *mediadevices.MediaTrackConstraints) {
			if c.SampleRate > 0 {
				mc.SampleRate = prop.Int(c.SampleRate)
			}
			mc.ChannelCount = prop.Int(max(c.ChannelCount, 1))
			mc.SampleSize = prop.Int(16)
		},
	})
	if err != nil {
		return nil, classifyMediaError(err)
	}
	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, ErrMicNotFound
	}
	track, ok := tracks[0].(*mediadevices.AudioTrack)
	if !ok {
		_ = tracks[0].Close()
		return nil, fmt.Errorf("unexpected audio track type %T", tracks[0])
	}
	s.logger.Info("microphone opened", zap.String("track", track.ID()))
	return &mediaStream{
		track:  track,
		reader: track.NewReader(false),
		closed: make(chan struct{}),
	}, nil
}

type mediaStream struct {
	track  *mediadevices.AudioTrack
	reader audio.Reader

	closeOnce sync.Once
	closed    chan struct{}
}

func (m *mediaStream) ReadSamples() ([]float32, int, error) {
	select {
	case <-m.closed:
		return nil, 0, io.EOF
	default:
	}

	chunk, release, err := m.reader.Read()
	if err != nil {
		select {
		case <-m.closed:
			return nil, 0, io.EOF
		default:
		}
		return nil, 0, err
	}
	defer release()

	info := chunk.ChunkInfo()
	samples, err := monoSamples(chunk, info)
	if err != nil {
		return nil, 0, err
	}
	return samples, info.SamplingRate, nil
}

func (m *mediaStream) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.closed)
		err = m.track.Close()
	})
	return err
}

// monoSamples takes the first channel of a chunk.
func monoSamples(chunk wave.Audio, info wave.ChunkInfo) ([]float32, error) {
	ch := max(info.Channels, 1)
	out := make([]float32, info.Len)
	switch a := chunk.(type) {
	case *wave.Int16Interleaved:
		for i := range out {
			out[i] = float32(a.Data[i*ch]) / 0x8000
		}
	case *wave.Float32Interleaved:
		for i := range out {
			out[i] = a.Data[i*ch]
		}
	case *wave.Int16NonInterleaved:
		if len(a.Data) == 0 {
			return nil, nil
		}
		return Int16ToFloat(a.Data[0][:info.Len]), nil
	case *wave.Float32NonInterleaved:
		if len(a.Data) == 0 {
			return nil, nil
		}
		copy(out, a.Data[0])
	default:
		return nil, fmt.Errorf("unsupported audio chunk type %T", chunk)
	}
	return out, nil
}

func hasAudioInput() bool {
	for _, d := range mediadevices.EnumerateDevices() {
		if d.Kind == mediadevices.AudioInput {
			return true
		}
	}
	return false
}

// classifyMediaError maps driver errors onto the microphone sentinels. The
// drivers only report free-form messages, so matching is by substring.
func classifyMediaError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission"), strings.Contains(msg, "denied"), strings.Contains(msg, "not allowed"):
		return fmt.Errorf("%w: %w", ErrMicPermissionDenied, err)
	case strings.Contains(msg, "busy"), strings.Contains(msg, "in use"), strings.Contains(msg, "not readable"):
		return fmt.Errorf("%w: %w", ErrMicBusy, err)
	case strings.Contains(msg, "constraint"), strings.Contains(msg, "fits"):
		return fmt.Errorf("%w: %w", ErrMicConstraints, err)
	case strings.Contains(msg, "not found"), strings.Contains(msg, "no device"):
		return fmt.Errorf("%w: %w", ErrMicNotFound, err)
	}
	return err
}
