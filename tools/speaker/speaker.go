// Package speaker renders PCM16 audio on the default output device.
package speaker

import (
	"context"
	"fmt"
	"time"

	"github.com/bt-bridge/pacer-voice/shared"
	"github.com/ebitengine/oto/v3"
	"go.uber.org/zap"
)

// Sink feeds a single long-lived oto player from a chunk buffer. Play returns
// once the player has taken the chunk's last byte, which leaves the device
// buffer (not the chunk boundary) to absorb the hand-off to the next chunk.
// oto allows a single context per process.
type Sink struct {
	logger     shared.LoggerAdapter
	ctx        *oto.Context
	player     *oto.Player
	buf        *chunkBuffer
	sampleRate int
}

func New(logger shared.LoggerAdapter, sampleRate int, buffer time.Duration) (*Sink, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	otoCtx, ready, err := oto.NewContext(
		&oto.NewContextOptions{
			SampleRate:   sampleRate,
			ChannelCount: 1,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   buffer,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("creating audio context: %w", err)
	}
	<-ready
	buf := newChunkBuffer()
	player := otoCtx.NewPlayer(buf)
	player.Play()
	logger.Info("speaker ready", zap.Int("sampleRate", sampleRate), zap.Duration("buffer", buffer))
	return &Sink{
		logger:     logger.With(zap.String("component", "speaker")),
		ctx:        otoCtx,
		player:     player,
		buf:        buf,
		sampleRate: sampleRate,
	}, nil
}

func (s *Sink) Play(ctx context.Context, pcm []byte, sampleRate int) error {
	if sampleRate != s.sampleRate {
		return fmt.Errorf("speaker opened at %d Hz, chunk is %d Hz", s.sampleRate, sampleRate)
	}
	select {
	case <-s.buf.Write(pcm):
		return s.player.Err()
	case <-ctx.Done():
		s.buf.Discard()
		return ctx.Err()
	}
}

// Close releases the player. Pending chunks are dropped.
func (s *Sink) Close() error {
	_ = s.buf.Close()
	if err := s.player.Close(); err != nil {
		return fmt.Errorf("closing player: %w", err)
	}
	s.logger.Debug("speaker closed")
	return nil
}
