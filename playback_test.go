package voice

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bt-bridge/pacer-voice/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu      sync.Mutex
	log     []string
	chunks  [][]byte
	rates   []int
	active  atomic.Int32
	overlap atomic.Bool
	gate    chan struct{}
	err     error
}

func (s *recordingSink) Play(ctx context.Context, pcm []byte, rate int) error {
	if s.active.Add(1) > 1 {
		s.overlap.Store(true)
	}
	defer s.active.Add(-1)
	s.mu.Lock()
	s.log = append(s.log, "start:"+string(rune('0'+pcm[0])))
	s.chunks = append(s.chunks, pcm)
	s.rates = append(s.rates, rate)
	s.mu.Unlock()
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	s.log = append(s.log, "end:"+string(rune('0'+pcm[0])))
	s.mu.Unlock()
	return s.err
}

func (s *recordingSink) entries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.log...)
}

func newTestPlayback(t *testing.T, sink Sink) *PlaybackScheduler {
	t.Helper()
	p, err := NewPlaybackScheduler(shared.NewNopLogger(), sink, DefaultPlaybackConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(p.Stop)
	return p
}

func TestPlaybackValidation(t *testing.T) {
	_, err := NewPlaybackScheduler(nil, &recordingSink{}, DefaultPlaybackConfig(), nil)
	assert.ErrorIs(t, err, shared.ErrNoLogger)
	_, err = NewPlaybackScheduler(shared.NewNopLogger(), nil, DefaultPlaybackConfig(), nil)
	assert.ErrorIs(t, err, shared.ErrNoSink)
	_, err = NewPlaybackScheduler(shared.NewNopLogger(), &recordingSink{}, PlaybackConfig{}, nil)
	assert.ErrorIs(t, err, shared.ErrNoConfig)
}

func TestPlaybackStrictOrder(t *testing.T) {
	sink := &recordingSink{}
	p := newTestPlayback(t, sink)

	for i := 1; i <= 5; i++ {
		require.True(t, p.Enqueue([]byte{byte(i), 0}))
	}
	require.NoError(t, p.Drain(context.Background()))

	assert.Equal(t, []string{
		"start:1", "end:1", "start:2", "end:2", "start:3", "end:3",
		"start:4", "end:4", "start:5", "end:5",
	}, sink.entries())
	assert.False(t, sink.overlap.Load())
	for _, r := range sink.rates {
		assert.Equal(t, 24000, r)
	}
}

func TestPlaybackSpeakingFlag(t *testing.T) {
	sink := &recordingSink{gate: make(chan struct{})}
	p := newTestPlayback(t, sink)
	end := time.Unix(500, 0)
	p.clock = func() time.Time { return end }

	assert.False(t, p.Speaking())
	require.True(t, p.Enqueue([]byte{1, 0}))
	require.True(t, p.Enqueue([]byte{2, 0}))
	assert.True(t, p.Speaking())

	sink.gate <- struct{}{}
	require.Eventually(t, func() bool { return len(sink.entries()) == 3 }, waitFor, tick)
	assert.True(t, p.Speaking(), "speaking stays set between chunks")
	assert.True(t, p.LastSpeechEnd().IsZero())

	sink.gate <- struct{}{}
	require.NoError(t, p.Drain(context.Background()))
	assert.False(t, p.Speaking())
	assert.Equal(t, end, p.LastSpeechEnd())
}

func TestPlaybackDropsMalformedChunks(t *testing.T) {
	sink := &recordingSink{gate: make(chan struct{})}
	p := newTestPlayback(t, sink)

	assert.False(t, p.Enqueue(nil))
	assert.False(t, p.Enqueue([]byte{1, 2, 3}))
	assert.False(t, p.Speaking())

	require.True(t, p.Enqueue([]byte{1, 0}))
	require.Eventually(t, func() bool { return len(sink.entries()) == 1 }, waitFor, tick)
	assert.False(t, p.Enqueue([]byte{}))
	assert.True(t, p.Speaking(), "a dropped chunk does not end speech")
	sink.gate <- struct{}{}
	require.NoError(t, p.Drain(context.Background()))
}

func TestPlaybackMutedPlaysSilence(t *testing.T) {
	sink := &recordingSink{}
	p := newTestPlayback(t, sink)
	p.SetMuted(true)

	require.True(t, p.Enqueue([]byte{9, 9, 9, 9}))
	require.NoError(t, p.Drain(context.Background()))

	require.Len(t, sink.chunks, 1)
	assert.Equal(t, []byte{0, 0, 0, 0}, sink.chunks[0])
}

func TestPlaybackSinkErrorContinues(t *testing.T) {
	sink := &recordingSink{err: errors.New("device lost")}
	p := newTestPlayback(t, sink)

	require.True(t, p.Enqueue([]byte{1, 0}))
	require.True(t, p.Enqueue([]byte{2, 0}))
	require.NoError(t, p.Drain(context.Background()))
	assert.Len(t, sink.chunks, 2)
	assert.False(t, p.Speaking())
}

func TestPlaybackStopDiscardsQueue(t *testing.T) {
	sink := &recordingSink{gate: make(chan struct{})}
	p := newTestPlayback(t, sink)

	for i := 1; i <= 3; i++ {
		require.True(t, p.Enqueue([]byte{byte(i), 0}))
	}
	require.Eventually(t, func() bool { return len(sink.entries()) == 1 }, waitFor, tick)

	p.Stop()
	assert.False(t, p.Speaking())
	assert.Zero(t, p.Queued())
	assert.Equal(t, []string{"start:1"}, sink.entries())
	assert.False(t, p.Enqueue([]byte{4, 0}))
	assert.NoError(t, p.Drain(context.Background()))
}

func TestPlaybackDrainTimeout(t *testing.T) {
	sink := &recordingSink{gate: make(chan struct{})}
	p := newTestPlayback(t, sink)
	require.True(t, p.Enqueue([]byte{1, 0}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Drain(ctx), context.DeadlineExceeded)
}
