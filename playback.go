package voice

import (
	"context"
	"sync"
	"time"

	"github.com/bt-bridge/pacer-voice/observe"
	"github.com/bt-bridge/pacer-voice/shared"
	"github.com/bt-bridge/pacer-voice/tools"
	"go.uber.org/zap"
)

// Sink plays PCM16 mono audio. Play blocks until the chunk has been fully
// rendered or ctx is cancelled.
type Sink interface {
	Play(ctx context.Context, pcm []byte, sampleRate int) error
}

type PlaybackConfig struct {
	// SampleRate is the protocol's declared output rate, not the device rate.
	SampleRate int `yaml:"sample_rate"`
}

func DefaultPlaybackConfig() PlaybackConfig {
	return PlaybackConfig{SampleRate: 24000}
}

// PlaybackScheduler plays remote audio chunks strictly in receipt order on a
// single worker. Speaking is true while a chunk plays or chunks are queued.
type PlaybackScheduler struct {
	logger  shared.LoggerAdapter
	sink    Sink
	cfg     PlaybackConfig
	metrics *observe.Metrics
	clock   func() time.Time

	mu      sync.Mutex
	queue   [][]byte
	playing bool
	muted   bool
	stopped bool
	lastEnd time.Time
	idle    chan struct{}

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewPlaybackScheduler(logger shared.LoggerAdapter, sink Sink, cfg PlaybackConfig, metrics *observe.Metrics) (*PlaybackScheduler, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if sink == nil {
		return nil, shared.ErrNoSink
	}
	if cfg.SampleRate <= 0 {
		return nil, shared.ErrNoConfig
	}
	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)
	p := &PlaybackScheduler{
		logger:  logger.With(zap.String("component", "playback")),
		sink:    sink,
		cfg:     cfg,
		metrics: metrics,
		clock:   time.Now,
		idle:    idle,
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go p.run()
	return p, nil
}

// Enqueue queues one chunk. Empty or malformed chunks are dropped without
// touching the speaking state.
func (p *PlaybackScheduler) Enqueue(pcm []byte) bool {
	if len(pcm) == 0 || len(pcm)%2 != 0 {
		p.logger.Warn("dropping malformed audio chunk", zap.Int("bytes", len(pcm)))
		p.metrics.RecordChunk(context.Background(), false)
		return false
	}
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return false
	}
	if !p.speakingLocked() {
		p.idle = make(chan struct{})
	}
	p.queue = append(p.queue, pcm)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return true
}

func (p *PlaybackScheduler) Speaking() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.speakingLocked()
}

// LastSpeechEnd is when the queue last ran dry.
func (p *PlaybackScheduler) LastSpeechEnd() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastEnd
}

// SetMuted renders subsequent chunks as silence of the same length.
func (p *PlaybackScheduler) SetMuted(muted bool) {
	p.mu.Lock()
	p.muted = muted
	p.mu.Unlock()
}

func (p *PlaybackScheduler) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Drain waits until every queued chunk has played.
func (p *PlaybackScheduler) Drain(ctx context.Context) error {
	p.mu.Lock()
	idle := p.idle
	p.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop interrupts the current chunk, discards the queue and releases the
// worker. The scheduler cannot be restarted.
func (p *PlaybackScheduler) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		<-p.done
		return
	}
	p.stopped = true
	dropped := len(p.queue)
	p.queue = nil
	p.mu.Unlock()

	p.cancel()
	<-p.done

	p.mu.Lock()
	if p.playing {
		p.playing = false
		p.lastEnd = p.clock()
	}
	p.closeIdleLocked()
	p.mu.Unlock()
	p.logger.Debug("playback stopped", zap.Int("discarded", dropped))
}

func (p *PlaybackScheduler) run() {
	defer close(p.done)
	for {
		chunk, muted, ok := p.next()
		if !ok {
			return
		}
		if muted {
			chunk = make([]byte, len(chunk))
		}
		err := p.sink.Play(p.ctx, chunk, p.cfg.SampleRate)
		if p.ctx.Err() != nil {
			return
		}
		if err != nil {
			p.logger.Error("playing audio chunk", err, zap.Duration("length", tools.PCM16Duration(chunk, p.cfg.SampleRate)))
		}
		p.metrics.RecordChunk(p.ctx, err == nil)
		p.complete()
	}
}

// next blocks until a chunk is available and marks it as playing.
func (p *PlaybackScheduler) next() ([]byte, bool, bool) {
	for {
		p.mu.Lock()
		if p.stopped {
			p.mu.Unlock()
			return nil, false, false
		}
		if len(p.queue) > 0 {
			chunk := p.queue[0]
			p.queue[0] = nil
			p.queue = p.queue[1:]
			p.playing = true
			muted := p.muted
			p.mu.Unlock()
			return chunk, muted, true
		}
		p.mu.Unlock()
		select {
		case <-p.wake:
		case <-p.ctx.Done():
			return nil, false, false
		}
	}
}

func (p *PlaybackScheduler) complete() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) > 0 {
		return
	}
	p.playing = false
	p.lastEnd = p.clock()
	p.closeIdleLocked()
}

func (p *PlaybackScheduler) speakingLocked() bool {
	return p.playing || len(p.queue) > 0
}

func (p *PlaybackScheduler) closeIdleLocked() {
	select {
	case <-p.idle:
	default:
		close(p.idle)
	}
}
