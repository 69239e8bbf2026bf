package voice

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bt-bridge/pacer-voice/shared"
	"go.uber.org/zap"
)

// interaction is one finalized utterance awaiting persistence.
type interaction struct {
	sessionID string
	role      Speaker
	message   string
}

// persister writes interactions to the backend in order on one goroutine.
// submit and drain are only called from the supervisor loop.
type persister struct {
	logger    shared.LoggerAdapter
	backend   Backend
	timeout   time.Duration
	queue     chan interaction
	wg        sync.WaitGroup
	accepting atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

func newPersister(logger shared.LoggerAdapter, backend Backend, size int, timeout time.Duration) *persister {
	p := &persister{
		logger:  logger.With(zap.String("component", "persist")),
		backend: backend,
		timeout: timeout,
		queue:   make(chan interaction, max(size, 1)),
		done:    make(chan struct{}),
	}
	p.accepting.Store(true)
	go p.worker()
	return p
}

// submit enqueues without blocking. It returns false when the queue is full
// or the persister is draining.
func (p *persister) submit(in interaction) bool {
	if !p.accepting.Load() {
		return false
	}
	p.wg.Add(1)
	select {
	case p.queue <- in:
		return true
	default:
		p.wg.Done()
		p.logger.Warn("persist queue full, interaction dropped", zap.String("role", string(in.role)))
		return false
	}
}

// drain stops accepting work and waits for queued interactions, bounded by ctx.
func (p *persister) drain(ctx context.Context) {
	p.accepting.Store(false)
	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()
	p.closeOnce.Do(func() { close(p.queue) })
	select {
	case <-finished:
		<-p.done
	case <-ctx.Done():
		p.logger.Warn("persist drain timed out", zap.Int("pending", len(p.queue)))
	}
}

func (p *persister) worker() {
	defer close(p.done)
	for in := range p.queue {
		p.persist(in)
	}
}

func (p *persister) persist(in interaction) {
	defer p.wg.Done()
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.backend.PersistInteraction(ctx, in.sessionID, string(in.role), in.message); err != nil {
		p.logger.Error("persisting interaction", err,
			zap.String("session", in.sessionID),
			zap.String("role", string(in.role)),
		)
		return
	}
	p.logger.Debug("interaction persisted", zap.String("session", in.sessionID), zap.String("role", string(in.role)))
}
