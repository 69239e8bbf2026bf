package speaker

import (
	"io"
	"sync"
)

type chunk struct {
	data []byte
	done chan struct{}
}

// chunkBuffer is the io.Reader behind the long-lived player. Chunks are read
// back to back, so the device never waits on a chunk boundary. A chunk's done
// channel closes once the player has consumed its last byte.
type chunkBuffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	chunks []*chunk
	closed bool
}

func newChunkBuffer() *chunkBuffer {
	b := &chunkBuffer{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Write queues pcm and returns a channel closed once it has been read.
func (b *chunkBuffer) Write(pcm []byte) <-chan struct{} {
	c := &chunk{data: pcm, done: make(chan struct{})}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || len(pcm) == 0 {
		close(c.done)
		return c.done
	}
	b.chunks = append(b.chunks, c)
	b.cond.Signal()
	return c.done
}

// Read blocks until audio is queued. It returns io.EOF after Close.
func (b *chunkBuffer) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.chunks) == 0 && !b.closed {
		b.cond.Wait()
	}
	if len(b.chunks) == 0 {
		return 0, io.EOF
	}
	n := 0
	for n < len(p) && len(b.chunks) > 0 {
		c := b.chunks[0]
		m := copy(p[n:], c.data)
		c.data = c.data[m:]
		n += m
		if len(c.data) == 0 {
			close(c.done)
			b.chunks = b.chunks[1:]
		}
	}
	return n, nil
}

// Discard drops queued audio and releases its waiters.
func (b *chunkBuffer) Discard() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.discardLocked()
}

func (b *chunkBuffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.discardLocked()
	b.cond.Broadcast()
	return nil
}

func (b *chunkBuffer) discardLocked() {
	for _, c := range b.chunks {
		close(c.done)
	}
	b.chunks = nil
}
