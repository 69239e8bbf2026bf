package voice

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
)

type fakeConn struct {
	in     chan []byte
	closed chan struct{}

	mu        sync.Mutex
	sent      [][]byte
	closeErr  error
	closeCode int
	once      sync.Once
	pings     atomic.Int32
	onWrite   func(c *fakeConn, msg map[string]any)
	// closeGate, when set, holds Close until it is closed.
	closeGate chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

// readyOnUpdate answers the first session.update with proxy_ready.
func readyOnUpdate(c *fakeConn, msg map[string]any) {
	if msg["type"] == string(ClientEventTypeSessionUpdate) {
		c.push(`{"type":"proxy_ready","status":"success"}`)
	}
}

func (c *fakeConn) push(raw string) {
	c.in <- []byte(raw)
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case d := <-c.in:
		return d, nil
	case <-c.closed:
		c.mu.Lock()
		defer c.mu.Unlock()
		return nil, c.closeErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("write on closed connection")
	default:
	}
	var msg map[string]any
	if err := sonic.Unmarshal(data, &msg); err != nil {
		return err
	}
	c.mu.Lock()
	c.sent = append(c.sent, data)
	hook := c.onWrite
	c.mu.Unlock()
	if hook != nil {
		hook(c, msg)
	}
	return nil
}

func (c *fakeConn) Ping(ctx context.Context) error {
	c.pings.Add(1)
	return nil
}

func (c *fakeConn) holdClose() chan struct{} {
	gate := make(chan struct{})
	c.mu.Lock()
	c.closeGate = gate
	c.mu.Unlock()
	return gate
}

func (c *fakeConn) Close(code int, reason string) error {
	c.mu.Lock()
	gate := c.closeGate
	c.mu.Unlock()
	if gate != nil {
		<-gate
	}
	c.shut(code, &CloseError{Code: code, Reason: reason})
	return nil
}

// drop simulates the remote side ending the connection.
func (c *fakeConn) drop(code int) {
	c.shut(code, &CloseError{Code: code})
}

func (c *fakeConn) shut(code int, err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.closeCode = code
		c.closeErr = err
		c.mu.Unlock()
		close(c.closed)
	})
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) code() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

func (c *fakeConn) messages() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, 0, len(c.sent))
	for _, data := range c.sent {
		var msg map[string]any
		_ = sonic.Unmarshal(data, &msg)
		out = append(out, msg)
	}
	return out
}

func (c *fakeConn) types() []string {
	var out []string
	for _, msg := range c.messages() {
		out = append(out, msg["type"].(string))
	}
	return out
}

type fakeDialer struct {
	mu      sync.Mutex
	conns   []*fakeConn
	urls    []string
	err     error
	release chan struct{}
	onWrite func(c *fakeConn, msg map[string]any)
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	if d.release != nil {
		select {
		case <-d.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	if d.err != nil {
		return nil, d.err
	}
	c := newFakeConn()
	c.onWrite = d.onWrite
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) url(i int) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.urls[i]
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

type stateRecorder struct {
	mu     sync.Mutex
	states []ConnectionState
}

func (r *stateRecorder) record(s ConnectionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) all() []ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ConnectionState(nil), r.states...)
}

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond
