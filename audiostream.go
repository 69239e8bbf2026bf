package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bt-bridge/pacer-voice/shared"
	"github.com/bytedance/sonic"
	"go.uber.org/zap"
)

// AudioStream is the lighter audio_ws transport: a token-authenticated
// websocket that the backend acknowledges with {"success": true}.
type AudioStream struct {
	logger shared.LoggerAdapter
	dialer Dialer

	mu   sync.Mutex
	conn Conn
	done chan struct{}
	err  error
}

func NewAudioStream(logger shared.LoggerAdapter, dialer Dialer) (*AudioStream, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if dialer == nil {
		return nil, shared.ErrNoDialer
	}
	return &AudioStream{
		logger: logger.With(zap.String("component", "audio-stream")),
		dialer: dialer,
	}, nil
}

type streamAck struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

// Connect dials url and waits for the backend acknowledgement.
func (a *AudioStream) Connect(ctx context.Context, url string) error {
	a.mu.Lock()
	if a.conn != nil {
		a.mu.Unlock()
		return shared.ErrAlreadyConnected
	}
	a.mu.Unlock()

	conn, err := a.dialer.Dial(ctx, url)
	if err != nil {
		return fmt.Errorf("connecting audio stream: %w", err)
	}
	data, err := conn.Read(ctx)
	if err != nil {
		_ = conn.Close(CloseNormal, "handshake failed")
		return fmt.Errorf("reading audio stream handshake: %w", err)
	}
	var ack streamAck
	if err := sonic.Unmarshal(data, &ack); err != nil {
		_ = conn.Close(CloseNormal, "handshake failed")
		return fmt.Errorf("decoding audio stream handshake: %w", err)
	}
	if !ack.Success {
		_ = conn.Close(CloseNormal, "rejected")
		if ack.Error == "" {
			ack.Error = "unexpected handshake"
		}
		return fmt.Errorf("audio stream rejected: %s", ack.Error)
	}

	done := make(chan struct{})
	a.mu.Lock()
	a.conn = conn
	a.done = done
	a.err = nil
	a.mu.Unlock()
	a.logger.Info("audio stream connected", zap.String("message", ack.Message))

	go a.readLoop(conn, done)
	return nil
}

func (a *AudioStream) readLoop(conn Conn, done chan struct{}) {
	var err error
	for {
		var data []byte
		data, err = conn.Read(context.Background())
		if err != nil {
			break
		}
		a.logger.Trace("audio stream message", zap.ByteString("data", data))
	}
	var ce *CloseError
	if errors.As(err, &ce) && ce.Code == CloseNormal {
		err = nil
	}
	a.mu.Lock()
	if a.conn == conn {
		a.err = err
	}
	a.mu.Unlock()
	close(done)
}

// Done is nil when not connected.
func (a *AudioStream) Done() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.done
}

func (a *AudioStream) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

func (a *AudioStream) Close(ctx context.Context) error {
	a.mu.Lock()
	conn, done := a.conn, a.done
	a.conn, a.done = nil, nil
	a.mu.Unlock()
	if conn == nil {
		return nil
	}
	err := conn.Close(CloseNormal, "client closing")
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}
