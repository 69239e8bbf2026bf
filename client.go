package voice

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bt-bridge/pacer-voice/shared"
	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// Dialer opens the persistent bidirectional connection to the voice proxy.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Conn is one open transport. Read must only be called from a single
// goroutine; Write, Ping and Close may be called concurrently with it.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Ping(ctx context.Context) error
	Close(code int, reason string) error
}

// Audio deltas from the provider exceed the library's 32KiB default.
const defaultReadLimit int64 = 8 << 20

type WSDialer struct {
	logger    shared.LoggerAdapter
	header    http.Header
	readLimit int64
}

var _ Dialer = (*WSDialer)(nil)

func NewWSDialer(logger shared.LoggerAdapter, header http.Header) (*WSDialer, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	return &WSDialer{
		logger:    logger.With(zap.String("component", "ws-dialer")),
		header:    header,
		readLimit: defaultReadLimit,
	}, nil
}

func (d *WSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
		return nil, fmt.Errorf("unsupported transport url %q", url)
	}
	start := time.Now()
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: d.header})
	if err != nil {
		return nil, fmt.Errorf("dialing websocket: %w", err)
	}
	conn.SetReadLimit(d.readLimit)
	d.logger.Debug("websocket connected", zap.Duration("took", time.Since(start)))
	return &wsConn{conn: conn, logger: d.logger}, nil
}

type wsConn struct {
	conn   *websocket.Conn
	logger shared.LoggerAdapter
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return nil, asCloseError(ctx, err)
		}
		if typ != websocket.MessageText {
			c.logger.Warn("ignoring binary websocket message", zap.Int("bytes", len(data)))
			continue
		}
		return data, nil
	}
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return asCloseError(ctx, err)
	}
	return nil
}

func (c *wsConn) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *wsConn) Close(code int, reason string) error {
	return c.conn.Close(websocket.StatusCode(code), reason)
}

// asCloseError turns a remote close (or a drop without a close frame) into a
// *CloseError. Local cancellation is returned unchanged.
func asCloseError(ctx context.Context, err error) error {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return &CloseError{Code: int(ce.Code), Reason: ce.Reason, Err: err}
	}
	if ctx.Err() != nil {
		return err
	}
	return &CloseError{Code: CloseAbnormal, Err: err}
}
