package voice

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bt-bridge/pacer-voice/shared"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// proxyServer runs handle against every upgraded connection.
func proxyServer(t *testing.T, handle func(conn *websocket.Conn, r *http.Request)) string {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn, r)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialProxy(t *testing.T, url string, header http.Header) Conn {
	t.Helper()
	d, err := NewWSDialer(shared.NewNopLogger(), header)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := d.Dial(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(CloseNormal, "") })
	return conn
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestWSDialerValidation(t *testing.T) {
	_, err := NewWSDialer(nil, nil)
	assert.ErrorIs(t, err, shared.ErrNoLogger)

	d, err := NewWSDialer(shared.NewNopLogger(), nil)
	require.NoError(t, err)
	_, err = d.Dial(context.Background(), "https://pacer.test/api")
	assert.ErrorContains(t, err, "unsupported transport url")
}

func TestWSConnRoundTrip(t *testing.T) {
	url := proxyServer(t, func(conn *websocket.Conn, r *http.Request) {
		assert.Equal(t, "pacer-voice", r.Header.Get("X-Client"))
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02})
		for {
			typ, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(typ, data); err != nil {
				return
			}
		}
	})
	conn := dialProxy(t, url, http.Header{"X-Client": {"pacer-voice"}})
	ctx := testCtx(t)

	require.NoError(t, conn.Write(ctx, []byte(`{"type":"auth_jwt","token":"jwt"}`)))
	data, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"auth_jwt","token":"jwt"}`, string(data))
}

func TestWSConnLargeMessage(t *testing.T) {
	payload := `{"type":"response.audio.delta","delta":"` + strings.Repeat("A", 256<<10) + `"}`
	url := proxyServer(t, func(conn *websocket.Conn, _ *http.Request) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(payload))
		_, _, _ = conn.ReadMessage()
	})
	conn := dialProxy(t, url, nil)

	data, err := conn.Read(testCtx(t))
	require.NoError(t, err)
	assert.Len(t, data, len(payload))
}

func TestWSConnRemoteCloseCode(t *testing.T) {
	url := proxyServer(t, func(conn *websocket.Conn, _ *http.Request) {
		msg := websocket.FormatCloseMessage(CloseGameSessionNotFound, "Game session not found")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_, _, _ = conn.ReadMessage()
	})
	conn := dialProxy(t, url, nil)

	_, err := conn.Read(testCtx(t))
	var ce *CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, CloseGameSessionNotFound, ce.Code)
	assert.Equal(t, "Game session not found", ce.Reason)
	assert.False(t, ce.Abnormal())
}

func TestWSConnDropIsAbnormal(t *testing.T) {
	url := proxyServer(t, func(conn *websocket.Conn, _ *http.Request) {
		_ = conn.UnderlyingConn().Close()
	})
	conn := dialProxy(t, url, nil)

	_, err := conn.Read(testCtx(t))
	var ce *CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, CloseAbnormal, ce.Code)
	assert.True(t, ce.Abnormal())
}

func TestWSConnLocalCancelIsNotClose(t *testing.T) {
	url := proxyServer(t, func(conn *websocket.Conn, _ *http.Request) {
		_, _, _ = conn.ReadMessage()
	})
	conn := dialProxy(t, url, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := conn.Read(ctx)
	require.Error(t, err)
	var ce *CloseError
	assert.False(t, errors.As(err, &ce))
}
