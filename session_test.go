package voice

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bt-bridge/pacer-voice/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConnectParams() ConnectParams {
	return ConnectParams{
		URL:           "ws://proxy.test/game/ws/rt_proxy_connect/7",
		IdentityToken: "jwt-token",
		ProviderToken: "ek_provider",
		Config: SessionConfig{
			Model:             "gpt-4o-mini-realtime-preview",
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
			TurnDetection:     TurnDetection{Type: "semantic_vad", Eagerness: "medium", CreateResponse: true, InterruptResponse: true},
			Instructions:      "be a buyer",
		},
	}
}

func newTestSession(t *testing.T, d Dialer) (*ProtocolSession, *stateRecorder) {
	t.Helper()
	rec := &stateRecorder{}
	opts := DefaultSessionOptions()
	opts.Keepalive = 0
	opts.OnState = rec.record
	s, err := NewProtocolSession(shared.NewNopLogger(), d, opts)
	require.NoError(t, err)
	return s, rec
}

func TestNewProtocolSessionValidation(t *testing.T) {
	_, err := NewProtocolSession(nil, &fakeDialer{}, DefaultSessionOptions())
	assert.ErrorIs(t, err, shared.ErrNoLogger)
	_, err = NewProtocolSession(shared.NewNopLogger(), nil, DefaultSessionOptions())
	assert.ErrorIs(t, err, shared.ErrNoDialer)
}

func TestConnectHandshake(t *testing.T) {
	d := &fakeDialer{onWrite: readyOnUpdate}
	s, rec := newTestSession(t, d)

	require.NoError(t, s.Connect(context.Background(), testConnectParams()))
	assert.Equal(t, StateActive, s.State())
	assert.Equal(t, []ConnectionState{StateConnecting, StateAuthenticating, StateAwaitingReady, StateActive}, rec.all())

	msgs := d.last().messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "auth_jwt", msgs[0]["type"])
	assert.Equal(t, "jwt-token", msgs[0]["token"])
	assert.Equal(t, "auth_openai", msgs[1]["type"])
	assert.Equal(t, "ek_provider", msgs[1]["token"])
	assert.Equal(t, "session.update", msgs[2]["type"])
	assert.NotEmpty(t, msgs[2]["event_id"])
	session := msgs[2]["session"].(map[string]any)
	assert.Equal(t, "pcm16", session["input_audio_format"])
	assert.Equal(t, "semantic_vad", session["turn_detection"].(map[string]any)["type"])

	ev := <-s.Events()
	assert.Equal(t, ServerEventTypeProxyReady, ev.Type)
}

func TestConnectRejectsProviderTokenFormat(t *testing.T) {
	d := &fakeDialer{onWrite: readyOnUpdate}
	s, _ := newTestSession(t, d)
	p := testConnectParams()
	p.ProviderToken = "sk_live"

	assert.ErrorIs(t, s.Connect(context.Background(), p), shared.ErrInvalidProviderToken)
	assert.Zero(t, d.dials())
	assert.Equal(t, StateIdle, s.State())
}

func TestConnectNotActiveUntilReady(t *testing.T) {
	d := &fakeDialer{}
	s, _ := newTestSession(t, d)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := s.Connect(ctx, testConnectParams())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateIdle, s.State())
	assert.True(t, d.last().isClosed())
	assert.ErrorIs(t, s.AppendAudio(context.Background(), []byte{0, 0}), shared.ErrNotActive)
}

func TestConnectProxyNotReady(t *testing.T) {
	d := &fakeDialer{onWrite: func(c *fakeConn, msg map[string]any) {
		if msg["type"] == "session.update" {
			c.push(`{"type":"proxy_ready","status":"error","message":"upstream refused"}`)
		}
	}}
	s, rec := newTestSession(t, d)

	err := s.Connect(context.Background(), testConnectParams())
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, CodeProxyNotReady, perr.Code)
	assert.True(t, perr.Critical())
	assert.Equal(t, StateFailed, s.State())
	assert.NotContains(t, rec.all(), StateActive)
	assert.True(t, d.last().isClosed())
}

func TestConnectReentrancyLock(t *testing.T) {
	d := &fakeDialer{release: make(chan struct{}), onWrite: readyOnUpdate}
	s, _ := newTestSession(t, d)

	errc := make(chan error, 1)
	go func() { errc <- s.Connect(context.Background(), testConnectParams()) }()
	require.Eventually(t, func() bool { return s.State() == StateConnecting }, waitFor, tick)

	assert.ErrorIs(t, s.Connect(context.Background(), testConnectParams()), shared.ErrConnectInProgress)
	close(d.release)
	require.NoError(t, <-errc)
	assert.Equal(t, 1, d.dials())
}

func TestConnectDebounce(t *testing.T) {
	d := &fakeDialer{onWrite: readyOnUpdate}
	s, _ := newTestSession(t, d)
	now := time.Unix(1000, 0)
	s.clock = func() time.Time { return now }

	require.NoError(t, s.Connect(context.Background(), testConnectParams()))
	require.NoError(t, s.Close(context.Background()))

	now = now.Add(time.Second)
	assert.ErrorIs(t, s.Connect(context.Background(), testConnectParams()), shared.ErrDebounced)

	forced := testConnectParams()
	forced.Force = true
	require.NoError(t, s.Connect(context.Background(), forced))
	require.NoError(t, s.Close(context.Background()))

	now = now.Add(3 * time.Second)
	require.NoError(t, s.Connect(context.Background(), testConnectParams()))
	assert.Equal(t, 3, d.dials())
}

func TestConnectWhileActive(t *testing.T) {
	d := &fakeDialer{onWrite: readyOnUpdate}
	s, _ := newTestSession(t, d)
	require.NoError(t, s.Connect(context.Background(), testConnectParams()))

	p := testConnectParams()
	p.Force = true
	assert.ErrorIs(t, s.Connect(context.Background(), p), shared.ErrAlreadyConnected)
}

func TestCriticalErrorFailsSession(t *testing.T) {
	d := &fakeDialer{onWrite: readyOnUpdate}
	s, _ := newTestSession(t, d)
	require.NoError(t, s.Connect(context.Background(), testConnectParams()))
	events := s.Events()
	<-events

	d.last().push(`{"type":"error","error":{"type":"server_error","code":"internal_server_error","message":"boom"}}`)

	select {
	case <-s.Done():
	case <-time.After(waitFor):
		t.Fatal("session did not end")
	}
	_, open := <-events
	assert.False(t, open)

	var perr *ProtocolError
	require.ErrorAs(t, s.Err(), &perr)
	assert.Equal(t, "internal_server_error", perr.Code)
	assert.Equal(t, StateFailed, s.State())
	assert.True(t, d.last().isClosed())
}

func TestCriticalErrorEndsBeforeCloseHandshake(t *testing.T) {
	d := &fakeDialer{onWrite: readyOnUpdate}
	s, _ := newTestSession(t, d)
	require.NoError(t, s.Connect(context.Background(), testConnectParams()))
	<-s.Events()

	conn := d.last()
	gate := conn.holdClose()
	conn.push(`{"type":"error","error":{"type":"server_error","code":"internal_server_error","message":"boom"}}`)

	select {
	case <-s.Done():
	case <-time.After(waitFor):
		t.Fatal("session end waited for the close handshake")
	}
	var perr *ProtocolError
	require.ErrorAs(t, s.Err(), &perr)
	assert.Equal(t, StateFailed, s.State())
	assert.False(t, conn.isClosed())

	close(gate)
	assert.Eventually(t, conn.isClosed, waitFor, 5*time.Millisecond)
}

func TestRecoverableErrorKeepsSession(t *testing.T) {
	d := &fakeDialer{onWrite: readyOnUpdate}
	s, _ := newTestSession(t, d)
	require.NoError(t, s.Connect(context.Background(), testConnectParams()))
	<-s.Events()

	d.last().push(`{"type":"error","error":{"code":"rate_limit_exceeded","message":"slow down"}}`)
	ev := <-s.Events()
	p, ok := ev.Param.(*ServerEventParamError)
	require.True(t, ok)
	assert.Equal(t, "rate_limit_exceeded", p.Code)
	assert.Equal(t, StateActive, s.State())
	assert.NoError(t, s.Err())
}

func TestUnknownEventsSkipped(t *testing.T) {
	d := &fakeDialer{onWrite: readyOnUpdate}
	s, _ := newTestSession(t, d)
	require.NoError(t, s.Connect(context.Background(), testConnectParams()))
	<-s.Events()

	d.last().push(`{"type":"rate_limits.updated","rate_limits":[]}`)
	d.last().push(`not json`)
	d.last().push(`{"type":"session.updated","session":{}}`)

	ev := <-s.Events()
	assert.Equal(t, ServerEventTypeSessionUpdated, ev.Type)
}

func TestSendsRequireActive(t *testing.T) {
	s, _ := newTestSession(t, &fakeDialer{})
	ctx := context.Background()
	assert.ErrorIs(t, s.AppendAudio(ctx, []byte{1, 2}), shared.ErrNotActive)
	assert.ErrorIs(t, s.Commit(ctx), shared.ErrNotActive)
	assert.ErrorIs(t, s.Clear(ctx), shared.ErrNotActive)
	assert.ErrorIs(t, s.CreateResponse(ctx), shared.ErrNotActive)
	assert.ErrorIs(t, s.UpdateConfig(ctx, SessionConfig{}), shared.ErrNotActive)
}

func TestSendsInCallOrder(t *testing.T) {
	d := &fakeDialer{onWrite: readyOnUpdate}
	s, _ := newTestSession(t, d)
	ctx := context.Background()
	require.NoError(t, s.Connect(ctx, testConnectParams()))

	require.NoError(t, s.AppendAudio(ctx, []byte{1, 2, 3, 4}))
	require.NoError(t, s.AppendAudio(ctx, nil))
	require.NoError(t, s.Commit(ctx))
	require.NoError(t, s.CreateResponse(ctx))
	require.NoError(t, s.Clear(ctx))
	cfg := testConnectParams().Config
	cfg.Instructions = "new stage"
	require.NoError(t, s.UpdateConfig(ctx, cfg))

	msgs := d.last().messages()[3:]
	require.Len(t, msgs, 5)
	assert.Equal(t, "input_audio_buffer.append", msgs[0]["type"])
	assert.Equal(t, "AQIDBA==", msgs[0]["audio"])
	assert.Equal(t, "input_audio_buffer.commit", msgs[1]["type"])
	assert.Equal(t, "response.create", msgs[2]["type"])
	assert.Equal(t, "input_audio_buffer.clear", msgs[3]["type"])
	assert.Equal(t, "session.update", msgs[4]["type"])
	assert.Equal(t, "new stage", msgs[4]["session"].(map[string]any)["instructions"])
	for _, m := range msgs {
		assert.NotEmpty(t, m["event_id"])
	}
}

func TestCloseNormal(t *testing.T) {
	d := &fakeDialer{onWrite: readyOnUpdate}
	s, rec := newTestSession(t, d)
	require.NoError(t, s.Connect(context.Background(), testConnectParams()))
	events := s.Events()

	require.NoError(t, s.Close(context.Background()))
	assert.Equal(t, CloseNormal, d.last().code())
	assert.Equal(t, StateIdle, s.State())
	assert.NoError(t, s.Err())
	assert.Nil(t, s.Events())

	for range events {
	}
	states := rec.all()
	assert.Equal(t, []ConnectionState{StateClosing, StateIdle}, states[len(states)-2:])

	require.NoError(t, s.Close(context.Background()))
}

func TestRemoteAbnormalClose(t *testing.T) {
	d := &fakeDialer{onWrite: readyOnUpdate}
	s, _ := newTestSession(t, d)
	require.NoError(t, s.Connect(context.Background(), testConnectParams()))
	done := s.Done()

	d.last().drop(CloseAbnormal)
	<-done

	var ce *CloseError
	require.ErrorAs(t, s.Err(), &ce)
	assert.True(t, ce.Abnormal())
	assert.Equal(t, StateFailed, s.State())

	p := testConnectParams()
	p.Force = true
	require.NoError(t, s.Connect(context.Background(), p))
	assert.Equal(t, StateActive, s.State())
}

func TestCloseCancelsConnectInFlight(t *testing.T) {
	d := &fakeDialer{release: make(chan struct{})}
	s, _ := newTestSession(t, d)

	errc := make(chan error, 1)
	go func() { errc <- s.Connect(context.Background(), testConnectParams()) }()
	require.Eventually(t, func() bool { return s.State() == StateConnecting }, waitFor, tick)

	require.NoError(t, s.Close(context.Background()))
	err := <-errc
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	assert.Equal(t, StateIdle, s.State())
	assert.Zero(t, d.dials())
}

func TestKeepalivePings(t *testing.T) {
	d := &fakeDialer{onWrite: readyOnUpdate}
	opts := DefaultSessionOptions()
	opts.Keepalive = 10 * time.Millisecond
	s, err := NewProtocolSession(shared.NewNopLogger(), d, opts)
	require.NoError(t, err)
	require.NoError(t, s.Connect(context.Background(), testConnectParams()))

	assert.Eventually(t, func() bool { return d.last().pings.Load() >= 2 }, waitFor, tick)
	require.NoError(t, s.Close(context.Background()))
}
