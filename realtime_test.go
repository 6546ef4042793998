package chatsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// wsSession is one accepted server-side connection of the fake push server.
type wsSession struct {
	conn     *websocket.Conn
	writeMu  sync.Mutex
	commands chan Command
	closed   chan struct{}
}

func (s *wsSession) writeJSON(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.conn.Write(ctx, websocket.MessageText, data))
}

func (s *wsSession) push(t *testing.T, typ string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	s.writeJSON(t, Envelope{Type: typ, Payload: raw})
}

func (s *wsSession) nextCommand(t *testing.T) Command {
	t.Helper()
	select {
	case cmd := <-s.commands:
		return cmd
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client command")
		return Command{}
	}
}

func (s *wsSession) drop() {
	s.conn.Close(websocket.StatusGoingAway, "server restart")
}

// wsTestServer is a fake push server: it completes the connected handshake,
// answers pings, and hands each accepted session to the test.
type wsTestServer struct {
	srv      *httptest.Server
	sessions chan *wsSession
}

func newWSTestServer(t *testing.T) *wsTestServer {
	t.Helper()
	ts := &wsTestServer{sessions: make(chan *wsSession, 4)}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		sess := &wsSession{conn: conn, commands: make(chan Command, 32), closed: make(chan struct{})}

		ctx := context.Background()
		data, _ := json.Marshal(Envelope{Type: "connected", Payload: json.RawMessage(`{}`)})
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			return
		}
		ts.sessions <- sess

		for {
			_, raw, err := conn.Read(ctx)
			if err != nil {
				close(sess.closed)
				return
			}
			var cmd struct {
				Type    string          `json:"type"`
				Payload json.RawMessage `json:"payload"`
			}
			if json.Unmarshal(raw, &cmd) != nil {
				continue
			}
			if cmd.Type == "ping" {
				var p struct {
					RequestID string `json:"requestId"`
				}
				json.Unmarshal(cmd.Payload, &p)
				sess.push(t, "pong", map[string]string{"requestId": p.RequestID})
				continue
			}
			var payload any
			json.Unmarshal(cmd.Payload, &payload)
			sess.commands <- Command{Type: cmd.Type, Payload: payload}
		}
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *wsTestServer) accept(t *testing.T) *wsSession {
	t.Helper()
	select {
	case sess := <-ts.sessions:
		return sess
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for websocket connection")
		return nil
	}
}

func payloadField(t *testing.T, cmd Command, key string) any {
	t.Helper()
	m, ok := cmd.Payload.(map[string]any)
	require.True(t, ok, "command payload is not an object")
	return m[key]
}

func TestReconnectorBackoff(t *testing.T) {
	r := newReconnector(&ConnConfig{
		ReconnectBaseDelay: time.Second,
		ReconnectMaxDelay:  8 * time.Second,
	})

	expected := []struct{ lo, hi time.Duration }{
		{time.Second, 1500 * time.Millisecond},
		{2 * time.Second, 2500 * time.Millisecond},
		{4 * time.Second, 4500 * time.Millisecond},
		{8 * time.Second, 8 * time.Second},
		{8 * time.Second, 8 * time.Second},
	}
	for i, want := range expected {
		d := r.nextDelay()
		assert.GreaterOrEqual(t, d, want.lo, "attempt %d", i)
		assert.LessOrEqual(t, d, want.hi, "attempt %d", i)
	}

	// A long stable connection resets the attempt counter.
	r.connectedAt = time.Now().Add(-2 * time.Minute)
	d := r.nextDelay()
	assert.GreaterOrEqual(t, d, time.Second)
	assert.LessOrEqual(t, d, 1500*time.Millisecond)

	r.reset()
	assert.Equal(t, 0, r.attempt)
	assert.True(t, r.connectedAt.IsZero())
}

func TestConnConnectHandshakeAndEnvelopes(t *testing.T) {
	ts := newWSTestServer(t)

	envelopes := make(chan Envelope, 8)
	states := make(chan ConnState, 8)
	conn := NewConn(ts.srv.URL, &ConnConfig{
		HeartbeatInterval: time.Hour,
		OnEnvelope:        func(env Envelope) { envelopes <- env },
		OnStateChange:     func(s ConnState) { states <- s },
	})

	require.NoError(t, conn.Connect(context.Background()))
	defer conn.Disconnect()
	sess := ts.accept(t)

	assert.Equal(t, StateConnecting, <-states)
	assert.Equal(t, StateConnected, <-states)
	assert.Equal(t, StateConnected, conn.State())

	sess.push(t, "typing", TypingEvent{ConversationID: "c1", UserID: "u2", IsTyping: true})
	select {
	case env := <-envelopes:
		assert.Equal(t, "typing", env.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("envelope never forwarded")
	}
}

func TestConnRejectsBadHandshake(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		data, _ := json.Marshal(Envelope{Type: "error", Payload: json.RawMessage(`{}`)})
		conn.Write(r.Context(), websocket.MessageText, data)
	}))
	defer srv.Close()

	conn := NewConn(srv.URL, &ConnConfig{HeartbeatInterval: time.Hour})
	err := conn.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handshake")
	assert.Equal(t, StateDisconnected, conn.State())
}

func TestConnCommands(t *testing.T) {
	ts := newWSTestServer(t)
	conn := NewConn(ts.srv.URL, &ConnConfig{HeartbeatInterval: time.Hour})
	require.NoError(t, conn.Connect(context.Background()))
	defer conn.Disconnect()
	sess := ts.accept(t)
	ctx := context.Background()

	require.NoError(t, conn.JoinConversation(ctx, "c1"))
	cmd := sess.nextCommand(t)
	assert.Equal(t, "conversation:join", cmd.Type)
	assert.Equal(t, "c1", payloadField(t, cmd, "conversationId"))

	require.NoError(t, conn.SendMessage(ctx, "c1", "hello", "corr-1", nil))
	cmd = sess.nextCommand(t)
	assert.Equal(t, "message:send", cmd.Type)
	assert.Equal(t, "hello", payloadField(t, cmd, "content"))
	assert.Equal(t, "corr-1", payloadField(t, cmd, "correlationId"))

	require.NoError(t, conn.Typing(ctx, "c1", true))
	cmd = sess.nextCommand(t)
	assert.Equal(t, "typing", cmd.Type)
	assert.Equal(t, true, payloadField(t, cmd, "isTyping"))

	require.NoError(t, conn.MarkRead(ctx, "c1"))
	assert.Equal(t, "conversation:read", sess.nextCommand(t).Type)

	require.NoError(t, conn.EditMessage(ctx, "c1", "m1", "fixed"))
	assert.Equal(t, "message:edit", sess.nextCommand(t).Type)

	require.NoError(t, conn.DeleteMessage(ctx, "c1", "m1"))
	assert.Equal(t, "message:delete", sess.nextCommand(t).Type)

	require.NoError(t, conn.LeaveConversation(ctx, "c1"))
	assert.Equal(t, "conversation:leave", sess.nextCommand(t).Type)
	assert.Empty(t, conn.Rooms())
}

func TestConnReconnectRejoinsRooms(t *testing.T) {
	ts := newWSTestServer(t)

	connectedCount := make(chan struct{}, 4)
	conn := NewConn(ts.srv.URL, &ConnConfig{
		HeartbeatInterval:  time.Hour,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  50 * time.Millisecond,
		OnConnected:        func(context.Context) { connectedCount <- struct{}{} },
	})
	require.NoError(t, conn.Connect(context.Background()))
	defer conn.Disconnect()

	sess1 := ts.accept(t)
	<-connectedCount

	require.NoError(t, conn.JoinConversation(context.Background(), "c1"))
	assert.Equal(t, "conversation:join", sess1.nextCommand(t).Type)

	sess1.drop()

	// The client reconnects on its own and re-joins the room before
	// announcing connected.
	sess2 := ts.accept(t)
	cmd := sess2.nextCommand(t)
	assert.Equal(t, "conversation:join", cmd.Type)
	assert.Equal(t, "c1", payloadField(t, cmd, "conversationId"))

	select {
	case <-connectedCount:
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect never announced")
	}
	assert.Equal(t, StateConnected, conn.State())
}

func TestConnOfflineAfterRepeatedFailures(t *testing.T) {
	ts := newWSTestServer(t)

	offline := make(chan bool, 8)
	conn := NewConn(ts.srv.URL, &ConnConfig{
		HeartbeatInterval:  time.Hour,
		ReconnectBaseDelay: 5 * time.Millisecond,
		ReconnectMaxDelay:  10 * time.Millisecond,
		OfflineThreshold:   1,
		OnOffline:          func(o bool) { offline <- o },
	})
	require.NoError(t, conn.Connect(context.Background()))
	sess := ts.accept(t)

	// Take the server away entirely so every reconnect attempt fails.
	ts.srv.Close()
	sess.drop()

	select {
	case o := <-offline:
		assert.True(t, o)
	case <-time.After(2 * time.Second):
		t.Fatal("offline notification never fired")
	}
	conn.Disconnect()
}

func TestConnHeartbeatKeepsConnectionAlive(t *testing.T) {
	ts := newWSTestServer(t)
	conn := NewConn(ts.srv.URL, &ConnConfig{
		HeartbeatInterval: 20 * time.Millisecond,
	})
	require.NoError(t, conn.Connect(context.Background()))
	defer conn.Disconnect()
	ts.accept(t)

	// The fake server answers pings; several heartbeat intervals later the
	// connection must still be up.
	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, StateConnected, conn.State())
}

func TestConnPingFailsOnTeardown(t *testing.T) {
	// A server that completes the handshake but never answers pings.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		data, _ := json.Marshal(Envelope{Type: "connected", Payload: json.RawMessage(`{}`)})
		if conn.Write(context.Background(), websocket.MessageText, data) != nil {
			return
		}
		for {
			if _, _, err := conn.Read(context.Background()); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	conn := NewConn(srv.URL, &ConnConfig{HeartbeatInterval: time.Hour})
	require.NoError(t, conn.Connect(context.Background()))
	defer conn.Disconnect()

	errCh := make(chan error, 1)
	go func() { errCh <- conn.ping(context.Background()) }()

	pingPending := func() bool {
		conn.pingMu.Lock()
		defer conn.pingMu.Unlock()
		return len(conn.pendingPings) == 1
	}
	deadline := time.Now().Add(2 * time.Second)
	for !pingPending() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, pingPending(), "ping never registered")

	conn.clearPendingPings()
	select {
	case err := <-errCh:
		require.Error(t, err, "a torn-down heartbeat must not report success")
	case <-time.After(2 * time.Second):
		t.Fatal("ping never returned after teardown")
	}
}

func TestConnConnectIsIdempotent(t *testing.T) {
	ts := newWSTestServer(t)
	conn := NewConn(ts.srv.URL, &ConnConfig{HeartbeatInterval: time.Hour})
	require.NoError(t, conn.Connect(context.Background()))
	defer conn.Disconnect()
	ts.accept(t)

	require.NoError(t, conn.Connect(context.Background()))
	select {
	case <-ts.sessions:
		t.Fatal("second Connect dialed again")
	case <-time.After(50 * time.Millisecond):
	}
}
