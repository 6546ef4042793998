package chatsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sessionFixture is a full client harness: a fake REST API, the fake push
// server, and a Session wired to both.
type sessionFixture struct {
	t    *testing.T
	rest *httptest.Server
	ws   *wsTestServer

	mu      sync.Mutex
	convs   []Conversation
	history map[string][]Message
	delta   map[string][]Message
	gates   map[string]chan struct{}
	calls   []string
}

func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()
	f := &sessionFixture{
		t:       t,
		ws:      newWSTestServer(t),
		history: make(map[string][]Message),
		delta:   make(map[string][]Message),
		gates:   make(map[string]chan struct{}),
	}
	f.rest = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.rest.Close)
	return f
}

func (f *sessionFixture) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.calls = append(f.calls, r.Method+" "+r.URL.Path)
	f.mu.Unlock()

	path := r.URL.Path
	switch {
	case path == "/api/chat/conversations":
		f.mu.Lock()
		convs := append([]Conversation(nil), f.convs...)
		f.mu.Unlock()
		okResult(f.t, w, ConversationPage{Conversations: convs})

	case strings.HasSuffix(path, "/messages/after"):
		id := pathSegment(path, 3)
		f.mu.Lock()
		msgs := append([]Message(nil), f.delta[id]...)
		f.mu.Unlock()
		okResult(f.t, w, MessagePage{Messages: msgs})

	case strings.HasSuffix(path, "/messages") && r.Method == http.MethodGet:
		id := pathSegment(path, 3)
		f.mu.Lock()
		gate := f.gates[id]
		msgs := append([]Message(nil), f.history[id]...)
		f.mu.Unlock()
		if gate != nil {
			select {
			case <-gate:
			case <-r.Context().Done():
				return
			}
		}
		okResult(f.t, w, MessagePage{Messages: msgs})

	default:
		okResult(f.t, w, struct{}{})
	}
}

// pathSegment returns the nth segment of /api/chat/conversations/<id>/...
func pathSegment(path string, n int) string {
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if n < len(parts) {
		return parts[n]
	}
	return ""
}

func (f *sessionFixture) newSession(t *testing.T, tweak func(*SessionConfig)) *Session {
	t.Helper()
	client := NewClient("tok", WithBaseURL(f.rest.URL))
	cfg := SessionConfig{
		UserID:             "u1",
		WSURL:              f.ws.srv.URL,
		HeartbeatInterval:  time.Hour,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  50 * time.Millisecond,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	session, err := NewSession(client, cfg)
	require.NoError(t, err)
	t.Cleanup(session.Close)
	return session
}

func (f *sessionFixture) calledPaths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSessionStartSeedsListAndConnects(t *testing.T) {
	f := newSessionFixture(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.convs = []Conversation{
		{ID: "c1", Type: ConversationDirect, LastMessageAt: base.Add(time.Minute), UnreadCount: 2},
		{ID: "c2", Type: ConversationDirect, LastMessageAt: base},
	}

	session := f.newSession(t, nil)
	require.NoError(t, session.Start(context.Background()))
	f.ws.accept(t)

	convs := session.Conversations()
	require.Len(t, convs, 2)
	assert.Equal(t, "c1", convs[0].ID)
	assert.Equal(t, 2, convs[0].UnreadCount)
	assert.Equal(t, StateConnected, session.ConnState())
}

func TestSessionSetActiveJoinsAndLoadsHistory(t *testing.T) {
	f := newSessionFixture(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.convs = []Conversation{{ID: "c1", Type: ConversationDirect, LastMessageAt: base, UnreadCount: 3}}
	f.history["c1"] = []Message{
		{ID: "m1", ConversationID: "c1", SenderID: "u2", Content: "hi", CreatedAt: base},
		{ID: "m2", ConversationID: "c1", SenderID: "u1", Content: "hello", CreatedAt: base.Add(time.Second)},
	}

	session := f.newSession(t, nil)
	require.NoError(t, session.Start(context.Background()))
	sess := f.ws.accept(t)

	require.NoError(t, session.SetActive(context.Background(), "c1"))
	cmd := sess.nextCommand(t)
	assert.Equal(t, "conversation:join", cmd.Type)

	msgs := session.Messages("c1")
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)

	// History pages never touch the unread count.
	c, _ := session.Conversation("c1")
	assert.Equal(t, 3, c.UnreadCount)
}

func TestSessionLiveMessageUpdatesStores(t *testing.T) {
	f := newSessionFixture(t)
	base := time.Now().UTC()
	f.convs = []Conversation{
		{ID: "c1", Type: ConversationDirect, LastMessageAt: base},
		{ID: "c2", Type: ConversationDirect, LastMessageAt: base},
	}

	session := f.newSession(t, nil)
	require.NoError(t, session.Start(context.Background()))
	sess := f.ws.accept(t)

	require.NoError(t, session.SetActive(context.Background(), "c1"))
	sess.nextCommand(t) // join

	// Inactive conversation: unread goes up.
	sess.push(t, "message:new", MessageNewEvent{Message: Message{
		ID: "m1", ConversationID: "c2", SenderID: "u2", Content: "ping", CreatedAt: base.Add(time.Second),
	}})
	waitUntil(t, "c2 message", func() bool { return len(session.Messages("c2")) == 1 })
	c, _ := session.Conversation("c2")
	assert.Equal(t, 1, c.UnreadCount)

	// Active conversation: no unread.
	sess.push(t, "message:new", MessageNewEvent{Message: Message{
		ID: "m2", ConversationID: "c1", SenderID: "u2", Content: "pong", CreatedAt: base.Add(2 * time.Second),
	}})
	waitUntil(t, "c1 message", func() bool { return len(session.Messages("c1")) == 1 })
	c, _ = session.Conversation("c1")
	assert.Equal(t, 0, c.UnreadCount)

	// Typing flows through to the tracker.
	sess.push(t, "typing", TypingEvent{ConversationID: "c1", UserID: "u2", IsTyping: true})
	waitUntil(t, "typing indicator", func() bool { return len(session.TypingUsers("c1")) == 1 })
}

func TestSessionOptimisticSendConfirmedByEcho(t *testing.T) {
	f := newSessionFixture(t)
	base := time.Now().UTC()
	f.convs = []Conversation{{ID: "c1", Type: ConversationDirect, LastMessageAt: base}}

	session := f.newSession(t, nil)
	require.NoError(t, session.Start(context.Background()))
	sess := f.ws.accept(t)
	require.NoError(t, session.SetActive(context.Background(), "c1"))
	sess.nextCommand(t) // join

	placeholder, err := session.Send(context.Background(), "c1", "Is it still available?", nil)
	require.NoError(t, err)
	assert.Equal(t, DeliveryPending, placeholder.DeliveryState)

	cmd := sess.nextCommand(t)
	require.Equal(t, "message:send", cmd.Type)
	corr, _ := payloadField(t, cmd, "correlationId").(string)
	require.NotEmpty(t, corr)

	msgs := session.Messages("c1")
	require.Len(t, msgs, 1)
	assert.Equal(t, DeliveryPending, msgs[0].DeliveryState)

	sess.push(t, "message:new", MessageNewEvent{Message: Message{
		ID: "501", ConversationID: "c1", SenderID: "u1", Content: "Is it still available?",
		CreatedAt: base.Add(time.Second), CorrelationID: corr,
	}})

	waitUntil(t, "echo confirmation", func() bool {
		msgs := session.Messages("c1")
		return len(msgs) == 1 && msgs[0].ID == "501" && msgs[0].DeliveryState == DeliverySent
	})
	// Own message never counts as unread.
	c, _ := session.Conversation("c1")
	assert.Equal(t, 0, c.UnreadCount)
}

func TestSessionSendWithoutConnectionFailsAndRetries(t *testing.T) {
	f := newSessionFixture(t)
	f.convs = []Conversation{{ID: "c1", Type: ConversationDirect}}

	session := f.newSession(t, nil)
	// Never started: the push channel is down.

	placeholder, err := session.Send(context.Background(), "c1", "offline attempt", nil)
	require.Error(t, err)

	msgs := session.Messages("c1")
	require.Len(t, msgs, 1)
	assert.Equal(t, DeliveryFailed, msgs[0].DeliveryState)

	// Retry while still offline: same placeholder, pending then failed again.
	_, err = session.RetrySend(context.Background(), placeholder.CorrelationID)
	require.Error(t, err)
	msgs = session.Messages("c1")
	require.Len(t, msgs, 1, "retry must not duplicate the placeholder")
	assert.Equal(t, DeliveryFailed, msgs[0].DeliveryState)
}

func TestSessionAckTimeoutThenRetry(t *testing.T) {
	f := newSessionFixture(t)
	base := time.Now().UTC()
	f.convs = []Conversation{{ID: "c1", Type: ConversationDirect, LastMessageAt: base}}

	session := f.newSession(t, func(cfg *SessionConfig) {
		cfg.AckTimeout = 30 * time.Millisecond
	})
	require.NoError(t, session.Start(context.Background()))
	sess := f.ws.accept(t)
	require.NoError(t, session.SetActive(context.Background(), "c1"))
	sess.nextCommand(t) // join

	placeholder, err := session.Send(context.Background(), "c1", "anyone there?", nil)
	require.NoError(t, err)
	cmd := sess.nextCommand(t)
	corr1, _ := payloadField(t, cmd, "correlationId").(string)

	// No echo arrives; the watchdog marks the send failed.
	waitUntil(t, "ack timeout", func() bool {
		msgs := session.Messages("c1")
		return len(msgs) == 1 && msgs[0].DeliveryState == DeliveryFailed
	})

	// Retry reuses the same correlation id.
	_, err = session.RetrySend(context.Background(), placeholder.CorrelationID)
	require.NoError(t, err)
	cmd = sess.nextCommand(t)
	corr2, _ := payloadField(t, cmd, "correlationId").(string)
	assert.Equal(t, corr1, corr2)

	sess.push(t, "message:new", MessageNewEvent{Message: Message{
		ID: "501", ConversationID: "c1", SenderID: "u1", Content: "anyone there?",
		CreatedAt: base.Add(time.Second), CorrelationID: corr2,
	}})
	waitUntil(t, "retry confirmation", func() bool {
		msgs := session.Messages("c1")
		return len(msgs) == 1 && msgs[0].ID == "501"
	})
}

func TestSessionReconnectRunsDeltaResync(t *testing.T) {
	f := newSessionFixture(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.convs = []Conversation{{ID: "c1", Type: ConversationDirect, LastMessageAt: base}}

	session := f.newSession(t, nil)
	require.NoError(t, session.Start(context.Background()))
	sess1 := f.ws.accept(t)
	require.NoError(t, session.SetActive(context.Background(), "c1"))
	sess1.nextCommand(t) // join

	sess1.push(t, "message:new", MessageNewEvent{Message: Message{
		ID: "m1", ConversationID: "c1", SenderID: "u2", Content: "before outage", CreatedAt: base.Add(time.Second),
	}})
	waitUntil(t, "pre-outage message", func() bool { return len(session.Messages("c1")) == 1 })

	// While the connection is down m2 happens server-side. The resync
	// response overlaps the watermark on purpose; dedup absorbs m1.
	f.mu.Lock()
	f.delta["c1"] = []Message{
		{ID: "m1", ConversationID: "c1", SenderID: "u2", Content: "before outage", CreatedAt: base.Add(time.Second)},
		{ID: "m2", ConversationID: "c1", SenderID: "u2", Content: "missed this", CreatedAt: base.Add(2 * time.Second)},
	}
	f.mu.Unlock()
	// Leave the active conversation on screen off so the missed message
	// counts as unread.
	session.SetActive(context.Background(), "")

	sess1.drop()
	sess2 := f.ws.accept(t)
	assert.Equal(t, "conversation:join", sess2.nextCommand(t).Type)

	waitUntil(t, "resync merge", func() bool { return len(session.Messages("c1")) == 2 })
	msgs := session.Messages("c1")
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "m2", msgs[1].ID)

	// Exactly one new message was counted, despite the overlap.
	c, _ := session.Conversation("c1")
	assert.Equal(t, 1, c.UnreadCount)
}

func TestSessionSwitchCancelsStaleHistoryLoad(t *testing.T) {
	f := newSessionFixture(t)
	base := time.Now().UTC()
	f.convs = []Conversation{
		{ID: "c1", Type: ConversationDirect, LastMessageAt: base},
		{ID: "c2", Type: ConversationDirect, LastMessageAt: base},
	}
	f.history["c1"] = []Message{{ID: "stale", ConversationID: "c1", SenderID: "u2", CreatedAt: base}}
	f.history["c2"] = []Message{{ID: "fresh", ConversationID: "c2", SenderID: "u2", CreatedAt: base}}
	gate := make(chan struct{})
	f.gates["c1"] = gate

	session := f.newSession(t, nil)
	require.NoError(t, session.Start(context.Background()))
	sess := f.ws.accept(t)

	loadErr := make(chan error, 1)
	go func() {
		loadErr <- session.SetActive(context.Background(), "c1")
	}()
	sess.nextCommand(t) // join c1
	waitUntil(t, "blocked history fetch", func() bool {
		for _, call := range f.calledPaths() {
			if call == "GET /api/chat/conversations/c1/messages" {
				return true
			}
		}
		return false
	})

	require.NoError(t, session.SetActive(context.Background(), "c2"))
	sess.nextCommand(t) // join c2
	close(gate)

	err := <-loadErr
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, session.Messages("c1"), "stale response must be discarded")
	assert.Equal(t, []string{"fresh"}, ids(session.Messages("c2")))
}

func TestSessionMarkReadZerosImmediately(t *testing.T) {
	f := newSessionFixture(t)
	f.convs = []Conversation{{ID: "c1", Type: ConversationDirect, UnreadCount: 4}}

	session := f.newSession(t, nil)
	require.NoError(t, session.Start(context.Background()))
	f.ws.accept(t)

	session.MarkRead(context.Background(), "c1")
	c, _ := session.Conversation("c1")
	assert.Equal(t, 0, c.UnreadCount)

	// A read receipt from another participant does not resurrect anything.
	session.Router().Dispatch(MessageReadEvent{ConversationID: "c1", UserID: "u2"})
	session.Router().Barrier()
	c, _ = session.Conversation("c1")
	assert.Equal(t, 0, c.UnreadCount)
}

func TestSessionLeaveDropsLocalState(t *testing.T) {
	f := newSessionFixture(t)
	base := time.Now().UTC()
	f.convs = []Conversation{{ID: "c1", Type: ConversationDirect, LastMessageAt: base}}
	f.history["c1"] = []Message{{ID: "m1", ConversationID: "c1", SenderID: "u2", CreatedAt: base}}

	session := f.newSession(t, nil)
	require.NoError(t, session.Start(context.Background()))
	sess := f.ws.accept(t)
	require.NoError(t, session.SetActive(context.Background(), "c1"))
	sess.nextCommand(t) // join

	require.NoError(t, session.Leave(context.Background(), "c1"))
	assert.Empty(t, session.Messages("c1"))
	_, ok := session.Conversation("c1")
	assert.False(t, ok)

	var leaveSeen bool
	for _, call := range f.calledPaths() {
		if call == "POST /api/chat/conversations/c1/leave" {
			leaveSeen = true
		}
	}
	assert.True(t, leaveSeen, "leave must be confirmed server-side")
}

func TestSessionEditRejectsDeletedMessage(t *testing.T) {
	f := newSessionFixture(t)
	base := time.Now().UTC()
	f.convs = []Conversation{{ID: "c1", Type: ConversationDirect, LastMessageAt: base}}

	session := f.newSession(t, nil)
	require.NoError(t, session.Start(context.Background()))
	sess := f.ws.accept(t)
	require.NoError(t, session.SetActive(context.Background(), "c1"))
	sess.nextCommand(t) // join

	sess.push(t, "message:new", MessageNewEvent{Message: Message{
		ID: "m1", ConversationID: "c1", SenderID: "u1", Content: "typo", CreatedAt: base,
	}})
	waitUntil(t, "message", func() bool { return len(session.Messages("c1")) == 1 })

	sess.push(t, "message:deleted", MessageDeletedEvent{ConversationID: "c1", MessageID: "m1", DeletedAt: base.Add(time.Second)})
	waitUntil(t, "tombstone", func() bool {
		m, ok := session.messages.Get("c1", "m1")
		return ok && m.IsDeleted
	})

	err := session.Edit(context.Background(), "c1", "m1", "fixed")
	require.Error(t, err)
}

func TestSessionJSONMessageShape(t *testing.T) {
	// The wire model the fixture and the stores both rely on.
	raw := `{"id":"m1","conversationId":"c1","senderId":"u2","content":"hi","type":"text","createdAt":"2026-03-01T12:00:00Z","correlationId":"corr-1"}`
	var m Message
	require.NoError(t, json.Unmarshal([]byte(raw), &m))
	assert.Equal(t, "corr-1", m.CorrelationID)
	assert.Equal(t, MessageText, m.Type)
	assert.Equal(t, DeliveryState(""), m.DeliveryState, "delivery state never comes off the wire")
}
