package chatsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// DefaultPageSize is the history page size used when none is configured.
const DefaultPageSize = 50

// DefaultAckTimeout bounds how long an optimistic send may stay pending
// before it is marked failed.
const DefaultAckTimeout = 10 * time.Second

// ============================================================================
// Session
// ============================================================================

// SessionConfig configures a Session.
type SessionConfig struct {
	// UserID is the current user; their own messages never count as unread.
	UserID string

	// Token authenticates the push channel. Defaults to the client's token
	// behavior via the websocket query parameter.
	Token string

	TypingTTL  time.Duration
	PageSize   int
	AckTimeout time.Duration

	// Reconnect tuning, forwarded to the connection manager.
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	HeartbeatInterval  time.Duration
	OfflineThreshold   int

	OnStateChange func(ConnState)
	OnOffline     func(offline bool)
	OnPresence    func(PresenceEvent)
	OnServerError func(ServerErrorEvent)

	Logger  *log.Logger
	Metrics *Metrics

	// WSURL overrides the push-channel endpoint derived from the client's
	// base URL. Used by tests to point at a fake server.
	WSURL string
}

// Session wires the REST gateway, the push channel, the router, and the
// stores into one conversation-sync engine. Data flows one way: REST seeds
// and push events mutate the stores through the router; the UI reads
// snapshots and issues commands.
type Session struct {
	client *Client
	conn   *Conn
	router *Router

	messages      *MessageStore
	conversations *ConversationListStore
	typing        *TypingTracker

	userID     string
	pageSize   int
	ackTimeout time.Duration
	logger     *log.Logger
	metrics    *Metrics

	mu       sync.Mutex
	baseCtx  context.Context
	loadCtxs map[string]*loadHandle
	closed   bool
}

// loadHandle identifies one in-flight history fetch so a finished load only
// unregisters itself, never a newer one for the same conversation.
type loadHandle struct {
	cancel context.CancelFunc
}

// NewSession builds a session around an API client.
func NewSession(client *Client, cfg SessionConfig) (*Session, error) {
	if cfg.UserID == "" {
		return nil, fmt.Errorf("session requires a user id")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = client.logger
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = client.metrics
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	ackTimeout := cfg.AckTimeout
	if ackTimeout <= 0 {
		ackTimeout = DefaultAckTimeout
	}

	s := &Session{
		client:        client,
		messages:      NewMessageStore(logger, metrics),
		conversations: NewConversationListStore(cfg.UserID, logger),
		typing:        NewTypingTracker(cfg.TypingTTL),
		userID:        cfg.UserID,
		pageSize:      pageSize,
		ackTimeout:    ackTimeout,
		logger:        logger,
		metrics:       metrics,
		loadCtxs:      make(map[string]*loadHandle),
	}

	s.router = NewRouter(RouterConfig{
		Messages:      s.messages,
		Conversations: s.conversations,
		Typing:        s.typing,
		OnServerError: cfg.OnServerError,
		OnPresence:    cfg.OnPresence,
		OnCorruption:  s.reseed,
		Logger:        logger,
		Metrics:       metrics,
	})

	wsURL := cfg.WSURL
	if wsURL == "" {
		wsURL = client.WSURL()
	}
	token := cfg.Token
	if token == "" {
		token = client.token
	}
	s.conn = NewConn(wsURL, &ConnConfig{
		Token:              token,
		ReconnectBaseDelay: cfg.ReconnectBaseDelay,
		ReconnectMaxDelay:  cfg.ReconnectMaxDelay,
		HeartbeatInterval:  cfg.HeartbeatInterval,
		OfflineThreshold:   cfg.OfflineThreshold,
		OnEnvelope: func(env Envelope) {
			s.router.DispatchEnvelope(env)
		},
		OnConnected:   s.resyncAll,
		OnStateChange: cfg.OnStateChange,
		OnOffline:     cfg.OnOffline,
		Logger:        logger,
		Metrics:       metrics,
	})

	return s, nil
}

// Start seeds the conversation list over REST and opens the push channel.
// ctx bounds the whole session lifetime.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	if err := s.Refresh(ctx); err != nil {
		return err
	}
	if err := s.conn.Connect(ctx); err != nil {
		// The list is seeded; the connection keeps retrying via the UI
		// calling Start again or the owner reconnecting explicitly.
		return fmt.Errorf("push channel connect: %w", err)
	}
	return nil
}

// Close tears the session down: connection, router, timers, in-flight
// fetches.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for id, handle := range s.loadCtxs {
		handle.cancel()
		delete(s.loadCtxs, id)
	}
	s.mu.Unlock()

	s.conn.Disconnect()
	s.router.Close()
	s.typing.Clear()
}

// ============================================================================
// Snapshot reads
// ============================================================================

// Conversations returns the ordered conversation list snapshot.
func (s *Session) Conversations() []Conversation {
	return s.conversations.Snapshot()
}

// Conversation returns one conversation summary.
func (s *Session) Conversation(conversationID string) (Conversation, bool) {
	return s.conversations.Get(conversationID)
}

// Messages returns the ordered message snapshot for a conversation.
func (s *Session) Messages(conversationID string) []Message {
	return s.messages.Messages(conversationID)
}

// TypingUsers returns who is currently typing in a conversation.
func (s *Session) TypingUsers(conversationID string) []string {
	return s.typing.GetTypingUsers(conversationID)
}

// ConnState returns the push-channel state.
func (s *Session) ConnState() ConnState {
	return s.conn.State()
}

// ============================================================================
// Seeding and resync
// ============================================================================

// Refresh replaces the conversation list from the server. Also the recovery
// path when the stores had to be reset.
func (s *Session) Refresh(ctx context.Context) error {
	var all []Conversation
	offset := 0
	for {
		page, err := s.client.ListConversations(ctx, s.pageSize, offset)
		if err != nil {
			return fmt.Errorf("list conversations: %w", err)
		}
		all = append(all, page.Conversations...)
		if !page.HasMore || len(page.Conversations) == 0 {
			break
		}
		offset += len(page.Conversations)
	}
	s.conversations.Refresh(all)
	return nil
}

// resyncAll runs on every transition into connected. The push channel is
// at-most-once and was down, so for every subscribed conversation we fetch
// everything newer than the local watermark and merge it through the same
// dedup path as live events.
func (s *Session) resyncAll(ctx context.Context) {
	for _, id := range s.conn.Rooms() {
		s.resyncConversation(ctx, id)
	}
}

func (s *Session) resyncConversation(ctx context.Context, conversationID string) {
	afterAt, afterID, _ := s.messages.LatestKnown(conversationID)
	msgs, err := s.client.GetMessagesAfter(ctx, conversationID, afterAt, afterID)
	if err != nil {
		s.logger.Warn("delta resync failed", "conversation", conversationID, "err", err)
		return
	}
	if s.metrics != nil {
		s.metrics.resyncs.Inc()
	}
	// Route through the router so dedup, ordering, unread counting, and
	// buffered-op replay behave exactly as for live events.
	for _, m := range msgs {
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		s.router.Dispatch(MessageNewEvent{Message: m})
	}
	s.logger.Debug("delta resync dispatched", "conversation", conversationID, "count", len(msgs))
}

// ============================================================================
// Active conversation and history
// ============================================================================

// SetActive switches the conversation on screen: it cancels any in-flight
// history load for the previous one (a slow stale response must not
// overwrite newer state), joins the new room, and loads its first page.
func (s *Session) SetActive(ctx context.Context, conversationID string) error {
	prev := s.conversations.SetActive(conversationID)
	if prev != "" && prev != conversationID {
		s.cancelLoad(prev)
	}
	if conversationID == "" {
		return nil
	}
	if err := s.conn.JoinConversation(ctx, conversationID); err != nil {
		s.logger.Debug("room join deferred", "conversation", conversationID, "err", err)
	}
	return s.LoadPage(ctx, conversationID, 0)
}

// LoadPage fetches one history page and merges it into the message store.
// Pages never touch unread counts; those are seeded by the conversation
// list and advanced only by live or resynced events.
func (s *Session) LoadPage(ctx context.Context, conversationID string, offset int) error {
	loadCtx, cancel := context.WithCancel(ctx)
	handle := &loadHandle{cancel: cancel}
	s.mu.Lock()
	if prev, ok := s.loadCtxs[conversationID]; ok {
		prev.cancel()
	}
	s.loadCtxs[conversationID] = handle
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.loadCtxs[conversationID] == handle {
			delete(s.loadCtxs, conversationID)
		}
		s.mu.Unlock()
		cancel()
	}()

	page, err := s.client.GetMessages(loadCtx, conversationID, s.pageSize, offset)
	if err != nil {
		if loadCtx.Err() != nil {
			return loadCtx.Err()
		}
		return fmt.Errorf("load page: %w", err)
	}
	if loadCtx.Err() != nil {
		// Cancelled while in flight; the stale response is discarded.
		return loadCtx.Err()
	}
	s.messages.SeedPage(conversationID, page.Messages)
	return nil
}

func (s *Session) cancelLoad(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if handle, ok := s.loadCtxs[conversationID]; ok {
		handle.cancel()
		delete(s.loadCtxs, conversationID)
	}
}

// ============================================================================
// Outbound commands
// ============================================================================

// Send performs an optimistic send: a pending placeholder appears in the
// store immediately, the command goes out over the live connection with a
// fresh correlation id, and the eventual echo replaces the placeholder. On
// error or ack timeout the placeholder transitions to failed.
func (s *Session) Send(ctx context.Context, conversationID, content string, opts *SendOptions) (Message, error) {
	correlationID := uuid.NewString()
	return s.sendWithCorrelation(ctx, conversationID, content, opts, correlationID)
}

// RetrySend retries a failed send. The identical correlation id is reused
// so a late duplicate ack from the first attempt cannot produce two
// messages.
func (s *Session) RetrySend(ctx context.Context, correlationID string) (Message, error) {
	msg, ok := s.messages.PendingByCorrelation(correlationID)
	if !ok {
		return Message{}, fmt.Errorf("no pending send for correlation id %s", correlationID)
	}
	opts := &SendOptions{Type: msg.Type, AttachmentURL: msg.AttachmentURL}
	return s.sendWithCorrelation(ctx, msg.ConversationID, msg.Content, opts, correlationID)
}

func (s *Session) sendWithCorrelation(ctx context.Context, conversationID, content string, opts *SendOptions, correlationID string) (Message, error) {
	placeholder := s.messages.ApplyLocalSend(conversationID, s.userID, content, opts, correlationID)
	s.conversations.ApplyMessageActivity(placeholder, false)

	if err := s.conn.SendMessage(ctx, conversationID, content, correlationID, opts); err != nil {
		s.messages.MarkFailed(correlationID)
		if s.metrics != nil {
			s.metrics.sends.WithLabelValues("failed").Inc()
		}
		return placeholder, fmt.Errorf("send message: %w", err)
	}
	if s.metrics != nil {
		s.metrics.sends.WithLabelValues("dispatched").Inc()
	}

	// Ack watchdog: if the echo has not replaced the placeholder within
	// the timeout, the send is considered failed and retryable.
	time.AfterFunc(s.ackTimeout, func() {
		if s.messages.MarkFailed(correlationID) {
			s.logger.Debug("send ack timed out", "conversation", conversationID, "correlation", correlationID)
			if s.metrics != nil {
				s.metrics.sends.WithLabelValues("timeout").Inc()
			}
		}
	})

	return placeholder, nil
}

// Edit edits a message over the live connection.
func (s *Session) Edit(ctx context.Context, conversationID, messageID, content string) error {
	if msg, ok := s.messages.Get(conversationID, messageID); ok && msg.IsDeleted {
		return fmt.Errorf("message %s is deleted", messageID)
	}
	return s.conn.EditMessage(ctx, conversationID, messageID, content)
}

// Delete tombstones a message over the live connection.
func (s *Session) Delete(ctx context.Context, conversationID, messageID string) error {
	return s.conn.DeleteMessage(ctx, conversationID, messageID)
}

// MarkRead zeroes the unread count immediately and notifies the server in
// the background; the eventual read receipt is idempotent.
func (s *Session) MarkRead(ctx context.Context, conversationID string) {
	s.conversations.MarkRead(conversationID)
	go func() {
		if err := s.conn.MarkRead(ctx, conversationID); err == nil {
			return
		}
		if err := s.client.MarkRead(ctx, conversationID); err != nil {
			s.logger.Warn("mark-read notify failed", "conversation", conversationID, "err", err)
		}
	}()
}

// Typing sends a typing signal for the current user.
func (s *Session) Typing(ctx context.Context, conversationID string, isTyping bool) error {
	return s.conn.Typing(ctx, conversationID, isTyping)
}

// Mute flips a conversation's mute flag, optimistically then server-side.
func (s *Session) Mute(ctx context.Context, conversationID string, muted bool) error {
	s.conversations.SetMuted(conversationID, muted)
	return s.client.SetMuted(ctx, conversationID, muted)
}

// Archive flips a conversation's archive flag.
func (s *Session) Archive(ctx context.Context, conversationID string, archived bool) error {
	s.conversations.SetArchived(conversationID, archived)
	return s.client.SetArchived(ctx, conversationID, archived)
}

// Leave removes the current user from a conversation. Local state is
// dropped only after the server confirms.
func (s *Session) Leave(ctx context.Context, conversationID string) error {
	if err := s.client.LeaveConversation(ctx, conversationID); err != nil {
		return err
	}
	s.conn.LeaveConversation(ctx, conversationID)
	s.cancelLoad(conversationID)
	s.conversations.Remove(conversationID)
	s.messages.RemoveConversation(conversationID)
	return nil
}

// ============================================================================
// Recovery
// ============================================================================

// reseed runs when the router detected store corruption: local state is
// discarded and rebuilt over REST.
func (s *Session) reseed() {
	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	s.messages.Reset()
	go func() {
		if err := s.Refresh(ctx); err != nil {
			s.logger.Error("store re-seed failed", "err", err)
			return
		}
		for _, id := range s.conn.Rooms() {
			if err := s.LoadPage(ctx, id, 0); err != nil {
				s.logger.Warn("store re-seed page load failed", "conversation", id, "err", err)
			}
		}
	}()
}

// Router exposes the event router so alternative inbound transports (for
// example a webhook receiver) can feed the same serialized dispatch path.
func (s *Session) Router() *Router {
	return s.router
}
