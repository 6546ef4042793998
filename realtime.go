package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"nhooyr.io/websocket"
)

// ============================================================================
// Connection state
// ============================================================================

// ConnState represents the push-channel connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

// connectedEnvelopeType is the handshake event the server sends first on a
// fresh connection.
const connectedEnvelopeType = "connected"

// ============================================================================
// Configuration
// ============================================================================

// ConnConfig configures the push-channel connection.
type ConnConfig struct {
	Token              string
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	HeartbeatInterval  time.Duration

	// OfflineThreshold is the number of consecutive failed reconnect
	// attempts after which OnOffline(true) fires. Retrying continues in the
	// background regardless; only an explicit Disconnect stops it.
	OfflineThreshold int

	// OnEnvelope receives every inbound event envelope in arrival order.
	OnEnvelope func(Envelope)

	// OnConnected fires on every transition into connected — first connect
	// and every reconnect — after the joined rooms have been re-joined. The
	// push channel is at-most-once and drops events while down, so the
	// owner must run a delta resync here or miss the outage window.
	OnConnected func(ctx context.Context)

	// OnStateChange observes connection state transitions.
	OnStateChange func(ConnState)

	// OnOffline observes the persistent-offline status described above.
	OnOffline func(offline bool)

	Logger  *log.Logger
	Metrics *Metrics
}

func (c *ConnConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.OfflineThreshold == 0 {
		c.OfflineThreshold = 5
	}
	if c.Logger == nil {
		c.Logger = discardLogger()
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *ConnConfig) *reconnector {
	return &reconnector{
		baseDelay: config.ReconnectBaseDelay,
		maxDelay:  config.ReconnectMaxDelay,
	}
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// Conn
// ============================================================================

// Conn owns the push-channel lifecycle: connect, room join/leave,
// reconnect-with-backoff, heartbeat, and outbound realtime commands. It is
// an explicit object — construct as many independent instances as needed.
type Conn struct {
	wsURL  string
	config *ConnConfig

	mu               sync.Mutex
	conn             *websocket.Conn
	state            ConnState
	intentionalClose bool
	offline          bool
	baseCtx          context.Context
	cancelFn         context.CancelFunc
	stopCh           chan struct{}

	// rooms is the set of conversation rooms the client is subscribed to.
	// Every transition into connected re-joins all of them.
	rooms map[string]struct{}

	recon *reconnector

	pingMu       sync.Mutex
	pingCounter  int
	pendingPings map[string]chan struct{}
}

// NewConn creates a push-channel connection manager for the given websocket
// URL. Call Connect to establish the connection.
func NewConn(wsURL string, config *ConnConfig) *Conn {
	cfg := *config
	cfg.defaults()
	return &Conn{
		wsURL:        wsURL,
		config:       &cfg,
		state:        StateDisconnected,
		rooms:        make(map[string]struct{}),
		recon:        newReconnector(&cfg),
		pendingPings: make(map[string]chan struct{}),
	}
}

// State returns the current connection state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	if c.config.OnStateChange != nil {
		c.config.OnStateChange(s)
	}
}

func (c *Conn) setOffline(offline bool) {
	c.mu.Lock()
	changed := c.offline != offline
	c.offline = offline
	c.mu.Unlock()
	if changed && c.config.OnOffline != nil {
		c.config.OnOffline(offline)
	}
}

// Connect establishes the websocket connection and performs the handshake.
// ctx bounds the whole session: reconnect attempts reuse it, and cancelling
// it tears the connection down.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.intentionalClose = false
	c.baseCtx = ctx
	if c.stopCh == nil {
		c.stopCh = make(chan struct{})
	}
	c.mu.Unlock()
	if c.config.OnStateChange != nil {
		c.config.OnStateChange(StateConnecting)
	}

	if err := c.dial(ctx); err != nil {
		c.setState(StateDisconnected)
		return err
	}
	return nil
}

func (c *Conn) dial(ctx context.Context) error {
	u := c.wsURL
	if c.config.Token != "" {
		u += "?token=" + c.config.Token
	}

	conn, _, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	// First message must be the handshake.
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return fmt.Errorf("read handshake: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != connectedEnvelopeType {
		conn.Close(websocket.StatusNormalClosure, "")
		return fmt.Errorf("expected %q handshake, got %q", connectedEnvelopeType, env.Type)
	}

	connCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.conn = conn
	c.cancelFn = cancel
	rooms := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		rooms = append(rooms, id)
	}
	c.mu.Unlock()

	c.recon.markConnected()
	c.setState(StateConnected)
	c.setOffline(false)
	if c.config.Metrics != nil {
		c.config.Metrics.connects.Inc()
	}

	// Re-join every subscribed room before announcing connected, so no
	// event for an open conversation slips past the new connection.
	for _, id := range rooms {
		if err := c.sendCommand(connCtx, "conversation:join", map[string]string{"conversationId": id}); err != nil {
			c.config.Logger.Warn("room rejoin failed", "conversation", id, "err", err)
		}
	}

	if c.config.OnConnected != nil {
		c.config.OnConnected(connCtx)
	}

	go c.readLoop(connCtx, conn)
	go c.heartbeatLoop(connCtx)
	return nil
}

// Disconnect closes the connection and cancels all reconnect and heartbeat
// timers.
func (c *Conn) Disconnect() error {
	c.mu.Lock()
	c.intentionalClose = true
	if c.stopCh != nil {
		close(c.stopCh)
		c.stopCh = nil
	}
	if c.cancelFn != nil {
		c.cancelFn()
		c.cancelFn = nil
	}
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	c.clearPendingPings()
	c.recon.reset()
	if c.config.OnStateChange != nil {
		c.config.OnStateChange(StateDisconnected)
	}

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// ============================================================================
// Rooms
// ============================================================================

// JoinConversation subscribes to a conversation room. The subscription is
// remembered and re-established on every reconnect.
func (c *Conn) JoinConversation(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	c.rooms[conversationID] = struct{}{}
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected {
		return nil
	}
	return c.sendCommand(ctx, "conversation:join", map[string]string{"conversationId": conversationID})
}

// LeaveConversation unsubscribes from a conversation room.
func (c *Conn) LeaveConversation(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	delete(c.rooms, conversationID)
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected {
		return nil
	}
	return c.sendCommand(ctx, "conversation:leave", map[string]string{"conversationId": conversationID})
}

// Rooms returns the conversation rooms currently subscribed.
func (c *Conn) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	return out
}

// ============================================================================
// Outbound commands
// ============================================================================

// SendMessage sends a message over the live connection. correlationID must
// match the optimistic placeholder already in the MessageStore.
func (c *Conn) SendMessage(ctx context.Context, conversationID, content, correlationID string, opts *SendOptions) error {
	payload := map[string]any{
		"conversationId": conversationID,
		"content":        content,
		"type":           MessageText,
		"correlationId":  correlationID,
	}
	if opts != nil {
		if opts.Type != "" {
			payload["type"] = opts.Type
		}
		if opts.AttachmentURL != "" {
			payload["attachmentUrl"] = opts.AttachmentURL
		}
	}
	return c.sendCommand(ctx, "message:send", payload)
}

// EditMessage edits a message over the live connection.
func (c *Conn) EditMessage(ctx context.Context, conversationID, messageID, content string) error {
	return c.sendCommand(ctx, "message:edit", map[string]string{
		"conversationId": conversationID,
		"messageId":      messageID,
		"content":        content,
	})
}

// DeleteMessage tombstones a message over the live connection.
func (c *Conn) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	return c.sendCommand(ctx, "message:delete", map[string]string{
		"conversationId": conversationID,
		"messageId":      messageID,
	})
}

// MarkRead notifies the server that a conversation was read.
func (c *Conn) MarkRead(ctx context.Context, conversationID string) error {
	return c.sendCommand(ctx, "conversation:read", map[string]string{"conversationId": conversationID})
}

// Typing signals typing start/stop for the current user.
func (c *Conn) Typing(ctx context.Context, conversationID string, isTyping bool) error {
	return c.sendCommand(ctx, "typing", map[string]any{
		"conversationId": conversationID,
		"isTyping":       isTyping,
	})
}

func (c *Conn) sendCommand(ctx context.Context, cmdType string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	data, err := json.Marshal(&Command{Type: cmdType, Payload: payload})
	if err != nil {
		return err
	}
	if c.config.Metrics != nil {
		c.config.Metrics.commandsSent.WithLabelValues(cmdType).Inc()
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// ============================================================================
// Loops
// ============================================================================

func (c *Conn) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.mu.Lock()
			intentional := c.intentionalClose
			c.mu.Unlock()
			if intentional {
				return
			}

			c.mu.Lock()
			c.conn = nil
			c.mu.Unlock()
			c.clearPendingPings()
			c.config.Logger.Debug("push channel lost", "err", err)
			c.scheduleReconnect()
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.config.Logger.Warn("dropping unparseable frame", "err", err)
			continue
		}

		if env.Type == wirePong {
			c.resolvePong(env.Payload)
			continue
		}

		if c.config.OnEnvelope != nil {
			c.config.OnEnvelope(env)
		}
	}
}

func (c *Conn) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.State() != StateConnected {
				return
			}
			if err := c.ping(ctx); err != nil {
				c.config.Logger.Debug("heartbeat failed", "err", err)
				c.mu.Lock()
				conn := c.conn
				c.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (c *Conn) ping(ctx context.Context) error {
	c.pingMu.Lock()
	c.pingCounter++
	requestID := fmt.Sprintf("ping-%d", c.pingCounter)
	ch := make(chan struct{}, 1)
	c.pendingPings[requestID] = ch
	c.pingMu.Unlock()

	cleanup := func() {
		c.pingMu.Lock()
		delete(c.pendingPings, requestID)
		c.pingMu.Unlock()
	}

	if err := c.sendCommand(ctx, "ping", map[string]string{"requestId": requestID}); err != nil {
		cleanup()
		return err
	}

	select {
	case _, ok := <-ch:
		if !ok {
			// Channel closed by teardown: the connection is gone.
			return fmt.Errorf("connection lost during ping")
		}
		return nil
	case <-time.After(10 * time.Second):
		cleanup()
		return fmt.Errorf("ping timeout")
	case <-ctx.Done():
		cleanup()
		return ctx.Err()
	}
}

func (c *Conn) resolvePong(payload json.RawMessage) {
	var p struct {
		RequestID string `json:"requestId"`
	}
	if json.Unmarshal(payload, &p) != nil || p.RequestID == "" {
		return
	}
	c.pingMu.Lock()
	ch, ok := c.pendingPings[p.RequestID]
	if ok {
		delete(c.pendingPings, p.RequestID)
	}
	c.pingMu.Unlock()
	if ok {
		ch <- struct{}{}
	}
}

func (c *Conn) clearPendingPings() {
	c.pingMu.Lock()
	for k, ch := range c.pendingPings {
		close(ch)
		delete(c.pendingPings, k)
	}
	c.pingMu.Unlock()
}

// ============================================================================
// Reconnect
// ============================================================================

func (c *Conn) scheduleReconnect() {
	c.mu.Lock()
	if c.intentionalClose || c.stopCh == nil {
		c.mu.Unlock()
		return
	}
	stop := c.stopCh
	ctx := c.baseCtx
	c.state = StateReconnecting
	c.mu.Unlock()
	if c.config.OnStateChange != nil {
		c.config.OnStateChange(StateReconnecting)
	}
	if c.config.Metrics != nil {
		c.config.Metrics.reconnects.Inc()
	}

	delay := c.recon.nextDelay()
	if c.recon.attempt >= c.config.OfflineThreshold {
		c.setOffline(true)
	}
	c.config.Logger.Debug("reconnecting", "attempt", c.recon.attempt, "delay", delay)

	timer := time.NewTimer(delay)
	go func() {
		defer timer.Stop()
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if err := c.dial(ctx); err != nil {
			c.config.Logger.Debug("reconnect attempt failed", "err", err)
			c.scheduleReconnect()
		}
	}()
}
