// Package chatsync is the Go client SDK for the Loopmarkt messaging API.
//
// It reconciles the paginated REST message history with the live push
// channel into one consistent, ordered, deduplicated view per conversation:
// optimistic sends, edits and tombstones, unread counts, typing presence,
// and reconnection recovery with delta resync.
//
// Example:
//
//	client := chatsync.NewClient(token)
//	session, _ := chatsync.NewSession(client, chatsync.SessionConfig{UserID: me})
//	defer session.Close()
//
//	_ = session.Start(ctx)
//	session.SetActive(ctx, "conv-42")
//	session.Send(ctx, "conv-42", "Is the bike still available?", nil)
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

const (
	// DefaultBaseURL is the production messaging API endpoint.
	DefaultBaseURL = "https://api.loopmarkt.com"

	// DefaultTimeout bounds every REST call.
	DefaultTimeout = 30 * time.Second
)

// discardLogger returns a logger that drops everything; callers opt in to
// logging with WithLogger.
func discardLogger() *log.Logger {
	return log.New(io.Discard)
}

// ============================================================================
// Client
// ============================================================================

// Client is the stateless REST gateway: conversation list, history pages,
// send/edit/delete, mark-read. It owns no local state; the stores do.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	logger     *log.Logger
	metrics    *Metrics
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithBaseURL points the client at a non-production API endpoint.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithTimeout overrides the REST call timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithHTTPClient swaps the underlying *http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger attaches a structured logger.
func WithLogger(logger *log.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithMetrics attaches a metrics collector set.
func WithMetrics(m *Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// NewClient creates a messaging API client. token may be empty for anonymous
// registration and set later with SetToken.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: discardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets or replaces the auth token, for example after registration
// or a refresh.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured API endpoint.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// WSURL returns the push-channel endpoint derived from the base URL.
func (c *Client) WSURL() string {
	u := strings.Replace(c.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/chat/ws"
}

// ============================================================================
// Internal request helpers
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

// call performs a request and unwraps the Result envelope; a non-OK result
// becomes the server's *APIError.
func (c *Client) call(ctx context.Context, method, path string, body interface{}, query map[string]string) (*Result, error) {
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if !res.OK {
		if res.Error != nil {
			return nil, res.Error
		}
		return nil, fmt.Errorf("%s %s: request rejected", method, path)
	}
	return &res, nil
}

func paginationQuery(limit, offset int) map[string]string {
	q := map[string]string{}
	if limit > 0 {
		q["limit"] = strconv.Itoa(limit)
	}
	if offset > 0 {
		q["offset"] = strconv.Itoa(offset)
	}
	if len(q) == 0 {
		return nil
	}
	return q
}

// ============================================================================
// Account
// ============================================================================

// Register creates an account and returns its credentials.
func (c *Client) Register(ctx context.Context, opts *RegisterOptions) (*TokenData, error) {
	res, err := c.call(ctx, http.MethodPost, "/api/chat/register", opts, nil)
	if err != nil {
		return nil, err
	}
	var td TokenData
	if err := res.Decode(&td); err != nil {
		return nil, fmt.Errorf("failed to decode register response: %w", err)
	}
	return &td, nil
}

// RefreshToken exchanges the current token for a fresh one.
func (c *Client) RefreshToken(ctx context.Context) (*TokenData, error) {
	res, err := c.call(ctx, http.MethodPost, "/api/chat/token/refresh", nil, nil)
	if err != nil {
		return nil, err
	}
	var td TokenData
	if err := res.Decode(&td); err != nil {
		return nil, fmt.Errorf("failed to decode refresh response: %w", err)
	}
	return &td, nil
}

// ============================================================================
// Conversations
// ============================================================================

// ListConversations fetches one page of the conversation list, newest
// activity first.
func (c *Client) ListConversations(ctx context.Context, limit, offset int) (*ConversationPage, error) {
	res, err := c.call(ctx, http.MethodGet, "/api/chat/conversations", nil, paginationQuery(limit, offset))
	if err != nil {
		return nil, err
	}
	var page ConversationPage
	if err := res.Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to decode conversation page: %w", err)
	}
	return &page, nil
}

// GetConversation fetches a single conversation summary.
func (c *Client) GetConversation(ctx context.Context, conversationID string) (*Conversation, error) {
	res, err := c.call(ctx, http.MethodGet, "/api/chat/conversations/"+conversationID, nil, nil)
	if err != nil {
		return nil, err
	}
	var conv Conversation
	if err := res.Decode(&conv); err != nil {
		return nil, fmt.Errorf("failed to decode conversation: %w", err)
	}
	return &conv, nil
}

// MarkRead notifies the server that the conversation was read.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	_, err := c.call(ctx, http.MethodPost, "/api/chat/conversations/"+conversationID+"/read", nil, nil)
	return err
}

// SetMuted flips a conversation's mute flag server-side.
func (c *Client) SetMuted(ctx context.Context, conversationID string, muted bool) error {
	_, err := c.call(ctx, http.MethodPost, "/api/chat/conversations/"+conversationID+"/mute",
		map[string]bool{"muted": muted}, nil)
	return err
}

// SetArchived flips a conversation's archive flag server-side.
func (c *Client) SetArchived(ctx context.Context, conversationID string, archived bool) error {
	_, err := c.call(ctx, http.MethodPost, "/api/chat/conversations/"+conversationID+"/archive",
		map[string]bool{"archived": archived}, nil)
	return err
}

// LeaveConversation removes the current user from a conversation.
func (c *Client) LeaveConversation(ctx context.Context, conversationID string) error {
	_, err := c.call(ctx, http.MethodPost, "/api/chat/conversations/"+conversationID+"/leave", nil, nil)
	return err
}

// ============================================================================
// Messages
// ============================================================================

// GetMessages fetches one ascending-by-createdAt history page.
func (c *Client) GetMessages(ctx context.Context, conversationID string, limit, offset int) (*MessagePage, error) {
	res, err := c.call(ctx, http.MethodGet, "/api/chat/conversations/"+conversationID+"/messages",
		nil, paginationQuery(limit, offset))
	if err != nil {
		return nil, err
	}
	var page MessagePage
	if err := res.Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to decode message page: %w", err)
	}
	return &page, nil
}

// GetMessagesAfter fetches every message strictly newer than the
// (afterAt, afterID) watermark. This is the delta-resync call that heals
// events dropped while the push channel was down.
func (c *Client) GetMessagesAfter(ctx context.Context, conversationID string, afterAt time.Time, afterID string) ([]Message, error) {
	query := map[string]string{}
	if !afterAt.IsZero() {
		query["afterAt"] = afterAt.UTC().Format(time.RFC3339Nano)
		query["afterId"] = afterID
	}
	res, err := c.call(ctx, http.MethodGet, "/api/chat/conversations/"+conversationID+"/messages/after", nil, query)
	if err != nil {
		return nil, err
	}
	var page MessagePage
	if err := res.Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to decode delta page: %w", err)
	}
	return page.Messages, nil
}

// SendMessage posts a message over REST. correlationID ties the response
// and any push echo back to the optimistic placeholder; retries must reuse
// it so a late duplicate ack cannot produce two messages.
func (c *Client) SendMessage(ctx context.Context, conversationID, content, correlationID string, opts *SendOptions) (*Message, error) {
	payload := map[string]any{
		"content":       content,
		"type":          MessageText,
		"correlationId": correlationID,
	}
	if opts != nil {
		if opts.Type != "" {
			payload["type"] = opts.Type
		}
		if opts.AttachmentURL != "" {
			payload["attachmentUrl"] = opts.AttachmentURL
		}
	}
	res, err := c.call(ctx, http.MethodPost, "/api/chat/conversations/"+conversationID+"/messages", payload, nil)
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := res.Decode(&msg); err != nil {
		return nil, fmt.Errorf("failed to decode sent message: %w", err)
	}
	return &msg, nil
}

// EditMessage replaces a message's content.
func (c *Client) EditMessage(ctx context.Context, conversationID, messageID, content string) error {
	_, err := c.call(ctx, http.MethodPatch,
		"/api/chat/conversations/"+conversationID+"/messages/"+messageID,
		map[string]string{"content": content}, nil)
	return err
}

// DeleteMessage tombstones a message server-side.
func (c *Client) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	_, err := c.call(ctx, http.MethodDelete,
		"/api/chat/conversations/"+conversationID+"/messages/"+messageID, nil, nil)
	return err
}
