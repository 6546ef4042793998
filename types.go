package chatsync

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error reported by the messaging API.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic messaging API response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  map[string]any  `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Message Model
// ============================================================================

// DeliveryState is the client-side delivery lifecycle of an outbound message.
// It is never persisted server-side.
type DeliveryState string

const (
	DeliveryPending DeliveryState = "pending"
	DeliverySent    DeliveryState = "sent"
	DeliveryFailed  DeliveryState = "failed"
)

// MessageType classifies message content.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageFile  MessageType = "file"
)

// Message is a single message within a conversation. Within a conversation
// messages are totally ordered by (CreatedAt, ID) ascending.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	Content        string      `json:"content"`
	Type           MessageType `json:"type"`
	AttachmentURL  string      `json:"attachmentUrl,omitempty"`
	IsEdited       bool        `json:"isEdited,omitempty"`
	EditedAt       *time.Time  `json:"editedAt,omitempty"`
	IsDeleted      bool        `json:"isDeleted,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`

	// CorrelationID is the client-generated token attached to outbound
	// messages so the server echo can be matched back to the optimistic
	// placeholder. The server reflects it on echoes and acks.
	CorrelationID string `json:"correlationId,omitempty"`

	// DeliveryState tracks the optimistic-send lifecycle locally.
	DeliveryState DeliveryState `json:"-"`
}

// messageLess reports whether a sorts strictly before b in the canonical
// per-conversation order.
func messageLess(a, b *Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// ============================================================================
// Conversation Model
// ============================================================================

// ConversationType distinguishes direct chats from group chats.
type ConversationType string

const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"
)

// Participant identifies a member of a conversation.
type Participant struct {
	UserID      string `json:"userId"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

// MessagePreview is the trimmed last-message view carried on a conversation
// summary.
type MessagePreview struct {
	ID        string      `json:"id"`
	Content   string      `json:"content"`
	Type      MessageType `json:"type"`
	SenderID  string      `json:"senderId"`
	CreatedAt time.Time   `json:"createdAt"`
}

// Conversation is a summary entry in the conversation list. ListingID is the
// optional classifieds listing the conversation is attached to.
type Conversation struct {
	ID            string           `json:"id"`
	Type          ConversationType `json:"type"`
	Participants  []Participant    `json:"participants,omitempty"`
	ListingID     string           `json:"listingId,omitempty"`
	LastMessage   *MessagePreview  `json:"lastMessage,omitempty"`
	LastMessageAt time.Time        `json:"lastMessageAt"`
	UnreadCount   int              `json:"unreadCount"`
	IsMuted       bool             `json:"isMuted,omitempty"`
	IsArchived    bool             `json:"isArchived,omitempty"`
}

// ============================================================================
// Request / Response Types
// ============================================================================

// SendOptions carries optional fields for an outbound message.
type SendOptions struct {
	Type          MessageType `json:"type,omitempty"`
	AttachmentURL string      `json:"attachmentUrl,omitempty"`
}

// MessagePage is one ascending-by-createdAt page of conversation history.
type MessagePage struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"hasMore"`
}

// ConversationPage is one page of the conversation list, newest activity
// first.
type ConversationPage struct {
	Conversations []Conversation `json:"conversations"`
	HasMore       bool           `json:"hasMore"`
}

// RegisterOptions configures account registration.
type RegisterOptions struct {
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
}

// TokenData is the credential payload returned by register/refresh.
type TokenData struct {
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	Token     string `json:"token"`
	ExpiresIn string `json:"expiresIn,omitempty"`
}
