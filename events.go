package chatsync

import (
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// Wire Envelope
// ============================================================================

// Envelope is the wire format for all push-channel events.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Command is a client-to-server instruction sent over the push channel.
type Command struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Push-channel event type strings.
const (
	wireMessageNew          = "message:new"
	wireMessageUpdated      = "message:updated"
	wireMessageDeleted      = "message:deleted"
	wireConversationUpdated = "conversation:updated"
	wireMessageRead         = "message:read"
	wireTyping              = "typing"
	wirePresence            = "presence"
	wireError               = "error"
	wirePong                = "pong"
)

// ============================================================================
// Event Variants
// ============================================================================

// Event is the closed set of inbound push events. Each variant maps to
// exactly one store mutation; the router switches over the concrete types so
// a new variant cannot be silently dropped.
type Event interface {
	eventType() string
}

// MessageNewEvent announces a message inserted into a conversation. For the
// sender's own messages CorrelationID matches the optimistic placeholder.
type MessageNewEvent struct {
	Message Message `json:"message"`
}

// MessageUpdatedEvent announces an edit.
type MessageUpdatedEvent struct {
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId"`
	Content        string    `json:"content"`
	EditedAt       time.Time `json:"editedAt"`
}

// MessageDeletedEvent announces a tombstone. The message keeps its position;
// only its content is replaced.
type MessageDeletedEvent struct {
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId"`
	DeletedAt      time.Time `json:"deletedAt"`
}

// ConversationUpdatedEvent carries a refreshed conversation summary.
type ConversationUpdatedEvent struct {
	Conversation Conversation `json:"conversation"`
}

// MessageReadEvent is a read receipt for a whole conversation.
type MessageReadEvent struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	ReadAt         time.Time `json:"readAt"`
}

// TypingEvent signals that a user started or stopped typing.
type TypingEvent struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

// PresenceEvent signals a presence status change for a user.
type PresenceEvent struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

// ServerErrorEvent is a server-side error surfaced over the push channel.
type ServerErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (MessageNewEvent) eventType() string          { return wireMessageNew }
func (MessageUpdatedEvent) eventType() string      { return wireMessageUpdated }
func (MessageDeletedEvent) eventType() string      { return wireMessageDeleted }
func (ConversationUpdatedEvent) eventType() string { return wireConversationUpdated }
func (MessageReadEvent) eventType() string         { return wireMessageRead }
func (TypingEvent) eventType() string              { return wireTyping }
func (PresenceEvent) eventType() string            { return wirePresence }
func (ServerErrorEvent) eventType() string         { return wireError }

// ErrUnknownEvent is returned by DecodeEvent for event types this client does
// not understand. Unknown events are skipped, not treated as fatal.
type ErrUnknownEvent struct {
	Type string
}

func (e *ErrUnknownEvent) Error() string {
	return fmt.Sprintf("unknown event type %q", e.Type)
}

// DecodeEvent converts a wire envelope into its typed variant.
func DecodeEvent(env Envelope) (Event, error) {
	switch env.Type {
	case wireMessageNew:
		var ev MessageNewEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return ev, nil
	case wireMessageUpdated:
		var ev MessageUpdatedEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return ev, nil
	case wireMessageDeleted:
		var ev MessageDeletedEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return ev, nil
	case wireConversationUpdated:
		var ev ConversationUpdatedEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return ev, nil
	case wireMessageRead:
		var ev MessageReadEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return ev, nil
	case wireTyping:
		var ev TypingEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return ev, nil
	case wirePresence:
		var ev PresenceEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return ev, nil
	case wireError:
		var ev ServerErrorEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return ev, nil
	default:
		return nil, &ErrUnknownEvent{Type: env.Type}
	}
}
