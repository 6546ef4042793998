package chatsync

import (
	"sort"
	"sync"

	"github.com/charmbracelet/log"
)

// ============================================================================
// ConversationListStore
// ============================================================================

// ConversationListStore holds the ordered conversation summaries: newest
// activity first, ties broken by id. Unread counts follow two rules — they
// never decrement except through a read, and they only increment for
// messages from someone else arriving while the conversation is not the
// active one.
type ConversationListStore struct {
	mu     sync.RWMutex
	list   []*Conversation
	byID   map[string]*Conversation
	active string
	selfID string

	logger *log.Logger
}

// NewConversationListStore creates an empty list store. selfID identifies
// the current user so their own messages never count as unread.
func NewConversationListStore(selfID string, logger *log.Logger) *ConversationListStore {
	if logger == nil {
		logger = discardLogger()
	}
	return &ConversationListStore{
		byID:   make(map[string]*Conversation),
		selfID: selfID,
		logger: logger,
	}
}

func (s *ConversationListStore) resortLocked() {
	sort.SliceStable(s.list, func(i, j int) bool {
		a, b := s.list[i], s.list[j]
		if !a.LastMessageAt.Equal(b.LastMessageAt) {
			return a.LastMessageAt.After(b.LastMessageAt)
		}
		return a.ID < b.ID
	})
}

// Refresh replaces the whole list from a REST seed.
func (s *ConversationListStore) Refresh(conversations []Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.list = s.list[:0]
	s.byID = make(map[string]*Conversation, len(conversations))
	for i := range conversations {
		c := conversations[i]
		s.list = append(s.list, &c)
		s.byID[c.ID] = &c
	}
	s.resortLocked()
}

// Upsert merges a refreshed conversation summary, preserving the locally
// tracked unread count unless the server reports a higher one.
func (s *ConversationListStore) Upsert(conv Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.byID[conv.ID]
	if !ok {
		c := conv
		s.list = append(s.list, &c)
		s.byID[c.ID] = &c
		s.resortLocked()
		return
	}
	unread := existing.UnreadCount
	if conv.UnreadCount > unread {
		unread = conv.UnreadCount
	}
	*existing = conv
	existing.UnreadCount = unread
	s.resortLocked()
}

// ApplyMessageActivity updates a conversation's preview and position for a
// message. counted must be true only when the message was new to the
// MessageStore, so replays over resync never inflate the unread count.
func (s *ConversationListStore) ApplyMessageActivity(msg Message, counted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[msg.ConversationID]
	if !ok {
		c = &Conversation{ID: msg.ConversationID, Type: ConversationDirect}
		s.list = append(s.list, c)
		s.byID[c.ID] = c
	}

	if c.LastMessage == nil || !msg.CreatedAt.Before(c.LastMessageAt) {
		c.LastMessage = &MessagePreview{
			ID:        msg.ID,
			Content:   msg.Content,
			Type:      msg.Type,
			SenderID:  msg.SenderID,
			CreatedAt: msg.CreatedAt,
		}
		c.LastMessageAt = msg.CreatedAt
	}

	if counted && msg.SenderID != s.selfID && msg.ConversationID != s.active {
		c.UnreadCount++
	}

	s.resortLocked()
}

// ApplyReadReceipt zeroes the unread count when the current user's read
// receipt comes back. It is idempotent: a duplicate receipt on an
// already-zero count is a no-op. Receipts from other participants do not
// touch the local count.
func (s *ConversationListStore) ApplyReadReceipt(ev MessageReadEvent) {
	if ev.UserID != s.selfID {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.byID[ev.ConversationID]; ok {
		c.UnreadCount = 0
	}
}

// SetActive marks a conversation as the one currently on screen. Messages
// arriving for the active conversation do not count as unread. Returns the
// previously active conversation id.
func (s *ConversationListStore) SetActive(conversationID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.active
	s.active = conversationID
	return prev
}

// Active returns the currently active conversation id.
func (s *ConversationListStore) Active() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// MarkRead zeroes the unread count optimistically; the server notification
// happens elsewhere and its eventual receipt is absorbed by
// ApplyReadReceipt.
func (s *ConversationListStore) MarkRead(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.byID[conversationID]; ok {
		c.UnreadCount = 0
	}
}

// SetMuted flips the mute flag.
func (s *ConversationListStore) SetMuted(conversationID string, muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.byID[conversationID]; ok {
		c.IsMuted = muted
	}
}

// SetArchived flips the archive flag.
func (s *ConversationListStore) SetArchived(conversationID string, archived bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.byID[conversationID]; ok {
		c.IsArchived = archived
	}
}

// Remove drops a conversation after a confirmed leave.
func (s *ConversationListStore) Remove(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[conversationID]; !ok {
		return
	}
	delete(s.byID, conversationID)
	for i, c := range s.list {
		if c.ID == conversationID {
			s.list = append(s.list[:i], s.list[i+1:]...)
			break
		}
	}
	if s.active == conversationID {
		s.active = ""
	}
}

// Snapshot returns a copy of the ordered conversation list.
func (s *ConversationListStore) Snapshot() []Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Conversation, len(s.list))
	for i, c := range s.list {
		out[i] = *c
	}
	return out
}

// Get returns a copy of one conversation summary.
func (s *ConversationListStore) Get(conversationID string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byID[conversationID]
	if !ok {
		return Conversation{}, false
	}
	return *c, true
}

// IDs returns every conversation id currently in the list.
func (s *ConversationListStore) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.list))
	for _, c := range s.list {
		ids = append(ids, c.ID)
	}
	return ids
}
