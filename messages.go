package chatsync

import (
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// ============================================================================
// MessageStore
// ============================================================================

// localIDPrefix marks optimistic placeholder ids until the server echo
// arrives with the canonical id.
const localIDPrefix = "local-"

// bufferedOp is an edit or delete that arrived before the message it targets.
// It is held keyed by message id and replayed once the insert shows up.
type bufferedOp struct {
	edit   *MessageUpdatedEvent
	delete *MessageDeletedEvent
}

// messageLog is one conversation's ordered message sequence, ascending by
// (CreatedAt, ID). byID shares the same *Message values as msgs.
type messageLog struct {
	msgs []*Message
	byID map[string]*Message
}

func newMessageLog() *messageLog {
	return &messageLog{byID: make(map[string]*Message)}
}

// searchIdx returns the index at which m belongs in the ascending sequence.
func (l *messageLog) searchIdx(m *Message) int {
	return sort.Search(len(l.msgs), func(i int) bool {
		return !messageLess(l.msgs[i], m)
	})
}

// insert places m at its ordered position.
func (l *messageLog) insert(m *Message) {
	i := l.searchIdx(m)
	l.msgs = append(l.msgs, nil)
	copy(l.msgs[i+1:], l.msgs[i:])
	l.msgs[i] = m
	l.byID[m.ID] = m
}

// remove splices m out of the sequence.
func (l *messageLog) remove(m *Message) {
	i := l.searchIdx(m)
	for i < len(l.msgs) && l.msgs[i].ID != m.ID {
		i++ // equal (CreatedAt, ID) keys cannot collide, but stay safe
	}
	if i < len(l.msgs) {
		l.msgs = append(l.msgs[:i], l.msgs[i+1:]...)
	}
	delete(l.byID, m.ID)
}

// MessageStore holds per-conversation ordered message logs and reconciles
// every inbound path (history pages, live events, delta resync, optimistic
// sends) through the same ordered-insert and dedup logic, so the final order
// is independent of arrival interleaving.
//
// Writes are expected to arrive serialized through the Router; the internal
// lock exists so UI-side snapshot reads stay consistent.
type MessageStore struct {
	mu   sync.RWMutex
	logs map[string]*messageLog

	// pending maps a correlation id to its optimistic placeholder while the
	// send is unconfirmed. At most one placeholder exists per correlation id.
	pending map[string]*Message

	// confirmed maps a correlation id to the canonical server message id
	// once the ack landed, so a late duplicate ack cannot double-insert.
	confirmed map[string]string

	// buffered holds edit/delete events that raced ahead of their insert,
	// keyed by message id, in arrival order.
	buffered map[string][]bufferedOp

	logger  *log.Logger
	metrics *Metrics
}

// NewMessageStore creates an empty message store.
func NewMessageStore(logger *log.Logger, metrics *Metrics) *MessageStore {
	if logger == nil {
		logger = discardLogger()
	}
	return &MessageStore{
		logs:      make(map[string]*messageLog),
		pending:   make(map[string]*Message),
		confirmed: make(map[string]string),
		buffered:  make(map[string][]bufferedOp),
		logger:    logger,
		metrics:   metrics,
	}
}

func (s *MessageStore) logFor(conversationID string) *messageLog {
	l, ok := s.logs[conversationID]
	if !ok {
		l = newMessageLog()
		s.logs[conversationID] = l
	}
	return l
}

// Messages returns a copy of the conversation's ordered sequence.
func (s *MessageStore) Messages(conversationID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.logs[conversationID]
	if !ok {
		return nil
	}
	out := make([]Message, len(l.msgs))
	for i, m := range l.msgs {
		out[i] = *m
	}
	return out
}

// Get returns a copy of a single message, if present.
func (s *MessageStore) Get(conversationID, messageID string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.logs[conversationID]
	if !ok {
		return Message{}, false
	}
	m, ok := l.byID[messageID]
	if !ok {
		return Message{}, false
	}
	return *m, true
}

// LatestKnown returns the (CreatedAt, ID) watermark of the newest
// server-confirmed message in the conversation. Optimistic placeholders are
// skipped: their timestamps are local and their ids are not the server's.
func (s *MessageStore) LatestKnown(conversationID string) (time.Time, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.logs[conversationID]
	if !ok {
		return time.Time{}, "", false
	}
	for i := len(l.msgs) - 1; i >= 0; i-- {
		m := l.msgs[i]
		if m.DeliveryState == DeliveryPending || m.DeliveryState == DeliveryFailed {
			continue
		}
		return m.CreatedAt, m.ID, true
	}
	return time.Time{}, "", false
}

// ApplyLocalSend inserts an optimistic placeholder for an outbound message.
// Retrying a failed send with the same correlation id revives the existing
// placeholder instead of creating a second one.
func (s *MessageStore) ApplyLocalSend(conversationID, senderID, content string, opts *SendOptions, correlationID string) Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.pending[correlationID]; ok {
		m.DeliveryState = DeliveryPending
		return *m
	}

	msgType := MessageText
	attachment := ""
	if opts != nil {
		if opts.Type != "" {
			msgType = opts.Type
		}
		attachment = opts.AttachmentURL
	}

	m := &Message{
		ID:             localIDPrefix + correlationID,
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Type:           msgType,
		AttachmentURL:  attachment,
		CreatedAt:      time.Now().UTC(),
		CorrelationID:  correlationID,
		DeliveryState:  DeliveryPending,
	}
	s.logFor(conversationID).insert(m)
	s.pending[correlationID] = m
	return *m
}

// PendingByCorrelation returns the unconfirmed placeholder for a
// correlation id, if one exists.
func (s *MessageStore) PendingByCorrelation(correlationID string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.pending[correlationID]
	if !ok {
		return Message{}, false
	}
	return *m, true
}

// MarkFailed transitions a pending send to failed. The placeholder stays in
// place so the UI can offer a retry, which reuses the same correlation id.
func (s *MessageStore) MarkFailed(correlationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.pending[correlationID]
	if !ok || m.DeliveryState != DeliveryPending {
		return false
	}
	m.DeliveryState = DeliveryFailed
	return true
}

// ApplyIncoming merges a server message — from a live event, a history page,
// or a delta resync — into the conversation log. It reports whether the
// message was new to the store.
//
// Dedup: a message id already in the log is never inserted twice. The
// sender's own echo additionally retires the optimistic placeholder by
// correlation id, replacing it in the log unless the confirmed message
// already arrived under its server id.
func (s *MessageStore) ApplyIncoming(msg Message) bool {
	s.mu.Lock()

	if msg.CorrelationID != "" {
		if id, ok := s.confirmed[msg.CorrelationID]; ok && id == msg.ID {
			// Late duplicate ack for an already-confirmed send.
			s.mu.Unlock()
			return false
		}
		if temp, ok := s.pending[msg.CorrelationID]; ok {
			l := s.logFor(msg.ConversationID)
			l.remove(temp)
			delete(s.pending, msg.CorrelationID)
			s.confirmed[msg.CorrelationID] = msg.ID

			if _, ok := l.byID[msg.ID]; ok {
				// The confirmed message already landed under its server id
				// (a resync result that did not carry the correlation id);
				// this ack only retires the placeholder.
				s.mu.Unlock()
				return false
			}

			m := msg
			m.DeliveryState = DeliverySent
			l.insert(&m)
			s.mu.Unlock()
			s.replayBuffered(msg.ConversationID, msg.ID)
			return true
		}
	}

	l := s.logFor(msg.ConversationID)
	if _, ok := l.byID[msg.ID]; ok {
		s.mu.Unlock()
		return false
	}

	m := msg
	m.DeliveryState = DeliverySent
	l.insert(&m)
	s.mu.Unlock()

	s.replayBuffered(msg.ConversationID, msg.ID)
	return true
}

// ApplyEdit applies an edit event. Edits for a message not yet present are
// buffered and replayed after its insert; edits for tombstoned messages are
// dropped.
func (s *MessageStore) ApplyEdit(ev MessageUpdatedEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyEditLocked(ev)
}

func (s *MessageStore) applyEditLocked(ev MessageUpdatedEvent) {
	l, ok := s.logs[ev.ConversationID]
	if ok {
		if m, ok := l.byID[ev.MessageID]; ok {
			if m.IsDeleted {
				return
			}
			m.Content = ev.Content
			m.IsEdited = true
			at := ev.EditedAt
			m.EditedAt = &at
			return
		}
	}
	s.logger.Debug("buffering edit for unseen message", "conversation", ev.ConversationID, "message", ev.MessageID)
	if s.metrics != nil {
		s.metrics.bufferedOps.Inc()
	}
	s.buffered[ev.MessageID] = append(s.buffered[ev.MessageID], bufferedOp{edit: &ev})
}

// ApplyDelete tombstones a message: its content is cleared but the entry
// keeps its id and position. Deletes for unseen messages are buffered.
func (s *MessageStore) ApplyDelete(ev MessageDeletedEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyDeleteLocked(ev)
}

func (s *MessageStore) applyDeleteLocked(ev MessageDeletedEvent) {
	l, ok := s.logs[ev.ConversationID]
	if ok {
		if m, ok := l.byID[ev.MessageID]; ok {
			m.IsDeleted = true
			m.Content = ""
			m.AttachmentURL = ""
			return
		}
	}
	s.logger.Debug("buffering delete for unseen message", "conversation", ev.ConversationID, "message", ev.MessageID)
	if s.metrics != nil {
		s.metrics.bufferedOps.Inc()
	}
	s.buffered[ev.MessageID] = append(s.buffered[ev.MessageID], bufferedOp{delete: &ev})
}

// replayBuffered applies, in their arrival order, any edit/delete events
// that raced ahead of the message they target.
func (s *MessageStore) replayBuffered(conversationID, messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ops, ok := s.buffered[messageID]
	if !ok {
		return
	}
	delete(s.buffered, messageID)
	for _, op := range ops {
		switch {
		case op.edit != nil:
			s.applyEditLocked(*op.edit)
		case op.delete != nil:
			s.applyDeleteLocked(*op.delete)
		}
	}
}

// ReconcileDelta merges messages fetched after a connection gap. Every entry
// runs through the same dedup/insert path as live events, so replays across
// the gap boundary are harmless. Returns the number of messages that were
// actually new.
func (s *MessageStore) ReconcileDelta(conversationID string, serverMessages []Message) int {
	merged := 0
	for _, m := range serverMessages {
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		if s.ApplyIncoming(m) {
			merged++
		}
	}
	if merged > 0 {
		s.logger.Debug("delta resync merged messages", "conversation", conversationID, "count", merged)
	}
	if s.metrics != nil {
		s.metrics.resyncMessages.Add(float64(merged))
	}
	return merged
}

// SeedPage merges one REST history page. Same path as ReconcileDelta; a page
// is just another message source.
func (s *MessageStore) SeedPage(conversationID string, page []Message) int {
	return s.ReconcileDelta(conversationID, page)
}

// RemoveConversation drops a conversation's log, mirroring a server-side
// leave confirmation.
func (s *MessageStore) RemoveConversation(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[conversationID]
	if !ok {
		return
	}
	for _, m := range l.msgs {
		if m.CorrelationID != "" {
			delete(s.pending, m.CorrelationID)
			delete(s.confirmed, m.CorrelationID)
		}
	}
	delete(s.logs, conversationID)
}

// Reset clears all local state. Used when store corruption is detected and a
// full REST re-seed is about to run.
func (s *MessageStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = make(map[string]*messageLog)
	s.pending = make(map[string]*Message)
	s.confirmed = make(map[string]string)
	s.buffered = make(map[string][]bufferedOp)
}
