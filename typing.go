package chatsync

import (
	"sort"
	"sync"
	"time"
)

// DefaultTypingTTL is how long a typing signal stays alive without renewal.
const DefaultTypingTTL = 5 * time.Second

// ============================================================================
// TypingTracker
// ============================================================================

// TypingTracker keeps the ephemeral "who is typing" set per conversation.
// Every signal (re)arms a per-(conversation, user) timer; expiry is the
// authoritative removal mechanism because an explicit stop signal is not
// guaranteed to arrive. When a stop does arrive it just fires the timer
// early.
type TypingTracker struct {
	mu     sync.Mutex
	ttl    time.Duration
	timers map[string]map[string]*time.Timer
}

// NewTypingTracker creates a tracker. ttl <= 0 selects DefaultTypingTTL.
func NewTypingTracker(ttl time.Duration) *TypingTracker {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	return &TypingTracker{
		ttl:    ttl,
		timers: make(map[string]map[string]*time.Timer),
	}
}

// OnTypingSignal records that userID is typing in conversationID, resetting
// the expiry window if a timer is already running.
func (t *TypingTracker) OnTypingSignal(conversationID, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	users, ok := t.timers[conversationID]
	if !ok {
		users = make(map[string]*time.Timer)
		t.timers[conversationID] = users
	}
	if timer, ok := users[userID]; ok {
		timer.Reset(t.ttl)
		return
	}
	users[userID] = time.AfterFunc(t.ttl, func() {
		t.expire(conversationID, userID)
	})
}

// OnTypingStopped removes the user immediately. Purely an optimization over
// waiting out the TTL.
func (t *TypingTracker) OnTypingStopped(conversationID, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(conversationID, userID)
}

func (t *TypingTracker) expire(conversationID, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(conversationID, userID)
}

func (t *TypingTracker) removeLocked(conversationID, userID string) {
	users, ok := t.timers[conversationID]
	if !ok {
		return
	}
	if timer, ok := users[userID]; ok {
		timer.Stop()
		delete(users, userID)
	}
	if len(users) == 0 {
		delete(t.timers, conversationID)
	}
}

// GetTypingUsers returns the users currently typing in a conversation,
// sorted for stable display.
func (t *TypingTracker) GetTypingUsers(conversationID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	users, ok := t.timers[conversationID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(users))
	for u := range users {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// Clear stops every timer. Called on session teardown so no expiry fires
// after disconnect.
func (t *TypingTracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for conv, users := range t.timers {
		for _, timer := range users {
			timer.Stop()
		}
		delete(t.timers, conv)
	}
}
