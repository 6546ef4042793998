package chatsync

import (
	"errors"
	"sync"

	"github.com/charmbracelet/log"
)

// ============================================================================
// Router
// ============================================================================

// Router is the single serialized dispatcher for inbound push events. Every
// event enters through Dispatch, is queued FIFO, and is applied to the
// stores by one goroutine in arrival order. The stores are only ever
// mutated from that goroutine; everything else reads snapshots.
type Router struct {
	messages      *MessageStore
	conversations *ConversationListStore
	typing        *TypingTracker

	// onServerError surfaces push-channel errors (for example
	// not-a-participant rejections) to the caller without any store
	// mutation.
	onServerError func(ServerErrorEvent)

	// onPresence forwards presence changes to the caller.
	onPresence func(PresenceEvent)

	// onCorruption fires when an event handler panics. The stores are then
	// considered unreliable and the owner is expected to re-seed them over
	// REST.
	onCorruption func()

	logger  *log.Logger
	metrics *Metrics

	queue     chan routerItem
	closeOnce sync.Once
	closed    chan struct{}
	drained   chan struct{}
}

type routerItem struct {
	event Event
	sync  chan struct{}
}

// RouterConfig wires a Router to its stores and callbacks.
type RouterConfig struct {
	Messages      *MessageStore
	Conversations *ConversationListStore
	Typing        *TypingTracker
	OnServerError func(ServerErrorEvent)
	OnPresence    func(PresenceEvent)
	OnCorruption  func()
	Logger        *log.Logger
	Metrics       *Metrics
	QueueSize     int
}

// NewRouter creates and starts a router. Close releases its goroutine.
func NewRouter(cfg RouterConfig) *Router {
	size := cfg.QueueSize
	if size <= 0 {
		size = 256
	}
	logger := cfg.Logger
	if logger == nil {
		logger = discardLogger()
	}
	r := &Router{
		messages:      cfg.Messages,
		conversations: cfg.Conversations,
		typing:        cfg.Typing,
		onServerError: cfg.OnServerError,
		onPresence:    cfg.OnPresence,
		onCorruption:  cfg.OnCorruption,
		logger:        logger,
		metrics:       cfg.Metrics,
		queue:         make(chan routerItem, size),
		closed:        make(chan struct{}),
		drained:       make(chan struct{}),
	}
	go r.run()
	return r
}

// Dispatch enqueues an event. Order of Dispatch calls is the order of
// application. Returns false after Close.
func (r *Router) Dispatch(ev Event) bool {
	select {
	case <-r.closed:
		return false
	default:
	}
	select {
	case r.queue <- routerItem{event: ev}:
		return true
	case <-r.closed:
		return false
	}
}

// DispatchEnvelope decodes a wire envelope and dispatches it. Unknown event
// types are logged and skipped; they are not an error condition for the
// stores.
func (r *Router) DispatchEnvelope(env Envelope) bool {
	ev, err := DecodeEvent(env)
	if err != nil {
		var unknown *ErrUnknownEvent
		if errors.As(err, &unknown) {
			r.logger.Debug("skipping unknown event", "type", env.Type)
		} else {
			r.logger.Warn("dropping malformed event", "type", env.Type, "err", err)
		}
		return false
	}
	return r.Dispatch(ev)
}

// Barrier blocks until every event dispatched before the call has been
// applied.
func (r *Router) Barrier() {
	done := make(chan struct{})
	select {
	case r.queue <- routerItem{sync: done}:
	case <-r.closed:
		return
	}
	select {
	case <-done:
	case <-r.drained:
	}
}

// Close stops the dispatch goroutine after draining queued events.
func (r *Router) Close() {
	r.closeOnce.Do(func() {
		close(r.closed)
	})
	<-r.drained
}

func (r *Router) run() {
	defer close(r.drained)
	for {
		select {
		case item := <-r.queue:
			r.handle(item)
		case <-r.closed:
			// Drain whatever was queued before Close.
			for {
				select {
				case item := <-r.queue:
					r.handle(item)
				default:
					return
				}
			}
		}
	}
}

func (r *Router) handle(item routerItem) {
	if item.sync != nil {
		close(item.sync)
		return
	}
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("event handler panicked, requesting store re-seed", "panic", p)
			if r.onCorruption != nil {
				r.onCorruption()
			}
		}
	}()
	if r.metrics != nil {
		r.metrics.eventsDispatched.WithLabelValues(item.event.eventType()).Inc()
	}
	r.apply(item.event)
}

func (r *Router) apply(ev Event) {
	switch e := ev.(type) {
	case MessageNewEvent:
		inserted := r.messages.ApplyIncoming(e.Message)
		r.conversations.ApplyMessageActivity(e.Message, inserted)
		// A message from someone ends their typing indicator early.
		r.typing.OnTypingStopped(e.Message.ConversationID, e.Message.SenderID)

	case MessageUpdatedEvent:
		r.messages.ApplyEdit(e)
		r.refreshPreview(e.ConversationID, e.MessageID)

	case MessageDeletedEvent:
		r.messages.ApplyDelete(e)
		r.refreshPreview(e.ConversationID, e.MessageID)

	case ConversationUpdatedEvent:
		r.conversations.Upsert(e.Conversation)

	case MessageReadEvent:
		r.conversations.ApplyReadReceipt(e)

	case TypingEvent:
		if e.IsTyping {
			r.typing.OnTypingSignal(e.ConversationID, e.UserID)
		} else {
			r.typing.OnTypingStopped(e.ConversationID, e.UserID)
		}

	case PresenceEvent:
		if r.onPresence != nil {
			r.onPresence(e)
		}

	case ServerErrorEvent:
		r.logger.Warn("server error event", "code", e.Code, "message", e.Message)
		if r.onServerError != nil {
			r.onServerError(e)
		}

	default:
		r.logger.Debug("unhandled event variant", "type", ev.eventType())
	}
}

// refreshPreview pushes an edit/tombstone through to the conversation list
// when it touched the message shown as the last-message preview.
func (r *Router) refreshPreview(conversationID, messageID string) {
	conv, ok := r.conversations.Get(conversationID)
	if !ok || conv.LastMessage == nil || conv.LastMessage.ID != messageID {
		return
	}
	if msg, ok := r.messages.Get(conversationID, messageID); ok {
		r.conversations.ApplyMessageActivity(msg, false)
	}
}
