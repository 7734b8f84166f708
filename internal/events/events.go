// Package events is the in-process publish/subscribe bus the ingestion
// pipeline reports lifecycle changes on.
package events

import (
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// Event is one ingestion lifecycle notification.
type Event struct {
	Type      string         // e.g. "message.ingested", "customer.created"
	Source    string         // provider ID or component name
	Payload   map[string]any // event-specific data
	Timestamp time.Time
}

// Handler is a callback for events.
type Handler func(Event)

// Well-known event types.
const (
	MessageIngested       = "message.ingested"
	MessageDuplicate      = "message.duplicate"
	MessageFailed         = "message.failed"
	ConversationCreated   = "conversation.created"
	CustomerCreated       = "customer.created"
	ConversationsArchived = "conversations.archived"
	WebhookRejected       = "webhook.rejected"

	// Wildcard subscribes to every event type.
	Wildcard = "*"
)

const defaultMaxHistory = 1000

// Bus is a topic-based event bus with a bounded replay buffer. Handlers run
// synchronously on Emit; a panicking handler is logged and skipped.
type Bus struct {
	mu         sync.RWMutex
	handlers   map[string][]namedHandler
	nextID     int
	logger     *slog.Logger
	history    []Event
	maxHistory int
}

type namedHandler struct {
	id      string
	handler Handler
}

// NewBus creates a bus. A nil logger falls back to slog.Default().
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers:   make(map[string][]namedHandler),
		logger:     logger,
		maxHistory: defaultMaxHistory,
	}
}

// On registers a handler for eventType (or Wildcard) and returns an ID for Off.
func (b *Bus) On(eventType string, h Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := eventType + "-" + strconv.Itoa(b.nextID)
	b.handlers[eventType] = append(b.handlers[eventType], namedHandler{id: id, handler: h})
	return id
}

// Off removes a handler by its ID.
func (b *Bus) Off(eventType, handlerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	hs := b.handlers[eventType]
	for i, h := range hs {
		if h.id == handlerID {
			b.handlers[eventType] = append(hs[:i:i], hs[i+1:]...)
			return
		}
	}
}

// Emit records the event and calls every matching handler in registration
// order, type-specific handlers first. Safe to call on a nil *Bus.
func (b *Bus) Emit(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.Lock()
	if len(b.history) >= b.maxHistory {
		b.history = b.history[1:]
	}
	b.history = append(b.history, e)
	hs := make([]namedHandler, 0, len(b.handlers[e.Type])+len(b.handlers[Wildcard]))
	hs = append(hs, b.handlers[e.Type]...)
	if e.Type != Wildcard {
		hs = append(hs, b.handlers[Wildcard]...)
	}
	b.mu.Unlock()

	for _, h := range hs {
		b.dispatch(e, h)
	}
}

func (b *Bus) dispatch(e Event, h namedHandler) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panic", "event", e.Type, "handler", h.id, "panic", r)
		}
	}()
	h.handler(e)
}

// EmitAsync publishes without waiting for handlers.
func (b *Bus) EmitAsync(e Event) {
	if b == nil {
		return
	}
	go b.Emit(e)
}

// Replay returns recorded events of eventType (or Wildcard) at or after since.
func (b *Bus) Replay(eventType string, since time.Time) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Event
	for _, e := range b.history {
		if e.Timestamp.Before(since) {
			continue
		}
		if eventType == Wildcard || e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// HistoryLen returns the number of buffered events.
func (b *Bus) HistoryLen() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.history)
}
