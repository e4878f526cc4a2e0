// Package bus fans engine events out to observers: the rendering layer and
// any other chat surface sharing the same engine.
package bus

import (
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// Event is a notification about conversation state.
type Event struct {
	Type      string         // e.g. "history.loaded", "conversation.appended"
	Key       string         // conversation key, empty for engine-wide events
	Payload   map[string]any // event-specific data
	Timestamp time.Time
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus is a topic-based publish/subscribe bus. Events are delivered to
// the handlers registered at emit time and are not retained afterwards.
type EventBus struct {
	handlers map[string][]namedHandler
	mu       sync.RWMutex
	nextID   int
	logger   *slog.Logger
}

type namedHandler struct {
	ID      string
	Handler EventHandler
}

// NewEventBus creates an EventBus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		handlers: make(map[string][]namedHandler),
		logger:   logger,
	}
}

// On registers a handler for the given event type. Use "*" to receive every
// event. The returned ID is accepted by Off.
func (eb *EventBus) On(eventType string, handler EventHandler) string {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	id := eventType + "-" + strconv.Itoa(eb.nextID)
	eb.handlers[eventType] = append(eb.handlers[eventType], namedHandler{ID: id, Handler: handler})
	return id
}

// Off removes a handler by its ID.
func (eb *EventBus) Off(eventType, handlerID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	handlers := eb.handlers[eventType]
	for i, h := range handlers {
		if h.ID == handlerID {
			eb.handlers[eventType] = append(handlers[:i:i], handlers[i+1:]...)
			return
		}
	}
}

// Emit delivers an event synchronously, in registration order, to the
// handlers of its type and then to wildcard handlers. A panicking handler is
// logged and does not stop delivery.
func (eb *EventBus) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.RLock()
	handlers := make([]namedHandler, 0, len(eb.handlers[event.Type])+len(eb.handlers["*"]))
	handlers = append(handlers, eb.handlers[event.Type]...)
	handlers = append(handlers, eb.handlers["*"]...)
	eb.mu.RUnlock()

	for _, h := range handlers {
		eb.dispatch(h, event)
	}
}

func (eb *EventBus) dispatch(nh namedHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "event", event.Type, "handler", nh.ID, "panic", r)
		}
	}()
	nh.Handler(event)
}

// Well-known event types.
const (
	EventHistoryLoaded        = "history.loaded"
	EventConversationCreated  = "conversation.created"
	EventConversationAppended = "conversation.appended"
	EventConversationReplaced = "conversation.replaced"
	EventSendStarted          = "send.started"
	EventSendFailed           = "send.failed"
	EventEncodingFailed       = "encoding.failed"
)
