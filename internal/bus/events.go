package bus

import (
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// Well-known event types.
const (
	EventCycleCompleted  = "relay.cycle_completed"
	EventTransportState  = "transport.state_changed"
	EventWebhookReceived = "webhook.received"
)

// Event represents a system event for internal pub/sub.
type Event struct {
	Type      string    // one of the Event* constants
	Source    string    // originating component
	Payload   any       // *CycleCompleted, *TransportStateChanged or *WebhookReceived
	Timestamp time.Time // when the event was created
}

// CycleCompleted describes one finished relay cycle. It never carries message text.
type CycleCompleted struct {
	CorrelationID string
	ChatID        int64
	Kind          string
	Command       string
	Outcome       string
	Chunks        int
	Duration      time.Duration
	Err           error
}

// TransportStateChanged is emitted on every subscription state transition.
type TransportStateChanged struct {
	Mode  string
	State string
}

// WebhookReceived is emitted once per inbound webhook request.
type WebhookReceived struct {
	Status   int
	UpdateID int
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus provides a topic-based publish/subscribe event system for internal events.
// Handlers run synchronously on the emitting goroutine; a panicking handler is
// logged and does not affect the others.
type EventBus struct {
	handlers map[string][]namedHandler
	mu       sync.RWMutex
	logger   *slog.Logger
	nextID   int
}

// namedHandler pairs a handler with an ID for unsubscription.
type namedHandler struct {
	ID      string
	Handler EventHandler
}

func NewEventBus(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		handlers: make(map[string][]namedHandler),
		logger:   logger,
	}
}

// On registers a handler for the given event type.
// Use "*" to listen to all events. Returns the handler ID for unsubscription.
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

// Emit publishes an event to all registered handlers in registration order.
// A nil bus is a no-op so components can run without one.
func (eb *EventBus) Emit(event Event) {
	if eb == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.RLock()
	handlers := make([]namedHandler, 0, len(eb.handlers[event.Type])+len(eb.handlers["*"]))
	handlers = append(handlers, eb.handlers[event.Type]...)
	handlers = append(handlers, eb.handlers["*"]...)
	eb.mu.RUnlock()

	for _, h := range handlers {
		func(nh namedHandler) {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "event", event.Type, "handler", nh.ID, "panic", r)
				}
			}()
			nh.Handler(event)
		}(h)
	}
}

// HandlerCount returns the number of handlers registered for eventType.
func (eb *EventBus) HandlerCount(eventType string) int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.handlers[eventType])
}
