package transport

import "encoding/json"

// Server-pushed and connection-lifecycle event names.
const (
	EventMessageNew   = "message:new"
	EventMessagesRead = "messages:read"

	EventConnected    = "socket:connected"
	EventDisconnected = "socket:disconnected"
	EventError        = "socket:error"
)

// Event is the wire frame exchanged over the live link.
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Handler receives a named event. Handlers for the same manager are never
// invoked concurrently; within one event they run in subscription order.
type Handler func(event string, data json.RawMessage)

// Subscription is a handle for one registered handler. Cancelling it does
// not affect other subscribers to the same event.
type Subscription struct {
	mgr     *Manager
	event   string
	id      uint64
	handler Handler
}

// Off removes the subscription. Safe to call more than once.
func (s *Subscription) Off() {
	if s == nil || s.mgr == nil {
		return
	}
	s.mgr.off(s)
	s.mgr = nil
}

// ErrorPayload is the data carried by socket:error events.
type ErrorPayload struct {
	Cause string `json:"cause"`
}

// ReadPayload is the data carried by messages:read events.
type ReadPayload struct {
	ConversationID string   `json:"conversation_id"`
	MessageIDs     []string `json:"message_ids"`
	ReaderID       string   `json:"reader_id"`
}
