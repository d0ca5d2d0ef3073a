package models

import "time"

// MessageStatus tracks an outgoing message through the optimistic-send
// round trip.
type MessageStatus string

const (
	// StatusPending marks a locally appended message that the server has
	// not yet acknowledged.
	StatusPending MessageStatus = "pending"
	// StatusConfirmed marks a message carrying a server-assigned ID.
	StatusConfirmed MessageStatus = "confirmed"
	// StatusFailed marks an optimistic message whose send was rejected.
	// Failed messages stay in the store so the UI can offer retry.
	StatusFailed MessageStatus = "failed"
)

// Message represents a single chat message within a conversation.
type Message struct {
	ID             string        `json:"id"`
	ClientTempID   string        `json:"client_temp_id,omitempty"`
	ConversationID string        `json:"conversation_id"`
	SenderID       string        `json:"sender_id"`
	Body           string        `json:"body"`
	Attachments    []Attachment  `json:"attachments,omitempty"`
	CreatedAt      time.Time     `json:"created_at"` // server-assigned, authoritative for ordering
	ReadBy         []string      `json:"read_by,omitempty"`
	Status         MessageStatus `json:"status,omitempty"`
}

// Key returns the identifier the store dedupes on: the server ID when
// assigned, otherwise the client temp ID.
func (m *Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.ClientTempID
}

// ReadByUser reports whether userID has acknowledged the message.
func (m *Message) ReadByUser(userID string) bool {
	for _, id := range m.ReadBy {
		if id == userID {
			return true
		}
	}
	return false
}

// Before reports whether m sorts ahead of other under the (CreatedAt, ID)
// total order used within a conversation.
func (m *Message) Before(other *Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}
