// Package models defines the data types shared by the chatkit packages.
package models

import "time"

// MessagePreview is the denormalized last-message summary used for
// conversation list rendering.
type MessagePreview struct {
	Body      string    `json:"body"`
	SenderID  string    `json:"sender_id"`
	Timestamp time.Time `json:"ts"`
}

// Conversation represents a participant-scoped thread of messages as the
// current user sees it. Conversations are created server-side; the client
// only ever fetches or synthesizes them, and evicts them on logout.
type Conversation struct {
	ID                 string         `json:"id"`
	ParticipantIDs     []string       `json:"participant_ids"`
	LastMessagePreview MessagePreview `json:"last_message"`
	UnreadCount        int            `json:"unread_count"`
}

// HasParticipant reports whether userID is a member of the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, id := range c.ParticipantIDs {
		if id == userID {
			return true
		}
	}
	return false
}
