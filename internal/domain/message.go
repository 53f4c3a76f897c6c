package domain

import (
	"time"
)

// Message is a persisted direct message between two participants.
// Only Read and ReadAt change once the store has assigned ID and CreatedAt.
type Message struct {
	ID          int64        `json:"id"`
	SenderID    string       `json:"sender_id"`
	RecipientID string       `json:"recipient_id"`
	Subject     string       `json:"subject"`
	Body        string       `json:"body"`
	Read        bool         `json:"read"`
	ReadAt      *time.Time   `json:"read_at,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	Sender      *Participant `json:"sender,omitempty"`
	Recipient   *Participant `json:"recipient,omitempty"`
}

// Involves reports whether the message was exchanged between a and b, in either direction.
func (m *Message) Involves(a, b string) bool {
	return (m.SenderID == a && m.RecipientID == b) ||
		(m.SenderID == b && m.RecipientID == a)
}

// Counterpart returns the other side of the conversation from userID's point of view.
func (m *Message) Counterpart(userID string) string {
	if m.SenderID == userID {
		return m.RecipientID
	}
	return m.SenderID
}

// Before orders messages by creation time, falling back to ID for equal timestamps.
func (m *Message) Before(other *Message) bool {
	if m.CreatedAt.Equal(other.CreatedAt) {
		return m.ID < other.ID
	}
	return m.CreatedAt.Before(other.CreatedAt)
}
