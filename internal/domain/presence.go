package domain

import "time"

// PresenceEntry records which live connection currently represents a user.
type PresenceEntry struct {
	UserID       string    `json:"user_id"`
	ConnectionID string    `json:"connection_id"`
	ConnectedAt  time.Time `json:"connected_at"`
}
