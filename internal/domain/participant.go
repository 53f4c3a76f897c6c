package domain

import (
	"time"
)

// Role values carried in identity tokens.
const (
	RoleLandlord = "landlord"
	RoleTenant   = "tenant"
)

// Participant holds the display attributes of a messaging user.
type Participant struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Role        string    `json:"role,omitempty"`
	CreatedAt   time.Time `json:"-"`
	UpdatedAt   time.Time `json:"-"`
}

// Name returns the display name, falling back to the user ID.
func (p *Participant) Name() string {
	if p == nil {
		return ""
	}
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.UserID
}
