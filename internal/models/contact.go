package models

import (
	"time"

	"wagate/internal/constants"
)

// Contact is one conversational counterpart, scoped to a sending identity.
// The (SenderID, WaID) pair is unique.
type Contact struct {
	ID                    int64      `json:"id"`
	SenderID              string     `json:"senderId"`
	WaID                  string     `json:"waId"`
	ProfileName           string     `json:"profileName"`
	LastCustomerMessageAt *time.Time `json:"lastCustomerMessageAt,omitempty"`
	SessionExpiresAt      *time.Time `json:"sessionExpiresAt,omitempty"`
	CreatedAt             time.Time  `json:"createdAt"`
	UpdatedAt             time.Time  `json:"updatedAt"`
}

// SessionWindow is the period after a customer message during which free-form
// replies are permitted by the provider.
const SessionWindow = constants.SessionWindowHours * time.Hour

// IsSessionActive reports whether the 24h customer-service window is open at
// the given instant. Derived, never stored authoritatively.
func (c *Contact) IsSessionActive(now time.Time) bool {
	if c.SessionExpiresAt == nil {
		return false
	}
	return now.Before(*c.SessionExpiresAt)
}

// SessionRemaining returns how long the window stays open from now, or zero
// when it is already closed.
func (c *Contact) SessionRemaining(now time.Time) time.Duration {
	if c.SessionExpiresAt == nil {
		return 0
	}
	remaining := c.SessionExpiresAt.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// TouchSession records a customer message at ts and extends the window.
// SessionExpiresAt never moves backwards.
func (c *Contact) TouchSession(ts time.Time) {
	c.LastCustomerMessageAt = &ts
	expires := ts.Add(SessionWindow)
	if c.SessionExpiresAt == nil || expires.After(*c.SessionExpiresAt) {
		c.SessionExpiresAt = &expires
	}
}
