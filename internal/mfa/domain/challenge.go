package domain

import "time"

// Challenge is a pending out-of-band code (stored in mfa_challenges). At most one challenge
// exists per user and method; issuing a new one replaces the old.
type Challenge struct {
	ID     string
	UserID string
	Method string
	// Destination is the phone number or address the code was sent to.
	Destination string
	CodeHash    string
	ExpiresAt   time.Time
	CreatedAt   time.Time
}

// Expired reports whether the challenge can no longer be redeemed at now.
func (c *Challenge) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}
