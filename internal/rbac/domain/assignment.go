package domain

import "time"

// Assignment links a user to a role.
type Assignment struct {
	ID         string
	UserID     string
	Role       string
	AssignedBy string
	AssignedAt time.Time
	// ExpiresAt is zero for assignments that never expire.
	ExpiresAt time.Time
	Active    bool
}

// Effective reports whether the assignment is active and unexpired at now.
// Expiry is evaluated here rather than swept.
func (a *Assignment) Effective(now time.Time) bool {
	return a.Active && (a.ExpiresAt.IsZero() || now.Before(a.ExpiresAt))
}
