package domain

import (
	"slices"
	"time"

	userdomain "enterprise-auth/backend/internal/user/domain"
)

// Device describes the client a session is bound to.
type Device struct {
	ID        string `json:"id"`
	IPAddress string `json:"ip_address"`
	UserAgent string `json:"user_agent"`
	// Signature is a client-supplied stable device descriptor used for fingerprinting.
	Signature string `json:"signature,omitempty"`
}

// Metadata is session state owned by the session manager.
type Metadata struct {
	MFAPending bool   `json:"mfa_pending"`
	Method     string `json:"method,omitempty"`
	// LastRotation is when the session id was last rotated, or when it was created.
	LastRotation  time.Time `json:"last_rotation"`
	PreviousID    string    `json:"previous_id,omitempty"`
	RotationCount int       `json:"rotation_count,omitempty"`
	// Fingerprint is a digest of user, device signature and clearance; empty when disabled.
	Fingerprint string            `json:"fingerprint,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// Session is an authenticated session tied to a device.
type Session struct {
	ID           string               `json:"id"`
	UserID       string               `json:"user_id"`
	DeviceID     string               `json:"device_id"`
	IPAddress    string               `json:"ip_address"`
	UserAgent    string               `json:"user_agent"`
	CreatedAt    time.Time            `json:"created_at"`
	ExpiresAt    time.Time            `json:"expires_at"`
	LastActivity time.Time            `json:"last_activity"`
	Active       bool                 `json:"active"`
	Permissions  []string             `json:"permissions"`
	Clearance    userdomain.Clearance `json:"clearance"`
	Metadata     Metadata             `json:"metadata"`
}

// Valid reports whether the session is active, unexpired and not idle past idleTimeout at now.
func (s *Session) Valid(now time.Time, idleTimeout time.Duration) bool {
	if s == nil || !s.Active {
		return false
	}
	if !now.Before(s.ExpiresAt) {
		return false
	}
	if idleTimeout > 0 && now.Sub(s.LastActivity) > idleTimeout {
		return false
	}
	return true
}

// HasPermission reports whether permission is in the session's snapshot.
func (s *Session) HasPermission(permission string) bool {
	return slices.Contains(s.Permissions, permission)
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Permissions = slices.Clone(s.Permissions)
	if s.Metadata.Extra != nil {
		c.Metadata.Extra = make(map[string]string, len(s.Metadata.Extra))
		for k, v := range s.Metadata.Extra {
			c.Metadata.Extra[k] = v
		}
	}
	return &c
}

// Stats summarizes the sessions held by the manager.
type Stats struct {
	Active     int
	Users      int
	MFAPending int
	Rotations  int
}
