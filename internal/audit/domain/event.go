package domain

import (
	"slices"
	"time"

	userdomain "enterprise-auth/backend/internal/user/domain"
)

// EventType names a security-relevant occurrence.
type EventType string

const (
	EventLoginAttempt       EventType = "login_attempt"
	EventLoginSuccess       EventType = "login_success"
	EventLoginFailure       EventType = "login_failure"
	EventMFAChallenge       EventType = "mfa_challenge"
	EventMFASuccess         EventType = "mfa_success"
	EventMFAFailure         EventType = "mfa_failure"
	EventSessionCreated     EventType = "session_created"
	EventSessionExpired     EventType = "session_expired"
	EventSessionInvalidated EventType = "session_invalidated"
	EventPermissionDenied   EventType = "permission_denied"
	EventSecurityAlert      EventType = "security_alert"
	EventLogout             EventType = "logout"
)

// IsFailure reports whether the type records a failed security check.
func (t EventType) IsFailure() bool {
	switch t {
	case EventLoginFailure, EventMFAFailure, EventPermissionDenied:
		return true
	}
	return false
}

// Event is an immutable audit record.
type Event struct {
	ID        string               `json:"id"`
	Timestamp time.Time            `json:"timestamp"`
	Type      EventType            `json:"type"`
	UserID    string               `json:"user_id,omitempty"`
	SessionID string               `json:"session_id,omitempty"`
	IPAddress string               `json:"ip_address,omitempty"`
	UserAgent string               `json:"user_agent,omitempty"`
	Method    string               `json:"method,omitempty"`
	Success   bool                 `json:"success"`
	Reason    string               `json:"failure_reason,omitempty"`
	Clearance userdomain.Clearance `json:"clearance"`
	Metadata  map[string]string    `json:"metadata,omitempty"`
}

// Clone returns a deep copy.
func (e *Event) Clone() *Event {
	c := *e
	if e.Metadata != nil {
		c.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Filter selects events. Zero fields match everything.
type Filter struct {
	UserID    string
	SessionID string
	Types     []EventType
	// Since is inclusive, Until exclusive.
	Since time.Time
	Until time.Time
	// Limit caps the number of results; 0 means no limit.
	Limit int
}

// Matches reports whether e passes every set field of f.
func (f *Filter) Matches(e *Event) bool {
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.SessionID != "" && e.SessionID != f.SessionID {
		return false
	}
	if len(f.Types) > 0 && !slices.Contains(f.Types, e.Type) {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !e.Timestamp.Before(f.Until) {
		return false
	}
	return true
}

// Summary aggregates events matched by a filter.
type Summary struct {
	Total       int
	Failures    int
	FailureRate float64
	ByType      map[EventType]int
	UniqueUsers int
	Alerts      int
	First, Last time.Time
}
