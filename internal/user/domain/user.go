package domain

import (
	"errors"
	"slices"
	"time"
)

// MFA method names. Kept here so users can record enrolled methods without importing the MFA service.
const (
	MFAMethodTOTP       = "totp"
	MFAMethodSMS        = "sms"
	MFAMethodEmail      = "email"
	MFAMethodBackupCode = "backup_code"
	MFAMethodWebAuthn   = "webauthn"
)

// User is the normalized identity produced by an identity provider and enriched by the directory.
type User struct {
	// ID is derived from the provider subject and never changes for the same principal.
	ID          string
	Email       string
	GivenName   string
	FamilyName  string
	DisplayName string
	Phone       string
	// Roles are role names asserted by the provider or assigned in the directory.
	Roles []string
	// Permissions is the effective permission set computed by the RBAC engine.
	Permissions []string
	Clearance   Clearance
	MFAEnabled  bool
	MFAMethods  []string
	Active      bool
	// Provider is the authentication method that produced the user (oidc, saml).
	Provider string
	// Subject is the external subject identifier at the provider.
	Subject string
	// Metadata holds unmapped provider attributes.
	Metadata    map[string]string
	CreatedAt   time.Time
	LastLoginAt time.Time
}

// Validate validates the user for persistence. Returns an error describing the first validation failure.
func (u *User) Validate() error {
	if u.ID == "" {
		return errors.New("id is required")
	}
	if u.Provider == "" || u.Subject == "" {
		return errors.New("provider and subject are required")
	}
	if !u.Clearance.Valid() {
		return errors.New("clearance is invalid")
	}
	return nil
}

// HasMFAMethod reports whether method is enrolled.
func (u *User) HasMFAMethod(method string) bool {
	return slices.Contains(u.MFAMethods, method)
}

// Name returns DisplayName, falling back to given and family name, then email.
func (u *User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	switch {
	case u.GivenName != "" && u.FamilyName != "":
		return u.GivenName + " " + u.FamilyName
	case u.GivenName != "":
		return u.GivenName
	case u.FamilyName != "":
		return u.FamilyName
	}
	return u.Email
}

// Clone returns a deep copy so callers can mutate without affecting shared state.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	c.Roles = slices.Clone(u.Roles)
	c.Permissions = slices.Clone(u.Permissions)
	c.MFAMethods = slices.Clone(u.MFAMethods)
	if u.Metadata != nil {
		c.Metadata = make(map[string]string, len(u.Metadata))
		for k, v := range u.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
