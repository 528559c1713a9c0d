package domain

import (
	"slices"
	"time"
)

// Enrollment is a user's registration of one MFA method (stored in mfa_enrollments).
type Enrollment struct {
	UserID string
	Method string
	// Secret is the base32 TOTP shared secret. Empty for other methods.
	Secret string
	// Destination is the phone number or email address for out-of-band codes.
	Destination string
	// BackupCodeHashes are bcrypt hashes of the unused backup codes.
	BackupCodeHashes []string
	// CredentialIDs are the registered WebAuthn credential ids (base64url).
	CredentialIDs []string
	// Confirmed is set after the first successful verification.
	Confirmed bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy.
func (e *Enrollment) Clone() *Enrollment {
	if e == nil {
		return nil
	}
	c := *e
	c.BackupCodeHashes = slices.Clone(e.BackupCodeHashes)
	c.CredentialIDs = slices.Clone(e.CredentialIDs)
	return &c
}

// Secret is returned by GenerateSecret. Only the fields relevant to Method are set.
type Secret struct {
	Method string
	// Secret is the TOTP shared secret; show it once and never log it.
	Secret string
	// URI is the otpauth:// provisioning URI for authenticator apps.
	URI string
	// Destination is the masked delivery target for out-of-band methods.
	Destination string
	// BackupCodes are the plaintext backup codes; they are not retrievable later.
	BackupCodes []string
	WebAuthn    *RegistrationOptions
}
