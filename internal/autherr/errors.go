// Package autherr defines the typed errors returned by identity, MFA and authorization code paths.
// The Reason of an error is kept for audit records; callers facing unauthenticated clients
// should only expose PublicMessage.
package autherr

import (
	"errors"
	"fmt"
)

// Kind is the error family.
type Kind int

const (
	KindAuthentication Kind = iota + 1
	KindAuthorization
	KindMFA
)

func (k Kind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindMFA:
		return "mfa"
	default:
		return "unknown"
	}
}

// Stable error codes. Codes are safe to return to any caller.
const (
	CodeInvalidCredentials  = "INVALID_CREDENTIALS"
	CodeProviderUnavailable = "PROVIDER_UNAVAILABLE"
	CodeMethodUnsupported   = "AUTH_METHOD_UNSUPPORTED"
	CodeUserInactive        = "USER_INACTIVE"
	CodeSessionInvalid      = "SESSION_INVALID"

	CodeOIDCStateInvalid    = "OIDC_STATE_INVALID"
	CodeOIDCTokenExchange   = "OIDC_TOKEN_EXCHANGE_FAILED"
	CodeOIDCTokenResponse   = "OIDC_TOKEN_RESPONSE_INVALID"
	CodeOIDCIDTokenInvalid  = "OIDC_ID_TOKEN_INVALID"
	CodeOIDCNonceInvalid    = "OIDC_NONCE_INVALID"
	CodeOIDCUserInfo        = "OIDC_USERINFO_FAILED"
	CodeOIDCRefreshFailed   = "OIDC_REFRESH_FAILED"
	CodeSAMLMalformed       = "SAML_RESPONSE_MALFORMED"
	CodeSAMLSignature       = "SAML_SIGNATURE_INVALID"
	CodeSAMLExpired         = "SAML_ASSERTION_EXPIRED"
	CodeSAMLAudience        = "SAML_AUDIENCE_INVALID"
	CodeSAMLIssuerUntrusted = "SAML_ISSUER_UNTRUSTED"

	CodeMFAInvalidCode     = "MFA_CODE_INVALID"
	CodeMFANotEnrolled     = "MFA_NOT_ENROLLED"
	CodeMFADeliveryFailed  = "MFA_DELIVERY_FAILED"
	CodeMFARateLimited     = "MFA_RATE_LIMITED"
	CodeMFAMethodInvalid   = "MFA_METHOD_UNSUPPORTED"
	CodeMFANotPending      = "MFA_NOT_PENDING"
	CodePermissionDenied   = "PERMISSION_DENIED"
	CodeClearanceTooLow    = "CLEARANCE_INSUFFICIENT"
	CodeSessionMFARequired = "SESSION_MFA_REQUIRED"
)

// Error is a typed security error. Reason is internal detail for audit and logs.
type Error struct {
	Kind Kind
	Code string
	// Reason is the specific failure reason; never return it to an unauthenticated caller.
	Reason string
	// Method is the MFA method attempted (KindMFA) or the authentication method.
	Method string
	// Permission is the permission that was required (KindAuthorization).
	Permission string
	// Transient marks failures contacting an external system that the caller may retry.
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	msg := e.Kind.String() + ": " + e.Code
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by Kind, and by Code when the target sets one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != 0 && t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// PublicMessage returns the generic message safe to expose to any caller.
func (e *Error) PublicMessage() string {
	switch e.Kind {
	case KindAuthorization:
		return "access denied: " + e.Code
	case KindMFA:
		return "mfa verification failed: " + e.Code
	default:
		return "authentication failed: " + e.Code
	}
}

// Sentinels for errors.Is against a family.
var (
	ErrAuthentication = &Error{Kind: KindAuthentication}
	ErrAuthorization  = &Error{Kind: KindAuthorization}
	ErrMFA            = &Error{Kind: KindMFA}
)

// Authentication returns an authentication failure with the given code and reason.
func Authentication(code, reason string) *Error {
	return &Error{Kind: KindAuthentication, Code: code, Reason: reason}
}

// Authenticationf is Authentication with a formatted reason.
func Authenticationf(code, format string, args ...any) *Error {
	return Authentication(code, fmt.Sprintf(format, args...))
}

// Wrap returns an authentication failure wrapping err.
func Wrap(code string, err error) *Error {
	return &Error{Kind: KindAuthentication, Code: code, Err: err}
}

// Transient returns an authentication failure for an unreachable or timed-out external system.
func Transient(code string, err error) *Error {
	return &Error{Kind: KindAuthentication, Code: code, Transient: true, Err: err}
}

// Authorization returns an authorization failure for the required permission.
func Authorization(code, permission, reason string) *Error {
	return &Error{Kind: KindAuthorization, Code: code, Permission: permission, Reason: reason}
}

// MFA returns an MFA failure tagged with the method attempted.
func MFA(method, code, reason string) *Error {
	return &Error{Kind: KindMFA, Code: code, Method: method, Reason: reason}
}

// As returns the *Error in err's chain, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsTransient reports whether err carries a transient external failure.
func IsTransient(err error) bool {
	e, ok := As(err)
	return ok && e.Transient
}

// CodeOf returns the stable code for err, or "INTERNAL" when err is not typed.
func CodeOf(err error) string {
	if e, ok := As(err); ok {
		return e.Code
	}
	return "INTERNAL"
}

// ReasonOf returns the audit reason for err: the typed reason when present, otherwise err.Error().
func ReasonOf(err error) string {
	if err == nil {
		return ""
	}
	if e, ok := As(err); ok {
		if e.Reason != "" {
			return e.Code + ": " + e.Reason
		}
		if e.Err != nil {
			return e.Code + ": " + e.Err.Error()
		}
		return e.Code
	}
	return err.Error()
}
