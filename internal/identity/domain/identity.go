package domain

import "time"

// Method names an identity provider family.
type Method string

const (
	MethodOIDC Method = "oidc"
	MethodSAML Method = "saml"
)

// Credential is what a caller presents to complete a login. Which fields are read depends on the method:
// OIDC uses Code and State; SAML uses SAMLResponse.
type Credential struct {
	Code         string
	State        string
	SAMLResponse string
	RelayState   string
}

// Token is the provider token set linked to an authenticated user.
type Token struct {
	AccessToken  string
	TokenType    string
	RefreshToken string
	IDToken      string
	Scope        string
	ExpiresAt    time.Time
}

// Expired reports whether the access token is past its expiry. Tokens without expiry never expire.
func (t *Token) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// AuthorizationRequest is the redirect a caller must follow to start a token-based login.
type AuthorizationRequest struct {
	URL   string
	State string
}
