package domain

// RelyingParty identifies this service to the authenticator.
type RelyingParty struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// WebAuthnUser is the user entity in registration options.
type WebAuthnUser struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
}

// CredentialParameter names an acceptable public key algorithm (COSE identifier).
type CredentialParameter struct {
	Type      string `json:"type"`
	Algorithm int    `json:"alg"`
}

// CredentialDescriptor references an existing credential.
type CredentialDescriptor struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// RegistrationOptions are the PublicKeyCredentialCreationOptions sent to the client.
type RegistrationOptions struct {
	Challenge          string                 `json:"challenge"`
	RelyingParty       RelyingParty           `json:"rp"`
	User               WebAuthnUser           `json:"user"`
	Parameters         []CredentialParameter  `json:"pubKeyCredParams"`
	TimeoutMillis      int64                  `json:"timeout"`
	ExcludeCredentials []CredentialDescriptor `json:"excludeCredentials,omitempty"`
	Attestation        string                 `json:"attestation"`
}

// AssertionOptions are the PublicKeyCredentialRequestOptions sent to the client.
type AssertionOptions struct {
	Challenge        string                 `json:"challenge"`
	RelyingPartyID   string                 `json:"rpId"`
	TimeoutMillis    int64                  `json:"timeout"`
	AllowCredentials []CredentialDescriptor `json:"allowCredentials"`
	UserVerification string                 `json:"userVerification"`
}
