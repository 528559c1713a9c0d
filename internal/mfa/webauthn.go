package mfa

import (
	"context"
	"fmt"
	"slices"
	"time"

	"enterprise-auth/backend/internal/autherr"
	"enterprise-auth/backend/internal/cache"
	"enterprise-auth/backend/internal/mfa/domain"
	"enterprise-auth/backend/internal/security"
	userdomain "enterprise-auth/backend/internal/user/domain"
)

// COSE algorithm identifiers offered at registration, in preference order.
const (
	coseES256 = -7
	coseEdDSA = -8
	coseRS256 = -257
)

// challengeStore keeps issued WebAuthn challenges keyed by user so the relying party can
// match the ceremony response. Each challenge is single-use.
type challengeStore struct {
	m *cache.TTLMap[string]
}

func newChallengeStore(now func() time.Time) *challengeStore {
	m := cache.NewTTLMap[string]()
	m.SetClock(now)
	m.StartCleanup(5*time.Minute, nil)
	return &challengeStore{m: m}
}

func (c *challengeStore) close() { c.m.Close() }

func (s *Service) newWebAuthnChallenge(userID, ceremony string) (string, error) {
	ch, err := security.RandomToken(s.cfg.WebAuthnChallenge)
	if err != nil {
		return "", fmt.Errorf("mfa: webauthn challenge: %w", err)
	}
	s.webauthn.m.Put(ceremony+"|"+userID, ch, s.cfg.WebAuthnTimeout)
	return ch, nil
}

func (s *Service) webauthnConfigured() error {
	if s.cfg.WebAuthnRPID == "" {
		return autherr.MFA(userdomain.MFAMethodWebAuthn, autherr.CodeMFAMethodInvalid, "webauthn relying party is not configured")
	}
	return nil
}

// RegistrationOptions returns credential creation options for user. Credentials already
// registered are excluded so an authenticator is not enrolled twice.
func (s *Service) RegistrationOptions(ctx context.Context, user *userdomain.User) (*domain.RegistrationOptions, error) {
	if err := s.webauthnConfigured(); err != nil {
		return nil, err
	}
	ch, err := s.newWebAuthnChallenge(user.ID, "create")
	if err != nil {
		return nil, err
	}
	e, err := s.repo.GetEnrollment(ctx, user.ID, userdomain.MFAMethodWebAuthn)
	if err != nil {
		return nil, fmt.Errorf("mfa: load enrollment: %w", err)
	}
	name := user.Email
	if name == "" {
		name = user.ID
	}
	rpName := s.cfg.WebAuthnRPName
	if rpName == "" {
		rpName = s.cfg.Issuer
	}
	opts := &domain.RegistrationOptions{
		Challenge:     ch,
		RelyingParty:  domain.RelyingParty{ID: s.cfg.WebAuthnRPID, Name: rpName},
		User:          domain.WebAuthnUser{ID: user.ID, Name: name, DisplayName: user.Name()},
		TimeoutMillis: s.cfg.WebAuthnTimeout.Milliseconds(),
		Attestation:   "none",
		Parameters: []domain.CredentialParameter{
			{Type: "public-key", Algorithm: coseES256},
			{Type: "public-key", Algorithm: coseEdDSA},
			{Type: "public-key", Algorithm: coseRS256},
		},
	}
	if e != nil {
		opts.ExcludeCredentials = descriptors(e.CredentialIDs)
	}
	return opts, nil
}

// AssertionOptions returns credential request options listing the user's registered credentials.
func (s *Service) AssertionOptions(ctx context.Context, user *userdomain.User) (*domain.AssertionOptions, error) {
	if err := s.webauthnConfigured(); err != nil {
		return nil, err
	}
	e, err := s.repo.GetEnrollment(ctx, user.ID, userdomain.MFAMethodWebAuthn)
	if err != nil {
		return nil, fmt.Errorf("mfa: load enrollment: %w", err)
	}
	if e == nil || len(e.CredentialIDs) == 0 {
		return nil, autherr.MFA(userdomain.MFAMethodWebAuthn, autherr.CodeMFANotEnrolled, "no webauthn credentials registered")
	}
	ch, err := s.newWebAuthnChallenge(user.ID, "get")
	if err != nil {
		return nil, err
	}
	return &domain.AssertionOptions{
		Challenge:        ch,
		RelyingPartyID:   s.cfg.WebAuthnRPID,
		TimeoutMillis:    s.cfg.WebAuthnTimeout.Milliseconds(),
		AllowCredentials: descriptors(e.CredentialIDs),
		UserVerification: "preferred",
	}, nil
}

// RegisterCredential records a credential created against the outstanding registration
// challenge. The challenge is consumed; attestation verification is left to the caller.
func (s *Service) RegisterCredential(ctx context.Context, userID, challenge, credentialID string) error {
	issued, ok := s.webauthn.m.Take("create|" + userID)
	if !ok || !security.ConstantTimeEqual(issued, challenge) {
		return autherr.MFA(userdomain.MFAMethodWebAuthn, autherr.CodeMFANotPending, "no matching registration challenge")
	}
	if credentialID == "" {
		return autherr.MFA(userdomain.MFAMethodWebAuthn, autherr.CodeMFAInvalidCode, "empty credential id")
	}
	e, err := s.repo.GetEnrollment(ctx, userID, userdomain.MFAMethodWebAuthn)
	if err != nil {
		return fmt.Errorf("mfa: load enrollment: %w", err)
	}
	now := s.now().UTC()
	if e == nil {
		e = &domain.Enrollment{UserID: userID, Method: userdomain.MFAMethodWebAuthn, CreatedAt: now}
	}
	if !slices.Contains(e.CredentialIDs, credentialID) {
		e.CredentialIDs = append(e.CredentialIDs, credentialID)
	}
	e.Confirmed = true
	e.UpdatedAt = now
	return s.repo.SaveEnrollment(ctx, e)
}

func descriptors(ids []string) []domain.CredentialDescriptor {
	out := make([]domain.CredentialDescriptor, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.CredentialDescriptor{Type: "public-key", ID: id})
	}
	return out
}
