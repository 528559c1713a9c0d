// Package saml implements the assertion-based identity provider. Responses are accepted only
// from allow-listed issuers and only when signed by a certificate configured for that issuer.
package saml

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	dsig "github.com/russellhaering/goxmldsig"
	"go.uber.org/zap"

	"enterprise-auth/backend/internal/autherr"
	"enterprise-auth/backend/internal/cache"
	"enterprise-auth/backend/internal/identity/domain"
	"enterprise-auth/backend/internal/identity/provider"
	"enterprise-auth/backend/internal/logging"
	userdomain "enterprise-auth/backend/internal/user/domain"
)

// DefaultClockSkew is the leeway applied to NotBefore and NotOnOrAfter.
const DefaultClockSkew = time.Minute

// maxReplayWindow bounds how long a consumed assertion id is remembered when the
// assertion carries no NotOnOrAfter.
const maxReplayWindow = time.Hour

// AttributeMap names the assertion attributes read into user fields.
type AttributeMap struct {
	Email      string
	GivenName  string
	FamilyName string
	Roles      string
	Clearance  string
}

// Config configures the assertion-based provider.
type Config struct {
	// EntityID is this service provider's entity id; assertions must name it as audience.
	EntityID string
	SSOURL   string
	SLOURL   string
	// Issuers is the allow-list: each trusted issuer mapped to the certificates that may sign
	// its responses and assertions.
	Issuers    map[string][]*x509.Certificate
	Attributes AttributeMap
	ClockSkew  time.Duration
}

// Validate checks the fields required to accept assertions.
func (c *Config) Validate() error {
	if c.EntityID == "" {
		return errors.New("saml: entity id is required")
	}
	if len(c.Issuers) == 0 {
		return errors.New("saml: at least one trusted issuer is required")
	}
	for issuer, certs := range c.Issuers {
		if issuer == "" {
			return errors.New("saml: trusted issuer name is empty")
		}
		if len(certs) == 0 {
			return fmt.Errorf("saml: issuer %q has no signing certificate", issuer)
		}
	}
	return nil
}

// Provider is the SAML identity provider adapter.
type Provider struct {
	cfg Config
	// stores holds one certificate store per trusted issuer.
	stores map[string]*dsig.MemoryX509CertificateStore
	logger *zap.Logger
	nowF   func() time.Time
	// consumed holds assertion ids already used to log in.
	consumed *cache.TTLMap[struct{}]
}

var _ provider.IdentityProvider = (*Provider)(nil)

// New returns a SAML provider. logger may be nil.
func New(cfg Config, logger *zap.Logger) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = DefaultClockSkew
	}
	cfg.Attributes = withDefaults(cfg.Attributes)
	stores := make(map[string]*dsig.MemoryX509CertificateStore, len(cfg.Issuers))
	for issuer, certs := range cfg.Issuers {
		stores[issuer] = &dsig.MemoryX509CertificateStore{Roots: slices.Clone(certs)}
	}
	p := &Provider{
		cfg:      cfg,
		stores:   stores,
		logger:   logging.OrNop(logger).Named("saml"),
		nowF:     time.Now,
		consumed: cache.NewTTLMap[struct{}](),
	}
	p.consumed.StartCleanup(10*time.Minute, nil)
	return p, nil
}

func withDefaults(m AttributeMap) AttributeMap {
	if m.Email == "" {
		m.Email = "email"
	}
	if m.GivenName == "" {
		m.GivenName = "givenName"
	}
	if m.FamilyName == "" {
		m.FamilyName = "surname"
	}
	if m.Roles == "" {
		m.Roles = "roles"
	}
	if m.Clearance == "" {
		m.Clearance = "clearance"
	}
	return m
}

// SetClock replaces the time source. Intended for tests.
func (p *Provider) SetClock(now func() time.Time) {
	p.nowF = now
	p.consumed.SetClock(now)
}

func (p *Provider) now() time.Time { return p.nowF() }

// Close stops background cleanup.
func (p *Provider) Close() { p.consumed.Close() }

// Method returns domain.MethodSAML.
func (p *Provider) Method() domain.Method { return domain.MethodSAML }

// SSOURL is the identity provider's single sign-on endpoint.
func (p *Provider) SSOURL() string { return p.cfg.SSOURL }

// SLOURL is the identity provider's single logout endpoint.
func (p *Provider) SLOURL() string { return p.cfg.SLOURL }

// Authenticate verifies a base64 SAMLResponse and maps its assertion to a user.
// Each assertion id is accepted once.
func (p *Provider) Authenticate(ctx context.Context, cred domain.Credential) (*userdomain.User, error) {
	a, err := p.verify(cred.SAMLResponse)
	if err != nil {
		return nil, err
	}
	ttl := maxReplayWindow
	if !a.NotOnOrAfter.IsZero() {
		ttl = a.NotOnOrAfter.Add(p.cfg.ClockSkew).Sub(p.now())
	}
	if !p.consumed.PutIfAbsent(a.Issuer+"|"+a.ID, struct{}{}, ttl) {
		return nil, autherr.Authentication(autherr.CodeInvalidCredentials, "assertion was already used")
	}
	return p.buildUser(a), nil
}

// verify runs every check on a response: structure, issuer allow-list, signature, validity window
// and audience.
func (p *Provider) verify(raw string) (*assertion, error) {
	resp, err := decodeResponse(raw)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	issuer := rawIssuer(resp)
	store, ok := p.stores[issuer]
	if issuer == "" || !ok {
		return nil, autherr.Authenticationf(autherr.CodeSAMLIssuerUntrusted, "issuer %q is not trusted", issuer)
	}

	vctx := dsig.NewDefaultValidationContext(store)
	vctx.Clock = dsig.NewFakeClockAt(p.now())
	el, err := verifySignature(vctx, resp)
	if err != nil {
		return nil, err
	}
	a, err := readAssertion(el)
	if err != nil {
		return nil, err
	}
	if a.Issuer != "" && a.Issuer != issuer {
		return nil, autherr.Authenticationf(autherr.CodeSAMLIssuerUntrusted, "assertion issuer %q does not match response issuer %q", a.Issuer, issuer)
	}
	if a.Issuer == "" {
		a.Issuer = issuer
	}

	now := p.now()
	if !a.NotBefore.IsZero() && now.Add(p.cfg.ClockSkew).Before(a.NotBefore) {
		return nil, autherr.Authenticationf(autherr.CodeSAMLExpired, "assertion not valid before %s", a.NotBefore.Format(time.RFC3339))
	}
	if !a.NotOnOrAfter.IsZero() && !now.Add(-p.cfg.ClockSkew).Before(a.NotOnOrAfter) {
		return nil, autherr.Authenticationf(autherr.CodeSAMLExpired, "assertion expired at %s", a.NotOnOrAfter.Format(time.RFC3339))
	}
	if !slices.Contains(a.Audiences, p.cfg.EntityID) {
		return nil, autherr.Authenticationf(autherr.CodeSAMLAudience, "audience %v does not include %s", a.Audiences, p.cfg.EntityID)
	}
	return a, nil
}

// ValidateToken reports whether token is a currently valid SAMLResponse. It does not consume the assertion.
func (p *Provider) ValidateToken(ctx context.Context, token string) (bool, error) {
	if _, err := p.verify(token); err != nil {
		if autherr.IsTransient(err) {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// RefreshToken is not supported: assertions are not renewable.
func (p *Provider) RefreshToken(ctx context.Context, refreshToken string) (*domain.Token, error) {
	return nil, autherr.Authentication(autherr.CodeMethodUnsupported, "saml assertions cannot be refreshed")
}

// Logout has no provider state to release. Single logout is initiated by the caller via SLOURL.
func (p *Provider) Logout(ctx context.Context, sessionID string) error { return nil }

// HealthCheck reports whether every configured certificate is currently valid.
func (p *Provider) HealthCheck(ctx context.Context) error {
	now := p.now()
	for issuer, certs := range p.cfg.Issuers {
		for _, c := range certs {
			if now.Before(c.NotBefore) || now.After(c.NotAfter) {
				return fmt.Errorf("saml: certificate %q of %s valid %s to %s", c.Subject.CommonName, issuer,
					c.NotBefore.Format(time.RFC3339), c.NotAfter.Format(time.RFC3339))
			}
		}
	}
	return nil
}

func (p *Provider) buildUser(a *assertion) *userdomain.User {
	m := p.cfg.Attributes
	first := func(name string) string {
		if vs := a.Attributes[name]; len(vs) > 0 {
			return vs[0]
		}
		return ""
	}
	clearance, err := userdomain.ParseClearance(first(m.Clearance))
	if err != nil {
		p.logger.Warn("ignoring unknown clearance attribute", zap.String("clearance", first(m.Clearance)))
		clearance = userdomain.ClearanceOpen
	}
	mapped := map[string]bool{m.Email: true, m.GivenName: true, m.FamilyName: true, m.Roles: true, m.Clearance: true}
	meta := map[string]string{"issuer": a.Issuer, "assertion_id": a.ID}
	for name, vs := range a.Attributes {
		if !mapped[name] {
			meta[name] = strings.Join(vs, ",")
		}
	}

	u := &userdomain.User{
		ID:          provider.DeriveUserID(domain.MethodSAML, a.Subject),
		Email:       first(m.Email),
		GivenName:   first(m.GivenName),
		FamilyName:  first(m.FamilyName),
		Roles:       slices.Clone(a.Attributes[m.Roles]),
		Clearance:   clearance,
		Active:      true,
		Provider:    string(domain.MethodSAML),
		Subject:     a.Subject,
		Metadata:    meta,
		LastLoginAt: p.now().UTC(),
	}
	if u.Email == "" && strings.Contains(a.Subject, "@") {
		u.Email = a.Subject
	}
	return u
}
