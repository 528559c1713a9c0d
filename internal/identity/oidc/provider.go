// Package oidc implements the token-based identity provider: authorization-code flow with PKCE,
// strict token-response validation, ID token verification against the provider's key set,
// and single-use state and nonce tracking.
package oidc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"enterprise-auth/backend/internal/autherr"
	"enterprise-auth/backend/internal/cache"
	"enterprise-auth/backend/internal/identity/domain"
	"enterprise-auth/backend/internal/identity/provider"
	"enterprise-auth/backend/internal/logging"
	"enterprise-auth/backend/internal/security"
	userdomain "enterprise-auth/backend/internal/user/domain"
)

const (
	// DefaultStateTTL bounds how long an authorization request may stay pending.
	DefaultStateTTL = 10 * time.Minute
	// DefaultJWKSTTL is how long a fetched key set is trusted before it is fetched again.
	DefaultJWKSTTL = time.Hour
	// DefaultClockSkew is the leeway applied to exp, nbf and iat.
	DefaultClockSkew = time.Minute

	defaultHTTPTimeout = 10 * time.Second
	defaultTokenTTL    = time.Hour
	maxResponseSize    = 1 << 20
)

// Config configures the token-based provider.
type Config struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	AuthURL      string
	TokenURL     string
	UserInfoURL  string
	JWKSURL      string
	Scopes       []string
	UsePKCE      bool
	ClockSkew    time.Duration
	StateTTL     time.Duration
	JWKSTTL      time.Duration
	// HTTPClient is used for every provider call; nil builds one with HTTPTimeout.
	HTTPClient  *http.Client
	HTTPTimeout time.Duration
}

// Validate checks the fields required to run the code flow.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return errors.New("oidc: issuer is required")
	}
	if c.ClientID == "" {
		return errors.New("oidc: client id is required")
	}
	if c.TokenURL == "" {
		return errors.New("oidc: token url is required")
	}
	return nil
}

type pendingAuth struct {
	verifier string
	nonce    string
}

// Provider is the OIDC identity provider adapter.
type Provider struct {
	cfg     Config
	oauth   *oauth2.Config
	client  *http.Client
	keys    *keyCache
	logger  *zap.Logger
	nowF    func() time.Time
	pending *cache.TTLMap[pendingAuth]
	nonces  *cache.TTLMap[struct{}]
	// loginTokens holds tokens from the most recent login per user until a session is bound.
	loginTokens   *cache.TTLMap[*domain.Token]
	sessionTokens *cache.TTLMap[*domain.Token]
}

var (
	_ provider.IdentityProvider = (*Provider)(nil)
	_ provider.SessionBinder    = (*Provider)(nil)
	_ provider.Redirector       = (*Provider)(nil)
)

// New returns an OIDC provider. logger may be nil.
func New(cfg Config, logger *zap.Logger) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = DefaultClockSkew
	}
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = DefaultStateTTL
	}
	if cfg.JWKSTTL <= 0 {
		cfg.JWKSTTL = DefaultJWKSTTL
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{"openid", "profile", "email"}
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.HTTPTimeout
		if timeout <= 0 {
			timeout = defaultHTTPTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	p := &Provider{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		client:        client,
		logger:        logging.OrNop(logger).Named("oidc"),
		nowF:          time.Now,
		pending:       cache.NewTTLMap[pendingAuth](),
		nonces:        cache.NewTTLMap[struct{}](),
		loginTokens:   cache.NewTTLMap[*domain.Token](),
		sessionTokens: cache.NewTTLMap[*domain.Token](),
	}
	p.keys = newKeyCache(cfg.JWKSURL, client, cfg.JWKSTTL, p.now)
	for _, c := range []interface{ StartCleanup(time.Duration, func(int)) }{p.pending, p.nonces, p.loginTokens, p.sessionTokens} {
		c.StartCleanup(cfg.StateTTL, nil)
	}
	return p, nil
}

// SetClock replaces the time source. Intended for tests.
func (p *Provider) SetClock(now func() time.Time) {
	p.nowF = now
	p.pending.SetClock(now)
	p.nonces.SetClock(now)
	p.loginTokens.SetClock(now)
	p.sessionTokens.SetClock(now)
}

func (p *Provider) now() time.Time { return p.nowF() }

// Close stops background cleanup.
func (p *Provider) Close() {
	p.pending.Close()
	p.nonces.Close()
	p.loginTokens.Close()
	p.sessionTokens.Close()
}

// Method returns domain.MethodOIDC.
func (p *Provider) Method() domain.Method { return domain.MethodOIDC }

// AuthorizationURL starts a login: it binds a fresh state and nonce (and PKCE verifier when enabled)
// and returns the URL the user agent must visit.
func (p *Provider) AuthorizationURL(ctx context.Context) (*domain.AuthorizationRequest, error) {
	if p.cfg.AuthURL == "" {
		return nil, errors.New("oidc: authorization url is not configured")
	}
	state, err := security.RandomToken(32)
	if err != nil {
		return nil, fmt.Errorf("oidc: state: %w", err)
	}
	nonce, err := security.RandomToken(32)
	if err != nil {
		return nil, fmt.Errorf("oidc: nonce: %w", err)
	}
	opts := []oauth2.AuthCodeOption{oauth2.SetAuthURLParam("nonce", nonce)}
	pa := pendingAuth{nonce: nonce}
	if p.cfg.UsePKCE {
		pa.verifier = oauth2.GenerateVerifier()
		opts = append(opts, oauth2.S256ChallengeOption(pa.verifier))
	}
	p.pending.Put(state, pa, p.cfg.StateTTL)
	p.nonces.Put(nonce, struct{}{}, p.cfg.StateTTL)
	return &domain.AuthorizationRequest{URL: p.oauth.AuthCodeURL(state, opts...), State: state}, nil
}

// Authenticate completes the code flow. The state is consumed before anything else so a
// replayed callback fails even if the code is still valid at the provider.
func (p *Provider) Authenticate(ctx context.Context, cred domain.Credential) (*userdomain.User, error) {
	if cred.State == "" {
		return nil, autherr.Authentication(autherr.CodeOIDCStateInvalid, "missing state")
	}
	pa, ok := p.pending.Take(cred.State)
	if !ok {
		return nil, autherr.Authentication(autherr.CodeOIDCStateInvalid, "unknown, expired or replayed state")
	}
	if cred.Code == "" {
		p.nonces.Delete(pa.nonce)
		return nil, autherr.Authentication(autherr.CodeInvalidCredentials, "missing authorization code")
	}

	tok, err := p.exchangeCode(ctx, cred.Code, pa.verifier)
	if err != nil {
		p.nonces.Delete(pa.nonce)
		return nil, err
	}

	var claims *idTokenClaims
	if tok.IDToken != "" {
		claims, err = p.verifyIDToken(ctx, tok.IDToken)
		if err != nil {
			p.nonces.Delete(pa.nonce)
			return nil, err
		}
		if err := p.consumeNonce(claims.Nonce, pa.nonce); err != nil {
			return nil, err
		}
	} else {
		p.nonces.Delete(pa.nonce)
	}

	var info map[string]any
	if p.cfg.UserInfoURL != "" {
		info, err = p.fetchUserInfo(ctx, tok.AccessToken)
		if err != nil {
			return nil, err
		}
	}
	u, err := p.buildUser(claims, info)
	if err != nil {
		return nil, err
	}

	ttl := defaultTokenTTL
	if !tok.ExpiresAt.IsZero() {
		ttl = tok.ExpiresAt.Sub(p.now())
	}
	if tok.RefreshToken != "" && ttl < p.cfg.StateTTL {
		ttl = p.cfg.StateTTL
	}
	p.loginTokens.Put(u.ID, tok, ttl)
	return u, nil
}

// consumeNonce removes the nonce from the issued set. A nonce never issued, already used,
// or not matching the one bound to the state is rejected.
func (p *Provider) consumeNonce(got, expected string) error {
	if got == "" {
		p.nonces.Delete(expected)
		return autherr.Authentication(autherr.CodeOIDCNonceInvalid, "id token has no nonce")
	}
	if _, ok := p.nonces.Take(got); !ok {
		p.nonces.Delete(expected)
		return autherr.Authentication(autherr.CodeOIDCNonceInvalid, "nonce was not issued or was already used")
	}
	if !security.ConstantTimeEqual(got, expected) {
		p.nonces.Delete(expected)
		return autherr.Authentication(autherr.CodeOIDCNonceInvalid, "nonce does not match the authorization request")
	}
	return nil
}

// ValidateToken reports whether an access token is still accepted by the provider's userinfo endpoint.
// Without a userinfo endpoint the token is verified as an ID token instead.
func (p *Provider) ValidateToken(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	if p.cfg.UserInfoURL == "" {
		if _, err := p.verifyIDToken(ctx, token); err != nil {
			if autherr.IsTransient(err) {
				return false, err
			}
			return false, nil
		}
		return true, nil
	}
	_, err := p.fetchUserInfo(ctx, token)
	if err == nil {
		return true, nil
	}
	if autherr.IsTransient(err) {
		return false, err
	}
	return false, nil
}

// RefreshToken exchanges a refresh token for a new token set. A returned ID token is verified
// (without nonce, which refresh responses do not carry).
func (p *Provider) RefreshToken(ctx context.Context, refreshToken string) (*domain.Token, error) {
	if refreshToken == "" {
		return nil, autherr.Authentication(autherr.CodeOIDCRefreshFailed, "missing refresh token")
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)
	ot, err := p.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil && re.Response.StatusCode < http.StatusInternalServerError {
			return nil, autherr.Authenticationf(autherr.CodeOIDCRefreshFailed, "token endpoint rejected refresh: %s", re.ErrorCode)
		}
		return nil, autherr.Transient(autherr.CodeProviderUnavailable, err)
	}
	if ot.Type() != "Bearer" {
		return nil, autherr.Authenticationf(autherr.CodeOIDCTokenResponse, "unexpected token type %q", ot.TokenType)
	}
	tok := &domain.Token{
		AccessToken:  ot.AccessToken,
		TokenType:    ot.Type(),
		RefreshToken: ot.RefreshToken,
		ExpiresAt:    ot.Expiry,
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = refreshToken
	}
	if id, ok := ot.Extra("id_token").(string); ok && id != "" {
		if _, err := p.verifyIDToken(ctx, id); err != nil {
			return nil, err
		}
		tok.IDToken = id
	}
	if scope, ok := ot.Extra("scope").(string); ok {
		tok.Scope = scope
	}
	return tok, nil
}

// BindSession links the tokens from userID's most recent login to sessionID.
func (p *Provider) BindSession(sessionID, userID string) {
	tok, ok := p.loginTokens.Take(userID)
	if !ok {
		return
	}
	p.sessionTokens.Put(sessionID, tok, p.tokenTTL(tok))
}

// RebindSession moves linked tokens after the session id rotated.
func (p *Provider) RebindSession(oldID, newID string) {
	tok, ok := p.sessionTokens.Take(oldID)
	if !ok {
		return
	}
	p.sessionTokens.Put(newID, tok, p.tokenTTL(tok))
}

// SessionTokens returns the tokens linked to sessionID.
func (p *Provider) SessionTokens(sessionID string) (*domain.Token, bool) {
	return p.sessionTokens.Get(sessionID)
}

func (p *Provider) tokenTTL(tok *domain.Token) time.Duration {
	if tok.RefreshToken != "" || tok.ExpiresAt.IsZero() {
		return defaultTokenTTL * 24
	}
	return tok.ExpiresAt.Sub(p.now())
}

// Logout forgets the tokens linked to sessionID.
func (p *Provider) Logout(ctx context.Context, sessionID string) error {
	p.sessionTokens.Delete(sessionID)
	return nil
}

// HealthCheck verifies the key set can be obtained (from cache or the provider).
func (p *Provider) HealthCheck(ctx context.Context) error {
	if p.cfg.JWKSURL == "" {
		return nil
	}
	return p.keys.ensure(ctx)
}

func (p *Provider) buildUser(claims *idTokenClaims, info map[string]any) (*userdomain.User, error) {
	c := claims
	if c == nil {
		c = &idTokenClaims{}
	}
	if info != nil {
		sub, _ := info["sub"].(string)
		if c.Subject != "" && sub != "" && sub != c.Subject {
			return nil, autherr.Authentication(autherr.CodeOIDCUserInfo, "userinfo subject does not match id token subject")
		}
		c.mergeUserInfo(info)
	}
	if c.Subject == "" {
		return nil, autherr.Authentication(autherr.CodeOIDCIDTokenInvalid, "no subject in id token or userinfo")
	}

	clearance, err := userdomain.ParseClearance(c.Clearance)
	if err != nil {
		p.logger.Warn("ignoring unknown clearance claim", zap.String("clearance", c.Clearance))
		clearance = userdomain.ClearanceOpen
	}
	roles := c.Roles
	if len(roles) == 0 {
		roles = c.Groups
	}
	now := p.now().UTC()
	u := &userdomain.User{
		ID:          provider.DeriveUserID(domain.MethodOIDC, c.Subject),
		Email:       c.Email,
		GivenName:   c.GivenName,
		FamilyName:  c.FamilyName,
		DisplayName: c.Name,
		Phone:       c.PhoneNumber,
		Roles:       roles,
		Clearance:   clearance,
		Active:      true,
		Provider:    string(domain.MethodOIDC),
		Subject:     c.Subject,
		Metadata:    c.extra(),
		LastLoginAt: now,
	}
	u.Metadata["issuer"] = p.cfg.Issuer
	if c.PreferredUsername != "" {
		u.Metadata["preferred_username"] = c.PreferredUsername
	}
	return u, nil
}
