package main

import (
	"context"
	"testing"

	"enterprise-auth/backend/internal/config"
	"enterprise-auth/backend/internal/identity/domain"
	"enterprise-auth/backend/internal/identity/provider"
	userdomain "enterprise-auth/backend/internal/user/domain"
)

type closingProvider struct {
	method domain.Method
	closed int
}

func (p *closingProvider) Method() domain.Method { return p.method }
func (p *closingProvider) Authenticate(context.Context, domain.Credential) (*userdomain.User, error) {
	return nil, nil
}
func (p *closingProvider) ValidateToken(context.Context, string) (bool, error) { return false, nil }
func (p *closingProvider) RefreshToken(context.Context, string) (*domain.Token, error) {
	return nil, nil
}
func (p *closingProvider) Logout(context.Context, string) error { return nil }
func (p *closingProvider) HealthCheck(context.Context) error    { return nil }
func (p *closingProvider) Close()                               { p.closed++ }

func TestCloseProviders(t *testing.T) {
	oidc := &closingProvider{method: domain.MethodOIDC}
	saml := &closingProvider{method: domain.MethodSAML}
	closeProviders(provider.NewRegistry(oidc, saml))
	if oidc.closed != 1 || saml.closed != 1 {
		t.Errorf("closed oidc=%d saml=%d, want 1 each", oidc.closed, saml.closed)
	}
}

func TestBuildProviders_NoneEnabled(t *testing.T) {
	if _, err := buildProviders(&config.Config{}, nil); err == nil {
		t.Fatal("want error when no provider is enabled")
	}
}
