package oidc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/xeipuuv/gojsonschema"

	"enterprise-auth/backend/internal/autherr"
	"enterprise-auth/backend/internal/identity/domain"
)

// tokenResponseSchema is the accepted shape of a token endpoint response.
const tokenResponseSchema = `{
	"type": "object",
	"required": ["access_token", "token_type"],
	"properties": {
		"access_token":  {"type": "string", "minLength": 1},
		"token_type":    {"type": "string", "pattern": "^[Bb][Ee][Aa][Rr][Ee][Rr]$"},
		"refresh_token": {"type": "string"},
		"id_token":      {"type": "string", "minLength": 1},
		"expires_in":    {"type": "integer", "minimum": 0},
		"scope":         {"type": "string"}
	}
}`

var tokenSchema = mustSchema(tokenResponseSchema)

func mustSchema(s string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(s))
	if err != nil {
		panic(fmt.Sprintf("oidc: invalid token response schema: %v", err))
	}
	return schema
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
}

type oauthErrorResponse struct {
	Error       string `json:"error"`
	Description string `json:"error_description"`
}

// validIDTokenAlgs are the asymmetric algorithms accepted for ID tokens.
var validIDTokenAlgs = []string{"RS256", "RS384", "RS512", "PS256", "PS384", "PS512", "ES256", "ES384", "ES512", "EdDSA"}

// exchangeCode posts the authorization code (and PKCE verifier) to the token endpoint.
func (p *Provider) exchangeCode(ctx context.Context, code, verifier string) (*domain.Token, error) {
	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {p.cfg.RedirectURI},
		"client_id":    {p.cfg.ClientID},
	}
	if p.cfg.ClientSecret != "" {
		form.Set("client_secret", p.cfg.ClientSecret)
	}
	if verifier != "" {
		form.Set("code_verifier", verifier)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("oidc: token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, autherr.Transient(autherr.CodeProviderUnavailable, fmt.Errorf("token endpoint: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, autherr.Transient(autherr.CodeProviderUnavailable, fmt.Errorf("token endpoint read: %w", err))
	}

	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, autherr.Transient(autherr.CodeProviderUnavailable, fmt.Errorf("token endpoint returned %s", resp.Status))
	case resp.StatusCode != http.StatusOK:
		var oe oauthErrorResponse
		_ = json.Unmarshal(body, &oe)
		return nil, autherr.Authenticationf(autherr.CodeOIDCTokenExchange, "token endpoint returned %d %s", resp.StatusCode, oe.Error)
	}
	return p.parseTokenResponse(body)
}

func (p *Provider) parseTokenResponse(body []byte) (*domain.Token, error) {
	result, err := tokenSchema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return nil, autherr.Wrap(autherr.CodeOIDCTokenResponse, fmt.Errorf("token response is not JSON: %w", err))
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, autherr.Authentication(autherr.CodeOIDCTokenResponse, strings.Join(msgs, "; "))
	}
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, autherr.Wrap(autherr.CodeOIDCTokenResponse, err)
	}
	tok := &domain.Token{
		AccessToken:  tr.AccessToken,
		TokenType:    "Bearer",
		RefreshToken: tr.RefreshToken,
		IDToken:      tr.IDToken,
		Scope:        tr.Scope,
	}
	if tr.ExpiresIn > 0 {
		tok.ExpiresAt = p.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return tok, nil
}

// verifyIDToken checks signature, issuer, audience, exp/nbf/iat with leeway. Nonce is checked by the caller.
func (p *Provider) verifyIDToken(ctx context.Context, raw string) (*idTokenClaims, error) {
	claims := &idTokenClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods(validIDTokenAlgs),
		jwt.WithIssuer(p.cfg.Issuer),
		jwt.WithAudience(p.cfg.ClientID),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(p.cfg.ClockSkew),
		jwt.WithTimeFunc(p.now),
	)
	_, err := parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return p.keys.lookup(ctx, kid, t.Method.Alg())
	})
	if err != nil {
		var ae *autherr.Error
		if errors.As(err, &ae) {
			return nil, ae
		}
		return nil, autherr.Wrap(autherr.CodeOIDCIDTokenInvalid, err)
	}
	if claims.Subject == "" {
		return nil, autherr.Authentication(autherr.CodeOIDCIDTokenInvalid, "id token has no subject")
	}
	return claims, nil
}

// fetchUserInfo calls the userinfo endpoint with the access token.
func (p *Provider) fetchUserInfo(ctx context.Context, accessToken string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.UserInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("oidc: userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, autherr.Transient(autherr.CodeProviderUnavailable, fmt.Errorf("userinfo: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, autherr.Transient(autherr.CodeProviderUnavailable, fmt.Errorf("userinfo read: %w", err))
	}
	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, autherr.Transient(autherr.CodeProviderUnavailable, fmt.Errorf("userinfo returned %s", resp.Status))
	case resp.StatusCode != http.StatusOK:
		return nil, autherr.Authenticationf(autherr.CodeOIDCUserInfo, "userinfo returned %d", resp.StatusCode)
	}
	var info map[string]any
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, autherr.Wrap(autherr.CodeOIDCUserInfo, err)
	}
	return info, nil
}
