package oidc

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// idTokenClaims are the ID token claims read by the adapter.
type idTokenClaims struct {
	jwt.RegisteredClaims
	Nonce             string   `json:"nonce,omitempty"`
	Email             string   `json:"email,omitempty"`
	EmailVerified     bool     `json:"email_verified,omitempty"`
	Name              string   `json:"name,omitempty"`
	GivenName         string   `json:"given_name,omitempty"`
	FamilyName        string   `json:"family_name,omitempty"`
	PreferredUsername string   `json:"preferred_username,omitempty"`
	PhoneNumber       string   `json:"phone_number,omitempty"`
	Roles             []string `json:"roles,omitempty"`
	Groups            []string `json:"groups,omitempty"`
	Clearance         string   `json:"clearance,omitempty"`

	// unmapped holds userinfo claims with no dedicated field.
	unmapped map[string]string
}

var knownClaims = map[string]bool{
	"sub": true, "iss": true, "aud": true, "exp": true, "nbf": true, "iat": true, "jti": true,
	"nonce": true, "email": true, "email_verified": true, "name": true, "given_name": true,
	"family_name": true, "preferred_username": true, "phone_number": true, "roles": true,
	"groups": true, "clearance": true, "at_hash": true, "azp": true, "auth_time": true,
}

// mergeUserInfo fills claims the ID token did not carry from the userinfo response.
func (c *idTokenClaims) mergeUserInfo(info map[string]any) {
	setString := func(dst *string, key string) {
		if *dst != "" {
			return
		}
		if v, ok := info[key].(string); ok {
			*dst = v
		}
	}
	setString(&c.Subject, "sub")
	setString(&c.Email, "email")
	setString(&c.Name, "name")
	setString(&c.GivenName, "given_name")
	setString(&c.FamilyName, "family_name")
	setString(&c.PreferredUsername, "preferred_username")
	setString(&c.PhoneNumber, "phone_number")
	setString(&c.Clearance, "clearance")
	if len(c.Roles) == 0 {
		c.Roles = stringList(info["roles"])
	}
	if len(c.Groups) == 0 {
		c.Groups = stringList(info["groups"])
	}
	for k, v := range info {
		if knownClaims[k] {
			continue
		}
		if c.unmapped == nil {
			c.unmapped = make(map[string]string)
		}
		switch val := v.(type) {
		case string:
			c.unmapped[k] = val
		case bool, float64:
			c.unmapped[k] = fmt.Sprint(val)
		}
	}
}

func (c *idTokenClaims) extra() map[string]string {
	out := make(map[string]string, len(c.unmapped)+2)
	for k, v := range c.unmapped {
		out[k] = v
	}
	return out
}

func stringList(v any) []string {
	switch val := v.(type) {
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if val != "" {
			return []string{val}
		}
	}
	return nil
}
