package oidc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"

	"enterprise-auth/backend/internal/autherr"
)

// minKeyRefetch bounds how often an unknown kid can trigger a key set fetch.
const minKeyRefetch = 30 * time.Second

// keyCache holds the provider's signing keys. A fetched set is trusted for ttl; an unknown kid
// forces a refetch, at most once per minKeyRefetch, so provider key rotation does not require
// waiting out the ttl.
type keyCache struct {
	url    string
	client *http.Client
	ttl    time.Duration
	now    func() time.Time

	mu        sync.Mutex
	set       *jose.JSONWebKeySet
	fetchedAt time.Time
	// attemptAt is the start of the last fetch, successful or not.
	attemptAt time.Time
}

func newKeyCache(url string, client *http.Client, ttl time.Duration, now func() time.Time) *keyCache {
	return &keyCache{url: url, client: client, ttl: ttl, now: now}
}

// ensure fetches the key set if none is cached or the cached one is stale.
func (k *keyCache) ensure(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.fresh() {
		return nil
	}
	return k.fetchLocked(ctx)
}

func (k *keyCache) fresh() bool {
	return k.set != nil && k.now().Sub(k.fetchedAt) < k.ttl
}

// lookup returns the verification key for kid and alg.
func (k *keyCache) lookup(ctx context.Context, kid, alg string) (any, error) {
	if k.url == "" {
		return nil, autherr.Authentication(autherr.CodeOIDCIDTokenInvalid, "no key set configured")
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	refreshed := false
	if !k.fresh() {
		if err := k.fetchLocked(ctx); err != nil {
			return nil, err
		}
		refreshed = true
	}
	key, ok := selectKey(k.set, kid, alg)
	if !ok && !refreshed && k.now().Sub(k.attemptAt) >= minKeyRefetch {
		if err := k.fetchLocked(ctx); err != nil {
			return nil, err
		}
		key, ok = selectKey(k.set, kid, alg)
	}
	if !ok {
		return nil, autherr.Authenticationf(autherr.CodeOIDCIDTokenInvalid, "no signing key for kid %q", kid)
	}
	return key, nil
}

func selectKey(set *jose.JSONWebKeySet, kid, alg string) (any, bool) {
	var candidates []jose.JSONWebKey
	if kid != "" {
		candidates = set.Key(kid)
	} else if len(set.Keys) == 1 {
		candidates = set.Keys
	}
	for _, jwk := range candidates {
		if jwk.Use != "" && jwk.Use != "sig" {
			continue
		}
		if jwk.Algorithm != "" && jwk.Algorithm != alg {
			continue
		}
		if !jwk.IsPublic() {
			continue
		}
		return jwk.Key, true
	}
	return nil, false
}

func (k *keyCache) fetchLocked(ctx context.Context) error {
	k.attemptAt = k.now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.url, nil)
	if err != nil {
		return fmt.Errorf("oidc: jwks request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := k.client.Do(req)
	if err != nil {
		return autherr.Transient(autherr.CodeProviderUnavailable, fmt.Errorf("jwks fetch: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return autherr.Transient(autherr.CodeProviderUnavailable, fmt.Errorf("jwks read: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return autherr.Transient(autherr.CodeProviderUnavailable, fmt.Errorf("jwks fetch returned %s", resp.Status))
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(body, &set); err != nil {
		return autherr.Wrap(autherr.CodeOIDCIDTokenInvalid, fmt.Errorf("jwks decode: %w", err))
	}
	if len(set.Keys) == 0 {
		return autherr.Wrap(autherr.CodeOIDCIDTokenInvalid, errors.New("jwks is empty"))
	}
	k.set = &set
	k.fetchedAt = k.now()
	return nil
}
