package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// TokenVerifier checks the validationTokens Microsoft attaches to
// lifecycle notifications. Nil-safe: a nil verifier accepts everything,
// for deployments without a configured JWKS endpoint.
type TokenVerifier struct {
	jwksURL string
	cache   *jwk.Cache
}

// NewTokenVerifier sets up a verifier with a cached, auto-refreshing JWKS.
func NewTokenVerifier(ctx context.Context, jwksURL string) (*TokenVerifier, error) {
	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(5*time.Minute)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}

	// Warm the cache so the first notification does not pay the fetch.
	warmCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cache.Get(warmCtx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed initial JWKS fetch: %w", err)
	}

	return &TokenVerifier{jwksURL: jwksURL, cache: cache}, nil
}

// Verify validates the signature and expiry of one validation token.
func (v *TokenVerifier) Verify(ctx context.Context, token string) error {
	if v == nil {
		return nil
	}
	keySet, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return fmt.Errorf("failed to load JWKS: %w", err)
	}
	if _, err := jwt.Parse([]byte(token), jwt.WithKeySet(keySet), jwt.WithValidate(true)); err != nil {
		return fmt.Errorf("failed to parse validation token: %w", err)
	}
	return nil
}
