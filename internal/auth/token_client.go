// Package auth fetches per-account OAuth access tokens from the external
// token service. The token service owns credential storage and refresh;
// this client only caches short-lived access tokens.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// Token is an OAuth access token with its expiry.
type Token struct {
	AccessToken string
	Expiry      time.Time
}

// Valid reports whether the token is still usable with a safety margin.
func (t *Token) Valid() bool {
	return t != nil && t.AccessToken != "" && time.Until(t.Expiry) > expiryBuffer
}

const expiryBuffer = 5 * time.Minute

// TokenProvider hands out access tokens for accounts.
type TokenProvider interface {
	AccessToken(ctx context.Context, accountID string) (*Token, error)
}

// Client fetches tokens over HTTP and caches them per account until close
// to expiry.
type Client struct {
	baseURL string
	client  *http.Client

	mu    sync.Mutex
	cache map[string]*Token
}

// NewClient creates a token client against the token service base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		cache:   make(map[string]*Token),
	}
}

// AccessToken returns a valid access token for the account, fetching a
// fresh one when the cached token is absent or near expiry.
func (c *Client) AccessToken(ctx context.Context, accountID string) (*Token, error) {
	c.mu.Lock()
	cached := c.cache[accountID]
	c.mu.Unlock()
	if cached.Valid() {
		return cached, nil
	}

	tok, err := c.fetch(ctx, accountID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache[accountID] = tok
	c.mu.Unlock()
	return tok, nil
}

// Invalidate drops the cached token for the account. Called after a
// provider rejects a token the cache still considered valid.
func (c *Client) Invalidate(accountID string) {
	c.mu.Lock()
	delete(c.cache, accountID)
	c.mu.Unlock()
}

func (c *Client) fetch(ctx context.Context, accountID string) (*Token, error) {
	url := fmt.Sprintf("%s/api/accounts/%s/token", c.baseURL, accountID)

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == 404 {
		return nil, fmt.Errorf("no credentials for account %s", accountID)
	}
	if resp.StatusCode != 200 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("bad status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		AccessToken string `json:"access_token"`
		ExpiresAt   int64  `json:"expires_at"` // unix timestamp
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if result.AccessToken == "" {
		return nil, fmt.Errorf("token service returned empty access token")
	}

	return &Token{
		AccessToken: result.AccessToken,
		Expiry:      time.Unix(result.ExpiresAt, 0),
	}, nil
}
