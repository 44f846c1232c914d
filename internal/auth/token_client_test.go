package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestAccessTokenCaches(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Path != "/api/accounts/acc-1/token" {
			t.Errorf("path = %q", r.URL.Path)
		}
		fmt.Fprintf(w, `{"access_token":"tok-%d","expires_at":%d}`, calls, time.Now().Add(time.Hour).Unix())
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	ctx := context.Background()

	tok, err := c.AccessToken(ctx, "acc-1")
	if err != nil {
		t.Fatalf("AccessToken: %v", err)
	}
	if tok.AccessToken != "tok-1" {
		t.Errorf("token = %q", tok.AccessToken)
	}

	tok, err = c.AccessToken(ctx, "acc-1")
	if err != nil {
		t.Fatalf("second AccessToken: %v", err)
	}
	if tok.AccessToken != "tok-1" || calls != 1 {
		t.Errorf("cache miss: token=%q calls=%d", tok.AccessToken, calls)
	}

	c.Invalidate("acc-1")
	tok, err = c.AccessToken(ctx, "acc-1")
	if err != nil {
		t.Fatalf("AccessToken after invalidate: %v", err)
	}
	if tok.AccessToken != "tok-2" || calls != 2 {
		t.Errorf("invalidate did not refetch: token=%q calls=%d", tok.AccessToken, calls)
	}
}

func TestAccessTokenRefetchesNearExpiry(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		// Expires inside the safety buffer, so every call refetches.
		fmt.Fprintf(w, `{"access_token":"tok-%d","expires_at":%d}`, calls, time.Now().Add(time.Minute).Unix())
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		tok, err := c.AccessToken(ctx, "acc-1")
		if err != nil {
			t.Fatalf("AccessToken: %v", err)
		}
		if want := fmt.Sprintf("tok-%d", i); tok.AccessToken != want {
			t.Errorf("token = %q, want %q", tok.AccessToken, want)
		}
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestAccessTokenErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	if _, err := c.AccessToken(context.Background(), "acc-1"); err == nil {
		t.Fatal("expected error for missing credentials")
	}
}
