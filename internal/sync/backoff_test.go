package sync

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: 2 * time.Second, MaxRetries: 3}
	cases := []struct {
		retry int
		want  time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
	}
	for _, tc := range cases {
		if got := b.Delay(tc.retry); got != tc.want {
			t.Errorf("Delay(%d) = %v, want %v", tc.retry, got, tc.want)
		}
	}
}

func TestRetryOnlyRateLimits(t *testing.T) {
	b := Backoff{Base: time.Millisecond, MaxRetries: 3}
	ctx := context.Background()

	t.Run("rate limit retried to exhaustion", func(t *testing.T) {
		calls := 0
		err := b.Retry(ctx, func() error {
			calls++
			return NewProviderError(KindRateLimit, "watch", errors.New("429"))
		})
		if !IsRateLimited(err) {
			t.Errorf("err = %v, want rate limit", err)
		}
		// Initial call plus three retries.
		if calls != 4 {
			t.Errorf("calls = %d, want 4", calls)
		}
	})

	t.Run("other errors returned immediately", func(t *testing.T) {
		calls := 0
		err := b.Retry(ctx, func() error {
			calls++
			return NewProviderError(KindAuth, "watch", errors.New("401"))
		})
		if !IsAuthFailure(err) {
			t.Errorf("err = %v, want auth", err)
		}
		if calls != 1 {
			t.Errorf("calls = %d, want 1", calls)
		}
	})

	t.Run("success after throttle", func(t *testing.T) {
		calls := 0
		err := b.Retry(ctx, func() error {
			calls++
			if calls < 2 {
				return NewProviderError(KindRateLimit, "watch", errors.New("429"))
			}
			return nil
		})
		if err != nil || calls != 2 {
			t.Errorf("err = %v calls = %d", err, calls)
		}
	})

	t.Run("success on the last retry", func(t *testing.T) {
		calls := 0
		err := b.Retry(ctx, func() error {
			calls++
			if calls <= 3 {
				return NewProviderError(KindRateLimit, "watch", errors.New("429"))
			}
			return nil
		})
		if err != nil || calls != 4 {
			t.Errorf("err = %v calls = %d", err, calls)
		}
	})
}

func TestRetryHonorsContext(t *testing.T) {
	b := Backoff{Base: time.Minute, MaxRetries: 3}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Retry(ctx, func() error {
		return NewProviderError(KindRateLimit, "watch", errors.New("429"))
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestKindOf(t *testing.T) {
	if got := KindOf(errors.New("plain")); got != KindTransient {
		t.Errorf("KindOf(plain) = %q, want transient", got)
	}
	wrapped := NewProviderError(KindNotFound, "fetch", errors.New("404"))
	if !IsNotFound(wrapped) {
		t.Error("IsNotFound = false for wrapped 404")
	}
}
