package sync

import (
	"context"
	"time"
)

// Backoff is the retry policy for rate-limited provider calls: one initial
// try plus up to MaxRetries retries, with the delay doubling from Base.
type Backoff struct {
	Base       time.Duration
	MaxRetries int
}

// DefaultBackoff matches provider throttling guidance: 2s, 4s, 8s, then
// give up.
var DefaultBackoff = Backoff{Base: 2 * time.Second, MaxRetries: 3}

// Delay returns the wait before the given retry (1-based).
func (b Backoff) Delay(retry int) time.Duration {
	d := b.Base
	for i := 1; i < retry; i++ {
		d *= 2
	}
	return d
}

// Retry runs fn, then retries rate-limit failures up to MaxRetries more
// times, sleeping between tries. Any other error returns immediately.
func (b Backoff) Retry(ctx context.Context, fn func() error) error {
	err := fn()
	for retry := 1; retry <= b.MaxRetries && IsRateLimited(err); retry++ {
		select {
		case <-time.After(b.Delay(retry)):
		case <-ctx.Done():
			return ctx.Err()
		}
		err = fn()
	}
	return err
}
