package sync

import (
	"errors"
	"fmt"
)

// Sentinel errors adapters return to steer the engine.
var (
	// ErrCursorExpired means the stored cursor is too old to replay and
	// the account needs a recency-window fallback plus a cursor reset.
	ErrCursorExpired = errors.New("change cursor expired")
	// ErrFeedUnsupported means the provider has no server-side change feed
	// and the account always syncs by recency window.
	ErrFeedUnsupported = errors.New("change feed not supported")
	// ErrRenewUnsupported means the provider cannot extend a registration
	// in place; callers resubscribe instead.
	ErrRenewUnsupported = errors.New("subscription renew not supported")
)

// ErrorKind classifies provider failures for retry decisions.
type ErrorKind string

const (
	KindAuth      ErrorKind = "auth"       // token rejected, consent revoked
	KindRateLimit ErrorKind = "rate_limit" // throttled, retry after backoff
	KindNotFound  ErrorKind = "not_found"  // resource gone
	KindConflict  ErrorKind = "conflict"   // duplicate registration
	KindTransient ErrorKind = "transient"  // network or 5xx, retryable
)

// ProviderError wraps a provider API failure with its retry class.
type ProviderError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// NewProviderError wraps err with a kind and the failing operation name.
func NewProviderError(kind ErrorKind, op string, err error) *ProviderError {
	return &ProviderError{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the error kind, defaulting to transient for anything
// unclassified.
func KindOf(err error) ErrorKind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindTransient
}

// IsRateLimited reports whether err is a throttling failure.
func IsRateLimited(err error) bool {
	return KindOf(err) == KindRateLimit
}

// IsAuthFailure reports whether err means the account's credentials no
// longer work.
func IsAuthFailure(err error) bool {
	return KindOf(err) == KindAuth
}

// IsNotFound reports whether err means the resource is gone.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}
