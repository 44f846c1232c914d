// Package sync drives incremental mailbox synchronization across
// providers: push subscription lifecycle, change-feed ingestion, duplicate
// guarding, thread resolution and the periodic scan passes.
package sync

import (
	"context"
	"time"

	"github.com/Martian-dev/mailsync/internal/store"
)

// SubscriptionInfo is the provider-side push registration state returned
// by Subscribe and Renew.
type SubscriptionInfo struct {
	ID string
	// Expiry is when the provider stops delivering notifications.
	Expiry time.Time
	// ClientState is echoed back by the provider on each notification.
	// Empty for providers that correlate by mailbox instead.
	ClientState string
}

// ChangeSet is one page-walk worth of mailbox changes since a cursor.
type ChangeSet struct {
	// AddedIDs are provider message ids seen as new, deduplicated within
	// the set.
	AddedIDs []string
	// FlaggedIDs are ids whose provider-side flags changed.
	FlaggedIDs []string
	// DeletedIDs are ids removed from the mailbox.
	DeletedIDs []string
	// NextCursor is the cursor to persist after the set is fully applied.
	NextCursor string
}

// ListOptions bounds a recency-window listing.
type ListOptions struct {
	Since time.Time
	// Max caps the number of ids returned. Zero means provider default.
	Max int
	// All removes the recency bound: the adapter pages through the whole
	// mailbox up to its page-count ceiling. Since and Max are ignored.
	All bool
}

// ChangeFeedClient is the per-provider adapter contract. One client serves
// all accounts of its provider; every call names the account it acts for.
type ChangeFeedClient interface {
	Provider() store.Provider

	// Subscribe registers a push notification channel for the mailbox.
	// clientState is the correlation value the provider must echo back;
	// adapters that cannot carry one ignore it.
	Subscribe(ctx context.Context, account *store.Account, clientState string) (*SubscriptionInfo, error)
	// Renew extends an existing registration. Adapters whose provider has
	// no renew-in-place return ErrRenewUnsupported; callers then resubscribe.
	Renew(ctx context.Context, account *store.Account) (*SubscriptionInfo, error)
	// Unsubscribe tears down the registration. Unsubscribing an already
	// absent registration is not an error.
	Unsubscribe(ctx context.Context, account *store.Account) error

	// Changes walks the provider change feed from the account's cursor.
	// ErrCursorExpired means the cursor is no longer replayable and the
	// caller must fall back to a recency-window listing. Providers with no
	// server-side feed return ErrFeedUnsupported.
	Changes(ctx context.Context, account *store.Account) (*ChangeSet, error)
	// ListRecent returns message ids received inside the window, newest
	// first.
	ListRecent(ctx context.Context, account *store.Account, opts ListOptions) ([]string, error)

	// Fetch retrieves and normalizes one full message.
	Fetch(ctx context.Context, account *store.Account, messageID string) (*store.Message, error)
	// FetchFlags retrieves only the mutable flags of a message.
	FetchFlags(ctx context.Context, account *store.Account, messageID string) (*store.MessageFlags, error)

	// LatestCursor returns the current head cursor of the mailbox, used to
	// initialize or reset sync state.
	LatestCursor(ctx context.Context, account *store.Account) (string, error)
}
