package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Martian-dev/mailsync/internal/store"
)

// renewBuffer is how far before expiry a registration is renewed. Gmail
// watches live 7 days, Graph subscriptions 3 days; the buffers absorb a
// missed renewal pass.
var renewBuffer = map[store.Provider]time.Duration{
	store.ProviderGmail:   24 * time.Hour,
	store.ProviderOutlook: 12 * time.Hour,
}

// SubscriptionManager owns the push registration lifecycle: create, renew
// before expiry, tear down, and fall back to polling when push is
// unavailable. Accounts are never left without a sync path.
type SubscriptionManager struct {
	store  store.MailStore
	feeds  map[store.Provider]ChangeFeedClient
	logger *zap.Logger

	// pushEnabled marks providers with a reachable webhook endpoint.
	// Disabled providers poll.
	pushEnabled map[store.Provider]bool

	backoff    Backoff
	retryDelay time.Duration
}

func NewSubscriptionManager(s store.MailStore, feeds map[store.Provider]ChangeFeedClient, pushEnabled map[store.Provider]bool, retryDelay time.Duration, logger *zap.Logger) *SubscriptionManager {
	return &SubscriptionManager{
		store:       s,
		feeds:       feeds,
		logger:      logger,
		pushEnabled: pushEnabled,
		backoff:     DefaultBackoff,
		retryDelay:  retryDelay,
	}
}

// Ensure brings the account to its best available sync mode: push when the
// provider webhook is configured, polling otherwise. Registration failures
// downgrade to polling and schedule a retry rather than erroring the
// account out.
func (m *SubscriptionManager) Ensure(ctx context.Context, account *store.Account) error {
	feed, ok := m.feeds[account.Provider]
	if !ok {
		return fmt.Errorf("no feed client for provider %s", account.Provider)
	}

	if !m.pushEnabled[account.Provider] {
		return m.fallbackToPolling(ctx, account, "")
	}

	clientState := account.ClientState
	if clientState == "" {
		clientState = uuid.NewString()
	}

	// A stale registration left behind would keep delivering alongside the
	// replacement until its expiry; remove it first.
	if account.SubscriptionID != "" {
		if err := feed.Unsubscribe(ctx, account); err != nil && !IsNotFound(err) {
			m.logger.Warn("stale registration cleanup failed",
				zap.String("account_id", account.ID),
				zap.Error(err))
		}
		account.SubscriptionID = ""
	}

	var info *SubscriptionInfo
	err := m.backoff.Retry(ctx, func() error {
		var serr error
		info, serr = feed.Subscribe(ctx, account, clientState)
		return serr
	})
	if err != nil {
		m.logger.Warn("push registration failed, falling back to polling",
			zap.String("account_id", account.ID),
			zap.String("provider", string(account.Provider)),
			zap.Error(err))
		return m.fallbackToPolling(ctx, account, err.Error())
	}

	status := pushStatus(account.Provider)
	patch := store.AccountPatch{
		SyncStatus:         &status,
		SubscriptionID:     &info.ID,
		SubscriptionExpiry: &info.Expiry,
		ClearRetry:         true,
	}
	if info.ClientState != "" {
		patch.ClientState = &info.ClientState
	} else {
		patch.ClientState = &clientState
	}
	if err := m.store.UpdateAccountSyncState(ctx, account.ID, patch); err != nil {
		return fmt.Errorf("persist subscription: %w", err)
	}

	m.logger.Info("push registration active",
		zap.String("account_id", account.ID),
		zap.String("provider", string(account.Provider)),
		zap.String("subscription_id", info.ID),
		zap.Time("expiry", info.Expiry))
	return nil
}

// NeedsRenewal reports whether the account's registration expires inside
// the provider's renewal buffer. Accounts without push never need renewal.
func (m *SubscriptionManager) NeedsRenewal(account *store.Account, now time.Time) bool {
	if !account.PushActive() {
		return false
	}
	return now.Add(renewBuffer[account.Provider]).After(account.SubscriptionExpiry)
}

// Renew extends the registration. Providers without renew-in-place get a
// fresh registration instead; either way the stored expiry moves forward.
func (m *SubscriptionManager) Renew(ctx context.Context, account *store.Account) error {
	feed, ok := m.feeds[account.Provider]
	if !ok {
		return fmt.Errorf("no feed client for provider %s", account.Provider)
	}

	var info *SubscriptionInfo
	err := m.backoff.Retry(ctx, func() error {
		var rerr error
		info, rerr = feed.Renew(ctx, account)
		return rerr
	})
	if errors.Is(err, ErrRenewUnsupported) {
		return m.Ensure(ctx, account)
	}
	if IsNotFound(err) {
		// Registration vanished server-side; start over.
		m.logger.Info("registration gone at provider, resubscribing",
			zap.String("account_id", account.ID))
		return m.Ensure(ctx, account)
	}
	if err != nil {
		m.logger.Warn("renewal failed, falling back to polling",
			zap.String("account_id", account.ID),
			zap.Error(err))
		return m.fallbackToPolling(ctx, account, err.Error())
	}

	patch := store.AccountPatch{
		SubscriptionID:     &info.ID,
		SubscriptionExpiry: &info.Expiry,
		ClearRetry:         true,
	}
	if err := m.store.UpdateAccountSyncState(ctx, account.ID, patch); err != nil {
		return fmt.Errorf("persist renewal: %w", err)
	}

	m.logger.Info("push registration renewed",
		zap.String("account_id", account.ID),
		zap.String("subscription_id", info.ID),
		zap.Time("expiry", info.Expiry))
	return nil
}

// Teardown removes the registration and leaves the account in polling
// mode. Safe to call when no registration exists; provider-side not-found
// is swallowed.
func (m *SubscriptionManager) Teardown(ctx context.Context, account *store.Account) error {
	feed, ok := m.feeds[account.Provider]
	if !ok {
		return fmt.Errorf("no feed client for provider %s", account.Provider)
	}

	if account.SubscriptionID != "" {
		if err := feed.Unsubscribe(ctx, account); err != nil && !IsNotFound(err) {
			m.logger.Warn("unsubscribe failed, clearing local state anyway",
				zap.String("account_id", account.ID),
				zap.Error(err))
		}
	}

	status := store.StatusPolling
	return m.store.UpdateAccountSyncState(ctx, account.ID, store.AccountPatch{
		SyncStatus:        &status,
		ClearSubscription: true,
	})
}

// fallbackToPolling records polling mode and, when the downgrade was
// failure-driven, schedules a push retry. Any registration still held is
// released best-effort so it does not linger server-side until expiry.
func (m *SubscriptionManager) fallbackToPolling(ctx context.Context, account *store.Account, reason string) error {
	if account.SubscriptionID != "" {
		if feed, ok := m.feeds[account.Provider]; ok {
			if err := feed.Unsubscribe(ctx, account); err != nil && !IsNotFound(err) {
				m.logger.Warn("registration release failed",
					zap.String("account_id", account.ID),
					zap.Error(err))
			}
		}
		account.SubscriptionID = ""
	}

	status := store.StatusPolling
	patch := store.AccountPatch{
		SyncStatus:        &status,
		ClearSubscription: true,
	}
	if reason != "" {
		retryAt := time.Now().Add(m.retryDelay)
		patch.RetryAt = &retryAt
		patch.RetryReason = &reason
	}
	if err := m.store.UpdateAccountSyncState(ctx, account.ID, patch); err != nil {
		return fmt.Errorf("persist polling fallback: %w", err)
	}
	return nil
}

func pushStatus(p store.Provider) store.SyncStatus {
	if p == store.ProviderGmail {
		return store.StatusWatching
	}
	return store.StatusWebhook
}
