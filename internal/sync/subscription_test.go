package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/Martian-dev/mailsync/internal/store"
)

func newTestManager(fs *fakeStore, feed *fakeFeed, pushEnabled bool) *SubscriptionManager {
	m := NewSubscriptionManager(fs,
		map[store.Provider]ChangeFeedClient{feed.provider: feed},
		map[store.Provider]bool{feed.provider: pushEnabled},
		2*time.Hour, zap.NewNop())
	m.backoff = Backoff{Base: time.Millisecond, MaxRetries: 3}
	return m
}

func gmailAccount(id string) *store.Account {
	return &store.Account{
		ID:         id,
		Provider:   store.ProviderGmail,
		Mailbox:    id + "@gmail.com",
		Active:     true,
		SyncStatus: store.StatusUninitialized,
	}
}

func TestEnsureRegistersPush(t *testing.T) {
	fs := newFakeStore()
	feed := newFakeFeed(store.ProviderGmail)
	expiry := time.Now().Add(7 * 24 * time.Hour)
	feed.subscribeInfo = &SubscriptionInfo{ID: "sub-1", Expiry: expiry}

	acc := gmailAccount("acc-1")
	fs.addAccount(acc)
	m := newTestManager(fs, feed, true)

	if err := m.Ensure(context.Background(), acc); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	got := fs.account("acc-1")
	if got.SyncStatus != store.StatusWatching {
		t.Errorf("status = %q, want watching", got.SyncStatus)
	}
	if got.SubscriptionID != "sub-1" || !got.SubscriptionExpiry.Equal(expiry) {
		t.Errorf("subscription = %q expiry %v", got.SubscriptionID, got.SubscriptionExpiry)
	}
	if got.ClientState == "" {
		t.Error("no client state recorded")
	}
	if got.RetryScheduled {
		t.Error("retry scheduled on success")
	}
}

func TestEnsureWithoutWebhookPolls(t *testing.T) {
	fs := newFakeStore()
	feed := newFakeFeed(store.ProviderGmail)
	acc := gmailAccount("acc-1")
	fs.addAccount(acc)
	m := newTestManager(fs, feed, false)

	if err := m.Ensure(context.Background(), acc); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	got := fs.account("acc-1")
	if got.SyncStatus != store.StatusPolling {
		t.Errorf("status = %q, want polling", got.SyncStatus)
	}
	if got.RetryScheduled {
		t.Error("configured-off push must not schedule a retry")
	}
	if feed.subscribeN != 0 {
		t.Errorf("subscribe called %d times with push disabled", feed.subscribeN)
	}
}

func TestEnsureFailureFallsBackAndSchedulesRetry(t *testing.T) {
	fs := newFakeStore()
	feed := newFakeFeed(store.ProviderGmail)
	feed.subscribeErr = NewProviderError(KindTransient, "watch", errors.New("503"))
	acc := gmailAccount("acc-1")
	fs.addAccount(acc)
	m := newTestManager(fs, feed, true)

	if err := m.Ensure(context.Background(), acc); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	got := fs.account("acc-1")
	if got.SyncStatus != store.StatusPolling {
		t.Errorf("status = %q, want polling", got.SyncStatus)
	}
	if !got.RetryScheduled || got.RetryReason == "" {
		t.Errorf("retry not scheduled: %+v", got)
	}
	if got.RetryAt.Before(time.Now().Add(time.Hour)) {
		t.Errorf("RetryAt = %v, want ~2h out", got.RetryAt)
	}
}

func TestEnsureRetriesRateLimit(t *testing.T) {
	fs := newFakeStore()
	feed := newFakeFeed(store.ProviderGmail)
	feed.subscribeErr = NewProviderError(KindRateLimit, "watch", errors.New("429"))
	acc := gmailAccount("acc-1")
	fs.addAccount(acc)
	m := newTestManager(fs, feed, true)

	if err := m.Ensure(context.Background(), acc); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	// Initial call plus three retries.
	if feed.subscribeN != 4 {
		t.Errorf("subscribe attempts = %d, want 4", feed.subscribeN)
	}
	if fs.account("acc-1").SyncStatus != store.StatusPolling {
		t.Error("exhausted throttling must fall back to polling")
	}
}

func TestEnsureSucceedsAfterThrottling(t *testing.T) {
	fs := newFakeStore()
	feed := newFakeFeed(store.ProviderGmail)
	feed.subscribeErr = NewProviderError(KindRateLimit, "watch", errors.New("429"))
	feed.subscribeFailN = 3
	expiry := time.Now().Add(7 * 24 * time.Hour)
	feed.subscribeInfo = &SubscriptionInfo{ID: "sub-1", Expiry: expiry}

	acc := gmailAccount("acc-1")
	fs.addAccount(acc)
	m := newTestManager(fs, feed, true)

	if err := m.Ensure(context.Background(), acc); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if feed.subscribeN != 4 {
		t.Errorf("subscribe attempts = %d, want 4", feed.subscribeN)
	}
	got := fs.account("acc-1")
	if got.SyncStatus != store.StatusWatching || got.SubscriptionID != "sub-1" {
		t.Errorf("after throttled setup: status=%q sub=%q", got.SyncStatus, got.SubscriptionID)
	}
	if got.RetryScheduled {
		t.Error("retry scheduled despite eventual success")
	}
}

func TestEnsureRemovesStaleRegistration(t *testing.T) {
	fs := newFakeStore()
	feed := newFakeFeed(store.ProviderGmail)
	feed.subscribeInfo = &SubscriptionInfo{ID: "sub-new", Expiry: time.Now().Add(7 * 24 * time.Hour)}

	acc := gmailAccount("acc-1")
	acc.SyncStatus = store.StatusWatching
	acc.SubscriptionID = "sub-old"
	fs.addAccount(acc)
	m := newTestManager(fs, feed, true)

	if err := m.Ensure(context.Background(), acc); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if feed.unsubscribeN != 1 {
		t.Errorf("unsubscribe calls = %d, want stale registration removed", feed.unsubscribeN)
	}
	if got := fs.account("acc-1"); got.SubscriptionID != "sub-new" {
		t.Errorf("subscription = %q, want sub-new", got.SubscriptionID)
	}
}

func TestRenewFailureReleasesRegistration(t *testing.T) {
	fs := newFakeStore()
	feed := newFakeFeed(store.ProviderOutlook)
	feed.renewErr = NewProviderError(KindTransient, "renew", errors.New("503"))

	acc := &store.Account{
		ID: "acc-1", Provider: store.ProviderOutlook, Active: true,
		SyncStatus: store.StatusWebhook, SubscriptionID: "sub-1",
		SubscriptionExpiry: time.Now().Add(6 * time.Hour),
	}
	fs.addAccount(acc)
	m := newTestManager(fs, feed, true)

	if err := m.Renew(context.Background(), acc); err != nil {
		t.Fatalf("Renew: %v", err)
	}
	// The still-live registration is released, not orphaned server-side.
	if feed.unsubscribeN != 1 {
		t.Errorf("unsubscribe calls = %d, want 1", feed.unsubscribeN)
	}
	got := fs.account("acc-1")
	if got.SyncStatus != store.StatusPolling || got.SubscriptionID != "" {
		t.Errorf("after failed renewal: %+v", got)
	}
}

func TestNeedsRenewal(t *testing.T) {
	m := newTestManager(newFakeStore(), newFakeFeed(store.ProviderGmail), true)
	now := time.Now()

	acc := gmailAccount("acc-1")
	acc.SyncStatus = store.StatusWatching
	acc.SubscriptionID = "sub-1"

	acc.SubscriptionExpiry = now.Add(48 * time.Hour)
	if m.NeedsRenewal(acc, now) {
		t.Error("48h out inside 24h buffer")
	}
	acc.SubscriptionExpiry = now.Add(12 * time.Hour)
	if !m.NeedsRenewal(acc, now) {
		t.Error("12h out not flagged with 24h buffer")
	}

	polling := gmailAccount("acc-2")
	polling.SyncStatus = store.StatusPolling
	if m.NeedsRenewal(polling, now) {
		t.Error("polling account flagged for renewal")
	}

	outlook := &store.Account{
		ID: "acc-3", Provider: store.ProviderOutlook,
		SyncStatus: store.StatusWebhook, SubscriptionID: "sub-3",
		SubscriptionExpiry: now.Add(18 * time.Hour),
	}
	if m.NeedsRenewal(outlook, now) {
		t.Error("18h out inside 12h Outlook buffer")
	}
	outlook.SubscriptionExpiry = now.Add(6 * time.Hour)
	if !m.NeedsRenewal(outlook, now) {
		t.Error("6h out not flagged with 12h Outlook buffer")
	}
}

func TestRenewInPlace(t *testing.T) {
	fs := newFakeStore()
	feed := newFakeFeed(store.ProviderOutlook)
	newExpiry := time.Now().Add(3 * 24 * time.Hour)
	feed.renewInfo = &SubscriptionInfo{ID: "sub-1", Expiry: newExpiry}

	acc := &store.Account{
		ID: "acc-1", Provider: store.ProviderOutlook, Active: true,
		SyncStatus: store.StatusWebhook, SubscriptionID: "sub-1",
		SubscriptionExpiry: time.Now().Add(6 * time.Hour),
	}
	fs.addAccount(acc)
	m := newTestManager(fs, feed, true)

	if err := m.Renew(context.Background(), acc); err != nil {
		t.Fatalf("Renew: %v", err)
	}
	got := fs.account("acc-1")
	if !got.SubscriptionExpiry.Equal(newExpiry) {
		t.Errorf("expiry = %v, want %v", got.SubscriptionExpiry, newExpiry)
	}
	if feed.subscribeN != 0 {
		t.Error("renew-in-place must not resubscribe")
	}
}

func TestRenewUnsupportedResubscribes(t *testing.T) {
	fs := newFakeStore()
	feed := newFakeFeed(store.ProviderGmail)
	feed.renewErr = ErrRenewUnsupported
	expiry := time.Now().Add(7 * 24 * time.Hour)
	feed.subscribeInfo = &SubscriptionInfo{ID: "sub-2", Expiry: expiry}

	acc := gmailAccount("acc-1")
	acc.SyncStatus = store.StatusWatching
	acc.SubscriptionID = "sub-1"
	acc.ClientState = "cs-1"
	fs.addAccount(acc)
	m := newTestManager(fs, feed, true)

	if err := m.Renew(context.Background(), acc); err != nil {
		t.Fatalf("Renew: %v", err)
	}
	got := fs.account("acc-1")
	if got.SubscriptionID != "sub-2" {
		t.Errorf("subscription = %q, want sub-2", got.SubscriptionID)
	}
	if feed.subscribeN != 1 {
		t.Errorf("subscribe calls = %d, want 1", feed.subscribeN)
	}
	if got.ClientState != "cs-1" {
		t.Errorf("client state changed on resubscribe: %q", got.ClientState)
	}
}

func TestRenewGoneResubscribes(t *testing.T) {
	fs := newFakeStore()
	feed := newFakeFeed(store.ProviderOutlook)
	feed.renewErr = NewProviderError(KindNotFound, "renew", errors.New("404"))
	feed.subscribeInfo = &SubscriptionInfo{ID: "sub-new", Expiry: time.Now().Add(72 * time.Hour), ClientState: "cs-new"}

	acc := &store.Account{
		ID: "acc-1", Provider: store.ProviderOutlook, Active: true,
		SyncStatus: store.StatusWebhook, SubscriptionID: "sub-old",
	}
	fs.addAccount(acc)
	m := newTestManager(fs, feed, true)

	if err := m.Renew(context.Background(), acc); err != nil {
		t.Fatalf("Renew: %v", err)
	}
	if fs.account("acc-1").SubscriptionID != "sub-new" {
		t.Errorf("subscription = %q, want sub-new", fs.account("acc-1").SubscriptionID)
	}
}

func TestTeardownIdempotent(t *testing.T) {
	fs := newFakeStore()
	feed := newFakeFeed(store.ProviderGmail)
	acc := gmailAccount("acc-1")
	acc.SyncStatus = store.StatusWatching
	acc.SubscriptionID = "sub-1"
	fs.addAccount(acc)
	m := newTestManager(fs, feed, true)
	ctx := context.Background()

	if err := m.Teardown(ctx, acc); err != nil {
		t.Fatalf("Teardown: %v", err)
	}
	got := fs.account("acc-1")
	if got.SyncStatus != store.StatusPolling || got.SubscriptionID != "" {
		t.Errorf("after teardown: %+v", got)
	}

	// Second teardown with nothing registered is a no-op.
	if err := m.Teardown(ctx, got); err != nil {
		t.Fatalf("second Teardown: %v", err)
	}
	if feed.unsubscribeN != 1 {
		t.Errorf("unsubscribe calls = %d, want 1", feed.unsubscribeN)
	}

	// Provider-side not-found is swallowed.
	acc2 := gmailAccount("acc-2")
	acc2.SubscriptionID = "sub-gone"
	fs.addAccount(acc2)
	feed.unsubscribeErr = NewProviderError(KindNotFound, "stop", errors.New("404"))
	if err := m.Teardown(ctx, acc2); err != nil {
		t.Fatalf("Teardown gone: %v", err)
	}
}
