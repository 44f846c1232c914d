package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Martian-dev/mailsync/internal/store"
)

// fakeStore is an in-memory MailStore for tests.
type fakeStore struct {
	mu       sync.Mutex
	accounts map[string]*store.Account
	messages map[string]*store.Message // account_id|message_id
	threads  map[string]*store.Thread  // account_id|thread_id

	findMessageErr error
	insertErr      error
	updateErr      error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		accounts: make(map[string]*store.Account),
		messages: make(map[string]*store.Message),
		threads:  make(map[string]*store.Thread),
	}
}

func msgKey(accountID, messageID string) string { return accountID + "|" + messageID }

func (f *fakeStore) addAccount(a *store.Account) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *a
	f.accounts[a.ID] = &cp
}

func (f *fakeStore) account(id string) *store.Account {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.accounts[id]; ok {
		cp := *a
		return &cp
	}
	return nil
}

func (f *fakeStore) ListAccounts(ctx context.Context) ([]*store.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.Account
	for _, a := range f.accounts {
		if a.Active {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) AccountByID(ctx context.Context, id string) (*store.Account, error) {
	return f.account(id), nil
}

func (f *fakeStore) AccountByMailbox(ctx context.Context, provider store.Provider, mailbox string) (*store.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.accounts {
		if a.Provider == provider && a.Mailbox == mailbox {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) AccountByClientState(ctx context.Context, clientState string) (*store.Account, error) {
	if clientState == "" {
		return nil, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.accounts {
		if a.ClientState == clientState {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) UpdateAccountSyncState(ctx context.Context, id string, patch store.AccountPatch) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return fmt.Errorf("account %s not found", id)
	}
	if patch.SyncStatus != nil {
		a.SyncStatus = *patch.SyncStatus
	}
	if patch.Cursor != nil && cursorAdvancesFake(a.Cursor, *patch.Cursor) {
		a.Cursor = *patch.Cursor
	}
	if patch.SubscriptionID != nil {
		a.SubscriptionID = *patch.SubscriptionID
	}
	if patch.SubscriptionExpiry != nil {
		a.SubscriptionExpiry = *patch.SubscriptionExpiry
	}
	if patch.ClientState != nil {
		a.ClientState = *patch.ClientState
	}
	if patch.ClearSubscription {
		a.SubscriptionID = ""
		a.SubscriptionExpiry = time.Time{}
	}
	if patch.RetryAt != nil {
		a.RetryScheduled = true
		a.RetryAt = *patch.RetryAt
	}
	if patch.RetryReason != nil {
		a.RetryReason = *patch.RetryReason
	}
	if patch.ClearRetry {
		a.RetryScheduled = false
		a.RetryAt = time.Time{}
		a.RetryReason = ""
	}
	if patch.LastSyncAt != nil {
		a.LastSyncAt = *patch.LastSyncAt
	}
	if patch.LastError != nil {
		a.LastError = *patch.LastError
	}
	return nil
}

// cursorAdvancesFake mirrors the store-level monotonic guard for numeric
// cursors.
func cursorAdvancesFake(current, next string) bool {
	if next == "" || next == current {
		return false
	}
	var cur, nxt uint64
	_, errCur := fmt.Sscanf(current, "%d", &cur)
	_, errNxt := fmt.Sscanf(next, "%d", &nxt)
	if errCur == nil && errNxt == nil {
		return nxt > cur
	}
	return true
}

func (f *fakeStore) FindMessage(ctx context.Context, accountID, messageID string) (*store.Message, error) {
	if f.findMessageErr != nil {
		return nil, f.findMessageErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.messages[msgKey(accountID, messageID)]; ok {
		cp := *m
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeStore) FindNearDuplicate(ctx context.Context, accountID, subject, sender string, ts time.Time, window time.Duration) (*store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.messages {
		if m.AccountID != accountID || m.NormalizedSubject != subject || m.From != sender {
			continue
		}
		d := m.ReceivedAt.Sub(ts)
		if d < 0 {
			d = -d
		}
		if d <= window {
			cp := *m
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) InsertMessage(ctx context.Context, msg *store.Message) (bool, error) {
	if f.insertErr != nil {
		return false, f.insertErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := msgKey(msg.AccountID, msg.MessageID)
	if _, ok := f.messages[key]; ok {
		return false, nil
	}
	cp := *msg
	f.messages[key] = &cp

	tk := msg.AccountID + "|" + msg.ThreadID
	th, ok := f.threads[tk]
	if !ok {
		th = &store.Thread{
			AccountID: msg.AccountID,
			ThreadID:  msg.ThreadID,
			Subject:   msg.Subject,
			Status:    store.ThreadActive,
		}
		f.threads[tk] = th
	}
	th.MessageCount++
	if !msg.IsRead {
		th.UnreadCount++
	}
	return true, nil
}

func (f *fakeStore) UpdateMessageFlags(ctx context.Context, accountID, messageID string, flags store.MessageFlags) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.messages[msgKey(accountID, messageID)]; ok {
		m.IsRead = flags.IsRead
		m.IsStarred = flags.IsStarred
		m.IsArchived = flags.IsArchived
	}
	return nil
}

func (f *fakeStore) DeleteMessage(ctx context.Context, accountID, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := msgKey(accountID, messageID)
	m, ok := f.messages[key]
	if !ok {
		return nil
	}
	delete(f.messages, key)
	if th, ok := f.threads[accountID+"|"+m.ThreadID]; ok && th.MessageCount > 0 {
		th.MessageCount--
	}
	return nil
}

func (f *fakeStore) FindThread(ctx context.Context, accountID, threadID string) (*store.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if th, ok := f.threads[accountID+"|"+threadID]; ok {
		cp := *th
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeStore) ReconcileThreads(ctx context.Context, accountID string) (int, error) {
	return 0, nil
}

func (f *fakeStore) Ping(ctx context.Context) error { return nil }

// fakeFeed is a scriptable ChangeFeedClient.
type fakeFeed struct {
	provider store.Provider

	subscribeInfo *SubscriptionInfo
	subscribeErr  error
	// subscribeFailN fails only the first N calls with subscribeErr; zero
	// means every call fails while subscribeErr is set.
	subscribeFailN int
	subscribeN     int

	renewInfo *SubscriptionInfo
	renewErr  error
	renewN    int

	unsubscribeErr error
	unsubscribeN   int

	changes    *ChangeSet
	changesErr error

	recent    []string
	recentErr error
	recentN   int
	lastList  ListOptions

	fetched  map[string]*store.Message
	fetchErr error
	flags    map[string]*store.MessageFlags

	latestCursor string
	latestErr    error
}

func newFakeFeed(p store.Provider) *fakeFeed {
	return &fakeFeed{
		provider: p,
		fetched:  make(map[string]*store.Message),
		flags:    make(map[string]*store.MessageFlags),
	}
}

func (f *fakeFeed) Provider() store.Provider { return f.provider }

func (f *fakeFeed) Subscribe(ctx context.Context, account *store.Account, clientState string) (*SubscriptionInfo, error) {
	f.subscribeN++
	if f.subscribeErr != nil && (f.subscribeFailN == 0 || f.subscribeN <= f.subscribeFailN) {
		return nil, f.subscribeErr
	}
	return f.subscribeInfo, nil
}

func (f *fakeFeed) Renew(ctx context.Context, account *store.Account) (*SubscriptionInfo, error) {
	f.renewN++
	if f.renewErr != nil {
		return nil, f.renewErr
	}
	return f.renewInfo, nil
}

func (f *fakeFeed) Unsubscribe(ctx context.Context, account *store.Account) error {
	f.unsubscribeN++
	return f.unsubscribeErr
}

func (f *fakeFeed) Changes(ctx context.Context, account *store.Account) (*ChangeSet, error) {
	if f.changesErr != nil {
		return nil, f.changesErr
	}
	return f.changes, nil
}

func (f *fakeFeed) ListRecent(ctx context.Context, account *store.Account, opts ListOptions) ([]string, error) {
	f.recentN++
	f.lastList = opts
	if f.recentErr != nil {
		return nil, f.recentErr
	}
	out := f.recent
	if !opts.All && opts.Max > 0 && len(out) > opts.Max {
		out = out[:opts.Max]
	}
	return out, nil
}

func (f *fakeFeed) Fetch(ctx context.Context, account *store.Account, messageID string) (*store.Message, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	m, ok := f.fetched[messageID]
	if !ok {
		return nil, NewProviderError(KindNotFound, "fetch", fmt.Errorf("message %s not found", messageID))
	}
	cp := *m
	cp.AccountID = account.ID
	return &cp, nil
}

func (f *fakeFeed) FetchFlags(ctx context.Context, account *store.Account, messageID string) (*store.MessageFlags, error) {
	fl, ok := f.flags[messageID]
	if !ok {
		return nil, NewProviderError(KindNotFound, "fetch_flags", fmt.Errorf("message %s not found", messageID))
	}
	cp := *fl
	return &cp, nil
}

func (f *fakeFeed) LatestCursor(ctx context.Context, account *store.Account) (string, error) {
	if f.latestErr != nil {
		return "", f.latestErr
	}
	return f.latestCursor, nil
}
