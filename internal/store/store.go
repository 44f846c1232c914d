package store

import (
	"context"
	"time"
)

// Provider identifies which mail provider an account is connected to.
type Provider string

const (
	ProviderGmail   Provider = "gmail"
	ProviderOutlook Provider = "outlook"
)

// SyncStatus is the account-level sync state machine.
//
// At most one of {watching+subscription, webhook+subscription, polling}
// holds at a time; a scheduled retry may coexist with any status.
type SyncStatus string

const (
	StatusUninitialized SyncStatus = "uninitialized"
	StatusPolling       SyncStatus = "polling"
	StatusWatching      SyncStatus = "watching" // Gmail push active
	StatusWebhook       SyncStatus = "webhook"  // Outlook push active
	StatusError         SyncStatus = "error"
)

// Account is one mailbox connection and the sync state this engine owns.
type Account struct {
	ID       string
	UserID   string
	Provider Provider
	Mailbox  string
	Active   bool

	SyncStatus SyncStatus
	Cursor     string

	SubscriptionID     string
	SubscriptionExpiry time.Time
	// ClientState is the per-account correlation value handed to the
	// provider at subscription creation and expected back unchanged on
	// every notification.
	ClientState string

	RetryScheduled bool
	RetryAt        time.Time
	RetryReason    string

	LastSyncAt time.Time
	LastError  string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// PushActive reports whether the account currently has a live push
// registration according to local state.
func (a *Account) PushActive() bool {
	return (a.SyncStatus == StatusWatching || a.SyncStatus == StatusWebhook) &&
		a.SubscriptionID != ""
}

// Direction of a message relative to the mailbox owner.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// Message is the normalized, provider-agnostic representation of one mail
// item. (AccountID, MessageID) is unique.
type Message struct {
	AccountID string
	MessageID string
	ThreadID  string

	Direction         Direction
	Subject           string
	NormalizedSubject string
	From              string
	To                []string
	Cc                []string
	Bcc               []string
	BodyText          string
	BodyHTML          string
	Snippet           string

	InReplyTo  string
	References []string

	ReceivedAt    time.Time
	IsRead        bool
	IsStarred     bool
	IsArchived    bool
	HasAttachment bool
}

// PrimaryRecipient returns the first To address, used for synthetic thread
// keying when no stronger signal exists.
func (m *Message) PrimaryRecipient() string {
	if len(m.To) == 0 {
		return ""
	}
	return m.To[0]
}

// MessageFlags are the provider-sourced mutable fields of a message.
// Refreshing them never touches local-only state.
type MessageFlags struct {
	IsRead     bool
	IsStarred  bool
	IsArchived bool
}

// ThreadStatus marks a conversation aggregate.
type ThreadStatus string

const (
	ThreadActive ThreadStatus = "active"
	ThreadSpam   ThreadStatus = "spam"
)

// Thread is the conversation aggregate over messages sharing a thread id.
// MessageCount is maintained by increment on ingestion; ReconcileThreads
// can recompute it from Message records for repair.
type Thread struct {
	AccountID         string
	ThreadID          string
	Subject           string
	NormalizedSubject string
	Participants      []string
	MessageCount      int
	UnreadCount       int
	FirstMessageAt    time.Time
	LastMessageAt     time.Time
	LastSender        string
	Preview           string
	Status            ThreadStatus
	HasAttachment     bool
}

// AccountPatch is a partial update to an account's sync state. Nil fields
// are left untouched.
type AccountPatch struct {
	SyncStatus *SyncStatus
	// Cursor updates are guarded: a numeric cursor never regresses below
	// the stored one (overlapping sync passes may finish out of order).
	Cursor *string

	SubscriptionID     *string
	SubscriptionExpiry *time.Time
	ClientState        *string
	ClearSubscription  bool

	RetryAt     *time.Time
	RetryReason *string
	ClearRetry  bool

	LastSyncAt *time.Time
	LastError  *string
}

// MailStore is the document store contract this engine consumes. The
// SQLite implementation lives in store/sqlite; tests use an in-memory fake.
type MailStore interface {
	ListAccounts(ctx context.Context) ([]*Account, error)
	AccountByID(ctx context.Context, id string) (*Account, error)
	AccountByMailbox(ctx context.Context, provider Provider, mailbox string) (*Account, error)
	AccountByClientState(ctx context.Context, clientState string) (*Account, error)
	UpdateAccountSyncState(ctx context.Context, id string, patch AccountPatch) error

	FindMessage(ctx context.Context, accountID, messageID string) (*Message, error)
	// FindNearDuplicate looks for a message with the same subject and
	// sender received within the window around ts. Advisory only.
	FindNearDuplicate(ctx context.Context, accountID, subject, sender string, ts time.Time, window time.Duration) (*Message, error)
	// InsertMessage inserts the message and creates or bumps its thread
	// aggregate in one transaction. Returns false when the message id
	// already exists for the account (insert-if-absent).
	InsertMessage(ctx context.Context, msg *Message) (bool, error)
	UpdateMessageFlags(ctx context.Context, accountID, messageID string, flags MessageFlags) error
	// DeleteMessage removes the message and fixes up its thread aggregate.
	// Deleting an absent message is a no-op.
	DeleteMessage(ctx context.Context, accountID, messageID string) error

	FindThread(ctx context.Context, accountID, threadID string) (*Thread, error)
	// ReconcileThreads recomputes thread aggregates from Message records
	// and returns the number of threads repaired.
	ReconcileThreads(ctx context.Context, accountID string) (int, error)

	Ping(ctx context.Context) error
}
