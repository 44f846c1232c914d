// Package sqlite implements the MailStore contract on a single SQLite
// database.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Martian-dev/mailsync/internal/store"
)

//go:embed schema.sql
var schemaSQL string

// Store is the SQLite-backed MailStore.
type Store struct {
	DB *sql.DB
}

var _ store.MailStore = (*Store)(nil)

// Open opens or creates the mail database at dbPath and applies the schema.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{DB: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.DB.Close()
}

// Ping checks database reachability.
func (s *Store) Ping(ctx context.Context) error {
	return s.DB.PingContext(ctx)
}

const accountColumns = `id, user_id, provider, mailbox, active, sync_status, cursor,
	subscription_id, subscription_expiry, client_state,
	retry_scheduled, retry_at, retry_reason,
	last_sync_at, last_error, created_at, updated_at`

// CreateAccount inserts a new account row. Used by account connection flows
// and tests; sync state starts uninitialized.
func (s *Store) CreateAccount(ctx context.Context, a *store.Account) error {
	now := time.Now().Unix()
	status := a.SyncStatus
	if status == "" {
		status = store.StatusUninitialized
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO accounts
		(id, user_id, provider, mailbox, active, sync_status, cursor, client_state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.UserID, string(a.Provider), a.Mailbox, boolInt(a.Active), string(status), a.Cursor, a.ClientState, now, now)
	if err != nil {
		return fmt.Errorf("failed to insert account: %w", err)
	}
	return nil
}

// ListAccounts returns all active accounts.
func (s *Store) ListAccounts(ctx context.Context) ([]*store.Account, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+accountColumns+` FROM accounts WHERE active = 1 ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*store.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// AccountByID returns the account with the given id, or nil if absent.
func (s *Store) AccountByID(ctx context.Context, id string) (*store.Account, error) {
	return s.queryAccount(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
}

// AccountByMailbox returns the account for a provider+mailbox pair.
func (s *Store) AccountByMailbox(ctx context.Context, provider store.Provider, mailbox string) (*store.Account, error) {
	return s.queryAccount(ctx, `SELECT `+accountColumns+` FROM accounts WHERE provider = ? AND mailbox = ?`,
		string(provider), mailbox)
}

// AccountByClientState resolves the correlation value a notification
// carries back to its account.
func (s *Store) AccountByClientState(ctx context.Context, clientState string) (*store.Account, error) {
	if clientState == "" {
		return nil, nil
	}
	return s.queryAccount(ctx, `SELECT `+accountColumns+` FROM accounts WHERE client_state = ?`, clientState)
}

func (s *Store) queryAccount(ctx context.Context, query string, args ...any) (*store.Account, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query account: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanAccount(rows)
}

// UpdateAccountSyncState applies a partial sync-state update. The cursor is
// guarded against regression when both old and new values are numeric
// (Gmail history ids): an overlapping pass that finishes late must not move
// the account backwards.
func (s *Store) UpdateAccountSyncState(ctx context.Context, id string, patch store.AccountPatch) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var set []string
	var args []any

	if patch.SyncStatus != nil {
		set = append(set, "sync_status = ?")
		args = append(args, string(*patch.SyncStatus))
	}
	if patch.Cursor != nil {
		var current string
		if err := tx.QueryRowContext(ctx, `SELECT cursor FROM accounts WHERE id = ?`, id).Scan(&current); err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("account %s not found", id)
			}
			return fmt.Errorf("failed to read cursor: %w", err)
		}
		if cursorAdvances(current, *patch.Cursor) {
			set = append(set, "cursor = ?")
			args = append(args, *patch.Cursor)
		}
	}
	if patch.SubscriptionID != nil {
		set = append(set, "subscription_id = ?")
		args = append(args, *patch.SubscriptionID)
	}
	if patch.SubscriptionExpiry != nil {
		set = append(set, "subscription_expiry = ?")
		args = append(args, patch.SubscriptionExpiry.Unix())
	}
	if patch.ClientState != nil {
		set = append(set, "client_state = ?")
		args = append(args, *patch.ClientState)
	}
	if patch.ClearSubscription {
		set = append(set, "subscription_id = ''", "subscription_expiry = 0")
	}
	if patch.RetryAt != nil {
		set = append(set, "retry_scheduled = 1", "retry_at = ?")
		args = append(args, patch.RetryAt.Unix())
	}
	if patch.RetryReason != nil {
		set = append(set, "retry_reason = ?")
		args = append(args, *patch.RetryReason)
	}
	if patch.ClearRetry {
		set = append(set, "retry_scheduled = 0", "retry_at = 0", "retry_reason = ''")
	}
	if patch.LastSyncAt != nil {
		set = append(set, "last_sync_at = ?")
		args = append(args, patch.LastSyncAt.Unix())
	}
	if patch.LastError != nil {
		set = append(set, "last_error = ?")
		args = append(args, *patch.LastError)
	}

	if len(set) == 0 {
		return nil
	}

	set = append(set, "updated_at = ?")
	args = append(args, time.Now().Unix(), id)

	query := "UPDATE accounts SET " + strings.Join(set, ", ") + " WHERE id = ?"
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update account sync state: %w", err)
	}

	return tx.Commit()
}

// cursorAdvances reports whether next may replace current. Numeric cursors
// must be monotonic; opaque cursors are last-write-wins.
func cursorAdvances(current, next string) bool {
	if next == "" || next == current {
		return false
	}
	cur, errCur := strconv.ParseUint(current, 10, 64)
	nxt, errNxt := strconv.ParseUint(next, 10, 64)
	if errCur == nil && errNxt == nil {
		return nxt > cur
	}
	return true
}

const messageColumns = `account_id, message_id, thread_id, direction, subject, normalized_subject,
	sender, to_addrs, cc_addrs, bcc_addrs, body_text, body_html, snippet,
	in_reply_to, references_json, received_at, is_read, is_starred, is_archived, has_attachment`

// FindMessage returns the message for (accountID, messageID), or nil.
func (s *Store) FindMessage(ctx context.Context, accountID, messageID string) (*store.Message, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages WHERE account_id = ? AND message_id = ?
	`, accountID, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to query message: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanMessage(rows)
}

// FindNearDuplicate looks for a message with the same normalized subject and
// sender received within the window around ts.
func (s *Store) FindNearDuplicate(ctx context.Context, accountID, subject, sender string, ts time.Time, window time.Duration) (*store.Message, error) {
	lo := ts.Add(-window).Unix()
	hi := ts.Add(window).Unix()
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE account_id = ? AND normalized_subject = ? AND sender = ?
		  AND received_at BETWEEN ? AND ?
		LIMIT 1
	`, accountID, subject, sender, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("failed to query near duplicate: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanMessage(rows)
}

// InsertMessage inserts the message and creates or bumps its thread
// aggregate in one transaction. INSERT OR IGNORE on the (account, message)
// primary key is the authoritative duplicate guard; when it ignores, the
// thread aggregate is left untouched and false is returned.
func (s *Store) InsertMessage(ctx context.Context, msg *store.Message) (bool, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages
		(`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.AccountID, msg.MessageID, msg.ThreadID, string(msg.Direction),
		msg.Subject, msg.NormalizedSubject, msg.From,
		mustJSON(msg.To), mustJSON(msg.Cc), mustJSON(msg.Bcc),
		msg.BodyText, msg.BodyHTML, msg.Snippet,
		msg.InReplyTo, mustJSON(msg.References),
		msg.ReceivedAt.Unix(), boolInt(msg.IsRead), boolInt(msg.IsStarred),
		boolInt(msg.IsArchived), boolInt(msg.HasAttachment))
	if err != nil {
		return false, fmt.Errorf("failed to insert message: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		// Already ingested; nothing to bump.
		return false, tx.Commit()
	}

	if err := s.bumpThreadTx(ctx, tx, msg); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit message insert: %w", err)
	}
	return true, nil
}

func (s *Store) bumpThreadTx(ctx context.Context, tx *sql.Tx, msg *store.Message) error {
	var (
		participantsJSON string
		firstAt, lastAt  int64
		hasAttachment    int
	)
	err := tx.QueryRowContext(ctx, `
		SELECT participants, first_message_at, last_message_at, has_attachment
		FROM threads WHERE account_id = ? AND thread_id = ?
	`, msg.AccountID, msg.ThreadID).Scan(&participantsJSON, &firstAt, &lastAt, &hasAttachment)

	unreadDelta := 0
	if !msg.IsRead {
		unreadDelta = 1
	}
	received := msg.ReceivedAt.Unix()

	if err == sql.ErrNoRows {
		participants := participantSet(nil, msg)
		_, err = tx.ExecContext(ctx, `
			INSERT INTO threads
			(account_id, thread_id, subject, normalized_subject, participants,
			 message_count, unread_count, first_message_at, last_message_at,
			 last_sender, preview, status, has_attachment)
			VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?, ?, ?, ?, ?)
		`, msg.AccountID, msg.ThreadID, msg.Subject, msg.NormalizedSubject,
			mustJSON(participants), unreadDelta, received, received,
			msg.From, msg.Snippet, string(store.ThreadActive), boolInt(msg.HasAttachment))
		if err != nil {
			return fmt.Errorf("failed to create thread: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read thread: %w", err)
	}

	var existing []string
	if err := json.Unmarshal([]byte(participantsJSON), &existing); err != nil {
		existing = nil
	}
	participants := participantSet(existing, msg)

	if firstAt == 0 || received < firstAt {
		firstAt = received
	}

	// Only messages at or past the thread head refresh the preview fields.
	lastSenderSQL := "last_sender"
	previewSQL := "preview"
	newLast := lastAt
	if received >= lastAt {
		newLast = received
		lastSenderSQL = "?"
		previewSQL = "?"
	}

	query := `
		UPDATE threads SET
			message_count = message_count + 1,
			unread_count = unread_count + ?,
			participants = ?,
			first_message_at = ?,
			last_message_at = ?,
			last_sender = ` + lastSenderSQL + `,
			preview = ` + previewSQL + `,
			has_attachment = MAX(has_attachment, ?)
		WHERE account_id = ? AND thread_id = ?`

	args := []any{unreadDelta, mustJSON(participants), firstAt, newLast}
	if received >= lastAt {
		args = append(args, msg.From, msg.Snippet)
	}
	args = append(args, boolInt(msg.HasAttachment), msg.AccountID, msg.ThreadID)

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to bump thread: %w", err)
	}
	return nil
}

// UpdateMessageFlags refreshes the provider-sourced flags in place and keeps
// the thread unread count in step.
func (s *Store) UpdateMessageFlags(ctx context.Context, accountID, messageID string, flags store.MessageFlags) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var threadID string
	var wasRead int
	err = tx.QueryRowContext(ctx, `
		SELECT thread_id, is_read FROM messages WHERE account_id = ? AND message_id = ?
	`, accountID, messageID).Scan(&threadID, &wasRead)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read message: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE messages SET is_read = ?, is_starred = ?, is_archived = ?
		WHERE account_id = ? AND message_id = ?
	`, boolInt(flags.IsRead), boolInt(flags.IsStarred), boolInt(flags.IsArchived), accountID, messageID)
	if err != nil {
		return fmt.Errorf("failed to update message flags: %w", err)
	}

	delta := 0
	if wasRead == 1 && !flags.IsRead {
		delta = 1
	} else if wasRead == 0 && flags.IsRead {
		delta = -1
	}
	if delta != 0 {
		_, err = tx.ExecContext(ctx, `
			UPDATE threads SET unread_count = MAX(0, unread_count + ?)
			WHERE account_id = ? AND thread_id = ?
		`, delta, accountID, threadID)
		if err != nil {
			return fmt.Errorf("failed to adjust thread unread count: %w", err)
		}
	}

	return tx.Commit()
}

// DeleteMessage removes the message and fixes up its thread aggregate.
// Thread rows are never deleted here, only counted down.
func (s *Store) DeleteMessage(ctx context.Context, accountID, messageID string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var threadID string
	var wasRead int
	err = tx.QueryRowContext(ctx, `
		SELECT thread_id, is_read FROM messages WHERE account_id = ? AND message_id = ?
	`, accountID, messageID).Scan(&threadID, &wasRead)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read message: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM messages WHERE account_id = ? AND message_id = ?
	`, accountID, messageID); err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}

	unreadDelta := 0
	if wasRead == 0 {
		unreadDelta = 1
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE threads SET
			message_count = MAX(0, message_count - 1),
			unread_count = MAX(0, unread_count - ?)
		WHERE account_id = ? AND thread_id = ?
	`, unreadDelta, accountID, threadID); err != nil {
		return fmt.Errorf("failed to count down thread: %w", err)
	}

	return tx.Commit()
}

const threadColumns = `account_id, thread_id, subject, normalized_subject, participants,
	message_count, unread_count, first_message_at, last_message_at,
	last_sender, preview, status, has_attachment`

// FindThread returns the thread aggregate, or nil if absent.
func (s *Store) FindThread(ctx context.Context, accountID, threadID string) (*store.Thread, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+threadColumns+` FROM threads WHERE account_id = ? AND thread_id = ?
	`, accountID, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to query thread: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanThread(rows)
}

// ReconcileThreads recomputes message_count, unread_count and the timestamp
// bounds of every thread of the account from the message records, repairing
// drift left by crashes between a message write and its aggregate bump.
func (s *Store) ReconcileThreads(ctx context.Context, accountID string) (int, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE threads SET
			message_count = (
				SELECT COUNT(*) FROM messages m
				WHERE m.account_id = threads.account_id AND m.thread_id = threads.thread_id
			),
			unread_count = (
				SELECT COUNT(*) FROM messages m
				WHERE m.account_id = threads.account_id AND m.thread_id = threads.thread_id AND m.is_read = 0
			),
			first_message_at = COALESCE((
				SELECT MIN(received_at) FROM messages m
				WHERE m.account_id = threads.account_id AND m.thread_id = threads.thread_id
			), first_message_at),
			last_message_at = COALESCE((
				SELECT MAX(received_at) FROM messages m
				WHERE m.account_id = threads.account_id AND m.thread_id = threads.thread_id
			), last_message_at)
		WHERE account_id = ?
		  AND (
			message_count != (
				SELECT COUNT(*) FROM messages m
				WHERE m.account_id = threads.account_id AND m.thread_id = threads.thread_id
			)
			OR unread_count != (
				SELECT COUNT(*) FROM messages m
				WHERE m.account_id = threads.account_id AND m.thread_id = threads.thread_id AND m.is_read = 0
			)
		  )
	`, accountID)
	if err != nil {
		return 0, fmt.Errorf("failed to reconcile threads: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return int(n), nil
}

func scanAccount(rows *sql.Rows) (*store.Account, error) {
	var a store.Account
	var provider, status string
	var active, retryScheduled int
	var subExpiry, retryAt, lastSyncAt, createdAt, updatedAt int64

	err := rows.Scan(&a.ID, &a.UserID, &provider, &a.Mailbox, &active, &status, &a.Cursor,
		&a.SubscriptionID, &subExpiry, &a.ClientState,
		&retryScheduled, &retryAt, &a.RetryReason,
		&lastSyncAt, &a.LastError, &createdAt, &updatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}

	a.Provider = store.Provider(provider)
	a.SyncStatus = store.SyncStatus(status)
	a.Active = active == 1
	a.RetryScheduled = retryScheduled == 1
	a.SubscriptionExpiry = unixTime(subExpiry)
	a.RetryAt = unixTime(retryAt)
	a.LastSyncAt = unixTime(lastSyncAt)
	a.CreatedAt = unixTime(createdAt)
	a.UpdatedAt = unixTime(updatedAt)
	return &a, nil
}

func scanMessage(rows *sql.Rows) (*store.Message, error) {
	var m store.Message
	var direction, toJSON, ccJSON, bccJSON, refsJSON string
	var receivedAt int64
	var isRead, isStarred, isArchived, hasAttachment int

	err := rows.Scan(&m.AccountID, &m.MessageID, &m.ThreadID, &direction,
		&m.Subject, &m.NormalizedSubject, &m.From,
		&toJSON, &ccJSON, &bccJSON, &m.BodyText, &m.BodyHTML, &m.Snippet,
		&m.InReplyTo, &refsJSON, &receivedAt, &isRead, &isStarred, &isArchived, &hasAttachment)
	if err != nil {
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}

	m.Direction = store.Direction(direction)
	m.To = fromJSON(toJSON)
	m.Cc = fromJSON(ccJSON)
	m.Bcc = fromJSON(bccJSON)
	m.References = fromJSON(refsJSON)
	m.ReceivedAt = unixTime(receivedAt)
	m.IsRead = isRead == 1
	m.IsStarred = isStarred == 1
	m.IsArchived = isArchived == 1
	m.HasAttachment = hasAttachment == 1
	return &m, nil
}

func scanThread(rows *sql.Rows) (*store.Thread, error) {
	var t store.Thread
	var participantsJSON, status string
	var firstAt, lastAt int64
	var hasAttachment int

	err := rows.Scan(&t.AccountID, &t.ThreadID, &t.Subject, &t.NormalizedSubject, &participantsJSON,
		&t.MessageCount, &t.UnreadCount, &firstAt, &lastAt,
		&t.LastSender, &t.Preview, &status, &hasAttachment)
	if err != nil {
		return nil, fmt.Errorf("failed to scan thread: %w", err)
	}

	t.Participants = fromJSON(participantsJSON)
	t.FirstMessageAt = unixTime(firstAt)
	t.LastMessageAt = unixTime(lastAt)
	t.Status = store.ThreadStatus(status)
	t.HasAttachment = hasAttachment == 1
	return &t, nil
}

// participantSet merges the message's addresses into the existing
// participant list, preserving order and dropping duplicates.
func participantSet(existing []string, msg *store.Message) []string {
	seen := make(map[string]bool, len(existing))
	out := make([]string, 0, len(existing)+4)
	add := func(addr string) {
		if addr == "" || seen[addr] {
			return
		}
		seen[addr] = true
		out = append(out, addr)
	}
	for _, p := range existing {
		add(p)
	}
	add(msg.From)
	for _, p := range msg.To {
		add(p)
	}
	for _, p := range msg.Cc {
		add(p)
	}
	return out
}

func mustJSON(v []string) string {
	if v == nil {
		return "[]"
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func fromJSON(s string) []string {
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func unixTime(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0)
}
