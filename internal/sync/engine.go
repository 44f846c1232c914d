package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Martian-dev/mailsync/internal/notify"
	"github.com/Martian-dev/mailsync/internal/store"
)

// Trigger names what started a sync pass.
type Trigger string

const (
	TriggerPush   Trigger = "push"
	TriggerPoll   Trigger = "poll"
	TriggerManual Trigger = "manual"
)

const (
	// pollWindow bounds the recency fallback: never look further back than
	// this, even for an account that has not synced in days.
	pollWindow = 24 * time.Hour
	// pollListCeiling caps a recency-window listing.
	pollListCeiling = 50
	// emptyFeedCap caps the defensive listing taken when a push
	// notification arrives but the change feed comes back empty.
	emptyFeedCap = 10
)

// Result summarizes one sync pass.
type Result struct {
	Ingested int
	Flagged  int
	Deleted  int
	Failed   int
	Cursor   string
}

// Engine runs incremental sync passes: walk the provider change feed from
// the stored cursor, fetch and ingest what is new, and advance the cursor
// only after everything else is durably applied.
type Engine struct {
	store    store.MailStore
	feeds    map[store.Provider]ChangeFeedClient
	guard    *DeduplicationGuard
	resolver ThreadResolver
	notifier notify.Notifier
	logger   *zap.Logger

	// fetchLimiter paces full-message fetches across all accounts.
	fetchLimiter *rate.Limiter
}

func NewEngine(s store.MailStore, feeds map[store.Provider]ChangeFeedClient, guard *DeduplicationGuard, notifier notify.Notifier, logger *zap.Logger) *Engine {
	return &Engine{
		store:        s,
		feeds:        feeds,
		guard:        guard,
		notifier:     notifier,
		logger:       logger,
		fetchLimiter: rate.NewLimiter(rate.Limit(10), 20),
	}
}

// SyncAccount runs one pass for the account. Individual message failures
// are isolated: they are logged and counted, and the pass continues. The
// cursor advances only when the whole change set applied; a partial pass
// leaves the old cursor so the next pass replays the remainder.
func (e *Engine) SyncAccount(ctx context.Context, account *store.Account, trigger Trigger) (*Result, error) {
	feed, ok := e.feeds[account.Provider]
	if !ok {
		return nil, fmt.Errorf("no feed client for provider %s", account.Provider)
	}

	log := e.logger.With(
		zap.String("account_id", account.ID),
		zap.String("provider", string(account.Provider)),
		zap.String("trigger", string(trigger)))

	if account.Cursor == "" {
		return e.initialPass(ctx, log, feed, account)
	}

	changes, err := feed.Changes(ctx, account)
	switch {
	case errors.Is(err, ErrCursorExpired):
		// The gap since the cursor is unknown; walk the whole mailbox up
		// to the adapter's page ceiling instead of a bounded window.
		log.Warn("cursor expired, replaying full listing")
		return e.windowPass(ctx, log, feed, account, ListOptions{All: true}, true)
	case errors.Is(err, ErrFeedUnsupported):
		return e.windowPass(ctx, log, feed, account, ListOptions{Max: pollListCeiling}, true)
	case err != nil:
		return nil, e.failAccount(ctx, account, fmt.Errorf("read change feed: %w", err))
	}

	if len(changes.AddedIDs) == 0 && len(changes.FlaggedIDs) == 0 && len(changes.DeletedIDs) == 0 && trigger == TriggerPush {
		// A notification fired but the feed shows nothing. The message may
		// not have reached the feed yet; probe the mailbox head directly.
		log.Info("empty_feed_fallback")
		res, err := e.windowPass(ctx, log, feed, account, ListOptions{Max: emptyFeedCap}, false)
		if err != nil {
			return res, err
		}
		if changes.NextCursor != "" {
			res.Cursor = changes.NextCursor
			if err := e.finishPass(ctx, account, changes.NextCursor, res); err != nil {
				return res, err
			}
		}
		return res, nil
	}

	res := &Result{Cursor: changes.NextCursor}
	e.applyChanges(ctx, log, feed, account, changes, res)

	if res.Failed > 0 {
		// Keep the old cursor so the failed items replay next pass.
		log.Warn("sync pass partially failed, cursor held",
			zap.Int("failed", res.Failed),
			zap.Int("ingested", res.Ingested))
		now := time.Now()
		lastErr := fmt.Sprintf("%d of %d changes failed", res.Failed, res.Failed+res.Ingested+res.Flagged+res.Deleted)
		_ = e.store.UpdateAccountSyncState(ctx, account.ID, store.AccountPatch{
			LastSyncAt: &now,
			LastError:  &lastErr,
		})
		return res, nil
	}

	if err := e.finishPass(ctx, account, changes.NextCursor, res); err != nil {
		return res, err
	}

	log.Info("sync pass complete",
		zap.Int("ingested", res.Ingested),
		zap.Int("flagged", res.Flagged),
		zap.Int("deleted", res.Deleted),
		zap.String("cursor", res.Cursor))
	return res, nil
}

// initialPass establishes the first cursor and backfills the recency
// window. The cursor is taken before the listing so changes arriving
// during the pass replay on the next one instead of being skipped.
func (e *Engine) initialPass(ctx context.Context, log *zap.Logger, feed ChangeFeedClient, account *store.Account) (*Result, error) {
	cursor, err := feed.LatestCursor(ctx, account)
	if err != nil && !errors.Is(err, ErrFeedUnsupported) {
		return nil, e.failAccount(ctx, account, fmt.Errorf("establish cursor: %w", err))
	}

	res, werr := e.windowPass(ctx, log, feed, account, ListOptions{Max: pollListCeiling}, false)
	if werr != nil {
		return res, werr
	}

	res.Cursor = cursor
	if err := e.finishPass(ctx, account, cursor, res); err != nil {
		return res, err
	}
	log.Info("initial sync complete",
		zap.Int("ingested", res.Ingested),
		zap.String("cursor", cursor))
	return res, nil
}

// windowPass lists message ids and ingests the unknown ones. Unless
// opts.All is set the listing is bounded to the recency window. When
// resetCursor is set the mailbox head cursor is persisted afterwards,
// replacing an expired or unusable one.
func (e *Engine) windowPass(ctx context.Context, log *zap.Logger, feed ChangeFeedClient, account *store.Account, opts ListOptions, resetCursor bool) (*Result, error) {
	if !opts.All {
		since := time.Now().Add(-pollWindow)
		if account.LastSyncAt.After(since) {
			since = account.LastSyncAt
		}
		opts.Since = since
	}

	ids, err := feed.ListRecent(ctx, account, opts)
	if err != nil {
		return nil, e.failAccount(ctx, account, fmt.Errorf("list recent: %w", err))
	}

	res := &Result{}
	for _, id := range ids {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		ingested, err := e.ingestOne(ctx, feed, account, id)
		if err != nil {
			res.Failed++
			log.Warn("message ingest failed",
				zap.String("message_id", id),
				zap.Error(err))
			continue
		}
		if ingested {
			res.Ingested++
		}
	}

	if resetCursor {
		cursor, err := feed.LatestCursor(ctx, account)
		if err != nil && !errors.Is(err, ErrFeedUnsupported) {
			return res, e.failAccount(ctx, account, fmt.Errorf("reset cursor: %w", err))
		}
		res.Cursor = cursor
		if err := e.finishPass(ctx, account, cursor, res); err != nil {
			return res, err
		}
	} else {
		now := time.Now()
		empty := ""
		if err := e.store.UpdateAccountSyncState(ctx, account.ID, store.AccountPatch{
			LastSyncAt: &now,
			LastError:  &empty,
		}); err != nil {
			return res, fmt.Errorf("persist sync time: %w", err)
		}
	}
	return res, nil
}

func (e *Engine) applyChanges(ctx context.Context, log *zap.Logger, feed ChangeFeedClient, account *store.Account, changes *ChangeSet, res *Result) {
	for _, id := range changes.AddedIDs {
		if ctx.Err() != nil {
			return
		}
		ingested, err := e.ingestOne(ctx, feed, account, id)
		if err != nil {
			if IsNotFound(err) {
				// Deleted between feed read and fetch; nothing to ingest.
				continue
			}
			res.Failed++
			log.Warn("message ingest failed",
				zap.String("message_id", id),
				zap.Error(err))
			continue
		}
		if ingested {
			res.Ingested++
		}
	}

	for _, id := range changes.FlaggedIDs {
		if ctx.Err() != nil {
			return
		}
		if err := e.refreshFlags(ctx, feed, account, id); err != nil {
			if IsNotFound(err) {
				continue
			}
			res.Failed++
			log.Warn("flag refresh failed",
				zap.String("message_id", id),
				zap.Error(err))
			continue
		}
		res.Flagged++
	}

	for _, id := range changes.DeletedIDs {
		if ctx.Err() != nil {
			return
		}
		if err := e.store.DeleteMessage(ctx, account.ID, id); err != nil {
			res.Failed++
			log.Warn("message delete failed",
				zap.String("message_id", id),
				zap.Error(err))
			continue
		}
		res.Deleted++
		if err := e.notifier.MessageDeleted(ctx, account.ID, id); err != nil {
			log.Warn("delete event publish failed",
				zap.String("message_id", id),
				zap.Error(err))
		}
	}
}

// ingestOne fetches, deduplicates, resolves and stores a single message.
// It reports whether the message was newly inserted; a replay of an
// already-stored id is a clean skip, not an ingestion.
func (e *Engine) ingestOne(ctx context.Context, feed ChangeFeedClient, account *store.Account, messageID string) (bool, error) {
	if existing, err := e.store.FindMessage(ctx, account.ID, messageID); err == nil && existing != nil {
		return false, nil
	}

	if err := e.fetchLimiter.Wait(ctx); err != nil {
		return false, err
	}

	msg, err := feed.Fetch(ctx, account, messageID)
	if err != nil {
		return false, err
	}
	msg.AccountID = account.ID

	e.resolver.Resolve(msg, msg.ThreadID)

	ok, err := e.guard.ShouldIngest(ctx, msg)
	if err != nil {
		e.logger.Warn("dedup lookup failed, relying on insert guard",
			zap.String("account_id", account.ID),
			zap.String("message_id", messageID),
			zap.Error(err))
	}
	if !ok {
		return false, nil
	}

	inserted, err := e.store.InsertMessage(ctx, msg)
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	if !inserted {
		return false, nil
	}

	if err := e.notifier.MessageAdded(ctx, msg); err != nil {
		// The message is stored; a lost event is recoverable downstream.
		e.logger.Warn("added event publish failed",
			zap.String("account_id", account.ID),
			zap.String("message_id", messageID),
			zap.Error(err))
	}
	return true, nil
}

// refreshFlags pulls the current flags for a message we already hold. A
// flagged id we have never ingested is treated as an add.
func (e *Engine) refreshFlags(ctx context.Context, feed ChangeFeedClient, account *store.Account, messageID string) error {
	existing, err := e.store.FindMessage(ctx, account.ID, messageID)
	if err != nil {
		return err
	}
	if existing == nil {
		_, err := e.ingestOne(ctx, feed, account, messageID)
		return err
	}

	if err := e.fetchLimiter.Wait(ctx); err != nil {
		return err
	}
	flags, err := feed.FetchFlags(ctx, account, messageID)
	if err != nil {
		return err
	}
	if err := e.store.UpdateMessageFlags(ctx, account.ID, messageID, *flags); err != nil {
		return err
	}
	if err := e.notifier.MessageFlagsChanged(ctx, account.ID, messageID, *flags); err != nil {
		e.logger.Warn("flags event publish failed",
			zap.String("account_id", account.ID),
			zap.String("message_id", messageID),
			zap.Error(err))
	}
	return nil
}

// finishPass persists the cursor and sync time as the final step of a
// fully-applied pass. The store rejects cursor regressions from passes
// finishing out of order.
func (e *Engine) finishPass(ctx context.Context, account *store.Account, cursor string, res *Result) error {
	now := time.Now()
	empty := ""
	patch := store.AccountPatch{
		LastSyncAt: &now,
		LastError:  &empty,
	}
	if cursor != "" {
		patch.Cursor = &cursor
	}
	if err := e.store.UpdateAccountSyncState(ctx, account.ID, patch); err != nil {
		return fmt.Errorf("persist cursor: %w", err)
	}
	return nil
}

// failAccount records the failure on the account. Auth failures flip the
// status to error; transient ones only record the message.
func (e *Engine) failAccount(ctx context.Context, account *store.Account, err error) error {
	msg := err.Error()
	patch := store.AccountPatch{LastError: &msg}
	if IsAuthFailure(err) {
		status := store.StatusError
		patch.SyncStatus = &status
	}
	if uerr := e.store.UpdateAccountSyncState(ctx, account.ID, patch); uerr != nil {
		e.logger.Error("failed to record sync error",
			zap.String("account_id", account.ID),
			zap.Error(uerr))
	}
	return err
}
