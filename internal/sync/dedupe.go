package sync

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Martian-dev/mailsync/internal/store"
)

// nearDuplicateWindow bounds the advisory subject/sender probe.
const nearDuplicateWindow = 60 * time.Second

// DeduplicationGuard decides whether a fetched message should be ingested.
// The primary id check is authoritative; the subject/sender proximity probe
// is advisory and only logs, it never suppresses ingestion.
type DeduplicationGuard struct {
	store  store.MailStore
	logger *zap.Logger
}

func NewDeduplicationGuard(s store.MailStore, logger *zap.Logger) *DeduplicationGuard {
	return &DeduplicationGuard{store: s, logger: logger}
}

// ShouldIngest returns false when the message id is already stored for the
// account. A lookup failure is reported as ingestable with the error; the
// store's own insert-if-absent still protects against the double write.
func (g *DeduplicationGuard) ShouldIngest(ctx context.Context, msg *store.Message) (bool, error) {
	existing, err := g.store.FindMessage(ctx, msg.AccountID, msg.MessageID)
	if err != nil {
		return true, err
	}
	if existing != nil {
		return false, nil
	}

	near, err := g.store.FindNearDuplicate(ctx, msg.AccountID, msg.NormalizedSubject, msg.From, msg.ReceivedAt, nearDuplicateWindow)
	if err != nil {
		g.logger.Warn("near-duplicate probe failed",
			zap.String("account_id", msg.AccountID),
			zap.String("message_id", msg.MessageID),
			zap.Error(err))
		return true, nil
	}
	if near != nil {
		g.logger.Info("near-duplicate detected",
			zap.String("account_id", msg.AccountID),
			zap.String("message_id", msg.MessageID),
			zap.String("existing_message_id", near.MessageID),
			zap.Duration("delta", msg.ReceivedAt.Sub(near.ReceivedAt)))
	}

	return true, nil
}
