// Package webhook receives provider push notifications and turns them into
// sync passes. Handlers validate, correlate to an account, acknowledge
// fast, and run the sync asynchronously.
package webhook

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Martian-dev/mailsync/internal/store"
	"github.com/Martian-dev/mailsync/internal/sync"
)

// Syncer is the engine surface the ingress needs.
type Syncer interface {
	SyncAccount(ctx context.Context, account *store.Account, trigger sync.Trigger) (*sync.Result, error)
}

// dispatchTimeout bounds one notification-triggered sync pass.
const dispatchTimeout = 2 * time.Minute

// Ingress handles the webhook endpoints for both providers.
type Ingress struct {
	store    store.MailStore
	syncer   Syncer
	verifier *TokenVerifier
	logger   *zap.Logger

	// dispatch runs a sync for the account. Overridable in tests; the
	// default spawns a goroutine detached from the request context.
	dispatch func(account *store.Account)
}

func NewIngress(s store.MailStore, syncer Syncer, verifier *TokenVerifier, logger *zap.Logger) *Ingress {
	in := &Ingress{
		store:    s,
		syncer:   syncer,
		verifier: verifier,
		logger:   logger,
	}
	in.dispatch = in.dispatchAsync
	return in
}

// Register mounts the webhook routes.
func (in *Ingress) Register(r gin.IRouter) {
	r.POST("/webhooks/gmail", in.HandleGmail)
	r.POST("/webhooks/outlook", in.HandleOutlook)
}

// ack answers 200 with a small JSON body. For Pub/Sub a 2xx is the only
// way to stop redelivery, so malformed deliveries are acked too.
func ack(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (in *Ingress) dispatchAsync(account *store.Account) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		defer cancel()
		if _, err := in.syncer.SyncAccount(ctx, account, sync.TriggerPush); err != nil {
			in.logger.Error("notification-triggered sync failed",
				zap.String("account_id", account.ID),
				zap.Error(err))
		}
	}()
}

// pubSubEnvelope is the Pub/Sub push delivery wrapper.
type pubSubEnvelope struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// gmailNotification is the Gmail payload inside the Pub/Sub data field.
type gmailNotification struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

// HandleGmail ingests a Pub/Sub push delivery. Malformed or unmatchable
// deliveries are logged and acknowledged anyway so Pub/Sub stops
// redelivering garbage.
func (in *Ingress) HandleGmail(c *gin.Context) {
	var envelope pubSubEnvelope
	if err := c.ShouldBindJSON(&envelope); err != nil {
		in.logger.Warn("malformed pubsub envelope", zap.Error(err))
		ack(c)
		return
	}

	raw, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil {
		in.logger.Warn("undecodable pubsub data",
			zap.String("pubsub_message_id", envelope.Message.MessageID),
			zap.Error(err))
		ack(c)
		return
	}

	var notif gmailNotification
	if err := json.Unmarshal(raw, &notif); err != nil || notif.EmailAddress == "" {
		in.logger.Warn("malformed gmail notification",
			zap.String("pubsub_message_id", envelope.Message.MessageID),
			zap.Error(err))
		ack(c)
		return
	}

	account, err := in.store.AccountByMailbox(c.Request.Context(), store.ProviderGmail, notif.EmailAddress)
	if err != nil {
		in.logger.Error("account lookup failed",
			zap.String("mailbox", notif.EmailAddress),
			zap.Error(err))
		c.Status(http.StatusInternalServerError)
		return
	}
	if account == nil || !account.Active {
		in.logger.Warn("notification for unknown or inactive mailbox",
			zap.String("mailbox", notif.EmailAddress))
		ack(c)
		return
	}

	in.logger.Debug("gmail notification",
		zap.String("account_id", account.ID),
		zap.Uint64("history_id", notif.HistoryID))
	in.dispatch(account)
	ack(c)
}

// graphNotification is one entry of a Graph change notification batch.
type graphNotification struct {
	SubscriptionID string `json:"subscriptionId"`
	ClientState    string `json:"clientState"`
	ChangeType     string `json:"changeType"`
	Resource       string `json:"resource"`
	LifecycleEvent string `json:"lifecycleEvent"`
}

type graphBatch struct {
	Value            []graphNotification `json:"value"`
	ValidationTokens []string            `json:"validationTokens"`
}

// HandleOutlook serves both the Graph endpoint validation handshake and
// change notification batches. Notifications whose clientState does not
// match any account are discarded; the clientState is the proof the
// notification belongs to a subscription this service created.
func (in *Ingress) HandleOutlook(c *gin.Context) {
	// Endpoint validation: echo the token back as plain text.
	if token := c.Query("validationToken"); token != "" {
		c.String(http.StatusOK, token)
		return
	}

	var batch graphBatch
	if err := c.ShouldBindJSON(&batch); err != nil {
		in.logger.Warn("malformed graph notification batch", zap.Error(err))
		ack(c)
		return
	}

	for _, token := range batch.ValidationTokens {
		if err := in.verifier.Verify(c.Request.Context(), token); err != nil {
			in.logger.Warn("validation token rejected", zap.Error(err))
			ack(c)
			return
		}
	}

	seen := make(map[string]bool)
	for _, notif := range batch.Value {
		if notif.LifecycleEvent != "" {
			in.handleLifecycle(c.Request.Context(), notif)
			continue
		}

		account, err := in.store.AccountByClientState(c.Request.Context(), notif.ClientState)
		if err != nil {
			in.logger.Error("account lookup failed",
				zap.String("subscription_id", notif.SubscriptionID),
				zap.Error(err))
			continue
		}
		if account == nil || !account.Active {
			in.logger.Warn("notification with unknown or inactive client state",
				zap.String("subscription_id", notif.SubscriptionID))
			continue
		}
		if seen[account.ID] {
			continue
		}
		seen[account.ID] = true

		in.logger.Debug("graph notification",
			zap.String("account_id", account.ID),
			zap.String("change_type", notif.ChangeType))
		in.dispatch(account)
	}

	ack(c)
}

// handleLifecycle reacts to Graph subscription lifecycle events. A
// reauthorizationRequired or subscriptionRemoved event means the next
// renewal or health pass must rebuild the registration; recording the
// lapse here makes that pass pick the account up.
func (in *Ingress) handleLifecycle(ctx context.Context, notif graphNotification) {
	account, err := in.store.AccountByClientState(ctx, notif.ClientState)
	if err != nil || account == nil {
		in.logger.Warn("lifecycle event with unknown client state",
			zap.String("event", notif.LifecycleEvent),
			zap.String("subscription_id", notif.SubscriptionID))
		return
	}

	switch notif.LifecycleEvent {
	case "subscriptionRemoved", "reauthorizationRequired":
		in.logger.Warn("subscription lifecycle event",
			zap.String("account_id", account.ID),
			zap.String("event", notif.LifecycleEvent))
		status := store.StatusPolling
		if err := in.store.UpdateAccountSyncState(ctx, account.ID, store.AccountPatch{
			SyncStatus:        &status,
			ClearSubscription: true,
		}); err != nil {
			in.logger.Error("failed to record subscription lapse",
				zap.String("account_id", account.ID),
				zap.Error(err))
		}
	default:
		in.logger.Debug("ignoring lifecycle event",
			zap.String("account_id", account.ID),
			zap.String("event", notif.LifecycleEvent))
	}
}
