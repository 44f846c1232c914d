// Package notify publishes mailbox change events for downstream consumers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Martian-dev/mailsync/internal/store"
)

// Notifier receives mailbox change events after they are durably stored.
type Notifier interface {
	MessageAdded(ctx context.Context, msg *store.Message) error
	MessageFlagsChanged(ctx context.Context, accountID, messageID string, flags store.MessageFlags) error
	MessageDeleted(ctx context.Context, accountID, messageID string) error
}

// Nop discards all events. Used when NATS is not configured.
type Nop struct{}

func (Nop) MessageAdded(context.Context, *store.Message) error { return nil }
func (Nop) MessageFlagsChanged(context.Context, string, string, store.MessageFlags) error {
	return nil
}
func (Nop) MessageDeleted(context.Context, string, string) error { return nil }

const streamName = "MAIL_EVENTS"

// Publisher publishes mail events to NATS JetStream. The JetStream MsgId is
// keyed on account and message id, so a replayed ingestion inside the
// duplicate window is dropped by the broker.
type Publisher struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

var _ Notifier = (*Publisher)(nil)

// NewPublisher connects to NATS and ensures the mail event stream exists.
func NewPublisher(url string) (*Publisher, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	p := &Publisher{nc: nc, js: js}
	if err := p.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}
	return p, nil
}

func (p *Publisher) ensureStream() error {
	if info, err := p.js.StreamInfo(streamName); err == nil && info != nil {
		return nil
	}

	_, err := p.js.AddStream(&nats.StreamConfig{
		Name:       streamName,
		Subjects:   []string{"mail.*.>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     30 * 24 * time.Hour,
	})
	if err != nil {
		if err == nats.ErrStreamNameAlreadyInUse {
			return nil
		}
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

type messageAddedEvent struct {
	AccountID  string    `json:"account_id"`
	MessageID  string    `json:"message_id"`
	ThreadID   string    `json:"thread_id"`
	Subject    string    `json:"subject"`
	From       string    `json:"from"`
	Snippet    string    `json:"snippet"`
	ReceivedAt time.Time `json:"received_at"`
}

// MessageAdded publishes mail.<account>.message.added.
func (p *Publisher) MessageAdded(ctx context.Context, msg *store.Message) error {
	payload, err := json.Marshal(messageAddedEvent{
		AccountID:  msg.AccountID,
		MessageID:  msg.MessageID,
		ThreadID:   msg.ThreadID,
		Subject:    msg.Subject,
		From:       msg.From,
		Snippet:    msg.Snippet,
		ReceivedAt: msg.ReceivedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	subject := fmt.Sprintf("mail.%s.message.added", msg.AccountID)
	return p.publish(subject, payload, "added:"+msg.AccountID+":"+msg.MessageID)
}

// MessageFlagsChanged publishes mail.<account>.message.flags.
func (p *Publisher) MessageFlagsChanged(ctx context.Context, accountID, messageID string, flags store.MessageFlags) error {
	payload, err := json.Marshal(struct {
		AccountID  string `json:"account_id"`
		MessageID  string `json:"message_id"`
		IsRead     bool   `json:"is_read"`
		IsStarred  bool   `json:"is_starred"`
		IsArchived bool   `json:"is_archived"`
	}{accountID, messageID, flags.IsRead, flags.IsStarred, flags.IsArchived})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	subject := fmt.Sprintf("mail.%s.message.flags", accountID)
	// Flag events carry a timestamp suffix: successive flips must not be
	// collapsed by the duplicate window.
	msgID := fmt.Sprintf("flags:%s:%s:%d", accountID, messageID, time.Now().UnixNano())
	return p.publish(subject, payload, msgID)
}

// MessageDeleted publishes mail.<account>.message.deleted.
func (p *Publisher) MessageDeleted(ctx context.Context, accountID, messageID string) error {
	payload, err := json.Marshal(struct {
		AccountID string `json:"account_id"`
		MessageID string `json:"message_id"`
	}{accountID, messageID})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	subject := fmt.Sprintf("mail.%s.message.deleted", accountID)
	return p.publish(subject, payload, "deleted:"+accountID+":"+messageID)
}

func (p *Publisher) publish(subject string, payload []byte, msgID string) error {
	if _, err := p.js.Publish(subject, payload, nats.MsgId(msgID)); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Close closes the NATS connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}
