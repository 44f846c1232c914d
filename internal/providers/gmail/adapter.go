// Package gmail adapts the Gmail API to the sync engine's change feed
// contract. The cursor is the Gmail history id.
package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/store"
	"github.com/Martian-dev/mailsync/internal/sync"
)

// historyPageCap bounds one change-feed walk. A mailbox with more pending
// history than this finishes on the next pass from the advanced cursor.
const historyPageCap = 500

// listPageCeiling bounds a paginated message listing.
const listPageCeiling = 50

// Client serves all Gmail accounts. Per-account services are built from
// the token provider on each call.
type Client struct {
	tokens auth.TokenProvider
	// topicName is the Pub/Sub topic watch registrations publish to.
	topicName string
}

var _ sync.ChangeFeedClient = (*Client)(nil)

func NewClient(tokens auth.TokenProvider, topicName string) *Client {
	return &Client{tokens: tokens, topicName: topicName}
}

func (c *Client) Provider() store.Provider { return store.ProviderGmail }

func (c *Client) service(ctx context.Context, account *store.Account) (*gmailapi.Service, error) {
	tok, err := c.tokens.AccessToken(ctx, account.ID)
	if err != nil {
		return nil, sync.NewProviderError(sync.KindAuth, "token", err)
	}

	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: tok.AccessToken, Expiry: tok.Expiry})
	svc, err := gmailapi.NewService(ctx, option.WithTokenSource(src))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return svc, nil
}

// Subscribe starts a watch on the inbox. Gmail correlates notifications by
// mailbox address, not by a client state, so clientState is ignored and
// the returned info carries none.
func (c *Client) Subscribe(ctx context.Context, account *store.Account, clientState string) (*sync.SubscriptionInfo, error) {
	svc, err := c.service(ctx, account)
	if err != nil {
		return nil, err
	}

	resp, err := svc.Users.Watch("me", &gmailapi.WatchRequest{
		TopicName: c.topicName,
		LabelIds:  []string{"INBOX"},
	}).Context(ctx).Do()
	if err != nil {
		return nil, classify("watch", err)
	}

	// Watch has no registration id of its own; the mailbox is the handle.
	return &sync.SubscriptionInfo{
		ID:     "watch:" + account.Mailbox,
		Expiry: time.UnixMilli(resp.Expiration),
	}, nil
}

// Renew is not a Gmail operation; callers re-watch instead.
func (c *Client) Renew(ctx context.Context, account *store.Account) (*sync.SubscriptionInfo, error) {
	return nil, sync.ErrRenewUnsupported
}

// Unsubscribe stops the watch. Stopping a mailbox without one succeeds.
func (c *Client) Unsubscribe(ctx context.Context, account *store.Account) error {
	svc, err := c.service(ctx, account)
	if err != nil {
		return err
	}
	if err := svc.Users.Stop("me").Context(ctx).Do(); err != nil {
		return classify("stop", err)
	}
	return nil
}

// Changes walks the history feed from the account cursor. Added, flagged
// and deleted ids are each deduplicated within the walk; an id that is both
// added and deleted in the window surfaces in both lists and the deletion
// wins downstream.
func (c *Client) Changes(ctx context.Context, account *store.Account) (*sync.ChangeSet, error) {
	svc, err := c.service(ctx, account)
	if err != nil {
		return nil, err
	}

	startID, err := strconv.ParseUint(account.Cursor, 10, 64)
	if err != nil {
		return nil, sync.ErrCursorExpired
	}

	latest := startID
	seenAdded := make(map[string]bool)
	seenFlagged := make(map[string]bool)
	seenDeleted := make(map[string]bool)
	cs := &sync.ChangeSet{}

	pages := 0
	call := svc.Users.History.List("me").StartHistoryId(startID).MaxResults(100)
	err = call.Pages(ctx, func(page *gmailapi.ListHistoryResponse) error {
		pages++
		if page.HistoryId > latest {
			latest = page.HistoryId
		}
		for _, h := range page.History {
			if h.Id > latest {
				latest = h.Id
			}
			for _, rec := range h.MessagesAdded {
				id := rec.Message.Id
				if !seenAdded[id] {
					seenAdded[id] = true
					cs.AddedIDs = append(cs.AddedIDs, id)
				}
			}
			for _, rec := range h.LabelsAdded {
				markFlagged(rec.Message.Id, seenAdded, seenFlagged, cs)
			}
			for _, rec := range h.LabelsRemoved {
				markFlagged(rec.Message.Id, seenAdded, seenFlagged, cs)
			}
			for _, rec := range h.MessagesDeleted {
				id := rec.Message.Id
				if !seenDeleted[id] {
					seenDeleted[id] = true
					cs.DeletedIDs = append(cs.DeletedIDs, id)
				}
			}
		}
		if pages >= historyPageCap {
			return errPageCapReached
		}
		return nil
	})
	if err != nil && !errors.Is(err, errPageCapReached) {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == 404 {
			// History too old to replay from this id.
			return nil, sync.ErrCursorExpired
		}
		return nil, classify("history", err)
	}

	cs.NextCursor = strconv.FormatUint(latest, 10)
	return cs, nil
}

var errPageCapReached = errors.New("history page cap reached")

func markFlagged(id string, seenAdded, seenFlagged map[string]bool, cs *sync.ChangeSet) {
	// A label change on a message added in the same window is covered by
	// the full fetch of the add.
	if seenAdded[id] || seenFlagged[id] {
		return
	}
	seenFlagged[id] = true
	cs.FlaggedIDs = append(cs.FlaggedIDs, id)
}

// ListRecent lists inbox message ids received after opts.Since. With
// opts.All the time bound is dropped and the listing pages through the
// mailbox up to the page ceiling.
func (c *Client) ListRecent(ctx context.Context, account *store.Account, opts sync.ListOptions) ([]string, error) {
	svc, err := c.service(ctx, account)
	if err != nil {
		return nil, err
	}

	var ids []string
	pageToken := ""
	for page := 0; page < listPageCeiling; page++ {
		call := svc.Users.Messages.List("me").IncludeSpamTrash(false).Context(ctx)
		if opts.All {
			call.MaxResults(500)
		} else {
			call.Q(fmt.Sprintf("after:%d", opts.Since.Unix()))
			size := int64(50)
			if opts.Max > 0 {
				size = int64(opts.Max - len(ids))
			}
			call.MaxResults(size)
		}
		if pageToken != "" {
			call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return nil, classify("list", err)
		}
		for _, m := range resp.Messages {
			ids = append(ids, m.Id)
		}
		if !opts.All && opts.Max > 0 && len(ids) >= opts.Max {
			return ids[:opts.Max], nil
		}
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}
	return ids, nil
}

// Fetch retrieves the full message and normalizes it.
func (c *Client) Fetch(ctx context.Context, account *store.Account, messageID string) (*store.Message, error) {
	svc, err := c.service(ctx, account)
	if err != nil {
		return nil, err
	}

	m, err := svc.Users.Messages.Get("me", messageID).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, classify("get", err)
	}
	return normalize(m), nil
}

// FetchFlags retrieves only the labels of the message.
func (c *Client) FetchFlags(ctx context.Context, account *store.Account, messageID string) (*store.MessageFlags, error) {
	svc, err := c.service(ctx, account)
	if err != nil {
		return nil, err
	}

	m, err := svc.Users.Messages.Get("me", messageID).Format("minimal").Context(ctx).Do()
	if err != nil {
		return nil, classify("get", err)
	}
	flags := flagsFromLabels(m.LabelIds)
	return &flags, nil
}

// LatestCursor returns the mailbox's current history id.
func (c *Client) LatestCursor(ctx context.Context, account *store.Account) (string, error) {
	svc, err := c.service(ctx, account)
	if err != nil {
		return "", err
	}
	profile, err := svc.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return "", classify("profile", err)
	}
	return strconv.FormatUint(profile.HistoryId, 10), nil
}

func normalize(m *gmailapi.Message) *store.Message {
	headers := make(map[string]string)
	if m.Payload != nil {
		for _, kv := range m.Payload.Headers {
			headers[strings.ToLower(kv.Name)] = kv.Value
		}
	}

	flags := flagsFromLabels(m.LabelIds)
	msg := &store.Message{
		MessageID:     m.Id,
		ThreadID:      m.ThreadId,
		Direction:     direction(m.LabelIds),
		Subject:       headers["subject"],
		From:          extractAddr(headers["from"]),
		To:            splitAddrs(headers["to"]),
		Cc:            splitAddrs(headers["cc"]),
		Bcc:           splitAddrs(headers["bcc"]),
		Snippet:       m.Snippet,
		InReplyTo:     headers["in-reply-to"],
		References:    strings.Fields(headers["references"]),
		ReceivedAt:    time.UnixMilli(m.InternalDate),
		IsRead:        flags.IsRead,
		IsStarred:     flags.IsStarred,
		IsArchived:    flags.IsArchived,
		HasAttachment: hasAttachment(m.Payload),
	}
	msg.BodyText, msg.BodyHTML = extractBody(m.Payload)
	return msg
}

func flagsFromLabels(labels []string) store.MessageFlags {
	set := make(map[string]bool, len(labels))
	for _, l := range labels {
		set[l] = true
	}
	return store.MessageFlags{
		IsRead:     !set["UNREAD"],
		IsStarred:  set["STARRED"],
		IsArchived: !set["INBOX"] && !set["SENT"],
	}
}

func direction(labels []string) store.Direction {
	for _, l := range labels {
		if l == "SENT" {
			return store.DirectionOutgoing
		}
	}
	return store.DirectionIncoming
}

// extractBody walks the MIME tree depth-first, collecting the first
// text/plain and text/html leaves.
func extractBody(p *gmailapi.MessagePart) (text, html string) {
	if p == nil {
		return "", ""
	}
	if p.Body != nil && p.Body.Data != "" {
		decoded, err := decodeBody(p.Body.Data)
		if err == nil {
			switch p.MimeType {
			case "text/plain":
				return decoded, ""
			case "text/html":
				return "", decoded
			}
		}
	}
	for _, part := range p.Parts {
		t, h := extractBody(part)
		if text == "" {
			text = t
		}
		if html == "" {
			html = h
		}
		if text != "" && html != "" {
			break
		}
	}
	return text, html
}

func decodeBody(data string) (string, error) {
	b, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(strings.TrimRight(data, "="))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func hasAttachment(p *gmailapi.MessagePart) bool {
	if p == nil {
		return false
	}
	if p.Filename != "" {
		return true
	}
	for _, part := range p.Parts {
		if hasAttachment(part) {
			return true
		}
	}
	return false
}

func splitAddrs(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, extractAddr(trimmed))
		}
	}
	return result
}

// extractAddr reduces "Name <addr>" to the bare address.
func extractAddr(s string) string {
	if i := strings.LastIndex(s, "<"); i >= 0 {
		if j := strings.Index(s[i:], ">"); j > 0 {
			return strings.TrimSpace(s[i+1 : i+j])
		}
	}
	return s
}

// classify maps Gmail API failures to the engine's retry classes.
func classify(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case 401, 403:
			if gerr.Code == 403 && strings.Contains(gerr.Message, "ate limit") {
				return sync.NewProviderError(sync.KindRateLimit, op, err)
			}
			return sync.NewProviderError(sync.KindAuth, op, err)
		case 404:
			return sync.NewProviderError(sync.KindNotFound, op, err)
		case 429:
			return sync.NewProviderError(sync.KindRateLimit, op, err)
		}
	}
	return sync.NewProviderError(sync.KindTransient, op, err)
}
