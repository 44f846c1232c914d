// Package outlook adapts Microsoft Graph to the sync engine's change feed
// contract. Graph has no replayable history feed for mail, so accounts
// always sync by recency window; push comes from Graph subscriptions.
package outlook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	graphusers "github.com/microsoftgraph/msgraph-sdk-go/users"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/store"
	"github.com/Martian-dev/mailsync/internal/sync"
)

// subscriptionLifetime is the Graph maximum for message subscriptions.
const subscriptionLifetime = 3 * 24 * time.Hour

// listPageCeiling bounds a paginated message listing.
const listPageCeiling = 50

var messageSelect = []string{
	"id", "conversationId", "subject", "from", "toRecipients", "ccRecipients",
	"bccRecipients", "body", "bodyPreview", "receivedDateTime", "isRead",
	"flag", "hasAttachments", "internetMessageHeaders", "sentDateTime",
}

// Client serves all Outlook accounts. Per-account Graph clients are built
// from the token provider on each call.
type Client struct {
	tokens auth.TokenProvider
	// notificationURL is where Graph delivers change notifications.
	notificationURL string
}

var _ sync.ChangeFeedClient = (*Client)(nil)

func NewClient(tokens auth.TokenProvider, notificationURL string) *Client {
	return &Client{tokens: tokens, notificationURL: notificationURL}
}

func (c *Client) Provider() store.Provider { return store.ProviderOutlook }

func (c *Client) graph(ctx context.Context, account *store.Account) (*msgraphsdk.GraphServiceClient, error) {
	tok, err := c.tokens.AccessToken(ctx, account.ID)
	if err != nil {
		return nil, sync.NewProviderError(sync.KindAuth, "token", err)
	}

	cred := &staticTokenCredential{token: tok.AccessToken, expiry: tok.Expiry}
	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}
	return client, nil
}

// Subscribe creates a Graph subscription on the inbox. clientState is
// stored by Graph and echoed back on every notification; it is the only
// correlation between a notification and an account.
func (c *Client) Subscribe(ctx context.Context, account *store.Account, clientState string) (*sync.SubscriptionInfo, error) {
	client, err := c.graph(ctx, account)
	if err != nil {
		return nil, err
	}

	sub := models.NewSubscription()
	changeType := "created,updated,deleted"
	resource := "/me/mailFolders('inbox')/messages"
	expiry := time.Now().Add(subscriptionLifetime)
	sub.SetChangeType(&changeType)
	sub.SetNotificationUrl(&c.notificationURL)
	sub.SetResource(&resource)
	sub.SetExpirationDateTime(&expiry)
	sub.SetClientState(&clientState)

	created, err := client.Subscriptions().Post(ctx, sub, nil)
	if err != nil {
		return nil, classify("subscribe", err)
	}

	info := &sync.SubscriptionInfo{ClientState: clientState}
	if id := created.GetId(); id != nil {
		info.ID = *id
	}
	if exp := created.GetExpirationDateTime(); exp != nil {
		info.Expiry = *exp
	}
	return info, nil
}

// Renew extends the subscription in place with a PATCH.
func (c *Client) Renew(ctx context.Context, account *store.Account) (*sync.SubscriptionInfo, error) {
	if account.SubscriptionID == "" {
		return nil, sync.NewProviderError(sync.KindNotFound, "renew", fmt.Errorf("no subscription recorded"))
	}
	client, err := c.graph(ctx, account)
	if err != nil {
		return nil, err
	}

	patch := models.NewSubscription()
	expiry := time.Now().Add(subscriptionLifetime)
	patch.SetExpirationDateTime(&expiry)

	updated, err := client.Subscriptions().BySubscriptionId(account.SubscriptionID).Patch(ctx, patch, nil)
	if err != nil {
		return nil, classify("renew", err)
	}

	info := &sync.SubscriptionInfo{ID: account.SubscriptionID, ClientState: account.ClientState}
	if id := updated.GetId(); id != nil {
		info.ID = *id
	}
	if exp := updated.GetExpirationDateTime(); exp != nil {
		info.Expiry = *exp
	}
	return info, nil
}

// Unsubscribe deletes the subscription.
func (c *Client) Unsubscribe(ctx context.Context, account *store.Account) error {
	if account.SubscriptionID == "" {
		return nil
	}
	client, err := c.graph(ctx, account)
	if err != nil {
		return err
	}
	if err := client.Subscriptions().BySubscriptionId(account.SubscriptionID).Delete(ctx, nil); err != nil {
		return classify("unsubscribe", err)
	}
	return nil
}

// Changes is unsupported: Graph notifications carry the changed resource
// directly and there is no cursor-replayable mail feed here.
func (c *Client) Changes(ctx context.Context, account *store.Account) (*sync.ChangeSet, error) {
	return nil, sync.ErrFeedUnsupported
}

// ListRecent lists inbox message ids received after opts.Since, newest
// first. With opts.All the time filter is dropped and the listing follows
// nextLink pages up to the page ceiling.
func (c *Client) ListRecent(ctx context.Context, account *store.Account, opts sync.ListOptions) ([]string, error) {
	client, err := c.graph(ctx, account)
	if err != nil {
		return nil, err
	}

	top := int32(opts.Max)
	if opts.All || top <= 0 {
		top = 100
	}
	cfg := &graphusers.ItemMessagesRequestBuilderGetRequestConfiguration{
		QueryParameters: &graphusers.ItemMessagesRequestBuilderGetQueryParameters{
			Top:     &top,
			Orderby: []string{"receivedDateTime desc"},
			Select:  []string{"id"},
		},
	}
	if !opts.All {
		filter := fmt.Sprintf("receivedDateTime ge %s", opts.Since.UTC().Format(time.RFC3339))
		cfg.QueryParameters.Filter = &filter
	}

	result, err := client.Me().Messages().Get(ctx, cfg)
	if err != nil {
		return nil, classify("list", err)
	}

	var ids []string
	for page := 0; ; page++ {
		for _, m := range result.GetValue() {
			if id := m.GetId(); id != nil {
				ids = append(ids, *id)
			}
		}
		if !opts.All && opts.Max > 0 && len(ids) >= opts.Max {
			return ids[:opts.Max], nil
		}
		next := result.GetOdataNextLink()
		if next == nil || *next == "" || page+1 >= listPageCeiling {
			break
		}
		result, err = graphusers.NewItemMessagesRequestBuilder(*next, client.GetAdapter()).Get(ctx, nil)
		if err != nil {
			return nil, classify("list", err)
		}
	}
	return ids, nil
}

// Fetch retrieves the full message and normalizes it.
func (c *Client) Fetch(ctx context.Context, account *store.Account, messageID string) (*store.Message, error) {
	client, err := c.graph(ctx, account)
	if err != nil {
		return nil, err
	}

	cfg := &graphusers.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
		QueryParameters: &graphusers.ItemMessagesMessageItemRequestBuilderGetQueryParameters{
			Select: messageSelect,
		},
	}
	m, err := client.Me().Messages().ByMessageId(messageID).Get(ctx, cfg)
	if err != nil {
		return nil, classify("get", err)
	}
	return normalize(m, account.Mailbox), nil
}

// FetchFlags retrieves only the mutable flags.
func (c *Client) FetchFlags(ctx context.Context, account *store.Account, messageID string) (*store.MessageFlags, error) {
	client, err := c.graph(ctx, account)
	if err != nil {
		return nil, err
	}

	cfg := &graphusers.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
		QueryParameters: &graphusers.ItemMessagesMessageItemRequestBuilderGetQueryParameters{
			Select: []string{"id", "isRead", "flag", "parentFolderId"},
		},
	}
	m, err := client.Me().Messages().ByMessageId(messageID).Get(ctx, cfg)
	if err != nil {
		return nil, classify("get", err)
	}

	flags := &store.MessageFlags{}
	if r := m.GetIsRead(); r != nil {
		flags.IsRead = *r
	}
	flags.IsStarred = isFlagged(m)
	return flags, nil
}

// LatestCursor is unsupported; Outlook accounts sync by recency window.
func (c *Client) LatestCursor(ctx context.Context, account *store.Account) (string, error) {
	return "", sync.ErrFeedUnsupported
}

func normalize(m models.Messageable, mailbox string) *store.Message {
	msg := &store.Message{Direction: store.DirectionIncoming}

	if id := m.GetId(); id != nil {
		msg.MessageID = *id
	}
	if conv := m.GetConversationId(); conv != nil {
		msg.ThreadID = *conv
	}
	if subject := m.GetSubject(); subject != nil {
		msg.Subject = *subject
	}
	if from := m.GetFrom(); from != nil {
		if addr := recipientAddr(from); addr != "" {
			msg.From = addr
			if strings.EqualFold(addr, mailbox) {
				msg.Direction = store.DirectionOutgoing
			}
		}
	}
	msg.To = extractAddresses(m.GetToRecipients())
	msg.Cc = extractAddresses(m.GetCcRecipients())
	msg.Bcc = extractAddresses(m.GetBccRecipients())

	if preview := m.GetBodyPreview(); preview != nil {
		msg.Snippet = *preview
	}
	if body := m.GetBody(); body != nil {
		content := ""
		if c := body.GetContent(); c != nil {
			content = *c
		}
		if ct := body.GetContentType(); ct != nil && *ct == models.TEXT_BODYTYPE {
			msg.BodyText = content
		} else {
			msg.BodyHTML = content
		}
	}
	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		msg.ReceivedAt = *rcvd
	}
	if read := m.GetIsRead(); read != nil {
		msg.IsRead = *read
	}
	msg.IsStarred = isFlagged(m)
	if att := m.GetHasAttachments(); att != nil {
		msg.HasAttachment = *att
	}

	for _, h := range m.GetInternetMessageHeaders() {
		name, value := h.GetName(), h.GetValue()
		if name == nil || value == nil {
			continue
		}
		switch strings.ToLower(*name) {
		case "in-reply-to":
			msg.InReplyTo = *value
		case "references":
			msg.References = strings.Fields(*value)
		}
	}

	return msg
}

func isFlagged(m models.Messageable) bool {
	flag := m.GetFlag()
	if flag == nil {
		return false
	}
	status := flag.GetFlagStatus()
	return status != nil && *status == models.FLAGGED_FOLLOWUPFLAGSTATUS
}

func extractAddresses(recipients []models.Recipientable) []string {
	var addrs []string
	for _, r := range recipients {
		if addr := recipientAddr(r); addr != "" {
			addrs = append(addrs, addr)
		}
	}
	return addrs
}

func recipientAddr(r models.Recipientable) string {
	if r == nil {
		return ""
	}
	if email := r.GetEmailAddress(); email != nil {
		if addr := email.GetAddress(); addr != nil {
			return *addr
		}
	}
	return ""
}

// classify maps Graph failures to the engine's retry classes.
func classify(op string, err error) error {
	var oerr *odataerrors.ODataError
	if errors.As(err, &oerr) {
		switch oerr.ResponseStatusCode {
		case 401, 403:
			return sync.NewProviderError(sync.KindAuth, op, err)
		case 404:
			return sync.NewProviderError(sync.KindNotFound, op, err)
		case 409:
			return sync.NewProviderError(sync.KindConflict, op, err)
		case 429:
			return sync.NewProviderError(sync.KindRateLimit, op, err)
		}
	}
	return sync.NewProviderError(sync.KindTransient, op, err)
}

// staticTokenCredential adapts a bearer token to the Azure credential
// interface the Graph SDK expects.
type staticTokenCredential struct {
	token  string
	expiry time.Time
}

func (c *staticTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	expiry := c.expiry
	if expiry.IsZero() {
		expiry = time.Now().Add(time.Hour)
	}
	return azcore.AccessToken{Token: c.token, ExpiresOn: expiry}, nil
}
