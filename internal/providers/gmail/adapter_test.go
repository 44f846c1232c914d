package gmail

import (
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"

	"github.com/Martian-dev/mailsync/internal/store"
	"github.com/Martian-dev/mailsync/internal/sync"
)

func b64(s string) string {
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString([]byte(s))
}

func TestNormalize(t *testing.T) {
	m := &gmailapi.Message{
		Id:           "m-1",
		ThreadId:     "t-1",
		Snippet:      "Hi there",
		InternalDate: 1700000000000,
		LabelIds:     []string{"INBOX", "UNREAD", "STARRED"},
		Payload: &gmailapi.MessagePart{
			MimeType: "multipart/alternative",
			Headers: []*gmailapi.MessagePartHeader{
				{Name: "Subject", Value: "Hello"},
				{Name: "From", Value: "Alice <alice@example.com>"},
				{Name: "To", Value: "Bob <bob@example.com>, carol@example.com"},
				{Name: "In-Reply-To", Value: "<parent@mail>"},
				{Name: "References", Value: "<root@mail> <parent@mail>"},
			},
			Parts: []*gmailapi.MessagePart{
				{MimeType: "text/plain", Body: &gmailapi.MessagePartBody{Data: b64("plain body")}},
				{MimeType: "text/html", Body: &gmailapi.MessagePartBody{Data: b64("<p>html body</p>")}},
			},
		},
	}

	got := normalize(m)
	want := &store.Message{
		MessageID:  "m-1",
		ThreadID:   "t-1",
		Direction:  store.DirectionIncoming,
		Subject:    "Hello",
		From:       "alice@example.com",
		To:         []string{"bob@example.com", "carol@example.com"},
		Snippet:    "Hi there",
		InReplyTo:  "<parent@mail>",
		References: []string{"<root@mail>", "<parent@mail>"},
		ReceivedAt: time.UnixMilli(1700000000000),
		BodyText:   "plain body",
		BodyHTML:   "<p>html body</p>",
		IsStarred:  true,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("normalize mismatch (-want +got):\n%s", diff)
	}
}

func TestFlagsFromLabels(t *testing.T) {
	cases := []struct {
		labels []string
		want   store.MessageFlags
	}{
		{[]string{"INBOX", "UNREAD"}, store.MessageFlags{}},
		{[]string{"INBOX"}, store.MessageFlags{IsRead: true}},
		{[]string{"INBOX", "STARRED"}, store.MessageFlags{IsRead: true, IsStarred: true}},
		{[]string{"UNREAD"}, store.MessageFlags{IsArchived: true}},
		{[]string{"SENT"}, store.MessageFlags{IsRead: true}},
	}
	for _, tc := range cases {
		if got := flagsFromLabels(tc.labels); got != tc.want {
			t.Errorf("flagsFromLabels(%v) = %+v, want %+v", tc.labels, got, tc.want)
		}
	}
}

func TestDirection(t *testing.T) {
	if direction([]string{"SENT"}) != store.DirectionOutgoing {
		t.Error("SENT not outgoing")
	}
	if direction([]string{"INBOX"}) != store.DirectionIncoming {
		t.Error("INBOX not incoming")
	}
}

func TestExtractBodyNested(t *testing.T) {
	// multipart/mixed wrapping multipart/alternative, plus an attachment.
	p := &gmailapi.MessagePart{
		MimeType: "multipart/mixed",
		Parts: []*gmailapi.MessagePart{
			{
				MimeType: "multipart/alternative",
				Parts: []*gmailapi.MessagePart{
					{MimeType: "text/plain", Body: &gmailapi.MessagePartBody{Data: b64("deep text")}},
					{MimeType: "text/html", Body: &gmailapi.MessagePartBody{Data: b64("deep html")}},
				},
			},
			{MimeType: "application/pdf", Filename: "report.pdf", Body: &gmailapi.MessagePartBody{AttachmentId: "att-1"}},
		},
	}

	text, html := extractBody(p)
	if text != "deep text" || html != "deep html" {
		t.Errorf("extractBody = %q, %q", text, html)
	}
	if !hasAttachment(p) {
		t.Error("attachment not detected")
	}
}

func TestExtractAddr(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Alice <alice@example.com>", "alice@example.com"},
		{"alice@example.com", "alice@example.com"},
		{"\"Smith, Alice\" <alice@example.com>", "alice@example.com"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := extractAddr(tc.in); got != tc.want {
			t.Errorf("extractAddr(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		code int
		msg  string
		want sync.ErrorKind
	}{
		{401, "", sync.KindAuth},
		{403, "forbidden", sync.KindAuth},
		{403, "User-rate limit exceeded", sync.KindRateLimit},
		{404, "", sync.KindNotFound},
		{429, "", sync.KindRateLimit},
		{503, "", sync.KindTransient},
	}
	for _, tc := range cases {
		err := classify("op", &googleapi.Error{Code: tc.code, Message: tc.msg})
		if got := sync.KindOf(err); got != tc.want {
			t.Errorf("classify(%d, %q) = %q, want %q", tc.code, tc.msg, got, tc.want)
		}
	}

	if got := sync.KindOf(classify("op", errors.New("dial tcp"))); got != sync.KindTransient {
		t.Errorf("network error classified %q", got)
	}
}

func TestMarkFlagged(t *testing.T) {
	cs := &sync.ChangeSet{}
	seenAdded := map[string]bool{"m-added": true}
	seenFlagged := map[string]bool{}

	markFlagged("m-added", seenAdded, seenFlagged, cs)
	markFlagged("m-1", seenAdded, seenFlagged, cs)
	markFlagged("m-1", seenAdded, seenFlagged, cs)

	if len(cs.FlaggedIDs) != 1 || cs.FlaggedIDs[0] != "m-1" {
		t.Errorf("FlaggedIDs = %v, want [m-1]", cs.FlaggedIDs)
	}
}
