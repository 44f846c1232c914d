package sync

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/Martian-dev/mailsync/internal/store"
)

// ThreadResolver derives a stable conversation id for a message. Resolution
// order: the provider's native thread id, then the reply headers, then a
// synthesized id from the message's identity fields. The same inputs always
// yield the same id, so replayed messages land in the same thread.
type ThreadResolver struct{}

var (
	replyPrefixRe = regexp.MustCompile(`(?i)^(re|fwd?|aw|sv)\s*:\s*`)
	bracketTagRe  = regexp.MustCompile(`^\[[^\]]*\]\s*`)
)

// NormalizeSubject lowercases the subject and strips reply/forward prefixes
// and leading bracket tags, repeatedly, so "Re: [list] Re: Hello" and
// "hello" key the same conversation.
func (ThreadResolver) NormalizeSubject(subject string) string {
	s := strings.TrimSpace(subject)
	for {
		stripped := replyPrefixRe.ReplaceAllString(s, "")
		stripped = bracketTagRe.ReplaceAllString(stripped, "")
		stripped = strings.TrimSpace(stripped)
		if stripped == s {
			break
		}
		s = stripped
	}
	return strings.ToLower(s)
}

// Resolve fills msg.ThreadID and msg.NormalizedSubject. nativeID is the
// provider's own thread or conversation id, empty when the provider has
// none for this message.
func (r ThreadResolver) Resolve(msg *store.Message, nativeID string) {
	msg.NormalizedSubject = r.NormalizeSubject(msg.Subject)

	if nativeID != "" {
		msg.ThreadID = nativeID
		return
	}

	// The first References entry names the conversation root; In-Reply-To
	// points at the direct parent. Either anchors the message to an
	// existing exchange.
	if len(msg.References) > 0 {
		msg.ThreadID = r.synthesizeFromRef(msg.References[0])
		return
	}
	if msg.InReplyTo != "" {
		msg.ThreadID = r.synthesizeFromRef(msg.InReplyTo)
		return
	}

	msg.ThreadID = r.synthesize(msg)
}

func (ThreadResolver) synthesizeFromRef(ref string) string {
	h := sha256.Sum256([]byte("ref:" + strings.TrimSpace(ref)))
	return "syn-" + hex.EncodeToString(h[:16])
}

// synthesize keys a fresh conversation on who is talking about what. Both
// the original and any same-subject reply from the counterpart hash to the
// pair regardless of direction.
func (r ThreadResolver) synthesize(msg *store.Message) string {
	a := strings.ToLower(strings.TrimSpace(msg.From))
	b := strings.ToLower(strings.TrimSpace(msg.PrimaryRecipient()))
	if a > b {
		a, b = b, a
	}
	h := sha256.Sum256([]byte(msg.NormalizedSubject + "|" + a + "|" + b))
	return "syn-" + hex.EncodeToString(h[:16])
}
