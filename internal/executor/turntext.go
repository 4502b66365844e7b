package executor

import (
	"fmt"
	"strings"
	"time"

	"github.com/evilpsycho42/hi-boss/internal/store"
	"github.com/evilpsycho42/hi-boss/internal/timefmt"
)

// ReplyLookup resolves a referenced envelope for reply/quote context
// rendering. Implemented by a closure over the Store.
type ReplyLookup func(envelopeID string) (*store.Envelope, bool)

// FormatTurn renders the agent-facing plain-text turn input (§4.5
// "Turn input format"): a header block, then one block per envelope,
// with consecutive channel envelopes sharing the same `from:` grouped
// into a single block.
func FormatTurn(now time.Time, envelopes []store.Envelope, lookupReply ReplyLookup) string {
	var b strings.Builder
	fmt.Fprintf(&b, "now: %s\n", timefmt.Format(now))
	fmt.Fprintf(&b, "pending-envelopes: %d\n", len(envelopes))

	for _, group := range groupConsecutive(envelopes) {
		b.WriteString("\n")
		writeGroup(&b, group, lookupReply)
	}
	return b.String()
}

// groupConsecutive groups consecutive channel-origin envelopes that
// share the same `from:` address into one block each; agent-origin
// envelopes are never grouped (one block each, §4.5).
func groupConsecutive(envelopes []store.Envelope) [][]store.Envelope {
	var groups [][]store.Envelope
	for _, e := range envelopes {
		isChannel := strings.HasPrefix(e.From, "channel:")
		if isChannel && len(groups) > 0 {
			last := groups[len(groups)-1]
			if last[0].From == e.From {
				groups[len(groups)-1] = append(last, e)
				continue
			}
		}
		groups = append(groups, []store.Envelope{e})
	}
	return groups
}

func writeGroup(b *strings.Builder, group []store.Envelope, lookupReply ReplyLookup) {
	head := group[0]
	fmt.Fprintf(b, "from: %s\n", head.From)
	fmt.Fprintf(b, "to: %s\n", head.To)

	if strings.HasPrefix(head.From, "channel:") {
		if sender := senderLine(head); sender != "" {
			fmt.Fprintf(b, "sender: %s\n", sender)
		}
	}

	fmt.Fprintf(b, "created-at: %s\n", timefmt.Format(timefmt.FromMillis(head.CreatedAt)))
	if head.DeliverAt != 0 {
		fmt.Fprintf(b, "deliver-at: %s\n", timefmt.Format(timefmt.FromMillis(head.DeliverAt)))
	}
	if cronID, _ := head.Metadata[store.MetaCronScheduleID].(string); cronID != "" {
		fmt.Fprintf(b, "cron-id: %s\n", cronID)
	}

	for _, e := range group {
		if replyTo, _ := e.Metadata[store.MetaReplyToEnvelope].(string); replyTo != "" && lookupReply != nil {
			if replied, ok := lookupReply(replyTo); ok {
				fmt.Fprintf(b, "reply-to: %s\n", summarize(replied.Content.Text))
			}
		}
		if e.Content.Text != "" {
			b.WriteString(e.Content.Text)
			b.WriteString("\n")
		}
		if len(e.Content.Attachments) > 0 {
			b.WriteString("attachments:\n")
			for _, a := range e.Content.Attachments {
				fmt.Fprintf(b, "  - %s\n", attachmentLine(a))
			}
		}
	}
}

// senderLine renders a channel envelope's author, with a `[boss]`
// suffix when the message was sent by the configured adapter boss
// identity (§4.5, §4.7).
func senderLine(e store.Envelope) string {
	author, _ := e.Metadata["author"].(map[string]any)
	var name string
	if author != nil {
		switch {
		case nonEmptyString(author["displayName"]) != "":
			name = author["displayName"].(string)
		case nonEmptyString(author["username"]) != "":
			name = author["username"].(string)
		case nonEmptyString(author["id"]) != "":
			name = author["id"].(string)
		}
	}
	if name == "" {
		return ""
	}
	if e.FromBoss {
		name += " [boss]"
	}
	return name
}

func nonEmptyString(v any) string {
	s, _ := v.(string)
	return s
}

func attachmentLine(a store.Attachment) string {
	if a.Filename != "" {
		return fmt.Sprintf("%s (%s)", a.Filename, a.Source)
	}
	return a.Source
}

func summarize(text string) string {
	text = strings.TrimSpace(text)
	const maxLen = 80
	if len(text) > maxLen {
		return text[:maxLen] + "…"
	}
	return text
}
