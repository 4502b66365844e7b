package adapter

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/evilpsycho42/hi-boss/internal/store"
)

// ConsoleMessage is the JSON-line wire shape the console adapter
// reads and writes (one line per message, §4.7/"SUPPLEMENTED
// FEATURES"-adjacent local operation mode).
type ConsoleMessage struct {
	ChatID            string              `json:"chatId"`
	AuthorID          string              `json:"authorId,omitempty"`
	AuthorUsername    string              `json:"authorUsername,omitempty"`
	AuthorDisplayName string              `json:"authorDisplayName,omitempty"`
	Text              string              `json:"text,omitempty"`
	Attachments       []ConsoleAttachment `json:"attachments,omitempty"`
	InReplyTo         string              `json:"inReplyTo,omitempty"`
	PlatformMessageID string              `json:"platformMessageId,omitempty"`
}

// ConsoleAttachment mirrors store.Attachment on the wire.
type ConsoleAttachment struct {
	Source        string `json:"source"`
	Filename      string `json:"filename,omitempty"`
	AdapterFileID string `json:"adapterFileId,omitempty"`
}

// ConsoleChannel is a loopback/file-based adapter used for tests and
// local operation: reads JSON lines from an io.Reader (a fifo or
// file), writes JSON lines to an io.Writer (§C9 adapter detail).
type ConsoleChannel struct {
	adapterToken string
	bridge       *Bridge
	out          io.Writer
	mu           sync.Mutex

	nextMessageID int
}

// NewConsoleChannel constructs a console adapter bound to a single
// adapter credential, wired to bridge.
func NewConsoleChannel(adapterToken string, bridge *Bridge, out io.Writer) *ConsoleChannel {
	return &ConsoleChannel{adapterToken: adapterToken, bridge: bridge, out: out}
}

// Platform returns the adapter type name this channel registers under.
func (c *ConsoleChannel) Platform() string {
	return "console"
}

// Run reads JSON lines from in until EOF or ctx is cancelled,
// forwarding each as an inbound message to the Bridge.
func (c *ConsoleChannel) Run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg ConsoleMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			slog.Warn("console adapter: malformed inbound line", "error", err)
			continue
		}
		c.bridge.OnMessage(ctx, c.Platform(), c.adapterToken, InboundMessage{
			ChatID:            msg.ChatID,
			Author:            Author{ID: msg.AuthorID, Username: msg.AuthorUsername, DisplayName: msg.AuthorDisplayName},
			Text:              msg.Text,
			Attachments:       toStoreAttachments(msg.Attachments),
			InReplyTo:         msg.InReplyTo,
			PlatformMessageID: msg.PlatformMessageID,
		})
	}
	return scanner.Err()
}

// SendMessage writes an outbound JSON line and returns a monotonic
// local message id.
func (c *ConsoleChannel) SendMessage(_ context.Context, chatID string, msg OutboundMessage) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextMessageID++
	id := fmt.Sprintf("console-%d", c.nextMessageID)

	line, err := json.Marshal(ConsoleMessage{
		ChatID:            chatID,
		Text:              msg.Text,
		Attachments:       fromStoreAttachments(msg.Attachments),
		PlatformMessageID: id,
		InReplyTo:         msg.ReplyToChannelMessageID,
	})
	if err != nil {
		return "", fmt.Errorf("console adapter: marshal outbound: %w", err)
	}
	if _, err := c.out.Write(append(line, '\n')); err != nil {
		return "", fmt.Errorf("console adapter: write: %w", err)
	}
	return id, nil
}

// SetReaction is a no-op for the console adapter (reactions have no
// plain-text representation); it always succeeds.
func (c *ConsoleChannel) SetReaction(context.Context, string, string, string) error {
	return nil
}

func toStoreAttachments(in []ConsoleAttachment) []store.Attachment {
	if len(in) == 0 {
		return nil
	}
	out := make([]store.Attachment, len(in))
	for i, a := range in {
		out[i] = store.Attachment{Source: a.Source, Filename: a.Filename, AdapterFileID: a.AdapterFileID}
	}
	return out
}

func fromStoreAttachments(in []store.Attachment) []ConsoleAttachment {
	if len(in) == 0 {
		return nil
	}
	out := make([]ConsoleAttachment, len(in))
	for i, a := range in {
		out[i] = ConsoleAttachment{Source: a.Source, Filename: a.Filename, AdapterFileID: a.AdapterFileID}
	}
	return out
}
