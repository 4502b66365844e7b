// Package adapter defines the abstract chat-platform contract (§4.7)
// and the Bridge that adapts inbound channel messages into envelopes
// and dispatches outbound envelopes to the right platform.
package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/evilpsycho42/hi-boss/internal/ids"
	"github.com/evilpsycho42/hi-boss/internal/metrics"
	"github.com/evilpsycho42/hi-boss/internal/store"
	"github.com/evilpsycho42/hi-boss/internal/timefmt"
)

// Author identifies the sender of an inbound message (§4.7).
type Author struct {
	ID          string
	Username    string
	DisplayName string
}

// InboundMessage is what a Channel hands the Bridge on receipt (§4.7).
type InboundMessage struct {
	ChatID            string
	Author            Author
	Text              string
	Attachments       []store.Attachment
	InReplyTo         string
	PlatformMessageID string
}

// OutboundMessage is what the Bridge hands a Channel to send (§4.7).
type OutboundMessage struct {
	Text                    string
	Attachments             []store.Attachment
	ParseMode               string
	ReplyToChannelMessageID string
}

// Channel is the abstract adapter contract one chat platform
// implements (§4.7). Telegram and future platforms are external
// collaborators; only this contract is specified here.
type Channel interface {
	Platform() string
	SendMessage(ctx context.Context, chatID string, msg OutboundMessage) (channelMessageID string, err error)
	SetReaction(ctx context.Context, chatID, channelMessageID, emoji string) error
}

// EnvelopeRouter routes a freshly created envelope (§4.3). Implemented
// by internal/router's Router.
type EnvelopeRouter interface {
	Route(ctx context.Context, e store.Envelope) error
}

// Refresher services the adapter slash-commands that act directly on
// the Agent Executor (§4.7 "onCommand"), bypassing the RPC surface
// entirely. Implemented by internal/executor's Manager.
type Refresher interface {
	RequestRefresh(agentName string)
}

// commandHandlers maps a slash command's name (without the leading
// "/") to the action it performs against the inbound message's
// resolved agent, returning the text to echo back to the chat.
var commandHandlers = map[string]func(b *Bridge, agentName string) string{
	"refresh": func(b *Bridge, agentName string) string {
		if b.refresher == nil {
			return "refresh is not available"
		}
		b.refresher.RequestRefresh(agentName)
		return "session refresh queued"
	},
}

// Bridge adapts between the Store/Router and registered Channels.
type Bridge struct {
	store     *store.Store
	router    EnvelopeRouter
	refresher Refresher
	channels  map[string]Channel
	sanitize  *bluemonday.Policy
}

// New constructs a Bridge with no channels registered yet. router may
// be nil and wired later via SetRouter, to break the Bridge/Router
// construction cycle (each needs the other, §4.3/§4.7).
func New(s *store.Store, router EnvelopeRouter) *Bridge {
	return &Bridge{
		store:    s,
		router:   router,
		channels: make(map[string]Channel),
		sanitize: bluemonday.UGCPolicy(),
	}
}

// SetRouter wires the Router after both have been constructed. Called
// once during daemon startup.
func (b *Bridge) SetRouter(router EnvelopeRouter) {
	b.router = router
}

// SetRefresher wires the Agent Executor Manager so slash commands
// (§4.7 "onCommand") can act on it. Called once during daemon
// startup.
func (b *Bridge) SetRefresher(r Refresher) {
	b.refresher = r
}

// Register adds a Channel implementation, keyed by its platform name.
func (b *Bridge) Register(ch Channel) {
	b.channels[ch.Platform()] = ch
}

// Platforms lists the adapter types currently registered, for
// `daemon.status` (§6, S6).
func (b *Bridge) Platforms() []string {
	platforms := make([]string, 0, len(b.channels))
	for p := range b.channels {
		platforms = append(platforms, p)
	}
	sort.Strings(platforms)
	return platforms
}

// OnMessage is called by a Channel implementation on inbound receipt.
// adapterToken is the bot credential the message arrived on — used to
// resolve the owning agent via the (platform, adapterToken) binding
// (§4.7 (a)).
func (b *Bridge) OnMessage(ctx context.Context, platform, adapterToken string, msg InboundMessage) {
	binding, err := b.store.GetBindingByCredential(ctx, platform, adapterToken)
	if err != nil {
		if err == store.ErrNotFound {
			slog.Warn("adapter: dropped message on unbound credential", "platform", platform, "chat_id", msg.ChatID)
			metrics.AdapterMessagesTotal.WithLabelValues(platform, "inbound", "unbound").Inc()
			b.warnBossUnbound(ctx, platform, msg.ChatID)
			return
		}
		slog.Error("adapter: resolve binding", "platform", platform, "error", err)
		metrics.AdapterMessagesTotal.WithLabelValues(platform, "inbound", "error").Inc()
		return
	}

	if cmd, ok := parseCommand(msg.Text); ok {
		b.onCommand(ctx, platform, msg.ChatID, binding.AgentName, cmd)
		return
	}

	fromBoss := b.isBoss(ctx, platform, msg.Author.ID)

	meta := map[string]any{
		"platformMessageId": msg.PlatformMessageID,
		"author": map[string]any{
			"id": msg.Author.ID, "username": msg.Author.Username, "displayName": msg.Author.DisplayName,
		},
	}
	if msg.InReplyTo != "" {
		meta[store.MetaReplyToEnvelope] = msg.InReplyTo
	}

	e := store.Envelope{
		ID:        ids.New(),
		From:      "channel:" + platform + ":" + msg.ChatID,
		To:        "agent:" + binding.AgentName,
		FromBoss:  fromBoss,
		Content:   store.Content{Text: msg.Text, Attachments: msg.Attachments},
		Status:    "pending",
		CreatedAt: timefmt.ToMillis(time.Now()),
		Metadata:  meta,
	}

	if err := b.store.CreateEnvelope(ctx, e); err != nil {
		slog.Error("adapter: persist inbound envelope", "error", err)
		metrics.AdapterMessagesTotal.WithLabelValues(platform, "inbound", "error").Inc()
		return
	}
	if err := b.router.Route(ctx, e); err != nil {
		slog.Error("adapter: route inbound envelope", "envelope_id", e.ID, "error", err)
		metrics.AdapterMessagesTotal.WithLabelValues(platform, "inbound", "error").Inc()
		return
	}
	metrics.AdapterMessagesTotal.WithLabelValues(platform, "inbound", "ok").Inc()
}

// parseCommand reports whether text is a slash command (e.g.
// "/refresh") and, if so, its name lowercased and with the leading
// slash and any trailing arguments stripped.
func parseCommand(text string) (name string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", false
	}
	text = strings.TrimPrefix(text, "/")
	if i := strings.IndexAny(text, " \t\n"); i >= 0 {
		text = text[:i]
	}
	if text == "" {
		return "", false
	}
	return strings.ToLower(text), true
}

// onCommand dispatches a slash command against agentName (§4.7
// "onCommand"), echoing a one-line result back to the originating
// chat on the same platform/channel.
func (b *Bridge) onCommand(ctx context.Context, platform, chatID, agentName, cmd string) {
	handler, ok := commandHandlers[cmd]
	reply := fmt.Sprintf("unknown command /%s", cmd)
	outcome := "unknown"
	if ok {
		reply = handler(b, agentName)
		outcome = "ok"
	}
	metrics.AdapterMessagesTotal.WithLabelValues(platform, "command", outcome).Inc()

	ch, ok := b.channels[platform]
	if !ok {
		return
	}
	_, _ = ch.SendMessage(ctx, chatID, OutboundMessage{Text: reply})
}

// isBoss reports whether an inbound sender id matches the configured
// adapter_boss_id_<platform>, case-insensitively (§4.7).
func (b *Bridge) isBoss(ctx context.Context, platform, authorID string) bool {
	bossID, err := b.store.GetConfig(ctx, store.ConfigAdapterBossIDKey(platform))
	if err != nil {
		return false
	}
	return strings.EqualFold(bossID, authorID)
}

// warnBossUnbound sends a one-line warning to the boss on the same
// platform, if the boss's own chat is known and bound (§4.7 (a)).
func (b *Bridge) warnBossUnbound(ctx context.Context, platform, chatID string) {
	ch, ok := b.channels[platform]
	if !ok {
		return
	}
	bossChatID, err := b.store.GetConfig(ctx, store.ConfigAdapterBossIDKey(platform))
	if err != nil || bossChatID == "" {
		return
	}
	_, _ = ch.SendMessage(ctx, bossChatID, OutboundMessage{
		Text: fmt.Sprintf("unbound adapter message dropped from chat %s", chatID),
	})
}

// Send dispatches an outbound envelope to its destination channel,
// satisfying router.ChannelSender (§4.3, §4.7 (b)).
func (b *Bridge) Send(ctx context.Context, adapterType, chatID string, e store.Envelope) (string, error) {
	ch, ok := b.channels[adapterType]
	if !ok {
		return "", fmt.Errorf("adapter: no channel registered for %q", adapterType)
	}

	out := OutboundMessage{
		Text:        e.Content.Text,
		Attachments: e.Content.Attachments,
	}
	if mode, _ := e.Metadata["parseMode"].(string); mode != "" {
		out.ParseMode = mode
		if strings.EqualFold(mode, "html") {
			out.Text = b.sanitize.Sanitize(out.Text)
		}
	}
	if replyTo, _ := e.Metadata[store.MetaReplyToEnvelope].(string); replyTo != "" {
		if replied, err := b.store.GetEnvelope(ctx, replyTo); err == nil {
			if pmid, _ := replied.Metadata["platformMessageId"].(string); pmid != "" {
				out.ReplyToChannelMessageID = pmid
			}
		}
	}

	id, err := ch.SendMessage(ctx, chatID, out)
	if err != nil {
		metrics.AdapterMessagesTotal.WithLabelValues(adapterType, "outbound", "error").Inc()
		return "", err
	}
	metrics.AdapterMessagesTotal.WithLabelValues(adapterType, "outbound", "ok").Inc()
	return id, nil
}

// SetReaction sets an emoji reaction on a previously sent channel
// message, by adapter type (`reaction.set` RPC, §6).
func (b *Bridge) SetReaction(ctx context.Context, adapterType, chatID, channelMessageID, emoji string) error {
	ch, ok := b.channels[adapterType]
	if !ok {
		return fmt.Errorf("adapter: no channel registered for %q", adapterType)
	}
	return ch.SetReaction(ctx, chatID, channelMessageID, emoji)
}
