package rpc

import (
	"context"
	"encoding/json"
	"strings"
)

func init() {
	register("reaction.set", reactionSet)
}

type reactionSetParams struct {
	EnvelopeID string `json:"envelopeId"`
	Emoji      string `json:"emoji"`
}

type reactionSetResult struct {
	OK bool `json:"ok"`
}

// reactionSet sets an emoji reaction on a previously sent channel
// message (§4.7, §6). The target channel envelope is resolved to its
// platform, chat id, and channelMessageId via its address and the
// inbound metadata the Adapter Bridge recorded.
func reactionSet(ctx context.Context, s *Server, raw json.RawMessage) (any, error) {
	p, err := decodeParams[reactionSetParams](raw)
	if err != nil {
		return nil, err
	}
	if p.EnvelopeID == "" || p.Emoji == "" {
		return nil, Errorf(KindValidation, "envelopeId and emoji are required")
	}

	e, err := resolveEnvelope(ctx, s, p.EnvelopeID)
	if err != nil {
		return nil, err
	}

	adapterType, chatID, ok := channelAddrParts(e.From)
	if !ok {
		adapterType, chatID, ok = channelAddrParts(e.To)
	}
	if !ok {
		return nil, Errorf(KindValidation, "envelope %s is not associated with a channel", p.EnvelopeID)
	}

	channelMessageID, _ := e.Metadata["platformMessageId"].(string)
	if channelMessageID == "" {
		return nil, Errorf(KindNotFound, "envelope %s has no channel message to react to", p.EnvelopeID)
	}

	if err := s.adapter.SetReaction(ctx, adapterType, chatID, channelMessageID, p.Emoji); err != nil {
		return nil, Errorf(KindAdapter, "%v", err)
	}
	return reactionSetResult{OK: true}, nil
}

// channelAddrParts splits a "channel:<adapterType>:<chatId>" address;
// ok is false for any other address shape.
func channelAddrParts(addr string) (adapterType, chatID string, ok bool) {
	rest, found := strings.CutPrefix(addr, "channel:")
	if !found {
		return "", "", false
	}
	return strings.Cut(rest, ":")
}
