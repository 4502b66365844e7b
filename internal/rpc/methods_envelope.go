package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/evilpsycho42/hi-boss/internal/ids"
	"github.com/evilpsycho42/hi-boss/internal/store"
	"github.com/evilpsycho42/hi-boss/internal/timefmt"
	"github.com/evilpsycho42/hi-boss/internal/validate"
)

func init() {
	register("envelope.send", envelopeSend)
	register("envelope.list", envelopeList)
	register("envelope.get", envelopeGet)
	register("envelope.cancel", envelopeCancel)
}

type envelopeSendParams struct {
	To                string             `json:"to"`
	Text              string             `json:"text"`
	Attachments       []store.Attachment `json:"attachments,omitempty"`
	DeliverAt         string             `json:"deliverAt,omitempty"`
	ReplyToEnvelopeID string             `json:"replyToEnvelopeId,omitempty"`
	ParseMode         string             `json:"parseMode,omitempty"`
}

type envelopeSendResult struct {
	EnvelopeID string `json:"envelopeId"`
}

// envelopeSend persists a new envelope addressed to an agent or
// channel and either routes it immediately (no deliverAt, or a
// deliverAt already due) or leaves it for the Scheduler to pick up,
// nudging the wake timer so the new deadline is honored (§4.3, §6).
func envelopeSend(ctx context.Context, s *Server, raw json.RawMessage) (any, error) {
	p, err := decodeParams[envelopeSendParams](raw)
	if err != nil {
		return nil, err
	}
	if p.To == "" {
		return nil, Errorf(KindValidation, "to must not be empty")
	}
	if _, err := validate.ParseAddress(p.To); err != nil {
		return nil, Errorf(KindValidation, "%v", err)
	}

	now := time.Now()
	deliverAt, err := timefmt.ParseDeliverAt(p.DeliverAt, now)
	if err != nil {
		return nil, Errorf(KindValidation, "%v", err)
	}

	identity, _ := identityFrom(ctx)
	from := "boss"
	fromBoss := identity.IsBoss
	if identity.Agent != nil {
		from = "agent:" + identity.Agent.Name
	}

	meta := map[string]any{}
	if p.ReplyToEnvelopeID != "" {
		meta[store.MetaReplyToEnvelope] = p.ReplyToEnvelopeID
	}
	if p.ParseMode != "" {
		meta["parseMode"] = p.ParseMode
	}

	e := store.Envelope{
		ID:        ids.New(),
		From:      from,
		To:        p.To,
		FromBoss:  fromBoss,
		Content:   store.Content{Text: p.Text, Attachments: p.Attachments},
		DeliverAt: timefmt.ToMillis(deliverAt),
		Status:    "pending",
		CreatedAt: timefmt.ToMillis(now),
		Metadata:  meta,
	}
	if err := s.store.CreateEnvelope(ctx, e); err != nil {
		return nil, err
	}

	if e.DeliverAt == 0 || e.DeliverAt <= timefmt.ToMillis(now) {
		if err := s.router.Route(ctx, e); err != nil {
			return nil, err
		}
	} else if s.nudge != nil {
		s.nudge()
	}

	return envelopeSendResult{EnvelopeID: e.ID}, nil
}

type envelopeListParams struct {
	Address string `json:"address,omitempty"`
	Box     string `json:"box"`
	Status  string `json:"status,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

type envelopeListResult struct {
	Envelopes []envelopeView `json:"envelopes"`
}

type envelopeView struct {
	ID          string             `json:"id"`
	ShortID     string             `json:"shortId"`
	From        string             `json:"from"`
	To          string             `json:"to"`
	FromBoss    bool               `json:"fromBoss"`
	Text        string             `json:"text"`
	Attachments []store.Attachment `json:"attachments,omitempty"`
	DeliverAt   string             `json:"deliverAt,omitempty"`
	Status      string             `json:"status"`
	CreatedAt   string             `json:"createdAt"`
}

func toEnvelopeView(e store.Envelope) envelopeView {
	v := envelopeView{
		ID:          e.ID,
		ShortID:     ids.Short(e.ID),
		From:        e.From,
		To:          e.To,
		FromBoss:    e.FromBoss,
		Text:        e.Content.Text,
		Attachments: e.Content.Attachments,
		Status:      e.Status,
		CreatedAt:   timefmt.Format(timefmt.FromMillis(e.CreatedAt)),
	}
	if e.DeliverAt != 0 {
		v.DeliverAt = timefmt.Format(timefmt.FromMillis(e.DeliverAt))
	}
	return v
}

// envelopeList lists envelopes addressed to (inbox) or from (outbox)
// an address, defaulting to the caller's own address for an agent
// token; only the boss may list another address's mailbox (§6).
func envelopeList(ctx context.Context, s *Server, raw json.RawMessage) (any, error) {
	p, err := decodeParams[envelopeListParams](raw)
	if err != nil {
		return nil, err
	}
	identity, _ := identityFrom(ctx)

	addr := p.Address
	if addr == "" {
		if identity.Agent == nil {
			return nil, Errorf(KindValidation, "address is required for the boss token")
		}
		addr = "agent:" + identity.Agent.Name
	} else if identity.Agent != nil && addr != "agent:"+identity.Agent.Name {
		return nil, Errorf(KindPermission, "agents may only list their own mailbox")
	}

	box := p.Box
	if box == "" {
		box = "inbox"
	}
	limit := p.Limit
	if limit <= 0 {
		limit = 100
	}

	envelopes, err := s.store.ListEnvelopesByAddress(ctx, addr, p.Status, box, limit)
	if err != nil {
		return nil, err
	}
	views := make([]envelopeView, len(envelopes))
	for i, e := range envelopes {
		views[i] = toEnvelopeView(e)
	}
	return envelopeListResult{Envelopes: views}, nil
}

type envelopeIDParams struct {
	ID string `json:"id"`
}

// envelopeGet resolves a full or short-id-prefixed envelope id (§9
// "Short IDs"). A prefix matching more than one envelope is an
// ambiguous-prefix error enumerating the candidates.
func envelopeGet(ctx context.Context, s *Server, raw json.RawMessage) (any, error) {
	p, err := decodeParams[envelopeIDParams](raw)
	if err != nil {
		return nil, err
	}
	e, err := resolveEnvelope(ctx, s, p.ID)
	if err != nil {
		return nil, err
	}
	return toEnvelopeView(*e), nil
}

// envelopeCancel retracts a still-pending envelope before delivery
// (SUPPLEMENTED FEATURES "envelope.cancel").
func envelopeCancel(ctx context.Context, s *Server, raw json.RawMessage) (any, error) {
	p, err := decodeParams[envelopeIDParams](raw)
	if err != nil {
		return nil, err
	}
	e, err := resolveEnvelope(ctx, s, p.ID)
	if err != nil {
		return nil, err
	}
	if err := s.store.CancelEnvelope(ctx, e.ID); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, Errorf(KindConflict, "envelope %s is no longer pending", ids.Short(e.ID))
		}
		return nil, err
	}
	return envelopeSendResult{EnvelopeID: e.ID}, nil
}

// resolveEnvelope looks up an envelope by full id, falling back to
// short-id-prefix search (§9 "Short IDs").
func resolveEnvelope(ctx context.Context, s *Server, idOrPrefix string) (*store.Envelope, error) {
	if idOrPrefix == "" {
		return nil, Errorf(KindValidation, "id must not be empty")
	}
	if e, err := s.store.GetEnvelope(ctx, idOrPrefix); err == nil {
		return e, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	matches, err := s.store.FindEnvelopesByIDPrefix(ctx, idOrPrefix)
	if err != nil {
		return nil, err
	}
	switch len(matches) {
	case 0:
		return nil, Errorf(KindNotFound, "no envelope matches id %q", idOrPrefix)
	case 1:
		return &matches[0], nil
	default:
		return nil, ambiguousEnvelopes(matches)
	}
}

func ambiguousEnvelopes(matches []store.Envelope) *Error {
	candidates := make([]map[string]any, len(matches))
	for i, m := range matches {
		candidates[i] = map[string]any{
			"id":        m.ID,
			"createdAt": timefmt.Format(timefmt.FromMillis(m.CreatedAt)),
		}
	}
	return Errorf(KindAmbiguous, "short id matches %d envelopes", len(matches)).WithData(map[string]any{"candidates": candidates})
}
