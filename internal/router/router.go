// Package router resolves an envelope's destination address and
// enforces send-authorization between agents and the adapter types
// they are bound to (§4.3).
package router

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/evilpsycho42/hi-boss/internal/metrics"
	"github.com/evilpsycho42/hi-boss/internal/store"
	"github.com/evilpsycho42/hi-boss/internal/timefmt"
	"github.com/evilpsycho42/hi-boss/internal/validate"
)

// ChannelSender dispatches an outbound envelope to the adapter
// identified by adapterType. Implemented by internal/adapter's Bridge.
type ChannelSender interface {
	Send(ctx context.Context, adapterType, chatID string, e store.Envelope) (channelMessageID string, err error)
}

// AgentSignaler notifies an agent's Executor worker that new pending
// work may exist. Implemented by internal/executor's Manager.
type AgentSignaler interface {
	Signal(agentName string)
}

// Router wires the Store, the Adapter Bridge, the Scheduler, and the
// per-agent Executors together (§4.3 data flow).
type Router struct {
	store    *store.Store
	channels ChannelSender
	agents   AgentSignaler
	nudge    func() // scheduler.Nudge, wired after construction to avoid an import cycle
}

// New constructs a Router.
func New(s *store.Store, channels ChannelSender, agents AgentSignaler) *Router {
	return &Router{store: s, channels: channels, agents: agents}
}

// SetNudge wires the Scheduler's wake-timer nudge. Called once during
// daemon startup.
func (r *Router) SetNudge(nudge func()) {
	r.nudge = nudge
}

// Route resolves and dispatches one envelope that has already been
// persisted as pending, per §4.3. It is also the entry point for
// already-due envelopes rediscovered by the Scheduler.
func (r *Router) Route(ctx context.Context, e store.Envelope) error {
	addr, err := validate.ParseAddress(e.To)
	if err != nil {
		return fmt.Errorf("router: %w", err)
	}

	switch addr.Kind {
	case validate.AddressAgent:
		return r.routeToAgent(addr.AgentName)
	case validate.AddressChannel:
		return r.routeToChannel(ctx, e, addr)
	default:
		return fmt.Errorf("router: unrecognized address kind for %q", e.To)
	}
}

// routeToAgent persists nothing further (the envelope is already
// pending) and signals the Executor; it never marks agent-destined
// envelopes done itself (§4.3).
func (r *Router) routeToAgent(agentName string) error {
	r.agents.Signal(agentName)
	metrics.EnvelopesRoutedTotal.WithLabelValues("agent", "signalled").Inc()
	return nil
}

// routeToChannel enforces send-authorization, dispatches through the
// Adapter Bridge, and terminalizes the envelope either way (§4.3 (b)-(d)).
func (r *Router) routeToChannel(ctx context.Context, e store.Envelope, addr validate.Address) error {
	fromAddr, err := validate.ParseAddress(e.From)
	if err == nil && fromAddr.Kind == validate.AddressAgent {
		bound, err := r.store.IsAgentBoundToAdapter(ctx, fromAddr.AgentName, addr.AdapterType)
		if err != nil {
			return fmt.Errorf("router: check binding: %w", err)
		}
		if !bound {
			return r.fail(ctx, e, "permission-denied",
				fmt.Sprintf("agent %q is not bound to adapter type %q", fromAddr.AgentName, addr.AdapterType))
		}
	}

	channelMessageID, err := r.channels.Send(ctx, addr.AdapterType, addr.ChatID, e)
	if err != nil {
		return r.fail(ctx, e, "adapter-error", err.Error())
	}
	if channelMessageID != "" {
		if err := r.store.SetEnvelopePlatformMessageID(ctx, e.ID, channelMessageID); err != nil {
			return fmt.Errorf("router: record channel message id: %w", err)
		}
	}

	if err := r.store.MarkEnvelopesDone(ctx, []string{e.ID}); err != nil {
		return fmt.Errorf("router: mark delivered: %w", err)
	}
	metrics.EnvelopesRoutedTotal.WithLabelValues("channel", "delivered").Inc()
	return nil
}

// fail records a terminal delivery failure and marks the envelope
// done in the same step (delivery failures are terminal, §4.3(d)).
func (r *Router) fail(ctx context.Context, e store.Envelope, kind, message string) error {
	slog.Warn("router: channel delivery failed", "envelope_id", e.ID, "to", e.To, "kind", kind, "error", message)
	err := r.store.MarkEnvelopeDoneWithError(ctx, e.ID, store.DeliveryError{
		At:      timefmt.ToMillis(time.Now()),
		Kind:    kind,
		Message: message,
	})
	if err != nil {
		return fmt.Errorf("router: record delivery failure: %w", err)
	}
	metrics.EnvelopesRoutedTotal.WithLabelValues("channel", kind).Inc()
	return nil
}

// DrainDue pulls every currently-due envelope (channel or agent
// destined) and routes it. Called by the Scheduler's fire callback
// and at startup recovery.
func (r *Router) DrainDue(ctx context.Context) {
	now := timefmt.ToMillis(time.Now())

	channelEnvelopes, err := r.store.DueChannelEnvelopes(ctx, now, 100)
	if err != nil {
		slog.Error("router: list due channel envelopes", "error", err)
	}
	for _, e := range channelEnvelopes {
		if err := r.Route(ctx, e); err != nil {
			slog.Error("router: route channel envelope", "envelope_id", e.ID, "error", err)
		}
	}

	names, err := r.store.DueAgentNames(ctx, now)
	if err != nil {
		slog.Error("router: list due agent names", "error", err)
		return
	}
	for _, name := range names {
		r.agents.Signal(name)
	}
}
