package router_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evilpsycho42/hi-boss/internal/ids"
	"github.com/evilpsycho42/hi-boss/internal/router"
	"github.com/evilpsycho42/hi-boss/internal/store"
	"github.com/evilpsycho42/hi-boss/internal/timefmt"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type fakeChannels struct {
	mu      sync.Mutex
	sent    []string
	failOn  string
	replyID string
}

func (f *fakeChannels) Send(_ context.Context, adapterType, chatID string, e store.Envelope) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn == e.ID {
		return "", fmt.Errorf("adapter unreachable")
	}
	f.sent = append(f.sent, adapterType+":"+chatID+":"+e.Content.Text)
	return f.replyID, nil
}

type fakeSignaler struct {
	mu      sync.Mutex
	signals []string
}

func (f *fakeSignaler) Signal(agentName string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, agentName)
}

func mustCreateAgentWithBinding(t *testing.T, s *store.Store, name, adapterType string) {
	t.Helper()
	require.NoError(t, s.CreateAgent(context.Background(), store.Agent{
		Name: name, Token: ids.GenerateToken(), Provider: "claude",
		PermissionLevel: "standard", CreatedAt: timefmt.ToMillis(time.Now()),
	}))
	if adapterType != "" {
		require.NoError(t, s.CreateBinding(context.Background(), store.AgentBinding{
			ID: ids.New(), AgentName: name, AdapterType: adapterType,
			AdapterToken: "tok-" + name, CreatedAt: timefmt.ToMillis(time.Now()),
		}))
	}
}

func TestRouter_RouteToAgent_SignalsExecutor(t *testing.T) {
	s := openTestStore(t)
	signaler := &fakeSignaler{}
	r := router.New(s, &fakeChannels{}, signaler)

	e := store.Envelope{ID: ids.New(), From: "channel:telegram:1", To: "agent:nex", Content: store.Content{Text: "hi"}}
	require.NoError(t, r.Route(context.Background(), e))

	signaler.mu.Lock()
	defer signaler.mu.Unlock()
	assert.Equal(t, []string{"nex"}, signaler.signals)

	got, err := s.GetEnvelope(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, "pending", got.Status, "router never terminalizes agent-destined envelopes itself")
}

func TestRouter_RouteToChannel_DeniesUnboundAgent(t *testing.T) {
	s := openTestStore(t)
	mustCreateAgentWithBinding(t, s, "nex", "")
	channels := &fakeChannels{}
	r := router.New(s, channels, &fakeSignaler{})

	eid := ids.New()
	require.NoError(t, s.CreateEnvelope(context.Background(), store.Envelope{
		ID: eid, From: "agent:nex", To: "channel:telegram:555", Content: store.Content{Text: "hi"},
		CreatedAt: timefmt.ToMillis(time.Now()),
	}))
	e, err := s.GetEnvelope(context.Background(), eid)
	require.NoError(t, err)

	require.NoError(t, r.Route(context.Background(), *e))

	assert.Empty(t, channels.sent, "adapter must never be called for an unbound agent")
	got, err := s.GetEnvelope(context.Background(), eid)
	require.NoError(t, err)
	assert.Equal(t, "done", got.Status)
	assert.Equal(t, "permission-denied", got.Metadata["lastDeliveryError"].(map[string]any)["kind"])
}

func TestRouter_RouteToChannel_DeliversAndMarksDone(t *testing.T) {
	s := openTestStore(t)
	mustCreateAgentWithBinding(t, s, "nex", "telegram")
	channels := &fakeChannels{}
	r := router.New(s, channels, &fakeSignaler{})

	eid := ids.New()
	require.NoError(t, s.CreateEnvelope(context.Background(), store.Envelope{
		ID: eid, From: "agent:nex", To: "channel:telegram:555", Content: store.Content{Text: "hello"},
		CreatedAt: timefmt.ToMillis(time.Now()),
	}))
	e, err := s.GetEnvelope(context.Background(), eid)
	require.NoError(t, err)

	require.NoError(t, r.Route(context.Background(), *e))

	assert.Equal(t, []string{"telegram:555:hello"}, channels.sent)
	got, err := s.GetEnvelope(context.Background(), eid)
	require.NoError(t, err)
	assert.Equal(t, "done", got.Status)
}

func TestRouter_RouteToChannel_AdapterFailureIsTerminal(t *testing.T) {
	s := openTestStore(t)
	mustCreateAgentWithBinding(t, s, "nex", "telegram")
	eid := ids.New()
	channels := &fakeChannels{failOn: eid}
	r := router.New(s, channels, &fakeSignaler{})

	require.NoError(t, s.CreateEnvelope(context.Background(), store.Envelope{
		ID: eid, From: "agent:nex", To: "channel:telegram:555", Content: store.Content{Text: "hello"},
		CreatedAt: timefmt.ToMillis(time.Now()),
	}))
	e, err := s.GetEnvelope(context.Background(), eid)
	require.NoError(t, err)

	require.NoError(t, r.Route(context.Background(), *e))

	got, err := s.GetEnvelope(context.Background(), eid)
	require.NoError(t, err)
	assert.Equal(t, "done", got.Status, "delivery failures are terminal, at-most-once")
	assert.Equal(t, "adapter-error", got.Metadata["lastDeliveryError"].(map[string]any)["kind"])
}

func TestRouter_DrainDue_RoutesBothKinds(t *testing.T) {
	s := openTestStore(t)
	mustCreateAgentWithBinding(t, s, "nex", "telegram")
	channels := &fakeChannels{}
	signaler := &fakeSignaler{}
	r := router.New(s, channels, signaler)

	now := timefmt.ToMillis(time.Now())
	require.NoError(t, s.CreateEnvelope(context.Background(), store.Envelope{
		ID: ids.New(), From: "agent:nex", To: "channel:telegram:1", Content: store.Content{Text: "c"}, CreatedAt: now,
	}))
	require.NoError(t, s.CreateEnvelope(context.Background(), store.Envelope{
		ID: ids.New(), From: "channel:telegram:1", To: "agent:nex", Content: store.Content{Text: "a"}, CreatedAt: now,
	}))

	r.DrainDue(context.Background())

	assert.Len(t, channels.sent, 1)
	signaler.mu.Lock()
	defer signaler.mu.Unlock()
	assert.Contains(t, signaler.signals, "nex")
}
