package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evilpsycho42/hi-boss/internal/store"
)

func mustCreateAgent(t *testing.T, s *store.Store, name string) {
	t.Helper()
	require.NoError(t, s.CreateAgent(context.Background(), store.Agent{
		Name: name, Token: "tok-" + name, Provider: "claude", CreatedAt: 1,
	}))
}

func TestCreateBinding_AndResolve(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustCreateAgent(t, s, "scout")

	require.NoError(t, s.CreateBinding(ctx, store.AgentBinding{
		ID: "b1", AgentName: "scout", AdapterType: "telegram", AdapterToken: "chat-1", CreatedAt: 1,
	}))

	got, err := s.GetBindingByCredential(ctx, "telegram", "chat-1")
	require.NoError(t, err)
	assert.Equal(t, "scout", got.AgentName)

	_, err = s.GetBindingByCredential(ctx, "telegram", "no-such-chat")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreateBinding_DuplicateCredential_Conflict(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustCreateAgent(t, s, "scout")
	mustCreateAgent(t, s, "sidekick")

	require.NoError(t, s.CreateBinding(ctx, store.AgentBinding{
		ID: "b1", AgentName: "scout", AdapterType: "telegram", AdapterToken: "chat-1", CreatedAt: 1,
	}))
	err := s.CreateBinding(ctx, store.AgentBinding{
		ID: "b2", AgentName: "sidekick", AdapterType: "telegram", AdapterToken: "chat-1", CreatedAt: 2,
	})
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestCreateBinding_DuplicateAgentAdapterType_Conflict(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustCreateAgent(t, s, "scout")

	require.NoError(t, s.CreateBinding(ctx, store.AgentBinding{
		ID: "b1", AgentName: "scout", AdapterType: "telegram", AdapterToken: "chat-1", CreatedAt: 1,
	}))
	err := s.CreateBinding(ctx, store.AgentBinding{
		ID: "b2", AgentName: "scout", AdapterType: "telegram", AdapterToken: "chat-2", CreatedAt: 2,
	})
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestIsAgentBoundToAdapter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustCreateAgent(t, s, "scout")

	bound, err := s.IsAgentBoundToAdapter(ctx, "scout", "telegram")
	require.NoError(t, err)
	assert.False(t, bound)

	require.NoError(t, s.CreateBinding(ctx, store.AgentBinding{
		ID: "b1", AgentName: "scout", AdapterType: "telegram", AdapterToken: "chat-1", CreatedAt: 1,
	}))

	bound, err = s.IsAgentBoundToAdapter(ctx, "scout", "telegram")
	require.NoError(t, err)
	assert.True(t, bound)
}

func TestListBindingsForAgent_AndDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustCreateAgent(t, s, "scout")

	require.NoError(t, s.CreateBinding(ctx, store.AgentBinding{
		ID: "b1", AgentName: "scout", AdapterType: "telegram", AdapterToken: "chat-1", CreatedAt: 1,
	}))
	require.NoError(t, s.CreateBinding(ctx, store.AgentBinding{
		ID: "b2", AgentName: "scout", AdapterType: "console", AdapterToken: "local", CreatedAt: 2,
	}))

	bindings, err := s.ListBindingsForAgent(ctx, "scout")
	require.NoError(t, err)
	assert.Len(t, bindings, 2)

	require.NoError(t, s.DeleteBinding(ctx, "scout", "telegram"))
	bindings, err = s.ListBindingsForAgent(ctx, "scout")
	require.NoError(t, err)
	assert.Len(t, bindings, 1)
	assert.Equal(t, "console", bindings[0].AdapterType)
}

func TestDeleteAgent_CascadesBindings(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustCreateAgent(t, s, "scout")
	require.NoError(t, s.CreateBinding(ctx, store.AgentBinding{
		ID: "b1", AgentName: "scout", AdapterType: "telegram", AdapterToken: "chat-1", CreatedAt: 1,
	}))

	require.NoError(t, s.DeleteAgent(ctx, "scout"))

	_, err := s.GetBindingByCredential(ctx, "telegram", "chat-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
