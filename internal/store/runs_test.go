package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evilpsycho42/hi-boss/internal/store"
)

func TestCreateRunningRun_RejectsSecondConcurrentRun(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustCreateAgent(t, s, "scout")

	require.NoError(t, s.CreateRunningRun(ctx, store.AgentRun{
		ID: "r1", AgentName: "scout", StartedAt: 1, EnvelopeIDs: []string{"e1"},
	}))

	err := s.CreateRunningRun(ctx, store.AgentRun{ID: "r2", AgentName: "scout", StartedAt: 2})
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestGetRunningRun(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustCreateAgent(t, s, "scout")

	none, err := s.GetRunningRun(ctx, "scout")
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, s.CreateRunningRun(ctx, store.AgentRun{ID: "r1", AgentName: "scout", StartedAt: 1}))

	run, err := s.GetRunningRun(ctx, "scout")
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, "running", run.Status)
}

func TestAppendRunEnvelopes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustCreateAgent(t, s, "scout")
	require.NoError(t, s.CreateRunningRun(ctx, store.AgentRun{ID: "r1", AgentName: "scout", StartedAt: 1, EnvelopeIDs: []string{"e1"}}))

	require.NoError(t, s.AppendRunEnvelopes(ctx, "r1", []string{"e2", "e3"}))

	got, err := s.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e2", "e3"}, got.EnvelopeIDs)
}

func TestCompleteRun(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustCreateAgent(t, s, "scout")
	require.NoError(t, s.CreateRunningRun(ctx, store.AgentRun{ID: "r1", AgentName: "scout", StartedAt: 1}))

	require.NoError(t, s.CompleteRun(ctx, "r1", 100, "all done", 4200))

	got, err := s.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "completed", got.Status)
	assert.Equal(t, uint64(100), got.CompletedAt)
	assert.Equal(t, "all done", got.FinalResponse)
	assert.Equal(t, 4200, got.ContextLength)

	none, err := s.GetRunningRun(ctx, "scout")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestFailRun(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustCreateAgent(t, s, "scout")
	require.NoError(t, s.CreateRunningRun(ctx, store.AgentRun{ID: "r1", AgentName: "scout", StartedAt: 1}))

	require.NoError(t, s.FailRun(ctx, "r1", 100, "provider crashed"))

	got, err := s.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "failed", got.Status)
	assert.Equal(t, "provider crashed", got.Error)
}

func TestFailRun_NotRunning_NotFound(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustCreateAgent(t, s, "scout")
	require.NoError(t, s.CreateRunningRun(ctx, store.AgentRun{ID: "r1", AgentName: "scout", StartedAt: 1}))
	require.NoError(t, s.CompleteRun(ctx, "r1", 100, "", 0))

	err := s.FailRun(ctx, "r1", 200, "too late")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListRunsForAgent_NewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustCreateAgent(t, s, "scout")
	require.NoError(t, s.CreateRunningRun(ctx, store.AgentRun{ID: "r1", AgentName: "scout", StartedAt: 1}))
	require.NoError(t, s.CompleteRun(ctx, "r1", 10, "", 0))
	require.NoError(t, s.CreateRunningRun(ctx, store.AgentRun{ID: "r2", AgentName: "scout", StartedAt: 20}))

	runs, err := s.ListRunsForAgent(ctx, "scout", 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "r2", runs[0].ID)
	assert.Equal(t, "r1", runs[1].ID)
}
