package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evilpsycho42/hi-boss/internal/store"
)

func TestCreateCronSchedule_AndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustCreateAgent(t, s, "scout")

	c := store.CronSchedule{
		ID:        "c1",
		AgentName: "scout",
		Cron:      "0 9 * * *",
		To:        "agent:scout",
		Content:   store.Content{Text: "daily checkin"},
		Metadata:  map[string]any{"replyToEnvelopeId": "should-not-matter-here"},
		CreatedAt: 1,
		UpdatedAt: 1,
	}
	require.NoError(t, s.CreateCronSchedule(ctx, c))

	got, err := s.GetCronSchedule(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "0 9 * * *", got.Cron)
	assert.True(t, got.Enabled)
	assert.Empty(t, got.PendingEnvelopeID)
}

func TestListCronSchedulesForAgent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustCreateAgent(t, s, "scout")
	mustCreateAgent(t, s, "sidekick")

	require.NoError(t, s.CreateCronSchedule(ctx, store.CronSchedule{
		ID: "c1", AgentName: "scout", Cron: "@daily", To: "agent:scout", CreatedAt: 1, UpdatedAt: 1,
	}))
	require.NoError(t, s.CreateCronSchedule(ctx, store.CronSchedule{
		ID: "c2", AgentName: "sidekick", Cron: "@hourly", To: "agent:sidekick", CreatedAt: 2, UpdatedAt: 2,
	}))

	scoutSchedules, err := s.ListCronSchedulesForAgent(ctx, "scout")
	require.NoError(t, err)
	require.Len(t, scoutSchedules, 1)
	assert.Equal(t, "c1", scoutSchedules[0].ID)

	all, err := s.ListCronSchedules(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSetCronEnabled(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustCreateAgent(t, s, "scout")
	require.NoError(t, s.CreateCronSchedule(ctx, store.CronSchedule{
		ID: "c1", AgentName: "scout", Cron: "@daily", To: "agent:scout", CreatedAt: 1, UpdatedAt: 1,
	}))

	require.NoError(t, s.SetCronEnabled(ctx, "c1", false, 2))
	got, err := s.GetCronSchedule(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, got.Enabled)
}

func TestMaterializeOccurrence_CreatesEnvelopeAndRearms(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustCreateAgent(t, s, "scout")

	c := store.CronSchedule{
		ID:        "c1",
		AgentName: "scout",
		Cron:      "@daily",
		To:        "agent:scout",
		Content:   store.Content{Text: "daily checkin"},
		Metadata:  map[string]any{"replyToEnvelopeId": "stale-reply", "note": "keep-me"},
		CreatedAt: 1,
		UpdatedAt: 1,
	}
	require.NoError(t, s.CreateCronSchedule(ctx, c))

	require.NoError(t, s.MaterializeOccurrence(ctx, &c, "env-1", 5000, 1000))

	env, err := s.GetEnvelope(ctx, "env-1")
	require.NoError(t, err)
	assert.Equal(t, "daily checkin", env.Content.Text)
	assert.Equal(t, uint64(5000), env.DeliverAt)
	assert.Equal(t, "c1", env.Metadata[store.MetaCronScheduleID])
	assert.NotContains(t, env.Metadata, store.MetaReplyToEnvelope)
	assert.Equal(t, "keep-me", env.Metadata["note"])

	sched, err := s.GetCronSchedule(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "env-1", sched.PendingEnvelopeID)
}

func TestMaterializeOccurrence_ClosesPreviousPendingEnvelope(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustCreateAgent(t, s, "scout")

	c := store.CronSchedule{
		ID: "c1", AgentName: "scout", Cron: "@daily", To: "agent:scout",
		Content: store.Content{Text: "daily checkin"}, CreatedAt: 1, UpdatedAt: 1,
	}
	require.NoError(t, s.CreateCronSchedule(ctx, c))
	require.NoError(t, s.MaterializeOccurrence(ctx, &c, "env-1", 5000, 1000))

	c.PendingEnvelopeID = "env-1"
	require.NoError(t, s.MaterializeOccurrence(ctx, &c, "env-2", 9000, 2000))

	stale, err := s.GetEnvelope(ctx, "env-1")
	require.NoError(t, err)
	assert.Equal(t, "done", stale.Status, "P4: a superseded pending envelope must be closed, not orphaned")

	sched, err := s.GetCronSchedule(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "env-2", sched.PendingEnvelopeID)
}

func TestDeleteCronSchedule(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustCreateAgent(t, s, "scout")
	require.NoError(t, s.CreateCronSchedule(ctx, store.CronSchedule{
		ID: "c1", AgentName: "scout", Cron: "@daily", To: "agent:scout", CreatedAt: 1, UpdatedAt: 1,
	}))

	require.NoError(t, s.DeleteCronSchedule(ctx, "c1"))
	_, err := s.GetCronSchedule(ctx, "c1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
