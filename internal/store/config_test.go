package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evilpsycho42/hi-boss/internal/store"
)

func TestGetConfig_NotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetConfig(context.Background(), "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSetConfig_UpsertsOnConflict(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetConfig(ctx, "greeting", "hello"))
	v, err := s.GetConfig(ctx, "greeting")
	require.NoError(t, err)
	assert.Equal(t, "hello", v)

	require.NoError(t, s.SetConfig(ctx, "greeting", "goodbye"))
	v, err = s.GetConfig(ctx, "greeting")
	require.NoError(t, err)
	assert.Equal(t, "goodbye", v)
}

func TestDeleteConfig(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SetConfig(ctx, "greeting", "hello"))

	require.NoError(t, s.DeleteConfig(ctx, "greeting"))
	_, err := s.GetConfig(ctx, "greeting")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestIsSetupCompleted_DefaultsFalse(t *testing.T) {
	s := openTestStore(t)
	done, err := s.IsSetupCompleted(context.Background())
	require.NoError(t, err)
	assert.False(t, done)
}

func TestCompleteSetup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CompleteSetup(ctx, "$2a$hashed", "Avery", "America/Los_Angeles"))

	done, err := s.IsSetupCompleted(ctx)
	require.NoError(t, err)
	assert.True(t, done)

	v, err := s.GetConfig(ctx, store.ConfigKeyBossTokenHash)
	require.NoError(t, err)
	assert.Equal(t, "$2a$hashed", v)

	v, err = s.GetConfig(ctx, store.ConfigKeyBossName)
	require.NoError(t, err)
	assert.Equal(t, "Avery", v)
}

func TestConfigAdapterBossIDKey(t *testing.T) {
	assert.Equal(t, "adapter_boss_id_telegram", store.ConfigAdapterBossIDKey("telegram"))
}
