package ids_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evilpsycho42/hi-boss/internal/ids"
)

func TestNew_Unique(t *testing.T) {
	a := ids.New()
	b := ids.New()
	require.NotEqual(t, a, b)
	assert.Len(t, a, 36)
}

func TestShort(t *testing.T) {
	id := "a1b2c3d4-e5f6-7890-abcd-ef0123456789"
	assert.Equal(t, "a1b2c3d4", ids.Short(id))
}

func TestHasPrefix(t *testing.T) {
	id := "a1b2c3d4-e5f6-7890-abcd-ef0123456789"
	assert.True(t, ids.HasPrefix(id, "a1b2c3d4"))
	assert.True(t, ids.HasPrefix(id, "A1B2"))
	assert.False(t, ids.HasPrefix(id, "zzzz"))
}
