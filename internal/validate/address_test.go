package validate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddress_Agent(t *testing.T) {
	a, err := ParseAddress("agent:nex")
	require.NoError(t, err)
	assert.Equal(t, AddressAgent, a.Kind)
	assert.Equal(t, "nex", a.AgentName)
	assert.Equal(t, "agent:nex", a.String())
}

func TestParseAddress_Channel(t *testing.T) {
	a, err := ParseAddress("channel:telegram:12345")
	require.NoError(t, err)
	assert.Equal(t, AddressChannel, a.Kind)
	assert.Equal(t, "telegram", a.AdapterType)
	assert.Equal(t, "12345", a.ChatID)
	assert.Equal(t, "channel:telegram:12345", a.String())
}

func TestParseAddress_Invalid(t *testing.T) {
	for _, raw := range []string{"", "bogus:x", "agent:", "channel:telegram", "channel::123"} {
		_, err := ParseAddress(raw)
		require.Error(t, err, raw)
	}
}
