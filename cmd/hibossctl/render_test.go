package main

import (
	"bytes"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCamelToKebab(t *testing.T) {
	assert.Equal(t, "envelope-id", camelToKebab("envelopeId"))
	assert.Equal(t, "data-dir", camelToKebab("dataDir"))
	assert.Equal(t, "pong", camelToKebab("pong"))
}

func TestKebabLines_NestedObject(t *testing.T) {
	lines := kebabLines(map[string]any{
		"agent": map[string]any{
			"name":            "nex",
			"permissionLevel": "privileged",
		},
	}, "")
	assert.Equal(t, []string{"agent.name: nex", "agent.permission-level: privileged"}, lines)
}

func TestKebabLines_EmptySlice(t *testing.T) {
	lines := kebabLines(map[string]any{"tags": []any{}}, "")
	assert.Equal(t, []string{"tags: []"}, lines)
}

// captureStdout runs fn with os.Stdout redirected, returning whatever
// it printed.
func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	orig := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w

	fn()

	require.NoError(t, w.Close())
	os.Stdout = orig

	var buf bytes.Buffer
	_, err = io.Copy(&buf, r)
	require.NoError(t, err)
	return buf.String()
}

func TestRender_EmptyEnvelopesSentinel(t *testing.T) {
	out := captureStdout(t, func() {
		render(map[string]any{"envelopes": []any{}})
	})
	assert.Equal(t, "no-envelopes: true\n", out)
}

func TestRender_NonEmptyEnvelopes(t *testing.T) {
	out := captureStdout(t, func() {
		render(map[string]any{
			"envelopes": []any{
				map[string]any{"envelopeId": "env-1", "text": "hi"},
			},
		})
	})
	assert.Equal(t, "envelope-id: env-1\ntext: hi\n", out)
}
