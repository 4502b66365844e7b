package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractMethod(t *testing.T) {
	method, rest := extractMethod([]string{"envelope.send", "-set", "to=agent:nex", "-set", "text=hi"})
	assert.Equal(t, "envelope.send", method)
	assert.Equal(t, []string{"-set", "to=agent:nex", "-set", "text=hi"}, rest)
}

func TestExtractMethod_NoArgs(t *testing.T) {
	method, rest := extractMethod(nil)
	assert.Equal(t, "", method)
	assert.Empty(t, rest)
}

func TestExtractMethod_FlagFirst(t *testing.T) {
	method, rest := extractMethod([]string{"-socket", "/tmp/x.sock", "daemon.status"})
	assert.Equal(t, "", method)
	assert.Equal(t, []string{"-socket", "/tmp/x.sock", "daemon.status"}, rest)
}

func TestSplitKV(t *testing.T) {
	k, v, ok := splitKV("to=agent:nex")
	assert.True(t, ok)
	assert.Equal(t, "to", k)
	assert.Equal(t, "agent:nex", v)

	_, _, ok = splitKV("no-equals-sign")
	assert.False(t, ok)
}

func TestSplitKV_ValueContainsEquals(t *testing.T) {
	k, v, ok := splitKV("filter=status=active")
	assert.True(t, ok)
	assert.Equal(t, "filter", k)
	assert.Equal(t, "status=active", v)
}

func TestCoerce(t *testing.T) {
	assert.Equal(t, true, coerce("true"))
	assert.Equal(t, false, coerce("false"))
	assert.Equal(t, "agent:nex", coerce("agent:nex"))
}
