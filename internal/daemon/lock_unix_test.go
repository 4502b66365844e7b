//go:build unix

package daemon

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestAcquirePIDLock_SecondInstanceFails exercises §5's single-instance
// invariant: a second daemon start observes the existing lock and
// fails cleanly rather than corrupting the first instance's state.
func TestAcquirePIDLock_SecondInstanceFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hiboss.pid")

	first, err := acquirePIDLock(path)
	require.NoError(t, err)
	t.Cleanup(func() { releasePIDLock(first, path) })

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	pid, err := strconv.Atoi(string(contents))
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	_, err = acquirePIDLock(path)
	assert.Error(t, err)
}

// TestAcquirePIDLock_ReleaseAllowsReacquire exercises the other half:
// once the holder releases, a new daemon start succeeds.
func TestAcquirePIDLock_ReleaseAllowsReacquire(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hiboss.pid")

	first, err := acquirePIDLock(path)
	require.NoError(t, err)
	releasePIDLock(first, path)

	second, err := acquirePIDLock(path)
	require.NoError(t, err)
	releasePIDLock(second, path)
}
