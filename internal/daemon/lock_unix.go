//go:build unix

package daemon

import (
	"os"

	"golang.org/x/sys/unix"
)

// flockExclusiveNonBlocking acquires an exclusive, non-blocking
// advisory lock on f, enforcing the single-daemon-instance invariant
// (§5). Grounded on steveyegge-beads's internal/lockfile/lock_unix.go.
func flockExclusiveNonBlocking(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
}

// flockUnlock releases the advisory lock on f.
func flockUnlock(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
