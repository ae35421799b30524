//go:build !windows

// internal/client/lock_unix.go
package client

import (
	"os"

	"golang.org/x/sys/unix"
)

// lockFile acquires an exclusive lock on the replica's lock file.
// Returns ErrReplicaLocked if another process holds it.
func lockFile(f *os.File) error {
	err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		if err == unix.EWOULDBLOCK {
			return ErrReplicaLocked
		}
		return err
	}
	return nil
}

// unlockFile releases the lock on the given file.
func unlockFile(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
