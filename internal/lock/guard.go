package lock

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

var errGuardBusy = errors.New("guard held by another process")

// FileLock is an flock(2) guard serializing every mutation of an existing
// lock record (heartbeat, release, stale reclamation). The guard file itself
// is never removed: unlinking it would let two processes hold flocks on
// different inodes.
type FileLock struct {
	path string
	file *os.File
}

func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// TryLock acquires the guard without blocking.
func (fl *FileLock) TryLock() error {
	return fl.lock(unix.LOCK_EX | unix.LOCK_NB)
}

// Lock blocks until the guard is acquired. Holders only keep it for a
// read-compare-rename, so the wait is short.
func (fl *FileLock) Lock() error {
	return fl.lock(unix.LOCK_EX)
}

func (fl *FileLock) lock(how int) error {
	if fl.file != nil {
		return nil
	}
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open guard file: %w", err)
	}
	for {
		err = unix.Flock(int(f.Fd()), how)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		_ = f.Close()
		if err == unix.EWOULDBLOCK {
			return errGuardBusy
		}
		return fmt.Errorf("flock guard: %w", err)
	}
	fl.file = f
	return nil
}

func (fl *FileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}
	err := unix.Flock(int(fl.file.Fd()), unix.LOCK_UN)
	cerr := fl.file.Close()
	fl.file = nil
	if err != nil {
		return fmt.Errorf("release guard: %w", err)
	}
	if cerr != nil {
		return fmt.Errorf("close guard file: %w", cerr)
	}
	return nil
}

// processAlive reports whether pid names a running process. EPERM means the
// process exists but belongs to another user.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}
