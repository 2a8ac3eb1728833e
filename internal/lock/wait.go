package lock

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// recheckInterval bounds how long Wait can miss a holder going stale, which
// produces no filesystem event.
const recheckInterval = 5 * time.Second

// Wait blocks until runDir is unlocked or its lock is stale, then returns
// nil. It gives up with the holder's *HeldError after timeout, or with
// ctx.Err() on cancellation. A zero timeout checks once.
func (l *Locker) Wait(ctx context.Context, runDir string, timeout time.Duration) error {
	free, held, err := l.free(runDir)
	if err != nil || free {
		return err
	}
	if timeout <= 0 {
		return held
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()
	if err := watcher.Add(runDir); err != nil {
		return fmt.Errorf("watch %s: %w", runDir, err)
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	recheck := time.NewTicker(recheckInterval)
	defer recheck.Stop()

	l.logger.Infof("lock_wait run_dir=%s holder_pid=%d timeout=%s", runDir, held.PID, timeout)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return held
		case ev, ok := <-watcher.Events:
			if !ok {
				return held
			}
			if filepath.Base(ev.Name) != FileName {
				continue
			}
		case werr, ok := <-watcher.Errors:
			if ok {
				l.logger.Warnf("lock_wait watcher_error: %v", werr)
			}
		case <-recheck.C:
		}

		free, h, err := l.free(runDir)
		if err != nil || free {
			return err
		}
		held = h
	}
}

func (l *Locker) free(runDir string) (bool, *HeldError, error) {
	rec, err := l.Read(runDir)
	if err != nil {
		if isCorrupt(err) {
			return true, nil, nil
		}
		return false, nil, err
	}
	if rec == nil || rec.PID == l.pid || l.IsStale(*rec) {
		return true, nil, nil
	}
	return false, heldError(*rec), nil
}
