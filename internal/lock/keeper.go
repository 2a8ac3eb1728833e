package lock

import (
	"context"
	"errors"
	"time"
)

// KeepAlive heartbeats lk every interval until ctx is done. A heartbeat that
// finds the lock taken over by another process stops the keeper with
// ErrNotHolder; transient write failures are logged and retried on the next
// tick.
func (lk *Lock) KeepAlive(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			err := lk.Heartbeat()
			if err == nil {
				lk.locker.logger.Debugf("lock_heartbeat run=%s", lk.Record.RunID)
				continue
			}
			if errors.Is(err, ErrNotHolder) {
				lk.locker.logger.Errorf("lock_lost run=%s: %v", lk.Record.RunID, err)
				return err
			}
			lk.locker.logger.Warnf("lock_heartbeat_failed run=%s: %v", lk.Record.RunID, err)
		}
	}
}
