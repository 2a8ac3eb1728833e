package lock

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/tandem/internal/model"
)

func alwaysAlive(int) bool { return true }

func newTestLocker(pid int, now func() time.Time) *Locker {
	return New(Options{PID: pid, IsAlive: alwaysAlive, Now: now, StaleTimeout: time.Hour})
}

func writeRaw(t *testing.T, runDir string, rec model.LockRecord) {
	t.Helper()
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(Path(runDir), data, 0600))
}

func readRaw(t *testing.T, runDir string) model.LockRecord {
	t.Helper()
	var rec model.LockRecord
	data, err := os.ReadFile(Path(runDir))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &rec))
	return rec
}

// deadPID returns the pid of a process that has already exited.
func deadPID(t *testing.T) int {
	t.Helper()
	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	return cmd.ProcessState.Pid()
}

func TestAcquire_WritesRecord(t *testing.T) {
	runDir := t.TempDir()
	l := newTestLocker(4242, nil)

	lk, err := l.Acquire(runDir, "run_1", "implement 2")
	require.NoError(t, err)
	assert.Nil(t, lk.Reclaimed)

	rec := readRaw(t, runDir)
	assert.Equal(t, 4242, rec.PID)
	assert.Equal(t, "run_1", rec.RunID)
	assert.Equal(t, "implement 2", rec.Command)
	assert.Equal(t, rec.StartedAt, rec.LastHeartbeat)
	_, err = time.Parse(time.RFC3339, rec.StartedAt)
	assert.NoError(t, err)

	info, err := os.Stat(Path(runDir))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestAcquire_HeldByOther(t *testing.T) {
	runDir := t.TempDir()
	_, err := newTestLocker(100, nil).Acquire(runDir, "run_1", "implement")
	require.NoError(t, err)

	_, err = newTestLocker(200, nil).Acquire(runDir, "run_1", "import plan")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHeld)

	var held *HeldError
	require.ErrorAs(t, err, &held)
	assert.Equal(t, 100, held.PID)
	assert.Equal(t, "implement", held.Command)
}

func TestAcquire_ConcurrentExactlyOneWins(t *testing.T) {
	for round := 0; round < 20; round++ {
		runDir := t.TempDir()
		const n = 8

		var wg sync.WaitGroup
		errs := make([]error, n)
		start := make(chan struct{})
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				_, errs[i] = newTestLocker(1000+i, nil).Acquire(runDir, "run_1", "cmd")
			}(i)
		}
		close(start)
		wg.Wait()

		winner := readRaw(t, runDir)
		wins := 0
		for i, err := range errs {
			if err == nil {
				wins++
				assert.Equal(t, 1000+i, winner.PID)
				continue
			}
			var held *HeldError
			require.ErrorAs(t, err, &held)
			assert.Equal(t, winner.PID, held.PID)
		}
		require.Equal(t, 1, wins, "round %d", round)
	}
}

func TestAcquire_IdempotentForSameProcess(t *testing.T) {
	runDir := t.TempDir()
	clock := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }
	l := newTestLocker(77, now)

	first, err := l.Acquire(runDir, "run_1", "implement")
	require.NoError(t, err)

	clock = clock.Add(10 * time.Minute)
	second, err := l.Acquire(runDir, "run_1", "implement --all")
	require.NoError(t, err)

	assert.Equal(t, first.Record.StartedAt, second.Record.StartedAt)
	assert.Equal(t, "implement --all", second.Record.Command)
	assert.Equal(t, "2026-03-01T10:10:00Z", readRaw(t, runDir).LastHeartbeat)
}

func TestAcquire_ReclaimsDeadHolder(t *testing.T) {
	runDir := t.TempDir()
	dead := deadPID(t)
	now := time.Now().UTC().Format(time.RFC3339)
	stale := model.LockRecord{PID: dead, RunID: "run_1", Command: "implement", StartedAt: now, LastHeartbeat: now}
	writeRaw(t, runDir, stale)

	l := New(Options{})
	lk, err := l.Acquire(runDir, "run_1", "status")
	require.NoError(t, err)
	require.NotNil(t, lk.Reclaimed)
	assert.Equal(t, dead, lk.Reclaimed.PID)
	assert.Equal(t, os.Getpid(), readRaw(t, runDir).PID)
	require.NoError(t, lk.Release())
}

func TestAcquire_ReclaimsExpiredHeartbeat(t *testing.T) {
	runDir := t.TempDir()
	clock := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	writeRaw(t, runDir, model.LockRecord{
		PID: 1, RunID: "run_1", Command: "implement",
		StartedAt:     clock.Add(-3 * time.Hour).Format(time.RFC3339),
		LastHeartbeat: clock.Add(-2 * time.Hour).Format(time.RFC3339),
	})

	lk, err := newTestLocker(5, func() time.Time { return clock }).Acquire(runDir, "run_1", "implement")
	require.NoError(t, err)
	require.NotNil(t, lk.Reclaimed)
	assert.Equal(t, 1, lk.Reclaimed.PID)
	assert.Equal(t, 5, readRaw(t, runDir).PID)
}

func TestAcquire_CorruptRecordIsReplaced(t *testing.T) {
	runDir := t.TempDir()
	require.NoError(t, os.WriteFile(Path(runDir), []byte("{not json"), 0600))

	lk, err := newTestLocker(9, nil).Acquire(runDir, "run_1", "implement")
	require.NoError(t, err)
	assert.Nil(t, lk.Reclaimed)
	assert.Equal(t, 9, readRaw(t, runDir).PID)
}

func TestConcurrentReclaim_ExactlyOneWins(t *testing.T) {
	runDir := t.TempDir()
	dead := deadPID(t)
	now := time.Now().UTC().Format(time.RFC3339)
	writeRaw(t, runDir, model.LockRecord{PID: dead, RunID: "run_1", Command: "x", StartedAt: now, LastHeartbeat: now})

	isAlive := func(pid int) bool { return pid != dead }
	const n = 6
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l := New(Options{PID: 2000 + i, IsAlive: isAlive})
			_, errs[i] = l.Acquire(runDir, "run_1", "cmd")
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, ErrHeld)
		}
	}
	assert.Equal(t, 1, wins)
}

func TestIsStale(t *testing.T) {
	clock := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	alive := map[int]bool{10: true}
	l := New(Options{
		StaleTimeout: time.Hour,
		Now:          func() time.Time { return clock },
		IsAlive:      func(pid int) bool { return alive[pid] },
	})

	fresh := clock.Add(-time.Minute).Format(time.RFC3339)
	old := clock.Add(-61 * time.Minute).Format(time.RFC3339)

	assert.False(t, l.IsStale(model.LockRecord{PID: 10, LastHeartbeat: fresh}))
	assert.True(t, l.IsStale(model.LockRecord{PID: 10, LastHeartbeat: old}))
	assert.True(t, l.IsStale(model.LockRecord{PID: 11, LastHeartbeat: fresh}), "dead pid is stale regardless of heartbeat")
	assert.True(t, l.IsStale(model.LockRecord{PID: 10, LastHeartbeat: "garbage"}))
}

func TestHeartbeat(t *testing.T) {
	runDir := t.TempDir()
	clock := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	l := newTestLocker(3, func() time.Time { return clock })

	lk, err := l.Acquire(runDir, "run_1", "implement")
	require.NoError(t, err)

	clock = clock.Add(90 * time.Second)
	require.NoError(t, lk.Heartbeat())

	rec := readRaw(t, runDir)
	assert.Equal(t, "2026-03-01T10:00:00Z", rec.StartedAt)
	assert.Equal(t, "2026-03-01T10:01:30Z", rec.LastHeartbeat)
}

func TestHeartbeat_NotHolder(t *testing.T) {
	runDir := t.TempDir()
	_, err := newTestLocker(1, nil).Acquire(runDir, "run_1", "implement")
	require.NoError(t, err)

	err = newTestLocker(2, nil).Heartbeat(runDir)
	assert.ErrorIs(t, err, ErrNotHolder)
	assert.Equal(t, 1, readRaw(t, runDir).PID)
}

func TestRelease(t *testing.T) {
	runDir := t.TempDir()
	l := newTestLocker(1, nil)

	t.Run("absent is no-op", func(t *testing.T) {
		assert.NoError(t, l.Release(runDir))
	})

	t.Run("other holder untouched", func(t *testing.T) {
		_, err := newTestLocker(2, nil).Acquire(runDir, "run_1", "implement")
		require.NoError(t, err)
		require.NoError(t, l.Release(runDir))
		assert.Equal(t, 2, readRaw(t, runDir).PID)
		require.NoError(t, newTestLocker(2, nil).Release(runDir))
	})

	t.Run("own lock removed", func(t *testing.T) {
		lk, err := l.Acquire(runDir, "run_1", "implement")
		require.NoError(t, err)
		require.NoError(t, lk.Release())
		_, err = os.Stat(Path(runDir))
		assert.True(t, os.IsNotExist(err))

		_, err = newTestLocker(2, nil).Acquire(runDir, "run_1", "next")
		assert.NoError(t, err)
	})
}

func TestReclaimStale(t *testing.T) {
	runDir := t.TempDir()
	_, err := newTestLocker(1, nil).Acquire(runDir, "run_1", "implement")
	require.NoError(t, err)

	_, err = newTestLocker(2, nil).ReclaimStale(runDir)
	assert.ErrorIs(t, err, ErrHeld)

	deadAll := New(Options{PID: 2, IsAlive: func(int) bool { return false }})
	rec, err := deadAll.ReclaimStale(runDir)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 1, rec.PID)
	_, err = os.Stat(Path(runDir))
	assert.True(t, os.IsNotExist(err))
}

func TestKeepAlive_StopsOnCancel(t *testing.T) {
	runDir := t.TempDir()
	lk, err := newTestLocker(1, nil).Acquire(runDir, "run_1", "implement")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- lk.KeepAlive(ctx, 10*time.Millisecond) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("KeepAlive did not stop")
	}
}

func TestKeepAlive_StopsWhenLockLost(t *testing.T) {
	runDir := t.TempDir()
	lk, err := newTestLocker(1, nil).Acquire(runDir, "run_1", "implement")
	require.NoError(t, err)

	writeRaw(t, runDir, model.LockRecord{PID: 99, RunID: "run_1", Command: "other",
		StartedAt: model.Now(), LastHeartbeat: model.Now()})

	err = lk.KeepAlive(context.Background(), 10*time.Millisecond)
	assert.True(t, errors.Is(err, ErrNotHolder))
}

func TestWait_ReturnsWhenReleased(t *testing.T) {
	runDir := t.TempDir()
	holder := newTestLocker(1, nil)
	_, err := holder.Acquire(runDir, "run_1", "implement")
	require.NoError(t, err)

	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = holder.Release(runDir)
	}()

	waiter := newTestLocker(2, nil)
	err = waiter.Wait(context.Background(), runDir, 5*time.Second)
	require.NoError(t, err)

	_, err = waiter.Acquire(runDir, "run_1", "next")
	assert.NoError(t, err)
}

func TestWait_TimesOut(t *testing.T) {
	runDir := t.TempDir()
	_, err := newTestLocker(1, nil).Acquire(runDir, "run_1", "implement")
	require.NoError(t, err)

	err = newTestLocker(2, nil).Wait(context.Background(), runDir, 150*time.Millisecond)
	var held *HeldError
	require.ErrorAs(t, err, &held)
	assert.Equal(t, 1, held.PID)
}

func TestWait_ZeroTimeoutChecksOnce(t *testing.T) {
	runDir := t.TempDir()
	assert.NoError(t, newTestLocker(2, nil).Wait(context.Background(), runDir, 0))
	_, err := newTestLocker(1, nil).Acquire(runDir, "run_1", "implement")
	require.NoError(t, err)
	assert.ErrorIs(t, newTestLocker(2, nil).Wait(context.Background(), runDir, 0), ErrHeld)
}

func TestPackageLevelAcquire(t *testing.T) {
	runDir := t.TempDir()
	lk, err := Acquire(runDir, "run_1", "implement")
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), lk.Record.PID)
	require.NoError(t, Heartbeat(runDir))
	assert.False(t, IsStale(readRaw(t, runDir)))
	require.NoError(t, Release(runDir))
	_, err = os.Stat(filepath.Join(runDir, FileName))
	assert.True(t, os.IsNotExist(err))
}
