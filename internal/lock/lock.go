// Package lock implements the advisory run lock: one JSON record per run
// directory naming the holding process, refreshed by heartbeats.
//
// Creation is exclusive (a fully written temp file is hard-linked into place,
// which fails when the record already exists). Every change to an existing
// record happens under an flock guard and is applied by atomic rename, so a
// reader never sees a partial record and two reclaimers cannot both win.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/msageha/tandem/internal/fsutil"
	"github.com/msageha/tandem/internal/logging"
	"github.com/msageha/tandem/internal/model"
)

const (
	FileName  = "run.lock"
	guardName = "run.lock.guard"

	DefaultStaleTimeout      = time.Hour
	DefaultHeartbeatInterval = time.Minute
)

// ErrHeld matches any *HeldError via errors.Is.
var ErrHeld = errors.New("run lock held by another process")

// ErrNotHolder is returned by Heartbeat when the record belongs to someone else.
var ErrNotHolder = errors.New("run lock not held by this process")

// HeldError reports lock contention with the holder's identity.
type HeldError struct {
	PID           int
	RunID         string
	Command       string
	StartedAt     string
	LastHeartbeat string
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("run %s is locked by pid %d (command %q, started %s, last heartbeat %s)",
		e.RunID, e.PID, e.Command, e.StartedAt, e.LastHeartbeat)
}

func (e *HeldError) Is(target error) bool { return target == ErrHeld }

func heldError(rec model.LockRecord) *HeldError {
	return &HeldError{
		PID:           rec.PID,
		RunID:         rec.RunID,
		Command:       rec.Command,
		StartedAt:     rec.StartedAt,
		LastHeartbeat: rec.LastHeartbeat,
	}
}

type Options struct {
	StaleTimeout time.Duration
	// PID identifies the caller; defaults to os.Getpid().
	PID     int
	Now     func() time.Time
	IsAlive func(pid int) bool
	Logger  *logging.Logger
}

// Locker acquires and maintains run locks on behalf of one process.
type Locker struct {
	staleTimeout time.Duration
	pid          int
	now          func() time.Time
	isAlive      func(pid int) bool
	logger       *logging.Logger
}

func New(opts Options) *Locker {
	l := &Locker{
		staleTimeout: opts.StaleTimeout,
		pid:          opts.PID,
		now:          opts.Now,
		isAlive:      opts.IsAlive,
		logger:       opts.Logger,
	}
	if l.staleTimeout <= 0 {
		l.staleTimeout = DefaultStaleTimeout
	}
	if l.pid <= 0 {
		l.pid = os.Getpid()
	}
	if l.now == nil {
		l.now = time.Now
	}
	if l.isAlive == nil {
		l.isAlive = processAlive
	}
	if l.logger == nil {
		l.logger = logging.Nop()
	}
	return l
}

// Lock is a held run lock.
type Lock struct {
	Record model.LockRecord
	// Reclaimed is the stale record this acquisition replaced, if any.
	Reclaimed *model.LockRecord

	runDir string
	locker *Locker
}

func (lk *Lock) Release() error   { return lk.locker.Release(lk.runDir) }
func (lk *Lock) Heartbeat() error { return lk.locker.Heartbeat(lk.runDir) }

func Path(runDir string) string { return filepath.Join(runDir, FileName) }

func (l *Locker) stamp() string {
	return l.now().UTC().Format(time.RFC3339)
}

// Acquire takes the lock on runDir. Re-acquiring a lock this process already
// holds updates the record in place. A stale record is replaced atomically.
// Contention yields a *HeldError.
func (l *Locker) Acquire(runDir, runID, command string) (*Lock, error) {
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	path := Path(runDir)

	// The second pass runs against whatever the first pass's race resolved to.
	for attempt := 0; attempt < 2; attempt++ {
		now := l.stamp()
		rec := model.LockRecord{
			PID:           l.pid,
			RunID:         runID,
			Command:       command,
			StartedAt:     now,
			LastHeartbeat: now,
		}

		err := l.create(path, rec)
		if err == nil {
			l.logger.Infof("lock_acquire run=%s pid=%d command=%q", runID, l.pid, command)
			return &Lock{Record: rec, runDir: runDir, locker: l}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, err
		}

		existing, err := l.read(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil && !isCorrupt(err) {
			return nil, err
		}

		if err == nil && existing.PID == l.pid {
			updated, err := l.refreshOwn(runDir, func(r *model.LockRecord) {
				r.RunID = runID
				r.Command = command
				r.LastHeartbeat = l.stamp()
			})
			if errors.Is(err, fs.ErrNotExist) || errors.Is(err, ErrNotHolder) {
				continue
			}
			if err != nil {
				return nil, err
			}
			return &Lock{Record: *updated, runDir: runDir, locker: l}, nil
		}

		if err == nil && !l.IsStale(*existing) {
			return nil, heldError(*existing)
		}

		replaced, ok, err := l.replaceStale(runDir, existing, rec)
		if err != nil {
			return nil, err
		}
		if ok {
			if replaced != nil {
				l.logger.Warnf("lock_reclaim run=%s stale_pid=%d stale_command=%q last_heartbeat=%s",
					runID, replaced.PID, replaced.Command, replaced.LastHeartbeat)
			} else {
				l.logger.Warnf("lock_reclaim run=%s unreadable record replaced", runID)
			}
			return &Lock{Record: rec, Reclaimed: replaced, runDir: runDir, locker: l}, nil
		}
	}

	existing, err := l.read(path)
	if err != nil {
		return nil, fmt.Errorf("acquire lock: contention unresolved: %w", err)
	}
	if existing.PID == l.pid {
		return &Lock{Record: *existing, runDir: runDir, locker: l}, nil
	}
	return nil, heldError(*existing)
}

// create publishes rec at path only if no record exists. The temp file is
// complete before the link, so the record is never visible half-written.
func (l *Locker) create(path string, rec model.LockRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal lock record: %w", err)
	}
	tmp, err := fsutil.WriteTemp(path, data, 0600)
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp) }()

	if err := os.Link(tmp, path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fs.ErrExist
		}
		return fmt.Errorf("link lock record: %w", err)
	}
	return nil
}

// replaceStale swaps in rec if the record on disk is still the stale one the
// caller observed. ok=false means someone else changed it first.
func (l *Locker) replaceStale(runDir string, observed *model.LockRecord, rec model.LockRecord) (*model.LockRecord, bool, error) {
	guard := NewFileLock(filepath.Join(runDir, guardName))
	if err := guard.Lock(); err != nil {
		return nil, false, err
	}
	defer func() { _ = guard.Unlock() }()

	path := Path(runDir)
	current, err := l.read(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, false, nil
	case err != nil && !isCorrupt(err):
		return nil, false, err
	case err == nil:
		if observed == nil || *current != *observed || !l.IsStale(*current) {
			return nil, false, nil
		}
	default:
		// Unreadable record: only replace if we also saw it unreadable.
		if observed != nil {
			return nil, false, nil
		}
	}

	if err := writeRecord(path, rec); err != nil {
		return nil, false, err
	}
	return current, true, nil
}

// refreshOwn applies mutate to the record under the guard, provided this
// process holds it.
func (l *Locker) refreshOwn(runDir string, mutate func(*model.LockRecord)) (*model.LockRecord, error) {
	guard := NewFileLock(filepath.Join(runDir, guardName))
	if err := guard.Lock(); err != nil {
		return nil, err
	}
	defer func() { _ = guard.Unlock() }()

	path := Path(runDir)
	rec, err := l.read(path)
	if err != nil {
		return nil, err
	}
	if rec.PID != l.pid {
		return nil, fmt.Errorf("%w (holder pid %d)", ErrNotHolder, rec.PID)
	}
	mutate(rec)
	if err := writeRecord(path, *rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Heartbeat refreshes last_heartbeat on a lock this process holds.
func (l *Locker) Heartbeat(runDir string) error {
	_, err := l.refreshOwn(runDir, func(r *model.LockRecord) {
		r.LastHeartbeat = l.stamp()
	})
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

// Release removes the lock if this process holds it. An absent lock or one
// held by another process is left alone.
func (l *Locker) Release(runDir string) error {
	path := Path(runDir)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	guard := NewFileLock(filepath.Join(runDir, guardName))
	if err := guard.Lock(); err != nil {
		return err
	}
	defer func() { _ = guard.Unlock() }()

	rec, err := l.read(path)
	if errors.Is(err, fs.ErrNotExist) || isCorrupt(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if rec.PID != l.pid {
		l.logger.Debugf("lock_release_skip holder_pid=%d", rec.PID)
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove lock: %w", err)
	}
	l.logger.Infof("lock_release run=%s pid=%d", rec.RunID, l.pid)
	return nil
}

// ReclaimStale removes a stale lock left by another process, returning the
// removed record. A live lock yields a *HeldError.
func (l *Locker) ReclaimStale(runDir string) (*model.LockRecord, error) {
	guard := NewFileLock(filepath.Join(runDir, guardName))
	if err := guard.Lock(); err != nil {
		return nil, err
	}
	defer func() { _ = guard.Unlock() }()

	path := Path(runDir)
	rec, err := l.read(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil && !isCorrupt(err) {
		return nil, err
	}
	if err == nil && rec.PID != l.pid && !l.IsStale(*rec) {
		return nil, heldError(*rec)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("remove stale lock: %w", err)
	}
	l.logger.Warnf("lock_reclaim_manual run_dir=%s", runDir)
	return rec, nil
}

// IsStale reports whether rec's holder is dead or has stopped heartbeating.
func (l *Locker) IsStale(rec model.LockRecord) bool {
	if !l.isAlive(rec.PID) {
		return true
	}
	hb, err := time.Parse(time.RFC3339, rec.LastHeartbeat)
	if err != nil {
		return true
	}
	return l.now().Sub(hb) > l.staleTimeout
}

// Read returns the current record, or nil when the run is unlocked.
func (l *Locker) Read(runDir string) (*model.LockRecord, error) {
	rec, err := l.read(Path(runDir))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return rec, err
}

func (l *Locker) read(path string) (*model.LockRecord, error) {
	var rec model.LockRecord
	if err := fsutil.ReadJSON(path, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func writeRecord(path string, rec model.LockRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal lock record: %w", err)
	}
	return fsutil.AtomicWriteRaw(path, data, fsutil.WriteOptions{Perm: 0600})
}

func isCorrupt(err error) bool {
	var ce *fsutil.CorruptError
	return errors.As(err, &ce)
}

var defaultLocker = New(Options{})

// Acquire takes the lock on runDir with default options.
func Acquire(runDir, runID, command string) (*Lock, error) {
	return defaultLocker.Acquire(runDir, runID, command)
}

// Release releases this process's lock on runDir.
func Release(runDir string) error { return defaultLocker.Release(runDir) }

// Heartbeat refreshes this process's lock on runDir.
func Heartbeat(runDir string) error { return defaultLocker.Heartbeat(runDir) }

// IsStale applies the default stale timeout to rec.
func IsStale(rec model.LockRecord) bool { return defaultLocker.IsStale(rec) }
