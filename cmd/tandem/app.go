package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/msageha/tandem/internal/artifact"
	"github.com/msageha/tandem/internal/events"
	"github.com/msageha/tandem/internal/lock"
	"github.com/msageha/tandem/internal/logging"
	"github.com/msageha/tandem/internal/model"
	"github.com/msageha/tandem/internal/notify"
	"github.com/msageha/tandem/internal/run"
	"github.com/msageha/tandem/internal/setup"
)

// app carries the global flags and the project loaded from them.
type app struct {
	in     io.Reader
	out    io.Writer
	errOut io.Writer
	argv   []string

	dir      string
	runID    string
	logLevel string

	base   string
	root   string
	cfg    model.Config
	logger *logging.Logger
}

func newApp(in io.Reader, out, errOut io.Writer, argv []string) *app {
	return &app{in: in, out: out, errOut: errOut, argv: argv, logger: logging.Nop()}
}

// load locates .tandem/ from --dir and reads its configuration.
func (a *app) load() error {
	base, err := setup.Locate(a.dir)
	if err != nil {
		return err
	}
	cfg, err := model.LoadConfig(setup.ConfigPath(base))
	if err != nil {
		return err
	}
	level := cfg.Logging.Level
	if a.logLevel != "" {
		level = a.logLevel
	}
	logger, err := logging.Open(setup.LogPath(base), logging.ParseLevel(level), "cli")
	if err != nil {
		return err
	}
	a.base, a.root, a.cfg, a.logger = base, setup.ProjectRoot(base), cfg, logger
	return nil
}

func (a *app) close() {
	_ = a.logger.Close()
}

func (a *app) commandLine() string {
	return strings.TrimSpace("tandem " + strings.Join(a.argv, " "))
}

func (a *app) locker() *lock.Locker {
	return lock.New(lock.Options{StaleTimeout: a.cfg.Lock.StaleTimeout(), Logger: a.logger.With("lock")})
}

func (a *app) resolveRun() (*model.RunMetadata, string, error) {
	meta, err := run.Resolve(a.base, a.runID)
	if err != nil {
		return nil, "", err
	}
	return meta, run.Dir(a.base, meta.RunID), nil
}

func (a *app) store(runDir string) *artifact.Store {
	return artifact.NewStore(runDir, artifact.Options{
		MaxVersions: a.cfg.Artifacts.MaxVersions,
		Logger:      a.logger.With("artifact"),
	})
}

// session is a run opened under its lock.
type session struct {
	runDir string
	meta   *model.RunMetadata
	store  *artifact.Store
	bus    *events.Bus
}

func (s *session) publish(t events.Type, details map[string]any) {
	s.bus.Publish(events.Event{Type: t, RunID: s.meta.RunID, Details: details})
}

type lockOpts struct {
	// wait blocks on a held lock instead of failing.
	wait bool
	// active rejects abandoned runs.
	active bool
}

// withRun acquires the run lock, keeps it alive while fn runs, records the
// command, and saves run.json afterwards. The lock is released on every
// path, including cancellation.
func (a *app) withRun(ctx context.Context, opts lockOpts, fn func(ctx context.Context, s *session) error) (err error) {
	meta, runDir, err := a.resolveRun()
	if err != nil {
		return err
	}
	command := a.commandLine()
	locker := a.locker()
	if opts.wait {
		timeout := a.cfg.Lock.WaitTimeout()
		if timeout <= 0 {
			timeout = a.cfg.Lock.StaleTimeout()
		}
		if err := locker.Wait(ctx, runDir, timeout); err != nil {
			return err
		}
	}
	lk, err := locker.Acquire(runDir, meta.RunID, command)
	if err != nil {
		return err
	}

	bus := events.NewBus()
	journal, err := events.OpenJournal(runDir, events.DefaultMaxJournalSize)
	if err != nil {
		_ = lk.Release()
		return err
	}
	bus.Subscribe(journal.Subscriber(func(err error) { a.logger.Warnf("journal_write_failed: %v", err) }))
	if a.cfg.Notify.Enabled {
		bus.Subscribe(notify.New(notify.WithLogger(a.logger.With("notify"))).Subscriber())
	}
	defer func() {
		if rerr := lk.Release(); rerr != nil {
			a.logger.Errorf("lock_release_failed run=%s: %v", meta.RunID, rerr)
			if err == nil {
				err = rerr
			}
		}
		bus.Publish(events.Event{Type: events.LockReleased, RunID: meta.RunID, Details: map[string]any{"command": command}})
		_ = journal.Close()
	}()

	if rec := lk.Reclaimed; rec != nil {
		fmt.Fprintf(a.errOut, "reclaimed stale lock of pid %d (%s, last heartbeat %s)\n", rec.PID, rec.Command, rec.LastHeartbeat)
		bus.Publish(events.Event{Type: events.LockReclaimed, RunID: meta.RunID, Details: map[string]any{
			"pid": rec.PID, "command": rec.Command, "last_heartbeat": rec.LastHeartbeat,
		}})
	}
	bus.Publish(events.Event{Type: events.LockAcquired, RunID: meta.RunID, Details: map[string]any{"command": command}})

	// Re-read under the lock.
	if meta, err = run.Load(runDir); err != nil {
		return err
	}
	if opts.active {
		if err := run.CheckActive(meta); err != nil {
			return err
		}
	}
	run.RecordCommand(meta, command, time.Now())
	if err := run.Save(runDir, meta); err != nil {
		return err
	}

	s := &session{runDir: runDir, meta: meta, store: a.store(runDir), bus: bus}
	g, gctx := errgroup.WithContext(ctx)
	workCtx, cancel := context.WithCancel(gctx)
	defer cancel()
	g.Go(func() error { return lk.KeepAlive(workCtx, a.cfg.Lock.HeartbeatInterval()) })
	g.Go(func() error {
		defer cancel()
		return fn(workCtx, s)
	})
	err = g.Wait()
	if serr := run.Save(runDir, s.meta); serr != nil && err == nil {
		err = serr
	}
	return err
}
