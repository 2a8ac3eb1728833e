package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/msageha/tandem/internal/events"
	"github.com/msageha/tandem/internal/lock"
	"github.com/msageha/tandem/internal/run"
	"github.com/msageha/tandem/internal/setup"
	"github.com/msageha/tandem/internal/status"
)

func (a *app) initCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Create .tandem/ with a default config.yaml",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := a.dir
			if len(args) == 1 {
				dir = args[0]
			}
			base, err := setup.Run(dir, name)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "initialized %s\nedit %s to configure checks and providers\n", base, setup.ConfigPath(base))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name (default: directory name)")
	return cmd
}

func (a *app) newCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "new",
		Short: "Start a new run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			meta, err := run.Create(a.base, run.CreateOptions{ID: id})
			if err != nil {
				return err
			}
			run.RecordCommand(meta, a.commandLine(), time.Now())
			if err := run.Save(run.Dir(a.base, meta.RunID), meta); err != nil {
				return err
			}
			a.logger.Infof("run_created run=%s", meta.RunID)
			fmt.Fprintln(a.out, meta.RunID)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "run id (default: generated)")
	return cmd
}

func (a *app) statusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the run's lock, step progress and artifact versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, runDir, err := a.resolveRun()
			if err != nil {
				return err
			}
			st, err := status.Collect(runDir, a.locker())
			if err != nil {
				return err
			}
			return status.Write(a.out, st, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output JSON")
	return cmd
}

func (a *app) abandonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "abandon",
		Short: "Mark the run abandoned; its history is kept",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRun(cmd.Context(), lockOpts{}, func(_ context.Context, s *session) error {
				run.Abandon(s.meta, time.Now())
				fmt.Fprintf(a.out, "run %s abandoned\n", s.meta.RunID)
				return nil
			})
		},
	}
}

func (a *app) unlockCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "unlock",
		Short: "Remove a stale run lock (--force: any lock)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			meta, runDir, err := a.resolveRun()
			if err != nil {
				return err
			}
			opts := lock.Options{StaleTimeout: a.cfg.Lock.StaleTimeout(), Logger: a.logger.With("lock")}
			if force {
				// Treat every holder as dead.
				opts.IsAlive = func(int) bool { return false }
			}
			rec, err := lock.New(opts).ReclaimStale(runDir)
			if err != nil {
				return err
			}
			if rec == nil {
				fmt.Fprintf(a.out, "run %s is not locked\n", meta.RunID)
				return nil
			}

			journal, err := events.OpenJournal(runDir, events.DefaultMaxJournalSize)
			if err != nil {
				return err
			}
			defer func() { _ = journal.Close() }()
			if err := journal.Record(events.Event{Type: events.LockReclaimed, RunID: meta.RunID, Details: map[string]any{
				"pid": rec.PID, "command": rec.Command, "forced": force,
			}}); err != nil {
				a.logger.Warnf("journal_write_failed: %v", err)
			}
			fmt.Fprintf(a.out, "removed lock held by pid %d (%s)\n", rec.PID, rec.Command)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "remove the lock even if its holder looks alive")
	return cmd
}
