package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/msageha/tandem/internal/artifact"
	"github.com/msageha/tandem/internal/lock"
	"github.com/msageha/tandem/internal/loop"
)

const version = "0.1.0"

// Exit codes.
const (
	exitOK            = 0
	exitFailure       = 1
	exitMaxIterations = 2
	exitLockHeld      = 3
	exitStaleBlocked  = 4
	exitInterrupted   = 130
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	a := newApp(os.Stdin, os.Stdout, os.Stderr, os.Args[1:])
	err := a.rootCmd().ExecuteContext(ctx)
	stop()
	a.close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "tandem: %v\n", err)
	}
	os.Exit(exitCode(err))
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, context.Canceled):
		return exitInterrupted
	case errors.Is(err, loop.ErrMaxIterations):
		return exitMaxIterations
	case errors.Is(err, lock.ErrHeld):
		return exitLockHeld
	case errors.Is(err, artifact.ErrStaleBlocked):
		return exitStaleBlocked
	default:
		return exitFailure
	}
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "tandem",
		Short:         "tandem - implement, check and review a plan step by step",
		Long:          `tandem drives an AI implementer through the steps of an approved plan. Every step is checked and reviewed before it is committed, and every artifact revision is versioned under .tandem/runs/.`,
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "init" || cmd.Name() == "help" {
				return nil
			}
			return a.load()
		},
	}
	root.PersistentFlags().StringVarP(&a.dir, "dir", "C", ".", "project directory")
	root.PersistentFlags().StringVar(&a.runID, "run", "", "run id (default: latest active run)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override logging.level from config.yaml")

	root.AddCommand(
		a.initCmd(),
		a.newCmd(),
		a.importCmd(),
		a.historyCmd(),
		a.restoreCmd(),
		a.implementCmd(),
		a.checksCmd(),
		a.statusCmd(),
		a.abandonCmd(),
		a.unlockCmd(),
	)
	return root
}
