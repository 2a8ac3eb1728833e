package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/spf13/cobra"

	"github.com/msageha/tandem/internal/artifact"
	"github.com/msageha/tandem/internal/checks"
	"github.com/msageha/tandem/internal/events"
	"github.com/msageha/tandem/internal/git"
	"github.com/msageha/tandem/internal/loop"
	"github.com/msageha/tandem/internal/model"
	"github.com/msageha/tandem/internal/plan"
	"github.com/msageha/tandem/internal/provider"
	"github.com/msageha/tandem/internal/review"
	"github.com/msageha/tandem/internal/setup"
)

var errNoPlan = errors.New("no plan imported (run `tandem import plan <file>`)")

type implementFlags struct {
	all           bool
	amend         bool
	reason        string
	maxIterations int
	overrideStale bool
	interactive   bool
	wait          bool
}

func (a *app) implementCmd() *cobra.Command {
	var f implementFlags
	cmd := &cobra.Command{
		Use:   "implement [step]",
		Short: "Drive a plan step (or every step with --all) until it passes review",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.all == (len(args) == 1) {
				return errors.New("give exactly one of <step> or --all")
			}
			if f.all && f.amend {
				return loop.ErrAmendBatch
			}
			return a.withRun(cmd.Context(), lockOpts{wait: f.wait, active: true}, func(ctx context.Context, s *session) error {
				if f.all {
					return a.implementAll(ctx, s, f)
				}
				return a.implementStep(ctx, s, args[0], f)
			})
		},
	}
	cmd.Flags().BoolVar(&f.all, "all", false, "run every step in plan order, halting at the first that does not pass")
	cmd.Flags().BoolVar(&f.amend, "amend", false, "reopen a passed step in a new iteration series")
	cmd.Flags().StringVar(&f.reason, "reason", "", "why the step is amended")
	cmd.Flags().IntVar(&f.maxIterations, "max-iterations", 0, "iteration budget per series (default: loop.max_iterations)")
	cmd.Flags().BoolVar(&f.overrideStale, "override-stale", false, "proceed with stale inputs; the override is recorded")
	cmd.Flags().BoolVar(&f.interactive, "interactive", false, "ask whether to continue after each failing review")
	cmd.Flags().BoolVar(&f.wait, "wait", false, "wait for a held lock instead of failing")
	return cmd
}

func (a *app) implementStep(ctx context.Context, s *session, id string, f implementFlags) error {
	units, planVersion, err := a.loadPlan(s, f.overrideStale)
	if err != nil {
		return err
	}
	unit, err := plan.Find(units, id)
	if err != nil {
		return err
	}
	if f.amend {
		out := loop.OutputArtifact(unit.ID)
		if err := a.requireFresh(s, out, f.overrideStale); err != nil {
			return err
		}
	}

	l, err := a.newLoop(s, planVersion, f.maxIterations)
	if err != nil {
		return err
	}
	unsubscribe := s.bus.Subscribe(a.progress())
	defer unsubscribe()

	res, err := l.RunUnit(ctx, unit, loop.Options{Amend: f.amend, AmendReason: f.reason, Decider: a.decider(f.interactive)})
	if res != nil {
		a.report(s, res)
	}
	return err
}

func (a *app) implementAll(ctx context.Context, s *session, f implementFlags) error {
	units, planVersion, err := a.loadPlan(s, f.overrideStale)
	if err != nil {
		return err
	}
	l, err := a.newLoop(s, planVersion, f.maxIterations)
	if err != nil {
		return err
	}
	unsubscribe := s.bus.Subscribe(a.progress())
	defer unsubscribe()

	br, err := l.RunBatch(ctx, units, loop.Options{Decider: a.decider(f.interactive)})
	if br == nil {
		return err
	}
	for _, id := range br.Completed {
		artifact.ClearStale(s.meta, loop.OutputArtifact(id))
	}
	fmt.Fprintf(a.out, "completed: %v\n", br.Completed)
	if len(br.Skipped) > 0 {
		fmt.Fprintf(a.out, "already passed: %v\n", br.Skipped)
	}
	if br.HaltedAt != "" {
		fmt.Fprintf(a.out, "halted at step %s (%s)\n", br.HaltedAt, br.State)
	}
	return err
}

// loadPlan returns the current plan's units and version, gated on the plan
// being fresh.
func (a *app) loadPlan(s *session, override bool) ([]model.Unit, int, error) {
	text, err := s.store.Current(loop.PlanArtifact)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, 0, errNoPlan
	}
	if err != nil {
		return nil, 0, err
	}
	if err := a.requireFresh(s, loop.PlanArtifact, override); err != nil {
		return nil, 0, err
	}
	units, err := plan.Parse(string(text))
	if err != nil {
		return nil, 0, err
	}
	v, err := s.store.CurrentVersion(loop.PlanArtifact)
	if err != nil {
		return nil, 0, err
	}
	return units, v, nil
}

func (a *app) requireFresh(s *session, name string, override bool) error {
	stale, err := s.store.Staleness(name)
	if err != nil {
		return err
	}
	n := len(s.meta.StaleOverrides)
	if err := artifact.RequireFresh(s.meta, name, stale, override, time.Now()); err != nil {
		return fmt.Errorf("%w (pass --override-stale to proceed anyway)", err)
	}
	if len(s.meta.StaleOverrides) > n {
		o := s.meta.StaleOverrides[n]
		a.logger.Warnf("stale_override artifact=%s reason=%q", name, o.StaleReason)
		fmt.Fprintf(a.errOut, "warning: proceeding with stale %s: %s\n", name, o.StaleReason)
		s.publish(events.StaleOverridden, map[string]any{"artifact": name, "stale_reason": o.StaleReason})
	}
	return nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func (a *app) newLoop(s *session, planVersion, maxIterations int) (*loop.Loop, error) {
	retry := a.cfg.Providers.Retry
	implementer, err := provider.FromConfig(a.cfg.Providers.Implement, retry, a.root, a.logger.With("implement"))
	if err != nil {
		return nil, fmt.Errorf("implement provider: %w", err)
	}
	reviewer, err := provider.FromConfig(a.cfg.Providers.Review, retry, a.root, a.logger.With("review"))
	if err != nil {
		return nil, fmt.Errorf("review provider: %w", err)
	}
	gate, err := review.NewGate(reviewer, review.Options{
		Policy:       review.Policy{FailOnBlockersOnly: a.cfg.Review.FailOnBlockersOnly},
		Timeout:      seconds(a.cfg.Review.TimeoutSec),
		MaxDiffBytes: a.cfg.Review.MaxDiffBytes,
		Logger:       a.logger.With("review"),
	})
	if err != nil {
		return nil, err
	}
	categories, err := checks.ParseCategories(a.cfg.Checks.Categories)
	if err != nil {
		return nil, err
	}
	if maxIterations <= 0 {
		maxIterations = a.cfg.Loop.MaxIterations
	}

	return loop.New(s.runDir, s.meta.RunID, loop.Deps{
		Implementer: implementer,
		Checker:     checks.NewRunner(a.root, checks.WithLogger(a.logger.With("checks"))),
		Reviewer:    gate,
		Repo:        git.New(a.root, 0, setup.StateDir),
		Artifacts:   s.store,
		Bus:         s.bus,
		Logger:      a.logger.With("loop"),
	}, loop.Config{
		Categories:       categories,
		CheckTimeout:     seconds(a.cfg.Checks.TimeoutSec),
		ImplementTimeout: seconds(a.cfg.Implement.TimeoutSec),
		MaxIterations:    maxIterations,
		PlanVersion:      planVersion,
	})
}

func (a *app) report(s *session, res *loop.Result) {
	switch {
	case res.AlreadyPassed:
		fmt.Fprintf(a.out, "step %s already passed (commit %s); use --amend to revise it\n", res.Unit, res.CommitSHA)
	case res.State == model.StatePassed:
		artifact.ClearStale(s.meta, loop.OutputArtifact(res.Unit))
		fmt.Fprintf(a.out, "step %s passed at iteration %d (%s, commit %s)\n", res.Unit, res.LastIteration, res.Series, res.CommitSHA)
	case res.State == model.StateQuit:
		fmt.Fprintf(a.out, "step %s stopped at iteration %d; run `tandem implement %s` to resume\n", res.Unit, res.LastIteration, res.Unit)
	case res.State == model.StateMaxIterationsReached:
		fmt.Fprintf(a.out, "step %s did not pass within %d iteration(s); raise --max-iterations to continue\n", res.Unit, res.LastIteration)
	}
}

func (a *app) checksCmd() *cobra.Command {
	var full bool
	cmd := &cobra.Command{
		Use:   "checks",
		Short: "Run the configured checks once (fail-fast unless --full)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			categories, err := checks.ParseCategories(a.cfg.Checks.Categories)
			if err != nil {
				return err
			}
			mode := checks.FailFast
			if full {
				mode = checks.RunAll
			}
			runner := checks.NewRunner(a.root, checks.WithLogger(a.logger.With("checks")))
			sum, err := runner.Run(cmd.Context(), categories, mode, seconds(a.cfg.Checks.TimeoutSec))
			if err != nil {
				return err
			}
			fmt.Fprint(a.out, checks.Report(sum))
			if sum.FirstFailure != nil {
				return fmt.Errorf("checks failed: %s", *sum.FirstFailure)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "run every category even after a failure")
	return cmd
}
