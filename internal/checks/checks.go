// Package checks runs the configured validation categories (lint, test,
// typecheck, ...) and produces a ChecksSummary.
package checks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/msageha/tandem/internal/logging"
	"github.com/msageha/tandem/internal/model"
	"github.com/msageha/tandem/internal/procexec"
)

type Mode int

const (
	// FailFast stops at the first failing category.
	FailFast Mode = iota
	// RunAll executes every category regardless of earlier failures.
	RunAll
)

func (m Mode) String() string {
	if m == RunAll {
		return "run_all"
	}
	return "fail_fast"
}

// Category is a named, already tokenized validation command.
type Category struct {
	Name string
	Argv []string
}

// ParseCategories tokenizes configured commands into argument vectors.
func ParseCategories(cfgs []model.CategoryConfig) ([]Category, error) {
	out := make([]Category, 0, len(cfgs))
	for _, c := range cfgs {
		if !model.ValidateName(c.Name) {
			return nil, fmt.Errorf("invalid category name %q", c.Name)
		}
		argv, err := procexec.Split(c.Command)
		if err != nil {
			return nil, fmt.Errorf("category %s: %w", c.Name, err)
		}
		out = append(out, Category{Name: c.Name, Argv: argv})
	}
	return out, nil
}

// ExecFunc runs one argument vector. It matches procexec.Run.
type ExecFunc func(ctx context.Context, spec procexec.Spec) (procexec.Result, error)

type Runner struct {
	dir    string
	exec   ExecFunc
	logger *logging.Logger
}

type Option func(*Runner)

func WithExec(f ExecFunc) Option { return func(r *Runner) { r.exec = f } }
func WithLogger(l *logging.Logger) Option { return func(r *Runner) { r.logger = l } }

// NewRunner runs categories with dir as their working directory.
func NewRunner(dir string, opts ...Option) *Runner {
	r := &Runner{dir: dir, exec: procexec.Run, logger: logging.Nop()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run executes categories in order. Missing executables and timeouts become
// failing results; only cancellation of ctx aborts the run, in which case
// the partial summary is returned with ctx.Err().
func (r *Runner) Run(ctx context.Context, categories []Category, mode Mode, timeout time.Duration) (*model.ChecksSummary, error) {
	summary := &model.ChecksSummary{
		Categories: make(map[string]model.CategoryResult, len(categories)),
		AllPassed:  true,
	}

	for _, cat := range categories {
		res, err := r.exec(ctx, procexec.Spec{Argv: cat.Argv, Dir: r.dir, Timeout: timeout})
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		result := model.CategoryResult{
			Name:     cat.Name,
			ExitCode: res.ExitCode,
			Output:   res.Output,
			Passed:   err == nil && res.ExitCode == 0,
		}
		switch {
		case errors.Is(err, procexec.ErrTimeout):
			r.logger.Warnf("check_timeout category=%s timeout=%s", cat.Name, timeout)
		case errors.Is(err, procexec.ErrNotFound):
			r.logger.Warnf("check_not_found category=%s argv0=%s", cat.Name, cat.Argv[0])
		case err != nil:
			r.logger.Warnf("check_error category=%s: %v", cat.Name, err)
			if result.Output == "" {
				result.Output = err.Error() + "\n"
			}
		}
		r.logger.Debugf("check_done category=%s exit=%d passed=%t mode=%s", cat.Name, result.ExitCode, result.Passed, mode)

		summary.Categories[cat.Name] = result
		summary.Order = append(summary.Order, cat.Name)
		if !result.Passed && summary.FirstFailure == nil {
			name := cat.Name
			summary.FirstFailure = &name
			summary.AllPassed = false
			if mode == FailFast {
				break
			}
		}
	}
	return summary, nil
}
