// Package loop drives one unit of work through implement, check, review
// and fix until it passes, the operator quits, or the iteration budget is
// spent.
package loop

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/msageha/tandem/internal/artifact"
	"github.com/msageha/tandem/internal/checks"
	"github.com/msageha/tandem/internal/events"
	"github.com/msageha/tandem/internal/fsutil"
	"github.com/msageha/tandem/internal/git"
	"github.com/msageha/tandem/internal/logging"
	"github.com/msageha/tandem/internal/model"
	"github.com/msageha/tandem/internal/provider"
	"github.com/msageha/tandem/internal/review"
	"github.com/msageha/tandem/templates"
)

// Checker runs check categories. *checks.Runner implements it.
type Checker interface {
	Run(ctx context.Context, categories []checks.Category, mode checks.Mode, timeout time.Duration) (*model.ChecksSummary, error)
}

// Reviewer judges a diff. *review.Gate implements it.
type Reviewer interface {
	Review(ctx context.Context, unit model.Unit, diff string, summary *model.ChecksSummary) (*review.Result, error)
}

type Decision int

const (
	Continue Decision = iota
	Quit
)

// Decider is consulted after every failing iteration that still has budget.
type Decider interface {
	Decide(ctx context.Context, unit model.Unit, iteration int, status *model.Status) (Decision, error)
}

type DeciderFunc func(ctx context.Context, unit model.Unit, iteration int, status *model.Status) (Decision, error)

func (f DeciderFunc) Decide(ctx context.Context, unit model.Unit, iteration int, status *model.Status) (Decision, error) {
	return f(ctx, unit, iteration, status)
}

type Deps struct {
	Implementer provider.Provider
	Checker     Checker
	Reviewer    Reviewer
	Repo        git.Repo
	Artifacts   *artifact.Store
	Bus         *events.Bus
	Logger      *logging.Logger
}

type Config struct {
	Categories       []checks.Category
	CheckTimeout     time.Duration
	ImplementTimeout time.Duration
	MaxIterations    int
	// PlanVersion is recorded as the lineage of each passed step's output.
	PlanVersion int
	Now         func() time.Time
}

type Loop struct {
	runDir   string
	runID    string
	deps     Deps
	cfg      Config
	implTmpl *template.Template
	fixTmpl  *template.Template
}

func New(runDir, runID string, deps Deps, cfg Config) (*Loop, error) {
	if deps.Implementer == nil || deps.Checker == nil || deps.Reviewer == nil || deps.Repo == nil {
		return nil, errors.New("loop: implementer, checker, reviewer and repo are required")
	}
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = model.DefaultMaxIterations
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	implTmpl, err := parseEmbedded(templates.ImplementPrompt)
	if err != nil {
		return nil, err
	}
	fixTmpl, err := parseEmbedded(templates.FixPrompt)
	if err != nil {
		return nil, err
	}
	return &Loop{runDir: runDir, runID: runID, deps: deps, cfg: cfg, implTmpl: implTmpl, fixTmpl: fixTmpl}, nil
}

func parseEmbedded(name string) (*template.Template, error) {
	text, err := templates.Prompt(name)
	if err != nil {
		return nil, err
	}
	tmpl, err := template.New(filepath.Base(name)).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	return tmpl, nil
}

type Options struct {
	// Amend reopens a passed unit in a new parallel series.
	Amend       bool
	AmendReason string
	Decider     Decider
}

// Result reports how a unit's series ended in this invocation.
type Result struct {
	Unit          string
	Series        string
	State         model.IterationState
	Iterations    []int
	LastIteration int
	Last          *model.Status
	CommitSHA     string
	// AlreadyPassed is set when the unit had passed before and no amend was
	// requested; nothing ran.
	AlreadyPassed bool
}

// RunUnit drives unit to a terminal state. Reaching the iteration budget
// returns the Result together with a *MaxIterationsError. Cancellation of
// ctx records Quit and returns ctx.Err(); the series stays resumable.
func (l *Loop) RunUnit(ctx context.Context, unit model.Unit, opts Options) (*Result, error) {
	us, err := LoadUnitState(l.runDir, unit.ID)
	if err != nil {
		return nil, err
	}
	s, err := l.openSeries(us, opts)
	if err != nil {
		return nil, err
	}
	res := &Result{Unit: unit.ID, Series: s.label()}
	if s.amend == nil && us.State == model.StatePassed {
		res.State = model.StatePassed
		res.AlreadyPassed = true
		if us.CommitSHA != nil {
			res.CommitSHA = *us.CommitSHA
		}
		return res, nil
	}

	if st := s.state(); st != model.StatePending {
		l.deps.Logger.Infof("series_resume unit=%s series=%s from=%s", unit.ID, s.label(), st)
		s.setState(model.StatePending)
	}
	if err := saveUnitState(l.runDir, us); err != nil {
		return nil, err
	}

	for {
		n, err := nextIteration(s.dir)
		if err != nil {
			return res, err
		}
		if n > l.cfg.MaxIterations {
			return l.exhausted(s, unit, res, n-1)
		}
		done, err := l.iterate(ctx, s, unit, n, opts, res)
		if err != nil || done {
			return res, err
		}
	}
}

// openSeries picks the series to run: the original, the newest amend
// series when it has not passed yet, or a new amend series.
func (l *Loop) openSeries(us *model.UnitState, opts Options) (*series, error) {
	unitDir := UnitDir(l.runDir, us.UnitID)
	if !opts.Amend {
		return &series{unit: us, dir: unitDir}, nil
	}
	if us.State != model.StatePassed {
		return nil, fmt.Errorf("amend step %s: %w (state %s)", us.UnitID, ErrNotPassed, us.State)
	}
	if k := len(us.Amends); k > 0 && us.Amends[k-1].State != model.StatePassed {
		a := &us.Amends[k-1]
		return &series{unit: us, amend: a, dir: filepath.Join(unitDir, AmendsDir, fmt.Sprint(a.Index))}, nil
	}
	us.Amends = append(us.Amends, model.AmendSeries{
		Index:     len(us.Amends) + 1,
		State:     model.StatePending,
		Reason:    opts.AmendReason,
		StartedAt: model.Now(),
	})
	a := &us.Amends[len(us.Amends)-1]
	return &series{unit: us, amend: a, dir: filepath.Join(unitDir, AmendsDir, fmt.Sprint(a.Index))}, nil
}

func (l *Loop) transition(s *series, unit model.Unit, n int, to model.IterationState) error {
	from := s.state()
	if err := model.ValidateIterationTransition(from, to); err != nil {
		return fmt.Errorf("step %s iteration %d: %w", unit.ID, n, err)
	}
	s.setState(to)
	if err := saveUnitState(l.runDir, s.unit); err != nil {
		return err
	}
	l.deps.Logger.Debugf("iteration_transition unit=%s series=%s iteration=%d from=%s to=%s", unit.ID, s.label(), n, from, to)
	l.publish(events.IterationTransition, unit.ID, n, map[string]any{
		"series": s.label(), "from": string(from), "to": string(to),
	})
	return nil
}

// interrupted records Quit for a cancelled context. State files are
// written without ctx so the record survives the interrupt.
func (l *Loop) interrupted(ctx context.Context, s *series, unit model.Unit, n int, res *Result) error {
	l.deps.Logger.Warnf("iteration_interrupted unit=%s series=%s iteration=%d state=%s", unit.ID, s.label(), n, s.state())
	if err := l.transition(s, unit, n, model.StateQuit); err != nil {
		l.deps.Logger.Errorf("record quit: %v", err)
	}
	res.State = model.StateQuit
	return ctx.Err()
}

// iterate runs iteration n. It reports done when the series reached a
// terminal state.
func (l *Loop) iterate(ctx context.Context, s *series, unit model.Unit, n int, opts Options, res *Result) (bool, error) {
	iterDir := s.iterationDir(n)
	if err := os.MkdirAll(iterDir, 0755); err != nil {
		return true, fmt.Errorf("create iteration dir: %w", err)
	}
	res.Iterations = append(res.Iterations, n)
	res.LastIteration = n

	if err := l.transition(s, unit, n, model.StateImplementing); err != nil {
		return true, err
	}
	if err := l.implement(ctx, s, unit, n, iterDir); err != nil {
		if ctx.Err() != nil {
			return true, l.interrupted(ctx, s, unit, n, res)
		}
		return true, err
	}

	if err := l.deps.Repo.AddAll(ctx); err != nil {
		if ctx.Err() != nil {
			return true, l.interrupted(ctx, s, unit, n, res)
		}
		return true, fmt.Errorf("stage changes: %w", err)
	}
	diff, err := l.deps.Repo.Diff(ctx, true)
	if err != nil {
		if ctx.Err() != nil {
			return true, l.interrupted(ctx, s, unit, n, res)
		}
		return true, fmt.Errorf("capture diff: %w", err)
	}
	if err := fsutil.AtomicWriteRaw(filepath.Join(iterDir, DiffFile), []byte(diff), fsutil.WriteOptions{}); err != nil {
		return true, err
	}

	unchanged, err := l.unchanged(s, n, diff)
	if err != nil {
		return true, err
	}
	if unchanged {
		return l.recordNoDiff(ctx, s, unit, n, iterDir, diff, opts, res)
	}

	if err := l.transition(s, unit, n, model.StateChecking); err != nil {
		return true, err
	}
	full, err := l.runChecks(ctx, unit, n, iterDir)
	if err != nil {
		if ctx.Err() != nil {
			return true, l.interrupted(ctx, s, unit, n, res)
		}
		return true, err
	}

	if err := l.transition(s, unit, n, model.StateReviewing); err != nil {
		return true, err
	}
	rv, err := l.deps.Reviewer.Review(ctx, unit, diff, full)
	if err != nil {
		if ctx.Err() != nil {
			return true, l.interrupted(ctx, s, unit, n, res)
		}
		return true, err
	}
	if err := review.Save(iterDir, rv); err != nil {
		return true, err
	}
	status := rv.Status
	if err := fsutil.AtomicWriteJSON(filepath.Join(iterDir, StatusFile), status); err != nil {
		return true, fmt.Errorf("write status: %w", err)
	}
	res.Last = &status
	if rv.ParseErr != nil {
		l.publish(events.ReviewUnparseable, unit.ID, n, map[string]any{
			"review_id": rv.ReviewID, "error": rv.ParseErr.Error(),
		})
	}
	l.publish(events.ReviewCompleted, unit.ID, n, map[string]any{
		"review_id": rv.ReviewID, "pass": status.Pass,
		"blockers": status.BlockerCount, "majors": status.MajorCount, "minors": status.MinorCount,
	})
	l.deps.Logger.Infof("review_done unit=%s iteration=%d pass=%t blockers=%d issues=%d",
		unit.ID, n, status.Pass, status.BlockerCount, status.IssueCount)

	if status.Pass {
		return true, l.pass(ctx, s, unit, n, iterDir, diff, rv.ReviewID, res)
	}

	var issues []model.Issue
	if rv.Verdict != nil {
		issues = rv.Verdict.Issues
	}
	fix, err := renderFix(l.fixTmpl, n, issues, rv.ParseErr != nil, full, false)
	if err != nil {
		return true, err
	}
	return l.fail(ctx, s, unit, n, iterDir, fix, opts, res)
}

func (l *Loop) implement(ctx context.Context, s *series, unit model.Unit, n int, iterDir string) error {
	var fix string
	if n > 1 {
		var err error
		if fix, err = readOptional(filepath.Join(s.iterationDir(n-1), FixFile)); err != nil {
			return err
		}
	}
	var buf bytes.Buffer
	if err := l.implTmpl.Execute(&buf, struct {
		Unit model.Unit
		Fix  string
	}{unit, strings.TrimSpace(fix)}); err != nil {
		return fmt.Errorf("render implement prompt: %w", err)
	}
	if err := fsutil.AtomicWriteRaw(filepath.Join(iterDir, PromptFile), buf.Bytes(), fsutil.WriteOptions{}); err != nil {
		return err
	}

	l.deps.Logger.Infof("implement_start unit=%s series=%s iteration=%d", unit.ID, s.label(), n)
	out, err := l.deps.Implementer.Invoke(ctx, buf.String(), l.cfg.ImplementTimeout)
	if werr := fsutil.AtomicWriteRaw(filepath.Join(iterDir, ImplementLog), []byte(out), fsutil.WriteOptions{}); werr != nil {
		l.deps.Logger.Warnf("write implement log: %v", werr)
	}
	if err != nil {
		return fmt.Errorf("implement step %s: %w", unit.ID, err)
	}
	return nil
}

// unchanged reports whether iteration n produced nothing new: an empty
// diff, or the same diff the newest reviewed iteration already had. An
// iteration interrupted before its review does not count.
func (l *Loop) unchanged(s *series, n int, diff string) (bool, error) {
	if strings.TrimSpace(diff) == "" {
		return true, nil
	}
	for i := n - 1; i >= 1; i-- {
		dir := s.iterationDir(i)
		if _, err := os.Stat(filepath.Join(dir, review.ReviewFile)); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return false, err
		}
		prev, err := readOptional(filepath.Join(dir, DiffFile))
		if err != nil {
			return false, err
		}
		return prev == diff, nil
	}
	return false, nil
}

func (l *Loop) recordNoDiff(ctx context.Context, s *series, unit model.Unit, n int, iterDir, diff string, opts Options, res *Result) (bool, error) {
	status := review.Failing(nil, strings.TrimSpace(diff) != "", l.cfg.Now())
	if err := fsutil.AtomicWriteJSON(filepath.Join(iterDir, StatusFile), status); err != nil {
		return true, fmt.Errorf("write status: %w", err)
	}
	res.Last = &status
	l.deps.Logger.Warnf("iteration_no_diff unit=%s iteration=%d", unit.ID, n)

	fix, err := renderFix(l.fixTmpl, n, nil, false, nil, true)
	if err != nil {
		return true, err
	}
	return l.fail(ctx, s, unit, n, iterDir, fix, opts, res)
}

// runChecks runs fail-fast for the iteration record, then every category
// for the reviewer. The full run is skipped when fail-fast already ran
// everything.
func (l *Loop) runChecks(ctx context.Context, unit model.Unit, n int, iterDir string) (*model.ChecksSummary, error) {
	fast, err := l.deps.Checker.Run(ctx, l.cfg.Categories, checks.FailFast, l.cfg.CheckTimeout)
	if err != nil {
		return nil, err
	}
	if err := checks.WriteSummary(iterDir, fast); err != nil {
		return nil, err
	}
	first := ""
	if fast.FirstFailure != nil {
		first = *fast.FirstFailure
	}
	l.deps.Logger.Infof("checks_done unit=%s iteration=%d all_passed=%t first_failure=%s", unit.ID, n, fast.AllPassed, first)
	l.publish(events.ChecksCompleted, unit.ID, n, map[string]any{"all_passed": fast.AllPassed, "first_failure": first})

	full := fast
	if len(fast.Categories) < len(l.cfg.Categories) {
		if full, err = l.deps.Checker.Run(ctx, l.cfg.Categories, checks.RunAll, l.cfg.CheckTimeout); err != nil {
			return nil, err
		}
	}
	if err := checks.WriteSummary(filepath.Join(iterDir, FullChecksDir), full); err != nil {
		return nil, err
	}
	return full, nil
}

// fail handles a non-passing iteration: either the budget is spent, the
// operator quits, or the fix directive is queued for the next iteration.
func (l *Loop) fail(ctx context.Context, s *series, unit model.Unit, n int, iterDir, fix string, opts Options, res *Result) (bool, error) {
	if err := fsutil.AtomicWriteRaw(filepath.Join(iterDir, FixFile), []byte(fix), fsutil.WriteOptions{}); err != nil {
		return true, err
	}
	if n >= l.cfg.MaxIterations {
		if err := l.transition(s, unit, n, model.StateMaxIterationsReached); err != nil {
			return true, err
		}
		return true, l.finish(s, unit, n, res)
	}

	next := model.StateFixPending
	if s.state() == model.StateImplementing {
		next = model.StateImplementing
	}
	if next == model.StateFixPending {
		if err := l.transition(s, unit, n, next); err != nil {
			return true, err
		}
	}

	if opts.Decider != nil {
		d, err := opts.Decider.Decide(ctx, unit, n, res.Last)
		if err != nil {
			if ctx.Err() != nil {
				return true, l.interrupted(ctx, s, unit, n, res)
			}
			return true, err
		}
		if d == Quit {
			if err := l.transition(s, unit, n, model.StateQuit); err != nil {
				return true, err
			}
			return true, l.finish(s, unit, n, res)
		}
	}
	if ctx.Err() != nil {
		return true, l.interrupted(ctx, s, unit, n, res)
	}
	return false, nil
}

func (l *Loop) pass(ctx context.Context, s *series, unit model.Unit, n int, iterDir, diff, reviewID string, res *Result) error {
	msg := fmt.Sprintf("Step %s: %s\n\nIteration: %d\nReview: %s\n", unit.ID, unit.Title, n, reviewID)
	msgFile := filepath.Join(iterDir, CommitMsgFile)
	if err := fsutil.AtomicWriteRaw(msgFile, []byte(msg), fsutil.WriteOptions{}); err != nil {
		return err
	}

	var (
		sha string
		err error
	)
	if s.amend != nil && s.unit.CommitSHA != nil {
		sha, err = l.deps.Repo.CommitFixup(ctx, *s.unit.CommitSHA)
	} else {
		sha, err = l.deps.Repo.Commit(ctx, msgFile)
	}
	if err != nil {
		if ctx.Err() != nil {
			return l.interrupted(ctx, s, unit, n, res)
		}
		return fmt.Errorf("commit step %s: %w", unit.ID, err)
	}

	now := model.Now()
	if s.amend != nil {
		s.amend.CommitSHA = &sha
		s.amend.FinishedAt = &now
	} else {
		s.unit.CommitSHA = &sha
		s.unit.PassedAt = &now
	}
	if err := l.transition(s, unit, n, model.StatePassed); err != nil {
		return err
	}
	res.CommitSHA = sha

	if l.deps.Artifacts != nil {
		if err := l.recordOutput(s, unit, n, diff, reviewID); err != nil {
			return err
		}
	}
	return l.finish(s, unit, n, res)
}

// recordOutput versions the passed diff as the step's output artifact,
// derived from the plan version the loop ran against.
func (l *Loop) recordOutput(s *series, unit model.Unit, n int, diff, reviewID string) error {
	name := OutputArtifact(unit.ID)
	reason := fmt.Sprintf("%s iteration %d passed", s.label(), n)
	v, err := l.deps.Artifacts.Import(name, []byte(diff), artifact.Trigger{Reason: reason, ReviewID: reviewID})
	if err != nil {
		return fmt.Errorf("version step output: %w", err)
	}
	if l.cfg.PlanVersion > 0 {
		ref := model.ArtifactRef{ArtifactName: PlanArtifact, DerivedFromVersion: l.cfg.PlanVersion}
		if err := l.deps.Artifacts.SetDerivedFrom(name, ref); err != nil {
			return err
		}
	}
	l.publish(events.ArtifactVersioned, unit.ID, n, map[string]any{"artifact": name, "version": v})
	return nil
}

const PlanArtifact = "plan"

// OutputArtifact names the per-step output artifact.
func OutputArtifact(unitID string) string {
	return StepsDir + "/" + unitID + "/output"
}

func (l *Loop) finish(s *series, unit model.Unit, n int, res *Result) error {
	res.State = s.state()
	l.deps.Logger.Infof("unit_finished unit=%s series=%s state=%s iteration=%d", unit.ID, s.label(), res.State, n)
	l.publish(events.UnitFinished, unit.ID, n, map[string]any{"series": s.label(), "state": string(res.State)})
	if res.State == model.StateMaxIterationsReached {
		return &MaxIterationsError{Unit: unit.ID, Iterations: n, Last: res.Last}
	}
	return nil
}

// exhausted handles re-entry into a series whose budget is already spent.
func (l *Loop) exhausted(s *series, unit model.Unit, res *Result, last int) (*Result, error) {
	st, _, err := LastStatus(s.dir)
	if err != nil {
		return res, err
	}
	res.Last = st
	res.LastIteration = last
	if err := l.transition(s, unit, last, model.StateMaxIterationsReached); err != nil {
		return res, err
	}
	return res, l.finish(s, unit, last, res)
}

func (l *Loop) publish(t events.Type, unit string, n int, details map[string]any) {
	l.deps.Bus.Publish(events.Event{Type: t, RunID: l.runID, Unit: unit, Iteration: n, Details: details})
}
