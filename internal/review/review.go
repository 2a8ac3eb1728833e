// Package review asks an external reviewer to judge a step's diff and turns
// its verdict into a Status under the configured pass policy.
package review

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"text/template"
	"time"
	"unicode/utf8"

	"github.com/msageha/tandem/internal/checks"
	"github.com/msageha/tandem/internal/fsutil"
	"github.com/msageha/tandem/internal/logging"
	"github.com/msageha/tandem/internal/model"
	"github.com/msageha/tandem/internal/provider"
	"github.com/msageha/tandem/templates"
)

const (
	ReviewFile = "review.md"
	RawFile    = "review.raw.txt"
	IssuesFile = "issues.json"
)

type Options struct {
	Policy       Policy
	Timeout      time.Duration
	MaxDiffBytes int
	// Template overrides the embedded review prompt.
	Template string
	Logger   *logging.Logger
	Now      func() time.Time
}

type Gate struct {
	reviewer provider.Provider
	tmpl     *template.Template
	opts     Options
}

func NewGate(reviewer provider.Provider, opts Options) (*Gate, error) {
	text := opts.Template
	if text == "" {
		var err error
		if text, err = templates.Prompt(templates.ReviewPrompt); err != nil {
			return nil, err
		}
	}
	tmpl, err := template.New("review").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse review template: %w", err)
	}
	if opts.MaxDiffBytes <= 0 {
		opts.MaxDiffBytes = model.DefaultMaxDiffBytes
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Gate{reviewer: reviewer, tmpl: tmpl, opts: opts}, nil
}

// Result is one review. Verdict is nil and ParseErr set when the final line
// could not be decoded; Status is then a failing status with no issues.
type Result struct {
	ReviewID string
	Text     string
	Verdict  *Verdict
	ParseErr error
	Status   model.Status
}

type promptData struct {
	Unit          model.Unit
	Diff          string
	DiffTruncated bool
	DiffLimit     int
	Checks        string
}

// Review renders the prompt, invokes the reviewer and derives a Status.
// Only reviewer invocation failures are returned as errors.
func (g *Gate) Review(ctx context.Context, unit model.Unit, diff string, summary *model.ChecksSummary) (*Result, error) {
	prompt, err := g.Prompt(unit, diff, summary)
	if err != nil {
		return nil, err
	}

	text, err := g.reviewer.Invoke(ctx, prompt, g.opts.Timeout)
	if err != nil {
		return nil, fmt.Errorf("invoke reviewer: %w", err)
	}

	res := &Result{ReviewID: model.NewReviewID(), Text: text}
	diffNonempty := strings.TrimSpace(diff) != ""
	now := g.opts.Now()

	verdict, err := ParseVerdict(text)
	if err != nil {
		res.ParseErr = err
		res.Status = Failing(summary, diffNonempty, now)
		g.opts.Logger.Warnf("review_unparseable unit=%s review_id=%s: %v", unit.ID, res.ReviewID, err)
		return res, nil
	}
	res.Verdict = verdict
	res.Status = g.opts.Policy.Tally(verdict.Issues, summary, diffNonempty, now)
	if verdict.Pass != res.Status.Pass {
		g.opts.Logger.Infof("review_pass_overridden unit=%s reviewer=%t computed=%t blockers=%d issues=%d",
			unit.ID, verdict.Pass, res.Status.Pass, res.Status.BlockerCount, res.Status.IssueCount)
	}
	return res, nil
}

// Prompt renders the review prompt without invoking the reviewer.
func (g *Gate) Prompt(unit model.Unit, diff string, summary *model.ChecksSummary) (string, error) {
	trimmed, truncated := truncate(diff, g.opts.MaxDiffBytes)
	var buf bytes.Buffer
	err := g.tmpl.Execute(&buf, promptData{
		Unit:          unit,
		Diff:          trimmed,
		DiffTruncated: truncated,
		DiffLimit:     g.opts.MaxDiffBytes,
		Checks:        checks.Report(summary),
	})
	if err != nil {
		return "", fmt.Errorf("render review prompt: %w", err)
	}
	return buf.String(), nil
}

// truncate cuts s to at most max bytes, preferring a line boundary and
// never splitting a rune.
func truncate(s string, max int) (string, bool) {
	if len(s) <= max {
		return s, false
	}
	cut := s[:max]
	if i := strings.LastIndexByte(cut, '\n'); i > 0 {
		cut = cut[:i+1]
	}
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut, true
}

// Save writes review.md, issues.json and, when the verdict was
// unparseable, review.raw.txt into dir.
func Save(dir string, res *Result) error {
	if err := fsutil.AtomicWriteRaw(filepath.Join(dir, ReviewFile), []byte(res.Text), fsutil.WriteOptions{}); err != nil {
		return fmt.Errorf("write review: %w", err)
	}
	issues := []model.Issue{}
	if res.Verdict != nil {
		issues = res.Verdict.Issues
	}
	if err := fsutil.AtomicWriteJSON(filepath.Join(dir, IssuesFile), issues); err != nil {
		return fmt.Errorf("write issues: %w", err)
	}
	if res.ParseErr != nil {
		raw := fmt.Sprintf("review_id: %s\nerror: %v\n\n%s", res.ReviewID, res.ParseErr, res.Text)
		if err := fsutil.AtomicWriteRaw(filepath.Join(dir, RawFile), []byte(raw), fsutil.WriteOptions{}); err != nil {
			return fmt.Errorf("write raw review: %w", err)
		}
	}
	return nil
}

// LoadIssues reads issues.json written by Save.
func LoadIssues(dir string) ([]model.Issue, error) {
	var issues []model.Issue
	if err := fsutil.ReadJSON(filepath.Join(dir, IssuesFile), &issues); err != nil {
		return nil, err
	}
	return issues, nil
}
