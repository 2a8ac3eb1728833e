// Package git is the git collaborator of the iteration loop: diff capture,
// staging and commits, executed as argument vectors.
package git

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/msageha/tandem/internal/procexec"
)

const (
	// DefaultTimeout bounds every git invocation.
	DefaultTimeout = 2 * time.Minute
	// MaxOutput bounds what one git command may print. Diffs are never
	// truncated; a larger one fails with ErrOutputTruncated.
	MaxOutput = 256 * 1024 * 1024
)

var ErrOutputTruncated = errors.New("git output exceeds limit")

// Repo is what the loop needs from version control.
type Repo interface {
	Diff(ctx context.Context, staged bool) (string, error)
	HasStagedChanges(ctx context.Context) (bool, error)
	// AddAll stages every change in the work tree except excluded paths.
	AddAll(ctx context.Context) error
	Commit(ctx context.Context, messageFile string) (string, error)
	CommitFixup(ctx context.Context, targetSHA string) (string, error)
	HeadSHA(ctx context.Context) (string, error)
}

// CLI runs the git executable in a work tree.
type CLI struct {
	dir       string
	timeout   time.Duration
	exclude   []string
	maxOutput int
	run       func(ctx context.Context, spec procexec.Spec) (procexec.Result, error)
}

// New returns a CLI for dir. Paths in exclude (relative to dir) are never
// staged; the tandem state directory belongs there.
func New(dir string, timeout time.Duration, exclude ...string) *CLI {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &CLI{dir: dir, timeout: timeout, exclude: exclude, maxOutput: MaxOutput, run: procexec.Run}
}

// Error carries git's stdout and stderr for a failed command.
type Error struct {
	Args     []string
	ExitCode int
	Output   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("git %s: exit %d: %s", strings.Join(e.Args, " "), e.ExitCode, strings.TrimSpace(e.Output))
}

func (g *CLI) git(ctx context.Context, args ...string) (procexec.Result, error) {
	res, err := g.run(ctx, procexec.Spec{
		Argv:           append([]string{"git"}, args...),
		Dir:            g.dir,
		Timeout:        g.timeout,
		MaxOutput:      g.maxOutput,
		SeparateStderr: true,
	})
	if err != nil {
		return res, fmt.Errorf("git %s: %w", args[0], err)
	}
	return res, nil
}

// output returns stdout of a successful git command. Stderr only appears in
// the *Error of a failed one.
func (g *CLI) output(ctx context.Context, args ...string) (string, error) {
	res, err := g.git(ctx, args...)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", failure(args, res)
	}
	if res.Truncated {
		return "", fmt.Errorf("git %s: %w (%d bytes)", args[0], ErrOutputTruncated, g.maxOutput)
	}
	return res.Output, nil
}

func failure(args []string, res procexec.Result) *Error {
	return &Error{Args: args, ExitCode: res.ExitCode, Output: res.Output + res.Stderr}
}

func (g *CLI) Diff(ctx context.Context, staged bool) (string, error) {
	args := []string{"diff", "--no-color", "--no-ext-diff"}
	if staged {
		args = append(args, "--cached")
	}
	return g.output(ctx, args...)
}

func (g *CLI) HasStagedChanges(ctx context.Context) (bool, error) {
	args := []string{"diff", "--cached", "--quiet"}
	res, err := g.git(ctx, args...)
	if err != nil {
		return false, err
	}
	switch res.ExitCode {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, failure(args, res)
	}
}

func (g *CLI) AddAll(ctx context.Context) error {
	args := []string{"add", "-A", "--", "."}
	for _, p := range g.exclude {
		args = append(args, ":(exclude)"+p)
	}
	_, err := g.output(ctx, args...)
	return err
}

func (g *CLI) Commit(ctx context.Context, messageFile string) (string, error) {
	if _, err := g.output(ctx, "commit", "--no-verify", "-F", messageFile); err != nil {
		return "", err
	}
	return g.HeadSHA(ctx)
}

// CommitFixup records the staged changes as a fixup of targetSHA, leaving
// the original commit untouched.
func (g *CLI) CommitFixup(ctx context.Context, targetSHA string) (string, error) {
	if _, err := g.output(ctx, "commit", "--no-verify", "--fixup="+targetSHA); err != nil {
		return "", err
	}
	return g.HeadSHA(ctx)
}

func (g *CLI) HeadSHA(ctx context.Context) (string, error) {
	out, err := g.output(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}
