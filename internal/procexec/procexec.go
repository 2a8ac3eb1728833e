// Package procexec runs external programs from an argument vector, never
// through a shell, with a hard timeout and bounded output capture.
package procexec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/google/shlex"
	"golang.org/x/sys/unix"
)

// DefaultMaxOutput caps captured output; the tail is kept.
const DefaultMaxOutput = 1024 * 1024

var (
	ErrNotFound = errors.New("executable not found")
	ErrTimeout  = errors.New("command timed out")
)

type Spec struct {
	Argv      []string
	Dir       string
	Stdin     io.Reader
	Env       []string
	Timeout   time.Duration
	MaxOutput int
	// SeparateStderr keeps stderr out of Output and returns it in
	// Result.Stderr, bounded by the same limit.
	SeparateStderr bool
}

// Result holds the captured output and the exit code. Output is combined
// stdout+stderr unless Spec.SeparateStderr is set. ExitCode is -1 when the
// process never ran to completion (not found, timeout, start failure).
type Result struct {
	Output   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	// Truncated is set when the head of Output was dropped to stay within
	// MaxOutput.
	Truncated bool
}

// Split tokenizes a command line with shell-like quoting rules but no
// expansion, globbing, pipes or substitution.
func Split(command string) ([]string, error) {
	argv, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("tokenize %q: %w", command, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	return argv, nil
}

// Run executes spec. A non-zero exit is not an error; err is non-nil only
// for ErrNotFound, ErrTimeout, start failures, or ctx cancellation.
func Run(ctx context.Context, spec Spec) (Result, error) {
	res := Result{ExitCode: -1}
	if len(spec.Argv) == 0 {
		return res, fmt.Errorf("empty argv")
	}
	path, err := exec.LookPath(spec.Argv[0])
	if err != nil {
		res.Output = fmt.Sprintf("%s: %v\n", spec.Argv[0], err)
		return res, fmt.Errorf("%w: %s", ErrNotFound, spec.Argv[0])
	}

	runCtx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	max := spec.MaxOutput
	if max <= 0 {
		max = DefaultMaxOutput
	}
	buf := &tailBuffer{max: max}
	errBuf := buf
	if spec.SeparateStderr {
		errBuf = &tailBuffer{max: max}
	}

	cmd := exec.CommandContext(runCtx, path, spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Stdin = spec.Stdin
	cmd.Stdout = buf
	cmd.Stderr = errBuf
	if spec.Env != nil {
		cmd.Env = spec.Env
	}
	// Own process group so a timeout kills grandchildren too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	start := time.Now()
	err = cmd.Run()
	res.Duration = time.Since(start)
	res.Output = buf.String()
	res.Truncated = buf.dropped
	if spec.SeparateStderr {
		res.Stderr = errBuf.String()
	}

	if runCtx.Err() != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Output += fmt.Sprintf("\n[timed out after %s]\n", spec.Timeout)
		return res, fmt.Errorf("%w after %s: %s", ErrTimeout, spec.Timeout, strings.Join(spec.Argv, " "))
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		res.ExitCode = 0
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return res, fmt.Errorf("run %s: %w", spec.Argv[0], err)
	}
	return res, nil
}

// tailBuffer keeps the last max bytes written.
type tailBuffer struct {
	buf     []byte
	max     int
	dropped bool
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	if len(p) > b.max {
		b.buf = append(b.buf[:0], p[len(p)-b.max:]...)
		b.dropped = true
		return len(p), nil
	}
	if over := len(b.buf) + len(p) - b.max; over > 0 {
		b.buf = b.buf[over:]
		b.dropped = true
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *tailBuffer) String() string {
	return string(b.buf)
}
