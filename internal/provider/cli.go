package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/msageha/tandem/internal/procexec"
)

// ExitError reports a provider command that ran but exited non-zero.
type ExitError struct {
	Command string
	Code    int
	Output  string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("provider %s exited with code %d", e.Command, e.Code)
}

// CLI runs an external agent command with the prompt on stdin.
type CLI struct {
	argv []string
	dir  string
}

func NewCLI(command string) (*CLI, error) {
	argv, err := procexec.Split(command)
	if err != nil {
		return nil, fmt.Errorf("provider command: %w", err)
	}
	return &CLI{argv: argv}, nil
}

// InDir returns a copy of c that runs in dir.
func (c *CLI) InDir(dir string) *CLI {
	cp := *c
	cp.dir = dir
	return &cp
}

func (c *CLI) Invoke(ctx context.Context, prompt string, timeout time.Duration) (string, error) {
	res, err := procexec.Run(ctx, procexec.Spec{
		Argv:    c.argv,
		Dir:     c.dir,
		Stdin:   strings.NewReader(prompt),
		Timeout: timeout,
	})
	if err != nil {
		return res.Output, err
	}
	if res.ExitCode != 0 {
		return res.Output, &ExitError{Command: c.argv[0], Code: res.ExitCode, Output: res.Output}
	}
	return res.Output, nil
}
