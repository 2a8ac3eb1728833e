// Package notify provides desktop notification support.
package notify

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/msageha/tandem/internal/events"
	"github.com/msageha/tandem/internal/logging"
	"github.com/msageha/tandem/internal/procexec"
)

const sendTimeout = 10 * time.Second

// RunFunc executes a notifier command. procexec.Run in production.
type RunFunc func(ctx context.Context, spec procexec.Spec) (procexec.Result, error)

// Notifier shows desktop notifications with osascript on macOS and
// notify-send elsewhere. Failures are logged, never returned to the loop.
type Notifier struct {
	goos   string
	run    RunFunc
	logger *logging.Logger
}

type Option func(*Notifier)

func WithRun(fn RunFunc) Option { return func(n *Notifier) { n.run = fn } }

func WithGOOS(goos string) Option { return func(n *Notifier) { n.goos = goos } }

func WithLogger(l *logging.Logger) Option { return func(n *Notifier) { n.logger = l } }

func New(opts ...Option) *Notifier {
	n := &Notifier{goos: runtime.GOOS, run: procexec.Run, logger: logging.Nop()}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Argv returns the command that displays title and message.
func (n *Notifier) Argv(title, message string) []string {
	if n.goos == "darwin" {
		script := fmt.Sprintf(
			`display notification "%s" with title "%s" sound name "default"`,
			escapeAppleScript(message), escapeAppleScript(title),
		)
		return []string{"osascript", "-e", script}
	}
	return []string{"notify-send", "--app-name=tandem", title, message}
}

// Send displays a notification.
func (n *Notifier) Send(ctx context.Context, title, message string) error {
	argv := n.Argv(title, message)
	res, err := n.run(ctx, procexec.Spec{Argv: argv, Timeout: sendTimeout})
	if err != nil {
		return fmt.Errorf("%s: %w", argv[0], err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%s: exit %d: %s", argv[0], res.ExitCode, strings.TrimSpace(res.Output))
	}
	return nil
}

// Subscriber notifies on unit and batch results.
func (n *Notifier) Subscriber() events.Subscriber {
	return func(ev events.Event) {
		title, message, ok := Message(ev)
		if !ok {
			return
		}
		if err := n.Send(context.Background(), title, message); err != nil {
			n.logger.Debugf("notify failed: %v", err)
		}
	}
}

// Message formats the notification for ev; ok is false for events that do
// not warrant one.
func Message(ev events.Event) (title, message string, ok bool) {
	switch ev.Type {
	case events.UnitFinished:
		state, _ := ev.Details["state"].(string)
		title = "tandem: step " + ev.Unit
		switch state {
		case "passed":
			message = fmt.Sprintf("passed at iteration %d", ev.Iteration)
		case "max_iterations_reached":
			message = fmt.Sprintf("stopped after %d iterations without passing", ev.Iteration)
		default:
			message = state
		}
		return title, message, true
	case events.BatchFinished:
		completed, _ := ev.Details["completed"].(int)
		halted, _ := ev.Details["halted_at"].(string)
		if halted != "" {
			return "tandem: batch halted", fmt.Sprintf("%d step(s) completed, halted at step %s", completed, halted), true
		}
		return "tandem: batch done", fmt.Sprintf("%d step(s) completed", completed), true
	}
	return "", "", false
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}
