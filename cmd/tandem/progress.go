package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/msageha/tandem/internal/events"
	"github.com/msageha/tandem/internal/loop"
	"github.com/msageha/tandem/internal/model"
)

// progress prints loop events as they happen.
func (a *app) progress() events.Subscriber {
	return func(ev events.Event) {
		switch ev.Type {
		case events.IterationTransition:
			to, _ := ev.Details["to"].(string)
			series, _ := ev.Details["series"].(string)
			label := ""
			if series != "" && series != "original" {
				label = " [" + series + "]"
			}
			fmt.Fprintf(a.out, "step %s%s iteration %d: %s\n", ev.Unit, label, ev.Iteration, to)
		case events.ChecksCompleted:
			if first, _ := ev.Details["first_failure"].(string); first != "" {
				fmt.Fprintf(a.out, "  checks: %s failed\n", first)
			} else {
				fmt.Fprintln(a.out, "  checks: all passed")
			}
		case events.ReviewUnparseable:
			fmt.Fprintln(a.out, "  review: verdict unreadable, counted as failing")
		case events.ReviewCompleted:
			fmt.Fprintf(a.out, "  review: pass=%v blockers=%v majors=%v minors=%v\n",
				ev.Details["pass"], ev.Details["blockers"], ev.Details["majors"], ev.Details["minors"])
		}
	}
}

// decider returns nil (always continue) unless interactive.
func (a *app) decider(interactive bool) loop.Decider {
	if !interactive {
		return nil
	}
	return &promptDecider{in: bufio.NewReader(a.in), out: a.out}
}

type promptDecider struct {
	in  *bufio.Reader
	out io.Writer
}

func (d *promptDecider) Decide(ctx context.Context, unit model.Unit, iteration int, st *model.Status) (loop.Decision, error) {
	summary := "no verdict"
	if st != nil {
		summary = fmt.Sprintf("%d blocker, %d major, %d minor", st.BlockerCount, st.MajorCount, st.MinorCount)
		if !st.DiffNonempty {
			summary = "no changes"
		}
	}
	fmt.Fprintf(d.out, "step %s iteration %d failed (%s). Continue with the fix? [Y/n] ", unit.ID, iteration, summary)

	type answer struct {
		line string
		err  error
	}
	ch := make(chan answer, 1)
	go func() {
		line, err := d.in.ReadString('\n')
		ch <- answer{line, err}
	}()
	select {
	case <-ctx.Done():
		return loop.Quit, ctx.Err()
	case ans := <-ch:
		if ans.err != nil && ans.line == "" {
			// Closed input means nobody is there to confirm.
			return loop.Quit, nil
		}
		switch strings.ToLower(strings.TrimSpace(ans.line)) {
		case "n", "no", "q", "quit":
			return loop.Quit, nil
		}
		return loop.Continue, nil
	}
}
