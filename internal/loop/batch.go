package loop

import (
	"context"
	"errors"

	"github.com/msageha/tandem/internal/events"
	"github.com/msageha/tandem/internal/model"
)

// BatchResult reports partial progress of RunBatch.
type BatchResult struct {
	Completed []string
	Skipped   []string
	HaltedAt  string
	State     model.IterationState
	Last      *model.Status
}

var ErrAmendBatch = errors.New("amend applies to a single step")

// RunBatch runs units in order. Units that already passed are skipped. The
// batch halts at the first unit that does not pass; a unit reaching the
// iteration budget returns its *MaxIterationsError.
func (l *Loop) RunBatch(ctx context.Context, units []model.Unit, opts Options) (*BatchResult, error) {
	if opts.Amend {
		return nil, ErrAmendBatch
	}
	br := &BatchResult{State: model.StatePassed}
	defer func() {
		l.deps.Bus.Publish(events.Event{Type: events.BatchFinished, RunID: l.runID, Details: map[string]any{
			"completed": len(br.Completed), "skipped": len(br.Skipped),
			"halted_at": br.HaltedAt, "state": string(br.State),
		}})
	}()

	for _, u := range units {
		res, err := l.RunUnit(ctx, u, opts)
		if res != nil {
			br.Last = res.Last
		}
		if err != nil {
			br.HaltedAt = u.ID
			if res != nil {
				br.State = res.State
			}
			return br, err
		}
		if res.AlreadyPassed {
			br.Skipped = append(br.Skipped, u.ID)
			continue
		}
		if res.State != model.StatePassed {
			br.HaltedAt = u.ID
			br.State = res.State
			return br, nil
		}
		br.Completed = append(br.Completed, u.ID)
	}
	l.deps.Logger.Infof("batch_done completed=%d skipped=%d", len(br.Completed), len(br.Skipped))
	return br, nil
}
