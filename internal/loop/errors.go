package loop

import (
	"errors"
	"fmt"

	"github.com/msageha/tandem/internal/model"
)

var (
	// ErrMaxIterations is the terminal failure of a unit whose iteration
	// budget ran out. Match it with errors.Is.
	ErrMaxIterations = errors.New("max iterations reached")
	ErrNotPassed     = errors.New("step has not passed")
)

// MaxIterationsError carries the status of the last iteration.
type MaxIterationsError struct {
	Unit       string
	Iterations int
	Last       *model.Status
}

func (e *MaxIterationsError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("step %s: %s after %d iterations", e.Unit, ErrMaxIterations, e.Iterations)
	}
	return fmt.Sprintf("step %s: %s after %d iterations (blockers=%d majors=%d minors=%d diff_nonempty=%t)",
		e.Unit, ErrMaxIterations, e.Iterations,
		e.Last.BlockerCount, e.Last.MajorCount, e.Last.MinorCount, e.Last.DiffNonempty)
}

func (e *MaxIterationsError) Is(target error) bool { return target == ErrMaxIterations }
