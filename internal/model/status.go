package model

import "fmt"

// IterationState is the state of one unit's iteration series.
type IterationState string

const (
	StatePending              IterationState = "pending"
	StateImplementing         IterationState = "implementing"
	StateChecking             IterationState = "checking"
	StateReviewing            IterationState = "reviewing"
	StateFixPending           IterationState = "fix_pending"
	StatePassed               IterationState = "passed"
	StateMaxIterationsReached IterationState = "max_iterations_reached"
	StateQuit                 IterationState = "quit"
)

var terminalIterationStates = map[IterationState]bool{
	StatePassed:               true,
	StateMaxIterationsReached: true,
	StateQuit:                 true,
}

// Implementing → Implementing is the empty-diff path: the iteration is
// recorded and the next one starts without checks or review. Pending →
// MaxIterationsReached is a resumed series whose budget is already spent.
var validIterationTransitions = map[IterationState]map[IterationState]bool{
	StatePending: {
		StateImplementing:         true,
		StateMaxIterationsReached: true,
		StateQuit:                 true,
	},
	StateImplementing: {
		StateChecking:             true,
		StateImplementing:         true,
		StateMaxIterationsReached: true,
		StateQuit:                 true,
	},
	StateChecking: {
		StateReviewing: true,
		StateQuit:      true,
	},
	StateReviewing: {
		StatePassed:               true,
		StateFixPending:           true,
		StateMaxIterationsReached: true,
		StateQuit:                 true,
	},
	StateFixPending: {
		StateImplementing: true,
		StateQuit:         true,
	},
}

func IsIterationTerminal(s IterationState) bool {
	return terminalIterationStates[s]
}

// CanResume reports whether a series in state s may be re-entered. Anything
// short of Passed can, including a series that died mid-iteration.
func CanResume(s IterationState) bool {
	return s != StatePassed
}

func ValidateIterationTransition(from, to IterationState) error {
	if IsIterationTerminal(from) {
		return fmt.Errorf("cannot transition from terminal iteration state %q", from)
	}
	allowed, ok := validIterationTransitions[from]
	if !ok {
		return fmt.Errorf("unknown iteration state %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid iteration transition: %q → %q", from, to)
	}
	return nil
}
