package model

import "testing"

func TestIsIterationTerminal(t *testing.T) {
	tests := []struct {
		state    IterationState
		terminal bool
	}{
		{StatePending, false},
		{StateImplementing, false},
		{StateChecking, false},
		{StateReviewing, false},
		{StateFixPending, false},
		{StatePassed, true},
		{StateMaxIterationsReached, true},
		{StateQuit, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			if got := IsIterationTerminal(tt.state); got != tt.terminal {
				t.Errorf("IsIterationTerminal(%q) = %v, want %v", tt.state, got, tt.terminal)
			}
		})
	}
}

func TestValidateIterationTransition(t *testing.T) {
	tests := []struct {
		from, to IterationState
		ok       bool
	}{
		{StatePending, StateImplementing, true},
		{StatePending, StateMaxIterationsReached, true},
		{StateImplementing, StateChecking, true},
		{StateImplementing, StateImplementing, true},
		{StateImplementing, StateMaxIterationsReached, true},
		{StateChecking, StateReviewing, true},
		{StateReviewing, StatePassed, true},
		{StateReviewing, StateFixPending, true},
		{StateReviewing, StateMaxIterationsReached, true},
		{StateFixPending, StateImplementing, true},
		{StateChecking, StateQuit, true},

		{StatePending, StatePassed, false},
		{StateChecking, StatePassed, false},
		{StateFixPending, StateReviewing, false},
		{StatePassed, StateImplementing, false},
		{StateQuit, StateImplementing, false},
		{IterationState("bogus"), StateImplementing, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			err := ValidateIterationTransition(tt.from, tt.to)
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok && err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestCanResume(t *testing.T) {
	if CanResume(StatePassed) {
		t.Error("passed series must not be resumed")
	}
	for _, s := range []IterationState{StatePending, StateChecking, StateQuit, StateMaxIterationsReached} {
		if !CanResume(s) {
			t.Errorf("CanResume(%q) = false", s)
		}
	}
}

func TestNormalizeSeverity(t *testing.T) {
	tests := map[Severity]Severity{
		SeverityBlocker: SeverityBlocker,
		SeverityMajor:   SeverityMajor,
		SeverityMinor:   SeverityMinor,
		"critical":      SeverityMajor,
		"":              SeverityMajor,
	}
	for in, want := range tests {
		if got := NormalizeSeverity(in); got != want {
			t.Errorf("NormalizeSeverity(%q) = %q, want %q", in, got, want)
		}
	}
}
