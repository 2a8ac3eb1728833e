package review

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/msageha/tandem/internal/model"
)

// ErrUnparseable marks a reviewer response whose final line is not a valid
// verdict. It is recorded on the Result, never returned from Review.
var ErrUnparseable = errors.New("review verdict unparseable")

// Verdict is the reviewer's final-line JSON. Pass is advisory only.
type Verdict struct {
	Pass   bool          `json:"pass"`
	Issues []model.Issue `json:"issues"`
}

type rawVerdict struct {
	Pass   *bool          `json:"pass"`
	Issues *[]model.Issue `json:"issues"`
}

// ParseVerdict decodes the last non-blank line of text. Both keys are
// required and nothing may follow the object on that line.
func ParseVerdict(text string) (*Verdict, error) {
	line := lastLine(text)
	if line == "" {
		return nil, fmt.Errorf("%w: empty response", ErrUnparseable)
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(line)))
	var raw rawVerdict
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after verdict", ErrUnparseable)
	}
	if raw.Pass == nil {
		return nil, fmt.Errorf("%w: missing \"pass\"", ErrUnparseable)
	}
	if raw.Issues == nil {
		return nil, fmt.Errorf("%w: missing \"issues\"", ErrUnparseable)
	}

	issues := make([]model.Issue, len(*raw.Issues))
	for i, is := range *raw.Issues {
		is.Severity = model.NormalizeSeverity(is.Severity)
		if is.MapsTo != nil && *is.MapsTo == "" {
			is.MapsTo = nil
		}
		issues[i] = is
	}
	return &Verdict{Pass: *raw.Pass, Issues: issues}, nil
}

func lastLine(text string) string {
	lines := strings.Split(strings.TrimRight(text, " \t\r\n"), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

// Policy recomputes pass from issue counts.
type Policy struct {
	FailOnBlockersOnly bool
}

// Tally builds a Status from issues. The reviewer's own pass flag never
// enters the computation.
func (p Policy) Tally(issues []model.Issue, checks *model.ChecksSummary, diffNonempty bool, now time.Time) model.Status {
	st := model.Status{
		ChecksSummary: checks,
		DiffNonempty:  diffNonempty,
		Timestamp:     now.UTC().Format(time.RFC3339),
	}
	for _, is := range issues {
		switch model.NormalizeSeverity(is.Severity) {
		case model.SeverityBlocker:
			st.BlockerCount++
		case model.SeverityMajor:
			st.MajorCount++
		case model.SeverityMinor:
			st.MinorCount++
		}
	}
	st.IssueCount = st.BlockerCount + st.MajorCount + st.MinorCount
	if p.FailOnBlockersOnly {
		st.Pass = st.BlockerCount == 0
	} else {
		st.Pass = st.IssueCount == 0
	}
	return st
}

// Failing is the status recorded when no verdict could be obtained.
func Failing(checks *model.ChecksSummary, diffNonempty bool, now time.Time) model.Status {
	return model.Status{
		Pass:          false,
		ChecksSummary: checks,
		DiffNonempty:  diffNonempty,
		Timestamp:     now.UTC().Format(time.RFC3339),
	}
}
