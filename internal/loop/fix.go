package loop

import (
	"bytes"
	"cmp"
	"fmt"
	"slices"
	"text/template"

	"github.com/msageha/tandem/internal/checks"
	"github.com/msageha/tandem/internal/model"
)

const maxExcerptLines = 20

type fixData struct {
	Iteration     int
	Issues        []model.Issue
	Unparseable   bool
	ChecksExcerpt []string
	NoDiff        bool
}

var severityRank = map[model.Severity]int{
	model.SeverityBlocker: 0,
	model.SeverityMajor:   1,
	model.SeverityMinor:   2,
}

// renderFix builds the fix directive for the next iteration. It names only
// what the review and checks reported.
func renderFix(tmpl *template.Template, iteration int, issues []model.Issue, unparseable bool, summary *model.ChecksSummary, noDiff bool) (string, error) {
	sorted := slices.Clone(issues)
	slices.SortStableFunc(sorted, func(a, b model.Issue) int {
		return cmp.Compare(severityRank[model.NormalizeSeverity(a.Severity)], severityRank[model.NormalizeSeverity(b.Severity)])
	})
	var buf bytes.Buffer
	err := tmpl.Execute(&buf, fixData{
		Iteration:     iteration,
		Issues:        sorted,
		Unparseable:   unparseable,
		ChecksExcerpt: checks.FailureExcerpt(summary, maxExcerptLines),
		NoDiff:        noDiff,
	})
	if err != nil {
		return "", fmt.Errorf("render fix directive: %w", err)
	}
	return buf.String(), nil
}
