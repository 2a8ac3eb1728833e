package checks

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/msageha/tandem/internal/fsutil"
	"github.com/msageha/tandem/internal/model"
)

const (
	SummaryFile = "checks.summary.json"
	OutputDir   = "checks"
)

// WriteSummary persists s under dir as checks.summary.json plus one
// checks/<name>.txt per category.
func WriteSummary(dir string, s *model.ChecksSummary) error {
	outDir := filepath.Join(dir, OutputDir)
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return fmt.Errorf("create checks dir: %w", err)
	}
	for _, name := range Names(s) {
		res := s.Categories[name]
		path := filepath.Join(outDir, name+".txt")
		if err := fsutil.AtomicWriteRaw(path, []byte(res.Output), fsutil.WriteOptions{}); err != nil {
			return fmt.Errorf("write %s output: %w", name, err)
		}
	}
	return fsutil.AtomicWriteJSON(filepath.Join(dir, SummaryFile), s)
}

// LoadSummary reads a summary written by WriteSummary, including outputs.
func LoadSummary(dir string) (*model.ChecksSummary, error) {
	var s model.ChecksSummary
	if err := fsutil.ReadJSON(filepath.Join(dir, SummaryFile), &s); err != nil {
		return nil, err
	}
	for _, name := range Names(&s) {
		res := s.Categories[name]
		res.Name = name
		data, err := os.ReadFile(filepath.Join(dir, OutputDir, name+".txt"))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		res.Output = string(data)
		s.Categories[name] = res
	}
	return &s, nil
}

// Names returns category names in run order, falling back to sorted order
// for summaries loaded from disk.
func Names(s *model.ChecksSummary) []string {
	if s == nil {
		return nil
	}
	if len(s.Order) == len(s.Categories) {
		return s.Order
	}
	names := make([]string, 0, len(s.Categories))
	for name := range s.Categories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Report renders every category's result and output for the reviewer.
func Report(s *model.ChecksSummary) string {
	if s == nil || len(s.Categories) == 0 {
		return "(no checks configured)\n"
	}
	var b strings.Builder
	for _, name := range Names(s) {
		res := s.Categories[name]
		verdict := "PASS"
		if !res.Passed {
			verdict = "FAIL"
		}
		fmt.Fprintf(&b, "### %s: %s (exit %d)\n", name, verdict, res.ExitCode)
		out := strings.TrimRight(res.Output, "\n")
		if out != "" {
			b.WriteString("```\n")
			b.WriteString(out)
			b.WriteString("\n```\n")
		}
		b.WriteString("\n")
	}
	return b.String()
}

var highSignalPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bFAIL(ED)?\b`),
	regexp.MustCompile(`(?i)\bERROR\b`),
	regexp.MustCompile(`(?i)\bpanic\b`),
	regexp.MustCompile(`(?i)\bundefined\b`),
	regexp.MustCompile(`(?i)no such file`),
	regexp.MustCompile(`\w+\.\w+:\d+`),
	regexp.MustCompile(`(?i)expected.*got`),
	regexp.MustCompile(`(?i)timed out`),
}

// FailureExcerpt extracts up to maxLines high-signal lines from failing
// categories, prefixed with the category name.
func FailureExcerpt(s *model.ChecksSummary, maxLines int) []string {
	if s == nil || maxLines <= 0 {
		return nil
	}
	var out []string
	for _, name := range Names(s) {
		res := s.Categories[name]
		if res.Passed {
			continue
		}
		for _, line := range strings.Split(res.Output, "\n") {
			if len(out) >= maxLines {
				return out
			}
			trimmed := strings.TrimSpace(line)
			if trimmed == "" {
				continue
			}
			for _, p := range highSignalPatterns {
				if p.MatchString(trimmed) {
					out = append(out, name+": "+trimmed)
					break
				}
			}
		}
	}
	return out
}
