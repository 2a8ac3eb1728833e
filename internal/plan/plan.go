// Package plan splits a plan document into the units of work the iteration
// loop implements one at a time.
package plan

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/msageha/tandem/internal/model"
)

var (
	ErrNoUnits     = errors.New("plan has no steps")
	ErrUnknownUnit = errors.New("unknown step")
)

// stepHeading matches "## Step 3: Title" and "### Step 2a - Title".
var stepHeading = regexp.MustCompile(`^#{2,3}\s+Step\s+([A-Za-z0-9][A-Za-z0-9._-]*)\s*[:.\-]\s*(.+?)\s*$`)

// Parse returns the plan's steps in document order. Headings inside fenced
// code blocks are ignored.
func Parse(text string) ([]model.Unit, error) {
	var (
		units   []model.Unit
		body    []string
		inFence bool
		seen    = map[string]bool{}
	)
	flush := func() {
		if len(units) == 0 {
			return
		}
		units[len(units)-1].Body = strings.TrimSpace(strings.Join(body, "\n"))
		body = body[:0]
	}

	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inFence = !inFence
		}
		if !inFence {
			if m := stepHeading.FindStringSubmatch(line); m != nil {
				flush()
				if seen[m[1]] {
					return nil, fmt.Errorf("duplicate step %q", m[1])
				}
				seen[m[1]] = true
				units = append(units, model.Unit{ID: m[1], Title: m[2]})
				continue
			}
		}
		if len(units) > 0 {
			body = append(body, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	flush()
	if len(units) == 0 {
		return nil, ErrNoUnits
	}
	return units, nil
}

// Load parses the plan file at path.
func Load(path string) ([]model.Unit, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	return Parse(string(data))
}

// Find returns the unit with id.
func Find(units []model.Unit, id string) (model.Unit, error) {
	for _, u := range units {
		if u.ID == id {
			return u, nil
		}
	}
	return model.Unit{}, fmt.Errorf("%w: %s", ErrUnknownUnit, id)
}
