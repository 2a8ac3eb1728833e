// Package status assembles a read-only view of a run: lock holder, step
// progress and artifact versions.
package status

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/msageha/tandem/internal/artifact"
	"github.com/msageha/tandem/internal/lock"
	"github.com/msageha/tandem/internal/loop"
	"github.com/msageha/tandem/internal/model"
	"github.com/msageha/tandem/internal/plan"
	"github.com/msageha/tandem/internal/run"
)

type RunStatus struct {
	RunID          string           `json:"run_id"`
	CreatedAt      string           `json:"created_at"`
	UpdatedAt      string           `json:"updated_at"`
	Abandoned      bool             `json:"abandoned"`
	LastCommand    string           `json:"last_command,omitempty"`
	Lock           *LockStatus      `json:"lock"`
	Steps          []StepStatus     `json:"steps"`
	Artifacts      []ArtifactStatus `json:"artifacts"`
	StaleArtifacts []string         `json:"stale_artifacts"`
	Overrides      int              `json:"stale_overrides"`
}

type LockStatus struct {
	model.LockRecord
	Stale bool `json:"stale"`
}

type StepStatus struct {
	ID         string               `json:"id"`
	Title      string               `json:"title,omitempty"`
	State      model.IterationState `json:"state"`
	Iterations int                  `json:"iterations"`
	Amends     int                  `json:"amends"`
	CommitSHA  string               `json:"commit_sha,omitempty"`
	Last       *model.Status        `json:"last_status,omitempty"`
}

type ArtifactStatus struct {
	Name        string `json:"name"`
	Version     int    `json:"version"`
	Versions    int    `json:"versions"`
	Stale       bool   `json:"stale"`
	StaleReason string `json:"stale_reason,omitempty"`
}

// Collect reads everything under runDir without taking the lock and without
// modifying any file. locker decides lock staleness; a nil locker uses the
// defaults.
func Collect(runDir string, locker *lock.Locker) (*RunStatus, error) {
	meta, err := run.Read(runDir)
	if err != nil {
		return nil, err
	}
	if locker == nil {
		locker = lock.New(lock.Options{})
	}
	st := &RunStatus{
		RunID:          meta.RunID,
		CreatedAt:      meta.CreatedAt,
		UpdatedAt:      meta.UpdatedAt,
		Abandoned:      meta.Abandoned,
		StaleArtifacts: append([]string{}, meta.StaleArtifacts...),
		Overrides:      len(meta.StaleOverrides),
	}
	if n := len(meta.CommandHistory); n > 0 {
		st.LastCommand = meta.CommandHistory[n-1].Command
	}

	rec, err := locker.Read(runDir)
	if err != nil {
		return nil, fmt.Errorf("read lock: %w", err)
	}
	if rec != nil {
		st.Lock = &LockStatus{LockRecord: *rec, Stale: locker.IsStale(*rec)}
	}

	store := artifact.NewStore(runDir, artifact.Options{ReadOnly: true})
	if st.Artifacts, err = collectArtifacts(store, meta); err != nil {
		return nil, err
	}
	if st.Steps, err = collectSteps(runDir, store); err != nil {
		return nil, err
	}
	return st, nil
}

func collectArtifacts(store *artifact.Store, meta *model.RunMetadata) ([]ArtifactStatus, error) {
	names, err := store.List()
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	slices.Sort(names)
	out := make([]ArtifactStatus, 0, len(names))
	for _, name := range names {
		v, err := store.CurrentVersion(name)
		if err != nil {
			return nil, err
		}
		hist, err := store.History(name)
		if err != nil {
			return nil, err
		}
		as := ArtifactStatus{Name: name, Version: v, Versions: len(hist)}
		stale, err := store.Staleness(name)
		if err != nil {
			return nil, err
		}
		if stale != nil {
			as.Stale = true
			as.StaleReason = stale.Reason()
		} else if slices.Contains(meta.StaleArtifacts, name) {
			as.Stale = true
			as.StaleReason = name + " is marked stale"
		}
		out = append(out, as)
	}
	return out, nil
}

// collectSteps lists the plan's units in plan order, followed by any step
// directory the current plan no longer names.
func collectSteps(runDir string, store *artifact.Store) ([]StepStatus, error) {
	var units []model.Unit
	if text, err := store.Current(loop.PlanArtifact); err == nil {
		units, err = plan.Parse(string(text))
		if err != nil && !errors.Is(err, plan.ErrNoUnits) {
			return nil, err
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	known := make(map[string]bool, len(units))
	for _, u := range units {
		known[u.ID] = true
	}
	entries, err := os.ReadDir(filepath.Join(runDir, loop.StepsDir))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	var extra []string
	for _, e := range entries {
		if e.IsDir() && !known[e.Name()] {
			extra = append(extra, e.Name())
		}
	}
	slices.Sort(extra)
	for _, id := range extra {
		units = append(units, model.Unit{ID: id})
	}

	out := make([]StepStatus, 0, len(units))
	for _, u := range units {
		ss, err := stepStatus(runDir, u)
		if err != nil {
			return nil, err
		}
		out = append(out, ss)
	}
	return out, nil
}

func stepStatus(runDir string, u model.Unit) (StepStatus, error) {
	us, err := loop.ReadUnitState(runDir, u.ID)
	if err != nil {
		return StepStatus{}, err
	}
	ss := StepStatus{ID: u.ID, Title: u.Title, State: us.State, Amends: len(us.Amends)}
	if us.CommitSHA != nil {
		ss.CommitSHA = *us.CommitSHA
	}

	// The newest amend series carries the most recent activity.
	seriesDir := loop.UnitDir(runDir, u.ID)
	if k := len(us.Amends); k > 0 {
		seriesDir = filepath.Join(seriesDir, loop.AmendsDir, strconv.Itoa(us.Amends[k-1].Index))
		ss.State = us.Amends[k-1].State
	}
	its, err := loop.Iterations(seriesDir)
	if err != nil {
		return StepStatus{}, err
	}
	ss.Iterations = len(its)
	if ss.Last, _, err = loop.LastStatus(seriesDir); err != nil {
		return StepStatus{}, err
	}
	return ss, nil
}

// Write renders st as indented JSON or as styled tables.
func Write(w io.Writer, st *RunStatus, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}
	_, err := io.WriteString(w, Render(st))
	return err
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#828c99", Dark: "#6c7680"})
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#86b300", Dark: "#c2d94c"})
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#f2ae49", Dark: "#ffb454"})
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#f07171", Dark: "#f07178"})
)

func stateStyle(s model.IterationState) lipgloss.Style {
	switch s {
	case model.StatePassed:
		return passStyle
	case model.StateMaxIterationsReached:
		return failStyle
	case model.StatePending:
		return mutedStyle
	default:
		return warnStyle
	}
}

// Render returns the human-readable view.
func Render(st *RunStatus) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", headerStyle.Render("Run"), st.RunID)
	fmt.Fprintf(&b, "  created %s, updated %s\n", st.CreatedAt, st.UpdatedAt)
	if st.Abandoned {
		b.WriteString("  " + failStyle.Render("abandoned") + "\n")
	}
	if st.LastCommand != "" {
		fmt.Fprintf(&b, "  last command: %s\n", st.LastCommand)
	}

	switch {
	case st.Lock == nil:
		b.WriteString("Lock: " + mutedStyle.Render("free") + "\n")
	case st.Lock.Stale:
		fmt.Fprintf(&b, "Lock: %s pid %d (%s), last heartbeat %s\n",
			warnStyle.Render("stale"), st.Lock.PID, st.Lock.Command, st.Lock.LastHeartbeat)
	default:
		fmt.Fprintf(&b, "Lock: held by pid %d (%s) since %s\n", st.Lock.PID, st.Lock.Command, st.Lock.StartedAt)
	}

	b.WriteString("\n" + headerStyle.Render("Steps") + "\n")
	if len(st.Steps) == 0 {
		b.WriteString(mutedStyle.Render("  (no plan imported)") + "\n")
	} else {
		t := table.New().
			Border(lipgloss.NormalBorder()).
			Headers("STEP", "TITLE", "STATE", "ITER", "LAST REVIEW", "COMMIT").
			StyleFunc(func(row, col int) lipgloss.Style {
				if row == table.HeaderRow {
					return headerStyle.Padding(0, 1)
				}
				return lipgloss.NewStyle().Padding(0, 1)
			})
		for _, s := range st.Steps {
			t.Row(s.ID, s.Title, stateStyle(s.State).Render(string(s.State)),
				iterations(s), lastReview(s.Last), shortSHA(s.CommitSHA))
		}
		b.WriteString(t.Render() + "\n")
	}

	b.WriteString("\n" + headerStyle.Render("Artifacts") + "\n")
	if len(st.Artifacts) == 0 {
		b.WriteString(mutedStyle.Render("  (none)") + "\n")
	}
	for _, a := range st.Artifacts {
		line := fmt.Sprintf("  %-24s v%d (%d kept)", a.Name, a.Version, a.Versions)
		if a.Stale {
			line += "  " + warnStyle.Render("stale: "+a.StaleReason)
		}
		b.WriteString(line + "\n")
	}
	if st.Overrides > 0 {
		fmt.Fprintf(&b, "  %d stale override(s) recorded\n", st.Overrides)
	}
	return b.String()
}

func iterations(s StepStatus) string {
	if s.Amends > 0 {
		return fmt.Sprintf("%d (amend %d)", s.Iterations, s.Amends)
	}
	return strconv.Itoa(s.Iterations)
}

func lastReview(st *model.Status) string {
	switch {
	case st == nil:
		return "-"
	case !st.DiffNonempty:
		return "no diff"
	case st.Pass:
		return fmt.Sprintf("pass (%d minor)", st.MinorCount)
	default:
		return fmt.Sprintf("fail %dB/%dM/%dm", st.BlockerCount, st.MajorCount, st.MinorCount)
	}
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	if sha == "" {
		return "-"
	}
	return sha
}
