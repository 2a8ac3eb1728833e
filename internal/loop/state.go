package loop

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/msageha/tandem/internal/fsutil"
	"github.com/msageha/tandem/internal/model"
)

const (
	StepsDir      = "steps"
	StateFile     = "state.json"
	IterationsDir = "iterations"
	AmendsDir     = "amends"
	StatusFile    = "status.json"
	PromptFile    = "prompt.md"
	ImplementLog  = "implement.log"
	DiffFile      = "diff.patch"
	FixFile       = "fix.md"
	CommitMsgFile = "commit_msg.txt"
	FullChecksDir = "full"
)

// UnitDir is steps/<id> under runDir.
func UnitDir(runDir, unitID string) string {
	return filepath.Join(runDir, StepsDir, unitID)
}

// LoadUnitState reads steps/<id>/state.json, returning a fresh Pending
// state when the unit was never started. A corrupted file is quarantined
// and restored from its backup, so callers must hold the run lock.
func LoadUnitState(runDir, unitID string) (*model.UnitState, error) {
	return loadUnitState(runDir, unitID, func(path string, v any) error {
		return fsutil.ReadJSONRecover(runDir, path, v)
	})
}

// ReadUnitState is LoadUnitState for readers without the lock: a corrupted
// file is read from its backup and left in place.
func ReadUnitState(runDir, unitID string) (*model.UnitState, error) {
	return loadUnitState(runDir, unitID, fsutil.ReadJSONOrBackup)
}

func loadUnitState(runDir, unitID string, read func(path string, v any) error) (*model.UnitState, error) {
	var st model.UnitState
	err := read(filepath.Join(UnitDir(runDir, unitID), StateFile), &st)
	if errors.Is(err, fs.ErrNotExist) {
		return &model.UnitState{
			SchemaVersion: model.CurrentSchemaVersion,
			UnitID:        unitID,
			State:         model.StatePending,
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func saveUnitState(runDir string, st *model.UnitState) error {
	st.UpdatedAt = model.Now()
	return fsutil.AtomicWriteJSON(filepath.Join(UnitDir(runDir, st.UnitID), StateFile), st)
}

// series is one iteration series of a unit: the original, or an amend.
type series struct {
	unit  *model.UnitState
	amend *model.AmendSeries
	dir   string
}

func (s *series) state() model.IterationState {
	if s.amend != nil {
		return s.amend.State
	}
	return s.unit.State
}

func (s *series) setState(to model.IterationState) {
	if s.amend != nil {
		s.amend.State = to
		return
	}
	s.unit.State = to
}

func (s *series) label() string {
	if s.amend != nil {
		return "amend-" + strconv.Itoa(s.amend.Index)
	}
	return "original"
}

func (s *series) iterationDir(n int) string {
	return filepath.Join(s.dir, IterationsDir, strconv.Itoa(n))
}

// Iterations lists the iteration numbers recorded under a series
// directory, ascending.
func Iterations(seriesDir string) ([]int, error) {
	entries, err := os.ReadDir(filepath.Join(seriesDir, IterationsDir))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		n, err := strconv.Atoi(e.Name())
		if err != nil || n < 1 {
			continue
		}
		out = append(out, n)
	}
	slices.Sort(out)
	return out, nil
}

// nextIteration is max(existing)+1, or 1 for a new series.
func nextIteration(seriesDir string) (int, error) {
	its, err := Iterations(seriesDir)
	if err != nil {
		return 0, err
	}
	if len(its) == 0 {
		return 1, nil
	}
	return its[len(its)-1] + 1, nil
}

// LoadStatus reads an iteration's status.json.
func LoadStatus(iterDir string) (*model.Status, error) {
	var st model.Status
	if err := fsutil.ReadJSON(filepath.Join(iterDir, StatusFile), &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// LastStatus returns the status of the newest iteration in a series that
// recorded one, or nil.
func LastStatus(seriesDir string) (*model.Status, int, error) {
	its, err := Iterations(seriesDir)
	if err != nil {
		return nil, 0, err
	}
	for i := len(its) - 1; i >= 0; i-- {
		dir := filepath.Join(seriesDir, IterationsDir, strconv.Itoa(its[i]))
		st, err := LoadStatus(dir)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, 0, fmt.Errorf("iteration %d: %w", its[i], err)
		}
		return st, its[i], nil
	}
	return nil, 0, nil
}

func readOptional(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	return string(data), err
}
