// Package run manages run directories and their run.json metadata.
package run

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/msageha/tandem/internal/fsutil"
	"github.com/msageha/tandem/internal/model"
)

const (
	RunsDir  = "runs"
	MetaFile = "run.json"
)

var (
	ErrNotFound  = errors.New("run not found")
	ErrExists    = errors.New("run already exists")
	ErrAbandoned = errors.New("run is abandoned")
	ErrNoRuns    = errors.New("no active runs")
)

// Dir returns the directory of run id under the state root.
func Dir(root, id string) string {
	return filepath.Join(root, RunsDir, id)
}

type CreateOptions struct {
	// ID overrides the generated run_<unix>_<hex> identifier.
	ID  string
	Now func() time.Time
}

// Create makes a new run directory and its run.json. The directory is
// created exclusively, so two processes can never share an id.
func Create(root string, opts CreateOptions) (*model.RunMetadata, error) {
	id := opts.ID
	if id == "" {
		var err error
		if id, err = model.NewRunID(); err != nil {
			return nil, err
		}
	} else if !model.ValidateName(id) {
		return nil, fmt.Errorf("invalid run id %q", id)
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}

	if err := os.MkdirAll(filepath.Join(root, RunsDir), 0755); err != nil {
		return nil, fmt.Errorf("create runs dir: %w", err)
	}
	dir := Dir(root, id)
	if err := os.Mkdir(dir, 0755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrExists, id)
		}
		return nil, fmt.Errorf("create run dir: %w", err)
	}

	ts := now().UTC().Format(time.RFC3339)
	meta := &model.RunMetadata{
		SchemaVersion:  model.CurrentSchemaVersion,
		RunID:          id,
		CreatedAt:      ts,
		UpdatedAt:      ts,
		StaleArtifacts: []string{},
		StaleOverrides: []model.StaleOverride{},
		CommandHistory: []model.CommandEntry{},
	}
	if err := fsutil.AtomicWriteJSON(filepath.Join(dir, MetaFile), meta); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("write run metadata: %w", err)
	}
	return meta, nil
}

// Load reads run.json from runDir, quarantining a corrupted file and
// restoring its backup. Callers must hold the run lock.
func Load(runDir string) (*model.RunMetadata, error) {
	return load(runDir, func(path string, v any) error {
		return fsutil.ReadJSONRecover(runDir, path, v)
	})
}

// Read is Load without recovery: a corrupted run.json is read from its
// backup and left in place. List and Resolve use it before any lock is
// taken.
func Read(runDir string) (*model.RunMetadata, error) {
	return load(runDir, fsutil.ReadJSONOrBackup)
}

func load(runDir string, read func(path string, v any) error) (*model.RunMetadata, error) {
	var meta model.RunMetadata
	err := read(filepath.Join(runDir, MetaFile), &meta)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, filepath.Base(runDir))
	}
	if err != nil {
		return nil, err
	}
	if meta.SchemaVersion > model.CurrentSchemaVersion {
		return nil, fmt.Errorf("run %s: schema version %d is newer than supported %d",
			meta.RunID, meta.SchemaVersion, model.CurrentSchemaVersion)
	}
	return &meta, nil
}

// Save writes meta to runDir atomically and stamps updated_at.
func Save(runDir string, meta *model.RunMetadata) error {
	meta.UpdatedAt = model.Now()
	if meta.StaleArtifacts == nil {
		meta.StaleArtifacts = []string{}
	}
	if meta.StaleOverrides == nil {
		meta.StaleOverrides = []model.StaleOverride{}
	}
	if meta.CommandHistory == nil {
		meta.CommandHistory = []model.CommandEntry{}
	}
	return fsutil.AtomicWriteJSON(filepath.Join(runDir, MetaFile), meta)
}

// RecordCommand appends command to the run's command history.
func RecordCommand(meta *model.RunMetadata, command string, now time.Time) {
	meta.CommandHistory = append(meta.CommandHistory, model.CommandEntry{
		Timestamp: now.UTC().Format(time.RFC3339),
		Command:   command,
	})
}

// Abandon flags the run. The directory and its history are kept.
func Abandon(meta *model.RunMetadata, now time.Time) {
	if meta.Abandoned {
		return
	}
	ts := now.UTC().Format(time.RFC3339)
	meta.Abandoned = true
	meta.AbandonedAt = &ts
}

// CheckActive returns ErrAbandoned for abandoned runs.
func CheckActive(meta *model.RunMetadata) error {
	if meta.Abandoned {
		return fmt.Errorf("%w: %s", ErrAbandoned, meta.RunID)
	}
	return nil
}

// List returns every run under root, oldest first. Unreadable run
// directories are skipped.
func List(root string) ([]*model.RunMetadata, error) {
	entries, err := os.ReadDir(filepath.Join(root, RunsDir))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var runs []*model.RunMetadata
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		meta, err := Read(filepath.Join(root, RunsDir, e.Name()))
		if err != nil {
			continue
		}
		runs = append(runs, meta)
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt != runs[j].CreatedAt {
			return runs[i].CreatedAt < runs[j].CreatedAt
		}
		return runs[i].RunID < runs[j].RunID
	})
	return runs, nil
}

// Latest returns the most recently created run that is not abandoned.
func Latest(root string) (*model.RunMetadata, error) {
	runs, err := List(root)
	if err != nil {
		return nil, err
	}
	for i := len(runs) - 1; i >= 0; i-- {
		if !runs[i].Abandoned {
			return runs[i], nil
		}
	}
	return nil, ErrNoRuns
}

// Resolve loads run id, or the latest active run when id is empty.
func Resolve(root, id string) (*model.RunMetadata, error) {
	if id == "" {
		return Latest(root)
	}
	if !model.ValidateName(id) {
		return nil, fmt.Errorf("invalid run id %q", id)
	}
	return Read(Dir(root, id))
}
