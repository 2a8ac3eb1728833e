package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/msageha/tandem/internal/model"
)

// ErrStaleBlocked is returned when a stale artifact is used without an
// explicit override.
var ErrStaleBlocked = errors.New("stale artifact blocked")

// StaleError describes why an artifact is stale. Upstream fields are empty
// when the artifact was only flagged in run metadata.
type StaleError struct {
	Artifact        string
	Upstream        string
	DerivedFrom     int
	UpstreamVersion int
}

func (e *StaleError) Error() string {
	return fmt.Sprintf("%s: %s (use --override-stale to proceed)", ErrStaleBlocked, e.Reason())
}

func (e *StaleError) Is(target error) bool { return target == ErrStaleBlocked }

// Reason is the human-readable staleness explanation recorded in overrides.
func (e *StaleError) Reason() string {
	if e.Upstream == "" {
		return fmt.Sprintf("%s is marked stale", e.Artifact)
	}
	return fmt.Sprintf("%s derived from %s v%d, %s is now v%d",
		e.Artifact, e.Upstream, e.DerivedFrom, e.Upstream, e.UpstreamVersion)
}

// SetDerivedFrom records the upstream version name was generated from.
func (s *Store) SetDerivedFrom(name string, ref model.ArtifactRef) error {
	m, err := s.Meta(name)
	if err != nil {
		return err
	}
	m.DerivedFrom = &ref
	return s.saveMeta(name, m)
}

// Staleness compares name's lineage with its upstream's current version.
// It returns nil when name has no lineage or is up to date.
func (s *Store) Staleness(name string) (*StaleError, error) {
	m, err := s.Meta(name)
	if err != nil {
		return nil, err
	}
	if m.DerivedFrom == nil {
		return nil, nil
	}
	cur, err := s.CurrentVersion(m.DerivedFrom.ArtifactName)
	if err != nil {
		return nil, err
	}
	if cur == m.DerivedFrom.DerivedFromVersion {
		return nil, nil
	}
	return &StaleError{
		Artifact:        name,
		Upstream:        m.DerivedFrom.ArtifactName,
		DerivedFrom:     m.DerivedFrom.DerivedFromVersion,
		UpstreamVersion: cur,
	}, nil
}

// Propagate flags in meta every artifact derived from upstream whose
// recorded version no longer matches upstream's current version, and
// returns the newly stale ones.
func (s *Store) Propagate(meta *model.RunMetadata, upstream string) ([]*StaleError, error) {
	names, err := s.List()
	if err != nil {
		return nil, err
	}
	var out []*StaleError
	for _, name := range names {
		m, err := s.Meta(name)
		if err != nil {
			return nil, err
		}
		if m.DerivedFrom == nil || m.DerivedFrom.ArtifactName != upstream {
			continue
		}
		stale, err := s.Staleness(name)
		if err != nil {
			return nil, err
		}
		if stale == nil {
			continue
		}
		if MarkStale(meta, name) {
			s.logger.Warnf("artifact_stale name=%s reason=%q", name, stale.Reason())
			out = append(out, stale)
		}
	}
	return out, nil
}

// List returns the names of all artifacts under the run directory.
func (s *Store) List() ([]string, error) {
	var names []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == historyDir {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() != CurrentFile {
			return nil
		}
		rel, err := filepath.Rel(s.root, filepath.Dir(path))
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return names, err
}

// MarkStale adds name to the run's stale set. It reports whether name was
// newly added.
func MarkStale(meta *model.RunMetadata, name string) bool {
	if slices.Contains(meta.StaleArtifacts, name) {
		return false
	}
	meta.StaleArtifacts = append(meta.StaleArtifacts, name)
	slices.Sort(meta.StaleArtifacts)
	return true
}

// ClearStale removes name from the run's stale set.
func ClearStale(meta *model.RunMetadata, name string) {
	meta.StaleArtifacts = slices.DeleteFunc(meta.StaleArtifacts, func(n string) bool { return n == name })
}

// RequireFresh gates use of a possibly stale artifact. A stale artifact
// blocks unless override is set, in which case a StaleOverride is appended
// to meta before returning nil. Staleness is never resolved here.
func RequireFresh(meta *model.RunMetadata, name string, stale *StaleError, override bool, now time.Time) error {
	if stale == nil {
		if !slices.Contains(meta.StaleArtifacts, name) {
			return nil
		}
		stale = &StaleError{Artifact: name}
	}
	if !override {
		return stale
	}
	meta.StaleOverrides = append(meta.StaleOverrides, model.StaleOverride{
		Timestamp:   now.UTC().Format(time.RFC3339),
		Artifact:    name,
		StaleReason: stale.Reason(),
	})
	return nil
}

// Exists reports whether name has current content.
func (s *Store) Exists(name string) bool {
	_, err := os.Stat(filepath.Join(s.Dir(name), CurrentFile))
	return err == nil
}
