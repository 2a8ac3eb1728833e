// Package artifact keeps bounded version history for the mutable text
// artifacts of a run and the lineage between them.
//
// Layout of one artifact directory:
//
//	<name>/current.md
//	<name>/meta.json
//	<name>/history/v<N>/content.md
//	<name>/history/v<N>/meta.json
//
// Every revision, including the current one, is a numbered history entry;
// current.md mirrors the entry named by meta.json's current_version.
package artifact

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/msageha/tandem/internal/fsutil"
	"github.com/msageha/tandem/internal/logging"
	"github.com/msageha/tandem/internal/model"
)

const (
	CurrentFile = "current.md"
	MetaFile    = "meta.json"
	historyDir  = "history"
	contentFile = "content.md"
)

var ErrVersionNotFound = errors.New("version not found")

// Meta is the artifact-level meta.json.
type Meta struct {
	Name           string             `json:"name"`
	CurrentVersion int                `json:"current_version"`
	CreatedAt      string             `json:"created_at,omitempty"`
	DerivedFrom    *model.ArtifactRef `json:"derived_from,omitempty"`
}

// Trigger describes why a version was created.
type Trigger struct {
	Reason   string
	ReviewID string
}

type Options struct {
	MaxVersions int
	Logger      *logging.Logger
	Now         func() time.Time
	// ReadOnly stores never quarantine or restore corrupted metadata; they
	// read the backup instead. Use it without the run lock.
	ReadOnly bool
}

// Store manages the artifacts under one run directory. Names are
// slash-separated paths relative to it ("research", "steps/3/output").
// Callers must hold the run lock for mutations.
type Store struct {
	root        string
	maxVersions int
	logger      *logging.Logger
	now         func() time.Time
	readOnly    bool
}

func NewStore(runDir string, opts Options) *Store {
	if opts.MaxVersions <= 0 {
		opts.MaxVersions = model.DefaultMaxVersions
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{root: runDir, maxVersions: opts.MaxVersions, logger: opts.Logger, now: opts.Now, readOnly: opts.ReadOnly}
}

func (s *Store) Dir(name string) string {
	return filepath.Join(s.root, filepath.FromSlash(name))
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

// Meta returns the artifact's meta.json, or a zero Meta when the artifact
// has never been written.
func (s *Store) Meta(name string) (*Meta, error) {
	var m Meta
	path := filepath.Join(s.Dir(name), MetaFile)
	var err error
	if s.readOnly {
		err = fsutil.ReadJSONOrBackup(path, &m)
	} else {
		err = fsutil.ReadJSONRecover(s.root, path, &m)
	}
	if errors.Is(err, fs.ErrNotExist) {
		return &Meta{Name: name}, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) saveMeta(name string, m *Meta) error {
	m.Name = name
	return fsutil.AtomicWriteJSON(filepath.Join(s.Dir(name), MetaFile), m)
}

// CurrentVersion returns the version current.md holds, 1 for content that
// predates any snapshot, and 0 for an artifact with no content.
func (s *Store) CurrentVersion(name string) (int, error) {
	m, err := s.Meta(name)
	if err != nil {
		return 0, err
	}
	if m.CurrentVersion > 0 {
		return m.CurrentVersion, nil
	}
	if _, err := os.Stat(filepath.Join(s.Dir(name), CurrentFile)); err == nil {
		return 1, nil
	}
	return 0, nil
}

// Current returns the current content, or fs.ErrNotExist.
func (s *Store) Current(name string) ([]byte, error) {
	return os.ReadFile(filepath.Join(s.Dir(name), CurrentFile))
}

// Import writes content as the artifact's new current version.
func (s *Store) Import(name string, content []byte, t Trigger) (int, error) {
	return s.record(name, content, t)
}

// Snapshot records the content of contentFile as the artifact's new current
// version and returns its number. Existing current content that was never
// recorded is snapshotted first so nothing is overwritten unversioned.
func (s *Store) Snapshot(name, contentFile string, t Trigger) (int, error) {
	content, err := os.ReadFile(contentFile)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", contentFile, err)
	}
	return s.record(name, content, t)
}

func (s *Store) record(name string, content []byte, t Trigger) (int, error) {
	m, err := s.Meta(name)
	if err != nil {
		return 0, err
	}
	if err := s.captureCurrent(name, m); err != nil {
		return 0, err
	}
	if m.CurrentVersion > 0 {
		if cur, err := s.versionContent(name, m.CurrentVersion); err == nil && bytes.Equal(cur, content) {
			s.logger.Debugf("artifact_unchanged name=%s version=%d", name, m.CurrentVersion)
			return m.CurrentVersion, nil
		}
	}
	return s.appendVersion(name, m, content, t)
}

// captureCurrent snapshots current.md when no history entry holds it:
// content written before versioning started, or edited out of band.
func (s *Store) captureCurrent(name string, m *Meta) error {
	cur, err := s.Current(name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	reason := "initial"
	if m.CurrentVersion > 0 {
		recorded, err := s.versionContent(name, m.CurrentVersion)
		if err == nil && bytes.Equal(recorded, cur) {
			return nil
		}
		reason = "untracked edit"
	}
	v, err := s.appendVersion(name, m, cur, Trigger{Reason: reason})
	if err != nil {
		return err
	}
	s.logger.Infof("artifact_captured name=%s version=%d reason=%q", name, v, reason)
	return nil
}

func (s *Store) appendVersion(name string, m *Meta, content []byte, t Trigger) (int, error) {
	versions, err := s.versions(name)
	if err != nil {
		return 0, err
	}
	prev := 0
	if len(versions) > 0 {
		prev = versions[0]
	}
	next := prev + 1
	if m.CurrentVersion >= next {
		next = m.CurrentVersion + 1
	}

	now := s.timestamp()
	info := model.VersionInfo{Version: next, CreatedAt: now}
	if t.Reason != "" {
		info.TriggerReason = &t.Reason
	}
	if t.ReviewID != "" {
		info.ReviewID = &t.ReviewID
	}

	vdir := s.versionDir(name, next)
	if err := fsutil.AtomicWriteRaw(filepath.Join(vdir, contentFile), content, fsutil.WriteOptions{}); err != nil {
		return 0, fmt.Errorf("write %s v%d: %w", name, next, err)
	}
	if err := fsutil.AtomicWriteJSON(filepath.Join(vdir, MetaFile), info); err != nil {
		return 0, fmt.Errorf("write %s v%d meta: %w", name, next, err)
	}
	if prev > 0 {
		if err := s.supersede(name, prev, now); err != nil {
			return 0, err
		}
	}
	if err := fsutil.AtomicWriteRaw(filepath.Join(s.Dir(name), CurrentFile), content, fsutil.WriteOptions{}); err != nil {
		return 0, fmt.Errorf("write %s current: %w", name, err)
	}
	m.CurrentVersion = next
	m.CreatedAt = now
	if err := s.saveMeta(name, m); err != nil {
		return 0, err
	}
	if err := s.prune(name); err != nil {
		return 0, err
	}
	s.logger.Infof("artifact_version name=%s version=%d reason=%q", name, next, t.Reason)
	return next, nil
}

func (s *Store) supersede(name string, version int, at string) error {
	path := filepath.Join(s.versionDir(name, version), MetaFile)
	var info model.VersionInfo
	if err := fsutil.ReadJSON(path, &info); err != nil {
		return fmt.Errorf("read %s v%d meta: %w", name, version, err)
	}
	if info.SupersededAt != nil {
		return nil
	}
	info.SupersededAt = &at
	return fsutil.AtomicWriteJSON(path, info)
}

// prune deletes history entries beyond the newest maxVersions.
func (s *Store) prune(name string) error {
	versions, err := s.versions(name)
	if err != nil {
		return err
	}
	for _, v := range versions[min(len(versions), s.maxVersions):] {
		if err := os.RemoveAll(s.versionDir(name, v)); err != nil {
			return fmt.Errorf("prune %s v%d: %w", name, v, err)
		}
		s.logger.Debugf("artifact_pruned name=%s version=%d", name, v)
	}
	return nil
}

// History returns retained versions, newest first.
func (s *Store) History(name string) ([]model.VersionInfo, error) {
	versions, err := s.versions(name)
	if err != nil {
		return nil, err
	}
	out := make([]model.VersionInfo, 0, len(versions))
	for _, v := range versions {
		var info model.VersionInfo
		if err := fsutil.ReadJSON(filepath.Join(s.versionDir(name, v), MetaFile), &info); err != nil {
			return nil, fmt.Errorf("read %s v%d meta: %w", name, v, err)
		}
		out = append(out, info)
	}
	return out, nil
}

// Restore makes version the current content again by recording it as a new
// version, so the restore itself can be undone. It returns false with
// ErrVersionNotFound, changing nothing, when version is not retained.
func (s *Store) Restore(name string, version int) (bool, error) {
	content, err := s.versionContent(name, version)
	if errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("%s v%d: %w", name, version, ErrVersionNotFound)
	}
	if err != nil {
		return false, err
	}
	if _, err := s.record(name, content, Trigger{Reason: fmt.Sprintf("restore v%d", version)}); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) versionDir(name string, v int) string {
	return filepath.Join(s.Dir(name), historyDir, "v"+strconv.Itoa(v))
}

func (s *Store) versionContent(name string, v int) ([]byte, error) {
	return os.ReadFile(filepath.Join(s.versionDir(name, v), contentFile))
}

// versions lists retained version numbers, newest first.
func (s *Store) versions(name string) ([]int, error) {
	entries, err := os.ReadDir(filepath.Join(s.Dir(name), historyDir))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []int
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "v") {
			continue
		}
		n, err := strconv.Atoi(e.Name()[1:])
		if err != nil || n < 1 {
			continue
		}
		out = append(out, n)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(out)))
	return out, nil
}
