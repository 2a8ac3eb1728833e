package run

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/tandem/internal/model"
)

func clock(ts string) func() time.Time {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		panic(err)
	}
	return func() time.Time { return t }
}

func TestCreateAndLoad(t *testing.T) {
	root := t.TempDir()
	meta, err := Create(root, CreateOptions{Now: clock("2026-04-01T10:00:00Z")})
	require.NoError(t, err)
	assert.True(t, model.ValidateRunID(meta.RunID))
	assert.Equal(t, "2026-04-01T10:00:00Z", meta.CreatedAt)

	loaded, err := Load(Dir(root, meta.RunID))
	require.NoError(t, err)
	assert.Equal(t, meta.RunID, loaded.RunID)
	assert.Equal(t, model.CurrentSchemaVersion, loaded.SchemaVersion)
	assert.NotNil(t, loaded.StaleArtifacts)
	assert.False(t, loaded.Abandoned)

	raw, err := os.ReadFile(filepath.Join(Dir(root, meta.RunID), MetaFile))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"stale_artifacts": []`)
}

func TestCreate_ExplicitIDIsExclusive(t *testing.T) {
	root := t.TempDir()
	_, err := Create(root, CreateOptions{ID: "feature-x"})
	require.NoError(t, err)

	_, err = Create(root, CreateOptions{ID: "feature-x"})
	assert.ErrorIs(t, err, ErrExists)

	_, err = Create(root, CreateOptions{ID: "../escape"})
	assert.Error(t, err)
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoad_RecoversFromBackup(t *testing.T) {
	root := t.TempDir()
	meta, err := Create(root, CreateOptions{ID: "r1"})
	require.NoError(t, err)
	dir := Dir(root, "r1")

	RecordCommand(meta, "implement 1", time.Now())
	require.NoError(t, Save(dir, meta))
	require.NoError(t, os.WriteFile(filepath.Join(dir, MetaFile), []byte("{truncated"), 0644))

	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "r1", loaded.RunID)
	assert.Empty(t, loaded.CommandHistory, "backup holds the previous good content")

	quarantined, err := filepath.Glob(filepath.Join(dir, "quarantine", "run.json.*.corrupt"))
	require.NoError(t, err)
	assert.Len(t, quarantined, 1)
}

func TestSaveRecordCommandAbandon(t *testing.T) {
	root := t.TempDir()
	meta, err := Create(root, CreateOptions{ID: "r1"})
	require.NoError(t, err)
	dir := Dir(root, "r1")

	now := time.Date(2026, 4, 2, 8, 30, 0, 0, time.UTC)
	RecordCommand(meta, "import research notes.md", now)
	RecordCommand(meta, "implement --all", now.Add(time.Minute))
	require.NoError(t, CheckActive(meta))
	Abandon(meta, now.Add(2*time.Minute))
	Abandon(meta, now.Add(time.Hour))
	require.NoError(t, Save(dir, meta))

	loaded, err := Load(dir)
	require.NoError(t, err)
	require.Len(t, loaded.CommandHistory, 2)
	assert.Equal(t, "implement --all", loaded.CommandHistory[1].Command)
	assert.Equal(t, "2026-04-02T08:30:00Z", loaded.CommandHistory[0].Timestamp)
	assert.True(t, loaded.Abandoned)
	require.NotNil(t, loaded.AbandonedAt)
	assert.Equal(t, "2026-04-02T08:32:00Z", *loaded.AbandonedAt)
	assert.ErrorIs(t, CheckActive(loaded), ErrAbandoned)

	_, err = os.Stat(dir)
	assert.NoError(t, err, "abandoned runs are never deleted")
}

func TestLatestAndResolve(t *testing.T) {
	root := t.TempDir()
	_, err := Latest(root)
	assert.ErrorIs(t, err, ErrNoRuns)

	_, err = Create(root, CreateOptions{ID: "a", Now: clock("2026-01-01T00:00:00Z")})
	require.NoError(t, err)
	_, err = Create(root, CreateOptions{ID: "b", Now: clock("2026-01-02T00:00:00Z")})
	require.NoError(t, err)
	c, err := Create(root, CreateOptions{ID: "c", Now: clock("2026-01-03T00:00:00Z")})
	require.NoError(t, err)

	latest, err := Latest(root)
	require.NoError(t, err)
	assert.Equal(t, "c", latest.RunID)

	Abandon(c, time.Now())
	require.NoError(t, Save(Dir(root, "c"), c))
	latest, err = Latest(root)
	require.NoError(t, err)
	assert.Equal(t, "b", latest.RunID)

	runs, err := List(root)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "a", runs[0].RunID)

	got, err := Resolve(root, "a")
	require.NoError(t, err)
	assert.Equal(t, "a", got.RunID)
	got, err = Resolve(root, "")
	require.NoError(t, err)
	assert.Equal(t, "b", got.RunID)
	_, err = Resolve(root, "zzz")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolve_CorruptMetadataIsNotRecovered(t *testing.T) {
	root := t.TempDir()
	meta, err := Create(root, CreateOptions{ID: "r1"})
	require.NoError(t, err)
	dir := Dir(root, "r1")
	RecordCommand(meta, "implement 1", time.Now())
	require.NoError(t, Save(dir, meta))
	require.NoError(t, os.WriteFile(filepath.Join(dir, MetaFile), []byte("{truncated"), 0644))

	got, err := Resolve(root, "")
	require.NoError(t, err)
	assert.Equal(t, "r1", got.RunID)
	got, err = Resolve(root, "r1")
	require.NoError(t, err)
	assert.Equal(t, "r1", got.RunID)

	data, err := os.ReadFile(filepath.Join(dir, MetaFile))
	require.NoError(t, err)
	assert.Equal(t, "{truncated", string(data), "resolution never rewrites run.json")
	assert.NoDirExists(t, filepath.Join(dir, "quarantine"))

	// Recovery happens through Load, under the lock.
	_, err = Load(dir)
	require.NoError(t, err)
	assert.DirExists(t, filepath.Join(dir, "quarantine"))
}
