package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/tandem/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	tick := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return NewStore(t.TempDir(), Options{Now: func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}})
}

func versionsOf(t *testing.T, hist []model.VersionInfo) []int {
	t.Helper()
	out := make([]int, len(hist))
	for i, h := range hist {
		out[i] = h.Version
	}
	return out
}

func TestSnapshot_MonotonicAndPruned(t *testing.T) {
	s := newTestStore(t)
	for i := 1; i <= 7; i++ {
		v, err := s.Import("plan", []byte(fmt.Sprintf("plan %d\n", i)), Trigger{Reason: "import"})
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}

	hist, err := s.History("plan")
	require.NoError(t, err)
	assert.Equal(t, []int{7, 6, 5, 4, 3}, versionsOf(t, hist))

	cur, err := s.CurrentVersion("plan")
	require.NoError(t, err)
	assert.Equal(t, 7, cur)

	content, err := s.Current("plan")
	require.NoError(t, err)
	assert.Equal(t, "plan 7\n", string(content))

	assert.Nil(t, hist[0].SupersededAt, "newest entry is not superseded")
	for _, h := range hist[1:] {
		assert.NotNil(t, h.SupersededAt, "v%d", h.Version)
	}
	require.NotNil(t, hist[0].TriggerReason)
	assert.Equal(t, "import", *hist[0].TriggerReason)

	_, err = os.Stat(s.versionDir("plan", 2))
	assert.True(t, os.IsNotExist(err))
}

func TestSnapshot_FromFile(t *testing.T) {
	s := newTestStore(t)
	src := filepath.Join(t.TempDir(), "research.md")
	require.NoError(t, os.WriteFile(src, []byte("findings"), 0644))

	v, err := s.Snapshot("research", src, Trigger{Reason: "import", ReviewID: "rev-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	hist, err := s.History("research")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	require.NotNil(t, hist[0].ReviewID)
	assert.Equal(t, "rev-1", *hist[0].ReviewID)

	_, err = s.Snapshot("research", filepath.Join(t.TempDir(), "missing.md"), Trigger{})
	assert.Error(t, err)
}

func TestSnapshot_CapturesUnversionedCurrent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.MkdirAll(s.Dir("research"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir("research"), CurrentFile), []byte("hand written"), 0644))

	cur, err := s.CurrentVersion("research")
	require.NoError(t, err)
	assert.Equal(t, 1, cur, "unsnapshotted content is implicitly version 1")

	v, err := s.Import("research", []byte("revised"), Trigger{Reason: "import"})
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	hist, err := s.History("research")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "initial", *hist[1].TriggerReason)
	old, err := s.versionContent("research", 1)
	require.NoError(t, err)
	assert.Equal(t, "hand written", string(old))
}

func TestSnapshot_CapturesOutOfBandEdit(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Import("plan", []byte("v1"), Trigger{})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir("plan"), CurrentFile), []byte("edited by hand"), 0644))

	v, err := s.Import("plan", []byte("v3"), Trigger{})
	require.NoError(t, err)
	assert.Equal(t, 3, v)

	edited, err := s.versionContent("plan", 2)
	require.NoError(t, err)
	assert.Equal(t, "edited by hand", string(edited))
}

func TestSnapshot_UnchangedContentKeepsVersion(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Import("plan", []byte("same"), Trigger{})
	require.NoError(t, err)
	v, err := s.Import("plan", []byte("same"), Trigger{})
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	hist, err := s.History("plan")
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}

func TestRestore(t *testing.T) {
	s := newTestStore(t)
	for i := 1; i <= 3; i++ {
		_, err := s.Import("plan", []byte(fmt.Sprintf("plan %d", i)), Trigger{})
		require.NoError(t, err)
	}

	ok, err := s.Restore("plan", 1)
	require.NoError(t, err)
	assert.True(t, ok)

	content, err := s.Current("plan")
	require.NoError(t, err)
	assert.Equal(t, "plan 1", string(content))
	cur, err := s.CurrentVersion("plan")
	require.NoError(t, err)
	assert.Equal(t, 4, cur)

	hist, err := s.History("plan")
	require.NoError(t, err)
	assert.Equal(t, "restore v1", *hist[0].TriggerReason)
	assert.Equal(t, []int{4, 3, 2, 1}, versionsOf(t, hist), "restored-over content stays in history")
}

func TestRestore_MissingVersionChangesNothing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Import("plan", []byte("only"), Trigger{})
	require.NoError(t, err)

	ok, err := s.Restore("plan", 9)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrVersionNotFound)

	hist, err := s.History("plan")
	require.NoError(t, err)
	assert.Equal(t, []int{1}, versionsOf(t, hist))
	content, err := s.Current("plan")
	require.NoError(t, err)
	assert.Equal(t, "only", string(content))
}

func TestEmptyArtifact(t *testing.T) {
	s := newTestStore(t)
	cur, err := s.CurrentVersion("nothing")
	require.NoError(t, err)
	assert.Equal(t, 0, cur)
	hist, err := s.History("nothing")
	require.NoError(t, err)
	assert.Empty(t, hist)
	assert.False(t, s.Exists("nothing"))
}
