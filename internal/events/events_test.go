package events

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJournal_RecordAndRead(t *testing.T) {
	dir := t.TempDir()
	j, err := OpenJournal(dir, 0)
	require.NoError(t, err)

	require.NoError(t, j.Record(Event{Type: LockReclaimed, RunID: "r1", Details: map[string]any{"previous_pid": 42}}))
	require.NoError(t, j.Record(Event{Type: IterationTransition, RunID: "r1", Unit: "2", Iteration: 3, Details: map[string]any{"to": "checking"}}))
	require.NoError(t, j.Close())

	entries, invalid, err := ReadJournal(dir)
	require.NoError(t, err)
	assert.Zero(t, invalid)
	require.Len(t, entries, 2)
	assert.Equal(t, LockReclaimed, entries[0].Type)
	assert.Equal(t, float64(42), entries[0].Details["previous_pid"])
	assert.Equal(t, 3, entries[1].Iteration)
	assert.NotEmpty(t, entries[1].Checksum)
	assert.False(t, entries[0].Timestamp.IsZero())
}

func TestJournal_DetectsTampering(t *testing.T) {
	dir := t.TempDir()
	j, err := OpenJournal(dir, 0)
	require.NoError(t, err)
	require.NoError(t, j.Record(Event{Type: StaleOverridden, Details: map[string]any{"artifact": "plan"}}))
	require.NoError(t, j.Close())

	path := filepath.Join(dir, JournalFile)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), `"plan"`, `"research"`, 1)
	require.NoError(t, os.WriteFile(path, []byte(tampered+"not json\n"), 0644))

	entries, invalid, err := ReadJournal(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, 2, invalid)
}

func TestJournal_Rotation(t *testing.T) {
	dir := t.TempDir()
	j, err := OpenJournal(dir, 300)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, j.Record(Event{Type: ChecksCompleted, Details: map[string]any{"padding": strings.Repeat("x", 100)}}))
	}
	require.NoError(t, j.Close())

	archived, err := filepath.Glob(filepath.Join(dir, ArchiveDir, "events.*.jsonl"))
	require.NoError(t, err)
	assert.NotEmpty(t, archived)

	entries, _, err := ReadJournal(dir)
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
	assert.Less(t, len(entries), 5)
}

func TestJournal_Nil(t *testing.T) {
	var j *Journal
	assert.NoError(t, j.Record(Event{Type: LockAcquired}))
	assert.NoError(t, j.Close())
}

func TestReadJournal_Missing(t *testing.T) {
	entries, invalid, err := ReadJournal(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Zero(t, invalid)
}

func TestBus_DeliversInOrder(t *testing.T) {
	b := NewBus()
	b.now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

	var got []string
	b.Subscribe(func(ev Event) { got = append(got, "first:"+string(ev.Type)) })
	b.Subscribe(func(Event) { panic("bad subscriber") })
	unsub := b.Subscribe(func(ev Event) { got = append(got, "third:"+string(ev.Type)) })

	b.Publish(Event{Type: UnitFinished})
	unsub()
	b.Publish(Event{Type: BatchFinished})

	assert.Equal(t, []string{"first:unit_finished", "third:unit_finished", "first:batch_finished"}, got)
}

func TestBus_JournalSubscriber(t *testing.T) {
	dir := t.TempDir()
	j, err := OpenJournal(dir, 0)
	require.NoError(t, err)
	defer j.Close()

	b := NewBus()
	b.Subscribe(j.Subscriber(func(err error) { t.Errorf("journal: %v", err) }))
	b.Publish(Event{Type: ReviewUnparseable, Unit: "1", Iteration: 2})

	entries, _, err := ReadJournal(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ReviewUnparseable, entries[0].Type)
	assert.False(t, entries[0].Timestamp.IsZero())
}

func TestBus_Nil(t *testing.T) {
	var b *Bus
	assert.NotPanics(t, func() { b.Publish(Event{Type: LockReleased}) })
}
