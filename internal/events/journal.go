// Package events records what happens to a run: an append-only JSONL
// journal plus a synchronous bus that fans events out to observers.
package events

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultMaxJournalSize triggers rotation into archive/.
	DefaultMaxJournalSize = 10 * 1024 * 1024
	JournalFile           = "events.jsonl"
	ArchiveDir            = "archive"
)

// Entry is one journal line.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Type      Type           `json:"type"`
	RunID     string         `json:"run_id,omitempty"`
	Unit      string         `json:"unit,omitempty"`
	Iteration int            `json:"iteration,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Checksum  string         `json:"checksum,omitempty"`
}

// Journal appends entries to <runDir>/events.jsonl, rotating by size.
// A nil *Journal discards everything.
type Journal struct {
	mu          sync.Mutex
	file        *os.File
	path        string
	currentSize int64
	maxSize     int64
	rotations   int
	now         func() time.Time
}

// OpenJournal opens (or creates) the journal in runDir.
func OpenJournal(runDir string, maxSize int64) (*Journal, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxJournalSize
	}
	j := &Journal{path: filepath.Join(runDir, JournalFile), maxSize: maxSize, now: time.Now}
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	if err := j.open(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) open() error {
	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	stat, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("stat journal: %w", err)
	}
	j.file = file
	j.currentSize = stat.Size()
	return nil
}

// Record writes an event. It satisfies the bus Subscriber signature via
// Subscriber().
func (j *Journal) Record(ev Event) error {
	if j == nil {
		return nil
	}
	e := Entry{
		Timestamp: ev.Timestamp,
		Type:      ev.Type,
		RunID:     ev.RunID,
		Unit:      ev.Unit,
		Iteration: ev.Iteration,
		Details:   ev.Details,
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = j.now().UTC()
	}
	return j.write(&e)
}

func (j *Journal) write(e *Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	e.Checksum = ""
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}
	e.Checksum = checksum(body)
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}
	data = append(data, '\n')

	if j.currentSize > 0 && j.currentSize+int64(len(data)) > j.maxSize {
		if err := j.rotate(); err != nil {
			return fmt.Errorf("rotate journal: %w", err)
		}
	}
	n, err := j.file.Write(data)
	if err != nil {
		return fmt.Errorf("write journal: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("sync journal: %w", err)
	}
	j.currentSize += int64(n)
	return nil
}

func (j *Journal) rotate() error {
	if err := j.file.Close(); err != nil {
		return err
	}
	archive := filepath.Join(filepath.Dir(j.path), ArchiveDir)
	if err := os.MkdirAll(archive, 0755); err != nil {
		return err
	}
	j.rotations++
	base := strings.TrimSuffix(filepath.Base(j.path), ".jsonl")
	name := fmt.Sprintf("%s.%s.%d.jsonl", base, j.now().Format("20060102_150405"), j.rotations)
	if err := os.Rename(j.path, filepath.Join(archive, name)); err != nil {
		return err
	}
	return j.open()
}

// Subscriber adapts the journal for Bus.Subscribe. Write failures are
// passed to onErr.
func (j *Journal) Subscriber(onErr func(error)) Subscriber {
	return func(ev Event) {
		if err := j.Record(ev); err != nil && onErr != nil {
			onErr(err)
		}
	}
}

func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

func checksum(data []byte) string {
	h := fnv.New64a()
	_, _ = h.Write(data)
	return fmt.Sprintf("%016x", h.Sum64())
}

// ReadJournal returns the entries of the current journal file in runDir.
// Malformed lines and entries failing their checksum are counted in
// invalid and skipped.
func ReadJournal(runDir string) (entries []Entry, invalid int, err error) {
	f, err := os.Open(filepath.Join(runDir, JournalFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			invalid++
			continue
		}
		want := e.Checksum
		e.Checksum = ""
		body, err := json.Marshal(e)
		if err != nil || (want != "" && checksum(body) != want) {
			invalid++
			continue
		}
		e.Checksum = want
		entries = append(entries, e)
	}
	return entries, invalid, sc.Err()
}
