package fsutil

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAtomicWriteJSON_Success(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.json")

	if err := AtomicWriteJSON(path, map[string]any{"key": "value", "count": 42}); err != nil {
		t.Fatalf("AtomicWriteJSON failed: %v", err)
	}

	var result map[string]any
	if err := ReadJSON(path, &result); err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}
	if result["key"] != "value" {
		t.Errorf("key: got %v, want %q", result["key"], "value")
	}
}

func TestAtomicWriteJSON_CreatesBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.json")

	if err := AtomicWriteJSON(path, map[string]string{"version": "1"}); err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	if err := AtomicWriteJSON(path, map[string]string{"version": "2"}); err != nil {
		t.Fatalf("second write failed: %v", err)
	}

	var bak map[string]string
	if err := ReadJSON(path+".bak", &bak); err != nil {
		t.Fatalf("read .bak: %v", err)
	}
	if bak["version"] != "1" {
		t.Errorf("backup version: got %q, want %q", bak["version"], "1")
	}

	var cur map[string]string
	if err := ReadJSON(path, &cur); err != nil {
		t.Fatalf("read current: %v", err)
	}
	if cur["version"] != "2" {
		t.Errorf("current version: got %q, want %q", cur["version"], "2")
	}
}

func TestAtomicWriteRaw_NoTempFileLeft(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "current.md")

	if err := AtomicWriteRaw(path, []byte("# plan\n"), WriteOptions{}); err != nil {
		t.Fatalf("AtomicWriteRaw failed: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".tandem-tmp-") {
			t.Errorf("unexpected temp file remaining: %s", entry.Name())
		}
	}
	if _, err := os.Stat(path + ".bak"); !os.IsNotExist(err) {
		t.Error("no backup expected without WriteOptions.Backup")
	}
}

func TestAtomicWriteRaw_Perm(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.lock")
	if err := AtomicWriteRaw(path, []byte("{}"), WriteOptions{Perm: 0600}); err != nil {
		t.Fatalf("AtomicWriteRaw failed: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("perm = %v, want 0600", info.Mode().Perm())
	}
}

func TestAtomicWriteJSON_StructData(t *testing.T) {
	type testStruct struct {
		Name    string `json:"name"`
		Version int    `json:"version"`
	}

	path := filepath.Join(t.TempDir(), "meta.json")
	if err := AtomicWriteJSON(path, &testStruct{Name: "tandem", Version: 2}); err != nil {
		t.Fatalf("AtomicWriteJSON failed: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	var result testStruct
	if err := json.Unmarshal(content, &result); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if result.Name != "tandem" || result.Version != 2 {
		t.Errorf("got %+v", result)
	}
}

func TestReadJSON_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	if err := os.WriteFile(path, []byte(`{"pass": tru`), 0644); err != nil {
		t.Fatal(err)
	}

	var v map[string]any
	err := ReadJSON(path, &v)
	var ce *CorruptError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CorruptError, got %v", err)
	}
	if ce.Path != path {
		t.Errorf("path = %q", ce.Path)
	}
}

func TestReadJSON_Missing(t *testing.T) {
	var v map[string]any
	err := ReadJSON(filepath.Join(t.TempDir(), "nope.json"), &v)
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
}
