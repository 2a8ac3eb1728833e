// Package fsutil provides crash-safe file writes and recovery of corrupted
// state files under the .tandem tree.
package fsutil

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// WriteOptions controls AtomicWriteRaw.
type WriteOptions struct {
	// Backup keeps the previous content as <path>.bak before the rename.
	Backup bool
	// Perm is applied to the final file. Zero means 0644.
	Perm os.FileMode
}

// AtomicWriteJSON marshals data as indented JSON and writes it atomically,
// keeping a .bak of the previous content.
func AtomicWriteJSON(path string, data any) error {
	content, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("json marshal: %w", err)
	}
	content = append(content, '\n')
	return writeValidated(path, content, WriteOptions{Backup: true}, validateJSON)
}

// AtomicWriteRaw writes content to a temp file in the target directory and
// renames it into place. Readers never observe a partially written file.
func AtomicWriteRaw(path string, content []byte, opts WriteOptions) error {
	return writeValidated(path, content, opts, nil)
}

func writeValidated(path string, content []byte, opts WriteOptions, validate func([]byte) error) error {
	tmpName, err := WriteTemp(path, content, opts.Perm)
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmpName) }()

	if validate != nil {
		written, err := os.ReadFile(tmpName)
		if err != nil {
			return fmt.Errorf("read temp file for validation: %w", err)
		}
		if err := validate(written); err != nil {
			return fmt.Errorf("validation failed: %w", err)
		}
	}

	if opts.Backup {
		if _, err := os.Stat(path); err == nil {
			if err := CopyFile(path, path+".bak"); err != nil {
				return fmt.Errorf("create backup: %w", err)
			}
		}
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	return nil
}

// WriteTemp writes content to a synced temp file next to path and returns its
// name. The caller owns removal; after a successful rename or link the
// remove is a no-op.
func WriteTemp(path string, content []byte, perm os.FileMode) (string, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tandem-tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	fail := func(err error) (string, error) {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", err
	}

	if _, err := tmp.Write(content); err != nil {
		return fail(fmt.Errorf("write temp file: %w", err))
	}
	if perm == 0 {
		perm = 0644
	}
	if err := tmp.Chmod(perm); err != nil {
		return fail(fmt.Errorf("chmod temp file: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		return fail(fmt.Errorf("sync temp file: %w", err))
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("close temp file: %w", err)
	}
	return tmpName, nil
}

// ReadJSON decodes the JSON file at path into v.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &CorruptError{Path: path, Err: err}
	}
	return nil
}

// CorruptError reports a state file that exists but does not decode.
type CorruptError struct {
	Path string
	Err  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("corrupted file %s: %v", e.Path, e.Err)
}

func (e *CorruptError) Unwrap() error { return e.Err }

func validateJSON(content []byte) error {
	if !json.Valid(content) {
		return fmt.Errorf("invalid JSON")
	}
	return nil
}

// CopyFile copies src to dst and syncs dst.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
