package fsutil

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"
)

// Quarantine moves a corrupted file into <root>/quarantine with a timestamp
// suffix and returns the new path.
func Quarantine(root, filePath string) (string, error) {
	quarantineDir := filepath.Join(root, "quarantine")
	if err := os.MkdirAll(quarantineDir, 0755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}

	baseName := filepath.Base(filePath)
	timestamp := time.Now().Format("20060102T150405")
	quarantinePath := filepath.Join(quarantineDir, fmt.Sprintf("%s.%s.corrupt", baseName, timestamp))

	if err := os.Rename(filePath, quarantinePath); err != nil {
		return "", fmt.Errorf("move to quarantine: %w", err)
	}

	log.Printf("quarantined corrupted file: %s → %s", filePath, quarantinePath)
	return quarantinePath, nil
}

// RestoreFromBackup replaces filePath with its .bak when the backup is valid JSON.
func RestoreFromBackup(filePath string) error {
	bakPath := filePath + ".bak"
	content, err := os.ReadFile(bakPath)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("no backup file: %s", bakPath)
	}
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	if err := validateJSON(content); err != nil {
		return fmt.Errorf("backup is also corrupted: %w", err)
	}
	if err := AtomicWriteRaw(filePath, content, WriteOptions{}); err != nil {
		return fmt.Errorf("restore from backup: %w", err)
	}

	log.Printf("restored from backup: %s → %s", bakPath, filePath)
	return nil
}

// RecoverCorrupted quarantines filePath and tries to restore it from .bak.
// The returned error is non-nil when no valid content could be restored; the
// corrupted bytes remain available in quarantine either way.
func RecoverCorrupted(root, filePath string) error {
	if _, err := Quarantine(root, filePath); err != nil {
		return fmt.Errorf("quarantine failed: %w", err)
	}
	if err := RestoreFromBackup(filePath); err != nil {
		return fmt.Errorf("recover %s: %w", filepath.Base(filePath), err)
	}
	return nil
}

// ReadJSONOrBackup is ReadJSON that falls back to the .bak of a corrupted
// file. Nothing is moved or rewritten, so it is safe without the run lock.
func ReadJSONOrBackup(path string, v any) error {
	err := ReadJSON(path, v)
	var ce *CorruptError
	if !errors.As(err, &ce) {
		return err
	}
	if berr := ReadJSON(path+".bak", v); berr != nil {
		return err
	}
	return nil
}

// ReadJSONRecover is ReadJSON with a single quarantine-and-restore attempt on
// corruption.
func ReadJSONRecover(root, path string, v any) error {
	err := ReadJSON(path, v)
	var ce *CorruptError
	if !errors.As(err, &ce) {
		return err
	}
	if rerr := RecoverCorrupted(root, path); rerr != nil {
		return fmt.Errorf("%w (%v)", err, rerr)
	}
	return ReadJSON(path, v)
}
