// Package setup handles tandem project initialization and locating the
// state root from a working directory.
package setup

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/msageha/tandem/internal/fsutil"
	"github.com/msageha/tandem/internal/model"
	"github.com/msageha/tandem/internal/run"
	"github.com/msageha/tandem/templates"
)

const (
	StateDir      = ".tandem"
	ConfigFile    = "config.yaml"
	LogsDir       = "logs"
	LogFile       = "tandem.log"
	QuarantineDir = "quarantine"
)

var ErrNotInitialized = errors.New("not a tandem project (run `tandem init`)")

// Run creates .tandem/ in projectDir and returns its path. projectName
// overrides the directory basename.
func Run(projectDir, projectName string) (string, error) {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return "", fmt.Errorf("resolve project dir: %w", err)
	}
	base := filepath.Join(absDir, StateDir)
	if _, err := os.Stat(base); err == nil {
		return "", fmt.Errorf("%s already exists", base)
	}

	for _, d := range []string{run.RunsDir, LogsDir, QuarantineDir} {
		if err := os.MkdirAll(filepath.Join(base, d), 0755); err != nil {
			return "", fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	if projectName == "" {
		projectName = filepath.Base(absDir)
	}
	cfg, err := generateConfig(projectName)
	if err != nil {
		return "", fmt.Errorf("generate config: %w", err)
	}
	if err := fsutil.AtomicWriteRaw(filepath.Join(base, ConfigFile), cfg, fsutil.WriteOptions{}); err != nil {
		return "", fmt.Errorf("write config.yaml: %w", err)
	}

	// Keep run state out of the staged diff.
	if err := fsutil.AtomicWriteRaw(filepath.Join(base, ".gitignore"), []byte("*\n"), fsutil.WriteOptions{}); err != nil {
		return "", fmt.Errorf("write .gitignore: %w", err)
	}
	return base, nil
}

// generateConfig fills the embedded template textually so its comments
// survive, then decodes the result to make sure it is still valid.
func generateConfig(projectName string) ([]byte, error) {
	data, err := fs.ReadFile(templates.FS, ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("read config template: %w", err)
	}
	name, err := yaml.Marshal(projectName)
	if err != nil {
		return nil, err
	}
	out := strings.ReplaceAll(string(data), "{{PROJECT_NAME}}", strings.TrimSpace(string(name)))

	var cfg model.Config
	if err := yaml.Unmarshal([]byte(out), &cfg); err != nil {
		return nil, fmt.Errorf("parse generated config: %w", err)
	}
	if cfg.Project.Name != projectName {
		return nil, fmt.Errorf("project name %q did not round-trip", projectName)
	}
	return []byte(out), nil
}

// Locate walks up from dir to the nearest directory containing .tandem/
// and returns the state root path.
func Locate(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		base := filepath.Join(abs, StateDir)
		if info, err := os.Stat(base); err == nil && info.IsDir() {
			return base, nil
		}
		parent := filepath.Dir(abs)
		if parent == abs {
			return "", ErrNotInitialized
		}
		abs = parent
	}
}

// ProjectRoot is the directory that holds the state root.
func ProjectRoot(base string) string {
	return filepath.Dir(base)
}

func ConfigPath(base string) string {
	return filepath.Join(base, ConfigFile)
}

func LogPath(base string) string {
	return filepath.Join(base, LogsDir, LogFile)
}
