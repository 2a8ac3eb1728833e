package logging

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", LogLevelDebug},
		{"INFO", LogLevelInfo},
		{"warning", LogLevelWarn},
		{"warn", LogLevelWarn},
		{"error", LogLevelError},
		{"", LogLevelInfo},
		{"verbose", LogLevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLogger_FiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LogLevelWarn, "loop")
	l.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	l.Infof("dropped")
	l.Warnf("kept key=%d", 7)

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Errorf("info line should be filtered: %q", out)
	}
	want := "2026-01-02T03:04:05Z WARN loop: kept key=7\n"
	if out != want {
		t.Errorf("got %q, want %q", out, want)
	}
}

func TestLogger_With(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LogLevelDebug, "root").With("checks")
	l.Debugf("x")
	if !strings.Contains(buf.String(), " checks: x") {
		t.Errorf("component not applied: %q", buf.String())
	}
}

func TestOpen_CreatesDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "tandem.log")
	l, err := Open(path, LogLevelInfo, "test")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	l.Infof("hello")
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestNilLoggerIsSafe(t *testing.T) {
	var l *Logger
	l.Infof("no panic")
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
}
