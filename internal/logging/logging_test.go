package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewCreatesDirectoryAndFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "devs.log")

	l, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	l.Infof("hello %s", "world")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log: %v", err)
	}
	if !strings.Contains(string(data), "INFO: hello world") {
		t.Errorf("log content = %q, want INFO line", data)
	}
}

func TestLevels(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf)

	l.Warn("careful")
	l.Error("boom")
	l.Debug("hidden") // debug off by default

	out := buf.String()
	if !strings.Contains(out, "WARN: careful") {
		t.Errorf("missing WARN line: %q", out)
	}
	if !strings.Contains(out, "ERROR: boom") {
		t.Errorf("missing ERROR line: %q", out)
	}
	if strings.Contains(out, "hidden") {
		t.Errorf("debug line emitted with debug off: %q", out)
	}
}

func TestAppendAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devs.log")

	l1, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	l1.Info("first")
	l1.Close()

	l2, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	l2.Info("second")
	l2.Close()

	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "first") || !strings.Contains(string(data), "second") {
		t.Errorf("log not appended: %q", data)
	}
}
