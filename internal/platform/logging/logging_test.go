package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewFansOutToFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "dreamer.log")
	var stderr bytes.Buffer
	logger, closeFile, err := New(Config{Level: "debug", File: path}, &stderr)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	logger.Debug("iteration done", "iteration", 3)
	if err := closeFile(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if !strings.Contains(stderr.String(), "iteration done") {
		t.Fatalf("stderr = %q, want the message", stderr.String())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &line); err != nil {
		t.Fatalf("log file is not JSON: %v", err)
	}
	if line["iteration"] != float64(3) {
		t.Fatalf("iteration = %v, want 3", line["iteration"])
	}
}

func TestLevelFiltersMessages(t *testing.T) {
	t.Parallel()

	var stderr bytes.Buffer
	logger, _, err := New(Config{Level: "warn"}, &stderr)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	logger.Info("hidden")
	logger.Warn("shown")
	if strings.Contains(stderr.String(), "hidden") || !strings.Contains(stderr.String(), "shown") {
		t.Fatalf("stderr = %q", stderr.String())
	}
}

func TestParseLevelRejectsUnknown(t *testing.T) {
	t.Parallel()

	if _, err := ParseLevel("loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
