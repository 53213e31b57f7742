package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDisabledLoggingIsNoOp(t *testing.T) {
	if err := Initialize("", Options{Debug: false}); err != nil {
		t.Fatalf("Initialize with debug off failed: %v", err)
	}
	defer Close()

	l := Get(CategorySession)
	// Must not panic, must not create files.
	l.Info("should go nowhere")
	l.Error("should go nowhere")
}

func TestCategoryFilesCreated(t *testing.T) {
	dir := t.TempDir()
	if err := Initialize(dir, Options{Debug: true, Level: "debug"}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer func() {
		Close()
		_ = Initialize("", Options{Debug: false})
	}()

	Get(CategoryStream).Info("stream started")
	Get(CategoryStream).Debug("chunk appended")

	entries, err := os.ReadDir(filepath.Join(dir, "logs"))
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}

	found := false
	for _, e := range entries {
		if strings.Contains(e.Name(), "stream") {
			found = true
			data, err := os.ReadFile(filepath.Join(dir, "logs", e.Name()))
			if err != nil {
				t.Fatalf("ReadFile failed: %v", err)
			}
			if !strings.Contains(string(data), "stream started") {
				t.Errorf("Expected info line in log, got: %s", data)
			}
			if !strings.Contains(string(data), "chunk appended") {
				t.Errorf("Expected debug line at debug level, got: %s", data)
			}
		}
	}
	if !found {
		t.Error("No stream category log file created")
	}
}
