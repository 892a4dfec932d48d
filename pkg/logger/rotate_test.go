package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestRotatingWriterAppendsWithinLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	w, err := newRotatingWriter(path, 1, 3, 30)
	if err != nil {
		t.Fatalf("newRotatingWriter: %v", err)
	}
	defer w.Close()

	for i := 0; i < 3; i++ {
		if _, err := w.Write([]byte("entry\n")); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if got := bytes.Count(content, []byte("entry")); got != 3 {
		t.Fatalf("expected 3 entries, got %d", got)
	}
}

func TestRotatingWriterRotatesOnSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	w, err := newRotatingWriter(path, 1, 3, 30)
	if err != nil {
		t.Fatalf("newRotatingWriter: %v", err)
	}
	defer w.Close()
	// Force rotation on the second write.
	w.maxSize = 8

	if _, err := w.Write([]byte("first\n")); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if _, err := w.Write([]byte("second\n")); err != nil {
		t.Fatalf("second write: %v", err)
	}

	backup, err := os.ReadFile(path + ".1")
	if err != nil {
		t.Fatalf("read rotated backup: %v", err)
	}
	if !bytes.Contains(backup, []byte("first")) {
		t.Fatalf("backup missing rotated entry: %q", backup)
	}
	current, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read current log: %v", err)
	}
	if !bytes.Contains(current, []byte("second")) {
		t.Fatalf("current log missing latest entry: %q", current)
	}
}
