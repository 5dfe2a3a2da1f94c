package watch

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestWatcherTriggersOnDatabaseWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bookmarks.db")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("seed file failed: %v", err)
	}

	var triggers atomic.Int32
	w, err := New(path, 50*time.Millisecond, func() { triggers.Add(1) }, nil)
	if err != nil {
		t.Fatalf("new watcher failed: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer w.Stop()

	// A burst of writes should collapse into one trigger.
	for i := 0; i < 3; i++ {
		if err := os.WriteFile(path, []byte("y"), 0o644); err != nil {
			t.Fatalf("write failed: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	deadline := time.Now().Add(2 * time.Second)
	for triggers.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := triggers.Load(); got != 1 {
		t.Fatalf("expected one debounced trigger, got %d", got)
	}
}

func TestWatcherIgnoresUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bookmarks.db")

	var triggers atomic.Int32
	w, err := New(path, 20*time.Millisecond, func() { triggers.Add(1) }, nil)
	if err != nil {
		t.Fatalf("new watcher failed: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	time.Sleep(150 * time.Millisecond)
	if got := triggers.Load(); got != 0 {
		t.Fatalf("expected no trigger for unrelated file, got %d", got)
	}
}
