package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/marksync/marksync/internal/bookmarks"
	"github.com/marksync/marksync/internal/raindrop"
	"github.com/marksync/marksync/internal/state"
)

type captureSink struct {
	mu    sync.Mutex
	kinds []string
}

func (s *captureSink) Publish(kind string, _ any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kinds = append(s.kinds, kind)
}

func (s *captureSink) count(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, k := range s.kinds {
		if k == kind {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingLogger) Printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func (l *recordingLogger) count(substr string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, line := range l.lines {
		if strings.Contains(line, substr) {
			n++
		}
	}
	return n
}

func TestTriggerSyncCollapsesOverlappingTriggers(t *testing.T) {
	eng, _ := newTestEngine(t, newFakeRemote())
	if !eng.TriggerSync() {
		t.Fatalf("first trigger should queue")
	}
	if eng.TriggerSync() {
		t.Fatalf("second trigger should collapse while one is pending")
	}
}

func TestRunProcessesTriggersAndMirrorEvents(t *testing.T) {
	remote := newFakeRemote()
	remote.addCollection(10, "Projects", 0, 0)

	store := bookmarks.NewMemoryStore()
	sink := &captureSink{}
	eng, err := New(Options{
		Remote: remote,
		Store:  store,
		States: state.NewStore(state.NewMemoryBackend()),
		Status: sink,
	})
	if err != nil {
		t.Fatalf("new engine failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = eng.Run(ctx)
	}()

	if !eng.TriggerSync() {
		t.Fatalf("trigger failed")
	}
	waitFor(t, "first pass", func() bool { return sink.count("sync") == 1 })

	// A local creation now flows through the run loop into a remote call.
	projects := folderByPath(t, store, "Raindrop", "Projects")
	if _, err := store.Create(context.Background(), projects.ID, "Go", "https://go.dev"); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	waitFor(t, "mirrored create", func() bool { return remote.calledWith("POST /raindrop") })

	cancel()
	<-done
}

func TestStatusConcurrentWithRun(t *testing.T) {
	remote := newFakeRemote()
	remote.addCollection(10, "Projects", 0, 0)
	remote.addItem(10, "Go", "https://go.dev")

	eng, store := newTestEngine(t, remote)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = eng.Run(ctx)
	}()

	// Hammer Status from another goroutine while the run loop syncs and
	// mirrors; the race detector flags any read of the live maps.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_ = eng.Status()
			}
		}
	}()

	eng.TriggerSync()
	waitFor(t, "pulled item in status", func() bool { return eng.Status().Items == 1 })

	projects := folderByPath(t, store, "Raindrop", "Projects")
	if _, err := store.Create(context.Background(), projects.ID, "Docs", "https://go.dev/doc"); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	waitFor(t, "mirrored item in status", func() bool { return eng.Status().Items == 2 })

	close(stop)
	wg.Wait()
	cancel()
	<-done
}

func TestPassFailureLoggingIsDebounced(t *testing.T) {
	remote := newFakeRemote()
	remote.addCollection(10, "Projects", 0, 0)

	eng, _ := newTestEngine(t, remote)
	logger := &recordingLogger{}
	eng.logger = logger
	ctx := context.Background()

	remote.setPageError(raindrop.CollectionAll, 0, errors.New("listing unavailable"))
	for i := 0; i < 3; i++ {
		if _, err := eng.SyncOnce(ctx); err == nil {
			t.Fatalf("expected pass failure")
		}
	}
	if got := logger.count("sync failed"); got != 1 {
		t.Fatalf("expected one debounced failure line, got %d: %v", got, logger.lines)
	}

	// A successful pass rearms the debounce.
	remote.setPageError(raindrop.CollectionAll, 0, nil)
	if _, err := eng.SyncOnce(ctx); err != nil {
		t.Fatalf("recovery sync failed: %v", err)
	}
	remote.setPageError(raindrop.CollectionAll, 0, errors.New("listing unavailable"))
	if _, err := eng.SyncOnce(ctx); err == nil {
		t.Fatalf("expected pass failure after recovery")
	}
	if got := logger.count("sync failed"); got != 2 {
		t.Fatalf("expected a fresh failure line after recovery, got %d: %v", got, logger.lines)
	}
}
