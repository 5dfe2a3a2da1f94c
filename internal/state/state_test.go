package state

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestBimapEvictsStaleEntries(t *testing.T) {
	b := NewBimap[int64, string]()
	b.Put(1, "a")
	b.Put(2, "b")

	// Remapping a key to a taken value must evict both stale entries.
	b.Put(1, "b")
	if b.Len() != 1 {
		t.Fatalf("expected single entry after remap, got %d", b.Len())
	}
	if v, ok := b.Get(1); !ok || v != "b" {
		t.Fatalf("expected 1->b, got %q ok=%v", v, ok)
	}
	if _, ok := b.Get(2); ok {
		t.Fatalf("expected key 2 evicted")
	}
	if k, ok := b.GetInverse("b"); !ok || k != 1 {
		t.Fatalf("expected b->1, got %d ok=%v", k, ok)
	}
	if _, ok := b.GetInverse("a"); ok {
		t.Fatalf("expected value a evicted")
	}

	b.DeleteInverse("b")
	if b.Len() != 0 {
		t.Fatalf("expected empty bimap, got %d entries", b.Len())
	}
}

func TestStateSnapshotRoundTrip(t *testing.T) {
	st := NewState()
	st.Collections.Put(42, "n1")
	st.Groups.Put("Projects", "n2")
	st.Items.Put(7, "n3")
	st.RootFolderID = "n1"
	st.ParentFolderID = ""
	st.LastSync = "2026-01-02T03:04:05Z"

	restored := FromSnapshot(st.Snapshot())
	if v, _ := restored.Collections.Get(42); v != "n1" {
		t.Fatalf("collection mapping lost: %q", v)
	}
	if v, _ := restored.Groups.Get("Projects"); v != "n2" {
		t.Fatalf("group mapping lost: %q", v)
	}
	if v, _ := restored.Items.Get(7); v != "n3" {
		t.Fatalf("item mapping lost: %q", v)
	}
	if restored.LastSync != st.LastSync || restored.RootFolderID != "n1" {
		t.Fatalf("scalar state lost: %+v", restored)
	}
}

func TestJSONFileBackendRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	backend := NewJSONFileBackend(path)

	snap, err := backend.Load()
	if err != nil || snap != nil {
		t.Fatalf("expected empty load, got %+v err=%v", snap, err)
	}

	want := &Snapshot{
		LastSync:      "2026-01-02T03:04:05Z",
		CollectionMap: map[int64]string{42: "n1"},
		GroupMap:      map[string]string{"Projects": "n2"},
		ItemMap:       map[int64]string{7: "n3"},
		RootFolderID:  "n1",
	}
	if err := backend.Save(want); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	got, err := backend.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if got.LastSync != want.LastSync || got.CollectionMap[42] != "n1" || got.GroupMap["Projects"] != "n2" || got.ItemMap[7] != "n3" {
		t.Fatalf("snapshot mismatch: %+v", got)
	}

	// The write must be whole-file, not partial.
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("state file missing: %v", err)
	}
}

func TestMemoryBackendClonesSnapshots(t *testing.T) {
	backend := NewMemoryBackend()
	snap := &Snapshot{CollectionMap: map[int64]string{1: "a"}}
	if err := backend.Save(snap); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	snap.CollectionMap[1] = "mutated"

	got, err := backend.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if got.CollectionMap[1] != "a" {
		t.Fatalf("stored snapshot aliased caller map: %+v", got)
	}
}

func TestOpenBackendSchemes(t *testing.T) {
	dir := t.TempDir()

	backend, err := OpenBackend(filepath.Join(dir, "state.json"))
	if err != nil {
		t.Fatalf("plain path DSN failed: %v", err)
	}
	if _, ok := backend.(*JSONFileBackend); !ok {
		t.Fatalf("expected file backend for plain path, got %T", backend)
	}

	backend, err = OpenBackend("memory:")
	if err != nil {
		t.Fatalf("memory DSN failed: %v", err)
	}
	if _, ok := backend.(*MemoryBackend); !ok {
		t.Fatalf("expected memory backend, got %T", backend)
	}

	backend, err = OpenBackend("postgres://user:pw@localhost/marksync")
	if err != nil {
		t.Fatalf("postgres DSN failed: %v", err)
	}
	if _, ok := backend.(*PostgresBackend); !ok {
		t.Fatalf("expected postgres backend, got %T", backend)
	}

	if _, err := OpenBackend("bogus://x"); !errors.Is(err, ErrInvalidDSN) {
		t.Fatalf("expected invalid DSN error, got %v", err)
	}
	if _, err := OpenBackend("  "); !errors.Is(err, ErrInvalidDSN) {
		t.Fatalf("expected invalid DSN error for blank, got %v", err)
	}
}

func TestRegisterBackendFactoryOverridesScheme(t *testing.T) {
	called := false
	RegisterBackendFactory("testscheme", func(dsn string) (Backend, error) {
		called = true
		return NewMemoryBackend(), nil
	})
	backend, err := OpenBackend("testscheme://anything")
	if err != nil {
		t.Fatalf("custom scheme failed: %v", err)
	}
	if !called {
		t.Fatalf("factory not invoked")
	}
	if _, ok := backend.(*MemoryBackend); !ok {
		t.Fatalf("unexpected backend type %T", backend)
	}
}

func TestStoreLoadsEmptyStateWhenUnset(t *testing.T) {
	store := NewStore(NewMemoryBackend())
	st, err := store.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if st.Collections.Len() != 0 || st.LastSync != "" {
		t.Fatalf("expected empty state, got %+v", st)
	}

	st.Collections.Put(5, "n9")
	st.LastSync = "2026-02-03T00:00:00Z"
	if err := store.Save(st); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	reloaded, err := store.Load()
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if v, _ := reloaded.Collections.Get(5); v != "n9" || reloaded.LastSync != st.LastSync {
		t.Fatalf("state not persisted: %+v", reloaded)
	}
}
