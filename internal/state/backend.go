package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var ErrInvalidDSN = errors.New("invalid state DSN")

// Backend persists correlation snapshots. Load returns (nil, nil) when no
// snapshot has been saved yet.
type Backend interface {
	Load() (*Snapshot, error)
	Save(*Snapshot) error
	Close() error
}

// BackendFactory builds a Backend from a full DSN.
type BackendFactory func(dsn string) (Backend, error)

var (
	factoryMu        sync.RWMutex
	backendFactories = map[string]BackendFactory{}
)

// RegisterBackendFactory installs a factory for a custom DSN scheme,
// overriding any built-in handling of that scheme.
func RegisterBackendFactory(scheme string, factory BackendFactory) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme == "" || factory == nil {
		return
	}
	factoryMu.Lock()
	defer factoryMu.Unlock()
	backendFactories[scheme] = factory
}

func lookupBackendFactory(scheme string) (BackendFactory, bool) {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	factory, ok := backendFactories[scheme]
	return factory, ok
}

// OpenBackend builds a backend from a DSN. A plain path or file: DSN selects
// the JSON file backend; memory: selects the in-memory backend;
// postgres:/postgresql: selects the Postgres backend.
func OpenBackend(dsn string) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidDSN)
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDSN, err)
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path := dsnPath(parsed, dsn)
		if path == "" {
			return nil, fmt.Errorf("%w: no path in %q", ErrInvalidDSN, dsn)
		}
		return NewJSONFileBackend(path), nil
	case "memory", "mem", "inmem":
		return NewMemoryBackend(), nil
	case "postgres", "postgresql":
		return NewPostgresBackend(dsn)
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidDSN, scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) string {
	if parsed.Scheme == "" {
		return raw
	}
	if parsed.Opaque != "" {
		return parsed.Opaque
	}
	if parsed.Host != "" {
		return filepath.Join(parsed.Host, filepath.FromSlash(parsed.Path))
	}
	return parsed.Path
}

// JSONFileBackend stores the snapshot as one JSON file, written atomically.
type JSONFileBackend struct {
	mu   sync.Mutex
	path string
}

func NewJSONFileBackend(path string) *JSONFileBackend {
	return &JSONFileBackend{path: path}
}

func (b *JSONFileBackend) Load() (*Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (b *JSONFileBackend) Save(snap *Snapshot) error {
	if snap == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(b.path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return writeFileAtomic(b.path, data, 0o644)
}

func (b *JSONFileBackend) Close() error { return nil }

// MemoryBackend keeps the snapshot in memory, deep-copied through JSON so
// callers cannot alias the stored maps.
type MemoryBackend struct {
	mu       sync.Mutex
	snapshot *Snapshot
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (b *MemoryBackend) Load() (*Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snapshot == nil {
		return nil, nil
	}
	return cloneSnapshot(b.snapshot)
}

func (b *MemoryBackend) Save(snap *Snapshot) error {
	if snap == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	clone, err := cloneSnapshot(snap)
	if err != nil {
		return err
	}
	b.snapshot = clone
	return nil
}

func (b *MemoryBackend) Close() error { return nil }

func cloneSnapshot(snap *Snapshot) (*Snapshot, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}
	var clone Snapshot
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, err
	}
	return &clone, nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
