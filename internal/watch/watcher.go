// Package watch triggers sync passes when the bookmark database file changes
// on disk, so edits made by other processes are picked up without waiting for
// the scheduled interval.
package watch

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 2 * time.Second

type Logger interface {
	Printf(format string, args ...any)
}

// Watcher monitors one database file through its parent directory. Bursts of
// writes collapse into a single trigger after a quiet period.
type Watcher struct {
	path     string
	debounce time.Duration
	trigger  func()
	logger   Logger

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	running bool
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

func New(path string, debounce time.Duration, trigger func(), logger Logger) (*Watcher, error) {
	if trigger == nil {
		return nil, fmt.Errorf("watch: trigger callback is required")
	}
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	if logger == nil {
		logger = nopLogger{}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}
	return &Watcher{
		path:     abs,
		debounce: debounce,
		trigger:  trigger,
		logger:   logger,
		watcher:  fsw,
		done:     make(chan struct{}),
	}, nil
}

// Start watches the file's directory. Watching the directory instead of the
// file survives replace-by-rename writes.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("watch: already running")
	}
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	w.running = true
	w.wg.Add(1)
	go w.loop()
	return nil
}

func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.matches(event) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				fire = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
		case <-fire:
			timer = nil
			fire = nil
			w.trigger()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Printf("watch: %v", err)
		}
	}
}

// matches accepts write-like events on the database file or its SQLite
// sidecar files (-wal, -journal).
func (w *Watcher) matches(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return false
	}
	abs, err := filepath.Abs(event.Name)
	if err != nil {
		return false
	}
	if abs == w.path {
		return true
	}
	return strings.HasPrefix(abs, w.path+"-")
}
