package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/marksync/marksync/internal/bookmarks"
	"github.com/marksync/marksync/internal/config"
	"github.com/marksync/marksync/internal/engine"
	"github.com/marksync/marksync/internal/raindrop"
	"github.com/marksync/marksync/internal/state"
	"github.com/marksync/marksync/internal/statusapi"
	"github.com/marksync/marksync/internal/watch"
)

// statusRelay lets the engine be constructed before the status server that
// will consume its events.
type statusRelay struct {
	mu   sync.Mutex
	sink engine.StatusSink
}

func (r *statusRelay) Publish(kind string, data any) {
	r.mu.Lock()
	sink := r.sink
	r.mu.Unlock()
	if sink != nil {
		sink.Publish(kind, data)
	}
}

func (r *statusRelay) set(sink engine.StatusSink) {
	r.mu.Lock()
	r.sink = sink
	r.mu.Unlock()
}

func main() {
	configPath := flag.String("config", strings.TrimSpace(os.Getenv("MARKSYNC_CONFIG")), "config file path")
	token := flag.String("token", "", "bearer token (overrides config)")
	baseURL := flag.String("base-url", "", "remote API base URL (overrides config)")
	database := flag.String("db", "", "bookmark database path (overrides config)")
	stateDSN := flag.String("state", "", "state DSN (overrides config)")
	interval := flag.Duration("interval", 0, "sync interval (overrides config)")
	intervalJitter := flag.Float64("interval-jitter", 0.2, "sync interval jitter ratio (0.0-1.0)")
	statusAddr := flag.String("status-addr", "", "status API listen address (overrides config)")
	logFile := flag.String("log-file", "", "log file path (overrides config; empty logs to stderr)")
	watchDebounce := flag.Duration("watch-debounce", 2*time.Second, "database watch debounce")
	once := flag.Bool("once", false, "run one sync pass and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *token != "" {
		cfg.Token = *token
	}
	if *baseURL != "" {
		cfg.BaseURL = *baseURL
	}
	if *database != "" {
		cfg.Database = *database
	}
	if *stateDSN != "" {
		cfg.State = *stateDSN
	}
	if *statusAddr != "" {
		cfg.StatusAddr = *statusAddr
	}
	if *logFile != "" {
		cfg.LogFile = *logFile
	}
	syncInterval, _ := cfg.SyncInterval()
	if *interval > 0 {
		syncInterval = *interval
	}
	if strings.TrimSpace(cfg.Token) == "" {
		log.Fatalf("token is required (--token, MARKSYNC_TOKEN or config)")
	}

	logger := log.New(logOutput(cfg.LogFile), "marksyncd ", log.LstdFlags)

	store, err := bookmarks.OpenSQLiteStore(cfg.Database)
	if err != nil {
		logger.Fatalf("open bookmark store: %v", err)
	}
	defer store.Close()

	backend, err := state.OpenBackend(cfg.State)
	if err != nil {
		logger.Fatalf("open state backend: %v", err)
	}
	states := state.NewStore(backend)
	defer states.Close()

	client := raindrop.NewClient(cfg.BaseURL, cfg.Token, &http.Client{Timeout: 30 * time.Second})
	relay := &statusRelay{}
	eng, err := engine.New(engine.Options{
		Remote:         client,
		Store:          store,
		States:         states,
		Logger:         logger,
		Status:         relay,
		RootFolder:     cfg.RootFolder,
		UnsortedFolder: cfg.UnsortedFolder,
	})
	if err != nil {
		logger.Fatalf("initialize engine: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *once {
		result, err := eng.SyncOnce(rootCtx)
		if err != nil {
			logger.Fatalf("sync failed: %v", err)
		}
		logger.Printf("sync completed in %s: folders changed=%v created=%d updated=%d moved=%d removed=%d",
			result.Duration, result.FoldersChanged, result.ItemsCreated, result.ItemsUpdated, result.ItemsMoved, result.ItemsRemoved)
		return
	}

	if cfg.StatusAddr != "" {
		srv := statusapi.NewServer(statusapi.Options{Addr: cfg.StatusAddr, Engine: eng, Logger: logger})
		if err := srv.Start(); err != nil {
			logger.Fatalf("start status api: %v", err)
		}
		relay.set(srv)
		defer srv.Stop()
	}

	watcher, err := watch.New(cfg.Database, *watchDebounce, func() { eng.TriggerSync() }, logger)
	if err != nil {
		logger.Fatalf("initialize watcher: %v", err)
	}
	if err := watcher.Start(); err != nil {
		logger.Fatalf("start watcher: %v", err)
	}
	defer watcher.Stop()

	done := make(chan error, 1)
	go func() { done <- eng.Run(rootCtx) }()

	eng.TriggerSync()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(syncInterval, *intervalJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Fatalf("engine stopped: %v", err)
			}
			logger.Printf("engine stopped")
			return
		case <-rootCtx.Done():
			logger.Printf("shutting down: %v", rootCtx.Err())
			<-done
			return
		case <-timer.C:
			eng.TriggerSync()
			timer.Reset(jitteredIntervalWithSample(syncInterval, *intervalJitter, rng.Float64()))
		}
	}
}

func logOutput(path string) io.Writer {
	if strings.TrimSpace(path) == "" {
		return os.Stderr
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10,
		MaxBackups: 5,
		MaxAge:     28,
	}
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
