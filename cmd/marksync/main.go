// Command marksync runs one-shot operations against the configured sync
// setup: a single sync pass, a checkpoint reset, or an HTML export of the
// remote bookmarks.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/marksync/marksync/internal/bookmarks"
	"github.com/marksync/marksync/internal/config"
	"github.com/marksync/marksync/internal/engine"
	"github.com/marksync/marksync/internal/raindrop"
	"github.com/marksync/marksync/internal/state"
)

func main() {
	configPath := flag.String("config", strings.TrimSpace(os.Getenv("MARKSYNC_CONFIG")), "config file path")
	token := flag.String("token", "", "bearer token (overrides config)")
	baseURL := flag.String("base-url", "", "remote API base URL (overrides config)")
	database := flag.String("db", "", "bookmark database path (overrides config)")
	stateDSN := flag.String("state", "", "state DSN (overrides config)")
	out := flag.String("out", "raindrop-export.html", "output path for the export action")
	collection := flag.Int64("collection", raindrop.CollectionAll, "collection id for the export action")
	timeout := flag.Duration("timeout", 5*time.Minute, "operation timeout")
	flag.Parse()

	action := "sync"
	if flag.NArg() > 0 {
		action = flag.Arg(0)
	}

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
	if strings.TrimSpace(cfg.Token) == "" {
		log.Fatalf("token is required (--token, MARKSYNC_TOKEN or config)")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client := raindrop.NewClient(cfg.BaseURL, cfg.Token, &http.Client{Timeout: 30 * time.Second})

	switch action {
	case "sync", "reset":
		store, err := bookmarks.OpenSQLiteStore(cfg.Database)
		if err != nil {
			log.Fatalf("open bookmark store: %v", err)
		}
		defer store.Close()
		backend, err := state.OpenBackend(cfg.State)
		if err != nil {
			log.Fatalf("open state backend: %v", err)
		}
		states := state.NewStore(backend)
		defer states.Close()

		eng, err := engine.New(engine.Options{
			Remote:         client,
			Store:          store,
			States:         states,
			Logger:         log.Default(),
			RootFolder:     cfg.RootFolder,
			UnsortedFolder: cfg.UnsortedFolder,
		})
		if err != nil {
			log.Fatalf("initialize engine: %v", err)
		}

		if action == "reset" {
			if err := eng.ResetOnce(ctx); err != nil {
				log.Fatalf("reset failed: %v", err)
			}
			fmt.Println("checkpoint cleared; next sync will pull everything")
			return
		}
		result, err := eng.SyncOnce(ctx)
		if err != nil {
			log.Fatalf("sync failed: %v", err)
		}
		fmt.Printf("synced in %s: folders changed=%v created=%d updated=%d moved=%d removed=%d\n",
			result.Duration, result.FoldersChanged, result.ItemsCreated, result.ItemsUpdated, result.ItemsMoved, result.ItemsRemoved)

	case "export":
		payload, err := client.ExportHTML(ctx, *collection)
		if err != nil {
			log.Fatalf("export failed: %v", err)
		}
		if err := os.WriteFile(*out, payload, 0o644); err != nil {
			log.Fatalf("write export: %v", err)
		}
		fmt.Printf("exported %d bytes to %s\n", len(payload), *out)

	default:
		log.Fatalf("unknown action %q (expected sync, reset or export)", action)
	}
}
