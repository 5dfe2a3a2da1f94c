// Package engine implements the two-way synchronization core: a reconciler
// that projects the remote group/collection hierarchy onto local folders, an
// incremental item puller, and a mirror that replays local mutations as
// remote calls. One engine goroutine consumes both sync triggers and local
// mutation events, so passes and mirror handling never interleave.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/marksync/marksync/internal/bookmarks"
	"github.com/marksync/marksync/internal/raindrop"
	"github.com/marksync/marksync/internal/state"
)

var ErrSyncInProgress = errors.New("sync already in progress")

// failureLogInterval bounds how often the same class of pass failure is
// logged, so a flapping remote does not flood the daemon log.
const failureLogInterval = 5 * time.Minute

// Remote is the slice of the remote service the engine consumes.
// *raindrop.Client satisfies it.
type Remote interface {
	User(ctx context.Context) (raindrop.User, error)
	RootCollections(ctx context.Context) ([]raindrop.Collection, error)
	ChildCollections(ctx context.Context) ([]raindrop.Collection, error)
	Raindrops(ctx context.Context, collectionID int64, page int) ([]raindrop.Item, error)
	CreateItem(ctx context.Context, item raindrop.Item) (raindrop.Item, error)
	CreateItems(ctx context.Context, items []raindrop.Item) ([]raindrop.Item, error)
	UpdateItem(ctx context.Context, id int64, update raindrop.ItemUpdate) error
	DeleteItem(ctx context.Context, id int64) error
	CreateCollection(ctx context.Context, title string, parentID int64) (raindrop.Collection, error)
	UpdateCollection(ctx context.Context, id int64, update raindrop.CollectionUpdate) error
	DeleteCollection(ctx context.Context, id int64) error
	UpdateGroups(ctx context.Context, groups []raindrop.Group) error
}

type Logger interface {
	Printf(format string, args ...any)
}

// StatusSink receives engine progress notifications. Implementations must not
// block; the engine publishes from its run loop.
type StatusSink interface {
	Publish(kind string, data any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

type nopSink struct{}

func (nopSink) Publish(string, any) {}

type Options struct {
	Remote Remote
	Store  bookmarks.Store
	States *state.Store

	Logger Logger
	Status StatusSink

	// RootFolder is the title of the managed root folder; UnsortedFolder the
	// title of the folder mapped to the reserved unsorted collection.
	RootFolder     string
	UnsortedFolder string
	// ParentFolderID is the mount point the root folder is created under.
	ParentFolderID string

	PageSize       int
	SuppressionTTL time.Duration
}

// SyncResult summarizes one full pass.
type SyncResult struct {
	StartedAt      time.Time `json:"startedAt"`
	Duration       string    `json:"duration"`
	FoldersChanged bool      `json:"foldersChanged"`
	ItemsCreated   int       `json:"itemsCreated"`
	ItemsUpdated   int       `json:"itemsUpdated"`
	ItemsMoved     int       `json:"itemsMoved"`
	ItemsRemoved   int       `json:"itemsRemoved"`
	Checkpoint     string    `json:"checkpoint"`
	Error          string    `json:"error,omitempty"`
}

// Status is a point-in-time view of the engine for reporting.
type Status struct {
	LastSync     string      `json:"lastSync"`
	RootFolderID string      `json:"rootFolderId"`
	Collections  int         `json:"collections"`
	Groups       int         `json:"groups"`
	Items        int         `json:"items"`
	LastResult   *SyncResult `json:"lastResult,omitempty"`
}

type jobKind int

const (
	jobSync jobKind = iota
	jobReset
)

type job struct {
	kind jobKind
}

// Engine owns the correlation state and serializes sync passes and mirror
// event handling through one goroutine. Construct with New; independent
// instances carry no shared globals.
type Engine struct {
	remote Remote
	store  bookmarks.Store
	states *state.Store
	logger Logger
	status StatusSink

	rootTitle      string
	unsortedTitle  string
	parentFolderID string
	pageSize       int

	// suppressedURLs holds URLs of bookmarks the engine just created from a
	// pull, so the mirror does not replay its own writes. engineWrites marks
	// node ids the engine mutated, covering rename/move/remove echoes.
	suppressedURLs *ttlSet
	engineWrites   *writeMarks

	jobs chan job

	mu          sync.Mutex
	syncPending bool
	lastResult  *SyncResult
	statusView  Status

	st *state.State

	// now is the clock, replaced in tests.
	now func() time.Time

	// Failure log debounce state, touched only by the pass runner.
	failLogClass string
	failLogAt    time.Time
}

func New(opts Options) (*Engine, error) {
	if opts.Remote == nil || opts.Store == nil || opts.States == nil {
		return nil, errors.New("engine: remote, store and states are required")
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger{}
	}
	if opts.Status == nil {
		opts.Status = nopSink{}
	}
	if opts.RootFolder == "" {
		opts.RootFolder = "Raindrop"
	}
	if opts.UnsortedFolder == "" {
		opts.UnsortedFolder = "Unsorted"
	}
	if opts.PageSize <= 0 {
		opts.PageSize = raindrop.PerPage
	}
	if opts.SuppressionTTL <= 0 {
		opts.SuppressionTTL = 120 * time.Second
	}
	return &Engine{
		remote:         opts.Remote,
		store:          opts.Store,
		states:         opts.States,
		logger:         opts.Logger,
		status:         opts.Status,
		rootTitle:      opts.RootFolder,
		unsortedTitle:  opts.UnsortedFolder,
		parentFolderID: opts.ParentFolderID,
		pageSize:       opts.PageSize,
		suppressedURLs: newTTLSet(opts.SuppressionTTL),
		engineWrites:   newWriteMarks(opts.SuppressionTTL),
		jobs:           make(chan job, 16),
		now:            time.Now,
	}, nil
}

// Run is the engine's main loop. It consumes local mutation events and queued
// sync/reset jobs until the context is cancelled. All state access happens on
// this goroutine.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.ensureState(); err != nil {
		return err
	}
	events := e.store.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt := <-events:
			e.handleEvent(ctx, evt)
		case j := <-e.jobs:
			switch j.kind {
			case jobSync:
				e.runSync(ctx)
			case jobReset:
				e.runReset(ctx)
			}
		}
	}
}

// TriggerSync queues a full pass. Overlapping triggers collapse: while one
// pass is queued or running, further triggers report false and do nothing.
func (e *Engine) TriggerSync() bool {
	e.mu.Lock()
	if e.syncPending {
		e.mu.Unlock()
		return false
	}
	e.syncPending = true
	e.mu.Unlock()

	select {
	case e.jobs <- job{kind: jobSync}:
		return true
	default:
		e.mu.Lock()
		e.syncPending = false
		e.mu.Unlock()
		return false
	}
}

// TriggerReset queues a checkpoint reset followed by a full resync.
func (e *Engine) TriggerReset() bool {
	select {
	case e.jobs <- job{kind: jobReset}:
		return true
	default:
		return false
	}
}

// SyncOnce runs a single full pass synchronously. Meant for one-shot callers
// that do not run the event loop; do not mix with a concurrent Run.
func (e *Engine) SyncOnce(ctx context.Context) (SyncResult, error) {
	if err := e.ensureState(); err != nil {
		return SyncResult{}, err
	}
	e.mu.Lock()
	if e.syncPending {
		e.mu.Unlock()
		return SyncResult{}, ErrSyncInProgress
	}
	e.syncPending = true
	e.mu.Unlock()
	return e.runSync(ctx)
}

// ResetOnce clears the pull checkpoint so the next pass performs a full pull.
func (e *Engine) ResetOnce(ctx context.Context) error {
	if err := e.ensureState(); err != nil {
		return err
	}
	e.runReset(ctx)
	return nil
}

// Status reports the correlation counts and the last pass result. Safe to
// call from any goroutine: it reads a snapshot the run loop maintains, never
// the live correlation maps.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.statusView
	s.LastResult = e.lastResult
	return s
}

// refreshStatus republishes the guarded status snapshot. Called by the
// goroutine that owns e.st after every mutation batch.
func (e *Engine) refreshStatus() {
	var view Status
	if e.st != nil {
		view.LastSync = e.st.LastSync
		view.RootFolderID = e.st.RootFolderID
		view.Collections = e.st.Collections.Len()
		view.Groups = e.st.Groups.Len()
		view.Items = e.st.Items.Len()
	}
	e.mu.Lock()
	e.statusView = view
	e.mu.Unlock()
}

func (e *Engine) ensureState() error {
	if e.st != nil {
		return nil
	}
	st, err := e.states.Load()
	if err != nil {
		return err
	}
	if e.parentFolderID == "" {
		e.parentFolderID = st.ParentFolderID
	}
	st.ParentFolderID = e.parentFolderID
	e.st = st
	e.refreshStatus()
	return nil
}

func (e *Engine) runSync(ctx context.Context) (SyncResult, error) {
	started := time.Now()
	result, err := e.syncPass(ctx)
	result.StartedAt = started
	result.Duration = time.Since(started).Round(time.Millisecond).String()
	if err != nil {
		result.Error = err.Error()
		e.logPassFailure(err)
	} else {
		e.failLogClass = ""
	}

	e.mu.Lock()
	e.syncPending = false
	e.lastResult = &result
	e.mu.Unlock()

	e.refreshStatus()
	e.status.Publish("sync", result)
	return result, err
}

// logPassFailure logs a failed pass at most once per failureLogInterval for
// the same failure class. Auth failures need the user to act; everything else
// is a transient sync failure.
func (e *Engine) logPassFailure(err error) {
	class := "sync failed"
	if errors.Is(err, raindrop.ErrAuthMissing) || errors.Is(err, raindrop.ErrAuthInvalid) {
		class = "action required"
	}
	if class == e.failLogClass && e.now().Sub(e.failLogAt) < failureLogInterval {
		return
	}
	e.failLogClass = class
	e.failLogAt = e.now()
	e.logger.Printf("sync: %s: %v", class, err)
}

func (e *Engine) runReset(ctx context.Context) {
	e.st.LastSync = ""
	if err := e.states.Save(e.st); err != nil {
		e.logger.Printf("sync: reset: save state: %v", err)
		return
	}
	e.logger.Printf("sync: checkpoint cleared, next pass will pull everything")
	e.refreshStatus()
	e.status.Publish("reset", nil)
}

// syncPass runs one full pass: concurrent index fetches, folder
// reconciliation, then the item pull. State is persisted even when the pull
// fails partway, since the maps reflect mutations already performed.
func (e *Engine) syncPass(ctx context.Context) (SyncResult, error) {
	var (
		user     raindrop.User
		roots    []raindrop.Collection
		children []raindrop.Collection
		errs     [3]error
	)
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		user, errs[0] = e.remote.User(ctx)
	}()
	go func() {
		defer wg.Done()
		roots, errs[1] = e.remote.RootCollections(ctx)
	}()
	go func() {
		defer wg.Done()
		children, errs[2] = e.remote.ChildCollections(ctx)
	}()
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return SyncResult{}, err
		}
	}

	idx := BuildIndex(user.Groups, roots, children)
	result := SyncResult{}
	result.FoldersChanged = e.reconcileFolders(ctx, idx)

	pullErr := e.pullItems(ctx, idx, &result)
	result.Checkpoint = e.st.LastSync

	if err := e.states.Save(e.st); err != nil {
		if pullErr != nil {
			return result, pullErr
		}
		return result, err
	}
	return result, pullErr
}

// attempt runs one entity-level step, logging and swallowing its error so a
// single failed entity cannot abort the surrounding loop.
func (e *Engine) attempt(what string, fn func() error) bool {
	if err := fn(); err != nil {
		e.logger.Printf("sync: %s: %v", what, err)
		return false
	}
	return true
}

func (e *Engine) saveState(what string) {
	if err := e.states.Save(e.st); err != nil {
		e.logger.Printf("sync: %s: save state: %v", what, err)
	}
}
