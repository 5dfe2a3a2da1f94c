package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/marksync/marksync/internal/bookmarks"
	"github.com/marksync/marksync/internal/raindrop"
)

// pullItems applies remote item changes since the stored checkpoint: an
// active-items phase creating and updating local bookmarks, then a trash
// phase pruning them. The trash phase is skipped entirely on an initial sync.
// A page fetch failure aborts the pull and leaves the checkpoint untouched:
// advancing past unfetched pages would skip their items forever, while
// re-applying already-pulled items is idempotent. Per-item failures do not
// abort.
func (e *Engine) pullItems(ctx context.Context, idx *Index, result *SyncResult) error {
	checkpoint := e.st.LastSync
	initial := checkpoint == ""
	passStart := e.now().UTC().Format(time.RFC3339)
	maxSeen := checkpoint

	// Per-folder insertion counters approximate remote ordering on
	// incremental moves without re-sorting whole folders.
	insertAt := make(map[string]int)

	err := e.walkPages(ctx, raindrop.CollectionAll, checkpoint, func(item raindrop.Item) {
		maxSeen = laterTimestamp(maxSeen, item.LastUpdate)
		e.attempt(fmt.Sprintf("pull item %d", item.ID), func() error {
			return e.applyActiveItem(ctx, item, initial, insertAt, result)
		})
	})
	if err != nil {
		return err
	}

	if !initial {
		err = e.walkPages(ctx, raindrop.CollectionTrash, checkpoint, func(item raindrop.Item) {
			maxSeen = laterTimestamp(maxSeen, item.LastUpdate)
			e.attempt(fmt.Sprintf("prune trashed item %d", item.ID), func() error {
				return e.applyTrashedItem(ctx, item, result)
			})
		})
		if err != nil {
			return err
		}
	}

	next := laterTimestamp(checkpoint, maxSeen)
	if next == "" {
		// Zero items carried a timestamp. Anchor at the pass start so the
		// next pass still leaves initial mode and starts pruning trash.
		next = passStart
	}
	e.st.LastSync = next
	return nil
}

// walkPages pages through a listing newest-first, stopping at the first item
// at or before the checkpoint or at a short page.
func (e *Engine) walkPages(ctx context.Context, collectionID int64, checkpoint string, visit func(raindrop.Item)) error {
	for page := 0; ; page++ {
		items, err := e.remote.Raindrops(ctx, collectionID, page)
		if err != nil {
			return err
		}
		for _, item := range items {
			if reachedCheckpoint(item.LastUpdate, checkpoint) {
				return nil
			}
			visit(item)
		}
		if len(items) < e.pageSize {
			return nil
		}
	}
}

func (e *Engine) applyActiveItem(ctx context.Context, item raindrop.Item, initial bool, insertAt map[string]int, result *SyncResult) error {
	target, ok := e.targetFolder(ctx, item.CollectionID())
	if !ok {
		// The mapped folder went away between reconcile and pull; do not
		// orphan a bookmark.
		return nil
	}

	if localID, mapped := e.st.Items.Get(item.ID); mapped {
		node, err := e.store.Get(ctx, localID)
		if errors.Is(err, bookmarks.ErrNotFound) {
			e.st.Items.Delete(item.ID)
		} else if err != nil {
			return err
		} else {
			if node.Title != item.Title || node.URL != item.Link {
				if err := e.store.Update(ctx, node.ID, item.Title, item.Link); err != nil {
					return err
				}
				e.engineWrites.add(node.ID)
				result.ItemsUpdated++
			}
			if node.ParentID != target {
				index := -1
				if !initial {
					index = insertAt[target]
					insertAt[target]++
				}
				if err := e.store.Move(ctx, node.ID, target, index); err != nil {
					return err
				}
				e.engineWrites.add(node.ID)
				result.ItemsMoved++
			}
			return nil
		}
	}

	// Uncorrelated: reuse a same-URL bookmark in the target folder before
	// creating a duplicate.
	if existing, found := e.childBookmarkByURL(ctx, target, item.Link); found {
		e.st.Items.Put(item.ID, existing.ID)
		if existing.Title != item.Title {
			if err := e.store.Update(ctx, existing.ID, item.Title, item.Link); err != nil {
				return err
			}
			e.engineWrites.add(existing.ID)
			result.ItemsUpdated++
		}
		return nil
	}
	node, err := e.store.Create(ctx, target, item.Title, item.Link)
	if err != nil {
		return err
	}
	e.engineWrites.add(node.ID)
	e.suppressedURLs.add(item.Link)
	e.st.Items.Put(item.ID, node.ID)
	result.ItemsCreated++
	return nil
}

func (e *Engine) applyTrashedItem(ctx context.Context, item raindrop.Item, result *SyncResult) error {
	if localID, mapped := e.st.Items.Get(item.ID); mapped {
		err := e.store.Remove(ctx, localID)
		if err != nil && !errors.Is(err, bookmarks.ErrNotFound) {
			return err
		}
		e.engineWrites.add(localID)
		e.st.Items.Delete(item.ID)
		result.ItemsRemoved++
		return nil
	}
	// No correlation; best effort against a same-URL bookmark in the item's
	// mapped folder.
	target, ok := e.targetFolder(ctx, item.CollectionID())
	if !ok {
		return nil
	}
	if node, found := e.childBookmarkByURL(ctx, target, item.Link); found {
		err := e.store.Remove(ctx, node.ID)
		if err != nil && !errors.Is(err, bookmarks.ErrNotFound) {
			return err
		}
		e.engineWrites.add(node.ID)
		result.ItemsRemoved++
	}
	return nil
}

// targetFolder resolves an item's collection id to a live local folder. The
// reserved unsorted id resolves through the same correlation map.
func (e *Engine) targetFolder(ctx context.Context, collectionID int64) (string, bool) {
	node, ok := e.liveFolder(ctx, collectionID)
	if !ok {
		return "", false
	}
	return node.ID, true
}

func (e *Engine) childBookmarkByURL(ctx context.Context, parentID, url string) (bookmarks.Node, bool) {
	if url == "" {
		return bookmarks.Node{}, false
	}
	children, err := e.store.Children(ctx, parentID)
	if err != nil {
		return bookmarks.Node{}, false
	}
	for _, child := range children {
		if !child.IsFolder() && child.URL == url {
			return child, true
		}
	}
	return bookmarks.Node{}, false
}

func parseTimestamp(s string) (time.Time, bool) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// reachedCheckpoint reports whether ts is at or before the checkpoint.
// Unparsable timestamps count as newer so odd data is processed rather than
// silently skipped.
func reachedCheckpoint(ts, checkpoint string) bool {
	if checkpoint == "" {
		return false
	}
	t, ok := parseTimestamp(ts)
	if !ok {
		return false
	}
	c, ok := parseTimestamp(checkpoint)
	if !ok {
		return false
	}
	return !t.After(c)
}

// laterTimestamp picks the later of two RFC3339 timestamps, tolerating empty
// or unparsable values.
func laterTimestamp(a, b string) string {
	ta, okA := parseTimestamp(a)
	tb, okB := parseTimestamp(b)
	switch {
	case okA && okB:
		if tb.After(ta) {
			return b
		}
		return a
	case okA:
		return a
	case okB:
		return b
	default:
		return a
	}
}
