package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/marksync/marksync/internal/bookmarks"
	"github.com/marksync/marksync/internal/raindrop"
)

// deletedFolderTitle marks the tree store's trash. A root folder found below
// such a folder counts as deleted and triggers a reset.
const deletedFolderTitle = "Deleted"

// reconcileFolders drives the local folder tree toward the shape implied by
// the index. It never fails; individual entity errors are logged and skipped.
// Reports whether any mutating call was issued, so an unchanged remote yields
// false on a rerun.
func (e *Engine) reconcileFolders(ctx context.Context, idx *Index) bool {
	changed := false
	if e.ensureRoot(ctx) {
		changed = true
	}
	if e.st.RootFolderID == "" {
		return changed
	}
	if e.ensureUnsorted(ctx) {
		changed = true
	}
	if e.reconcileGroups(ctx, idx) {
		changed = true
	}
	if e.reconcileCollections(ctx, idx) {
		changed = true
	}
	if e.applyCollectionOrdering(ctx, idx) {
		changed = true
	}
	if e.sweepStaleCollections(ctx, idx) {
		changed = true
	}
	return changed
}

// ensureRoot guarantees exactly one live root folder under the mount point.
// A missing root, or one buried under a trash folder, is recreated and the
// checkpoint cleared so the next pull is a full one.
func (e *Engine) ensureRoot(ctx context.Context) bool {
	if e.st.RootFolderID != "" {
		node, err := e.store.Get(ctx, e.st.RootFolderID)
		if err == nil && node.IsFolder() && !e.underTrash(ctx, node) {
			return false
		}
	}
	node, err := e.store.Create(ctx, e.parentFolderID, e.rootTitle, "")
	if err != nil {
		e.logger.Printf("sync: create root folder: %v", err)
		return false
	}
	e.engineWrites.add(node.ID)
	e.st.RootFolderID = node.ID
	e.st.LastSync = ""
	return true
}

func (e *Engine) underTrash(ctx context.Context, node bookmarks.Node) bool {
	visited := map[string]bool{node.ID: true}
	id := node.ParentID
	for id != bookmarks.RootID {
		if visited[id] {
			return false
		}
		visited[id] = true
		parent, err := e.store.Get(ctx, id)
		if err != nil {
			return false
		}
		if parent.Title == deletedFolderTitle {
			return true
		}
		id = parent.ParentID
	}
	return false
}

// ensureUnsorted keeps the folder mapped to the reserved unsorted collection
// alive and pinned as the first child of the root.
func (e *Engine) ensureUnsorted(ctx context.Context) bool {
	changed := false
	node, ok := e.liveFolder(ctx, raindrop.CollectionUnsorted)
	if !ok {
		if found, adopted := e.childFolderByTitle(ctx, e.st.RootFolderID, e.unsortedTitle); adopted {
			node = found
		} else {
			created, err := e.store.Create(ctx, e.st.RootFolderID, e.unsortedTitle, "")
			if err != nil {
				e.logger.Printf("sync: create unsorted folder: %v", err)
				return changed
			}
			e.engineWrites.add(created.ID)
			node = created
			changed = true
		}
		e.st.Collections.Put(raindrop.CollectionUnsorted, node.ID)
	}
	if node.ParentID != e.st.RootFolderID || node.Index != 0 {
		if e.attempt("pin unsorted folder first", func() error {
			return e.store.Move(ctx, node.ID, e.st.RootFolderID, 0)
		}) {
			e.engineWrites.add(node.ID)
			changed = true
		}
	}
	return changed
}

func (e *Engine) reconcileGroups(ctx context.Context, idx *Index) bool {
	changed := false
	seen := make(map[string]bool, len(idx.Groups))
	for i, group := range idx.Groups {
		seen[group.Title] = true
		node, ok := e.liveGroupFolder(ctx, group.Title)
		if !ok {
			if found, adopted := e.childFolderByTitle(ctx, e.st.RootFolderID, group.Title); adopted && !e.correlated(found.ID) {
				node = found
			} else {
				created, err := e.store.Create(ctx, e.st.RootFolderID, group.Title, "")
				if err != nil {
					e.logger.Printf("sync: create group folder %q: %v", group.Title, err)
					continue
				}
				e.engineWrites.add(created.ID)
				node = created
				changed = true
			}
			e.st.Groups.Put(group.Title, node.ID)
		}
		// Group folders follow the unsorted folder in group order.
		want := i + 1
		if node.ParentID != e.st.RootFolderID || node.Index != want {
			if e.attempt(fmt.Sprintf("order group folder %q", group.Title), func() error {
				return e.store.Move(ctx, node.ID, e.st.RootFolderID, want)
			}) {
				e.engineWrites.add(node.ID)
				changed = true
			}
		}
	}

	// A group title that vanished remotely is a tombstone, not a rename: the
	// whole subtree goes.
	for title, folderID := range e.st.Groups.Forward() {
		if seen[title] {
			continue
		}
		if e.attempt(fmt.Sprintf("remove group folder %q", title), func() error {
			err := e.store.RemoveTree(ctx, folderID)
			if errors.Is(err, bookmarks.ErrNotFound) {
				return nil
			}
			return err
		}) {
			e.engineWrites.add(folderID)
			e.st.Groups.Delete(title)
			changed = true
		}
	}
	return changed
}

// reconcileCollections walks collections parents-first, creating, renaming
// and moving folders so invariant holds: a collection folder's local parent
// is its parent collection's folder, or its group's folder, or the root.
func (e *Engine) reconcileCollections(ctx context.Context, idx *Index) bool {
	changed := false
	for _, id := range idx.CollectionIDs() {
		col := idx.Collections[id]
		if _, status := idx.RootCollectionID(id); status != WalkOK {
			if e.dropCollectionFolder(ctx, id) {
				changed = true
			}
			continue
		}
		parentFolder, ok := e.desiredParentFolder(idx, col)
		if !ok {
			// Parent collection was skipped above; this one is as good as
			// dangling.
			if e.dropCollectionFolder(ctx, id) {
				changed = true
			}
			continue
		}

		node, mapped := e.liveFolder(ctx, id)
		if !mapped {
			if found, adopted := e.childFolderByTitle(ctx, parentFolder, col.Title); adopted && !e.correlated(found.ID) {
				node = found
			} else {
				created, err := e.store.Create(ctx, parentFolder, col.Title, "")
				if err != nil {
					e.logger.Printf("sync: create folder for collection %d: %v", id, err)
					continue
				}
				e.engineWrites.add(created.ID)
				node = created
				changed = true
			}
			e.st.Collections.Put(id, node.ID)
		}

		if node.Title != col.Title {
			if e.attempt(fmt.Sprintf("rename folder for collection %d", id), func() error {
				return e.store.Update(ctx, node.ID, col.Title, "")
			}) {
				e.engineWrites.add(node.ID)
				changed = true
			}
		}
		if node.ParentID != parentFolder {
			if e.attempt(fmt.Sprintf("reparent folder for collection %d", id), func() error {
				return e.store.Move(ctx, node.ID, parentFolder, -1)
			}) {
				e.engineWrites.add(node.ID)
				changed = true
			}
		}
	}
	return changed
}

func (e *Engine) desiredParentFolder(idx *Index, col raindrop.Collection) (string, bool) {
	if pid := col.ParentID(); pid != 0 {
		return e.st.Collections.Get(pid)
	}
	title, status := idx.GroupTitle(col.ID)
	if status != WalkOK {
		return "", false
	}
	if title != "" {
		if folderID, ok := e.st.Groups.Get(title); ok {
			return folderID, true
		}
	}
	return e.st.RootFolderID, true
}

// applyCollectionOrdering enforces ordering in two passes: root collections
// follow their group's collection id order, descendants follow ascending sort
// index within their parent. Only folders whose observed index differs are
// moved.
func (e *Engine) applyCollectionOrdering(ctx context.Context, idx *Index) bool {
	changed := false
	for _, group := range idx.Groups {
		for i, cid := range group.Collections {
			if e.moveFolderToIndex(ctx, cid, i) {
				changed = true
			}
		}
	}
	for _, pid := range idx.CollectionIDs() {
		for i, kid := range idx.ChildrenOf(pid) {
			if e.moveFolderToIndex(ctx, kid.ID, i) {
				changed = true
			}
		}
	}
	return changed
}

func (e *Engine) moveFolderToIndex(ctx context.Context, collectionID int64, index int) bool {
	node, ok := e.liveFolder(ctx, collectionID)
	if !ok || node.Index == index {
		return false
	}
	if !e.attempt(fmt.Sprintf("order folder for collection %d", collectionID), func() error {
		return e.store.Move(ctx, node.ID, node.ParentID, index)
	}) {
		return false
	}
	e.engineWrites.add(node.ID)
	return true
}

// sweepStaleCollections tombstones mappings whose collection is no longer
// part of the remote hierarchy. The reserved unsorted mapping is permanent.
func (e *Engine) sweepStaleCollections(ctx context.Context, idx *Index) bool {
	changed := false
	for rid, folderID := range e.st.Collections.Forward() {
		if rid == raindrop.CollectionUnsorted {
			continue
		}
		if _, ok := idx.Collections[rid]; ok {
			continue
		}
		if e.attempt(fmt.Sprintf("remove folder for vanished collection %d", rid), func() error {
			err := e.store.RemoveTree(ctx, folderID)
			if errors.Is(err, bookmarks.ErrNotFound) {
				return nil
			}
			return err
		}) {
			e.engineWrites.add(folderID)
			e.st.Collections.Delete(rid)
			changed = true
		}
	}
	return changed
}

func (e *Engine) dropCollectionFolder(ctx context.Context, collectionID int64) bool {
	folderID, ok := e.st.Collections.Get(collectionID)
	if !ok {
		return false
	}
	removed := e.attempt(fmt.Sprintf("remove folder for unresolvable collection %d", collectionID), func() error {
		err := e.store.RemoveTree(ctx, folderID)
		if errors.Is(err, bookmarks.ErrNotFound) {
			return nil
		}
		return err
	})
	if removed {
		e.engineWrites.add(folderID)
	}
	e.st.Collections.Delete(collectionID)
	return removed
}

// liveFolder resolves a collection mapping to an existing folder node,
// dropping the mapping when the local reference has gone stale.
func (e *Engine) liveFolder(ctx context.Context, collectionID int64) (bookmarks.Node, bool) {
	folderID, ok := e.st.Collections.Get(collectionID)
	if !ok {
		return bookmarks.Node{}, false
	}
	node, err := e.store.Get(ctx, folderID)
	if err != nil || !node.IsFolder() {
		e.st.Collections.Delete(collectionID)
		return bookmarks.Node{}, false
	}
	return node, true
}

func (e *Engine) liveGroupFolder(ctx context.Context, title string) (bookmarks.Node, bool) {
	folderID, ok := e.st.Groups.Get(title)
	if !ok {
		return bookmarks.Node{}, false
	}
	node, err := e.store.Get(ctx, folderID)
	if err != nil || !node.IsFolder() {
		e.st.Groups.Delete(title)
		return bookmarks.Node{}, false
	}
	return node, true
}

func (e *Engine) childFolderByTitle(ctx context.Context, parentID, title string) (bookmarks.Node, bool) {
	children, err := e.store.Children(ctx, parentID)
	if err != nil {
		return bookmarks.Node{}, false
	}
	for _, child := range children {
		if child.IsFolder() && child.Title == title {
			return child, true
		}
	}
	return bookmarks.Node{}, false
}

// correlated reports whether a local folder is already claimed by some
// mapping, so adoption by title cannot steal another entity's folder.
func (e *Engine) correlated(nodeID string) bool {
	if nodeID == e.st.RootFolderID {
		return true
	}
	if _, ok := e.st.Collections.GetInverse(nodeID); ok {
		return true
	}
	if _, ok := e.st.Groups.GetInverse(nodeID); ok {
		return true
	}
	return false
}
