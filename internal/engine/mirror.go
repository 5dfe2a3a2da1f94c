package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/marksync/marksync/internal/bookmarks"
	"github.com/marksync/marksync/internal/raindrop"
)

// ttlSet is a set whose members expire. Used to suppress the mirror's echo of
// the engine's own writes.
type ttlSet struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]time.Time
	now     func() time.Time
}

func newTTLSet(ttl time.Duration) *ttlSet {
	return &ttlSet{
		ttl:     ttl,
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (s *ttlSet) add(key string) {
	if key == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = s.now().Add(s.ttl)
}

func (s *ttlSet) contains(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, deadline := range s.entries {
		if now.After(deadline) {
			delete(s.entries, k)
		}
	}
	_, ok := s.entries[key]
	return ok
}

// writeMarks tracks pending event echoes of the engine's own writes, one
// mark per mutating call. The matching event consumes its mark, so a later
// genuine user action on the same node is still mirrored. The TTL is a
// safety net for events the store feed dropped.
type writeMarks struct {
	mu    sync.Mutex
	ttl   time.Duration
	marks map[string][]time.Time
	now   func() time.Time
}

func newWriteMarks(ttl time.Duration) *writeMarks {
	return &writeMarks{
		ttl:   ttl,
		marks: make(map[string][]time.Time),
		now:   time.Now,
	}
}

func (m *writeMarks) add(id string) {
	if id == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marks[id] = append(m.marks[id], m.now().Add(m.ttl))
}

// consume pops one unexpired mark for id, reporting whether one existed.
func (m *writeMarks) consume(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	pending := m.marks[id][:0]
	for _, deadline := range m.marks[id] {
		if now.Before(deadline) {
			pending = append(pending, deadline)
		}
	}
	if len(pending) == 0 {
		delete(m.marks, id)
		return false
	}
	pending = pending[1:]
	if len(pending) == 0 {
		delete(m.marks, id)
	} else {
		m.marks[id] = pending
	}
	return true
}

// handleEvent replays one local mutation as remote API calls. It runs on the
// engine goroutine, so it never interleaves with a sync pass. Every remote
// call is best effort: a failed mirror action must not block local editing.
func (e *Engine) handleEvent(ctx context.Context, evt bookmarks.Event) {
	if e.engineWrites.consume(evt.Node.ID) {
		return
	}
	switch evt.Kind {
	case bookmarks.EventCreated:
		e.onCreated(ctx, evt.Node)
	case bookmarks.EventRemoved:
		e.onRemoved(ctx, evt.Node)
	case bookmarks.EventChanged:
		e.onChanged(ctx, evt.Node)
	case bookmarks.EventMoved:
		e.onMoved(ctx, evt.Node)
	}
	e.refreshStatus()
}

func (e *Engine) onCreated(ctx context.Context, node bookmarks.Node) {
	if !node.IsFolder() && e.suppressedURLs.contains(node.URL) {
		return
	}
	if !e.underRoot(ctx, node.ParentID) {
		return
	}
	if node.IsFolder() {
		e.mirrorFolderCreated(ctx, node)
		return
	}
	collectionID := e.remoteParentOf(node.ParentID)
	e.attempt(fmt.Sprintf("mirror create bookmark %s", node.ID), func() error {
		created, err := e.remote.CreateItem(ctx, raindrop.Item{
			Title:      node.Title,
			Link:       node.URL,
			Collection: &raindrop.Ref{ID: collectionID},
		})
		if err != nil {
			return err
		}
		e.st.Items.Put(created.ID, node.ID)
		return nil
	})
	e.saveState("mirror create bookmark")
}

func (e *Engine) mirrorFolderCreated(ctx context.Context, node bookmarks.Node) {
	if _, ok := e.st.Collections.GetInverse(node.ID); ok {
		return
	}
	if _, ok := e.st.Groups.GetInverse(node.ID); ok {
		return
	}

	parentCollection := int64(0)
	groupTitle := ""
	if title, ok := e.st.Groups.GetInverse(node.ParentID); ok {
		// New folder directly under a group folder becomes a root collection
		// appended to that group.
		groupTitle = title
	} else if cid, ok := e.st.Collections.GetInverse(node.ParentID); ok && cid != raindrop.CollectionUnsorted {
		parentCollection = cid
	}

	var createdID int64
	if !e.attempt(fmt.Sprintf("mirror create folder %s", node.ID), func() error {
		created, err := e.remote.CreateCollection(ctx, node.Title, parentCollection)
		if err != nil {
			return err
		}
		createdID = created.ID
		e.st.Collections.Put(created.ID, node.ID)
		return nil
	}) {
		return
	}
	if groupTitle != "" {
		e.attempt(fmt.Sprintf("append collection %d to group %q", createdID, groupTitle), func() error {
			return e.appendToGroup(ctx, groupTitle, createdID)
		})
	}
	e.mirrorExistingChildren(ctx, node.ID, createdID)
	e.saveState("mirror create folder")
}

// mirrorExistingChildren pushes bookmarks already sitting inside a newly
// correlated folder, in one bulk call. This covers folders moved into the
// managed subtree with content.
func (e *Engine) mirrorExistingChildren(ctx context.Context, folderID string, collectionID int64) {
	children, err := e.store.Children(ctx, folderID)
	if err != nil {
		return
	}
	var pending []raindrop.Item
	var locals []bookmarks.Node
	for _, child := range children {
		if child.IsFolder() {
			continue
		}
		if _, ok := e.st.Items.GetInverse(child.ID); ok {
			continue
		}
		pending = append(pending, raindrop.Item{
			Title:      child.Title,
			Link:       child.URL,
			Collection: &raindrop.Ref{ID: collectionID},
		})
		locals = append(locals, child)
	}
	if len(pending) == 0 {
		return
	}
	e.attempt(fmt.Sprintf("mirror %d bookmarks into collection %d", len(pending), collectionID), func() error {
		created, err := e.remote.CreateItems(ctx, pending)
		if err != nil {
			return err
		}
		for i, item := range created {
			if i >= len(locals) {
				break
			}
			e.st.Items.Put(item.ID, locals[i].ID)
			e.suppressedURLs.add(item.Link)
		}
		return nil
	})
}

func (e *Engine) appendToGroup(ctx context.Context, title string, collectionID int64) error {
	user, err := e.remote.User(ctx)
	if err != nil {
		return err
	}
	groups := user.Groups
	for i := range groups {
		if groups[i].Title == title {
			groups[i].Collections = append(groups[i].Collections, collectionID)
			return e.remote.UpdateGroups(ctx, groups)
		}
	}
	groups = append(groups, raindrop.Group{Title: title, Collections: []int64{collectionID}})
	return e.remote.UpdateGroups(ctx, groups)
}

func (e *Engine) onRemoved(ctx context.Context, node bookmarks.Node) {
	// A vanished root folder means a reset is in progress, not a deletion.
	if node.ID == e.st.RootFolderID {
		return
	}
	if itemID, ok := e.st.Items.GetInverse(node.ID); ok {
		e.attempt(fmt.Sprintf("mirror delete item %d", itemID), func() error {
			return e.remote.DeleteItem(ctx, itemID)
		})
		e.st.Items.Delete(itemID)
		e.saveState("mirror delete item")
		return
	}
	if cid, ok := e.st.Collections.GetInverse(node.ID); ok {
		if cid != raindrop.CollectionUnsorted {
			e.attempt(fmt.Sprintf("mirror delete collection %d", cid), func() error {
				return e.remote.DeleteCollection(ctx, cid)
			})
		}
		e.st.Collections.Delete(cid)
		e.saveState("mirror delete collection")
		return
	}
	if title, ok := e.st.Groups.GetInverse(node.ID); ok {
		e.attempt(fmt.Sprintf("mirror delete group %q", title), func() error {
			return e.removeGroup(ctx, title)
		})
		e.st.Groups.Delete(title)
		e.saveState("mirror delete group")
	}
}

func (e *Engine) removeGroup(ctx context.Context, title string) error {
	user, err := e.remote.User(ctx)
	if err != nil {
		return err
	}
	kept := user.Groups[:0]
	for _, group := range user.Groups {
		if group.Title != title {
			kept = append(kept, group)
		}
	}
	return e.remote.UpdateGroups(ctx, kept)
}

func (e *Engine) onChanged(ctx context.Context, node bookmarks.Node) {
	if !e.underRoot(ctx, node.ParentID) {
		return
	}
	if itemID, ok := e.st.Items.GetInverse(node.ID); ok {
		e.attempt(fmt.Sprintf("mirror update item %d", itemID), func() error {
			return e.remote.UpdateItem(ctx, itemID, raindrop.ItemUpdate{
				Title: &node.Title,
				Link:  &node.URL,
			})
		})
		return
	}
	if cid, ok := e.st.Collections.GetInverse(node.ID); ok && cid != raindrop.CollectionUnsorted {
		e.attempt(fmt.Sprintf("mirror rename collection %d", cid), func() error {
			return e.remote.UpdateCollection(ctx, cid, raindrop.CollectionUpdate{Title: &node.Title})
		})
	}
}

func (e *Engine) onMoved(ctx context.Context, node bookmarks.Node) {
	if !e.underRoot(ctx, node.ParentID) {
		return
	}
	if itemID, ok := e.st.Items.GetInverse(node.ID); ok {
		collectionID := e.remoteParentOf(node.ParentID)
		e.attempt(fmt.Sprintf("mirror move item %d", itemID), func() error {
			return e.remote.UpdateItem(ctx, itemID, raindrop.ItemUpdate{
				Collection: &raindrop.Ref{ID: collectionID},
			})
		})
		return
	}
	if cid, ok := e.st.Collections.GetInverse(node.ID); ok && cid != raindrop.CollectionUnsorted {
		// Root, unsorted and group folders all mean "promote to root
		// collection", encoded as a zero parent ref.
		parent := int64(0)
		if pid, ok := e.st.Collections.GetInverse(node.ParentID); ok && pid != raindrop.CollectionUnsorted {
			parent = pid
		}
		e.attempt(fmt.Sprintf("mirror move collection %d", cid), func() error {
			return e.remote.UpdateCollection(ctx, cid, raindrop.CollectionUpdate{Parent: &raindrop.Ref{ID: parent}})
		})
	}
}

// remoteParentOf inverts the correlation maps for a bookmark's parent folder,
// defaulting to the reserved unsorted collection.
func (e *Engine) remoteParentOf(folderID string) int64 {
	if cid, ok := e.st.Collections.GetInverse(folderID); ok && cid != raindrop.CollectionUnsorted {
		return cid
	}
	return raindrop.CollectionUnsorted
}

// underRoot walks parent links up to the managed root folder, bounded by a
// visited set against cycles. The root itself qualifies.
func (e *Engine) underRoot(ctx context.Context, id string) bool {
	root := e.st.RootFolderID
	if root == "" {
		return false
	}
	visited := make(map[string]bool)
	for id != bookmarks.RootID {
		if id == root {
			return true
		}
		if visited[id] {
			return false
		}
		visited[id] = true
		node, err := e.store.Get(ctx, id)
		if err != nil {
			return false
		}
		id = node.ParentID
	}
	return false
}
