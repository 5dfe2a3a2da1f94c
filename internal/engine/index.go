package engine

import (
	"sort"

	"github.com/marksync/marksync/internal/raindrop"
)

// WalkStatus classifies the outcome of a parent-chain walk over the remote
// hierarchy. Dangling and cycle results are distinct so callers can tell a
// missing ancestor from corrupt remote data.
type WalkStatus int

const (
	WalkOK WalkStatus = iota
	WalkDangling
	WalkCycle
)

func (s WalkStatus) String() string {
	switch s {
	case WalkOK:
		return "ok"
	case WalkDangling:
		return "dangling"
	case WalkCycle:
		return "cycle"
	}
	return "unknown"
}

// Index is the in-memory view of the remote group/collection hierarchy built
// from one set of fetches. It is immutable once built.
type Index struct {
	Groups      []raindrop.Group
	Collections map[int64]raindrop.Collection

	groupOfRoot map[int64]string
	depths      map[int64]int
}

// BuildIndex combines the three raw fetches into one queryable structure.
// Groups are ordered by their sort index; group membership of root
// collections comes from each group's collection id list.
func BuildIndex(groups []raindrop.Group, roots, children []raindrop.Collection) *Index {
	ordered := make([]raindrop.Group, len(groups))
	copy(ordered, groups)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Sort < ordered[j].Sort })

	ix := &Index{
		Groups:      ordered,
		Collections: make(map[int64]raindrop.Collection, len(roots)+len(children)),
		groupOfRoot: make(map[int64]string),
		depths:      make(map[int64]int),
	}
	for _, col := range roots {
		ix.Collections[col.ID] = col
	}
	for _, col := range children {
		ix.Collections[col.ID] = col
	}
	for _, group := range ordered {
		for _, id := range group.Collections {
			ix.groupOfRoot[id] = group.Title
		}
	}
	return ix
}

// RootCollectionID walks parent links from id up to its root collection.
func (ix *Index) RootCollectionID(id int64) (int64, WalkStatus) {
	visited := make(map[int64]bool)
	for {
		if visited[id] {
			return 0, WalkCycle
		}
		visited[id] = true
		col, ok := ix.Collections[id]
		if !ok {
			return 0, WalkDangling
		}
		parent := col.ParentID()
		if parent == 0 {
			return id, WalkOK
		}
		id = parent
	}
}

// GroupTitle resolves the group owning id's root collection. A resolvable
// collection whose root belongs to no group yields an empty title with WalkOK.
func (ix *Index) GroupTitle(id int64) (string, WalkStatus) {
	rootID, status := ix.RootCollectionID(id)
	if status != WalkOK {
		return "", status
	}
	return ix.groupOfRoot[rootID], WalkOK
}

// Depth returns the collection's depth below its root (root = 0). Results are
// memoized across calls.
func (ix *Index) Depth(id int64) (int, WalkStatus) {
	if d, ok := ix.depths[id]; ok {
		return d, WalkOK
	}
	// Walk up until a memoized ancestor or the root, keeping the path so the
	// whole chain can be filled in on the way back down.
	path := make([]int64, 0, 8)
	visited := make(map[int64]bool)
	cur := id
	base := 0
	for {
		if d, ok := ix.depths[cur]; ok {
			base = d
			break
		}
		if visited[cur] {
			return 0, WalkCycle
		}
		visited[cur] = true
		col, ok := ix.Collections[cur]
		if !ok {
			return 0, WalkDangling
		}
		path = append(path, cur)
		parent := col.ParentID()
		if parent == 0 {
			base = -1
			break
		}
		cur = parent
	}
	for i := len(path) - 1; i >= 0; i-- {
		base++
		ix.depths[path[i]] = base
	}
	return ix.depths[id], WalkOK
}

// CollectionIDs returns every known collection id ordered parents-first:
// resolvable ids by ascending depth then id, unresolvable ids last.
func (ix *Index) CollectionIDs() []int64 {
	type entry struct {
		id    int64
		depth int
		ok    bool
	}
	entries := make([]entry, 0, len(ix.Collections))
	for id := range ix.Collections {
		d, status := ix.Depth(id)
		entries = append(entries, entry{id: id, depth: d, ok: status == WalkOK})
	}
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.ok != b.ok {
			return a.ok
		}
		if a.depth != b.depth {
			return a.depth < b.depth
		}
		return a.id < b.id
	})
	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.id
	}
	return ids
}

// ChildrenOf lists the collections whose parent is id, ordered by ascending
// sort index then id. Used to re-apply ordering below root level.
func (ix *Index) ChildrenOf(id int64) []raindrop.Collection {
	var out []raindrop.Collection
	for _, col := range ix.Collections {
		if col.ParentID() == id {
			out = append(out, col)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Sort != out[j].Sort {
			return out[i].Sort < out[j].Sort
		}
		return out[i].ID < out[j].ID
	})
	return out
}
