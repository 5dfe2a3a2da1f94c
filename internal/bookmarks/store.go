// Package bookmarks defines the capability surface the sync engine requires
// from a local bookmark tree store, plus SQLite-backed and in-memory
// implementations of it.
package bookmarks

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("node not found")

// RootID is the id of the implicit store root. It is not a real node; it only
// serves as the parent of top-level nodes.
const RootID = ""

// Node is one entry of the local tree. A node with an empty URL is a folder;
// anything else is a bookmark. IDs are opaque strings owned by the store.
type Node struct {
	ID       string `json:"id"`
	ParentID string `json:"parentId"`
	Title    string `json:"title"`
	URL      string `json:"url,omitempty"`
	Index    int    `json:"index"`
}

func (n Node) IsFolder() bool { return n.URL == "" }

type EventKind int

const (
	EventCreated EventKind = iota
	EventRemoved
	EventChanged
	EventMoved
)

func (k EventKind) String() string {
	switch k {
	case EventCreated:
		return "created"
	case EventRemoved:
		return "removed"
	case EventChanged:
		return "changed"
	case EventMoved:
		return "moved"
	}
	return "unknown"
}

// Event describes one mutation of the tree. For removals Node carries the
// last known state; a subtree removal emits a single event for the subtree
// root. For moves OldParentID/OldIndex describe the previous position.
type Event struct {
	Kind        EventKind
	Node        Node
	OldParentID string
	OldIndex    int
}

// TreeNode is a materialized subtree, used by status reporting.
type TreeNode struct {
	Node
	Children []*TreeNode `json:"children,omitempty"`
}

// Store is the local tree store capability set. Children returns nodes in
// positional order. Move with a negative index appends. Remove rejects
// non-empty folders; RemoveTree removes a whole subtree.
//
// Events returns the store's mutation feed. The feed is best-effort: events
// are dropped rather than blocking mutators when the buffer is full.
type Store interface {
	Get(ctx context.Context, id string) (Node, error)
	Children(ctx context.Context, id string) ([]Node, error)
	Tree(ctx context.Context, id string) (*TreeNode, error)
	Create(ctx context.Context, parentID, title, url string) (Node, error)
	Update(ctx context.Context, id, title, url string) error
	Move(ctx context.Context, id, parentID string, index int) error
	Remove(ctx context.Context, id string) error
	RemoveTree(ctx context.Context, id string) error
	Events() <-chan Event
}

// feed is the shared event publisher used by both store implementations.
type feed struct {
	ch chan Event
}

func newFeed() *feed {
	return &feed{ch: make(chan Event, 128)}
}

func (f *feed) publish(evt Event) {
	select {
	case f.ch <- evt:
	default:
	}
}
