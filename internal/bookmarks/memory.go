package bookmarks

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-memory Store. It backs tests and acts as the reference
// implementation for the capability semantics.
type MemoryStore struct {
	mu       sync.Mutex
	nodes    map[string]*memNode
	children map[string][]string
	counter  int
	feed     *feed
}

type memNode struct {
	id     string
	parent string
	title  string
	url    string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:    map[string]*memNode{},
		children: map[string][]string{RootID: {}},
		feed:     newFeed(),
	}
}

func (s *MemoryStore) Events() <-chan Event { return s.feed.ch }

func (s *MemoryStore) Get(ctx context.Context, id string) (Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(id)
}

func (s *MemoryStore) getLocked(id string) (Node, error) {
	n, ok := s.nodes[id]
	if !ok {
		return Node{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.toNodeLocked(n), nil
}

func (s *MemoryStore) toNodeLocked(n *memNode) Node {
	return Node{
		ID:       n.id,
		ParentID: n.parent,
		Title:    n.title,
		URL:      n.url,
		Index:    s.indexOfLocked(n.parent, n.id),
	}
}

func (s *MemoryStore) indexOfLocked(parent, id string) int {
	for i, childID := range s.children[parent] {
		if childID == id {
			return i
		}
	}
	return -1
}

func (s *MemoryStore) Children(ctx context.Context, id string) ([]Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id != RootID {
		if _, ok := s.nodes[id]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
	}
	ids := s.children[id]
	out := make([]Node, 0, len(ids))
	for i, childID := range ids {
		n := s.nodes[childID]
		out = append(out, Node{ID: n.id, ParentID: n.parent, Title: n.title, URL: n.url, Index: i})
	}
	return out, nil
}

func (s *MemoryStore) Tree(ctx context.Context, id string) (*TreeNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	root := &TreeNode{Node: Node{ID: id}}
	if id != RootID {
		n, err := s.getLocked(id)
		if err != nil {
			return nil, err
		}
		root.Node = n
	}
	var build func(t *TreeNode)
	build = func(t *TreeNode) {
		for i, childID := range s.children[t.ID] {
			n := s.nodes[childID]
			child := &TreeNode{Node: Node{ID: n.id, ParentID: n.parent, Title: n.title, URL: n.url, Index: i}}
			t.Children = append(t.Children, child)
			build(child)
		}
	}
	build(root)
	return root, nil
}

func (s *MemoryStore) Create(ctx context.Context, parentID, title, url string) (Node, error) {
	s.mu.Lock()
	if parentID != RootID {
		parent, ok := s.nodes[parentID]
		if !ok {
			s.mu.Unlock()
			return Node{}, fmt.Errorf("%w: parent %s", ErrNotFound, parentID)
		}
		if !parent.isFolder() {
			s.mu.Unlock()
			return Node{}, fmt.Errorf("parent %s is not a folder", parentID)
		}
	}
	s.counter++
	n := &memNode{
		id:     fmt.Sprintf("n%d", s.counter),
		parent: parentID,
		title:  title,
		url:    url,
	}
	s.nodes[n.id] = n
	s.children[parentID] = append(s.children[parentID], n.id)
	if n.isFolder() {
		s.children[n.id] = []string{}
	}
	created := s.toNodeLocked(n)
	s.mu.Unlock()
	s.feed.publish(Event{Kind: EventCreated, Node: created})
	return created, nil
}

func (s *MemoryStore) Update(ctx context.Context, id, title, url string) error {
	s.mu.Lock()
	n, ok := s.nodes[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	n.title = title
	if !n.isFolder() && url != "" {
		n.url = url
	}
	updated := s.toNodeLocked(n)
	s.mu.Unlock()
	s.feed.publish(Event{Kind: EventChanged, Node: updated})
	return nil
}

func (s *MemoryStore) Move(ctx context.Context, id, parentID string, index int) error {
	s.mu.Lock()
	n, ok := s.nodes[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if parentID != RootID {
		parent, ok := s.nodes[parentID]
		if !ok {
			s.mu.Unlock()
			return fmt.Errorf("%w: parent %s", ErrNotFound, parentID)
		}
		if !parent.isFolder() {
			s.mu.Unlock()
			return fmt.Errorf("parent %s is not a folder", parentID)
		}
	}
	// Moving a folder under itself would orphan the subtree.
	for cur := parentID; cur != RootID; {
		if cur == id {
			s.mu.Unlock()
			return fmt.Errorf("cannot move %s under its own subtree", id)
		}
		anc, ok := s.nodes[cur]
		if !ok {
			break
		}
		cur = anc.parent
	}
	oldParent := n.parent
	oldIndex := s.indexOfLocked(oldParent, id)
	s.children[oldParent] = removeString(s.children[oldParent], id)
	siblings := s.children[parentID]
	if index < 0 || index > len(siblings) {
		index = len(siblings)
	}
	s.children[parentID] = insertString(siblings, index, id)
	n.parent = parentID
	moved := s.toNodeLocked(n)
	s.mu.Unlock()
	s.feed.publish(Event{Kind: EventMoved, Node: moved, OldParentID: oldParent, OldIndex: oldIndex})
	return nil
}

func (s *MemoryStore) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	n, ok := s.nodes[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if n.isFolder() && len(s.children[id]) > 0 {
		s.mu.Unlock()
		return fmt.Errorf("folder %s is not empty", id)
	}
	removed := s.toNodeLocked(n)
	s.children[n.parent] = removeString(s.children[n.parent], id)
	delete(s.children, id)
	delete(s.nodes, id)
	s.mu.Unlock()
	s.feed.publish(Event{Kind: EventRemoved, Node: removed})
	return nil
}

func (s *MemoryStore) RemoveTree(ctx context.Context, id string) error {
	s.mu.Lock()
	n, ok := s.nodes[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	removed := s.toNodeLocked(n)
	var drop func(nodeID string)
	drop = func(nodeID string) {
		for _, childID := range s.children[nodeID] {
			drop(childID)
		}
		delete(s.children, nodeID)
		delete(s.nodes, nodeID)
	}
	drop(id)
	s.children[n.parent] = removeString(s.children[n.parent], id)
	s.mu.Unlock()
	s.feed.publish(Event{Kind: EventRemoved, Node: removed})
	return nil
}

func (n *memNode) isFolder() bool { return n.url == "" }

func removeString(items []string, target string) []string {
	out := items[:0]
	for _, item := range items {
		if item != target {
			out = append(out, item)
		}
	}
	return out
}

func insertString(items []string, index int, value string) []string {
	items = append(items, "")
	copy(items[index+1:], items[index:])
	items[index] = value
	return items
}
