package bookmarks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS nodes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	parent_id INTEGER NOT NULL DEFAULT 0,
	title TEXT NOT NULL,
	url TEXT NOT NULL DEFAULT '',
	position INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_nodes_parent ON nodes(parent_id, position);
`

// SQLiteStore persists the local bookmark tree in a SQLite database. The
// implicit root is parent_id 0; node ids are the decimal row ids.
type SQLiteStore struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
	feed *feed
}

func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &SQLiteStore{db: db, path: path, feed: newFeed()}, nil
}

// Path returns the database file path, used to watch for out-of-band writes.
func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Events() <-chan Event { return s.feed.ch }

func parseNodeID(id string) (int64, error) {
	if id == RootID {
		return 0, nil
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return n, nil
}

func formatNodeID(id int64) string {
	if id == 0 {
		return RootID
	}
	return strconv.FormatInt(id, 10)
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Node, error) {
	nid, err := parseNodeID(id)
	if err != nil || nid == 0 {
		return Node{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(ctx, nid)
}

func (s *SQLiteStore) getLocked(ctx context.Context, nid int64) (Node, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, parent_id, title, url, position FROM nodes WHERE id = ?`, nid)
	var id, parent int64
	var title, url string
	var position int
	if err := row.Scan(&id, &parent, &title, &url, &position); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Node{}, fmt.Errorf("%w: %d", ErrNotFound, nid)
		}
		return Node{}, err
	}
	return Node{
		ID:       formatNodeID(id),
		ParentID: formatNodeID(parent),
		Title:    title,
		URL:      url,
		Index:    position,
	}, nil
}

func (s *SQLiteStore) Children(ctx context.Context, id string) ([]Node, error) {
	nid, err := parseNodeID(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if nid != 0 {
		if _, err := s.getLocked(ctx, nid); err != nil {
			return nil, err
		}
	}
	return s.childrenLocked(ctx, nid)
}

func (s *SQLiteStore) childrenLocked(ctx context.Context, parent int64) ([]Node, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, parent_id, title, url FROM nodes WHERE parent_id = ? ORDER BY position ASC`, parent)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Node
	for rows.Next() {
		var id, parentID int64
		var title, url string
		if err := rows.Scan(&id, &parentID, &title, &url); err != nil {
			return nil, err
		}
		out = append(out, Node{
			ID:       formatNodeID(id),
			ParentID: formatNodeID(parentID),
			Title:    title,
			URL:      url,
			Index:    len(out),
		})
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Tree(ctx context.Context, id string) (*TreeNode, error) {
	nid, err := parseNodeID(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	root := &TreeNode{Node: Node{ID: id}}
	if nid != 0 {
		n, err := s.getLocked(ctx, nid)
		if err != nil {
			return nil, err
		}
		root.Node = n
	}
	var build func(t *TreeNode, parent int64) error
	build = func(t *TreeNode, parent int64) error {
		children, err := s.childrenLocked(ctx, parent)
		if err != nil {
			return err
		}
		for _, child := range children {
			childID, _ := parseNodeID(child.ID)
			node := &TreeNode{Node: child}
			t.Children = append(t.Children, node)
			if child.IsFolder() {
				if err := build(node, childID); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := build(root, nid); err != nil {
		return nil, err
	}
	return root, nil
}

func (s *SQLiteStore) Create(ctx context.Context, parentID, title, url string) (Node, error) {
	parent, err := parseNodeID(parentID)
	if err != nil {
		return Node{}, err
	}
	s.mu.Lock()
	if parent != 0 {
		parentNode, err := s.getLocked(ctx, parent)
		if err != nil {
			s.mu.Unlock()
			return Node{}, err
		}
		if !parentNode.IsFolder() {
			s.mu.Unlock()
			return Node{}, fmt.Errorf("parent %s is not a folder", parentID)
		}
	}
	var position int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM nodes WHERE parent_id = ?`, parent).Scan(&position); err != nil {
		s.mu.Unlock()
		return Node{}, err
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO nodes (parent_id, title, url, position) VALUES (?, ?, ?, ?)`,
		parent, title, url, position)
	if err != nil {
		s.mu.Unlock()
		return Node{}, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		s.mu.Unlock()
		return Node{}, err
	}
	created := Node{
		ID:       formatNodeID(id),
		ParentID: parentID,
		Title:    title,
		URL:      url,
		Index:    position,
	}
	s.mu.Unlock()
	s.feed.publish(Event{Kind: EventCreated, Node: created})
	return created, nil
}

func (s *SQLiteStore) Update(ctx context.Context, id, title, url string) error {
	nid, err := parseNodeID(id)
	if err != nil || nid == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.mu.Lock()
	node, err := s.getLocked(ctx, nid)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	node.Title = title
	if !node.IsFolder() && url != "" {
		node.URL = url
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET title = ?, url = ? WHERE id = ?`, node.Title, node.URL, nid); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()
	s.feed.publish(Event{Kind: EventChanged, Node: node})
	return nil
}

func (s *SQLiteStore) Move(ctx context.Context, id, parentID string, index int) error {
	nid, err := parseNodeID(id)
	if err != nil || nid == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	parent, err := parseNodeID(parentID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	node, err := s.getLocked(ctx, nid)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if parent != 0 {
		parentNode, err := s.getLocked(ctx, parent)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		if !parentNode.IsFolder() {
			s.mu.Unlock()
			return fmt.Errorf("parent %s is not a folder", parentID)
		}
		// Reject moving a folder under its own subtree.
		for cur := parent; cur != 0; {
			if cur == nid {
				s.mu.Unlock()
				return fmt.Errorf("cannot move %s under its own subtree", id)
			}
			anc, err := s.getLocked(ctx, cur)
			if err != nil {
				break
			}
			cur, _ = parseNodeID(anc.ParentID)
		}
	}
	oldParent, _ := parseNodeID(node.ParentID)
	oldIndex := node.Index

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := reorderTx(ctx, tx, oldParent, nid, -1); err != nil {
		s.mu.Unlock()
		return err
	}
	if err := reorderTx(ctx, tx, parent, nid, index); err != nil {
		s.mu.Unlock()
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE nodes SET parent_id = ? WHERE id = ?`, parent, nid); err != nil {
		s.mu.Unlock()
		return err
	}
	if err := tx.Commit(); err != nil {
		s.mu.Unlock()
		return err
	}
	committed = true
	moved, err := s.getLocked(ctx, nid)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.feed.publish(Event{Kind: EventMoved, Node: moved, OldParentID: formatNodeID(oldParent), OldIndex: oldIndex})
	return nil
}

// reorderTx rewrites the positions of parent's children with nid removed and,
// when insertAt >= 0, reinserted at that index (clamped to the end).
func reorderTx(ctx context.Context, tx *sql.Tx, parent, nid int64, insertAt int) error {
	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM nodes WHERE parent_id = ? ORDER BY position ASC`, parent)
	if err != nil {
		return err
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return err
		}
		if id != nid {
			ids = append(ids, id)
		}
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()
	if insertAt >= 0 {
		if insertAt > len(ids) {
			insertAt = len(ids)
		}
		ids = append(ids, 0)
		copy(ids[insertAt+1:], ids[insertAt:])
		ids[insertAt] = nid
	}
	for position, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE nodes SET position = ? WHERE id = ?`, position, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Remove(ctx context.Context, id string) error {
	nid, err := parseNodeID(id)
	if err != nil || nid == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.mu.Lock()
	node, err := s.getLocked(ctx, nid)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if node.IsFolder() {
		var count int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM nodes WHERE parent_id = ?`, nid).Scan(&count); err != nil {
			s.mu.Unlock()
			return err
		}
		if count > 0 {
			s.mu.Unlock()
			return fmt.Errorf("folder %s is not empty", id)
		}
	}
	if err := s.deleteAndReorderLocked(ctx, node, []int64{nid}); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()
	s.feed.publish(Event{Kind: EventRemoved, Node: node})
	return nil
}

func (s *SQLiteStore) RemoveTree(ctx context.Context, id string) error {
	nid, err := parseNodeID(id)
	if err != nil || nid == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.mu.Lock()
	node, err := s.getLocked(ctx, nid)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	// Collect the subtree breadth-first.
	subtree := []int64{nid}
	for queue := []int64{nid}; len(queue) > 0; {
		cur := queue[0]
		queue = queue[1:]
		children, err := s.childrenLocked(ctx, cur)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		for _, child := range children {
			childID, _ := parseNodeID(child.ID)
			subtree = append(subtree, childID)
			queue = append(queue, childID)
		}
	}
	if err := s.deleteAndReorderLocked(ctx, node, subtree); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()
	s.feed.publish(Event{Kind: EventRemoved, Node: node})
	return nil
}

func (s *SQLiteStore) deleteAndReorderLocked(ctx context.Context, node Node, ids []int64) error {
	parent, _ := parseNodeID(node.ParentID)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE id = ?`, id); err != nil {
			return err
		}
	}
	first, _ := parseNodeID(node.ID)
	if err := reorderTx(ctx, tx, parent, first, -1); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}
