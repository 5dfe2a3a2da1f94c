package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/marksync/marksync/internal/raindrop"
)

// fakeRemote is an in-memory stand-in for the remote service. It serves
// paginated listings newest-first like the real API and records every
// mutating call it receives.
type fakeRemote struct {
	mu          sync.Mutex
	groups      []raindrop.Group
	collections map[int64]raindrop.Collection
	active      map[int64]raindrop.Item
	trash       map[int64]raindrop.Item
	nextID      int64
	tick        int
	perPage     int
	calls       []string
	pageErrs    map[string]error
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		collections: make(map[int64]raindrop.Collection),
		active:      make(map[int64]raindrop.Item),
		trash:       make(map[int64]raindrop.Item),
		nextID:      1000,
		perPage:     raindrop.PerPage,
	}
}

func (f *fakeRemote) stamp() string {
	f.tick++
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return base.Add(time.Duration(f.tick) * time.Second).Format(time.RFC3339)
}

func (f *fakeRemote) addCollection(id int64, title string, parent int64, sortIndex int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	col := raindrop.Collection{ID: id, Title: title, Sort: sortIndex}
	if parent != 0 {
		col.Parent = &raindrop.Ref{ID: parent}
	}
	f.collections[id] = col
}

func (f *fakeRemote) addItem(collectionID int64, title, link string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.active[f.nextID] = raindrop.Item{
		ID:         f.nextID,
		Title:      title,
		Link:       link,
		Collection: &raindrop.Ref{ID: collectionID},
		LastUpdate: f.stamp(),
	}
	return f.nextID
}

func (f *fakeRemote) trashItem(id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.active[id]
	if !ok {
		return
	}
	delete(f.active, id)
	item.LastUpdate = f.stamp()
	f.trash[id] = item
}

// setPageError makes every Raindrops call for the given listing page fail
// until cleared with a nil error.
func (f *fakeRemote) setPageError(collectionID int64, page int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fmt.Sprintf("%d/%d", collectionID, page)
	if err == nil {
		delete(f.pageErrs, key)
		return
	}
	if f.pageErrs == nil {
		f.pageErrs = make(map[string]error)
	}
	f.pageErrs[key] = err
}

func (f *fakeRemote) record(format string, args ...any) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeRemote) calledWith(prefix string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, call := range f.calls {
		if len(call) >= len(prefix) && call[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

func (f *fakeRemote) User(context.Context) (raindrop.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	groups := make([]raindrop.Group, len(f.groups))
	copy(groups, f.groups)
	return raindrop.User{Groups: groups}, nil
}

func (f *fakeRemote) RootCollections(context.Context) ([]raindrop.Collection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []raindrop.Collection
	for _, col := range f.collections {
		if col.ParentID() == 0 {
			out = append(out, col)
		}
	}
	return out, nil
}

func (f *fakeRemote) ChildCollections(context.Context) ([]raindrop.Collection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []raindrop.Collection
	for _, col := range f.collections {
		if col.ParentID() != 0 {
			out = append(out, col)
		}
	}
	return out, nil
}

func (f *fakeRemote) Raindrops(_ context.Context, collectionID int64, page int) ([]raindrop.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GET /raindrops/%d page=%d", collectionID, page)
	if err := f.pageErrs[fmt.Sprintf("%d/%d", collectionID, page)]; err != nil {
		return nil, err
	}
	source := f.active
	if collectionID == raindrop.CollectionTrash {
		source = f.trash
	}
	var items []raindrop.Item
	for _, item := range source {
		if collectionID == raindrop.CollectionAll || collectionID == raindrop.CollectionTrash || item.CollectionID() == collectionID {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].LastUpdate > items[j].LastUpdate })
	start := page * f.perPage
	if start >= len(items) {
		return nil, nil
	}
	end := start + f.perPage
	if end > len(items) {
		end = len(items)
	}
	return items[start:end], nil
}

func (f *fakeRemote) CreateItem(_ context.Context, item raindrop.Item) (raindrop.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	item.ID = f.nextID
	item.LastUpdate = f.stamp()
	f.active[item.ID] = item
	f.record("POST /raindrop %d", item.ID)
	return item, nil
}

func (f *fakeRemote) CreateItems(ctx context.Context, items []raindrop.Item) ([]raindrop.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]raindrop.Item, 0, len(items))
	for _, item := range items {
		f.nextID++
		item.ID = f.nextID
		item.LastUpdate = f.stamp()
		f.active[item.ID] = item
		out = append(out, item)
	}
	f.record("POST /raindrops n=%d", len(items))
	return out, nil
}

func (f *fakeRemote) UpdateItem(_ context.Context, id int64, update raindrop.ItemUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.active[id]
	if !ok {
		return fmt.Errorf("item %d not found", id)
	}
	if update.Title != nil {
		item.Title = *update.Title
	}
	if update.Link != nil {
		item.Link = *update.Link
	}
	if update.Collection != nil {
		item.Collection = update.Collection
	}
	item.LastUpdate = f.stamp()
	f.active[id] = item
	f.record("PUT /raindrop/%d", id)
	return nil
}

func (f *fakeRemote) DeleteItem(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.active, id)
	f.record("DELETE /raindrop/%d", id)
	return nil
}

func (f *fakeRemote) CreateCollection(_ context.Context, title string, parentID int64) (raindrop.Collection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	col := raindrop.Collection{ID: f.nextID, Title: title}
	if parentID != 0 {
		col.Parent = &raindrop.Ref{ID: parentID}
	}
	f.collections[col.ID] = col
	f.record("POST /collection %d", col.ID)
	return col, nil
}

func (f *fakeRemote) UpdateCollection(_ context.Context, id int64, update raindrop.CollectionUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	col, ok := f.collections[id]
	if !ok {
		return fmt.Errorf("collection %d not found", id)
	}
	if update.Title != nil {
		col.Title = *update.Title
	}
	if update.Parent != nil {
		if update.Parent.ID == 0 {
			col.Parent = nil
		} else {
			col.Parent = update.Parent
		}
	}
	f.collections[id] = col
	f.record("PUT /collection/%d", id)
	return nil
}

func (f *fakeRemote) DeleteCollection(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.collections, id)
	f.record("DELETE /collection/%d", id)
	return nil
}

func (f *fakeRemote) UpdateGroups(_ context.Context, groups []raindrop.Group) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groups = make([]raindrop.Group, len(groups))
	copy(f.groups, groups)
	f.record("PUT /user groups=%d", len(groups))
	return nil
}
