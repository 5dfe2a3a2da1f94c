package raindrop

// Wire types for the remote bookmark service. List responses arrive in an
// {"items": ...} envelope; references to other entities are encoded as
// {"$id": n} objects.

// Reserved collection ids understood by the listing endpoints.
const (
	CollectionAll      int64 = 0
	CollectionUnsorted int64 = -1
	CollectionTrash    int64 = -99
)

// Group is a remote-side named bucket referencing an ordered list of root
// collection ids. Groups are carried on the user object and are not
// addressable entities of their own.
type Group struct {
	Title       string  `json:"title"`
	Sort        int     `json:"sort"`
	Collections []int64 `json:"collections"`
}

type User struct {
	Groups []Group `json:"groups"`
}

// Ref is the service's encoding of a reference to another entity.
type Ref struct {
	ID int64 `json:"$id"`
}

type Collection struct {
	ID     int64  `json:"_id"`
	Title  string `json:"title"`
	Parent *Ref   `json:"parent,omitempty"`
	Sort   int64  `json:"sort"`
}

// ParentID returns the parent collection id, or 0 for a root collection.
// Real collection ids are positive, so 0 is unambiguous.
func (c Collection) ParentID() int64 {
	if c.Parent == nil {
		return 0
	}
	return c.Parent.ID
}

type Item struct {
	ID         int64  `json:"_id,omitempty"`
	Title      string `json:"title"`
	Link       string `json:"link"`
	Collection *Ref   `json:"collection,omitempty"`
	LastUpdate string `json:"lastUpdate,omitempty"`
}

// CollectionID returns the owning collection id, defaulting to the unsorted
// pseudo-collection when the service omits the reference.
func (it Item) CollectionID() int64 {
	if it.Collection == nil {
		return CollectionUnsorted
	}
	return it.Collection.ID
}

type userResponse struct {
	User User `json:"user"`
}

type collectionsResponse struct {
	Items []Collection `json:"items"`
}

type collectionResponse struct {
	Item Collection `json:"item"`
}

type itemsResponse struct {
	Items []Item `json:"items"`
}

type itemResponse struct {
	Item Item `json:"item"`
}

// ItemUpdate is a partial update for PUT /raindrop/{id}. Nil fields are left
// untouched by the service.
type ItemUpdate struct {
	Title      *string `json:"title,omitempty"`
	Link       *string `json:"link,omitempty"`
	Collection *Ref    `json:"collection,omitempty"`
}

// CollectionUpdate is a partial update for PUT /collection/{id}. A non-nil
// Parent with ID 0 clears the parent, promoting the collection to root.
type CollectionUpdate struct {
	Title  *string
	Parent *Ref
}

func (u CollectionUpdate) body() map[string]any {
	body := map[string]any{}
	if u.Title != nil {
		body["title"] = *u.Title
	}
	if u.Parent != nil {
		if u.Parent.ID == 0 {
			body["parent"] = nil
		} else {
			body["parent"] = map[string]any{"$id": u.Parent.ID}
		}
	}
	return body
}
