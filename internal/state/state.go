package state

import (
	"sync"
)

// Snapshot is the persisted layout of the correlation state. Map keys are
// remote ids (collection id, group title, item id); values are local node ids.
type Snapshot struct {
	LastSync       string            `json:"lastSync"`
	CollectionMap  map[int64]string  `json:"collectionMap"`
	GroupMap       map[string]string `json:"groupMap"`
	ItemMap        map[int64]string  `json:"itemMap"`
	RootFolderID   string            `json:"rootFolderId"`
	ParentFolderID string            `json:"parentFolderId"`
}

// State is the working form of a Snapshot: bijective maps plus the root
// anchors and the incremental-pull checkpoint.
type State struct {
	Collections *Bimap[int64, string]
	Groups      *Bimap[string, string]
	Items       *Bimap[int64, string]

	RootFolderID   string
	ParentFolderID string
	// LastSync is the RFC3339 checkpoint bounding incremental pulls; empty
	// means "never synced", which forces a full pull and skips the trash
	// phase.
	LastSync string
}

func NewState() *State {
	return &State{
		Collections: NewBimap[int64, string](),
		Groups:      NewBimap[string, string](),
		Items:       NewBimap[int64, string](),
	}
}

func FromSnapshot(snap *Snapshot) *State {
	st := NewState()
	if snap == nil {
		return st
	}
	st.Collections = BimapFromMap(snap.CollectionMap)
	st.Groups = BimapFromMap(snap.GroupMap)
	st.Items = BimapFromMap(snap.ItemMap)
	st.RootFolderID = snap.RootFolderID
	st.ParentFolderID = snap.ParentFolderID
	st.LastSync = snap.LastSync
	return st
}

func (s *State) Snapshot() *Snapshot {
	return &Snapshot{
		LastSync:       s.LastSync,
		CollectionMap:  s.Collections.Forward(),
		GroupMap:       s.Groups.Forward(),
		ItemMap:        s.Items.Forward(),
		RootFolderID:   s.RootFolderID,
		ParentFolderID: s.ParentFolderID,
	}
}

// Store guards a Backend with a mutex so concurrent readers (status API) and
// the engine's run loop cannot interleave partial writes.
type Store struct {
	mu      sync.Mutex
	backend Backend
}

func NewStore(backend Backend) *Store {
	return &Store{backend: backend}
}

// Load reads the persisted snapshot, returning an empty state when the
// backend holds nothing yet.
func (s *Store) Load() (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, err := s.backend.Load()
	if err != nil {
		return nil, err
	}
	return FromSnapshot(snap), nil
}

func (s *Store) Save(st *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.Save(st.Snapshot())
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.Close()
}
