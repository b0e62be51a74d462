package catalogue

import (
	"sort"
	"sync"

	"gridxfer/pkg/types"
)

// TreeNamespace keeps the catalogue as an in-memory directory tree.
type TreeNamespace struct {
	// Directory tree metadata
	entries  map[string]*types.LogicalEntry
	children map[string][]string
	treeMu   sync.RWMutex

	// Content and replica bookkeeping
	contents  map[types.ContentID]*types.ContentIdentifier
	replicas  map[types.ContentID][]Replica
	contentMu sync.RWMutex
}

var _ Namespace = (*TreeNamespace)(nil)

func NewTreeNamespace() *TreeNamespace {
	return &TreeNamespace{
		entries:  make(map[string]*types.LogicalEntry),
		children: make(map[string][]string),
		contents: make(map[types.ContentID]*types.ContentIdentifier),
		replicas: make(map[types.ContentID][]Replica),
	}
}

func (t *TreeNamespace) Get(p string) (*types.LogicalEntry, error) {
	t.treeMu.RLock()
	defer t.treeMu.RUnlock()

	entry, exists := t.entries[p]
	if !exists {
		return nil, types.NewError(types.CodeNameNotFound, "lookup", p, nil)
	}
	return copyEntry(entry), nil
}

func (t *TreeNamespace) Put(entry *types.LogicalEntry) error {
	t.treeMu.Lock()
	defer t.treeMu.Unlock()

	parent := getParentPath(entry.Path)
	if parent != "" {
		parentEntry, exists := t.entries[parent]
		if !exists {
			return types.NewError(types.CodeNameNotFound, "create", parent, nil)
		}
		if !parentEntry.IsDirectory() {
			return types.Errorf(types.CodeTypeMismatch, "create", "parent %s is not a directory", parent)
		}
	}

	if _, exists := t.entries[entry.Path]; !exists && parent != "" {
		t.children[parent] = append(t.children[parent], entry.Path)
	}
	t.entries[entry.Path] = copyEntry(entry)
	return nil
}

func (t *TreeNamespace) Children(p string) ([]*types.LogicalEntry, error) {
	t.treeMu.RLock()
	defer t.treeMu.RUnlock()

	dir, exists := t.entries[p]
	if !exists {
		return nil, types.NewError(types.CodeNameNotFound, "list", p, nil)
	}
	if !dir.IsDirectory() {
		return nil, types.Errorf(types.CodeTypeMismatch, "list", "%s is not a directory", p)
	}

	var out []*types.LogicalEntry
	for _, childPath := range t.children[p] {
		if child, exists := t.entries[childPath]; exists {
			out = append(out, copyEntry(child))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (t *TreeNamespace) GetContent(id types.ContentID) (*types.ContentIdentifier, error) {
	t.contentMu.RLock()
	defer t.contentMu.RUnlock()

	c, exists := t.contents[id]
	if !exists {
		return nil, types.NewError(types.CodeNameNotFound, "lookup content", string(id), nil)
	}
	return copyContent(c), nil
}

func (t *TreeNamespace) PutContent(c *types.ContentIdentifier) error {
	t.contentMu.Lock()
	defer t.contentMu.Unlock()

	t.contents[c.ID] = copyContent(c)
	return nil
}

func (t *TreeNamespace) Replicas(id types.ContentID) ([]Replica, error) {
	t.contentMu.RLock()
	defer t.contentMu.RUnlock()

	return append([]Replica(nil), t.replicas[id]...), nil
}

func (t *TreeNamespace) AddReplica(r Replica) error {
	t.contentMu.Lock()
	defer t.contentMu.Unlock()

	existing := t.replicas[r.ContentID]
	for i := range existing {
		if existing[i].Element == r.Element {
			existing[i] = r
			return nil
		}
	}
	t.replicas[r.ContentID] = append(existing, r)
	return nil
}

func (t *TreeNamespace) Close() error { return nil }
