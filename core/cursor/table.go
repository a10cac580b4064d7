package cursor

import (
	"fmt"
	"sync"

	"github.com/sushant-115/txbridge/core/dberror"
)

// ResourceID identifies a published resource within one table.
type ResourceID uint32

// Table maps resource ids to live resources for one worker.
type Table struct {
	mu    sync.Mutex
	next  ResourceID
	items map[ResourceID]*Resource
}

func NewTable() *Table {
	return &Table{items: make(map[ResourceID]*Resource)}
}

// Publish registers r and returns its id. Ids are not reused while the table
// lives.
func (t *Table) Publish(r *Resource) ResourceID {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	t.items[t.next] = r
	return t.next
}

// Lookup fails with ErrClosedResource for unknown or closed ids.
func (t *Table) Lookup(id ResourceID) (*Resource, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: cursor %d", dberror.ErrClosedResource, id)
	}
	return r, nil
}

// Close removes id from the table and closes the resource.
func (t *Table) Close(id ResourceID) error {
	t.mu.Lock()
	r, ok := t.items[id]
	delete(t.items, id)
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: cursor %d", dberror.ErrClosedResource, id)
	}
	r.Close()
	return nil
}

// CloseAll closes every resource and empties the table.
func (t *Table) CloseAll() {
	t.mu.Lock()
	items := t.items
	t.items = make(map[ResourceID]*Resource)
	t.mu.Unlock()
	for _, r := range items {
		r.Close()
	}
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}
