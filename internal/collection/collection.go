// Package collection holds the local item collection of the active list.
//
// Writers never mutate items in place. Each change is a function from
// the previous collection value to the next one, and Update applies
// these functions one at a time so interleaved writers (realtime merges,
// drag reordering, mutation success handlers) cannot lose each other's
// changes.
package collection

import (
	"cmp"
	"slices"
	"sync"

	"github.com/alexjbarnes/listsync/internal/models"
)

// Transform maps one collection value to the next. It receives a private
// copy and may return it modified or return a new slice.
type Transform func(items []models.Item) []models.Item

// Collection is the shared local item collection.
type Collection struct {
	mu      sync.Mutex
	items   []models.Item
	version uint64
}

// New returns a collection holding a copy of items.
func New(items []models.Item) *Collection {
	return &Collection{items: slices.Clone(items)}
}

// Snapshot returns a copy of the current items.
func (c *Collection) Snapshot() []models.Item {
	c.mu.Lock()
	defer c.mu.Unlock()

	return slices.Clone(c.items)
}

// Version increments on every Update and Replace.
func (c *Collection) Version() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.version
}

// Update applies fn to a copy of the current value and stores a copy of
// the result, so fn may keep neither. It returns a copy of the new value.
func (c *Collection) Update(fn Transform) []models.Item {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = slices.Clone(fn(slices.Clone(c.items)))
	c.version++

	return slices.Clone(c.items)
}

// Replace swaps in authoritative state, for example after a full refresh.
func (c *Collection) Replace(items []models.Item) {
	c.Update(func([]models.Item) []models.Item { return slices.Clone(items) })
}

// Get returns the item with id.
func (c *Collection) Get(id string) (models.Item, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, it := range c.items {
		if it.ID == id {
			return it, true
		}
	}

	return models.Item{}, false
}

// GroupOrder returns the unchecked items of group ordered by sort_order,
// then creation time.
func GroupOrder(items []models.Item, group string) []models.Item {
	var out []models.Item

	for _, it := range items {
		if !it.Checked && it.Group() == group {
			out = append(out, it)
		}
	}

	slices.SortStableFunc(out, compareOrder)

	return out
}

// IDs returns the ids of items in order.
func IDs(items []models.Item) []string {
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}

	return ids
}

// SetOrder returns a transform assigning sort_order = index in ids to each
// listed item. Items not listed are untouched.
func SetOrder(ids []string) Transform {
	pos := make(map[string]int, len(ids))
	for i, id := range ids {
		pos[id] = i
	}

	return func(items []models.Item) []models.Item {
		for i := range items {
			if p, ok := pos[items[i].ID]; ok {
				items[i].SortOrder = p
			}
		}

		return items
	}
}

func compareOrder(a, b models.Item) int {
	if c := cmp.Compare(a.SortOrder, b.SortOrder); c != 0 {
		return c
	}

	return a.CreatedAt.Compare(b.CreatedAt)
}
