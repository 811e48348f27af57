// Package event defines the realtime events a list server pushes and how
// each one merges into a local item collection.
//
// Event is a closed set: every kind implements Apply and Groups, so a new
// kind cannot be decoded without also defining its merge.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/alexjbarnes/listsync/internal/models"
	"github.com/tidwall/gjson"
)

// Kind is the wire name of an event.
type Kind string

const (
	KindItemAdded      Kind = "item_added"
	KindItemUpdated    Kind = "item_updated"
	KindItemChecked    Kind = "item_checked"
	KindItemRemoved    Kind = "item_removed"
	KindCheckedCleared Kind = "checked_cleared"
	KindItemsReordered Kind = "items_reordered"
)

var (
	// ErrMalformed is returned for frames that are not a valid envelope.
	ErrMalformed = errors.New("malformed realtime frame")

	// ErrUnknownKind is returned for well-formed envelopes of a type this
	// client does not merge, such as the server's auth_ok greeting.
	ErrUnknownKind = errors.New("unknown realtime event kind")
)

// Event is one decoded realtime event.
type Event interface {
	// Kind returns the wire name.
	Kind() Kind

	// Origin returns the id of the user whose action caused the event.
	Origin() string

	// Apply returns the collection with the event merged in. It never
	// modifies items and applying the same event twice gives the same
	// result as applying it once.
	Apply(items []models.Item) []models.Item

	// Groups returns the reorder groups the event would change when
	// applied to items.
	Groups(items []models.Item) []string

	sealed()
}

// Touches reports whether ev changes any item of group.
func Touches(ev Event, items []models.Item, group string) bool {
	return slices.Contains(ev.Groups(items), group)
}

// Actor identifies who caused an event.
type Actor struct {
	UserID string
}

func (a Actor) Origin() string { return a.UserID }
func (Actor) sealed()          {}

// ItemAdded carries a newly created item.
type ItemAdded struct {
	Actor
	Item models.Item
}

// ItemUpdated carries the new state of an edited item.
type ItemUpdated struct {
	Actor
	Item models.Item
}

// ItemChecked carries an item whose checked flag changed.
type ItemChecked struct {
	Actor
	Item models.Item
}

// ItemRemoved names a deleted item.
type ItemRemoved struct {
	Actor
	ID string
}

// CheckedCleared removes every checked item.
type CheckedCleared struct {
	Actor
}

// ItemsReordered carries the new order of one group.
type ItemsReordered struct {
	Actor
	IDs []string
}

func (ItemAdded) Kind() Kind      { return KindItemAdded }
func (ItemUpdated) Kind() Kind    { return KindItemUpdated }
func (ItemChecked) Kind() Kind    { return KindItemChecked }
func (ItemRemoved) Kind() Kind    { return KindItemRemoved }
func (CheckedCleared) Kind() Kind { return KindCheckedCleared }
func (ItemsReordered) Kind() Kind { return KindItemsReordered }

func (e ItemAdded) Apply(items []models.Item) []models.Item   { return Upsert(items, e.Item) }
func (e ItemUpdated) Apply(items []models.Item) []models.Item { return Upsert(items, e.Item) }
func (e ItemChecked) Apply(items []models.Item) []models.Item { return Upsert(items, e.Item) }

func (e ItemRemoved) Apply(items []models.Item) []models.Item {
	return Remove(items, e.ID)
}

func (CheckedCleared) Apply(items []models.Item) []models.Item {
	out := make([]models.Item, 0, len(items))

	for _, it := range items {
		if !it.Checked {
			out = append(out, it)
		}
	}

	return out
}

func (e ItemsReordered) Apply(items []models.Item) []models.Item {
	pos := make(map[string]int, len(e.IDs))
	for i, id := range e.IDs {
		pos[id] = i
	}

	out := slices.Clone(items)

	for i := range out {
		if p, ok := pos[out[i].ID]; ok {
			out[i].SortOrder = p
		}
	}

	return out
}

func (e ItemAdded) Groups(items []models.Item) []string   { return upsertGroups(items, e.Item) }
func (e ItemUpdated) Groups(items []models.Item) []string { return upsertGroups(items, e.Item) }
func (e ItemChecked) Groups(items []models.Item) []string { return upsertGroups(items, e.Item) }

func (e ItemRemoved) Groups(items []models.Item) []string {
	if i := index(items, e.ID); i >= 0 {
		return []string{items[i].Group()}
	}

	return nil
}

func (CheckedCleared) Groups(items []models.Item) []string {
	var groups []string

	for _, it := range items {
		if it.Checked && !slices.Contains(groups, it.Group()) {
			groups = append(groups, it.Group())
		}
	}

	return groups
}

func (e ItemsReordered) Groups(items []models.Item) []string {
	var groups []string

	for _, id := range e.IDs {
		if i := index(items, id); i >= 0 && !slices.Contains(groups, items[i].Group()) {
			groups = append(groups, items[i].Group())
		}
	}

	return groups
}

func upsertGroups(items []models.Item, it models.Item) []string {
	groups := []string{it.Group()}

	if i := index(items, it.ID); i >= 0 && items[i].Group() != it.Group() {
		groups = append(groups, items[i].Group())
	}

	return groups
}

func index(items []models.Item, id string) int {
	return slices.IndexFunc(items, func(it models.Item) bool { return it.ID == id })
}

// Upsert returns items with it replacing the entry of the same id, or
// appended when no such entry exists.
func Upsert(items []models.Item, it models.Item) []models.Item {
	out := slices.Clone(items)

	if i := index(out, it.ID); i >= 0 {
		out[i] = it
		return out
	}

	return append(out, it)
}

// Remove returns items without the entry of the given id.
func Remove(items []models.Item, id string) []models.Item {
	return slices.DeleteFunc(slices.Clone(items), func(it models.Item) bool { return it.ID == id })
}

// Decode parses one realtime envelope: {"type", "user_id", "data"}.
func Decode(frame []byte) (Event, error) {
	if !gjson.ValidBytes(frame) {
		return nil, ErrMalformed
	}

	env := gjson.ParseBytes(frame)
	if !env.IsObject() {
		return nil, ErrMalformed
	}

	kind := Kind(env.Get("type").String())
	a := Actor{UserID: env.Get("user_id").String()}
	data := env.Get("data")

	switch kind {
	case KindItemAdded, KindItemUpdated, KindItemChecked:
		var it models.Item
		if err := json.Unmarshal([]byte(data.Raw), &it); err != nil || it.ID == "" {
			return nil, fmt.Errorf("%w: %s without item", ErrMalformed, kind)
		}

		switch kind {
		case KindItemAdded:
			return ItemAdded{Actor: a, Item: it}, nil
		case KindItemUpdated:
			return ItemUpdated{Actor: a, Item: it}, nil
		default:
			return ItemChecked{Actor: a, Item: it}, nil
		}

	case KindItemRemoved:
		id := data.Get("id").String()
		if id == "" {
			return nil, fmt.Errorf("%w: %s without id", ErrMalformed, kind)
		}

		return ItemRemoved{Actor: a, ID: id}, nil

	case KindCheckedCleared:
		return CheckedCleared{Actor: a}, nil

	case KindItemsReordered:
		ids := data.Get("item_ids")
		if !ids.IsArray() {
			return nil, fmt.Errorf("%w: %s without item_ids", ErrMalformed, kind)
		}

		var out []string
		for _, v := range ids.Array() {
			out = append(out, v.String())
		}

		return ItemsReordered{Actor: a, IDs: out}, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}
