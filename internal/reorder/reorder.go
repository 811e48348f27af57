// Package reorder implements drag reordering of unchecked items within one
// category group.
//
// A drag is a session: Start picks the item, Enter is called for every new
// row the pointer (or touch) passes over and immediately rewrites the local
// sort_order, and End persists the final group order with one call.
package reorder

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/alexjbarnes/listsync/internal/collection"
	syncerr "github.com/alexjbarnes/listsync/internal/errors"
	"github.com/alexjbarnes/listsync/internal/models"
)

// Persister stores the order of one group on the server.
type Persister interface {
	ReorderItems(ctx context.Context, listID string, ids []string) error
}

// Holder suspends realtime merges into a group while it is being dragged.
// reconcile.Reconciler implements it.
type Holder interface {
	BeginDrag(group string)
	EndDrag(committed []string) int
}

type session struct {
	dragged    string
	group      string
	lastTarget string
	moved      bool
	original   map[string]int
}

// Engine runs drag sessions for one list.
type Engine struct {
	listID  string
	items   *collection.Collection
	persist Persister
	holder  Holder
	logger  *slog.Logger

	mu  sync.Mutex
	cur *session
}

// New returns an Engine. holder may be nil.
func New(listID string, items *collection.Collection, persist Persister, holder Holder, logger *slog.Logger) *Engine {
	return &Engine{
		listID:  listID,
		items:   items,
		persist: persist,
		holder:  holder,
		logger:  logger,
	}
}

// Start begins dragging the item with id. Checked items cannot be dragged.
// A drag still active is finished first as Cancel would: persisted if it
// moved anything, dropped otherwise. If that persist fails its error is
// returned and no new drag starts.
func (e *Engine) Start(ctx context.Context, id string) error {
	it, ok := e.items.Get(id)
	if !ok {
		return fmt.Errorf("item %s: %w", id, syncerr.ErrNotDraggable)
	}

	if it.Checked {
		return fmt.Errorf("item %s is checked: %w", id, syncerr.ErrNotDraggable)
	}

	if prev, err := e.take(); err == nil {
		if err := e.finish(ctx, prev); err != nil {
			return err
		}
	}

	group := it.Group()

	original := make(map[string]int)
	for _, g := range collection.GroupOrder(e.items.Snapshot(), group) {
		original[g.ID] = g.SortOrder
	}

	e.mu.Lock()
	e.cur = &session{dragged: id, group: group, original: original}
	e.mu.Unlock()

	if e.holder != nil {
		e.holder.BeginDrag(group)
	}

	e.logger.Debug("drag started", slog.String("item", id), slog.String("group", group))

	return nil
}

// Enter moves the dragged item to the position of target and rewrites the
// group's sort_order as 0..n-1. It reports whether the order changed.
// Entering the same target twice in a row, the dragged item itself, or a
// row outside the dragged group does nothing.
func (e *Engine) Enter(target string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.cur
	if s == nil {
		return false, syncerr.ErrNoDragSession
	}

	if target == s.dragged || target == s.lastTarget {
		return false, nil
	}

	s.lastTarget = target
	changed := false

	e.items.Update(func(items []models.Item) []models.Item {
		ids := collection.IDs(collection.GroupOrder(items, s.group))

		from := slices.Index(ids, s.dragged)
		to := slices.Index(ids, target)

		if from < 0 || to < 0 || from == to {
			return items
		}

		changed = true

		return collection.SetOrder(move(ids, from, to))(items)
	})

	if changed {
		s.moved = true
	}

	return changed, nil
}

// End finishes the drag and persists the group's current order with
// exactly one call. If the server rejects it, the group's order from
// before the drag is restored and the error is returned.
func (e *Engine) End(ctx context.Context) error {
	s, err := e.take()
	if err != nil {
		return err
	}

	return e.commit(ctx, s)
}

// Cancel aborts the drag. If the order already changed it is persisted as
// End would; otherwise no call is made.
func (e *Engine) Cancel(ctx context.Context) error {
	s, err := e.take()
	if err != nil {
		return err
	}

	return e.finish(ctx, s)
}

func (e *Engine) finish(ctx context.Context, s *session) error {
	if !s.moved {
		if e.holder != nil {
			e.holder.EndDrag(nil)
		}

		e.logger.Debug("drag cancelled", slog.String("item", s.dragged))

		return nil
	}

	return e.commit(ctx, s)
}

// Active returns the id of the item being dragged.
func (e *Engine) Active() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cur == nil {
		return "", false
	}

	return e.cur.dragged, true
}

func (e *Engine) take() (*session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.cur
	if s == nil {
		return nil, syncerr.ErrNoDragSession
	}

	e.cur = nil

	return s, nil
}

func (e *Engine) commit(ctx context.Context, s *session) error {
	ids := collection.IDs(collection.GroupOrder(e.items.Snapshot(), s.group))

	err := e.persist.ReorderItems(ctx, e.listID, ids)
	if err != nil {
		e.logger.Warn("reorder not saved, restoring previous order",
			slog.String("group", s.group),
			slog.String("error", err.Error()),
		)

		e.items.Update(restore(s.original))

		if e.holder != nil {
			e.holder.EndDrag(nil)
		}

		return fmt.Errorf("persisting order of %s: %w", s.group, err)
	}

	if e.holder != nil {
		e.holder.EndDrag(ids)
	}

	e.logger.Debug("drag committed", slog.String("group", s.group), slog.Int("items", len(ids)))

	return nil
}

func move(ids []string, from, to int) []string {
	out := slices.Clone(ids)
	id := out[from]
	out = slices.Delete(out, from, from+1)

	return slices.Insert(out, to, id)
}

func restore(orders map[string]int) collection.Transform {
	return func(items []models.Item) []models.Item {
		for i := range items {
			if o, ok := orders[items[i].ID]; ok {
				items[i].SortOrder = o
			}
		}

		return items
	}
}
