// Package reconcile merges realtime events into the local collection.
package reconcile

import (
	"log/slog"
	"sync"

	"github.com/alexjbarnes/listsync/internal/collection"
	"github.com/alexjbarnes/listsync/internal/event"
	"github.com/alexjbarnes/listsync/internal/models"
)

// Stats counts what happened to inbound events.
type Stats struct {
	Applied int `json:"applied"`
	Ignored int `json:"ignored"`
	Held    int `json:"held"`
}

// Reconciler applies events from other users to the collection. Events
// caused by the local actor are dropped because the optimistic change
// that produced them is already applied.
//
// While a drag is active, events that would change the dragged group
// are held and applied, in arrival order, when the drag ends.
type Reconciler struct {
	actor  string
	items  *collection.Collection
	logger *slog.Logger

	mu        sync.Mutex
	dragGroup string
	dragging  bool
	held      []event.Event
	stats     Stats
}

// New returns a Reconciler for actor writing into items.
func New(actor string, items *collection.Collection, logger *slog.Logger) *Reconciler {
	return &Reconciler{actor: actor, items: items, logger: logger}
}

// Handle merges one event. It has the realtime.Handler signature.
func (r *Reconciler) Handle(ev event.Event) {
	if ev.Origin() == r.actor {
		r.mu.Lock()
		r.stats.Ignored++
		r.mu.Unlock()

		r.logger.Debug("ignoring own event", slog.String("kind", string(ev.Kind())))

		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	held := false

	r.items.Update(func(items []models.Item) []models.Item {
		if r.dragging && event.Touches(ev, items, r.dragGroup) {
			held = true
			return items
		}

		return ev.Apply(items)
	})

	if held {
		r.held = append(r.held, ev)
		r.stats.Held++

		r.logger.Debug("holding event during drag",
			slog.String("kind", string(ev.Kind())),
			slog.String("group", r.dragGroup),
		)

		return
	}

	r.stats.Applied++
}

// BeginDrag starts holding events that touch group.
func (r *Reconciler) BeginDrag(group string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.dragging = true
	r.dragGroup = group
}

// EndDrag stops holding and applies held events in arrival order. When
// committed is non-nil it is the order the drag just persisted; since
// that write reached the server after every held event, it is applied
// again on top so stale sort_order values carried by held events do not
// overwrite it.
func (r *Reconciler) EndDrag(committed []string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	held := r.held
	r.held = nil
	r.dragging = false
	r.dragGroup = ""

	if len(held) == 0 {
		return 0
	}

	r.items.Update(func(items []models.Item) []models.Item {
		for _, ev := range held {
			items = ev.Apply(items)
		}

		if committed != nil {
			items = collection.SetOrder(committed)(items)
		}

		return items
	})

	r.stats.Applied += len(held)

	r.logger.Debug("applied held events", slog.Int("count", len(held)))

	return len(held)
}

// Dragging reports whether a drag is holding events.
func (r *Reconciler) Dragging() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.dragging
}

// Stats returns the event counters.
func (r *Reconciler) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.stats
}
