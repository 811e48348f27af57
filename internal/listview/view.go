// Package listview is the active list surface: it owns the local item
// collection of one list and keeps it current from direct mutation
// results, realtime events and queue-replayed notifications.
package listview

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexjbarnes/listsync/internal/collection"
	"github.com/alexjbarnes/listsync/internal/event"
	"github.com/alexjbarnes/listsync/internal/models"
	"github.com/alexjbarnes/listsync/internal/notify"
	"github.com/alexjbarnes/listsync/internal/realtime"
	"github.com/alexjbarnes/listsync/internal/reconcile"
	"github.com/alexjbarnes/listsync/internal/reorder"
	"github.com/alexjbarnes/listsync/internal/session"
	"golang.org/x/sync/errgroup"
)

// Client is the REST surface the view needs. api.Client satisfies it.
type Client interface {
	ListItems(ctx context.Context, listID string) ([]models.Item, error)
	AddItem(ctx context.Context, listID string, in models.NewItem) (*models.Item, bool, error)
	UpdateItem(ctx context.Context, listID, itemID string, patch models.ItemPatch) (*models.Item, bool, error)
	DeleteItem(ctx context.Context, listID, itemID string) error
	ClearChecked(ctx context.Context, listID string) error
	ReorderItems(ctx context.Context, listID string, ids []string) error
}

// Config holds the parameters of a View.
type Config struct {
	ListID  string
	Session *session.Session
	Client  Client

	Heartbeat      time.Duration
	ReconnectDelay time.Duration

	Logger *slog.Logger
}

// View is one open list.
type View struct {
	listID string
	client Client
	logger *slog.Logger

	items   *collection.Collection
	rec     *reconcile.Reconciler
	reorder *reorder.Engine
	channel *realtime.Channel
}

// New returns a View with an empty collection. Call Load or Run to fill
// it.
func New(cfg Config) *View {
	logger := cfg.Logger.With(slog.String("list", cfg.ListID))
	items := collection.New(nil)
	rec := reconcile.New(cfg.Session.UserID(), items, logger)

	return &View{
		listID:  cfg.ListID,
		client:  cfg.Client,
		logger:  logger,
		items:   items,
		rec:     rec,
		reorder: reorder.New(cfg.ListID, items, cfg.Client, rec, logger),
		channel: realtime.NewChannel(realtime.Config{
			Session:        cfg.Session,
			ListID:         cfg.ListID,
			Heartbeat:      cfg.Heartbeat,
			ReconnectDelay: cfg.ReconnectDelay,
			Handler:        rec.Handle,
		}, logger),
	}
}

// ListID returns the id of the list.
func (v *View) ListID() string { return v.listID }

// Items returns the local collection.
func (v *View) Items() *collection.Collection { return v.items }

// Reorder returns the drag engine for this list.
func (v *View) Reorder() *reorder.Engine { return v.reorder }

// Channel returns the realtime channel.
func (v *View) Channel() *realtime.Channel { return v.channel }

// Reconciler returns the realtime merge layer.
func (v *View) Reconciler() *reconcile.Reconciler { return v.rec }

// Snapshot returns the current items.
func (v *View) Snapshot() []models.Item { return v.items.Snapshot() }

// Load replaces the collection with the server's state.
func (v *View) Load(ctx context.Context) error {
	items, err := v.client.ListItems(ctx, v.listID)
	if err != nil {
		return fmt.Errorf("loading list %s: %w", v.listID, err)
	}

	v.items.Replace(items)
	v.logger.Debug("list loaded", slog.Int("items", len(items)))

	return nil
}

// Run loads the list, keeps the realtime channel connected and reloads
// whenever replayed delivers a queue-replayed message. It returns when
// ctx is cancelled.
func (v *View) Run(ctx context.Context, replayed <-chan notify.Message) error {
	if err := v.Load(ctx); err != nil {
		v.logger.Warn("initial load failed", slog.String("error", err.Error()))
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return v.channel.Listen(gctx)
	})

	g.Go(func() error {
		defer v.channel.Close()

		for {
			select {
			case <-gctx.Done():
				return nil
			case msg, ok := <-replayed:
				if !ok {
					replayed = nil
					continue
				}

				if msg.Type != notify.TypeQueueReplayed {
					continue
				}

				if err := v.Load(gctx); err != nil {
					v.logger.Warn("reload after replay failed", slog.String("error", err.Error()))
				}
			}
		}
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

// Add creates an item. A created item is merged immediately. A queued
// create is not shown until the queue is replayed and the list reloads.
func (v *View) Add(ctx context.Context, in models.NewItem) (queued bool, err error) {
	item, queued, err := v.client.AddItem(ctx, v.listID, in)
	if err != nil {
		return false, err
	}

	if item != nil {
		v.items.Update(upsert(*item))
	}

	return queued, nil
}

// Edit applies patch to an item and merges the server's copy.
func (v *View) Edit(ctx context.Context, id string, patch models.ItemPatch) (queued bool, err error) {
	item, queued, err := v.client.UpdateItem(ctx, v.listID, id, patch)
	if err != nil {
		return false, err
	}

	if item != nil {
		v.items.Update(upsert(*item))
	}

	return queued, nil
}

// ToggleChecked flips the checked flag of an item.
func (v *View) ToggleChecked(ctx context.Context, id string) (queued bool, err error) {
	it, ok := v.items.Get(id)
	if !ok {
		return false, fmt.Errorf("item %s not in list %s", id, v.listID)
	}

	checked := !it.Checked

	return v.Edit(ctx, id, models.ItemPatch{Checked: &checked})
}

// Delete removes an item. The local copy is removed once the server (or
// the offline queue) accepts the request.
func (v *View) Delete(ctx context.Context, id string) error {
	if err := v.client.DeleteItem(ctx, v.listID, id); err != nil {
		return err
	}

	v.items.Update(func(items []models.Item) []models.Item {
		return event.Remove(items, id)
	})

	return nil
}

// ClearChecked removes every checked item.
func (v *View) ClearChecked(ctx context.Context) error {
	if err := v.client.ClearChecked(ctx, v.listID); err != nil {
		return err
	}

	v.items.Update(event.CheckedCleared{}.Apply)

	return nil
}

// Groups returns the unchecked items of every group in display order,
// keyed by group.
func (v *View) Groups() map[string][]models.Item {
	snap := v.items.Snapshot()
	out := make(map[string][]models.Item)

	for _, it := range snap {
		if it.Checked {
			continue
		}

		if _, ok := out[it.Group()]; !ok {
			out[it.Group()] = collection.GroupOrder(snap, it.Group())
		}
	}

	return out
}

func upsert(it models.Item) collection.Transform {
	return func(items []models.Item) []models.Item {
		return event.Upsert(items, it)
	}
}
