package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
)

// Install fetches the configured application shell paths into the static
// partition. Every path is attempted; failures are logged and returned
// joined so the caller can decide whether to continue.
func (r *Router) Install(ctx context.Context) error {
	var errs []error

	for _, path := range r.routes.Precache {
		u := r.session.Resolve(path)

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			errs = append(errs, fmt.Errorf("precache %s: %w", path, err))
			continue
		}

		resp, err := r.fetch(req)
		if err != nil {
			errs = append(errs, fmt.Errorf("precache %s: %w", path, err))
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			resp.Body.Close()
			errs = append(errs, fmt.Errorf("precache %s: status %d", path, resp.StatusCode))

			continue
		}

		resp, err = r.storeIfOK(req, StaticPartition, cacheKey(req), resp)
		if err != nil {
			errs = append(errs, fmt.Errorf("precache %s: %w", path, err))
			continue
		}

		resp.Body.Close()
	}

	if err := errors.Join(errs...); err != nil {
		r.logger.Warn("precache incomplete",
			slog.Int("failed", len(errs)),
			slog.Int("total", len(r.routes.Precache)),
		)

		return err
	}

	r.logger.Info("precache complete", slog.Int("paths", len(r.routes.Precache)))

	return nil
}

// Activate deletes every cache partition that is not part of the current
// partition-name set.
func (r *Router) Activate() error {
	removed, err := r.store.PruneCaches(Partitions)
	if err != nil {
		return err
	}

	for _, name := range removed {
		r.logger.Info("removed stale cache partition", slog.String("partition", name))
	}

	return nil
}
