package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/listsync/internal/api"
	"github.com/alexjbarnes/listsync/internal/cache"
	"github.com/alexjbarnes/listsync/internal/config"
	"github.com/alexjbarnes/listsync/internal/connectivity"
	"github.com/alexjbarnes/listsync/internal/listview"
	"github.com/alexjbarnes/listsync/internal/logging"
	"github.com/alexjbarnes/listsync/internal/mcpserver"
	"github.com/alexjbarnes/listsync/internal/notify"
	"github.com/alexjbarnes/listsync/internal/replay"
	"github.com/alexjbarnes/listsync/internal/server"
	"github.com/alexjbarnes/listsync/internal/session"
	"github.com/alexjbarnes/listsync/internal/state"
	"github.com/alexjbarnes/listsync/internal/suggest"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const probeTimeout = 10 * time.Second

// NewRunCommand creates the daemon command.
func NewRunCommand(rootOpts *RootOptions, version string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync daemon",
		Long: `Run the caching proxy, the offline queue replayer and, when
LISTSYNC_LIST_ID is set, the realtime view of that list.

Configuration is read from the environment and an optional .env file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			cfg.StatePath = rootOpts.statePath(cfg.StatePath)

			logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
			logger.Info("listsync starting",
				slog.String("version", version),
				slog.String("server", cfg.ServerURL),
				slog.String("list", cfg.ListID),
				slog.Bool("mcp", cfg.EnableMCP),
			)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runDaemon(ctx, cfg, version, logger)
		},
	}
}

// resolveToken reads the credential from the token file when one is
// configured, falling back to the last token persisted in state.
func resolveToken(cfg *config.Config, st *state.State, logger *slog.Logger) (string, error) {
	if cfg.TokenFile == "" {
		return cfg.Token, nil
	}

	token, err := session.ReadTokenFile(cfg.TokenFile)
	if err == nil {
		return token, nil
	}

	if cached := st.Token(); cached != "" {
		logger.Warn("token file unreadable, using cached token", slog.String("error", err.Error()))
		return cached, nil
	}

	if cfg.Token != "" {
		return cfg.Token, nil
	}

	return "", err
}

func runDaemon(ctx context.Context, cfg *config.Config, version string, logger *slog.Logger) error {
	st, err := openState(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer st.Close()

	token, err := resolveToken(cfg, st, logger)
	if err != nil {
		return fmt.Errorf("reading token: %w", err)
	}

	sess, err := session.New(cfg.ServerURL, cfg.UserID, token)
	if err != nil {
		return err
	}

	if err := st.SetToken(token); err != nil {
		logger.Warn("persisting token failed", slog.String("error", err.Error()))
	}

	sess.OnTokenChange(func(tok string) {
		if err := st.SetToken(tok); err != nil {
			logger.Warn("persisting token failed", slog.String("error", err.Error()))
		}
	})

	routes, err := config.LoadRoutes(cfg.RoutesFile)
	if err != nil {
		return err
	}

	monitor := connectivity.NewMonitor(
		sess.Resolve(routes.HealthPath),
		&http.Client{Timeout: probeTimeout},
		cfg.ProbeInterval,
		logger.With(slog.String("component", "connectivity")),
	)

	router := cache.NewRouter(cache.RouterConfig{
		Store:   st,
		Session: sess,
		Routes:  routes,
		Monitor: monitor,
		Logger:  logger.With(slog.String("component", "cache")),
	})

	if err := router.Activate(); err != nil {
		return fmt.Errorf("activating cache: %w", err)
	}

	bus := notify.NewBroadcaster(logger)

	client := api.NewClient(api.Config{
		Session:          sess,
		Transport:        router,
		RefreshTransport: router.Transport(),
		Logger:           logger.With(slog.String("component", "api")),
	})

	replayer := replay.New(replay.Config{
		Queue:     st,
		Transport: router.Transport(),
		Session:   sess,
		Notifier:  bus,
		Refresher: client,
		Monitor:   monitor,
		Logger:    logger.With(slog.String("component", "replay")),
	})

	lookup := suggest.New(client, cfg.SuggestDelay, logger.With(slog.String("component", "suggest")))
	defer lookup.Close()

	var view *listview.View
	if cfg.ListID != "" {
		view = listview.New(listview.Config{
			ListID:         cfg.ListID,
			Session:        sess,
			Client:         client,
			Heartbeat:      cfg.HeartbeatInterval,
			ReconnectDelay: cfg.ReconnectDelay,
			Logger:         logger.With(slog.String("component", "view"), slog.String("list", cfg.ListID)),
		})
	}

	var mcpHandler http.Handler
	if cfg.EnableMCP {
		mcpServer := mcp.NewServer(&mcp.Implementation{Name: "listsync", Version: version}, nil)

		deps := mcpserver.Deps{Queue: st, Replayer: replayer}
		if view != nil {
			deps.Items = view
		}
		mcpserver.RegisterTools(mcpServer, deps)

		mcpHandler = mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
			return mcpServer
		}, nil)
	}

	engine := server.NewEngine(server.Config{
		Router:     router,
		Session:    sess,
		Replayer:   replayer,
		Queue:      st,
		Monitor:    monitor,
		View:       view,
		Suggest:    lookup,
		MCPHandler: mcpHandler,
		RateLimit:  cfg.ControlRate,
		RateBurst:  cfg.ControlBurst,
		Production: cfg.IsProduction(),
		Logger:     logger.With(slog.String("component", "server")),
	})

	g, gctx := errgroup.WithContext(ctx)

	// Install logs its own failures.
	g.Go(func() error {
		_ = router.Install(gctx)
		return nil
	})

	g.Go(func() error {
		return monitor.Run(gctx)
	})

	g.Go(func() error {
		return replayer.Run(gctx, monitor.Restored())
	})

	g.Go(func() error {
		res, err := replayer.Replay(gctx)
		if err != nil {
			logger.Warn("startup replay failed", slog.String("error", err.Error()))
			return nil
		}

		if res.Removed() > 0 || res.Remaining > 0 {
			logger.Info("startup replay finished",
				slog.Int("replayed", res.Replayed),
				slog.Int("rejected", res.Rejected),
				slog.Int("remaining", res.Remaining),
			)
		}

		return nil
	})

	if cfg.TokenFile != "" {
		g.Go(func() error {
			return sess.WatchTokenFile(gctx, cfg.TokenFile, logger)
		})
	}

	if view != nil {
		replayed, unsubscribe := bus.Subscribe()
		defer unsubscribe()

		g.Go(func() error {
			return view.Run(gctx, replayed)
		})
	}

	g.Go(func() error {
		return server.Serve(gctx, cfg.ListenAddr, engine, logger)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		logger.Info("listsync stopped")
		return nil
	}

	return err
}
