// Package server exposes the local proxy and control endpoints of the
// sync daemon. Every request that is not a control endpoint is forwarded
// to the list server through the cache router, so local clients get the
// same offline behavior as the daemon itself.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"time"

	"github.com/alexjbarnes/listsync/internal/listview"
	"github.com/alexjbarnes/listsync/internal/models"
	"github.com/alexjbarnes/listsync/internal/reconcile"
	"github.com/alexjbarnes/listsync/internal/replay"
	"github.com/alexjbarnes/listsync/internal/session"
	"github.com/alexjbarnes/listsync/internal/suggest"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	// ControlPrefix is the path prefix of the daemon's own endpoints.
	ControlPrefix = "/_sync"

	shutdownTimeout = 10 * time.Second

	suggestTimeout = 5 * time.Second
)

// Replayer runs and reports replay passes. *replay.Engine satisfies it.
type Replayer interface {
	Replay(ctx context.Context) (replay.Result, error)
	Last() (replay.Result, bool)
}

// Queue reports the number of pending offline mutations.
type Queue interface {
	QueueLen() int
}

// Connectivity reports whether the list server is reachable.
type Connectivity interface {
	Online() bool
}

// Config holds the dependencies of the HTTP engine.
type Config struct {
	// Router carries proxied requests. In the daemon this is the cache
	// router.
	Router   http.RoundTripper
	Session  *session.Session
	Replayer Replayer
	Queue    Queue
	Monitor  Connectivity
	// View is optional. When set its items and realtime state are
	// reported.
	View *listview.View
	// Suggest is optional. When set, GET /_sync/suggest serves debounced
	// item-name suggestions.
	Suggest *suggest.Lookup
	// MCPHandler is optional and mounted at /mcp.
	MCPHandler http.Handler

	RateLimit  float64
	RateBurst  int
	Production bool
	Logger     *slog.Logger
}

// RealtimeStatus describes the realtime channel of the open list.
type RealtimeStatus struct {
	ListID      string          `json:"list_id"`
	Connected   bool            `json:"connected"`
	Reconnects  int             `json:"reconnects"`
	LastMessage *time.Time      `json:"last_message,omitempty"`
	Events      reconcile.Stats `json:"events"`
}

// Status is the body of GET /_sync/status.
type Status struct {
	Online     bool            `json:"online"`
	Queued     int             `json:"queued"`
	LastReplay *replay.Result  `json:"last_replay,omitempty"`
	Realtime   *RealtimeStatus `json:"realtime,omitempty"`
}

// NewEngine builds the gin engine with control endpoints, the optional
// MCP endpoint and the catch-all proxy.
func NewEngine(cfg Config) *gin.Engine {
	if cfg.Production {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(cfg.Logger))

	control := r.Group(ControlPrefix)
	control.Use(rateLimit(rate.Limit(cfg.RateLimit), cfg.RateBurst))
	{
		control.GET("/status", statusHandler(cfg))
		control.POST("/replay", replayHandler(cfg))

		if cfg.View != nil {
			control.GET("/items", itemsHandler(cfg.View))
		}
	}

	// Typing clients call this once per keystroke, so it is not rate
	// limited with the other control endpoints.
	if cfg.Suggest != nil {
		r.GET(ControlPrefix+"/suggest", suggestHandler(cfg.Suggest))
	}

	if cfg.MCPHandler != nil {
		r.Any("/mcp", gin.WrapH(cfg.MCPHandler))
	}

	r.NoRoute(gin.WrapH(newProxy(cfg)))

	return r
}

// Serve runs handler on addr until ctx is cancelled, then shuts down
// gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down local server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("local server listening", slog.String("addr", addr))

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("local server: %w", err)
	}

	return nil
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		logger.Debug("request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("took", time.Since(start)),
		)
	}
}

func statusHandler(cfg Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		st := Status{
			Online: cfg.Monitor.Online(),
			Queued: cfg.Queue.QueueLen(),
		}

		if last, ok := cfg.Replayer.Last(); ok {
			st.LastReplay = &last
		}

		if v := cfg.View; v != nil {
			ch := v.Channel()
			rs := &RealtimeStatus{
				ListID:     v.ListID(),
				Connected:  ch.Connected(),
				Reconnects: ch.Reconnects(),
				Events:     v.Reconciler().Stats(),
			}

			if lm := ch.LastMessage(); !lm.IsZero() {
				rs.LastMessage = &lm
			}

			st.Realtime = rs
		}

		c.JSON(http.StatusOK, st)
	}
}

func replayHandler(cfg Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := cfg.Replayer.Replay(c.Request.Context())
		if err != nil {
			cfg.Logger.Error("manual replay failed", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})

			return
		}

		c.JSON(http.StatusOK, res)
	}
}

func itemsHandler(v *listview.View) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"list_id": v.ListID(),
			"items":   v.Snapshot(),
		})
	}
}

func suggestHandler(l *suggest.Lookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		seq := l.Input(c.Query("q"))

		ctx, cancel := context.WithTimeout(c.Request.Context(), suggestTimeout)
		defer cancel()

		res, err := l.Wait(ctx, seq)
		if err != nil {
			c.JSON(http.StatusGatewayTimeout, gin.H{"detail": "suggestions timed out"})
			return
		}

		if res.Err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"detail": res.Err.Error()})
			return
		}

		suggestions := res.Suggestions
		if suggestions == nil {
			suggestions = []models.Suggestion{}
		}

		c.JSON(http.StatusOK, gin.H{
			"query":       res.Query,
			"superseded":  res.Seq != seq,
			"suggestions": suggestions,
		})
	}
}

// newProxy forwards requests to the list server through cfg.Router. A
// request without credentials is sent with the session bearer token.
func newProxy(cfg Config) *httputil.ReverseProxy {
	target := cfg.Session.BaseURL()

	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.Out.Host = target.Host

			if pr.Out.Header.Get("Authorization") == "" {
				if tok := cfg.Session.Token(); tok != "" {
					pr.Out.Header.Set("Authorization", "Bearer "+tok)
				}
			}
		},
		Transport: cfg.Router,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			cfg.Logger.Warn("proxy request failed",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("error", err.Error()),
			)

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"detail":"upstream unavailable"}`))
		},
	}
}
