// Package replay drains the offline mutation queue once the server is
// reachable again.
package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	syncerr "github.com/alexjbarnes/listsync/internal/errors"
	"github.com/alexjbarnes/listsync/internal/models"
	"github.com/alexjbarnes/listsync/internal/notify"
	"github.com/alexjbarnes/listsync/internal/session"
	"golang.org/x/sync/singleflight"
)

// maxDrainBody caps how much of a replay response body is read before
// the connection is released.
const maxDrainBody = 64 << 10

// Queue is the durable queue the engine drains. *state.State satisfies it.
type Queue interface {
	ListAll() ([]models.QueuedMutation, error)
	Remove(key uint64) error
	QueueLen() int
}

// Publisher receives the queue-replayed notification.
type Publisher interface {
	Publish(msg notify.Message) int
}

// Reporter receives network outcomes of replayed requests.
// *connectivity.Monitor satisfies it.
type Reporter interface {
	ReportSuccess()
	ReportFailure()
}

// Refresher renews the session credential after a 401.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Result summarizes one replay pass.
type Result struct {
	// Replayed counts entries the server accepted.
	Replayed int `json:"replayed"`

	// Rejected counts entries the server refused with a non-retryable
	// status. They are removed and not retried.
	Rejected int `json:"rejected"`

	// Remaining is the queue length after the pass.
	Remaining int `json:"remaining"`

	// Stopped is set when the pass ended early on a failed entry.
	Stopped bool `json:"stopped"`

	// Notified is set when the pass published queue-replayed.
	Notified bool `json:"notified"`

	FinishedAt time.Time `json:"finished_at"`
}

// Removed returns how many entries left the queue during the pass.
func (r Result) Removed() int {
	return r.Replayed + r.Rejected
}

// Config holds the collaborators of an Engine.
type Config struct {
	Queue Queue
	// Transport must be the raw network transport, never the cache
	// router, so a failed replay is not queued again.
	Transport http.RoundTripper
	Session   *session.Session
	Notifier  Publisher
	// Refresher is optional.
	Refresher Refresher
	// Monitor is optional and is told the network outcome of every
	// replayed request.
	Monitor Reporter
	Logger  *slog.Logger
}

// Engine replays queued mutations strictly in insertion order and stops
// at the first entry that could not be delivered.
type Engine struct {
	queue     Queue
	client    *http.Client
	session   *session.Session
	notifier  Publisher
	refresher Refresher
	monitor   Reporter
	logger    *slog.Logger

	group singleflight.Group

	mu   sync.Mutex
	last *Result
}

// New returns an Engine for cfg.
func New(cfg Config) *Engine {
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	return &Engine{
		queue: cfg.Queue,
		client: &http.Client{
			Transport: transport,
			Timeout:   30 * time.Second,
			// Queued requests target the API directly; a redirect means
			// something changed server side and is treated as a response.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		session:   cfg.Session,
		notifier:  cfg.Notifier,
		refresher: cfg.Refresher,
		monitor:   cfg.Monitor,
		logger:    cfg.Logger,
	}
}

// Replay runs one pass. Concurrent calls share a single pass and all
// receive its result.
func (e *Engine) Replay(ctx context.Context) (Result, error) {
	v, err, shared := e.group.Do("replay", func() (any, error) {
		return e.replay(ctx)
	})
	if shared {
		e.logger.Debug("replay trigger coalesced")
	}

	res, _ := v.(Result)

	return res, err
}

// Last returns the result of the most recent completed pass, if any.
func (e *Engine) Last() (Result, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.last == nil {
		return Result{}, false
	}

	return *e.last, true
}

// Run replays once per value received on trigger until ctx is cancelled.
func (e *Engine) Run(ctx context.Context, trigger <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-trigger:
			if _, err := e.Replay(ctx); err != nil && ctx.Err() == nil {
				e.logger.Error("replay failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (e *Engine) replay(ctx context.Context) (Result, error) {
	var res Result

	entries, err := e.queue.ListAll()
	if err != nil {
		return res, fmt.Errorf("%w: %w", syncerr.ErrStorageUnavailable, err)
	}

	if len(entries) > 0 {
		e.logger.Info("replaying offline queue", slog.Int("entries", len(entries)))
	}

	for _, m := range entries {
		outcome, err := e.deliver(ctx, m)
		if err != nil {
			e.logger.Warn("replay stopped",
				slog.String("method", m.Method),
				slog.String("url", m.URL),
				slog.Uint64("key", m.Key),
				slog.String("error", err.Error()),
			)

			res.Stopped = true

			break
		}

		if err := e.queue.Remove(m.Key); err != nil {
			e.logger.Error("replayed entry could not be removed",
				slog.Uint64("key", m.Key),
				slog.String("error", err.Error()),
			)

			res.Stopped = true
			e.finish(&res)

			return res, fmt.Errorf("%w: removing entry %d: %w", syncerr.ErrStorageUnavailable, m.Key, err)
		}

		if outcome == outcomeRejected {
			res.Rejected++
		} else {
			res.Replayed++
		}
	}

	e.finish(&res)

	return res, nil
}

func (e *Engine) finish(res *Result) {
	res.Remaining = e.queue.QueueLen()
	res.FinishedAt = time.Now()

	if res.Removed() > 0 && res.Remaining == 0 && e.notifier != nil {
		n := e.notifier.Publish(notify.Message{Type: notify.TypeQueueReplayed})
		res.Notified = true

		e.logger.Info("offline queue drained",
			slog.Int("replayed", res.Replayed),
			slog.Int("rejected", res.Rejected),
			slog.Int("observers", n),
		)
	}

	e.mu.Lock()
	last := *res
	e.last = &last
	e.mu.Unlock()
}

type outcome int

const (
	outcomeAccepted outcome = iota
	outcomeRejected
)

// errRetryLater marks a response that means the server cannot take the
// request yet. The entry stays queued.
var errRetryLater = errors.New("server not ready")

func (e *Engine) deliver(ctx context.Context, m models.QueuedMutation) (outcome, error) {
	status, err := e.send(ctx, m)
	if err != nil {
		return 0, err
	}

	if status == http.StatusUnauthorized && e.refresher != nil {
		if err := e.refresher.Refresh(ctx); err != nil {
			return 0, fmt.Errorf("refreshing credential: %w", err)
		}

		status, err = e.send(ctx, m)
		if err != nil {
			return 0, err
		}
	}

	switch {
	case status >= 200 && status < 400:
		return outcomeAccepted, nil
	case retryLater(status):
		return 0, fmt.Errorf("%w: status %d", errRetryLater, status)
	default:
		e.logger.Warn("queued mutation rejected by server",
			slog.String("method", m.Method),
			slog.String("url", m.URL),
			slog.Int("status", status),
		)

		return outcomeRejected, nil
	}
}

func retryLater(status int) bool {
	switch status {
	case http.StatusUnauthorized,
		http.StatusRequestTimeout,
		http.StatusInternalServerError,
		http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

func (e *Engine) send(ctx context.Context, m models.QueuedMutation) (int, error) {
	var body io.Reader
	if m.Body != nil {
		body = strings.NewReader(*m.Body)
	}

	req, err := http.NewRequestWithContext(ctx, m.Method, m.URL, body)
	if err != nil {
		return 0, fmt.Errorf("building request: %w", err)
	}

	for k, v := range m.Headers {
		req.Header.Set(k, v)
	}

	// The captured credential may have expired while offline.
	if req.Header.Get("Authorization") != "" {
		if tok := e.session.Token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() == nil && e.monitor != nil {
			e.monitor.ReportFailure()
		}

		return 0, fmt.Errorf("%w: %w", syncerr.ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()

	if e.monitor != nil {
		e.monitor.ReportSuccess()
	}

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBody))

	return resp.StatusCode, nil
}
