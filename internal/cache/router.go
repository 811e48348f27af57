// Package cache implements the request router that sits between every
// outbound call to the list server and the network. Each request is
// classified into one caching or queueing policy; reads degrade to cached
// copies and writes degrade to the durable offline queue.
package cache

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alexjbarnes/listsync/internal/config"
	syncerr "github.com/alexjbarnes/listsync/internal/errors"
	"github.com/alexjbarnes/listsync/internal/models"
	"github.com/alexjbarnes/listsync/internal/session"
	"github.com/alexjbarnes/listsync/internal/state"
)

const (
	// StaticPartition holds immutable assets and the application shell.
	StaticPartition = "static-v1"

	// APIPartition holds successful data API reads.
	APIPartition = "api-v1"

	// QueuedDetail is the detail text of a synthesized queued response.
	QueuedDetail = "Saved offline - will sync when back online"

	// OfflineDetail is the detail text of a synthesized read failure.
	OfflineDetail = "You are offline"

	// SourceHeader is set on responses that did not come from the network.
	SourceHeader = "X-Listsync-Source"
)

// Partitions is the current partition-name set. Anything else is removed
// by Activate.
var Partitions = []string{StaticPartition, APIPartition}

// Store is the durable storage the router writes to. *state.State
// satisfies it.
type Store interface {
	Append(m models.QueuedMutation) (uint64, error)
	CacheGet(partition, key string) (*state.CachedResponse, error)
	CachePut(partition, key string, resp state.CachedResponse) error
	PruneCaches(keep []string) ([]string, error)
}

// Reporter receives network outcomes. *connectivity.Monitor satisfies it.
type Reporter interface {
	ReportSuccess()
	ReportFailure()
}

type policy int

const (
	// policyPassThrough sends cross-origin and upgrade requests untouched.
	policyPassThrough policy = iota

	// policyCacheFirst serves static assets from cache when present.
	policyCacheFirst

	// policyAPIRead is network-first with cache fallback, then a 503.
	policyAPIRead

	// policyAPIWrite is network-only, queueing on transport failure.
	policyAPIWrite

	// policyNavigation is network-first with the cached shell as fallback.
	policyNavigation

	// policyDefault is network-first with best-effort cache fallback.
	policyDefault
)

func (p policy) String() string {
	switch p {
	case policyPassThrough:
		return "pass-through"
	case policyCacheFirst:
		return "cache-first"
	case policyAPIRead:
		return "api-read"
	case policyAPIWrite:
		return "api-write"
	case policyNavigation:
		return "navigation"
	case policyDefault:
		return "default"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// RouterConfig holds the collaborators of a Router.
type RouterConfig struct {
	// Transport performs real network I/O. Defaults to http.DefaultTransport.
	Transport http.RoundTripper
	Store     Store
	Session   *session.Session
	Routes    config.Routes
	// Monitor is optional.
	Monitor Reporter
	Logger  *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Router is an http.RoundTripper applying per-route cache and queue
// policies.
type Router struct {
	next    http.RoundTripper
	store   Store
	session *session.Session
	routes  config.Routes
	monitor Reporter
	logger  *slog.Logger
	now     func() time.Time
}

// NewRouter returns a Router for cfg.
func NewRouter(cfg RouterConfig) *Router {
	r := &Router{
		next:    cfg.Transport,
		store:   cfg.Store,
		session: cfg.Session,
		routes:  cfg.Routes,
		monitor: cfg.Monitor,
		logger:  cfg.Logger,
		now:     cfg.Now,
	}

	if r.next == nil {
		r.next = http.DefaultTransport
	}

	if r.now == nil {
		r.now = time.Now
	}

	return r
}

// Transport returns the underlying network transport. The replay engine
// uses it so replayed writes are never queued a second time.
func (r *Router) Transport() http.RoundTripper {
	return r.next
}

// RoundTrip implements http.RoundTripper.
func (r *Router) RoundTrip(req *http.Request) (*http.Response, error) {
	p := r.classify(req)

	switch p {
	case policyPassThrough:
		return r.next.RoundTrip(req)
	case policyCacheFirst:
		return r.cacheFirst(req)
	case policyAPIRead:
		return r.apiRead(req)
	case policyAPIWrite:
		return r.apiWrite(req)
	case policyNavigation:
		return r.navigation(req)
	default:
		return r.networkFirst(req)
	}
}

func (r *Router) classify(req *http.Request) policy {
	if !sameOrigin(req.URL, r.session.BaseURL()) {
		return policyPassThrough
	}

	if isUpgrade(req) {
		return policyPassThrough
	}

	path := req.URL.Path

	if req.Method == http.MethodGet && strings.HasPrefix(path, r.routes.StaticPrefix) {
		return policyCacheFirst
	}

	if strings.HasPrefix(path, r.routes.APIPrefix) {
		if req.Method == http.MethodGet {
			return policyAPIRead
		}

		return policyAPIWrite
	}

	if isNavigation(req) {
		return policyNavigation
	}

	return policyDefault
}

// sameOrigin compares scheme, host and port, filling in the scheme's
// default port where the URL omits it.
func sameOrigin(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) &&
		strings.EqualFold(a.Hostname(), b.Hostname()) &&
		effectivePort(a) == effectivePort(b)
}

func effectivePort(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		return "80"
	case "https", "wss":
		return "443"
	}

	return ""
}

func isUpgrade(req *http.Request) bool {
	if strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
		return true
	}

	return req.URL.Scheme == "ws" || req.URL.Scheme == "wss"
}

func isNavigation(req *http.Request) bool {
	if req.Method != http.MethodGet {
		return false
	}

	if req.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}

	return strings.Contains(req.Header.Get("Accept"), "text/html")
}

func cacheKey(req *http.Request) string {
	return req.Method + " " + req.URL.String()
}

// fetch sends req over the network and reports the outcome. A transport
// error caused by the caller cancelling its own context is not counted
// as a connectivity failure.
func (r *Router) fetch(req *http.Request) (*http.Response, error) {
	resp, err := r.next.RoundTrip(req)
	if err != nil {
		if req.Context().Err() == nil && r.monitor != nil {
			r.monitor.ReportFailure()
		}

		return nil, err
	}

	if r.monitor != nil {
		r.monitor.ReportSuccess()
	}

	return resp, nil
}

func (r *Router) cacheFirst(req *http.Request) (*http.Response, error) {
	key := cacheKey(req)

	if resp := r.lookup(req, StaticPartition, key); resp != nil {
		return resp, nil
	}

	resp, err := r.fetch(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", syncerr.ErrNetworkUnavailable, err)
	}

	return r.storeIfOK(req, StaticPartition, key, resp)
}

func (r *Router) apiRead(req *http.Request) (*http.Response, error) {
	key := cacheKey(req)

	resp, err := r.fetch(req)
	if err == nil {
		return r.storeIfOK(req, APIPartition, key, resp)
	}

	if req.Context().Err() != nil {
		return nil, err
	}

	r.logger.Debug("api read failed, trying cache",
		slog.String("url", req.URL.String()),
		slog.String("error", err.Error()),
	)

	if cached := r.lookup(req, APIPartition, key); cached != nil {
		return cached, nil
	}

	return jsonResponse(req, http.StatusServiceUnavailable, map[string]any{"detail": OfflineDetail}), nil
}

func (r *Router) apiWrite(req *http.Request) (*http.Response, error) {
	var body []byte

	if req.Body != nil && req.Body != http.NoBody {
		var err error

		body, err = io.ReadAll(req.Body)
		req.Body.Close()

		if err != nil {
			return nil, fmt.Errorf("reading request body: %w", err)
		}
	}

	out := req.Clone(req.Context())
	setBody(out, body)

	resp, err := r.fetch(out)
	if err == nil {
		return resp, nil
	}

	if req.Context().Err() != nil {
		return nil, err
	}

	m := captureMutation(req, body, r.now())

	key, qerr := r.store.Append(m)
	if qerr != nil {
		r.logger.Error("offline mutation lost, queue unavailable",
			slog.String("method", m.Method),
			slog.String("url", m.URL),
			slog.String("error", qerr.Error()),
		)

		return nil, fmt.Errorf("%w: %w", syncerr.ErrStorageUnavailable, errors.Join(qerr, err))
	}

	r.logger.Info("mutation queued offline",
		slog.String("method", m.Method),
		slog.String("url", m.URL),
		slog.Uint64("key", key),
	)

	return jsonResponse(req, http.StatusAccepted, map[string]any{"queued": true, "detail": QueuedDetail}), nil
}

func (r *Router) navigation(req *http.Request) (*http.Response, error) {
	shellKey := http.MethodGet + " " + r.session.Resolve(r.routes.ShellPath)

	resp, err := r.fetch(req)
	if err == nil {
		return r.storeIfOK(req, StaticPartition, shellKey, resp)
	}

	if req.Context().Err() != nil {
		return nil, err
	}

	if cached := r.lookup(req, StaticPartition, shellKey); cached != nil {
		return cached, nil
	}

	h := http.Header{}
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set(SourceHeader, "synthesized")

	return buildResponse(req, http.StatusServiceUnavailable, h, []byte("Offline")), nil
}

func (r *Router) networkFirst(req *http.Request) (*http.Response, error) {
	resp, err := r.fetch(req)
	if err == nil {
		return resp, nil
	}

	if req.Context().Err() != nil {
		return nil, err
	}

	key := cacheKey(req)
	for _, p := range Partitions {
		if cached := r.lookup(req, p, key); cached != nil {
			return cached, nil
		}
	}

	return nil, fmt.Errorf("%w: %w", syncerr.ErrNetworkUnavailable, err)
}

// lookup returns a cached response or nil. Read errors are logged and
// treated as a miss.
func (r *Router) lookup(req *http.Request, partition, key string) *http.Response {
	cr, err := r.store.CacheGet(partition, key)
	if err != nil {
		r.logger.Warn("cache read failed",
			slog.String("partition", partition),
			slog.String("error", err.Error()),
		)

		return nil
	}

	if cr == nil {
		return nil
	}

	h := cr.Header.Clone()
	if h == nil {
		h = http.Header{}
	}

	h.Set(SourceHeader, "cache")

	return buildResponse(req, cr.Status, h, cr.Body)
}

// storeIfOK buffers a 2xx response, stores a copy and returns a response
// with a fresh body. Other statuses are returned untouched.
func (r *Router) storeIfOK(req *http.Request, partition, key string, resp *http.Response) (*http.Response, error) {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp, nil
	}

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()

	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	err = r.store.CachePut(partition, key, state.CachedResponse{
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: r.now().UnixMilli(),
	})
	if err != nil {
		r.logger.Warn("cache write failed",
			slog.String("partition", partition),
			slog.String("error", err.Error()),
		)
	}

	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))

	return resp, nil
}

func captureMutation(req *http.Request, body []byte, now time.Time) models.QueuedMutation {
	headers := make(map[string]string, len(req.Header))
	for k, v := range req.Header {
		headers[k] = strings.Join(v, ", ")
	}

	m := models.QueuedMutation{
		URL:       req.URL.String(),
		Method:    req.Method,
		Headers:   headers,
		Timestamp: now.UnixMilli(),
	}

	if len(body) > 0 {
		s := string(body)
		m.Body = &s
	}

	return m
}

func setBody(req *http.Request, body []byte) {
	if len(body) == 0 {
		req.Body = http.NoBody
		req.GetBody = func() (io.ReadCloser, error) { return http.NoBody, nil }
		req.ContentLength = 0

		return
	}

	req.Body = io.NopCloser(bytes.NewReader(body))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	req.ContentLength = int64(len(body))
}

func jsonResponse(req *http.Request, status int, v any) *http.Response {
	data, _ := json.Marshal(v)

	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set(SourceHeader, "synthesized")

	return buildResponse(req, status, h, data)
}

func buildResponse(req *http.Request, status int, h http.Header, body []byte) *http.Response {
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}
