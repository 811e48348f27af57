package cache

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/listsync/internal/config"
	syncerr "github.com/alexjbarnes/listsync/internal/errors"
	"github.com/alexjbarnes/listsync/internal/models"
	"github.com/alexjbarnes/listsync/internal/session"
	"github.com/alexjbarnes/listsync/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

const base = "https://lists.example.com"

var errDial = errors.New("dial tcp: connect: network is unreachable")

// fakeNet is a RoundTripper standing in for the network.
type fakeNet struct {
	mu      sync.Mutex
	offline bool
	calls   []string
	bodies  []string
	respond func(*http.Request) *http.Response
}

func (f *fakeNet) setOffline(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = v
}

func (f *fakeNet) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeNet) RoundTrip(req *http.Request) (*http.Response, error) {
	var body string
	if req.Body != nil {
		data, _ := io.ReadAll(req.Body)
		body = string(data)
	}

	f.mu.Lock()
	f.calls = append(f.calls, req.Method+" "+req.URL.String())
	f.bodies = append(f.bodies, body)
	offline := f.offline
	f.mu.Unlock()

	if offline {
		return nil, errDial
	}

	if f.respond != nil {
		return f.respond(req), nil
	}

	return textResponse(req, http.StatusOK, "net:"+req.URL.Path), nil
}

func textResponse(req *http.Request, status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": {"text/plain"}},
		Body:       io.NopCloser(strings.NewReader(body)),
		Request:    req,
	}
}

type countingMonitor struct {
	mu        sync.Mutex
	successes int
	failures  int
}

func (m *countingMonitor) ReportSuccess() { m.mu.Lock(); m.successes++; m.mu.Unlock() }
func (m *countingMonitor) ReportFailure() { m.mu.Lock(); m.failures++; m.mu.Unlock() }

type brokenQueue struct {
	*state.State
}

func (brokenQueue) Append(models.QueuedMutation) (uint64, error) {
	return 0, errors.New("database not open")
}

type harness struct {
	router  *Router
	net     *fakeNet
	store   *state.State
	monitor *countingMonitor
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	st, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sess, err := session.New(base, "me", "tok")
	require.NoError(t, err)

	h := &harness{net: &fakeNet{}, store: st, monitor: &countingMonitor{}}
	h.router = NewRouter(RouterConfig{
		Transport: h.net,
		Store:     st,
		Session:   sess,
		Routes:    config.DefaultRoutes(),
		Monitor:   h.monitor,
		Logger:    quietLogger,
		Now:       func() time.Time { return time.UnixMilli(1714557600000) },
	})

	return h
}

func (h *harness) do(t *testing.T, method, url, body string, header http.Header) *http.Response {
	t.Helper()

	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, rd)
	require.NoError(t, err)

	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := h.router.RoundTrip(req)
	require.NoError(t, err)

	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return string(data)
}

// --- classification ---

func TestClassify(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name   string
		method string
		url    string
		header http.Header
		want   policy
	}{
		{"cross origin", "GET", "https://cdn.example.net/assets/x.js", nil, policyPassThrough},
		{"other scheme", "GET", "http://lists.example.com/api/lists", nil, policyPassThrough},
		{"other port", "POST", "https://lists.example.com:8443/api/lists", nil, policyPassThrough},
		{"explicit default port", "POST", "https://lists.example.com:443/api/lists/1/items", nil, policyAPIWrite},
		{"host case differs", "GET", "https://Lists.Example.com/api/lists", nil, policyAPIRead},
		{"websocket upgrade", "GET", base + "/ws/1?token=t", http.Header{"Upgrade": {"websocket"}}, policyPassThrough},
		{"static asset", "GET", base + "/assets/index-abc.js", nil, policyCacheFirst},
		{"api read", "GET", base + "/api/lists/1/items", nil, policyAPIRead},
		{"api create", "POST", base + "/api/lists/1/items", nil, policyAPIWrite},
		{"api delete", "DELETE", base + "/api/lists/1/items/2", nil, policyAPIWrite},
		{"navigation header", "GET", base + "/lists/1", http.Header{"Sec-Fetch-Mode": {"navigate"}}, policyNavigation},
		{"navigation accept", "GET", base + "/", http.Header{"Accept": {"text/html,application/xhtml+xml"}}, policyNavigation},
		{"api beats navigation", "GET", base + "/api/lists", http.Header{"Sec-Fetch-Mode": {"navigate"}}, policyAPIRead},
		{"anything else", "GET", base + "/manifest.json", nil, policyDefault},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, tt.url, nil)
			require.NoError(t, err)

			for k, v := range tt.header {
				req.Header[k] = v
			}

			assert.Equal(t, tt.want, h.router.classify(req), "got %s", h.router.classify(req))
		})
	}
}

func TestSameOrigin(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"http://h/api/x", "http://h:80", true},
		{"http://h:80/api/x", "http://h", true},
		{"https://h:443/", "https://h", true},
		{"http://h:8080/", "http://h", false},
		{"https://h/", "http://h", false},
		{"http://other/", "http://h", false},
	}

	for _, tt := range tests {
		a, err := url.Parse(tt.a)
		require.NoError(t, err)
		b, err := url.Parse(tt.b)
		require.NoError(t, err)

		assert.Equal(t, tt.want, sameOrigin(a, b), "%s vs %s", tt.a, tt.b)
	}
}

// --- mutating API requests ---

func TestAPIWrite_OfflineQueuesAndAccepts(t *testing.T) {
	h := newHarness(t)
	h.net.setOffline(true)

	header := http.Header{
		"Content-Type":  {"application/json"},
		"Authorization": {"Bearer tok"},
	}
	resp := h.do(t, "POST", base+"/api/lists/1/items", `{"name":"milk"}`, header)

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(readBody(t, resp)), &body))
	assert.Equal(t, true, body["queued"])
	assert.Equal(t, "Saved offline - will sync when back online", body["detail"])

	entries, err := h.store.ListAll()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	m := entries[0]
	assert.Equal(t, base+"/api/lists/1/items", m.URL)
	assert.Equal(t, "POST", m.Method)
	assert.Equal(t, "application/json", m.Headers["Content-Type"])
	assert.Equal(t, "Bearer tok", m.Headers["Authorization"])
	require.NotNil(t, m.Body)
	assert.Equal(t, `{"name":"milk"}`, *m.Body)
	assert.EqualValues(t, 1714557600000, m.Timestamp)

	assert.Equal(t, 1, h.monitor.failures)
}

func TestAPIWrite_OfflineWithoutBody(t *testing.T) {
	h := newHarness(t)
	h.net.setOffline(true)

	resp := h.do(t, "DELETE", base+"/api/lists/1/items/9", "", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	entries, err := h.store.ListAll()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Nil(t, entries[0].Body)
}

func TestAPIWrite_OnlineReturnsServerResponseVerbatim(t *testing.T) {
	h := newHarness(t)
	h.net.respond = func(req *http.Request) *http.Response {
		return textResponse(req, http.StatusUnprocessableEntity, `{"detail":"name required"}`)
	}

	resp := h.do(t, "POST", base+"/api/lists/1/items", `{}`, nil)

	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, `{"detail":"name required"}`, readBody(t, resp))
	assert.Equal(t, 0, h.store.QueueLen())
	assert.Equal(t, []string{"{}"}, h.net.bodies, "body must reach the network intact")
}

func TestAPIWrite_CallerCancelledIsNotQueued(t *testing.T) {
	h := newHarness(t)

	ctx, cancel := context.WithCancel(context.Background())
	h.net.respond = nil
	h.router.next = roundTripFunc(func(req *http.Request) (*http.Response, error) {
		cancel()
		return nil, req.Context().Err()
	})

	req, err := http.NewRequestWithContext(ctx, "POST", base+"/api/lists/1/items", strings.NewReader("{}"))
	require.NoError(t, err)

	_, err = h.router.RoundTrip(req)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, h.store.QueueLen())
	assert.Equal(t, 0, h.monitor.failures)
}

func TestAPIWrite_StorageUnavailable(t *testing.T) {
	h := newHarness(t)
	h.router.store = brokenQueue{h.store}
	h.net.setOffline(true)

	req, err := http.NewRequest("PUT", base+"/api/lists/1/items/2", strings.NewReader(`{"checked":true}`))
	require.NoError(t, err)

	_, err = h.router.RoundTrip(req)
	require.Error(t, err)
	assert.ErrorIs(t, err, syncerr.ErrStorageUnavailable)
	assert.ErrorIs(t, err, errDial)
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// --- static assets ---

func TestStatic_CacheFirstServesIdenticalBytes(t *testing.T) {
	h := newHarness(t)
	h.net.respond = func(req *http.Request) *http.Response {
		return textResponse(req, http.StatusOK, "console.log('app')")
	}

	first := readBody(t, h.do(t, "GET", base+"/assets/index-abc.js", "", nil))
	second := h.do(t, "GET", base+"/assets/index-abc.js", "", nil)

	assert.Equal(t, first, readBody(t, second))
	assert.Equal(t, "cache", second.Header.Get(SourceHeader))
	assert.Equal(t, 1, h.net.callCount())
}

func TestStatic_ErrorResponsesNotCached(t *testing.T) {
	h := newHarness(t)
	h.net.respond = func(req *http.Request) *http.Response {
		return textResponse(req, http.StatusNotFound, "missing")
	}

	assert.Equal(t, http.StatusNotFound, h.do(t, "GET", base+"/assets/gone.js", "", nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, h.do(t, "GET", base+"/assets/gone.js", "", nil).StatusCode)
	assert.Equal(t, 2, h.net.callCount())
}

func TestStatic_OfflineMissIsNetworkError(t *testing.T) {
	h := newHarness(t)
	h.net.setOffline(true)

	req, err := http.NewRequest("GET", base+"/assets/never.js", nil)
	require.NoError(t, err)

	_, err = h.router.RoundTrip(req)
	assert.ErrorIs(t, err, syncerr.ErrNetworkUnavailable)
}

// --- API reads ---

func TestAPIRead_OfflineServesCachedCopy(t *testing.T) {
	h := newHarness(t)
	h.net.respond = func(req *http.Request) *http.Response {
		return textResponse(req, http.StatusOK, `[{"id":"a"}]`)
	}

	online := h.do(t, "GET", base+"/api/lists/1/items", "", nil)
	assert.Equal(t, `[{"id":"a"}]`, readBody(t, online))

	h.net.setOffline(true)

	offline := h.do(t, "GET", base+"/api/lists/1/items", "", nil)
	assert.Equal(t, http.StatusOK, offline.StatusCode)
	assert.Equal(t, `[{"id":"a"}]`, readBody(t, offline))
	assert.Equal(t, "cache", offline.Header.Get(SourceHeader))
}

func TestAPIRead_OfflineWithoutCacheSynthesizes503(t *testing.T) {
	h := newHarness(t)
	h.net.setOffline(true)

	resp := h.do(t, "GET", base+"/api/lists/1/items", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.JSONEq(t, `{"detail":"You are offline"}`, readBody(t, resp))
}

func TestAPIRead_NetworkAlwaysTriedFirst(t *testing.T) {
	h := newHarness(t)

	n := 0
	h.net.respond = func(req *http.Request) *http.Response {
		n++
		return textResponse(req, http.StatusOK, strings.Repeat("v", n))
	}

	assert.Equal(t, "v", readBody(t, h.do(t, "GET", base+"/api/lists", "", nil)))
	assert.Equal(t, "vv", readBody(t, h.do(t, "GET", base+"/api/lists", "", nil)))
	assert.Equal(t, 2, h.monitor.successes)
}

// --- navigation ---

func TestNavigation_FallsBackToShell(t *testing.T) {
	h := newHarness(t)
	h.net.respond = func(req *http.Request) *http.Response {
		return textResponse(req, http.StatusOK, "<html>shell</html>")
	}

	nav := http.Header{"Sec-Fetch-Mode": {"navigate"}}
	readBody(t, h.do(t, "GET", base+"/lists/7", "", nav))

	h.net.setOffline(true)

	resp := h.do(t, "GET", base+"/lists/9", "", nav)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "<html>shell</html>", readBody(t, resp))
}

func TestNavigation_OfflineWithoutShell(t *testing.T) {
	h := newHarness(t)
	h.net.setOffline(true)

	resp := h.do(t, "GET", base+"/lists/9", "", http.Header{"Sec-Fetch-Mode": {"navigate"}})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "Offline", readBody(t, resp))
}

// --- pass-through and default ---

func TestCrossOrigin_NotQueued(t *testing.T) {
	h := newHarness(t)
	h.net.setOffline(true)

	req, err := http.NewRequest("POST", "https://push.example.net/api/subscribe", strings.NewReader("{}"))
	require.NoError(t, err)

	_, err = h.router.RoundTrip(req)
	require.ErrorIs(t, err, errDial)
	assert.Equal(t, 0, h.store.QueueLen())
	assert.Equal(t, 0, h.monitor.failures)
}

func TestDefault_FallsBackToAnyPartition(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.CachePut(StaticPartition, "GET "+base+"/manifest.json", state.CachedResponse{
		Status: http.StatusOK,
		Body:   []byte(`{"name":"Lists"}`),
	}))

	h.net.setOffline(true)

	resp := h.do(t, "GET", base+"/manifest.json", "", nil)
	assert.Equal(t, `{"name":"Lists"}`, readBody(t, resp))

	req, err := http.NewRequest("GET", base+"/robots.txt", nil)
	require.NoError(t, err)

	_, err = h.router.RoundTrip(req)
	assert.ErrorIs(t, err, syncerr.ErrNetworkUnavailable)
}

// --- install / activate ---

func TestInstall_PrecachesShell(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.router.Install(context.Background()))
	assert.Equal(t, len(config.DefaultRoutes().Precache), h.net.callCount())

	h.net.setOffline(true)

	resp := h.do(t, "GET", base+"/lists/1", "", http.Header{"Accept": {"text/html"}})
	assert.Equal(t, "net:/", readBody(t, resp))
}

func TestInstall_ReportsFailedPaths(t *testing.T) {
	h := newHarness(t)
	h.net.respond = func(req *http.Request) *http.Response {
		if req.URL.Path == "/icon-512.png" {
			return textResponse(req, http.StatusNotFound, "")
		}
		return textResponse(req, http.StatusOK, "ok")
	}

	err := h.router.Install(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/icon-512.png")

	cached, err := h.store.CacheGet(StaticPartition, "GET "+base+"/favicon.svg")
	require.NoError(t, err)
	assert.NotNil(t, cached)
}

func TestActivate_DeletesStalePartitions(t *testing.T) {
	h := newHarness(t)

	for _, p := range []string{"static-v0", StaticPartition, APIPartition} {
		require.NoError(t, h.store.CachePut(p, "k", state.CachedResponse{Status: 200}))
	}

	require.NoError(t, h.router.Activate())
	assert.ElementsMatch(t, Partitions, h.store.CachePartitions())
}
