// Package api is a client for the list server's REST API. Requests go
// through whatever transport the caller supplies, normally the cache
// router, so reads may be answered from cache and writes may be queued.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	syncerr "github.com/alexjbarnes/listsync/internal/errors"
	"github.com/alexjbarnes/listsync/internal/models"
	"github.com/alexjbarnes/listsync/internal/session"
	"github.com/tidwall/gjson"
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// RejectedError is a non-2xx response with a readable detail message.
type RejectedError struct {
	Status int
	Detail string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("server rejected request (%d): %s", e.Status, e.Detail)
}

func (e *RejectedError) Unwrap() error { return syncerr.ErrServerRejected }

const (
	// apiPrefix is prepended to every endpoint.
	apiPrefix = "/api"

	// refreshEndpoint exchanges the current credential for a new one.
	refreshEndpoint = "/auth/refresh"

	maxRedirects = 10

	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads. API responses are
	// small JSON payloads.
	maxAPIResponseBytes = 1024 * 1024

	// sourceHeader marks responses the cache router made up locally.
	sourceHeader = "X-Listsync-Source"
)

// Config holds the collaborators of a Client.
type Config struct {
	Session *session.Session

	// Transport carries list and item requests. In the daemon this is
	// the cache router.
	Transport http.RoundTripper

	// RefreshTransport carries credential refreshes. It must reach the
	// network directly so a refresh is never queued. Defaults to
	// http.DefaultTransport.
	RefreshTransport http.RoundTripper

	Logger *slog.Logger
}

// Client talks to the list server REST API.
type Client struct {
	httpClient    *http.Client
	refreshClient *http.Client
	session       *session.Session
	logger        *slog.Logger
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host so the bearer token does not leak.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient returns a Client for cfg.
func NewClient(cfg Config) *Client {
	refresh := cfg.RefreshTransport
	if refresh == nil {
		refresh = http.DefaultTransport
	}

	return &Client{
		httpClient: &http.Client{
			Transport:     cfg.Transport,
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		},
		refreshClient: &http.Client{
			Transport:     refresh,
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		},
		session: cfg.Session,
		logger:  cfg.Logger,
	}
}

// sanitizeResponseBody truncates a response body for inclusion in error
// messages and replaces non-printable characters.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// detail extracts the server's error message. The API returns either a
// string or a list of validation errors with a msg field.
func detail(body []byte) (string, bool) {
	if !gjson.ValidBytes(body) {
		return "", false
	}

	d := gjson.GetBytes(body, "detail")

	switch {
	case d.Type == gjson.String:
		return d.String(), true
	case d.IsArray():
		var parts []string

		for _, e := range d.Array() {
			if msg := e.Get("msg"); msg.Exists() {
				parts = append(parts, msg.String())
			} else {
				parts = append(parts, e.String())
			}
		}

		return strings.Join(parts, ", "), true
	}

	return "Request failed", true
}

func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

// response is a fully read reply.
type response struct {
	status int
	header http.Header
	body   []byte
}

// queued reports whether the router saved the request offline.
func (r *response) queued() bool {
	return r.status == http.StatusAccepted && gjson.GetBytes(r.body, "queued").Bool()
}

// do sends one request, refreshing the credential and retrying once on
// 401, and decodes a 2xx body into result. It returns the raw reply so
// write methods can tell a queued acceptance from a real one.
func (c *Client) do(ctx context.Context, method, endpoint string, body, result any) (*response, error) {
	var payload []byte

	if body != nil {
		var err error

		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request body: %w", err)
		}
	}

	resp, err := c.send(ctx, method, endpoint, payload)
	if err != nil {
		return nil, err
	}

	if resp.status == http.StatusUnauthorized {
		if err := c.Refresh(ctx); err != nil {
			return nil, err
		}

		resp, err = c.send(ctx, method, endpoint, payload)
		if err != nil {
			return nil, err
		}

		if resp.status == http.StatusUnauthorized {
			return nil, fmt.Errorf("%s %s: %w", method, endpoint, syncerr.ErrUnauthorized)
		}
	}

	if err := c.check(endpoint, resp); err != nil {
		return nil, err
	}

	if result != nil && resp.status != http.StatusNoContent && !resp.queued() {
		if err := json.Unmarshal(resp.body, result); err != nil {
			return nil, fmt.Errorf("decoding response from %s: %w: %w", endpoint, syncerr.ErrMalformedResponse, err)
		}
	}

	return resp, nil
}

func (c *Client) send(ctx context.Context, method, endpoint string, payload []byte) (*response, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.session.Resolve(apiPrefix+endpoint), reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	if tok := c.session.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		wrapped := fmt.Errorf("sending request to %s: %w: %w", endpoint, syncerr.ErrNetworkUnavailable, err)

		return nil, &TransientError{Err: wrapped}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("reading response from %s: %w", endpoint, err)}
	}

	return &response{status: resp.StatusCode, header: resp.Header, body: data}, nil
}

func (c *Client) check(endpoint string, resp *response) error {
	if resp.status >= 200 && resp.status < 300 {
		return nil
	}

	msg, ok := detail(resp.body)
	if !ok {
		return fmt.Errorf("API %s returned status %d: %w: %s",
			endpoint, resp.status, syncerr.ErrMalformedResponse, sanitizeResponseBody(resp.body))
	}

	if resp.header.Get(sourceHeader) != "" {
		// Made up by the router: the network is down and nothing is cached.
		return &TransientError{Err: fmt.Errorf("API %s: %w: %s", endpoint, syncerr.ErrNetworkUnavailable, msg)}
	}

	err := &RejectedError{Status: resp.status, Detail: msg}
	if isTransientStatus(resp.status) {
		return &TransientError{Err: err}
	}

	return err
}

// Refresh exchanges the current credential for a new one and stores it
// in the session. It satisfies replay.Refresher.
func (c *Client) Refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.session.Resolve(apiPrefix+refreshEndpoint), http.NoBody)
	if err != nil {
		return fmt.Errorf("creating refresh request: %w", err)
	}

	if tok := c.session.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.refreshClient.Do(req)
	if err != nil {
		return &TransientError{Err: fmt.Errorf("refreshing credential: %w: %w", syncerr.ErrNetworkUnavailable, err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return fmt.Errorf("reading refresh response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("refresh returned status %d: %w", resp.StatusCode, syncerr.ErrUnauthorized)
	}

	tok := gjson.GetBytes(data, "access_token").String()
	if tok == "" {
		return fmt.Errorf("refresh response: %w: no access_token", syncerr.ErrMalformedResponse)
	}

	c.session.SetToken(tok)
	c.logger.Info("session credential refreshed")

	return nil
}

func itemsPath(listID string) string {
	return "/lists/" + url.PathEscape(listID) + "/items"
}

func itemPath(listID, itemID string) string {
	return itemsPath(listID) + "/" + url.PathEscape(itemID)
}

// ListItems returns every item of a list. When offline this may be the
// last cached copy.
func (c *Client) ListItems(ctx context.Context, listID string) ([]models.Item, error) {
	var items []models.Item
	if _, err := c.do(ctx, http.MethodGet, itemsPath(listID), nil, &items); err != nil {
		return nil, fmt.Errorf("listing items: %w", err)
	}

	return items, nil
}

// AddItem creates an item. When the request was saved offline the
// returned item is nil and queued is true.
func (c *Client) AddItem(ctx context.Context, listID string, in models.NewItem) (item *models.Item, queued bool, err error) {
	var out models.Item

	resp, err := c.do(ctx, http.MethodPost, itemsPath(listID), in, &out)
	if err != nil {
		return nil, false, fmt.Errorf("adding item: %w", err)
	}

	if resp.queued() {
		return nil, true, nil
	}

	return &out, false, nil
}

// UpdateItem applies patch to an item. When the request was saved
// offline the returned item is nil and queued is true.
func (c *Client) UpdateItem(ctx context.Context, listID, itemID string, patch models.ItemPatch) (item *models.Item, queued bool, err error) {
	var out models.Item

	resp, err := c.do(ctx, http.MethodPut, itemPath(listID, itemID), patch, &out)
	if err != nil {
		return nil, false, fmt.Errorf("updating item: %w", err)
	}

	if resp.queued() {
		return nil, true, nil
	}

	return &out, false, nil
}

// DeleteItem removes an item. A queued delete counts as success.
func (c *Client) DeleteItem(ctx context.Context, listID, itemID string) error {
	if _, err := c.do(ctx, http.MethodDelete, itemPath(listID, itemID), nil, nil); err != nil {
		return fmt.Errorf("deleting item: %w", err)
	}

	return nil
}

// ClearChecked removes every checked item of a list. A queued request
// counts as success.
func (c *Client) ClearChecked(ctx context.Context, listID string) error {
	if _, err := c.do(ctx, http.MethodPost, itemsPath(listID)+"/clear-checked", nil, nil); err != nil {
		return fmt.Errorf("clearing checked items: %w", err)
	}

	return nil
}

// ReorderItems stores the order of one group. A queued request counts as
// success. It satisfies reorder.Persister.
func (c *Client) ReorderItems(ctx context.Context, listID string, ids []string) error {
	if ids == nil {
		ids = []string{}
	}

	if _, err := c.do(ctx, http.MethodPost, itemsPath(listID)+"/reorder", models.ReorderRequest{ItemIDs: ids}, nil); err != nil {
		return fmt.Errorf("reordering items: %w", err)
	}

	return nil
}

// Suggestions returns previously used item names matching q.
func (c *Client) Suggestions(ctx context.Context, q string) ([]models.Suggestion, error) {
	var out []models.Suggestion
	if _, err := c.do(ctx, http.MethodGet, "/suggestions?q="+url.QueryEscape(q), nil, &out); err != nil {
		return nil, fmt.Errorf("fetching suggestions: %w", err)
	}

	return out, nil
}
