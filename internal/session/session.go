// Package session holds the credential and identity values shared by the
// cache router, replay engine and realtime channel. It is created once by
// the composition root and passed by reference into each component.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Session is the current bearer token plus the fixed actor id and server
// base URL. Token may change at runtime; the other fields do not.
type Session struct {
	baseURL *url.URL
	userID  string

	mu       sync.RWMutex
	token    string
	onChange []func(token string)
}

// New parses baseURL and returns a Session for userID.
func New(baseURL, userID, token string) (*Session, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing server url: %w", err)
	}

	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("server url %q is not absolute", baseURL)
	}

	return &Session{baseURL: u, userID: userID, token: token}, nil
}

// BaseURL returns a copy of the server base URL.
func (s *Session) BaseURL() *url.URL {
	u := *s.baseURL
	return &u
}

// UserID returns the local actor id.
func (s *Session) UserID() string {
	return s.userID
}

// Token returns the current bearer token.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.token
}

// SetToken replaces the bearer token and notifies change listeners when
// the value actually changed.
func (s *Session) SetToken(token string) {
	s.mu.Lock()
	if token == s.token {
		s.mu.Unlock()
		return
	}

	s.token = token
	listeners := append([]func(string){}, s.onChange...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(token)
	}
}

// OnTokenChange registers fn to be called after every token change.
func (s *Session) OnTokenChange(fn func(token string)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.onChange = append(s.onChange, fn)
}

// Resolve returns the absolute URL for a server-relative path such as
// "/api/lists/1/items".
func (s *Session) Resolve(path string) string {
	ref, err := url.Parse(path)
	if err != nil {
		return s.baseURL.String() + path
	}

	return s.baseURL.ResolveReference(ref).String()
}

// ReadTokenFile returns the trimmed contents of a token file.
func ReadTokenFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading token file: %w", err)
	}

	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("token file %s is empty", path)
	}

	return token, nil
}

// WatchTokenFile re-reads path whenever it is written or replaced and
// updates the session token. The parent directory is watched because
// credential refreshers usually replace the file with a rename. Blocks
// until ctx is cancelled.
func (s *Session) WatchTokenFile(ctx context.Context, path string, logger *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	path = filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watching token dir: %w", err)
	}

	logger.Info("token file watcher started", slog.String("path", path))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if filepath.Clean(event.Name) != path {
				continue
			}

			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			token, err := ReadTokenFile(path)
			if err != nil {
				// A truncate-then-write shows up as an empty read first.
				logger.Debug("token file not readable yet", slog.String("error", err.Error()))
				continue
			}

			if token != s.Token() {
				s.SetToken(token)
				logger.Info("session token rotated")
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			logger.Warn("token watcher error", slog.String("error", err.Error()))
		}
	}
}
