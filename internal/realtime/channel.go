// Package realtime maintains the push connection for one list and turns
// inbound frames into events.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/alexjbarnes/listsync/internal/event"
	"github.com/alexjbarnes/listsync/internal/session"
	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

const (
	// DefaultHeartbeat is the interval between "ping" frames.
	DefaultHeartbeat = 30 * time.Second

	// DefaultReconnectDelay is the fixed wait before each reconnect attempt.
	DefaultReconnectDelay = 3 * time.Second

	// inboundChanSize is the buffer size for the channel carrying
	// messages from the WebSocket reader goroutine to the event loop.
	inboundChanSize = 64

	// readLimit caps a single inbound frame. Events carry one item or an
	// id list, so anything near this size is not a valid event.
	readLimit = 1 << 20

	// dialTimeout bounds the WebSocket handshake.
	dialTimeout = 15 * time.Second

	// writeTimeout bounds a single heartbeat write.
	writeTimeout = 10 * time.Second

	pingFrame = "ping"
	pongFrame = "pong"

	// authOKType is the envelope type the server sends once the token in
	// the connection URL has been accepted.
	authOKType = "auth_ok"
)

// inboundMsg wraps a message read from the WebSocket by the reader goroutine.
type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// dialFunc opens a connection to url.
type dialFunc func(ctx context.Context, url string) (wsConn, error)

// Handler receives decoded events. It runs on the channel's event loop,
// so it must not block and must not call Close.
type Handler func(ev event.Event)

// Config holds the parameters of a Channel.
type Config struct {
	Session        *session.Session
	ListID         string
	Heartbeat      time.Duration
	ReconnectDelay time.Duration
	Handler        Handler
}

// Channel is the realtime connection for one list.
//
// Architecture: a reader goroutine feeds inboundCh with raw frames. A
// single event loop (Listen) decodes frames, dispatches events and sends
// heartbeats. All writes to the connection happen from the event loop.
// When the connection drops, Listen waits ReconnectDelay and dials again,
// forever, until the context is cancelled or Close is called.
type Channel struct {
	logger *slog.Logger
	dial   dialFunc

	session        *session.Session
	listID         string
	heartbeat      time.Duration
	reconnectDelay time.Duration
	handler        Handler

	// inboundCh receives messages from the reader goroutine.
	inboundCh chan inboundMsg

	mu     sync.Mutex
	conn   wsConn
	cancel context.CancelFunc
	closed bool
	done   chan struct{}

	connected   bool
	lastMessage time.Time
	reconnects  int
}

// NewChannel creates a Channel from the given config.
func NewChannel(cfg Config, logger *slog.Logger) *Channel {
	c := &Channel{
		logger:         logger.With(slog.String("list", cfg.ListID)),
		dial:           dialWebSocket,
		session:        cfg.Session,
		listID:         cfg.ListID,
		heartbeat:      cfg.Heartbeat,
		reconnectDelay: cfg.ReconnectDelay,
		handler:        cfg.Handler,
	}

	if c.heartbeat <= 0 {
		c.heartbeat = DefaultHeartbeat
	}

	if c.reconnectDelay <= 0 {
		c.reconnectDelay = DefaultReconnectDelay
	}

	if c.handler == nil {
		c.handler = func(event.Event) {}
	}

	return c
}

func dialWebSocket(ctx context.Context, u string) (wsConn, error) {
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader: http.Header{
			"User-Agent": []string{"listsync"},
		},
	})
	if err != nil {
		return nil, err
	}

	return conn, nil
}

// URL returns the connection target: ws(s)://<host>/ws/<listID>?token=<token>.
// The token is read from the session on every call so a rotated
// credential is used on the next reconnect.
func (c *Channel) URL() string {
	u := c.session.BaseURL()

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	u.Path = "/ws/" + c.listID
	u.RawQuery = url.Values{"token": {c.session.Token()}}.Encode()

	return u.String()
}

// Connect dials the list's WebSocket.
func (c *Channel) Connect(ctx context.Context) error {
	c.logger.Debug("connecting realtime channel")

	conn, err := c.dial(ctx, c.URL())
	if err != nil {
		return fmt.Errorf("dialing websocket: %w", err)
	}

	conn.SetReadLimit(readLimit)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	return nil
}

// startReader launches a goroutine that reads from the WebSocket and
// feeds inboundCh. Exits when connCtx is cancelled or a read error
// occurs. The error is delivered as the final message on inboundCh.
// The goroutine captures conn and ch by value so a reader left over
// from a previous connection cannot send into the new channel.
func (c *Channel) startReader(connCtx context.Context) {
	ch := make(chan inboundMsg, inboundChanSize)
	c.inboundCh = ch

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
			select {
			case ch <- inboundMsg{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()
}

// Listen connects and runs the event loop, reconnecting after
// ReconnectDelay whenever the connection fails or closes. It returns
// when ctx is cancelled or Close is called.
func (c *Channel) Listen(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	defer close(done)
	defer cancel()

	for {
		err := c.Connect(ctx)
		if err == nil {
			err = c.serve(ctx)
		}

		if ctx.Err() != nil {
			return c.exitErr(ctx)
		}

		c.logger.Warn("realtime connection lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Int("close_code", int(websocket.CloseStatus(err))),
			slog.Duration("delay", c.reconnectDelay),
		)

		timer := time.NewTimer(c.reconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return c.exitErr(ctx)
		case <-timer.C:
		}

		c.mu.Lock()
		c.reconnects++
		c.mu.Unlock()
	}
}

// exitErr hides the cancellation caused by Close from the caller.
func (c *Channel) exitErr(ctx context.Context) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return nil
	}

	return ctx.Err()
}

// serve runs one connection until it fails, then releases it.
func (c *Channel) serve(ctx context.Context) error {
	connCtx, connCancel := context.WithCancel(ctx)
	defer connCancel()

	c.startReader(connCtx)
	c.setConnected(true)
	c.logger.Info("realtime channel connected")

	err := c.eventLoop(ctx, connCtx)

	c.setConnected(false)
	connCancel()

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusGoingAway, "reconnecting")
	}

	return err
}

// eventLoop is the single event loop for one connection. It selects on
// inbound frames and the heartbeat ticker. Returns on read or write
// error or context cancellation.
func (c *Channel) eventLoop(ctx context.Context, connCtx context.Context) error {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.inboundCh:
			if msg.err != nil {
				return fmt.Errorf("reading message: %w", msg.err)
			}

			c.touchLastMessage()

			if msg.typ == websocket.MessageBinary {
				c.logger.Debug("unexpected binary frame", slog.Int("bytes", len(msg.data)))
				continue
			}

			c.handleInbound(msg.data)

		case <-ticker.C:
			if err := c.write(ctx, pingFrame); err != nil {
				return fmt.Errorf("sending ping: %w", err)
			}

		case <-ctx.Done():
			return ctx.Err()

		case <-connCtx.Done():
			return connCtx.Err()
		}
	}
}

// handleInbound decodes one text frame and dispatches it. Control frames
// and frames that do not decode are dropped.
func (c *Channel) handleInbound(data []byte) {
	if string(data) == pongFrame || string(data) == pingFrame {
		return
	}

	if gjson.GetBytes(data, "type").String() == authOKType {
		c.logger.Debug("realtime session authenticated")
		return
	}

	ev, err := event.Decode(data)
	if err != nil {
		if errors.Is(err, event.ErrUnknownKind) {
			c.logger.Debug("ignoring non-event frame", slog.String("reason", err.Error()))
		} else {
			c.logger.Debug("dropping malformed frame",
				slog.Int("bytes", len(data)),
				slog.String("error", err.Error()),
			)
		}

		return
	}

	c.handler(ev)
}

func (c *Channel) write(ctx context.Context, frame string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("not connected")
	}

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	return conn.Write(ctx, websocket.MessageText, []byte(frame))
}

// Close stops the heartbeat and any pending reconnect, closes the socket
// and waits for Listen to return. Safe to call more than once and before
// Listen starts.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}

	c.closed = true
	cancel := c.cancel
	conn := c.conn
	c.conn = nil
	done := c.done
	c.mu.Unlock()

	// Close the socket before cancelling: a cancelled read context tears
	// the connection down without a close handshake.
	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "bye")
	}

	if cancel != nil {
		cancel()
	}

	if done != nil {
		<-done
	}

	c.logger.Debug("realtime channel closed")

	return err
}

func (c *Channel) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

// Connected reports whether the WebSocket connection is live.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connected
}

// Reconnects returns how many reconnect attempts have been made.
func (c *Channel) Reconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.reconnects
}

// LastMessage returns when the last frame was received.
func (c *Channel) LastMessage() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lastMessage
}

func (c *Channel) touchLastMessage() {
	c.mu.Lock()
	c.lastMessage = time.Now()
	c.mu.Unlock()
}
