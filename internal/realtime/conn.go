package realtime

import (
	"context"

	"github.com/coder/websocket"
)

//go:generate mockgen -source=conn.go -destination=mock_wsconn_test.go -package=realtime -mock_names=wsConn=MockWSConn

// wsConn abstracts the WebSocket connection so Channel can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}
