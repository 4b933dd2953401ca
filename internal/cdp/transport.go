package cdp

import (
	"context"
	"fmt"

	"github.com/coder/websocket"
)

const maxMessageSize = 64 << 20

// Conn is one duplex message channel to the browser. Read blocks until a
// full text message arrives; Close must unblock a pending Read.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, msg []byte) error
	Close() error
}

type wsConn struct {
	c *websocket.Conn
}

// DialConn opens a websocket channel to a DevTools endpoint.
func DialConn(ctx context.Context, url string) (Conn, error) {
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c.SetReadLimit(maxMessageSize)
	return &wsConn{c: c}, nil
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	return data, nil
}

func (w *wsConn) Write(ctx context.Context, msg []byte) error {
	if err := w.c.Write(ctx, websocket.MessageText, msg); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (w *wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "")
}
