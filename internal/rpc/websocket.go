package rpc

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// WebSocketConn carries messages as JSON text frames
type WebSocketConn struct {
	c *websocket.Conn
}

// NewWebSocketConn wraps an established websocket
func NewWebSocketConn(c *websocket.Conn) *WebSocketConn {
	return &WebSocketConn{c: c}
}

// Accept upgrades an HTTP request to a websocket connection
func Accept(w http.ResponseWriter, r *http.Request, originPatterns []string) (*WebSocketConn, error) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns,
	})
	if err != nil {
		return nil, err
	}
	return NewWebSocketConn(c), nil
}

// Dial connects to a worker's websocket endpoint
func Dial(ctx context.Context, url string) (*WebSocketConn, error) {
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return NewWebSocketConn(c), nil
}

func (w *WebSocketConn) Send(ctx context.Context, msg Message) error {
	return mapClose(wsjson.Write(ctx, w.c, msg))
}

func (w *WebSocketConn) Recv(ctx context.Context) (Message, error) {
	var msg Message
	err := wsjson.Read(ctx, w.c, &msg)
	return msg, mapClose(err)
}

func (w *WebSocketConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "")
}

func mapClose(err error) error {
	if err == nil {
		return nil
	}
	if websocket.CloseStatus(err) != -1 || errors.Is(err, net.ErrClosed) {
		return ErrClosed
	}
	return err
}
