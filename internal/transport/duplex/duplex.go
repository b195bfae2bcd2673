// Package duplex implements [transport.Conn] over a WebSocket carrying
// `{"type": ..., "data": ...}` JSON text frames and raw binary audio frames.
package duplex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/coder/websocket"

	"github.com/MrWong99/dundra/internal/transport"
)

// maxFrameBytes limits a single inbound frame.
const maxFrameBytes = 1 << 20

// Protocol is the name reported by [Conn.Protocol].
const Protocol = "duplex"

// Compile-time interface assertion.
var _ transport.Conn = (*Conn)(nil)

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Conn is a duplex WebSocket connection.
type Conn struct {
	ws *websocket.Conn
}

// Accept upgrades an HTTP request to a duplex connection. Origins are not
// checked when insecureSkipVerify is true.
func Accept(w http.ResponseWriter, r *http.Request, insecureSkipVerify bool) (*Conn, error) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: insecureSkipVerify,
	})
	if err != nil {
		return nil, fmt.Errorf("duplex: accept: %w", err)
	}
	ws.SetReadLimit(maxFrameBytes)
	return &Conn{ws: ws}, nil
}

// New wraps an established WebSocket.
func New(ws *websocket.Conn) *Conn {
	ws.SetReadLimit(maxFrameBytes)
	return &Conn{ws: ws}
}

// Receive implements [transport.Conn].
func (c *Conn) Receive(ctx context.Context) (transport.Message, error) {
	typ, data, err := c.ws.Read(ctx)
	if err != nil {
		return transport.Message{}, closedErr(err)
	}
	if typ == websocket.MessageBinary {
		return transport.Message{Type: transport.AudioChunk, Audio: data}, nil
	}

	var f frame
	if err := json.Unmarshal(data, &f); err != nil || f.Type == "" {
		if err == nil {
			err = errors.New("missing type")
		}
		return transport.Message{}, fmt.Errorf("%w: %v", transport.ErrMalformed, err)
	}
	return transport.Message{Type: f.Type, Data: f.Data}, nil
}

// Send implements [transport.Conn].
func (c *Conn) Send(ctx context.Context, msg transport.Message) error {
	if msg.Audio != nil {
		if err := c.ws.Write(ctx, websocket.MessageBinary, msg.Audio); err != nil {
			return closedErr(err)
		}
		return nil
	}
	payload, err := json.Marshal(frame{Type: msg.Type, Data: msg.Data})
	if err != nil {
		return fmt.Errorf("duplex: encode %s: %w", msg.Type, err)
	}
	if err := c.ws.Write(ctx, websocket.MessageText, payload); err != nil {
		return closedErr(err)
	}
	return nil
}

// Close implements [transport.Conn].
func (c *Conn) Close(reason string) error {
	err := c.ws.Close(websocket.StatusNormalClosure, reason)
	if err != nil && !isClosed(err) {
		return fmt.Errorf("duplex: close: %w", err)
	}
	return nil
}

// Protocol implements [transport.Conn].
func (c *Conn) Protocol() string { return Protocol }

// closedErr wraps a read or write failure. coder/websocket connections are
// unusable after either fails.
func closedErr(err error) error {
	return fmt.Errorf("%w: %v", transport.ErrClosed, err)
}

func isClosed(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, net.ErrClosed) {
		return true
	}
	return websocket.CloseStatus(err) != -1
}
