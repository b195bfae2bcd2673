// Package room implements [transport.Conn] over a gorilla WebSocket using
// `["event", data]` array frames, the shape emitted by room-based pub/sub
// clients. Binary frames carry raw audio.
package room

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MrWong99/dundra/internal/transport"
)

const (
	// Protocol is the name reported by [Conn.Protocol].
	Protocol = "room"

	maxFrameBytes = 1 << 20
	writeTimeout  = 10 * time.Second
)

// Compile-time interface assertion.
var _ transport.Conn = (*Conn)(nil)

// Upgrader returns the upgrader used by [Accept]. When allowAnyOrigin is true
// cross-origin clients are accepted.
func Upgrader(allowAnyOrigin bool) *websocket.Upgrader {
	u := &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	if allowAnyOrigin {
		u.CheckOrigin = func(*http.Request) bool { return true }
	}
	return u
}

// Conn is a room-protocol connection.
type Conn struct {
	ws *websocket.Conn

	// gorilla connections support one concurrent writer.
	writeMu sync.Mutex
	closeMu sync.Once
}

// Accept upgrades an HTTP request to a room connection.
func Accept(w http.ResponseWriter, r *http.Request, allowAnyOrigin bool) (*Conn, error) {
	ws, err := Upgrader(allowAnyOrigin).Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("room: upgrade: %w", err)
	}
	return New(ws), nil
}

// New wraps an established gorilla connection.
func New(ws *websocket.Conn) *Conn {
	ws.SetReadLimit(maxFrameBytes)
	return &Conn{ws: ws}
}

// Receive implements [transport.Conn]. gorilla reads cannot be interrupted
// by ctx; Close the connection to unblock a pending Receive.
func (c *Conn) Receive(ctx context.Context) (transport.Message, error) {
	if err := ctx.Err(); err != nil {
		return transport.Message{}, fmt.Errorf("%w: %v", transport.ErrClosed, err)
	}
	typ, data, err := c.ws.ReadMessage()
	if err != nil {
		return transport.Message{}, fmt.Errorf("%w: %v", transport.ErrClosed, err)
	}
	if typ == websocket.BinaryMessage {
		return transport.Message{Type: transport.AudioChunk, Audio: data}, nil
	}
	return Decode(data)
}

// Decode parses one `["event", data]` text frame.
func Decode(frame []byte) (transport.Message, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(frame, &parts); err != nil {
		return transport.Message{}, fmt.Errorf("%w: %v", transport.ErrMalformed, err)
	}
	if len(parts) == 0 || len(parts) > 2 {
		return transport.Message{}, fmt.Errorf("%w: want [event, data], got %d elements", transport.ErrMalformed, len(parts))
	}
	var event string
	if err := json.Unmarshal(parts[0], &event); err != nil || event == "" {
		return transport.Message{}, fmt.Errorf("%w: event name must be a non-empty string", transport.ErrMalformed)
	}
	msg := transport.Message{Type: event}
	if len(parts) == 2 && !bytes.Equal(bytes.TrimSpace(parts[1]), []byte("null")) {
		msg.Data = parts[1]
	}
	return msg, nil
}

// Encode renders msg as a `["event", data]` frame.
func Encode(msg transport.Message) ([]byte, error) {
	parts := []json.RawMessage{nil, msg.Data}
	name, err := json.Marshal(msg.Type)
	if err != nil {
		return nil, err
	}
	parts[0] = name
	if len(msg.Data) == 0 {
		parts = parts[:1]
	}
	return json.Marshal(parts)
}

// Send implements [transport.Conn].
func (c *Conn) Send(ctx context.Context, msg transport.Message) error {
	typ := websocket.TextMessage
	payload := msg.Audio
	if msg.Audio == nil {
		var err error
		payload, err = Encode(msg)
		if err != nil {
			return fmt.Errorf("room: encode %s: %w", msg.Type, err)
		}
	} else {
		typ = websocket.BinaryMessage
	}

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(typ, payload); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrClosed, err)
	}
	return nil
}

// Close implements [transport.Conn]. It sends a close frame with reason and
// closes the underlying connection. Subsequent calls are no-ops.
func (c *Conn) Close(reason string) error {
	var err error
	c.closeMu.Do(func() {
		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.writeMu.Unlock()
		if cerr := c.ws.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = fmt.Errorf("room: close: %w", cerr)
		}
	})
	return err
}

// Protocol implements [transport.Conn].
func (c *Conn) Protocol() string { return Protocol }
