// Package transport abstracts the client connections a transcription session
// is served over.
//
// Each real protocol implements [Conn] once: [duplex] speaks `{type, data}`
// JSON text frames over a plain WebSocket, [room] speaks `["event", data]`
// frames in the style of room-based pub/sub clients. Binary frames on either
// protocol carry raw audio and surface as "audio_chunk" messages.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// AudioChunk is the message type binary frames are delivered as.
const AudioChunk = "audio_chunk"

var (
	// ErrClosed is returned by Receive and Send once the connection is gone.
	ErrClosed = errors.New("transport: connection closed")

	// ErrMalformed wraps frames that could not be decoded. The connection
	// remains usable.
	ErrMalformed = errors.New("transport: malformed message")
)

// Message is one command or event.
type Message struct {
	// Type is the command or event name.
	Type string

	// Data is the JSON payload, or nil.
	Data json.RawMessage

	// Audio holds the raw bytes of a binary frame.
	Audio []byte
}

// NewMessage encodes data as the payload of a typ message. A nil data
// produces a message without payload.
func NewMessage(typ string, data any) (Message, error) {
	if data == nil {
		return Message{Type: typ}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, fmt.Errorf("transport: encode %s: %w", typ, err)
	}
	return Message{Type: typ, Data: raw}, nil
}

// Decode unmarshals the payload into v. An empty payload leaves v untouched.
func (m Message) Decode(v any) error {
	if len(m.Data) == 0 || string(m.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformed, m.Type, err)
	}
	return nil
}

// Conn is one client connection.
//
// Receive must be called from a single goroutine. Send and Close are safe for
// concurrent use.
type Conn interface {
	// Receive blocks until the next message arrives. Undecodable frames
	// return an error wrapping [ErrMalformed]; a gone connection returns an
	// error wrapping [ErrClosed].
	Receive(ctx context.Context) (Message, error)

	// Send writes one message.
	Send(ctx context.Context, msg Message) error

	// Close ends the connection with a human-readable reason.
	Close(reason string) error

	// Protocol names the wire protocol, e.g. "duplex" or "room".
	Protocol() string
}
