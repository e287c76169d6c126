package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coder/websocket"

	"github.com/docsync/docsync/internal/protocol"
)

// WriteTimeout bounds a single frame write, matching the teacher's
// dashboard server (internal/turso/dashboard/server.go).
const WriteTimeout = 5 * time.Second

// Conn wraps a *websocket.Conn with JSON envelope framing shared by
// both the client and server sides of the sync protocol.
type Conn struct {
	ws *websocket.Conn
}

// NewConn wraps an already-established websocket connection.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// Dial opens a client-side websocket connection to url.
func Dial(ctx context.Context, url string) (*Conn, error) {
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}
	return &Conn{ws: ws}, nil
}

// WriteEnvelope marshals and sends a single frame, bounded by
// WriteTimeout.
func (c *Conn) WriteEnvelope(ctx context.Context, msgType string, payload interface{}) error {
	env, err := protocol.Encode(msgType, payload)
	if err != nil {
		return fmt.Errorf("transport: encode %s: %w", msgType, err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("transport: marshal envelope: %w", err)
	}
	wctx, cancel := context.WithTimeout(ctx, WriteTimeout)
	defer cancel()
	if err := c.ws.Write(wctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("transport: write %s: %w", msgType, err)
	}
	return nil
}

// ReadEnvelope blocks until the next frame arrives or ctx is cancelled.
func (c *Conn) ReadEnvelope(ctx context.Context) (protocol.Envelope, error) {
	var env protocol.Envelope
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return env, fmt.Errorf("transport: read: %w", err)
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("transport: decode envelope: %w", err)
	}
	return env, nil
}

// Close closes the underlying connection with the given status/reason.
func (c *Conn) Close(code websocket.StatusCode, reason string) error {
	return c.ws.Close(code, reason)
}

// Underlying returns the wrapped *websocket.Conn for callers that need
// transport-level control (e.g. Ping).
func (c *Conn) Underlying() *websocket.Conn {
	return c.ws
}
