package uistream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const wsWriteTimeout = 10 * time.Second

// WebSocketWriter sends each chunk as a text frame and "[DONE]" on Close.
type WebSocketWriter struct {
	mu   sync.Mutex
	ctx  context.Context
	conn *websocket.Conn
}

// NewWebSocketWriter wraps an accepted connection.
func NewWebSocketWriter(ctx context.Context, conn *websocket.Conn) *WebSocketWriter {
	return &WebSocketWriter{ctx: ctx, conn: conn}
}

// Write implements Sink.
func (w *WebSocketWriter) Write(c Chunk) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal %s chunk: %w", c.Type, err)
	}
	return w.send(data)
}

// Close sends the terminal frame. The connection itself stays open.
func (w *WebSocketWriter) Close() error {
	return w.send([]byte("[DONE]"))
}

func (w *WebSocketWriter) send(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	ctx, cancel := context.WithTimeout(w.ctx, wsWriteTimeout)
	defer cancel()
	if err := w.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write websocket frame: %w", err)
	}
	return nil
}
