package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/sqlsight/internal/stream"
)

// ErrDisconnected is returned for writes to a connection that has gone away.
var ErrDisconnected = errors.New("client disconnected")

const defaultWriteTimeout = 10 * time.Second

// Writer serializes JSON frames onto one connection. It implements
// stream.Sink.
type Writer struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	timeout time.Duration
	closed  bool
}

// NewWriter wraps conn.
func NewWriter(conn *websocket.Conn) *Writer {
	return &Writer{conn: conn, timeout: defaultWriteTimeout}
}

// Emit writes e as one text frame.
func (w *Writer) Emit(ctx context.Context, e stream.Event) error {
	return w.WriteJSON(ctx, e)
}

// WriteJSON writes v as one text frame. The caller's cancellation does not
// abort a write in progress: coder/websocket closes the connection when a
// write's context ends, so only the write timeout applies.
func (w *Writer) WriteJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrDisconnected
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.timeout)
	defer cancel()
	if err := w.conn.Write(wctx, websocket.MessageText, data); err != nil {
		w.closed = true
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return nil
}

var _ stream.Sink = (*Writer)(nil)
