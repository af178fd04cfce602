package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	DefaultWriteTimeout = 5 * time.Second
	DefaultReadLimit    = 1 << 20
)

// ErrFrameTooLarge means the peer sent a frame over the read limit. The
// connection is closed with a message-too-big status.
var ErrFrameTooLarge = errors.New("frame exceeds read limit")

// Websocket adapts a gorilla websocket connection. Only binary messages carry
// frames; any other data message is skipped.
type Websocket struct {
	conn         *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
	closeOnce    sync.Once
}

func NewWebsocket(conn *websocket.Conn, writeTimeout time.Duration) *Websocket {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	conn.SetReadLimit(DefaultReadLimit)
	return &Websocket{conn: conn, writeTimeout: writeTimeout}
}

// SetReadLimit caps the size of inbound frames; limit <= 0 restores the
// default.
func (w *Websocket) SetReadLimit(limit int64) {
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	w.conn.SetReadLimit(limit)
}

// Dial opens a websocket to url and wraps it.
func Dial(ctx context.Context, url string, header http.Header) (*Websocket, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}
	return NewWebsocket(conn, DefaultWriteTimeout), nil
}

func (w *Websocket) Send(ctx context.Context, frame []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	deadline := time.Now().Add(w.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = w.conn.SetWriteDeadline(deadline)
	if err := w.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) {
			return ErrClosed
		}
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Next blocks for the next binary frame. Cancelling ctx closes the underlying
// connection, since a gorilla read cannot be interrupted any other way.
func (w *Websocket) Next(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() { _ = w.conn.Close() })
	defer stop()
	for {
		mt, p, err := w.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return nil, io.EOF
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, websocket.ErrReadLimit) {
				return nil, fmt.Errorf("%w: %w", ErrFrameTooLarge, err)
			}
			return nil, fmt.Errorf("failed to read message: %w", err)
		}
		switch mt {
		case websocket.BinaryMessage:
			return p, nil
		default:
		}
	}
}

// Close sends a normal closure and releases the connection.
func (w *Websocket) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.writeMu.Lock()
		_ = w.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		w.writeMu.Unlock()
		err = w.conn.Close()
	})
	return err
}
