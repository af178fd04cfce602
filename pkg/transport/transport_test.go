package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipeDeliversInOrderThenEOF(t *testing.T) {
	ctx := context.Background()
	a, b := Pipe(4)
	require.NoError(t, a.Send(ctx, []byte{1}))
	require.NoError(t, a.Send(ctx, []byte{2}))
	require.NoError(t, a.Close())

	f, err := b.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, f)
	f, err = b.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{2}, f)
	_, err = b.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)

	assert.ErrorIs(t, b.Send(ctx, []byte{3}), ErrClosed)
}

func TestPipeAbort(t *testing.T) {
	a, b := Pipe(0)
	a.Abort()
	_, err := b.Next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPipeNextHonoursContext(t *testing.T) {
	_, b := Pipe(0)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := b.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWebsocketRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ws := NewWebsocket(conn, time.Second)
		defer ws.Close()
		for {
			frame, err := ws.Next(r.Context())
			if err != nil {
				return
			}
			if err := ws.Send(r.Context(), append([]byte("echo:"), frame...)); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)

	// text messages are not frames and are skipped
	require.NoError(t, client.conn.WriteMessage(websocket.TextMessage, []byte("ignored")))
	require.NoError(t, client.Send(ctx, []byte("hi")))
	frame, err := client.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("echo:hi"), frame)

	require.NoError(t, client.Close())
}

func TestWebsocketRejectsOversizedFrame(t *testing.T) {
	upgrader := websocket.Upgrader{}
	result := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ws := NewWebsocket(conn, time.Second)
		defer ws.Close()
		ws.SetReadLimit(16)
		_, err = ws.Next(r.Context())
		result <- err
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Send(ctx, make([]byte, 64)))
	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrFrameTooLarge)
	case <-ctx.Done():
		t.Fatal("server never saw the frame")
	}
}

func TestWebsocketGracefulCloseIsEOF(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = NewWebsocket(conn, time.Second).Close()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
}
