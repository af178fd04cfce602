// Package transport defines the two capabilities the realm engine needs from a
// peer connection, plus adapters for websockets and in-process pipes.
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by a Sink or Stream that was torn down locally.
var ErrClosed = errors.New("transport closed")

// Sink accepts binary frames for one peer. Send must be safe to call from
// multiple goroutines.
type Sink interface {
	Send(ctx context.Context, frame []byte) error
}

// Stream yields the binary frames a peer sends. Next returns io.EOF once the
// peer closed the connection gracefully.
type Stream interface {
	Next(ctx context.Context) ([]byte, error)
}

// Conn is a convenience for transports providing both halves.
type Conn interface {
	Sink
	Stream
	Close() error
}
