package realm

import (
	"errors"
	"fmt"
)

var (
	ErrSubscriberLagged = errors.New("subscriber fell behind the broadcast stream")
	ErrGroupClosed      = errors.New("broadcast group closed")
	ErrRateLimited      = errors.New("peer exceeded the inbound frame rate")
)

// TransportError is a send or receive failure on a peer's own connection.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("failed to %s frame: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// HandshakeError means the initial sync frame could not be delivered for a
// reason other than the connection or group already being gone.
type HandshakeError struct {
	Err error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("failed to send handshake: %v", e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}
